package rsyncerr

import "sync"

// PartialTransferState is §3's per-entry resumable-transfer record: a
// transfer terminated before completion, but with bytes already on disk
// (at the destination, or in a partial directory once §4.7's partial-kept
// staging is wired up by a transport collaborator). It is resumable only
// when 0 < Received < Expected.
type PartialTransferState struct {
	Path     string
	Received int64
	Expected int64
	Checksum []byte // partial strong checksum over the bytes received so far, when available
}

// Resumable reports whether s describes a transfer that can be resumed
// (§3's invariant: strictly partial, not empty and not already complete).
func (s PartialTransferState) Resumable() bool {
	return s.Received > 0 && s.Received < s.Expected
}

// PartialLog accumulates resumable PartialTransferState entries across a
// session (§7: "A partial-transfer log accumulates resumable entries
// across the session for optional export."). It is safe for concurrent
// use since the executor's generator and receiver halves run on separate
// goroutines (§5).
type PartialLog struct {
	mu      sync.Mutex
	entries []PartialTransferState
}

// Record appends s to the log if it describes a resumable transfer;
// non-resumable states (nothing received, or already complete) are not
// logged since there is nothing to resume.
func (l *PartialLog) Record(s PartialTransferState) {
	if !s.Resumable() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
}

// Entries returns a snapshot of the log's accumulated states, for optional
// export by a caller (e.g. a `--partial-dir` resume pass on the next run).
func (l *PartialLog) Entries() []PartialTransferState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PartialTransferState, len(l.entries))
	copy(out, l.entries)
	return out
}
