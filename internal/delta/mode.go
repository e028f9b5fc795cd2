package delta

import (
	"bytes"
	"fmt"
	"io"

	"github.com/gokrazy/rsync-core/internal/checksum"
)

// Mode selects which of §4.6's transfer strategies PlanAppend/GenerateDelta
// should use for a given (basis, source) pair.
type Mode int

const (
	ModeDelta Mode = iota
	ModeWholeFile
	ModeAppend
	ModeAppendVerify
)

// AppendDecision is the outcome of evaluating append mode against a
// (sourceSize, destSize) pair (§4.6's append-mode offset negotiation).
type AppendDecision int

const (
	// AppendProceed means the destination's existing bytes are assumed
	// identical to the source's prefix; only the suffix need be sent.
	AppendProceed AppendDecision = iota
	// AppendSkip means the destination is already at least as complete as
	// the source; the file is left untouched.
	AppendSkip
	// AppendFallbackFull means append-verify detected a mismatched
	// prefix; the caller must fall back to a full transfer.
	AppendFallbackFull
)

// PlanAppend implements §4.6's append-mode decision: if destSize >=
// sourceSize, skip; otherwise proceed with a plain append (the caller is
// responsible for seeking to destSize and transferring the suffix).
func PlanAppend(sourceSize, destSize int64) AppendDecision {
	if destSize >= sourceSize {
		return AppendSkip
	}
	return AppendProceed
}

// VerifyAppendPrefix implements append-verify: it computes a strong
// checksum of the first destSize bytes of source and compares it against
// the destination's own checksum of its full (destSize-byte) content. A
// mismatch means the common prefix assumption was wrong and the caller
// must fall back to a full transfer.
func VerifyAppendPrefix(source io.Reader, destSize int64, destChecksum []byte, algo checksum.Algorithm, seed int32) (AppendDecision, error) {
	if destSize <= 0 {
		return AppendProceed, nil
	}
	d, err := checksum.New(algo, seed)
	if err != nil {
		return AppendFallbackFull, err
	}
	if _, err := io.CopyN(d, source, destSize); err != nil && err != io.EOF {
		return AppendFallbackFull, fmt.Errorf("delta: append-verify prefix read: %w", err)
	}
	if !bytes.Equal(d.Sum(nil), destChecksum) {
		return AppendFallbackFull, nil
	}
	return AppendProceed, nil
}

// WholeFile streams src as literal-only tokens, skipping signature
// generation entirely (§4.6: "skip signature generation; transfer full
// source bytes as literals").
func WholeFile(src io.Reader) ([]Token, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("delta: whole-file read: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return []Token{{Literal: data, BlockIndex: -1}}, nil
}

// AutoWholeFile implements §4.6's auto mode: true for local copies by
// default, false otherwise (e.g. a remote peer, where sending a delta
// instead of the whole file saves network bytes).
func AutoWholeFile(isLocalCopy bool) bool {
	return isLocalCopy
}
