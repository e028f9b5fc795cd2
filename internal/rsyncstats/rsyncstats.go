// Package rsyncstats holds the aggregated counters exchanged at the end of
// a session (§3's CopySummary, and the three-int64 wire exchange the
// receiver performs against the sender: bytes read, bytes written, total
// file size).
package rsyncstats

import "time"

// TransferStats is the three-integer statistics exchange read from the
// peer at the end of a session (rsync/main.c:report).
type TransferStats struct {
	// Read is the total bytes read from the network connection.
	Read int64
	// Written is the total bytes written to the network connection.
	Written int64
	// Size is the total size of all transferred files.
	Size int64
}

// CopySummary aggregates the local executor's per-session counters (§3),
// monotonically increasing as CopyRecords are emitted.
type CopySummary struct {
	FilesCopied   int64
	BytesCopied   int64
	MatchedBytes  int64
	CompressedBytes int64
	ItemsDeleted  int64
	DirsVisited   int64
	Elapsed       time.Duration
	FileListGenTime time.Duration
}

// AddCopied records a processed regular file's byte counts.
func (s *CopySummary) AddCopied(literalBytes, matchedBytes int64) {
	s.FilesCopied++
	s.BytesCopied += literalBytes
	s.MatchedBytes += matchedBytes
}

// AddDeleted increments the deleted-items counter.
func (s *CopySummary) AddDeleted(n int64) {
	s.ItemsDeleted += n
}

// AddCompressed adds to the compressed-bytes counter.
func (s *CopySummary) AddCompressed(n int64) {
	s.CompressedBytes += n
}

// AddDirVisited increments the directories-visited counter.
func (s *CopySummary) AddDirVisited() {
	s.DirsVisited++
}
