// Package localcopy implements §4.7's local copy executor: the per-file
// pipeline (stat, compare, strategy selection, copy, finalize) that both
// the receiver and a pure local-to-local transfer drive, plus deletion
// scheduling, hard-link tracking, and rollback-on-error.
package localcopy

import (
	"io/fs"
	"os"
	"time"

	"github.com/gokrazy/rsync-core/internal/flist"
)

// Strategy is the transfer strategy selected for one file (§4.7 step 6).
type Strategy int

const (
	// StrategySkip means the destination already matches the source; no
	// bytes need to move.
	StrategySkip Strategy = iota
	StrategyWholeFile
	StrategyDelta
	StrategyAppend
	StrategyAppendVerify
)

func (s Strategy) String() string {
	switch s {
	case StrategySkip:
		return "skip"
	case StrategyWholeFile:
		return "whole-file"
	case StrategyDelta:
		return "delta"
	case StrategyAppend:
		return "append"
	case StrategyAppendVerify:
		return "append-verify"
	default:
		return "unknown"
	}
}

// WriteMode selects how the destination bytes are staged (§4.7 step 6).
type WriteMode int

const (
	WriteDirect WriteMode = iota
	WriteStaged
	WriteInPlace
)

// Classification is the result of stat-ing both sides of one file (§4.7
// step 1).
type Classification struct {
	Entry      *flist.Entry
	SourceInfo fs.FileInfo // nil if the source vanished between listing and copy
	DestInfo   fs.FileInfo // nil if the destination doesn't exist yet
	SourceErr  error
	DestErr    error
}

// Classify stats both sides of a prospective transfer. A missing source
// (SourceErr wrapping fs.ErrNotExist) is the "vanished source file" edge
// case (§4.7, §6 KindVanishedSource); the caller decides whether that is
// fatal or merely skips the entry.
func Classify(e *flist.Entry, sourcePath, destPath string) Classification {
	c := Classification{Entry: e}
	c.SourceInfo, c.SourceErr = os.Lstat(sourcePath)
	c.DestInfo, c.DestErr = os.Lstat(destPath)
	return c
}

// VanishedSource reports whether the source disappeared after the file
// list was built.
func (c Classification) VanishedSource() bool {
	return c.SourceErr != nil
}

// DestExists reports whether the destination path currently exists.
func (c Classification) DestExists() bool {
	return c.DestErr == nil && c.DestInfo != nil
}

// CompareOptions controls ShouldSkip's notion of "identical enough to
// skip" (§4.7 step 5).
type CompareOptions struct {
	SizeOnly    bool
	IgnoreTimes bool
	Checksum    bool // disable the quick-check skip; no checksum comparison is made
	ModWindow   time.Duration
}

// ShouldSkip implements the quick-check predicate: by default, a
// destination is considered up to date when its size and modification
// time both match the incoming entry (§4.7 step 5, "should_skip").
// With CompareOptions.Checksum set, ShouldSkip never skips and the
// executor transfers the file; no strong-checksum comparison of source
// and destination is made anywhere in this package.
func ShouldSkip(e *flist.Entry, destInfo fs.FileInfo, opt CompareOptions) bool {
	if destInfo == nil {
		return false
	}
	if opt.Checksum {
		return false
	}
	if destInfo.Size() != e.Size {
		return false
	}
	if opt.SizeOnly {
		return true
	}
	if opt.IgnoreTimes {
		return false
	}
	destMtime := destInfo.ModTime()
	srcMtime := time.Unix(e.MtimeSec, int64(e.MtimeNsec))
	delta := destMtime.Sub(srcMtime)
	if delta < 0 {
		delta = -delta
	}
	return delta <= opt.ModWindow
}

// SelectStrategy implements §4.7 step 6's decision table: whether to skip,
// whole-file, delta, append, or append-verify a given file, given whether
// the peer is local (whole-file transfer is favored for local copies per
// §4.6's AutoWholeFile) and whether the destination is a strict prefix of
// the source (append-eligible).
func SelectStrategy(c Classification, opt CompareOptions, isLocalCopy, appendMode, appendVerify bool) Strategy {
	if !c.DestExists() {
		if isLocalCopy {
			return StrategyWholeFile
		}
		return StrategyDelta
	}
	if ShouldSkip(c.Entry, c.DestInfo, opt) {
		return StrategySkip
	}
	if appendMode {
		if appendVerify {
			return StrategyAppendVerify
		}
		return StrategyAppend
	}
	if isLocalCopy {
		return StrategyWholeFile
	}
	return StrategyDelta
}
