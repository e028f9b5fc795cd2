package localcopy

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gokrazy/rsync-core/internal/checksum"
	"github.com/gokrazy/rsync-core/internal/compress"
	"github.com/gokrazy/rsync-core/internal/delta"
	"github.com/gokrazy/rsync-core/internal/dryrun"
	"github.com/gokrazy/rsync-core/internal/filter"
	"github.com/gokrazy/rsync-core/internal/flist"
	"github.com/gokrazy/rsync-core/internal/rsyncerr"
	"github.com/gokrazy/rsync-core/internal/rsyncstats"
)

// Options configures one Executor session (§4.7's per-session knobs).
type Options struct {
	Compare      CompareOptions
	Metadata     MetadataOptions
	Filter       *filter.FilterSet
	OneFileSystem bool
	DryRun       bool
	AppendMode   bool
	AppendVerify bool
	IsLocalCopy  bool
	Algo         checksum.Algorithm
	Seed         int32
	Compression  compress.Algorithm
	CompressionLevel int
	Timeout      time.Duration
	Deletion     DeletionTiming
	MaxDelete    int

	// PartialLog, when non-nil, records resumable partial-transfer state
	// (§3 PartialTransferState, §7's "partial-transfer log") for any regular
	// file whose copy is interrupted by a write error after some bytes were
	// already written.
	PartialLog *rsyncerr.PartialLog
}

// Executor drives the file-by-file pipeline described in §4.7: classify,
// compare, select a strategy, copy, finalize, and (when configured)
// schedule deletions for destination paths with no surviving source
// entry. One Executor serves one transfer session.
type Executor struct {
	Opts Options

	hardlinks *HardlinkTracker
	deletions DeletionPlan
	recorder  *dryrun.Recorder
	stats     rsyncstats.CopySummary

	// openGuards tracks write guards not yet committed or discarded, so a
	// fatal error can roll every one of them back (§4.7's rollback step).
	openGuards []*WriteGuard
}

// NewExecutor returns an Executor ready to process one transfer session.
func NewExecutor(opt Options) *Executor {
	e := &Executor{Opts: opt, hardlinks: NewHardlinkTracker(), deletions: DeletionPlan{Timing: opt.Deletion, MaxDelete: opt.MaxDelete}}
	if opt.DryRun {
		e.recorder = &dryrun.Recorder{}
	}
	return e
}

// Recorder returns the dry-run action recorder, or nil when the session
// is not a dry run.
func (e *Executor) Recorder() *dryrun.Recorder { return e.recorder }

// Stats returns the session's running copy summary.
func (e *Executor) Stats() *rsyncstats.CopySummary { return &e.stats }

// Rollback discards every write guard the executor has not yet committed,
// per §4.7's "a fatal error discards every open guard" rule. Call this
// once, after an operation returns a Fatal-classified rsyncerr.Error.
func (e *Executor) Rollback() {
	for _, g := range e.openGuards {
		g.Discard()
	}
	e.openGuards = nil
}

// recordPartial logs a resumable partial-transfer state when the executor
// was configured with a PartialLog (§3, §7); a no-op otherwise.
func (e *Executor) recordPartial(path string, received, expected int64) {
	if e.Opts.PartialLog == nil {
		return
	}
	e.Opts.PartialLog.Record(rsyncerr.PartialTransferState{
		Path:     path,
		Received: received,
		Expected: expected,
	})
}

func (e *Executor) trackGuard(g *WriteGuard) { e.openGuards = append(e.openGuards, g) }

func (e *Executor) untrackGuard(g *WriteGuard) {
	for i, o := range e.openGuards {
		if o == g {
			e.openGuards = append(e.openGuards[:i], e.openGuards[i+1:]...)
			return
		}
	}
}

// TransferFile executes the full per-file pipeline for one entry: it
// classifies both sides, consults the filter, selects a strategy, copies
// bytes (or skips), applies metadata, and records the result.
func (e *Executor) TransferFile(entry *flist.Entry, sourcePath, destPath string) error {
	if e.Opts.Filter != nil && !e.Opts.Filter.Allows(entry.Name, entry.IsDir()) {
		return nil
	}

	c := Classify(entry, sourcePath, destPath)
	if c.VanishedSource() {
		return rsyncerr.New(rsyncerr.KindVanishedSource, rsyncerr.Recoverable, sourcePath, c.SourceErr)
	}

	if entry.IsDir() {
		return e.transferDir(entry, destPath)
	}
	if entry.Kind == flist.KindSymlink {
		return e.transferSymlink(entry, destPath)
	}

	if existing, isLink := e.hardlinks.Observe(c.SourceInfo, destPath); isLink {
		return e.linkAdditional(entry, existing, destPath)
	}

	strategy := SelectStrategy(c, e.Opts.Compare, e.Opts.IsLocalCopy, e.Opts.AppendMode, e.Opts.AppendVerify)
	if strategy == StrategySkip {
		return nil
	}

	if e.recorder != nil {
		e.recorder.Record(dryrun.ReceiveFile{Path: destPath, Size: entry.Size})
		e.stats.AddCopied(entry.Size, 0)
		return nil
	}

	if err := e.copyFile(entry, sourcePath, destPath, strategy, c); err != nil {
		return err
	}

	return ApplyMetadata(destPath, entry, e.Opts.Metadata)
}

func (e *Executor) transferDir(entry *flist.Entry, destPath string) error {
	if e.recorder != nil {
		e.recorder.Record(dryrun.CreateDir{Path: destPath})
		return nil
	}
	if err := os.MkdirAll(destPath, 0o755); err != nil {
		return fmt.Errorf("localcopy: creating directory %s: %w", destPath, err)
	}
	e.stats.AddDirVisited()
	return ApplyMetadata(destPath, entry, e.Opts.Metadata)
}

func (e *Executor) transferSymlink(entry *flist.Entry, destPath string) error {
	if e.recorder != nil {
		e.recorder.Record(dryrun.CreateSymlink{Path: destPath, Target: entry.LinkTarget})
		return nil
	}
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localcopy: removing existing entry at %s: %w", destPath, err)
	}
	if err := os.Symlink(entry.LinkTarget, destPath); err != nil {
		return fmt.Errorf("localcopy: creating symlink %s -> %s: %w", destPath, entry.LinkTarget, err)
	}
	return nil
}

func (e *Executor) linkAdditional(entry *flist.Entry, existing, destPath string) error {
	if e.recorder != nil {
		e.recorder.Record(dryrun.CreateHardlink{Path: destPath, Target: existing})
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	return Link(existing, destPath)
}

// copyFile performs the actual byte transfer for strategy, using a write
// guard so a fatal error leaves the destination untouched or cleanly
// rolled back (§4.7 step 6).
func (e *Executor) copyFile(entry *flist.Entry, sourcePath, destPath string, strategy Strategy, c Classification) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return rsyncerr.New(rsyncerr.KindFileIO, rsyncerr.Recoverable, sourcePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("localcopy: creating parent of %s: %w", destPath, err)
	}

	mode := os.FileMode(entry.Mode & 0o7777)
	if mode == 0 {
		mode = 0o644
	}

	switch strategy {
	case StrategyAppend, StrategyAppendVerify:
		return e.copyAppend(src, destPath, entry, strategy, mode, c)
	case StrategyDelta:
		return e.copyDelta(src, destPath, entry, mode, c)
	default:
		return e.copyWholeFile(src, destPath, entry, mode)
	}
}

func (e *Executor) copyWholeFile(src io.Reader, destPath string, entry *flist.Entry, mode os.FileMode) error {
	guard, err := NewDirectWriteGuard(destPath, mode)
	if err == ErrAlreadyExists {
		guard, err = NewStagedWriteGuard(destPath, "", mode)
	}
	if err != nil {
		return fmt.Errorf("localcopy: opening destination %s: %w", destPath, err)
	}
	e.trackGuard(guard)
	defer e.untrackGuard(guard)

	w := guard.Writer()
	if e.Opts.Compression != compress.None {
		n, err := compress.DecompressStream(w, src, e.Opts.Compression)
		if err != nil {
			guard.Discard()
			e.recordPartial(destPath, n, entry.Size)
			return fmt.Errorf("localcopy: decompressing into %s: %w", destPath, err)
		}
	} else if n, err := io.Copy(w, src); err != nil {
		guard.Discard()
		e.recordPartial(destPath, n, entry.Size)
		return fmt.Errorf("localcopy: copying into %s: %w", destPath, err)
	}

	e.stats.AddCopied(entry.Size, 0)
	return guard.Commit()
}

func (e *Executor) copyDelta(src io.Reader, destPath string, entry *flist.Entry, mode os.FileMode, c Classification) error {
	basis, err := os.Open(destPath)
	if err != nil {
		return e.copyWholeFile(src, destPath, entry, mode)
	}
	defer basis.Close()

	sig, err := delta.GenerateSignature(basis, c.DestInfo.Size(), e.Opts.Algo, e.Opts.Seed)
	if err != nil {
		return fmt.Errorf("localcopy: generating signature for %s: %w", destPath, err)
	}
	tokens, err := delta.GenerateDelta(src, sig, e.Opts.Algo, e.Opts.Seed)
	if err != nil {
		return fmt.Errorf("localcopy: generating delta for %s: %w", destPath, err)
	}

	guard, err := NewStagedWriteGuard(destPath, "", mode)
	if err != nil {
		return fmt.Errorf("localcopy: opening staging file for %s: %w", destPath, err)
	}
	e.trackGuard(guard)
	defer e.untrackGuard(guard)

	if err := delta.Reconstruct(guard.Writer(), tokens, basis, sig.Head); err != nil {
		guard.Discard()
		return fmt.Errorf("localcopy: reconstructing %s: %w", destPath, err)
	}

	e.stats.AddCopied(delta.LiteralBytes(tokens), delta.MatchedBytes(tokens, sig.Head))
	return guard.Commit()
}

// copyAppend implements append and append-verify mode (§4.6's append
// offset negotiation): the source's first destSize bytes are assumed (or,
// in append-verify, checked) to equal the destination's current content,
// and only the remaining suffix is written. Both modes rely on src being
// seekable, since the prefix is read once to verify and then skipped over
// again to reach the suffix.
func (e *Executor) copyAppend(src *os.File, destPath string, entry *flist.Entry, strategy Strategy, mode os.FileMode, c Classification) error {
	destSize := c.DestInfo.Size()
	decision := delta.PlanAppend(entry.Size, destSize)
	if decision == delta.AppendSkip {
		return nil
	}

	if strategy == StrategyAppendVerify && destSize > 0 {
		destChecksum, err := readDestChecksum(destPath, e.Opts.Algo, e.Opts.Seed)
		if err != nil {
			return err
		}
		decision, err = delta.VerifyAppendPrefix(src, destSize, destChecksum, e.Opts.Algo, e.Opts.Seed)
		if err != nil {
			return err
		}
		if decision == delta.AppendFallbackFull {
			if _, err := src.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("localcopy: rewinding %s after append-verify mismatch: %w", destPath, err)
			}
			return e.copyWholeFile(src, destPath, entry, mode)
		}
	}

	if _, err := src.Seek(destSize, io.SeekStart); err != nil {
		return fmt.Errorf("localcopy: seeking past append prefix of %s: %w", destPath, err)
	}

	f, err := os.OpenFile(destPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("localcopy: opening %s for append: %w", destPath, err)
	}
	defer f.Close()

	n, err := io.Copy(f, src)
	if err != nil {
		return fmt.Errorf("localcopy: appending to %s: %w", destPath, err)
	}
	e.stats.AddCopied(n, destSize)
	return nil
}

func readDestChecksum(destPath string, algo checksum.Algorithm, seed int32) ([]byte, error) {
	f, err := os.Open(destPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d, err := checksum.New(algo, seed)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(d, f); err != nil {
		return nil, err
	}
	return d.Sum(nil), nil
}

// ScheduleDeletion registers path for removal if it has no corresponding
// source entry, subject to the configured deletion timing and max-delete
// limit. Candidates beyond the limit are tallied rather than reported
// immediately; call DeletionLimitErr once the scan is complete.
func (e *Executor) ScheduleDeletion(path string, isDir bool) error {
	return e.deletions.Consider(e.Opts.Filter, path, isDir)
}

// DeletionLimitErr returns a KindDeleteLimitExceeded error reporting how
// many candidate deletions were skipped once MaxDelete was reached, or
// nil if the limit was never hit.
func (e *Executor) DeletionLimitErr() error {
	return e.deletions.LimitErr()
}

// ApplyDeletions runs the pending deletion plan, recording each removal
// when in dry-run mode.
func (e *Executor) ApplyDeletions() error {
	if err := e.deletions.Apply(e.recorder, e.Opts.DryRun); err != nil {
		return err
	}
	e.stats.AddDeleted(int64(e.deletions.Count()))
	return nil
}
