package localcopy

import (
	"fmt"
	"io"
	"os"

	"github.com/google/renameio/v2"
)

// WriteGuard owns a staging path with RAII-like discipline (§9): exactly
// one of Commit or Discard must be called once per guard, and either
// consumes it. A guard that is neither committed nor discarded when the
// executor hits a fatal error is found via the session's open-guards list
// and discarded during rollback.
type WriteGuard struct {
	final   string
	staging string
	file    *os.File
	pending *renameio.PendingFile
	done    bool
}

// NewDirectWriteGuard opens final itself with O_CREAT|O_EXCL (§4.7 step 6:
// "direct write... with a cleanup guard on error"). If the file already
// exists, ErrAlreadyExists is returned so the caller can fall back to
// staged mode transparently (§5).
func NewDirectWriteGuard(final string, mode os.FileMode) (*WriteGuard, error) {
	f, err := os.OpenFile(final, os.O_RDWR|os.O_CREAT|os.O_EXCL, mode)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	return &WriteGuard{final: final, staging: final, file: f}, nil
}

// NewStagedWriteGuard creates a sibling temp file (or a file inside dir,
// when dir is non-empty) that will later be renamed atomically onto final
// (§4.7 step 6: "staged write... a destination write guard owns this temp
// path").
func NewStagedWriteGuard(final string, dir string, mode os.FileMode) (*WriteGuard, error) {
	opts := []renameio.Option{renameio.WithPermissions(mode)}
	if dir != "" {
		opts = append(opts, renameio.WithTempDir(dir))
	}
	f, err := renameio.NewPendingFile(final, opts...)
	if err != nil {
		return nil, fmt.Errorf("localcopy: creating staging file: %w", err)
	}
	return &WriteGuard{final: final, staging: f.Name(), pending: f}, nil
}

// ErrAlreadyExists is returned by NewDirectWriteGuard when O_EXCL fails.
var ErrAlreadyExists = fmt.Errorf("localcopy: destination already exists")

// File returns the open *os.File to write through, for guards backed by a
// plain os.File (direct-write mode). Staged guards write through Writer().
func (g *WriteGuard) File() *os.File { return g.file }

// Writer returns an io.Writer for the guard, whichever backing it uses.
func (g *WriteGuard) Writer() io.Writer {
	if g.file != nil {
		return g.file
	}
	return g.pending
}

// Commit finalizes the guard: for a direct-write guard this is a no-op
// besides closing; for a staged guard it atomically renames staging onto
// final. Commit consumes the guard.
func (g *WriteGuard) Commit() error {
	if g.done {
		return fmt.Errorf("localcopy: guard for %s committed twice", g.final)
	}
	g.done = true
	if g.file != nil {
		return g.file.Close()
	}
	return g.pending.CloseAtomicallyReplace()
}

// Discard releases the guard without committing: unlinks the staging file
// (direct-write guards unlink the partially-written final path, since it
// never existed before the guard opened it). Discard consumes the guard.
func (g *WriteGuard) Discard() error {
	if g.done {
		return nil
	}
	g.done = true
	if g.file != nil {
		g.file.Close()
		return os.Remove(g.final)
	}
	return g.pending.Cleanup()
}

