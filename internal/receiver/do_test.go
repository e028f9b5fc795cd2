package receiver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gokrazy/rsync-core/internal/filter"
	"github.com/gokrazy/rsync-core/internal/flist"
	"github.com/gokrazy/rsync-core/internal/rsyncerr"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Printf(format string, v ...interface{}) { l.t.Logf(format, v...) }

// topDirList builds the single-entry "." file list deleteFiles expects as
// its top-level marker (isTopDir only fires for the "." entry).
func topDirList() []*File {
	return []*File{{Entry: &flist.Entry{Name: "."}}}
}

// TestDeleteFilesConsultsFilter exercises the protect rule path: a
// destination-only entry matched by a protect rule must survive
// deleteFiles even though it has no corresponding source entry.
func TestDeleteFilesConsultsFilter(t *testing.T) {
	dest := t.TempDir()
	if err := os.WriteFile(filepath.Join(dest, "keep.txt"), []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dest, "protected.txt"), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	fset, err := filter.Compile([]filter.Rule{
		{Action: filter.ActionProtect, Pattern: "protected.txt"},
	})
	if err != nil {
		t.Fatalf("filter.Compile: %v", err)
	}

	rt := &Transfer{
		Logger: testLogger{t},
		Opts:   TransferOptions{DeleteMode: true},
		Dest:   dest,
		Filter: fset,
	}

	fileList := []*File{
		{Entry: &flist.Entry{Name: "."}},
		{Entry: &flist.Entry{Name: "keep.txt"}},
	}
	if err := rt.deleteFiles(fileList); err != nil {
		t.Fatalf("deleteFiles: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dest, "protected.txt")); err != nil {
		t.Errorf("protected.txt should have survived deletion: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "keep.txt")); err != nil {
		t.Errorf("keep.txt should still exist: %v", err)
	}
}

// TestDeleteFilesMaxDelete exercises the max-delete limit on the
// wire-receiver path: with two extraneous entries and a limit of one,
// deleteFiles removes exactly one and reports the other as skipped.
func TestDeleteFilesMaxDelete(t *testing.T) {
	dest := t.TempDir()
	for _, name := range []string{"extra1", "extra2"} {
		if err := os.WriteFile(filepath.Join(dest, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	rt := &Transfer{
		Logger: testLogger{t},
		Opts:   TransferOptions{DeleteMode: true, MaxDelete: 1},
		Dest:   dest,
	}

	err := rt.deleteFiles(topDirList())
	if err == nil {
		t.Fatal("deleteFiles with exceeded max-delete unexpectedly succeeded")
	}
	rerr, ok := err.(*rsyncerr.Error)
	if !ok {
		t.Fatalf("err is %T, want *rsyncerr.Error", err)
	}
	if rerr.Kind != rsyncerr.KindDeleteLimitExceeded {
		t.Errorf("Kind = %v, want KindDeleteLimitExceeded", rerr.Kind)
	}
	if rerr.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1 (2 extras - 1 removed)", rerr.Skipped)
	}

	remaining, err := os.ReadDir(dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 {
		t.Errorf("destination has %d entries after partial delete, want 1", len(remaining))
	}
}

// TestDeleteFilesDryRun confirms DryRun leaves the destination untouched.
func TestDeleteFilesDryRun(t *testing.T) {
	dest := t.TempDir()
	if err := os.WriteFile(filepath.Join(dest, "extra.txt"), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	rt := &Transfer{
		Logger: testLogger{t},
		Opts:   TransferOptions{DeleteMode: true, DryRun: true},
		Dest:   dest,
	}

	if err := rt.deleteFiles(topDirList()); err != nil {
		t.Fatalf("deleteFiles: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "extra.txt")); err != nil {
		t.Errorf("extra.txt should survive a dry run: %v", err)
	}
}
