package localcopy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gokrazy/rsync-core/internal/rsyncerr"
)

func TestSyncWholeTreeTrailingSlashCopiesContents(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(srcDir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "sub", "b.txt"), []byte("B"), 0o644); err != nil {
		t.Fatal(err)
	}

	summary, err := Sync(Options{Algo: 0}, []string{srcDir + string(filepath.Separator)}, destDir)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if summary.FilesCopied != 2 {
		t.Errorf("FilesCopied = %d, want 2", summary.FilesCopied)
	}

	for rel, want := range map[string]string{"a.txt": "A", "sub/b.txt": "B"} {
		got, err := os.ReadFile(filepath.Join(destDir, rel))
		if err != nil {
			t.Fatalf("reading %s: %v", rel, err)
		}
		if string(got) != want {
			t.Errorf("%s content = %q, want %q", rel, got, want)
		}
	}
}

func TestSyncWithoutTrailingSlashNestsUnderSourceName(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Sync(Options{}, []string{srcDir}, destDir); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	base := filepath.Base(srcDir)
	got, err := os.ReadFile(filepath.Join(destDir, base, "a.txt"))
	if err != nil {
		t.Fatalf("reading nested copy: %v", err)
	}
	if string(got) != "A" {
		t.Errorf("content = %q, want %q", got, "A")
	}
}

func TestSyncDeleteBeforeRemovesExtraneousEntries(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "keep.txt"), []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(destDir, "extra.txt"), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	opt := Options{Deletion: DeleteBefore}
	summary, err := Sync(opt, []string{srcDir + string(filepath.Separator)}, destDir)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if summary.ItemsDeleted != 1 {
		t.Errorf("ItemsDeleted = %d, want 1", summary.ItemsDeleted)
	}
	if _, err := os.Stat(filepath.Join(destDir, "extra.txt")); !os.IsNotExist(err) {
		t.Error("extra.txt should have been deleted")
	}
}

func TestSyncMaxDeleteAbortsAfterApplyingPartial(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "keep.txt"), []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"extra1", "extra2", "extra3"} {
		if err := os.WriteFile(filepath.Join(destDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	opt := Options{Deletion: DeleteAfter, MaxDelete: 1}
	summary, err := Sync(opt, []string{srcDir + string(filepath.Separator)}, destDir)
	if err == nil {
		t.Fatal("Sync with exceeded max-delete unexpectedly succeeded")
	}
	if summary.ItemsDeleted != 1 {
		t.Errorf("ItemsDeleted = %d, want 1", summary.ItemsDeleted)
	}

	rerr, ok := err.(*rsyncerr.Error)
	if !ok {
		t.Fatalf("err is %T, want *rsyncerr.Error", err)
	}
	if rerr.Kind != rsyncerr.KindDeleteLimitExceeded {
		t.Errorf("Kind = %v, want KindDeleteLimitExceeded", rerr.Kind)
	}
	// 3 extraneous entries total, 1 removed (the MaxDelete limit), so
	// the reported skipped count must equal 3 - 1 = 2.
	if rerr.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", rerr.Skipped)
	}

	remaining, err := os.ReadDir(destDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 3 {
		t.Errorf("destination has %d entries, want 3 (keep.txt + 2 remaining extras)", len(remaining))
	}
}
