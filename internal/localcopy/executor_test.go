package localcopy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gokrazy/rsync-core/internal/checksum"
	"github.com/gokrazy/rsync-core/internal/flist"
	"github.com/gokrazy/rsync-core/internal/rsyncerr"
)

func TestExecutorWholeFileCopy(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	srcPath := filepath.Join(srcDir, "file.txt")
	if err := os.WriteFile(srcPath, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	destPath := filepath.Join(destDir, "file.txt")

	exec := NewExecutor(Options{IsLocalCopy: true, Algo: checksum.MD4, Metadata: MetadataOptions{PreservePerms: true}})
	entry := &flist.Entry{Name: "file.txt", Size: int64(len("hello world")), Mode: 0o644}
	if err := exec.TransferFile(entry, srcPath, destPath); err != nil {
		t.Fatalf("TransferFile: %v", err)
	}

	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Errorf("destination content = %q, want %q", got, "hello world")
	}
	if exec.Stats().FilesCopied != 1 {
		t.Errorf("FilesCopied = %d, want 1", exec.Stats().FilesCopied)
	}
}

func TestExecutorDeltaCopyReusesSharedPrefix(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	basis := []byte("the quick brown fox jumps over the lazy dog")
	updated := append(append([]byte{}, basis...), []byte(" and then some more text")...)

	srcPath := filepath.Join(srcDir, "f")
	destPath := filepath.Join(destDir, "f")
	if err := os.WriteFile(srcPath, updated, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(destPath, basis, 0o644); err != nil {
		t.Fatal(err)
	}

	exec := NewExecutor(Options{IsLocalCopy: false, Algo: checksum.MD4})
	entry := &flist.Entry{Name: "f", Size: int64(len(updated)), Mode: 0o644, MtimeSec: time.Now().Add(-time.Hour).Unix()}
	if err := exec.TransferFile(entry, srcPath, destPath); err != nil {
		t.Fatalf("TransferFile: %v", err)
	}

	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(updated) {
		t.Errorf("reconstructed content mismatch: got %d bytes, want %d bytes", len(got), len(updated))
	}
}

func TestExecutorSkipsUpToDateFile(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	content := []byte("same content")
	srcPath := filepath.Join(srcDir, "f")
	destPath := filepath.Join(destDir, "f")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(destPath, content, 0o644); err != nil {
		t.Fatal(err)
	}
	destInfo, err := os.Stat(destPath)
	if err != nil {
		t.Fatal(err)
	}

	exec := NewExecutor(Options{Compare: CompareOptions{ModWindow: time.Second}})
	entry := &flist.Entry{Name: "f", Size: int64(len(content)), MtimeSec: destInfo.ModTime().Unix()}
	if err := exec.TransferFile(entry, srcPath, destPath); err != nil {
		t.Fatalf("TransferFile: %v", err)
	}
	if exec.Stats().FilesCopied != 0 {
		t.Errorf("FilesCopied = %d, want 0 (file should have been skipped)", exec.Stats().FilesCopied)
	}
}

func TestExecutorDryRunRecordsWithoutWriting(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	srcPath := filepath.Join(srcDir, "f")
	destPath := filepath.Join(destDir, "f")
	if err := os.WriteFile(srcPath, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}

	exec := NewExecutor(Options{DryRun: true, IsLocalCopy: true})
	entry := &flist.Entry{Name: "f", Size: 7}
	if err := exec.TransferFile(entry, srcPath, destPath); err != nil {
		t.Fatalf("TransferFile: %v", err)
	}
	if _, err := os.Stat(destPath); !os.IsNotExist(err) {
		t.Error("dry run must not create the destination file")
	}
	if len(exec.Recorder().Actions) != 1 {
		t.Errorf("recorded %d actions, want 1", len(exec.Recorder().Actions))
	}
}

func TestExecutorDeletionMaxLimit(t *testing.T) {
	exec := NewExecutor(Options{Deletion: DeleteAfter, MaxDelete: 1})
	if err := exec.ScheduleDeletion("a", false); err != nil {
		t.Fatalf("first deletion: %v", err)
	}
	if err := exec.DeletionLimitErr(); err != nil {
		t.Fatalf("DeletionLimitErr before exceeding the limit: %v", err)
	}
	// Candidates beyond MaxDelete don't error individually; they
	// accumulate into Skipped so a full scan can report exactly how many
	// were left unprocessed once it's done.
	if err := exec.ScheduleDeletion("b", false); err != nil {
		t.Fatalf("second deletion: %v", err)
	}
	if err := exec.ScheduleDeletion("c", false); err != nil {
		t.Fatalf("third deletion: %v", err)
	}

	err := exec.DeletionLimitErr()
	if err == nil {
		t.Fatal("expected DeletionLimitErr to report the exceeded limit")
	}
	rerr, ok := err.(*rsyncerr.Error)
	if !ok {
		t.Fatalf("err is %T, want *rsyncerr.Error", err)
	}
	if rerr.Kind != rsyncerr.KindDeleteLimitExceeded {
		t.Errorf("Kind = %v, want KindDeleteLimitExceeded", rerr.Kind)
	}
	if rerr.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2 (b and c beyond the limit of 1)", rerr.Skipped)
	}
}
