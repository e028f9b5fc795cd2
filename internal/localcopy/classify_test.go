package localcopy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gokrazy/rsync-core/internal/flist"
)

func TestShouldSkipMatchingSizeAndTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	e := &flist.Entry{Size: int64(len("hello")), MtimeSec: info.ModTime().Unix(), MtimeNsec: uint32(info.ModTime().Nanosecond())}
	if !ShouldSkip(e, info, CompareOptions{}) {
		t.Error("expected ShouldSkip to be true for matching size/mtime")
	}
}

func TestShouldSkipSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	e := &flist.Entry{Size: 999, MtimeSec: info.ModTime().Unix()}
	if ShouldSkip(e, info, CompareOptions{}) {
		t.Error("expected ShouldSkip to be false for size mismatch")
	}
}

func TestShouldSkipSizeOnlyIgnoresTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	e := &flist.Entry{Size: int64(len("hello")), MtimeSec: info.ModTime().Add(-48 * time.Hour).Unix()}
	if !ShouldSkip(e, info, CompareOptions{SizeOnly: true}) {
		t.Error("expected SizeOnly compare to ignore mtime difference")
	}
}

func TestShouldSkipForcedChecksumNeverSkips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	e := &flist.Entry{Size: int64(len("hello")), MtimeSec: info.ModTime().Unix()}
	if ShouldSkip(e, info, CompareOptions{Checksum: true}) {
		t.Error("expected checksum-forced compare to never skip via quick check")
	}
}

func TestSelectStrategyMissingDestination(t *testing.T) {
	c := Classification{Entry: &flist.Entry{}, DestErr: os.ErrNotExist}
	if got := SelectStrategy(c, CompareOptions{}, true, false, false); got != StrategyWholeFile {
		t.Errorf("local copy with missing dest = %v, want StrategyWholeFile", got)
	}
	if got := SelectStrategy(c, CompareOptions{}, false, false, false); got != StrategyDelta {
		t.Errorf("remote copy with missing dest = %v, want StrategyDelta", got)
	}
}

func TestSelectStrategyAppendMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	os.WriteFile(path, []byte("hello"), 0o644)
	info, _ := os.Stat(path)
	c := Classification{Entry: &flist.Entry{Size: 999, MtimeSec: info.ModTime().Unix()}, DestInfo: info}
	if got := SelectStrategy(c, CompareOptions{}, false, true, false); got != StrategyAppend {
		t.Errorf("append mode = %v, want StrategyAppend", got)
	}
	if got := SelectStrategy(c, CompareOptions{}, false, true, true); got != StrategyAppendVerify {
		t.Errorf("append-verify mode = %v, want StrategyAppendVerify", got)
	}
}

func TestClassifyVanishedSource(t *testing.T) {
	dir := t.TempDir()
	c := Classify(&flist.Entry{Name: "gone"}, filepath.Join(dir, "gone"), filepath.Join(dir, "dest"))
	if !c.VanishedSource() {
		t.Error("expected VanishedSource to be true for a nonexistent source path")
	}
}
