package rsyncclient_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gokrazy/rsync-core/internal/compress"
	"github.com/gokrazy/rsync-core/internal/localcopy"
	"github.com/gokrazy/rsync-core/internal/rsyncerr"
	"github.com/gokrazy/rsync-core/rsyncclient"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Printf(format string, v ...interface{}) { l.t.Logf(format, v...) }

// duplex pairs an independent read side and write side into one
// io.ReadWriter, the shape Client.Run expects.
type duplex struct {
	io.Reader
	io.Writer
}

// pipePair returns two duplexes, a and b, such that writes to a are reads
// on b and vice versa.
func pipePair() (a, b duplex) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return duplex{Reader: ar, Writer: aw}, duplex{Reader: br, Writer: bw}
}

// TestClientRoundTripWholeFile wires two rsyncclient.Clients directly
// together over a pair of io.Pipes: one in the default receiver (pull)
// role, the other in the sender (push) role, exercising the full
// handshake, filter-list exchange, and file-list transfer for a
// destination with no prior copy (forcing a whole-file transfer).
func TestClientRoundTripWholeFile(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	destDir := t.TempDir()
	const content = "the quick brown fox jumps over the lazy dog\n"
	if err := os.WriteFile(filepath.Join(srcDir, "greeting.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	receiverSide, senderSide := pipePair()

	senderClient, err := rsyncclient.New(
		rsyncclient.WithSender(),
		rsyncclient.WithLogger(testLogger{t}),
	)
	if err != nil {
		t.Fatalf("New(sender): %v", err)
	}
	receiverClient, err := rsyncclient.New(
		rsyncclient.WithArchive(),
		rsyncclient.WithLogger(testLogger{t}),
	)
	if err != nil {
		t.Fatalf("New(receiver): %v", err)
	}

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() {
		errCh <- senderClient.Run(ctx, senderSide, []string{srcDir})
	}()

	if err := receiverClient.Run(ctx, receiverSide, []string{destDir}); err != nil {
		t.Fatalf("receiver Run: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("sender Run: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "greeting.txt"))
	if err != nil {
		t.Fatalf("reading transferred file: %v", err)
	}
	if string(got) != content {
		t.Errorf("transferred content = %q, want %q", got, content)
	}
}

// TestClientRoundTripWithCompression mirrors TestClientRoundTripWholeFile
// but negotiates zstd wire compression on both sides, exercising
// delta.WriteTokensCompressed/ReadTokenCompressed end to end instead of
// just at the token-framing unit level.
func TestClientRoundTripWithCompression(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	destDir := t.TempDir()
	content := "the quick brown fox jumps over the lazy dog\n"
	for i := 0; i < 6; i++ {
		content += content // give the compressor something to chew on
	}
	if err := os.WriteFile(filepath.Join(srcDir, "greeting.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	receiverSide, senderSide := pipePair()

	senderClient, err := rsyncclient.New(
		rsyncclient.WithSender(),
		rsyncclient.WithCompression(compress.Zstd, compress.DefaultLevel),
		rsyncclient.WithLogger(testLogger{t}),
	)
	if err != nil {
		t.Fatalf("New(sender): %v", err)
	}
	receiverClient, err := rsyncclient.New(
		rsyncclient.WithArchive(),
		rsyncclient.WithCompression(compress.Zstd, compress.DefaultLevel),
		rsyncclient.WithLogger(testLogger{t}),
	)
	if err != nil {
		t.Fatalf("New(receiver): %v", err)
	}

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() {
		errCh <- senderClient.Run(ctx, senderSide, []string{srcDir})
	}()

	if err := receiverClient.Run(ctx, receiverSide, []string{destDir}); err != nil {
		t.Fatalf("receiver Run: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("sender Run: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "greeting.txt"))
	if err != nil {
		t.Fatalf("reading transferred file: %v", err)
	}
	if string(got) != content {
		t.Errorf("transferred content mismatch (len got=%d want=%d)", len(got), len(content))
	}
}

// TestClientLocalCopyWholeFile exercises LocalCopy's pure local-to-local
// path end to end: no transport, no protocol handshake, just a walk of
// srcDir feeding internal/localcopy.Executor directly.
func TestClientLocalCopyWholeFile(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	destDir := t.TempDir()
	const content = "the quick brown fox jumps over the lazy dog\n"
	if err := os.WriteFile(filepath.Join(srcDir, "greeting.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cl, err := rsyncclient.New(rsyncclient.WithArchive(), rsyncclient.WithLogger(testLogger{t}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	summary, err := cl.LocalCopy([]string{srcDir + string(filepath.Separator)}, destDir)
	if err != nil {
		t.Fatalf("LocalCopy: %v", err)
	}
	if summary.FilesCopied != 1 {
		t.Errorf("FilesCopied = %d, want 1", summary.FilesCopied)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "greeting.txt"))
	if err != nil {
		t.Fatalf("reading transferred file: %v", err)
	}
	if string(got) != content {
		t.Errorf("transferred content = %q, want %q", got, content)
	}
}

// TestClientLocalCopyMaxDelete exercises scenario 6 from the spec's
// testable-properties section: a destination with five extraneous files
// and a max-delete limit of two aborts with a KindDeleteLimitExceeded
// error after removing exactly two of them.
func TestClientLocalCopyMaxDelete(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	destDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "keep.txt"), []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(destDir, "keep.txt"), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"extra1", "extra2", "extra3", "extra4", "extra5"} {
		if err := os.WriteFile(filepath.Join(destDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cl, err := rsyncclient.New(
		rsyncclient.WithArchive(),
		rsyncclient.WithDeletionTiming(localcopy.DeleteAfter),
		rsyncclient.WithMaxDelete(2),
		rsyncclient.WithLogger(testLogger{t}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.LocalCopy([]string{srcDir + string(filepath.Separator)}, destDir)
	if err == nil {
		t.Fatal("LocalCopy with exceeded max-delete unexpectedly succeeded")
	}
	if rerr, ok := errors.Unwrap(err).(*rsyncerr.Error); ok {
		if rerr.Skipped != 3 {
			t.Errorf("Skipped = %d, want 3 (5 extras - 2 removed)", rerr.Skipped)
		}
	} else {
		t.Errorf("err does not unwrap to *rsyncerr.Error: %v (%T)", err, err)
	}

	remaining, err := os.ReadDir(destDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 4 {
		t.Errorf("destination has %d entries after partial delete, want 4 (keep.txt + 3 extras)", len(remaining))
	}

	got, err := os.ReadFile(filepath.Join(destDir, "keep.txt"))
	if err != nil {
		t.Fatalf("reading keep.txt: %v", err)
	}
	if string(got) != "keep" {
		t.Errorf("keep.txt content = %q, want %q", got, "keep")
	}
}

// TestClientRequiresSingleDestination documents that a receiver-role Run
// rejects anything other than exactly one destination path before it ever
// touches the wire; only the sender side accepts a multi-path file list.
func TestClientRequiresSingleDestination(t *testing.T) {
	t.Parallel()

	cl, err := rsyncclient.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a, _ := pipePair()
	err = cl.Run(context.Background(), a, []string{"one", "two"})
	if err == nil {
		t.Fatal("Run with two destination paths unexpectedly succeeded")
	}
}
