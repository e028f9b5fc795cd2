package sender

import (
	"fmt"
	"io"
	"os"

	"github.com/gokrazy/rsync-core/internal/checksum"
	"github.com/gokrazy/rsync-core/internal/delta"
)

// sendFiles answers each basis-signature request the generator sends:
// read the requested file's index, read the signature the generator
// computed over its local copy, diff the sender's own copy against that
// signature, and stream the resulting token run back.
//
// rsync/sender.c:send_files
func (st *Transfer) sendFiles(entries []localEntry) error {
	for {
		idx, err := st.Conn.ReadInt32()
		if err != nil {
			return fmt.Errorf("sender: reading file index: %w", err)
		}
		if idx == -1 {
			break
		}
		if idx < 0 || int(idx) >= len(entries) {
			return fmt.Errorf("sender: file index %d out of range (have %d entries)", idx, len(entries))
		}
		if err := st.sendFile(idx, entries[idx]); err != nil {
			return fmt.Errorf("sender: sending %s: %w", entries[idx].Name, err)
		}
	}
	// Two phase-end markers: the first closes the initial pass, the
	// second stands in for the (unimplemented) redo pass rsync uses to
	// retry files that changed again during the transfer.
	if err := st.Conn.WriteInt32(-1); err != nil {
		return fmt.Errorf("sender: writing phase-end marker: %w", err)
	}
	if err := st.Conn.WriteInt32(-1); err != nil {
		return fmt.Errorf("sender: writing final-end marker: %w", err)
	}
	return nil
}

func (st *Transfer) sendFile(idx int32, le localEntry) error {
	sig, err := delta.ReadSignatureFrom(st.Conn)
	if err != nil {
		return fmt.Errorf("reading basis signature: %w", err)
	}

	if err := st.Conn.WriteInt32(idx); err != nil {
		return fmt.Errorf("writing file index: %w", err)
	}

	src, err := os.Open(le.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", le.path, err)
	}
	defer src.Close()

	algo := st.algo()
	tokens, err := delta.GenerateDelta(src, sig, algo, st.Seed)
	if err != nil {
		return fmt.Errorf("generating delta: %w", err)
	}

	if err := sig.Head.WriteTo(st.Conn); err != nil {
		return fmt.Errorf("echoing sum head: %w", err)
	}
	if err := delta.WriteTokensCompressed(st.Conn, tokens, st.Opts.Compression, st.Opts.CompressionLevel); err != nil {
		return fmt.Errorf("writing token stream: %w", err)
	}

	if _, err := src.Seek(0, 0); err != nil {
		return fmt.Errorf("rewinding for checksum: %w", err)
	}
	h, err := checksum.New(algo, st.Seed)
	if err != nil {
		return err
	}
	if _, err := io.Copy(h, src); err != nil {
		return fmt.Errorf("computing whole-file checksum: %w", err)
	}
	if _, err := st.Conn.Write(h.Sum(nil)); err != nil {
		return fmt.Errorf("writing whole-file checksum: %w", err)
	}
	return nil
}
