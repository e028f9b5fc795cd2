package delta

import (
	"bytes"
	"testing"

	rsync "github.com/gokrazy/rsync-core"
	"github.com/gokrazy/rsync-core/internal/checksum"
	"github.com/gokrazy/rsync-core/internal/compress"
	"github.com/gokrazy/rsync-core/internal/rsyncwire"
)

func roundTrip(t *testing.T, basis, target []byte) []byte {
	t.Helper()
	sig, err := GenerateSignature(bytes.NewReader(basis), int64(len(basis)), checksum.MD4, 0)
	if err != nil {
		t.Fatalf("GenerateSignature: %v", err)
	}
	tokens, err := GenerateDelta(bytes.NewReader(target), sig, checksum.MD4, 0)
	if err != nil {
		t.Fatalf("GenerateDelta: %v", err)
	}
	var out bytes.Buffer
	if err := Reconstruct(&out, tokens, bytes.NewReader(basis), sig.Head); err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	return out.Bytes()
}

func TestDeltaRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name         string
		basis, target []byte
	}{
		{"identical", bytes.Repeat([]byte("A"), 4096), bytes.Repeat([]byte("A"), 4096)},
		{"empty-basis", nil, []byte("hello world")},
		{"empty-target", []byte("hello world"), nil},
		{"shared-prefix-plus-suffix", bytes.Repeat([]byte("A"), 4096), append(bytes.Repeat([]byte("A"), 4096), bytes.Repeat([]byte("B"), 1024)...)},
		{"completely-different", []byte("the quick brown fox"), []byte("jumps over the lazy dog, a totally different string")},
		{"insertion-in-middle", bytes.Repeat([]byte("XY"), 2000), append(append(bytes.Repeat([]byte("XY"), 1000), []byte("INSERTED")...), bytes.Repeat([]byte("XY"), 1000)...)},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			got := roundTrip(t, c.basis, c.target)
			if !bytes.Equal(got, c.target) {
				t.Errorf("reconstruction mismatch: got %d bytes, want %d bytes", len(got), len(c.target))
			}
		})
	}
}

func TestDeltaSavingsSharedPrefix(t *testing.T) {
	t.Parallel()
	basis := bytes.Repeat([]byte("A"), 4096)
	target := append(bytes.Repeat([]byte("A"), 4096), bytes.Repeat([]byte("B"), 1024)...)

	sig, err := GenerateSignatureWithBlockSize(bytes.NewReader(basis), int64(len(basis)), 4096, checksum.MD4, 0)
	if err != nil {
		t.Fatalf("GenerateSignature: %v", err)
	}
	tokens, err := GenerateDelta(bytes.NewReader(target), sig, checksum.MD4, 0)
	if err != nil {
		t.Fatalf("GenerateDelta: %v", err)
	}

	matched := MatchedBytes(tokens, sig.Head)
	literal := LiteralBytes(tokens)
	if matched != 4096 {
		t.Errorf("matched = %d, want 4096", matched)
	}
	if literal != 1024 {
		t.Errorf("literal = %d, want 1024", literal)
	}
	if matched+literal != int64(len(target)) {
		t.Errorf("matched+literal = %d, want %d", matched+literal, len(target))
	}
}

func TestSignatureWireRoundTrip(t *testing.T) {
	t.Parallel()
	basis := bytes.Repeat([]byte("A"), 4096)
	sig, err := GenerateSignatureWithBlockSize(bytes.NewReader(basis), int64(len(basis)), 700, checksum.MD4, 42)
	if err != nil {
		t.Fatalf("GenerateSignatureWithBlockSize: %v", err)
	}

	var buf bytes.Buffer
	c := rsyncwire.NewConn(&buf, &buf)
	if err := sig.WriteTo(c); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := ReadSignatureFrom(c)
	if err != nil {
		t.Fatalf("ReadSignatureFrom: %v", err)
	}
	if got.Head != sig.Head {
		t.Errorf("SumHead mismatch: got %+v, want %+v", got.Head, sig.Head)
	}
	if len(got.Blocks) != len(sig.Blocks) {
		t.Fatalf("got %d blocks, want %d", len(got.Blocks), len(sig.Blocks))
	}
	for i := range sig.Blocks {
		if got.Blocks[i].weak != sig.Blocks[i].weak {
			t.Errorf("block %d weak mismatch: got %d, want %d", i, got.Blocks[i].weak, sig.Blocks[i].weak)
		}
		if !bytes.Equal(got.Blocks[i].strong, sig.Blocks[i].strong) {
			t.Errorf("block %d strong mismatch", i)
		}
	}
}

func TestWriteTokensRoundTrip(t *testing.T) {
	t.Parallel()
	basis := []byte("the quick brown fox jumps over the lazy dog")
	target := []byte("the quick brown FOX jumps over the lazy dog")

	sig, err := GenerateSignatureWithBlockSize(bytes.NewReader(basis), int64(len(basis)), 8, checksum.MD4, 7)
	if err != nil {
		t.Fatalf("GenerateSignatureWithBlockSize: %v", err)
	}
	tokens, err := GenerateDelta(bytes.NewReader(target), sig, checksum.MD4, 7)
	if err != nil {
		t.Fatalf("GenerateDelta: %v", err)
	}
	if len(tokens) < 2 {
		t.Fatalf("expected a mix of literal and match tokens, got %d token(s)", len(tokens))
	}

	var buf bytes.Buffer
	c := rsyncwire.NewConn(&buf, &buf)
	if err := WriteTokens(c, tokens); err != nil {
		t.Fatalf("WriteTokens: %v", err)
	}

	// Decode using the same per-token shape internal/receiver's recvToken
	// expects: a varint where 0 ends the stream, >0 is a literal byte
	// count, and <0 encodes a basis block index as -(token+1).
	var decoded []Token
	for {
		tok, err := c.ReadVarint()
		if err != nil {
			t.Fatalf("ReadVarint: %v", err)
		}
		if tok == 0 {
			break
		}
		if tok > 0 {
			data, err := c.ReadN(int(tok))
			if err != nil {
				t.Fatalf("ReadN: %v", err)
			}
			decoded = append(decoded, Token{Literal: data, BlockIndex: -1})
			continue
		}
		decoded = append(decoded, Token{BlockIndex: int(-(tok + 1))})
	}

	if len(decoded) != len(tokens) {
		t.Fatalf("got %d decoded tokens, want %d", len(decoded), len(tokens))
	}
	for i, want := range tokens {
		got := decoded[i]
		if got.BlockIndex != want.BlockIndex {
			t.Errorf("token %d: block index = %d, want %d", i, got.BlockIndex, want.BlockIndex)
		}
		if !bytes.Equal(got.Literal, want.Literal) {
			t.Errorf("token %d: literal = %q, want %q", i, got.Literal, want.Literal)
		}
	}
}

func TestWriteTokensCompressedRoundTrip(t *testing.T) {
	t.Parallel()
	basis := []byte("the quick brown fox jumps over the lazy dog, over and over and over")
	target := []byte("the quick brown FOX jumps over the lazy dog, over and over and over")

	for _, algo := range []compress.Algorithm{compress.None, compress.Zlib, compress.Zstd} {
		algo := algo
		t.Run(algoName(algo), func(t *testing.T) {
			sig, err := GenerateSignatureWithBlockSize(bytes.NewReader(basis), int64(len(basis)), 8, checksum.MD4, 7)
			if err != nil {
				t.Fatalf("GenerateSignatureWithBlockSize: %v", err)
			}
			tokens, err := GenerateDelta(bytes.NewReader(target), sig, checksum.MD4, 7)
			if err != nil {
				t.Fatalf("GenerateDelta: %v", err)
			}

			var buf bytes.Buffer
			c := rsyncwire.NewConn(&buf, &buf)
			if err := WriteTokensCompressed(c, tokens, algo, compress.DefaultLevel); err != nil {
				t.Fatalf("WriteTokensCompressed: %v", err)
			}

			var decoded []Token
			for {
				tok, data, err := ReadTokenCompressed(c, algo)
				if err != nil {
					t.Fatalf("ReadTokenCompressed: %v", err)
				}
				if tok == 0 {
					break
				}
				if tok > 0 {
					decoded = append(decoded, Token{Literal: data, BlockIndex: -1})
					continue
				}
				decoded = append(decoded, Token{BlockIndex: int(-(tok + 1))})
			}

			if len(decoded) != len(tokens) {
				t.Fatalf("got %d decoded tokens, want %d", len(decoded), len(tokens))
			}
			for i, want := range tokens {
				got := decoded[i]
				if got.BlockIndex != want.BlockIndex {
					t.Errorf("token %d: block index = %d, want %d", i, got.BlockIndex, want.BlockIndex)
				}
				if !bytes.Equal(got.Literal, want.Literal) {
					t.Errorf("token %d: literal = %q, want %q", i, got.Literal, want.Literal)
				}
			}
		})
	}
}

func algoName(a compress.Algorithm) string {
	switch a {
	case compress.Zlib:
		return "zlib"
	case compress.Zstd:
		return "zstd"
	default:
		return "none"
	}
}

func TestWholeFileMode(t *testing.T) {
	t.Parallel()
	src := []byte("some file contents that would normally be delta-matched")
	tokens, err := WholeFile(bytes.NewReader(src))
	if err != nil {
		t.Fatalf("WholeFile: %v", err)
	}
	if MatchedBytes(tokens, rsync.SumHead{}) != 0 {
		t.Error("whole-file mode must produce zero matched bytes")
	}
	if LiteralBytes(tokens) != int64(len(src)) {
		t.Errorf("literal bytes = %d, want %d", LiteralBytes(tokens), len(src))
	}
}

func TestPlanAppend(t *testing.T) {
	t.Parallel()
	if got := PlanAppend(21, 8); got != AppendProceed {
		t.Errorf("PlanAppend(21,8) = %v, want AppendProceed", got)
	}
	if got := PlanAppend(21, 21); got != AppendSkip {
		t.Errorf("PlanAppend(21,21) = %v, want AppendSkip", got)
	}
	if got := PlanAppend(8, 21); got != AppendSkip {
		t.Errorf("PlanAppend(8,21) = %v, want AppendSkip", got)
	}
}

func TestVerifyAppendPrefixMatch(t *testing.T) {
	t.Parallel()
	source := []byte("complete content here")
	dest := []byte("complete")
	destSum, err := checksum.Sum(checksum.MD4, 0, dest)
	if err != nil {
		t.Fatal(err)
	}
	decision, err := VerifyAppendPrefix(bytes.NewReader(source), int64(len(dest)), destSum, checksum.MD4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if decision != AppendProceed {
		t.Errorf("decision = %v, want AppendProceed", decision)
	}
}

func TestVerifyAppendPrefixMismatch(t *testing.T) {
	t.Parallel()
	source := []byte("correct source content plus more")
	dest := []byte("WRONG partial content plus mor")[:len("correct source content plus mo")]
	destSum, err := checksum.Sum(checksum.MD4, 0, dest)
	if err != nil {
		t.Fatal(err)
	}
	decision, err := VerifyAppendPrefix(bytes.NewReader(source), int64(len(dest)), destSum, checksum.MD4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if decision != AppendFallbackFull {
		t.Errorf("decision = %v, want AppendFallbackFull", decision)
	}
}
