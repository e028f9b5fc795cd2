// Package delta implements §4.6's delta transfer engine: signature
// generation over a basis file, rolling-checksum block matching against
// that signature, the literal/match token stream, and reconstruction.
package delta

import (
	"bytes"
	"fmt"
	"io"

	rsync "github.com/gokrazy/rsync-core"
	"github.com/gokrazy/rsync-core/internal/checksum"
	"github.com/gokrazy/rsync-core/internal/compress"
	"github.com/gokrazy/rsync-core/internal/rsyncwire"
)

// blockSignature is one basis-file block's pair of digests.
type blockSignature struct {
	weak   uint32
	strong []byte
}

// Signature is the basis file's block signature: a SumHead plus one
// (weak, strong) pair per block (§4.6's "Emit (block_size, block_count,
// checksums...)").
type Signature struct {
	Head   rsync.SumHead
	Blocks []blockSignature

	byWeak map[uint32][]int // weak checksum -> candidate block indices
}

// GenerateSignature partitions r (the basis file, of known length) into
// rsync.SumSizesSqroot(length)-sized blocks and computes the weak/strong
// digest pair for each.
func GenerateSignature(r io.Reader, length int64, algo checksum.Algorithm, seed int32) (*Signature, error) {
	return GenerateSignatureWithBlockSize(r, length, rsync.SumSizesSqroot(length).BlockLength, algo, seed)
}

// GenerateSignatureWithBlockSize is GenerateSignature with an explicit,
// caller-chosen block size, per §4.6's "overrideable" block size knob.
func GenerateSignatureWithBlockSize(r io.Reader, length int64, blockLength int32, algo checksum.Algorithm, seed int32) (*Signature, error) {
	if blockLength <= 0 {
		blockLength = rsync.SumSizesSqroot(length).BlockLength
	}
	var checksumCount int32
	if length > 0 {
		checksumCount = int32((length + int64(blockLength) - 1) / int64(blockLength))
	}
	head := rsync.SumHead{
		ChecksumCount:   checksumCount,
		BlockLength:     blockLength,
		ChecksumLength:  rsync.DefaultStrongSumLength,
		RemainderLength: int32(length % int64(blockLength)),
	}
	sig := &Signature{Head: head, byWeak: make(map[uint32][]int)}

	buf := make([]byte, head.BlockLength)
	for i := int32(0); i < head.ChecksumCount; i++ {
		n := int(head.BlockLength)
		if i == head.ChecksumCount-1 && head.RemainderLength != 0 {
			n = int(head.RemainderLength)
		}
		block := buf[:n]
		if _, err := io.ReadFull(r, block); err != nil {
			return nil, fmt.Errorf("delta: reading block %d: %w", i, err)
		}
		weak := checksum.Sum1(block)
		strong, err := checksum.Sum(algo, seed, block)
		if err != nil {
			return nil, err
		}
		sig.Blocks = append(sig.Blocks, blockSignature{weak: weak, strong: strong})
		sig.byWeak[weak] = append(sig.byWeak[weak], int(i))
	}
	return sig, nil
}

// WriteTo sends sig to the peer as the protocol expects: the SumHead
// followed by one (weak uint32, strong digest) pair per block (§4.6:
// "Emit (block_size, block_count, checksums...)").
func (sig *Signature) WriteTo(c *rsyncwire.Conn) error {
	if err := sig.Head.WriteTo(c); err != nil {
		return fmt.Errorf("delta: writing sum head: %w", err)
	}
	for i, b := range sig.Blocks {
		if err := c.WriteInt32(int32(b.weak)); err != nil {
			return fmt.Errorf("delta: writing weak checksum %d: %w", i, err)
		}
		if _, err := c.Write(b.strong); err != nil {
			return fmt.Errorf("delta: writing strong checksum %d: %w", i, err)
		}
	}
	return nil
}

// ReadSignatureFrom reads a Signature previously written by WriteTo.
func ReadSignatureFrom(c *rsyncwire.Conn) (*Signature, error) {
	var head rsync.SumHead
	if err := head.ReadFrom(c); err != nil {
		return nil, fmt.Errorf("delta: reading sum head: %w", err)
	}
	sig := &Signature{Head: head, byWeak: make(map[uint32][]int)}
	for i := int32(0); i < head.ChecksumCount; i++ {
		weak, err := c.ReadInt32()
		if err != nil {
			return nil, fmt.Errorf("delta: reading weak checksum %d: %w", i, err)
		}
		strong, err := c.ReadN(int(head.ChecksumLength))
		if err != nil {
			return nil, fmt.Errorf("delta: reading strong checksum %d: %w", i, err)
		}
		sig.Blocks = append(sig.Blocks, blockSignature{weak: uint32(weak), strong: strong})
		sig.byWeak[uint32(weak)] = append(sig.byWeak[uint32(weak)], int(i))
	}
	return sig, nil
}

// Token is one element of the delta token stream: either a literal byte
// run (Literal non-nil) or a reference to a basis block (BlockIndex >= 0,
// Literal nil).
type Token struct {
	Literal    []byte
	BlockIndex int // -1 when this token is a literal run
}

// GenerateDelta streams src against sig, emitting a literal/match token
// stream (§4.6 steps 1-5). GenerateDelta reads all of src into memory
// once, sequentially, start to finish; src need not be seekable.
func GenerateDelta(src io.Reader, sig *Signature, algo checksum.Algorithm, seed int32) ([]Token, error) {
	blockLen := int(sig.Head.BlockLength)
	if blockLen <= 0 {
		blockLen = 1
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("delta: reading source: %w", err)
	}

	var tokens []Token
	var literal []byte
	pos := 0
	n := len(data)

	flushLiteral := func() {
		if len(literal) > 0 {
			tokens = append(tokens, Token{Literal: literal, BlockIndex: -1})
			literal = nil
		}
	}

	tryMatch := func(pos, window int, weak uint32) (int, error) {
		block := data[pos : pos+window]
		for _, idx := range sig.byWeak[weak] {
			bs := sig.Blocks[idx]
			if bs.weak != weak {
				continue
			}
			expectedLen := int(sig.Head.BlockLength)
			if idx == len(sig.Blocks)-1 && sig.Head.RemainderLength != 0 {
				expectedLen = int(sig.Head.RemainderLength)
			}
			if expectedLen != window {
				continue
			}
			strong, err := checksum.Sum(algo, seed, block)
			if err != nil {
				return -1, err
			}
			if bytes.Equal(strong, bs.strong) {
				return idx, nil
			}
		}
		return -1, nil
	}

	// The rolling checksum is re-rooted (O(window)) whenever the window
	// jumps by a full block on a match, and advanced with Roll's O(1)
	// update on every single-byte literal slide (§4.6 steps 1-5).
	var roll *checksum.Rolling
	windowAt := -1 // pos the current roll covers, or -1 if stale

	for pos < n {
		window := blockLen
		if pos+window > n {
			window = n - pos
		}
		if windowAt != pos {
			roll = checksum.NewRolling(data[pos : pos+window])
			windowAt = pos
		}

		matched, err := tryMatch(pos, window, roll.Value())
		if err != nil {
			return nil, err
		}

		if matched >= 0 {
			flushLiteral()
			tokens = append(tokens, Token{BlockIndex: matched})
			pos += window
			windowAt = -1
			continue
		}

		literal = append(literal, data[pos])
		if pos+window < n {
			roll.Roll(data[pos], data[pos+window])
			windowAt = pos + 1
		} else {
			windowAt = -1
		}
		pos++
	}
	flushLiteral()
	return tokens, nil
}

// WriteTokens streams tokens to the peer in the wire's literal/match
// token format (rsync/sender.c's send_token): a literal run is its byte
// count followed by the bytes; a block match is -(index+1); the stream
// ends with a zero token. The peer decodes this with its own per-token
// reader (see internal/receiver's recvToken).
func WriteTokens(c *rsyncwire.Conn, tokens []Token) error {
	for _, t := range tokens {
		if t.BlockIndex < 0 {
			if err := c.WriteVarint(int32(len(t.Literal))); err != nil {
				return fmt.Errorf("delta: writing literal length: %w", err)
			}
			if _, err := c.Write(t.Literal); err != nil {
				return fmt.Errorf("delta: writing literal data: %w", err)
			}
			continue
		}
		if err := c.WriteVarint(-(int32(t.BlockIndex) + 1)); err != nil {
			return fmt.Errorf("delta: writing block index %d: %w", t.BlockIndex, err)
		}
	}
	return c.WriteVarint(0)
}

// WriteTokensCompressed streams tokens in the same shape as WriteTokens,
// except each literal run is compressed independently under algo/level
// before being written, with the wire length prefix covering the
// compressed byte count rather than the raw one. Block-match tokens carry
// no payload and are unaffected. algo == compress.None falls back to
// WriteTokens verbatim, so the wire format is byte-identical to upstream
// whenever compression isn't negotiated. At compress.LevelDisabled the
// literal runs are written uncompressed, so the peer must then read with
// compress.None; otherwise it must read with ReadTokenCompressed
// configured with the same algo.
func WriteTokensCompressed(c *rsyncwire.Conn, tokens []Token, algo compress.Algorithm, level int) error {
	if algo == compress.None {
		return WriteTokens(c, tokens)
	}
	for _, t := range tokens {
		if t.BlockIndex < 0 {
			var buf bytes.Buffer
			if _, err := compress.CompressStream(&buf, bytes.NewReader(t.Literal), algo, level); err != nil {
				return fmt.Errorf("delta: compressing literal run: %w", err)
			}
			if err := c.WriteVarint(int32(buf.Len())); err != nil {
				return fmt.Errorf("delta: writing compressed literal length: %w", err)
			}
			if _, err := c.Write(buf.Bytes()); err != nil {
				return fmt.Errorf("delta: writing compressed literal data: %w", err)
			}
			continue
		}
		if err := c.WriteVarint(-(int32(t.BlockIndex) + 1)); err != nil {
			return fmt.Errorf("delta: writing block index %d: %w", t.BlockIndex, err)
		}
	}
	return c.WriteVarint(0)
}

// ReadTokenCompressed reads one element of a stream written by
// WriteTokens or WriteTokensCompressed, decompressing the literal payload
// when algo is not compress.None. Semantics otherwise match
// internal/receiver's recvToken: zero ends the stream, a positive value
// precedes a literal run, a negative value n encodes basis block
// -(n+1).
func ReadTokenCompressed(c *rsyncwire.Conn, algo compress.Algorithm) (token int32, data []byte, err error) {
	token, err = c.ReadVarint()
	if err != nil {
		return 0, nil, err
	}
	if token <= 0 {
		return token, nil, nil
	}
	raw, err := c.ReadN(int(token))
	if err != nil {
		return 0, nil, err
	}
	if algo == compress.None {
		return token, raw, nil
	}
	var out bytes.Buffer
	if _, err := compress.DecompressStream(&out, bytes.NewReader(raw), algo); err != nil {
		return 0, nil, fmt.Errorf("delta: decompressing literal run: %w", err)
	}
	return token, out.Bytes(), nil
}

// Reconstruct applies tokens against basis (ReaderAt, as in §4.6's
// reconstruction: "copy block_size bytes from the basis file at
// index*block_size"), writing the resulting byte stream to dst.
func Reconstruct(dst io.Writer, tokens []Token, basis io.ReaderAt, head rsync.SumHead) error {
	for _, t := range tokens {
		if t.BlockIndex < 0 {
			if _, err := dst.Write(t.Literal); err != nil {
				return err
			}
			continue
		}
		n := int64(head.BlockLength)
		if int32(t.BlockIndex) == head.ChecksumCount-1 && head.RemainderLength != 0 {
			n = int64(head.RemainderLength)
		}
		buf := make([]byte, n)
		offset := int64(t.BlockIndex) * int64(head.BlockLength)
		if _, err := basis.ReadAt(buf, offset); err != nil && err != io.EOF {
			return fmt.Errorf("delta: reading basis block %d: %w", t.BlockIndex, err)
		}
		if _, err := dst.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// MatchedBytes sums the bytes contributed by block-match tokens.
func MatchedBytes(tokens []Token, head rsync.SumHead) int64 {
	var total int64
	for _, t := range tokens {
		if t.BlockIndex < 0 {
			continue
		}
		n := int64(head.BlockLength)
		if int32(t.BlockIndex) == head.ChecksumCount-1 && head.RemainderLength != 0 {
			n = int64(head.RemainderLength)
		}
		total += n
	}
	return total
}

// LiteralBytes sums the bytes contributed by literal tokens.
func LiteralBytes(tokens []Token) int64 {
	var total int64
	for _, t := range tokens {
		total += int64(len(t.Literal))
	}
	return total
}
