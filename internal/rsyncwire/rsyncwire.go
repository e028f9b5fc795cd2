// Package rsyncwire implements the low-level duplex primitives shared by
// every protocol component: counting readers/writers for statistics, the
// post-handshake multiplex frame format, and the integer/string encoders
// the rest of the module builds on.
package rsyncwire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gokrazy/rsync-core/internal/varint"
)

// CountingReader wraps an io.Reader, tallying bytes read for statistics
// reporting at the end of a session.
type CountingReader struct {
	R       io.Reader
	Bytes   int64
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.R.Read(p)
	c.Bytes += int64(n)
	return n, err
}

// CountingWriter wraps an io.Writer, tallying bytes written.
type CountingWriter struct {
	W     io.Writer
	Bytes int64
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.W.Write(p)
	c.Bytes += int64(n)
	return n, err
}

// CounterPair wraps r and w in CountingReader/CountingWriter, returning
// both so a caller can later read back the session's transfer totals.
func CounterPair(r io.Reader, w io.Writer) (*CountingReader, *CountingWriter) {
	return &CountingReader{R: r}, &CountingWriter{W: w}
}

// Conn is the duplex a protocol session reads and writes primitives
// through. Reader is typically a *bufio.Reader over a CountingReader;
// Writer may be swapped for a MultiplexWriter once the session enters the
// multiplexed phase.
type Conn struct {
	Reader *bufio.Reader
	Writer io.Writer
}

// NewConn builds a Conn with a buffered reader over r.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{Reader: bufio.NewReader(r), Writer: w}
}

func (c *Conn) ReadByte() (byte, error) {
	return c.Reader.ReadByte()
}

func (c *Conn) WriteByte(b byte) error {
	_, err := c.Writer.Write([]byte{b})
	return err
}

// ReadInt32 reads a fixed 4-byte little-endian integer, the format used
// for the handshake fields exchanged before multiplexing begins (protocol
// version, checksum seed, per-file indices, and the varint carrier for
// legacy peers that never negotiated CF_VARINT_FLIST_FLAGS).
func (c *Conn) ReadInt32() (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(c.Reader, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

// WriteInt32 writes v as a fixed 4-byte little-endian integer.
func (c *Conn) WriteInt32(v int32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	_, err := c.Writer.Write(b[:])
	return err
}

// ReadInt64 reads an 8-byte little-endian integer (used for the final
// statistics exchange).
func (c *Conn) ReadInt64() (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(c.Reader, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

// WriteInt64 writes v as an 8-byte little-endian integer.
func (c *Conn) WriteInt64(v int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	_, err := c.Writer.Write(b[:])
	return err
}

// ReadVarint reads one varint-encoded signed integer.
func (c *Conn) ReadVarint() (int32, error) {
	return varint.ReadFrom(c.Reader)
}

// WriteVarint writes v in varint encoding.
func (c *Conn) WriteVarint(v int32) error {
	return varint.WriteTo(c.Writer, v)
}

// ReadString reads a length-prefixed string: an int32 byte count followed
// by that many bytes, the format used for module names and error payloads
// once multiplexing is active.
func (c *Conn) ReadString() (string, error) {
	n, err := c.ReadInt32()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("rsyncwire: negative string length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.Reader, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteString writes s as a length-prefixed string.
func (c *Conn) WriteString(s string) error {
	if err := c.WriteInt32(int32(len(s))); err != nil {
		return err
	}
	_, err := c.Writer.Write([]byte(s))
	return err
}

// ReadN reads exactly n bytes.
func (c *Conn) ReadN(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.Reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Write writes p verbatim, satisfying io.Writer so a Conn can be handed to
// generic helpers (hash.Hash tee-writers, bufio.Writer, and so on).
func (c *Conn) Write(p []byte) (int, error) {
	return c.Writer.Write(p)
}

// MultiplexTag identifies the kind of payload carried by a multiplexed
// frame (see rsync.MsgData and friends).
type MultiplexTag = byte

// multiplexMaxPayload is the largest payload a single frame may carry; the
// 24 low bits of the 4-byte header limit it to 16 MiB minus one byte, but
// upstream caps it considerably lower to keep latency bounded.
const multiplexMaxPayload = 1 << 17

// MultiplexWriter wraps an underlying writer, framing every Write call as
// an MSG_DATA chunk: a 4-byte little-endian header whose high byte is the
// tag and whose low 24 bits are the payload length, followed by the
// payload. Writes larger than multiplexMaxPayload are split across
// multiple frames.
type MultiplexWriter struct {
	Writer io.Writer
}

func (m *MultiplexWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > multiplexMaxPayload {
			chunk = chunk[:multiplexMaxPayload]
		}
		if err := m.writeFrame(0, chunk); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// WriteMsg writes a single frame tagged with tag, verbatim (not split).
func (m *MultiplexWriter) WriteMsg(tag MultiplexTag, payload []byte) error {
	return m.writeFrame(tag, payload)
}

func (m *MultiplexWriter) writeFrame(tag MultiplexTag, payload []byte) error {
	if len(payload) > 0xFFFFFF {
		return fmt.Errorf("rsyncwire: multiplex payload too large: %d bytes", len(payload))
	}
	header := uint32(tag)<<24 | uint32(len(payload))
	var hb [4]byte
	binary.LittleEndian.PutUint32(hb[:], header)
	if _, err := m.Writer.Write(hb[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := m.Writer.Write(payload)
	return err
}

// MultiplexReader decodes the frame stream a MultiplexWriter produces,
// surfacing each frame's tag and payload to ReadFrame and transparently
// satisfying io.Reader for MSG_DATA frames via Read (non-data frames are
// reported through the optional OnMessage callback instead of being
// returned from Read).
type MultiplexReader struct {
	Reader    *bufio.Reader
	OnMessage func(tag MultiplexTag, payload []byte) error

	pending []byte
}

// NewMultiplexReader wraps r, which must not have been consumed past the
// handshake boundary.
func NewMultiplexReader(r *bufio.Reader) *MultiplexReader {
	return &MultiplexReader{Reader: r}
}

// Read implements io.Reader, returning only MSG_DATA payload bytes and
// dispatching any interleaved control frames to OnMessage as they are
// encountered.
func (m *MultiplexReader) Read(p []byte) (int, error) {
	for len(m.pending) == 0 {
		tag, payload, err := m.ReadFrame()
		if err != nil {
			return 0, err
		}
		if tag == 0 {
			m.pending = payload
			continue
		}
		if m.OnMessage != nil {
			if err := m.OnMessage(tag, payload); err != nil {
				return 0, err
			}
		}
	}
	n := copy(p, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

// ReadFrame reads a single frame's tag and payload directly, bypassing the
// io.Reader buffering in Read. Used by callers (such as the end-of-session
// statistics exchange) that must consume a known non-data frame
// out-of-band.
func (m *MultiplexReader) ReadFrame() (MultiplexTag, []byte, error) {
	var hb [4]byte
	if _, err := io.ReadFull(m.Reader, hb[:]); err != nil {
		return 0, nil, err
	}
	header := binary.LittleEndian.Uint32(hb[:])
	tag := MultiplexTag(header >> 24)
	length := int(header & 0xFFFFFF)
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(m.Reader, payload); err != nil {
			return 0, nil, err
		}
	}
	return tag, payload, nil
}
