// Package flist implements §3's FileEntry wire struct — encode/decode of a
// single file-list entry against an rsyncwire.Conn — and §4.9's batched
// file-list writer, which accumulates entries and flushes them in groups
// bounded by count, byte size, or elapsed time.
package flist

import (
	"fmt"
	"time"

	rsync "github.com/gokrazy/rsync-core"
	"github.com/gokrazy/rsync-core/internal/rsyncwire"
)

// Kind is the closed tagged variant a file-list entry's mode encodes in
// its high bits (§9: "model as a closed tagged variant").
type Kind int

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
	KindFifo
	KindBlockDevice
	KindCharDevice
	KindOther
)

// Entry is a file-list element (§3's FileEntry). Once appended to a list
// it is never mutated (produced by the sender's filesystem walk, consumed
// read-only by the receiver).
type Entry struct {
	Name  string // relative path
	Size  int64
	MtimeSec  int64
	MtimeNsec uint32
	Mode  uint32 // POSIX permission bits; Kind carries the file type separately
	Kind  Kind

	HasUID bool
	UID    uint32
	HasGID bool
	GID    uint32

	LinkTarget string // symlink target, when Kind == KindSymlink

	HasDevice bool
	DevMajor  uint32
	DevMinor  uint32

	HardlinkGroup int64 // -1 when not part of a hardlink group

	HasAtime bool
	Atime    int64
	HasCrtime bool
	Crtime    int64

	Checksum []byte // optional, length per negotiated algorithm

	XattrRef string // capability-hook reference, opaque to this package
	ACLRef   string
}

// IsDir reports whether e names a directory.
func (e *Entry) IsDir() bool { return e.Kind == KindDirectory }

// options negotiated for field presence (§6: "presence is controlled by
// flags negotiated above").
type WireOptions struct {
	PreserveUID      bool
	PreserveGID      bool
	PreserveLinks    bool
	PreserveDevices  bool
	PreserveAtimes   bool
	PreserveCrtimes  bool
	PreserveChecksum bool
	ProtocolVersion  rsync.ProtocolVersion
}

// Encode writes a single entry to c, tracking the previous entry so
// repeat-value flags (mode/uid/gid/mtime same-as-previous) can be set;
// prev may be nil for the first entry in a list.
func Encode(c *rsyncwire.Conn, e *Entry, prev *Entry, opt WireOptions) error {
	var flags byte
	if prev != nil && prev.Mode == e.Mode {
		flags |= rsync.FlistModeSame
	}
	if prev != nil && opt.PreserveUID && prev.HasUID == e.HasUID && prev.UID == e.UID {
		flags |= rsync.FlistUIDSame
	}
	if prev != nil && opt.PreserveGID && prev.HasGID == e.HasGID && prev.GID == e.GID {
		flags |= rsync.FlistGIDSame
	}
	if prev != nil && prev.MtimeSec == e.MtimeSec {
		flags |= rsync.FlistTimeSame
	}
	// A zero status byte is reserved for the end-of-list marker; forcing
	// FlistNameLong on every real entry keeps them from ever colliding with it.
	flags |= rsync.FlistNameLong

	if err := c.WriteByte(flags); err != nil {
		return err
	}
	if err := c.WriteInt32(int32(len(e.Name))); err != nil {
		return err
	}
	if _, err := c.Writer.Write([]byte(e.Name)); err != nil {
		return err
	}
	if err := c.WriteVarint(int32(e.Size)); err != nil {
		return err
	}
	if flags&rsync.FlistTimeSame == 0 {
		if err := c.WriteInt64(e.MtimeSec); err != nil {
			return err
		}
		if opt.ProtocolVersion >= rsync.ProtocolVersion32 {
			if err := c.WriteInt32(int32(e.MtimeNsec)); err != nil {
				return err
			}
		}
	}
	if flags&rsync.FlistModeSame == 0 {
		if err := c.WriteVarint(int32(e.Mode) | int32(e.Kind)<<24); err != nil {
			return err
		}
	}
	if opt.PreserveUID && flags&rsync.FlistUIDSame == 0 {
		if err := c.WriteInt32(int32(e.UID)); err != nil {
			return err
		}
	}
	if opt.PreserveGID && flags&rsync.FlistGIDSame == 0 {
		if err := c.WriteInt32(int32(e.GID)); err != nil {
			return err
		}
	}
	if opt.PreserveLinks && e.Kind == KindSymlink {
		if err := c.WriteString(e.LinkTarget); err != nil {
			return err
		}
	}
	if opt.PreserveDevices && e.HasDevice {
		if err := c.WriteInt32(int32(e.DevMajor)); err != nil {
			return err
		}
		if err := c.WriteInt32(int32(e.DevMinor)); err != nil {
			return err
		}
	}
	if opt.PreserveChecksum && len(e.Checksum) > 0 {
		if _, err := c.Writer.Write(e.Checksum); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads a single entry from c. prev is the previously decoded
// entry (nil for the first), used to resolve same-as-previous flags. A
// returned ok=false with a nil error means the end-of-list marker (a zero
// status byte) was read.
func Decode(c *rsyncwire.Conn, prev *Entry, opt WireOptions) (e *Entry, ok bool, err error) {
	flags, err := c.ReadByte()
	if err != nil {
		return nil, false, err
	}
	if flags == rsync.FlistEndOfList {
		return nil, false, nil
	}

	e = &Entry{HardlinkGroup: -1}
	nameLen, err := c.ReadInt32()
	if err != nil {
		return nil, false, fmt.Errorf("flist: name length: %w", err)
	}
	nameBuf, err := c.ReadN(int(nameLen))
	if err != nil {
		return nil, false, fmt.Errorf("flist: name: %w", err)
	}
	e.Name = string(nameBuf)

	size, err := c.ReadVarint()
	if err != nil {
		return nil, false, fmt.Errorf("flist: size: %w", err)
	}
	e.Size = int64(size)

	if flags&rsync.FlistTimeSame != 0 {
		if prev == nil {
			return nil, false, fmt.Errorf("flist: time-same flag with no previous entry")
		}
		e.MtimeSec = prev.MtimeSec
	} else {
		e.MtimeSec, err = c.ReadInt64()
		if err != nil {
			return nil, false, fmt.Errorf("flist: mtime: %w", err)
		}
		if opt.ProtocolVersion >= rsync.ProtocolVersion32 {
			nsec, err := c.ReadInt32()
			if err != nil {
				return nil, false, fmt.Errorf("flist: mtime nsec: %w", err)
			}
			e.MtimeNsec = uint32(nsec)
		}
	}

	if flags&rsync.FlistModeSame != 0 {
		if prev == nil {
			return nil, false, fmt.Errorf("flist: mode-same flag with no previous entry")
		}
		e.Mode, e.Kind = prev.Mode, prev.Kind
	} else {
		raw, err := c.ReadVarint()
		if err != nil {
			return nil, false, fmt.Errorf("flist: mode: %w", err)
		}
		e.Mode = uint32(raw) & 0x00FFFFFF
		e.Kind = Kind(uint32(raw) >> 24)
	}

	if opt.PreserveUID {
		if flags&rsync.FlistUIDSame != 0 {
			if prev != nil {
				e.HasUID, e.UID = prev.HasUID, prev.UID
			}
		} else {
			uid, err := c.ReadInt32()
			if err != nil {
				return nil, false, fmt.Errorf("flist: uid: %w", err)
			}
			e.HasUID, e.UID = true, uint32(uid)
		}
	}
	if opt.PreserveGID {
		if flags&rsync.FlistGIDSame != 0 {
			if prev != nil {
				e.HasGID, e.GID = prev.HasGID, prev.GID
			}
		} else {
			gid, err := c.ReadInt32()
			if err != nil {
				return nil, false, fmt.Errorf("flist: gid: %w", err)
			}
			e.HasGID, e.GID = true, uint32(gid)
		}
	}
	if opt.PreserveLinks && e.Kind == KindSymlink {
		target, err := c.ReadString()
		if err != nil {
			return nil, false, fmt.Errorf("flist: link target: %w", err)
		}
		e.LinkTarget = target
	}
	if opt.PreserveDevices && (e.Kind == KindBlockDevice || e.Kind == KindCharDevice) {
		maj, err := c.ReadInt32()
		if err != nil {
			return nil, false, fmt.Errorf("flist: dev major: %w", err)
		}
		min, err := c.ReadInt32()
		if err != nil {
			return nil, false, fmt.Errorf("flist: dev minor: %w", err)
		}
		e.HasDevice, e.DevMajor, e.DevMinor = true, uint32(maj), uint32(min)
	}
	if opt.PreserveChecksum {
		sum, err := c.ReadN(checksumLenForOpt(opt))
		if err != nil {
			return nil, false, fmt.Errorf("flist: checksum: %w", err)
		}
		e.Checksum = sum
	}
	return e, true, nil
}

// checksumLenForOpt gives the number of checksum bytes Decode reads per
// entry when PreserveChecksum is set. It always returns 0; nothing in
// this module reassigns it.
var checksumLenForOpt = func(WireOptions) int { return 0 }

// WriteEndOfList writes the zero-byte end-of-list marker (§6), optionally
// preceded by an I/O error indicator when safeFileList is negotiated.
func WriteEndOfList(c *rsyncwire.Conn, safeFileList bool, ioErrorCode int32) error {
	if safeFileList {
		errByte := byte(0)
		if ioErrorCode != 0 {
			errByte = 1
		}
		if err := c.WriteByte(errByte); err != nil {
			return err
		}
		if errByte == 1 {
			if err := c.WriteVarint(ioErrorCode); err != nil {
				return err
			}
		}
	}
	return c.WriteByte(rsync.FlistEndOfList)
}

// FlushReason names why a batch was flushed, for per-reason statistics
// (§2.3's supplemented BatchStats breakdown).
type FlushReason int

const (
	FlushByCount FlushReason = iota
	FlushBySize
	FlushByTimeout
	FlushExplicit
	FlushFinish
)

// Default flush triggers (§4.9).
const (
	DefaultMaxEntries   = 64
	DefaultMaxBytes     = 65536
	DefaultFlushTimeout = 100 * time.Millisecond
)

// BatchConfig tunes the batched writer's flush triggers.
type BatchConfig struct {
	MaxEntries   int
	MaxBytes     int
	FlushTimeout time.Duration
	// autoFlush disables all implicit triggers when false, leaving only
	// explicit Flush/Finish calls (§2.3's NoAutoFlush, for deterministic
	// golden-byte tests that must not depend on wall-clock timing).
	autoFlush bool
}

// DefaultBatchConfig returns the §4.9 default triggers.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxEntries:   DefaultMaxEntries,
		MaxBytes:     DefaultMaxBytes,
		FlushTimeout: DefaultFlushTimeout,
		autoFlush:    true,
	}
}

// NoAutoFlush returns a BatchConfig with every implicit trigger disabled;
// only an explicit Flush or Finish call ever writes entries out.
func NoAutoFlush() BatchConfig {
	return BatchConfig{autoFlush: false}
}

// BatchStats records per-reason flush tallies (§2.3).
type BatchStats struct {
	EntriesWritten   int
	BatchesFlushed   int
	BytesWritten     int64
	FlushesByCount   int
	FlushesBySize    int
	FlushesByTimeout int
	ExplicitFlushes  int
}

// BatchedWriter wraps per-entry Encode calls with flush-trigger bookkeeping
// (§4.9): entries are buffered until a count/byte/time trigger fires (or a
// caller explicitly flushes), at which point the buffered entries are
// encoded to the underlying Conn in one batch.
type BatchedWriter struct {
	conn *rsyncwire.Conn
	opt  WireOptions
	cfg  BatchConfig

	pending    []*Entry
	pendingLen int
	batchStart time.Time
	prev       *Entry

	Stats BatchStats
}

// NewBatchedWriter constructs a BatchedWriter over conn with cfg's flush
// triggers.
func NewBatchedWriter(conn *rsyncwire.Conn, opt WireOptions, cfg BatchConfig) *BatchedWriter {
	return &BatchedWriter{conn: conn, opt: opt, cfg: cfg, batchStart: time.Now()}
}

// Add appends e to the pending batch, evaluating flush triggers
// afterwards (§4.9: "Flush triggers (evaluated after every add)").
func (b *BatchedWriter) Add(e *Entry) error {
	b.pending = append(b.pending, e)
	b.pendingLen += len(e.Name) + 32 // rough per-entry wire overhead estimate
	if !b.cfg.autoFlush {
		return nil
	}
	if b.cfg.MaxEntries > 0 && len(b.pending) >= b.cfg.MaxEntries {
		return b.flush(FlushByCount)
	}
	if b.cfg.MaxBytes > 0 && b.pendingLen >= b.cfg.MaxBytes {
		return b.flush(FlushBySize)
	}
	if b.cfg.FlushTimeout > 0 && time.Since(b.batchStart) >= b.cfg.FlushTimeout {
		return b.flush(FlushByTimeout)
	}
	return nil
}

// Flush explicitly flushes any pending entries, even if no trigger fired.
func (b *BatchedWriter) Flush() error {
	if len(b.pending) == 0 {
		return nil
	}
	return b.flush(FlushExplicit)
}

// PendingExceedsTimeout lets a caller probe the timeout trigger explicitly
// rather than waiting for the next Add (§4.9: "callers may probe via an
// explicit check").
func (b *BatchedWriter) PendingExceedsTimeout() bool {
	return b.cfg.FlushTimeout > 0 && len(b.pending) > 0 && time.Since(b.batchStart) >= b.cfg.FlushTimeout
}

func (b *BatchedWriter) flush(reason FlushReason) error {
	for _, e := range b.pending {
		if err := Encode(b.conn, e, b.prev, b.opt); err != nil {
			return fmt.Errorf("flist: batched flush: %w", err)
		}
		b.prev = e
		b.Stats.EntriesWritten++
	}
	b.Stats.BytesWritten += int64(b.pendingLen)
	b.Stats.BatchesFlushed++
	switch reason {
	case FlushByCount:
		b.Stats.FlushesByCount++
	case FlushBySize:
		b.Stats.FlushesBySize++
	case FlushByTimeout:
		b.Stats.FlushesByTimeout++
	case FlushExplicit:
		b.Stats.ExplicitFlushes++
	}
	b.pending = nil
	b.pendingLen = 0
	b.batchStart = time.Now()
	return nil
}

// Finish flushes any remaining entries and writes the end-of-list marker.
// The resulting byte sequence on the wire is identical to unbatched
// encoding of the same entries followed by the end marker, regardless of
// how the batches were split (§4.9's contract).
func (b *BatchedWriter) Finish(safeFileList bool, ioErrorCode int32) error {
	if len(b.pending) > 0 {
		if err := b.flush(FlushFinish); err != nil {
			return err
		}
	}
	return WriteEndOfList(b.conn, safeFileList, ioErrorCode)
}
