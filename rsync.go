// Package rsync holds wire-level types and constants shared by every
// subpackage of this module: the negotiated protocol version, the
// compatibility-flag bitfield, the block-signature header, file-list
// status-byte flags, and the stable process exit codes.
package rsync

import (
	"fmt"
)

// ProtocolVersion identifies the rsync wire protocol revision in use for a
// session. Only 31 and 32 are supported; the negotiated value is immutable
// for the remainder of the session.
type ProtocolVersion int32

// Supported protocol versions, oldest to newest.
const (
	ProtocolVersion31 ProtocolVersion = 31
	ProtocolVersion32 ProtocolVersion = 32

	MinProtocolVersion = ProtocolVersion31
	MaxProtocolVersion = ProtocolVersion32
)

// Valid reports whether v is a protocol version this module can negotiate.
func (v ProtocolVersion) Valid() bool {
	return v >= MinProtocolVersion && v <= MaxProtocolVersion
}

// NegotiateVersion implements the AgreeVersion transition: the chosen
// version is the minimum of the two peers' advertised versions. It is an
// error if that minimum falls below MinProtocolVersion.
func NegotiateVersion(local, remote ProtocolVersion) (ProtocolVersion, error) {
	chosen := local
	if remote < chosen {
		chosen = remote
	}
	if chosen < MinProtocolVersion {
		return 0, fmt.Errorf("protocol incompatible: local=%d remote=%d, minimum supported is %d", local, remote, MinProtocolVersion)
	}
	return chosen, nil
}

// CompatibilityFlags is a bitfield of optional capabilities exchanged after
// version agreement. Unknown bits (outside KnownMask) are preserved
// verbatim across encode/decode so forward compatibility is maintained.
type CompatibilityFlags uint32

// Flag bits, mirroring upstream rsync 3.x's CF_* constants.
const (
	CFIncRecurse             CompatibilityFlags = 1 << 0
	CFSymlinkTimes           CompatibilityFlags = 1 << 1
	CFSymlinkIconv           CompatibilityFlags = 1 << 2
	CFSafeFileList           CompatibilityFlags = 1 << 3
	CFAvoidXattrOptimization CompatibilityFlags = 1 << 4
	CFChecksumSeedFix        CompatibilityFlags = 1 << 5
	CFInplacePartialDir      CompatibilityFlags = 1 << 6
	CFVarintFlistFlags       CompatibilityFlags = 1 << 7
	CFId0Names               CompatibilityFlags = 1 << 8

	knownFlagsMask = CFIncRecurse | CFSymlinkTimes | CFSymlinkIconv | CFSafeFileList |
		CFAvoidXattrOptimization | CFChecksumSeedFix | CFInplacePartialDir |
		CFVarintFlistFlags | CFId0Names
)

// KnownCompatibilityFlag names an individual bit of CompatibilityFlags.
type KnownCompatibilityFlag int

const (
	FlagIncRecurse KnownCompatibilityFlag = iota
	FlagSymlinkTimes
	FlagSymlinkIconv
	FlagSafeFileList
	FlagAvoidXattrOptimization
	FlagChecksumSeedFix
	FlagInplacePartialDir
	FlagVarintFlistFlags
	FlagId0Names
)

var knownFlagBits = [...]CompatibilityFlags{
	FlagIncRecurse:             CFIncRecurse,
	FlagSymlinkTimes:           CFSymlinkTimes,
	FlagSymlinkIconv:           CFSymlinkIconv,
	FlagSafeFileList:           CFSafeFileList,
	FlagAvoidXattrOptimization: CFAvoidXattrOptimization,
	FlagChecksumSeedFix:        CFChecksumSeedFix,
	FlagInplacePartialDir:      CFInplacePartialDir,
	FlagVarintFlistFlags:       CFVarintFlistFlags,
	FlagId0Names:               CFId0Names,
}

var knownFlagNames = [...]string{
	FlagIncRecurse:             "CF_INC_RECURSE",
	FlagSymlinkTimes:           "CF_SYMLINK_TIMES",
	FlagSymlinkIconv:           "CF_SYMLINK_ICONV",
	FlagSafeFileList:           "CF_SAFE_FLIST",
	FlagAvoidXattrOptimization: "CF_AVOID_XATTR_OPTIM",
	FlagChecksumSeedFix:        "CF_CHKSUM_SEED_FIX",
	FlagInplacePartialDir:      "CF_INPLACE_PARTIAL_DIR",
	FlagVarintFlistFlags:       "CF_VARINT_FLIST_FLAGS",
	FlagId0Names:               "CF_ID0_NAMES",
}

// Name returns the canonical upstream identifier for the flag.
func (f KnownCompatibilityFlag) Name() string { return knownFlagNames[f] }

// Bit returns the CompatibilityFlags bit corresponding to f.
func (f KnownCompatibilityFlag) Bit() CompatibilityFlags { return knownFlagBits[f] }

// Contains reports whether all bits in other are set in f.
func (f CompatibilityFlags) Contains(other CompatibilityFlags) bool {
	return f&other == other
}

// UnknownBits reports the subset of bits not yet defined by this package.
func (f CompatibilityFlags) UnknownBits() CompatibilityFlags {
	return f &^ knownFlagsMask
}

// Intersect returns the flags common to both local and remote, the
// AgreeFlags transition of the protocol engine's handshake.
func Intersect(local, remote CompatibilityFlags) CompatibilityFlags {
	return local & remote
}

// LocalCompatFlags is the set of optional capabilities this module
// declares support for. It is zero: none of incremental recursion,
// symlink time/iconv translation, the safe-file-list error-byte variant,
// xattr-optimization avoidance, the checksum-seed fix, or inplace partial
// directories change this module's wire behavior (§9's Open Question
// decisions keep the file list fully materialized and leave symlink times
// unset), so advertising any of those bits would promise behavior the
// peer does not get. AgreeFlags still keeps the remote's unknown bits
// (its known bits are dropped, since none is set here) for logging and
// forward compatibility.
const LocalCompatFlags CompatibilityFlags = 0

// AgreeFlags implements the protocol engine's AgreeFlags transition:
// known bits are intersected, but bits the remote set that this package
// does not recognize are preserved rather than dropped, so a caller can
// still log or act on a newer peer's capability bits.
func AgreeFlags(local, remote CompatibilityFlags) CompatibilityFlags {
	return Intersect(local, remote) | remote.UnknownBits()
}

// KnownFlags returns the known flags set in f in ascending bit order.
func (f CompatibilityFlags) KnownFlags() []KnownCompatibilityFlag {
	var out []KnownCompatibilityFlag
	for bit := range knownFlagBits {
		flag := KnownCompatibilityFlag(bit)
		if f.Contains(flag.Bit()) {
			out = append(out, flag)
		}
	}
	return out
}

// KnownFlagsReversed returns the known flags set in f in descending bit order.
func (f CompatibilityFlags) KnownFlagsReversed() []KnownCompatibilityFlag {
	known := f.KnownFlags()
	for i, j := 0, len(known)-1; i < j; i, j = i+1, j-1 {
		known[i], known[j] = known[j], known[i]
	}
	return known
}

func (f CompatibilityFlags) String() string {
	if f == 0 {
		return "CF_NONE"
	}
	s := ""
	for _, flag := range f.KnownFlags() {
		if s != "" {
			s += " | "
		}
		s += flag.Name()
	}
	if unknown := f.UnknownBits(); unknown != 0 {
		if s != "" {
			s += " | "
		}
		s += fmt.Sprintf("unknown(0x%x)", uint32(unknown))
	}
	return s
}

// SumHead is the block-signature header exchanged before delta transfer,
// describing how a basis file was partitioned into blocks.
type SumHead struct {
	// ChecksumCount is the number of blocks in the signature.
	ChecksumCount int32
	// BlockLength is the block size in bytes, maximum (1<<29) on protocol
	// <30, (1<<17) thereafter.
	BlockLength int32
	// ChecksumLength is the length in bytes of each block's strong digest.
	ChecksumLength int32
	// RemainderLength is flength % BlockLength; the last block's size.
	RemainderLength int32
}

// int32Reader and int32Writer are the minimal duplex needed to marshal a
// SumHead; internal/rsyncwire.Conn satisfies both.
type int32Reader interface {
	ReadInt32() (int32, error)
}

type int32Writer interface {
	WriteInt32(int32) error
}

// ReadFrom decodes a SumHead from r, matching upstream's generator.c wire
// order: count, block length, checksum length, remainder length.
func (s *SumHead) ReadFrom(r int32Reader) error {
	var err error
	if s.ChecksumCount, err = r.ReadInt32(); err != nil {
		return fmt.Errorf("sum head checksum count: %w", err)
	}
	if s.BlockLength, err = r.ReadInt32(); err != nil {
		return fmt.Errorf("sum head block length: %w", err)
	}
	if s.ChecksumLength, err = r.ReadInt32(); err != nil {
		return fmt.Errorf("sum head checksum length: %w", err)
	}
	if s.RemainderLength, err = r.ReadInt32(); err != nil {
		return fmt.Errorf("sum head remainder length: %w", err)
	}
	return nil
}

// WriteTo encodes s to w in the same field order ReadFrom expects.
func (s SumHead) WriteTo(w int32Writer) error {
	if err := w.WriteInt32(s.ChecksumCount); err != nil {
		return err
	}
	if err := w.WriteInt32(s.BlockLength); err != nil {
		return err
	}
	if err := w.WriteInt32(s.ChecksumLength); err != nil {
		return err
	}
	if err := w.WriteInt32(s.RemainderLength); err != nil {
		return err
	}
	return nil
}

// minBlockSize is rsync's classic fixed floor for block size (rsync.h).
const minBlockSize = 700

// DefaultStrongSumLength is the strong checksum length used when the
// negotiated algorithm does not otherwise constrain it.
const DefaultStrongSumLength = 16

// SumSizesSqroot computes the block-signature header for a basis file of
// the given length, mirroring rsync/generator.c:sum_sizes_sqroot: the
// block size is a rounded square root of the file length, floored at
// minBlockSize bytes.
func SumSizesSqroot(length int64) SumHead {
	blockLength := int32(isqrt(length))
	if blockLength < minBlockSize {
		blockLength = minBlockSize
	}

	var checksumCount int32
	if length > 0 {
		checksumCount = int32((length + int64(blockLength) - 1) / int64(blockLength))
	}

	return SumHead{
		ChecksumCount:   checksumCount,
		RemainderLength: int32(length % int64(blockLength)),
		BlockLength:     blockLength,
		ChecksumLength:  DefaultStrongSumLength,
	}
}

func isqrt(n int64) int64 {
	if n <= 0 {
		return 0
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}

// File-list status-byte flags (rsync's flist.c FLIST_* / XMIT_* bits, the
// subset this module transmits: always the "long name" form, like openrsync).
const (
	FlistTopLevel    = 0x01 // top-level entry; matching local dir drives deletions
	FlistModeSame    = 0x02 // file mode is a repeat of the previous entry's
	FlistUIDSame     = 0x08 // uid is a repeat of the previous entry's
	FlistGIDSame     = 0x10 // gid is a repeat of the previous entry's
	FlistNameSame    = 0x20 // inherits a prefix of the previous entry's name
	FlistNameLong    = 0x40 // full integer length for file name
	FlistTimeSame    = 0x80 // mtime is a repeat of the previous entry's
	FlistEndOfList   = 0x00 // a zero status byte terminates the file list
)

// Exit codes, stable and matching upstream rsync.
const (
	ExitSuccess                = 0
	ExitSyntaxError            = 1
	ExitProtocolIncompatible   = 2
	ExitSocketIO               = 10
	ExitFileIO                 = 11
	ExitStreamError            = 12
	ExitDiagnostic             = 13
	ExitSignal                 = 20
	ExitPartialTransfer        = 23
	ExitVanishedSource         = 24
	ExitDeleteLimitExceeded    = 25
	ExitTimeoutIO              = 30
	ExitTimeoutConnect         = 35
)

// multiplex tags for the post-handshake frame layer (io.c MSG_* constants).
type MultiplexTag byte

const (
	MsgData       MultiplexTag = 0
	MsgErrorXfer  MultiplexTag = 1
	MsgInfo       MultiplexTag = 2
	MsgError      MultiplexTag = 3
	MsgWarning    MultiplexTag = 4
	MsgLog        MultiplexTag = 5 // FERROR_SOCKET / legacy alias used by some peers
	MsgClient     MultiplexTag = 6
	MsgErrorSocket MultiplexTag = 7
	MsgLogFile    MultiplexTag = 8
	MsgIOError    MultiplexTag = 22
	MsgNoSend     MultiplexTag = 23
	MsgSuccess    MultiplexTag = 100
	MsgDeleted    MultiplexTag = 101
	MsgNoop       MultiplexTag = 42
)
