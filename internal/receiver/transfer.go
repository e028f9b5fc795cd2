// Package receiver implements the receiving side of one transfer session:
// it walks the incoming file list, decides which entries need bytes,
// decodes the sender's literal/match token stream, and applies metadata.
package receiver

import (
	"io"

	"github.com/gokrazy/rsync-core/internal/checksum"
	"github.com/gokrazy/rsync-core/internal/compress"
	"github.com/gokrazy/rsync-core/internal/filter"
	"github.com/gokrazy/rsync-core/internal/flist"
	"github.com/gokrazy/rsync-core/internal/rsyncwire"
)

// Logger is the minimal logging surface a Transfer needs; *log.Logger
// satisfies it directly.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Env carries the transfer's standard streams, used for the dry-run
// file-name listing a non-server run prints to stdout.
type Env struct {
	Stdout io.Writer
}

// TransferOptions is the subset of the session's negotiated options that
// the receiver consults (the full option surface is parsed and owned by
// the caller; the receiver only reads the fields relevant to its own
// decisions).
type TransferOptions struct {
	DryRun        bool
	Server        bool
	Verbose       bool
	DeleteMode    bool
	PreserveUID   bool
	PreserveGID   bool
	PreservePerms bool
	PreserveTimes bool

	// MaxDelete caps the number of destination-only entries deleteFiles
	// will remove when DeleteMode is set; zero means unlimited (§4.7's
	// max-delete limit, exit code 25 when exceeded).
	MaxDelete int

	// Compression selects the stream codec applied to literal token
	// payloads on the wire (§4.3); it must match the sender's algorithm
	// for a given session. None leaves the wire format byte-identical to
	// upstream's uncompressed token stream.
	Compression      compress.Algorithm
	CompressionLevel int
}

// File is one file-list entry as the receiver operates on it: the wire
// entry plus the mutable Mode field adjusted by openLocalFile when
// permissions aren't being preserved.
type File struct {
	*flist.Entry
}

// Transfer holds the state for one receive-side session.
type Transfer struct {
	Logger Logger
	Opts   TransferOptions
	Conn   *rsyncwire.Conn
	Dest   string
	Seed   int32
	Env    Env

	// Filter gates which destination-only entries deleteFiles is allowed
	// to remove (protect/risk rules, §4.5); nil behaves as an empty rule
	// set (every candidate is deletable).
	Filter *filter.FilterSet

	// WireOpts controls which optional fields ReceiveFileList expects on
	// the wire; it mirrors the flags negotiated during option exchange.
	WireOpts flist.WireOptions

	// Algo selects the strong-checksum algorithm used for block
	// signatures and whole-file verification; zero value defaults to MD4
	// via the algo() accessor below.
	Algo checksum.Algorithm

	// IOErrors counts recoverable per-file errors encountered so far;
	// deleteFiles refuses to run when this is non-zero (rsync/main.c's
	// own "don't delete after an I/O error" rule).
	IOErrors int
}

// algo returns the session's configured strong-checksum algorithm,
// defaulting to MD4 (the algorithm used by protocol versions prior to the
// xxhash/xxh3 negotiation added in later versions).
func (rt *Transfer) algo() checksum.Algorithm {
	if rt.Algo == 0 {
		return checksum.MD4
	}
	return rt.Algo
}
