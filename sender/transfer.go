// Package sender implements the sending side of one transfer session: it
// walks the requested paths into a file list, streams it to the peer,
// then answers each of the peer's basis-signature requests with a
// literal/match delta computed against that signature.
package sender

import (
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

// Options is the subset of the session's negotiated options the sender
// consults.
type Options struct {
	Verbose bool
	DryRun  bool

	PreserveUID     bool
	PreserveGID     bool
	PreserveLinks   bool
	PreserveDevices bool
	PreserveTimes   bool

	OneFileSystem bool

	Algo             checksum.Algorithm
	Compression      compress.Algorithm
	CompressionLevel int
}

// ExclusionList is the peer-supplied filter rule set read before the file
// list exchange (rsync/exclude.c's recv_exclude_list).
type ExclusionList struct {
	Filters []filter.Rule
}

// Transfer holds the state for one send-side session.
type Transfer struct {
	Logger Logger
	Opts   Options
	Conn   *rsyncwire.Conn
	Seed   int32

	wireOpts flist.WireOptions
}

// algo returns the session's configured strong-checksum algorithm,
// defaulting to MD4.
func (st *Transfer) algo() checksum.Algorithm {
	if st.Opts.Algo == 0 {
		return checksum.MD4
	}
	return st.Opts.Algo
}

func (st *Transfer) wireOptions() flist.WireOptions {
	return flist.WireOptions{
		PreserveUID:     st.Opts.PreserveUID,
		PreserveGID:     st.Opts.PreserveGID,
		PreserveLinks:   st.Opts.PreserveLinks,
		PreserveDevices: st.Opts.PreserveDevices,
	}
}
