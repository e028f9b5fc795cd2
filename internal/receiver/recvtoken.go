package receiver

import (
	"github.com/gokrazy/rsync-core/internal/compress"
	"github.com/gokrazy/rsync-core/internal/delta"
)

// recvToken reads one element of the sender's literal/match token stream
// (§4.6): a positive value precedes a literal run (decompressed according
// to rt.Opts.Compression when set and rt.Opts.CompressionLevel is above
// compress.LevelDisabled, matching the sender, which writes literal runs
// uncompressed at that level), zero ends the stream for this file, and a
// negative value n encodes a basis block reference at index -(n+1).
func (rt *Transfer) recvToken() (token int32, data []byte, err error) {
	algo := rt.Opts.Compression
	if rt.Opts.CompressionLevel <= compress.LevelDisabled {
		algo = compress.None
	}
	return delta.ReadTokenCompressed(rt.Conn, algo)
}
