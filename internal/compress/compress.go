// Package compress implements the optional compression layer of the delta
// transfer engine (§4.3): a zlib stream codec (upstream's classic -z
// algorithm) and a zstd stream codec, selected by Algorithm, at a
// configurable level where 0 disables compression.
package compress

import (
	"compress/zlib"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Algorithm selects which stream codec CompressStream/DecompressStream use.
type Algorithm int

const (
	// None disables compression: CompressStream/DecompressStream simply
	// copy bytes through unchanged.
	None Algorithm = iota
	Zlib
	Zstd
)

// Level 0 disables compression regardless of Algorithm; 1..=9 map to the
// native codec's levels; DefaultLevel is used when a caller asks for
// compression without specifying a level.
const (
	LevelDisabled = 0
	DefaultLevel  = 6
	MaxLevel      = 9
)

func clampLevel(level int) int {
	if level < LevelDisabled {
		return LevelDisabled
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}

// CompressStream reads all of r, compressing it to w using algo at level,
// matching upstream's on-wire stream format so a compatible peer running
// the same algorithm at the same level can decompress it.
func CompressStream(w io.Writer, r io.Reader, algo Algorithm, level int) (int64, error) {
	level = clampLevel(level)
	if algo == None || level == LevelDisabled {
		return io.Copy(w, r)
	}
	switch algo {
	case Zlib:
		return compressZlib(w, r, level)
	case Zstd:
		return compressZstd(w, r, level)
	default:
		return 0, fmt.Errorf("compress: unsupported algorithm %d", algo)
	}
}

// DecompressStream reads a stream produced by CompressStream (same algo)
// from r and writes the decompressed bytes to w.
func DecompressStream(w io.Writer, r io.Reader, algo Algorithm) (int64, error) {
	switch algo {
	case None:
		return io.Copy(w, r)
	case Zlib:
		return decompressZlib(w, r)
	case Zstd:
		return decompressZstd(w, r)
	default:
		return 0, fmt.Errorf("compress: unsupported algorithm %d", algo)
	}
}

func compressZlib(w io.Writer, r io.Reader, level int) (int64, error) {
	zw, err := zlib.NewWriterLevel(w, level)
	if err != nil {
		return 0, fmt.Errorf("compress: zlib writer: %w", err)
	}
	n, err := io.Copy(zw, r)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func decompressZlib(w io.Writer, r io.Reader) (int64, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("compress: zlib reader: %w", err)
	}
	defer zr.Close()
	return io.Copy(w, zr)
}

// zstdLevel maps the 0-9 rsync-style level knob onto zstd's coarser
// EncoderLevel enum, which only distinguishes four tiers.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 4:
		return zstd.SpeedDefault
	case level <= 7:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func compressZstd(w io.Writer, r io.Reader, level int) (int64, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstdLevel(level)))
	if err != nil {
		return 0, fmt.Errorf("compress: zstd writer: %w", err)
	}
	n, err := io.Copy(zw, r)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func decompressZstd(w io.Writer, r io.Reader) (int64, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("compress: zstd reader: %w", err)
	}
	defer zr.Close()
	n, err := io.Copy(w, zr)
	return n, err
}
