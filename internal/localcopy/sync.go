//go:build linux || darwin

package localcopy

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/gokrazy/rsync-core/internal/filter"
	"github.com/gokrazy/rsync-core/internal/flist"
	"github.com/gokrazy/rsync-core/internal/rsyncerr"
	"github.com/gokrazy/rsync-core/internal/rsyncstats"
)

// Sync drives a pure local-to-local transfer end to end (§4.7): both
// source and destination are paths on the same host, so there is no
// protocol engine in the loop at all — Sync walks the source tree itself
// and feeds each entry straight into an Executor, the same per-file
// pipeline the receiver drives from a decoded wire file list. A single
// source given without a trailing slash copies the directory itself into
// dest; with a trailing slash it copies the directory's contents (rsync's
// usual convention), mirroring sender.buildFileList's root/paths split.
func Sync(opt Options, sources []string, dest string) (*rsyncstats.CopySummary, error) {
	opt.IsLocalCopy = true
	exec := NewExecutor(opt)

	entries, err := walkSources(sources, opt.Filter)
	if err != nil {
		return nil, err
	}

	// "Before" removes extraneous destination entries ahead of the
	// transfer; the other three timings all scan and remove only after
	// the walk (Sync materializes the whole source list up front, so
	// "During" collapses into "After" here — there is no interleaved
	// traversal to hook a per-directory delete into). A
	// KindDeleteLimitExceeded error from scheduling still lets every
	// deletion scheduled up to the limit apply before the error
	// propagates (§8's "exactly K occur" invariant).
	if opt.Deletion == DeleteBefore {
		scheduleErr := scheduleDeletions(exec, entries, dest)
		if err := exec.ApplyDeletions(); err != nil {
			return nil, err
		}
		if scheduleErr != nil {
			return exec.Stats(), scheduleErr
		}
	}

	for _, e := range entries {
		destPath := filepath.Join(dest, e.name)
		if err := exec.TransferFile(e.Entry, e.path, destPath); err != nil {
			if rerr, ok := err.(*rsyncerr.Error); ok && rerr.Class == rsyncerr.Fatal {
				exec.Rollback()
			}
			return exec.Stats(), err
		}
	}

	if opt.Deletion == DeleteDuring || opt.Deletion == DeleteAfter || opt.Deletion == DeleteDelay {
		scheduleErr := scheduleDeletions(exec, entries, dest)
		if err := exec.ApplyDeletions(); err != nil {
			return exec.Stats(), err
		}
		if scheduleErr != nil {
			return exec.Stats(), scheduleErr
		}
	}

	return exec.Stats(), nil
}

// sourceEntry pairs a decoded flist.Entry with the absolute source path it
// was built from and the relative name used to form the destination path.
type sourceEntry struct {
	*flist.Entry
	path string
	name string
}

func walkSources(sources []string, rules *filter.FilterSet) ([]sourceEntry, error) {
	var out []sourceEntry
	for _, src := range sources {
		contentsOnly := len(src) > 0 && src[len(src)-1] == filepath.Separator
		root := filepath.Clean(src)
		prefix := filepath.Base(root)
		if contentsOnly {
			prefix = ""
		}

		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return relErr
			}
			name := rel
			if prefix != "" {
				if rel == "." {
					name = prefix
				} else {
					name = filepath.Join(prefix, rel)
				}
			}

			isDir := info.IsDir()
			if rules != nil && !rules.Allows(name, isDir) {
				if isDir {
					return filepath.SkipDir
				}
				return nil
			}

			e, entErr := entryFromLocalInfo(name, path, info)
			if entErr != nil {
				return entErr
			}
			out = append(out, sourceEntry{Entry: e, path: path, name: name})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("localcopy: walking %s: %w", root, err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func entryFromLocalInfo(name, path string, info fs.FileInfo) (*flist.Entry, error) {
	e := &flist.Entry{
		Name:          name,
		Size:          info.Size(),
		Mode:          uint32(info.Mode().Perm()),
		HardlinkGroup: -1,
		MtimeSec:      info.ModTime().Unix(),
		MtimeNsec:     uint32(info.ModTime().Nanosecond()),
	}

	switch {
	case info.IsDir():
		e.Kind = flist.KindDirectory
	case info.Mode()&os.ModeSymlink != 0:
		e.Kind = flist.KindSymlink
		target, err := os.Readlink(path)
		if err != nil {
			return nil, fmt.Errorf("reading symlink %s: %w", path, err)
		}
		e.LinkTarget = target
	case info.Mode()&os.ModeNamedPipe != 0:
		e.Kind = flist.KindFifo
	case info.Mode()&os.ModeDevice != 0:
		if info.Mode()&os.ModeCharDevice != 0 {
			e.Kind = flist.KindCharDevice
		} else {
			e.Kind = flist.KindBlockDevice
		}
	default:
		e.Kind = flist.KindRegular
	}

	if stt, ok := info.Sys().(*syscall.Stat_t); ok {
		e.HasUID, e.UID = true, stt.Uid
		e.HasGID, e.GID = true, stt.Gid
		if e.Kind == flist.KindBlockDevice || e.Kind == flist.KindCharDevice {
			e.HasDevice = true
			e.DevMajor = uint32(stt.Rdev >> 8 & 0xff)
			e.DevMinor = uint32(stt.Rdev & 0xff)
		}
	}

	return e, nil
}

// scheduleDeletions walks the existing destination tree and registers
// every entry absent from the just-built source list for removal (§4.7's
// "Before"/"During"/"After"/"Delay" deletion scheduling, collapsed here
// into a single pass since Sync materializes the whole source list before
// touching the destination anyway).
func scheduleDeletions(exec *Executor, entries []sourceEntry, dest string) error {
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.name] = true
	}

	root := filepath.Clean(dest)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if present[rel] {
			return nil
		}
		// Consider never errors on limit-exceeded: it tallies the
		// candidate into DeletionPlan.Skipped and lets the walk continue,
		// so every remaining entry is still counted (see DeletionLimitErr
		// below).
		if scheduleErr := exec.ScheduleDeletion(path, info.IsDir()); scheduleErr != nil {
			return scheduleErr
		}
		if info.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("localcopy: scanning %s for deletions: %w", dest, err)
	}
	if limitErr := exec.DeletionLimitErr(); limitErr != nil {
		return limitErr
	}
	return nil
}
