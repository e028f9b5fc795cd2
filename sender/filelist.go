//go:build linux || darwin

package sender

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/gokrazy/rsync-core/internal/filter"
	"github.com/gokrazy/rsync-core/internal/flist"
)

// localEntry pairs an encoded flist.Entry with the filesystem path it was
// built from, so later stages (genRegular's signature request, reading
// the source for a delta) can find the file again by index.
type localEntry struct {
	path string // absolute, on local disk
	*flist.Entry
}

// buildFileList walks root (restricted to the requested relative paths,
// or the whole tree when paths is empty) into a sorted, filtered file
// list (rsync/flist.c:send_file_list).
func buildFileList(root string, paths []string, rules *filter.FilterSet) ([]localEntry, error) {
	if len(paths) == 0 {
		paths = []string{"."}
	}

	var out []localEntry
	seen := make(map[string]bool)
	for _, rel := range paths {
		start := filepath.Join(root, rel)
		err := filepath.Walk(start, func(path string, info fs.FileInfo, err error) error {
			if err != nil {
				return err
			}
			name, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return relErr
			}
			if seen[name] {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			isDir := info.IsDir()
			if rules != nil && !rules.Allows(name, isDir) {
				if isDir {
					return filepath.SkipDir
				}
				return nil
			}

			e, err := entryFromInfo(name, path, info)
			if err != nil {
				return err
			}
			seen[name] = true
			out = append(out, localEntry{path: path, Entry: e})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("sender: walking %s: %w", start, err)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func entryFromInfo(name, path string, info fs.FileInfo) (*flist.Entry, error) {
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

// SendFileList walks paths under root and streams the resulting file list
// to the peer, returning the local entries in on-wire order so later
// stages can index back into them by position.
func (st *Transfer) SendFileList(root string, paths []string, excl *ExclusionList) ([]localEntry, error) {
	var fset *filter.FilterSet
	if excl != nil && len(excl.Filters) > 0 {
		compiled, err := filter.Compile(excl.Filters)
		if err != nil {
			return nil, fmt.Errorf("sender: compiling exclusion list: %w", err)
		}
		fset = compiled
	}

	entries, err := buildFileList(root, paths, fset)
	if err != nil {
		return nil, err
	}

	st.wireOpts = st.wireOptions()
	w := flist.NewBatchedWriter(st.Conn, st.wireOpts, flist.DefaultBatchConfig())
	for _, le := range entries {
		if err := w.Add(le.Entry); err != nil {
			return nil, fmt.Errorf("sender: sending file list entry %s: %w", le.Name, err)
		}
	}
	if err := w.Finish(false, 0); err != nil {
		return nil, fmt.Errorf("sender: finishing file list: %w", err)
	}
	return entries, nil
}
