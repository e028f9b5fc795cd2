package receiver

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gokrazy/rsync-core/internal/delta"
	"github.com/gokrazy/rsync-core/internal/flist"
)

func isTopDir(f *File) bool {
	return f.Name == "."
}

func findInFileList(fileList []*File, name string) bool {
	for _, f := range fileList {
		if f.Name == name {
			return true
		}
	}
	return false
}

// GenerateFiles walks fileList and, for each regular file, generates the
// destination-side signature the sender needs to compute a delta
// (rsync/generator.c's role): a missing local file gets an empty
// signature (full transfer), an existing one gets a signature over its
// current content. Directories and symlinks are created locally,
// independent of what the sender streams back.
//
// rsync/generator.c:generate_files
func (rt *Transfer) GenerateFiles(fileList []*File) error {
	for idx, f := range fileList {
		switch {
		case f.IsDir():
			if err := rt.genDir(f); err != nil {
				return err
			}
			continue
		case f.Kind == flist.KindSymlink:
			if err := rt.genSymlink(f); err != nil {
				return err
			}
			continue
		}
		if err := rt.genRegular(int32(idx), f); err != nil {
			return err
		}
	}
	return rt.Conn.WriteInt32(-1)
}

func (rt *Transfer) genDir(f *File) error {
	local := filepath.Join(rt.Dest, f.Name)
	if rt.Opts.DryRun {
		return nil
	}
	return os.MkdirAll(local, 0o755)
}

func (rt *Transfer) genSymlink(f *File) error {
	local := filepath.Join(rt.Dest, f.Name)
	if rt.Opts.DryRun {
		return nil
	}
	if _, err := os.Lstat(local); err == nil {
		if err := os.Remove(local); err != nil {
			return err
		}
	}
	return symlink(f.LinkTarget, local)
}

func (rt *Transfer) genRegular(idx int32, f *File) error {
	local := filepath.Join(rt.Dest, f.Name)

	if err := rt.Conn.WriteInt32(idx); err != nil {
		return fmt.Errorf("genRegular: sending index: %w", err)
	}

	basis, err := os.Open(local)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("genRegular: opening basis %s: %w", local, err)
		}
		empty := &delta.Signature{}
		return empty.WriteTo(rt.Conn)
	}
	defer basis.Close()

	st, err := basis.Stat()
	if err != nil {
		return fmt.Errorf("genRegular: stat %s: %w", local, err)
	}

	sig, err := delta.GenerateSignature(basis, st.Size(), rt.algo(), rt.Seed)
	if err != nil {
		return fmt.Errorf("genRegular: generating signature for %s: %w", local, err)
	}
	return sig.WriteTo(rt.Conn)
}

// setPerms applies the file's recorded mode/ownership/mtime to local,
// gated by which preservation options the session negotiated.
//
// rsync/rsync.c:set_perms
func (rt *Transfer) setPerms(f *File) error {
	local := filepath.Join(rt.Dest, f.Name)
	st, err := os.Lstat(local)
	if err != nil {
		return err
	}

	if _, err := rt.setUid(f, local, st); err != nil {
		return err
	}

	if rt.Opts.PreservePerms {
		if err := os.Chmod(local, os.FileMode(f.Mode&0o7777)); err != nil {
			return err
		}
	}

	if rt.Opts.PreserveTimes {
		mtime := time.Unix(f.MtimeSec, int64(f.MtimeNsec))
		if err := os.Chtimes(local, mtime, mtime); err != nil {
			return err
		}
	}
	return nil
}
