//go:build linux || darwin

package localcopy

import (
	"io/fs"
	"os"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/gokrazy/rsync-core/internal/flist"
)

var amRoot = os.Getuid() == 0

var inGroup = func() map[uint32]bool {
	m := make(map[uint32]bool)
	u, err := user.Current()
	if err != nil {
		return m
	}
	gids, err := u.GroupIds()
	if err != nil {
		return m
	}
	for _, gidString := range gids {
		gid64, err := strconv.ParseInt(gidString, 0, 64)
		if err != nil {
			return m
		}
		m[uint32(gid64)] = true
	}
	return m
}()

// MetadataOptions selects which attributes ApplyMetadata preserves, one
// flag per §4.7 step 12 preservation switch.
type MetadataOptions struct {
	PreserveUID   bool
	PreserveGID   bool
	PreservePerms bool
	PreserveTimes bool
}

// ApplyMetadata chowns, chmods, and sets mtime on local path to match e,
// per the options requested. Ownership changes are gated exactly as the
// upstream generator gates them: uid changes require root, gid changes
// require root or membership in the target group.
func ApplyMetadata(path string, e *flist.Entry, opt MetadataOptions) error {
	st, err := os.Lstat(path)
	if err != nil {
		return err
	}

	if opt.PreserveUID || opt.PreserveGID {
		if err := applyOwnership(path, e, st, opt); err != nil {
			return err
		}
	}

	if opt.PreservePerms && e.Kind != flist.KindSymlink {
		if err := os.Chmod(path, fs.FileMode(e.Mode&0o7777)); err != nil {
			return err
		}
	}

	if opt.PreserveTimes && e.Kind != flist.KindSymlink {
		mtime := time.Unix(e.MtimeSec, int64(e.MtimeNsec))
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			return err
		}
	}

	return nil
}

func applyOwnership(path string, e *flist.Entry, st fs.FileInfo, opt MetadataOptions) error {
	stt, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}

	changeUID := opt.PreserveUID && e.HasUID &&
		amRoot &&
		stt.Uid != uint32(e.UID)

	changeGID := opt.PreserveGID && e.HasGID &&
		(amRoot || inGroup[uint32(e.GID)]) &&
		stt.Gid != uint32(e.GID)

	if !changeUID && !changeGID {
		return nil
	}

	uid := stt.Uid
	if changeUID {
		uid = uint32(e.UID)
	}
	gid := stt.Gid
	if changeGID {
		gid = uint32(e.GID)
	}
	return os.Lchown(path, int(uid), int(gid))
}
