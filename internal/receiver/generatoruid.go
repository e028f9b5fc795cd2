//go:build linux || darwin

package receiver

import (
	"io/fs"
	"os"
	"os/user"
	"strconv"
	"syscall"
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

// setUid chowns local to match f's recorded owner/group, gated exactly as
// upstream rsync gates it: uid changes require root, gid changes require
// root or membership in the target group.
func (rt *Transfer) setUid(f *File, local string, st fs.FileInfo) (fs.FileInfo, error) {
	stt, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return st, nil
	}

	changeUid := rt.Opts.PreserveUID && f.HasUID &&
		amRoot &&
		stt.Uid != f.UID

	changeGid := rt.Opts.PreserveGID && f.HasGID &&
		(amRoot || inGroup[f.GID]) &&
		stt.Gid != f.GID

	if !changeUid && !changeGid {
		return st, nil
	}

	uid := stt.Uid
	if changeUid {
		uid = f.UID
	}
	gid := stt.Gid
	if changeGid {
		gid = f.GID
	}
	if err := os.Lchown(local, int(uid), int(gid)); err != nil {
		return nil, err
	}
	return os.Lstat(local)
}
