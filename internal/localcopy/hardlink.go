//go:build linux || darwin

package localcopy

import (
	"fmt"
	"io/fs"
	"os"
	"sync"
	"syscall"
)

// deviceInode identifies an inode uniquely within one filesystem, the key
// §4.7's hard-link tracking groups files by ("track (device, inode) pairs
// mapped to the first-seen destination path").
type deviceInode struct {
	device uint64
	inode  uint64
}

// HardlinkTracker records the first destination path written for each
// (device, inode) pair seen on the source side, so later members of the
// same hard-link group can be linked instead of copied.
type HardlinkTracker struct {
	mu    sync.Mutex
	first map[deviceInode]string
}

// NewHardlinkTracker returns an empty tracker.
func NewHardlinkTracker() *HardlinkTracker {
	return &HardlinkTracker{first: make(map[deviceInode]string)}
}

// Observe records that sourceInfo is a hard-link group member destined for
// destPath. It returns (existingPath, true) if an earlier member of the
// same group was already recorded, in which case the caller should create
// a hard link at destPath pointing at existingPath instead of copying
// file contents again.
func (t *HardlinkTracker) Observe(sourceInfo fs.FileInfo, destPath string) (existingPath string, isAdditionalLink bool) {
	stt, ok := sourceInfo.Sys().(*syscall.Stat_t)
	if !ok || stt.Nlink < 2 {
		return "", false
	}
	key := deviceInode{device: uint64(stt.Dev), inode: stt.Ino}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.first[key]; ok {
		return existing, true
	}
	t.first[key] = destPath
	return "", false
}

// Link creates newPath as a hard link to existingPath, replacing any file
// already at newPath.
func Link(existingPath, newPath string) error {
	if err := os.Remove(newPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localcopy: removing %s before hardlinking: %w", newPath, err)
	}
	if err := os.Link(existingPath, newPath); err != nil {
		return fmt.Errorf("localcopy: hardlinking %s to %s: %w", newPath, existingPath, err)
	}
	return nil
}
