//go:build linux || darwin

package receiver

import "github.com/google/renameio/v2"

// symlink creates newname -> oldname atomically (§4.7 step 6's staged-write
// discipline applies to symlinks too: no half-created link is ever visible).
func symlink(oldname, newname string) error {
	return renameio.Symlink(oldname, newname)
}
