package receiver

import (
	"fmt"

	"github.com/gokrazy/rsync-core/internal/flist"
)

// ReceiveFileList reads entries off the wire until the end-of-list marker,
// threading each decoded entry as the "previous" entry for the next
// decode's same-as-previous flags.
//
// rsync/flist.c:recv_file_list
func (rt *Transfer) ReceiveFileList() ([]*File, error) {
	var fileList []*File
	var prev *flist.Entry
	for {
		e, ok, err := flist.Decode(rt.Conn, prev, rt.WireOpts)
		if err != nil {
			return nil, fmt.Errorf("receiver: decoding file list entry: %w", err)
		}
		if !ok {
			break
		}
		fileList = append(fileList, &File{Entry: e})
		prev = e
	}
	return fileList, nil
}
