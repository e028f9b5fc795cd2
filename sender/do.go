package sender

import (
	"fmt"

	"github.com/gokrazy/rsync-core/internal/rsyncstats"
	"github.com/gokrazy/rsync-core/internal/rsyncwire"
)

// Do runs one full send-side session: transmit the file list built from
// root/paths (already filtered by excl), answer the peer's basis-signature
// requests until it signals done, then exchange final statistics.
//
// rsync/main.c:do_server_sender / rsync/sender.c:send_files
func (st *Transfer) Do(crd *rsyncwire.CountingReader, cwr *rsyncwire.CountingWriter, root string, paths []string, excl *ExclusionList) (*rsyncstats.TransferStats, error) {
	entries, err := st.SendFileList(root, paths, excl)
	if err != nil {
		return nil, err
	}
	if st.Opts.Verbose {
		st.Logger.Printf("sent file list (%d entries)", len(entries))
	}

	var totalSize int64
	for _, e := range entries {
		totalSize += e.Size
	}

	if err := st.sendFiles(entries); err != nil {
		return nil, err
	}

	stats := &rsyncstats.TransferStats{
		Read:    crd.Bytes,
		Written: cwr.Bytes,
		Size:    totalSize,
	}
	if err := st.Conn.WriteInt64(stats.Read); err != nil {
		return nil, fmt.Errorf("sender: writing read stat: %w", err)
	}
	if err := st.Conn.WriteInt64(stats.Written); err != nil {
		return nil, fmt.Errorf("sender: writing written stat: %w", err)
	}
	if err := st.Conn.WriteInt64(stats.Size); err != nil {
		return nil, fmt.Errorf("sender: writing size stat: %w", err)
	}

	// read the receiver's final goodbye
	if _, err := st.Conn.ReadInt32(); err != nil {
		return nil, fmt.Errorf("sender: reading goodbye: %w", err)
	}

	return stats, nil
}
