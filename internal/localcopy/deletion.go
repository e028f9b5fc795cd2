package localcopy

import (
	"os"
	"sort"
	"strings"

	"github.com/gokrazy/rsync-core/internal/dryrun"
	"github.com/gokrazy/rsync-core/internal/filter"
	"github.com/gokrazy/rsync-core/internal/rsyncerr"
)

// DeletionTiming selects when extraneous destination files are removed
// relative to the main transfer (§4.7's three-mode deletion schedule).
type DeletionTiming int

const (
	DeleteOff DeletionTiming = iota
	DeleteBefore
	DeleteDuring
	DeleteAfter
	DeleteDelay
)

// DeletionPlan accumulates destination paths slated for removal because
// they have no corresponding source entry, enforcing the configured
// maximum-delete limit (§6 KindDeleteLimitExceeded, exit code 25).
type DeletionPlan struct {
	Timing   DeletionTiming
	MaxDelete int // 0 means unlimited

	pending []plannedDeletion
	// Skipped counts candidates that would have been scheduled if
	// MaxDelete hadn't already been reached (§4.7, §8's "skipped" count).
	Skipped int
}

type plannedDeletion struct {
	path  string
	isDir bool
}

// Consider registers path for deletion if fs allows it (AllowsDeletion)
// and, when fs also protects it, does not schedule the delete. Once
// MaxDelete is reached, further candidates are tallied into Skipped
// instead of aborting the scan, so a caller can keep walking the
// destination tree and report the full count of entries left undeleted;
// call LimitErr once scanning is done to get the resulting error, if any.
func (p *DeletionPlan) Consider(fs *filter.FilterSet, path string, isDir bool) error {
	if p.Timing == DeleteOff {
		return nil
	}
	if fs != nil && !fs.AllowsDeletion(path, isDir) {
		return nil
	}
	if p.MaxDelete > 0 && len(p.pending) >= p.MaxDelete {
		p.Skipped++
		return nil
	}
	p.pending = append(p.pending, plannedDeletion{path: path, isDir: isDir})
	return nil
}

// LimitErr returns a KindDeleteLimitExceeded error carrying the number of
// candidates skipped once MaxDelete was reached, or nil if the limit was
// never hit.
func (p *DeletionPlan) LimitErr() error {
	if p.Skipped == 0 {
		return nil
	}
	return &rsyncerr.Error{
		Kind:    rsyncerr.KindDeleteLimitExceeded,
		Class:   rsyncerr.Fatal,
		Skipped: p.Skipped,
	}
}

// Pending returns the paths currently scheduled for deletion, deepest
// first so that directory contents are removed before their parent.
func (p *DeletionPlan) Pending() []string {
	sorted := p.pendingSorted()
	out := make([]string, len(sorted))
	for i, d := range sorted {
		out[i] = d.path
	}
	return out
}

func depth(path string) int {
	return strings.Count(strings.Trim(path, "/"), "/")
}

// Apply removes every pending path (deepest-first) from the filesystem,
// recording each removal into rec when non-nil (dry-run mode: the caller
// passes a Recorder and skips the actual removal).
func (p *DeletionPlan) Apply(rec *dryrun.Recorder, dryRun bool) error {
	for _, d := range p.pendingSorted() {
		if rec != nil {
			if d.isDir {
				rec.Record(dryrun.DeleteDir{Path: d.path})
			} else {
				rec.Record(dryrun.DeleteFile{Path: d.path})
			}
		}
		if dryRun {
			continue
		}
		if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (p *DeletionPlan) pendingSorted() []plannedDeletion {
	sorted := make([]plannedDeletion, len(p.pending))
	copy(sorted, p.pending)
	sort.Slice(sorted, func(i, j int) bool {
		return depth(sorted[i].path) > depth(sorted[j].path)
	})
	return sorted
}

// Count returns how many deletions are currently scheduled.
func (p *DeletionPlan) Count() int { return len(p.pending) }
