package localcopy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDeletionPlanOrdersDeepestFirst(t *testing.T) {
	var p DeletionPlan
	p.Timing = DeleteAfter
	p.Consider(nil, "a", true)
	p.Consider(nil, "a/b", true)
	p.Consider(nil, "a/b/c", false)

	got := p.Pending()
	if len(got) != 3 {
		t.Fatalf("got %d pending deletions, want 3", len(got))
	}
	if got[0] != "a/b/c" {
		t.Errorf("first deletion = %q, want the deepest path a/b/c", got[0])
	}
	if got[len(got)-1] != "a" {
		t.Errorf("last deletion = %q, want the shallowest path a", got[len(got)-1])
	}
}

func TestDeletionPlanOffSkipsEverything(t *testing.T) {
	var p DeletionPlan
	p.Timing = DeleteOff
	if err := p.Consider(nil, "whatever", false); err != nil {
		t.Fatal(err)
	}
	if p.Count() != 0 {
		t.Errorf("Count() = %d, want 0 when deletion is off", p.Count())
	}
}

func TestDeletionPlanApplyRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "victim")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	var p DeletionPlan
	p.Timing = DeleteAfter
	if err := p.Consider(nil, path, false); err != nil {
		t.Fatal(err)
	}
	if err := p.Apply(nil, false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected victim file to be removed")
	}
}

func TestDeletionPlanDryRunLeavesFilesAlone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "survivor")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	var p DeletionPlan
	p.Timing = DeleteAfter
	p.Consider(nil, path, false)
	if err := p.Apply(nil, true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("dry run must not remove the file")
	}
}
