package receiver

import (
	"testing"

	"github.com/gokrazy/rsync-core/internal/flist"
)

func TestIsTopDir(t *testing.T) {
	if !isTopDir(&File{Entry: &flist.Entry{Name: "."}}) {
		t.Error("expected \".\" to be the top directory")
	}
	if isTopDir(&File{Entry: &flist.Entry{Name: "sub"}}) {
		t.Error("expected \"sub\" not to be the top directory")
	}
}

func TestFindInFileList(t *testing.T) {
	list := []*File{
		{Entry: &flist.Entry{Name: "a"}},
		{Entry: &flist.Entry{Name: "b/c"}},
	}
	if !findInFileList(list, "a") {
		t.Error("expected to find \"a\"")
	}
	if !findInFileList(list, "b/c") {
		t.Error("expected to find \"b/c\"")
	}
	if findInFileList(list, "missing") {
		t.Error("did not expect to find \"missing\"")
	}
}
