package tail

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/tailall/tailall/internal/sink"
)

func names(fo *Folder) []string {
	var out []string
	fo.each(func(f *File) { out = append(out, f.Name) })
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// File list
// ---------------------------------------------------------------------------

func TestFolder_AppendFind(t *testing.T) {
	fo := &Folder{Path: "/r/", WatchID: 7}
	for _, n := range []string{"a", "b", "c"} {
		fo.append(&File{Name: n})
	}
	if fo.Len() != 3 {
		t.Fatalf("Len = %d, want 3", fo.Len())
	}
	if got := names(fo); !equal(got, []string{"a", "b", "c"}) {
		t.Errorf("order = %v", got)
	}
	f := fo.find("b")
	if f == nil || f.Name != "b" {
		t.Fatalf("find(b) = %v", f)
	}
	if f.folder != 7 {
		t.Errorf("back-reference = %d, want 7", f.folder)
	}
	if fo.find("missing") != nil {
		t.Error("find(missing) should be nil")
	}
}

func TestFolder_Remove(t *testing.T) {
	tests := []struct {
		name   string
		remove string
		want   []string
	}{
		{"head", "a", []string{"b", "c"}},
		{"middle", "b", []string{"a", "c"}},
		{"tail", "c", []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fo := &Folder{}
			for _, n := range []string{"a", "b", "c"} {
				fo.append(&File{Name: n})
			}
			f := fo.remove(tt.remove)
			if f == nil || f.Name != tt.remove {
				t.Fatalf("remove(%s) = %v", tt.remove, f)
			}
			if f.prev != nil || f.next != nil {
				t.Error("removed file still linked")
			}
			if got := names(fo); !equal(got, tt.want) {
				t.Errorf("remaining = %v, want %v", got, tt.want)
			}
			// Appending after a removal must keep the tail pointer right.
			fo.append(&File{Name: "d"})
			if got := names(fo); got[len(got)-1] != "d" || fo.Len() != 3 {
				t.Errorf("after append = %v (len %d)", got, fo.Len())
			}
		})
	}
}

func TestFolder_RemoveLastLeavesEmpty(t *testing.T) {
	fo := &Folder{}
	fo.append(&File{Name: "only"})
	if fo.remove("only") == nil {
		t.Fatal("remove(only) = nil")
	}
	if fo.head != nil || fo.tail != nil || fo.Len() != 0 {
		t.Errorf("folder not empty: head=%v tail=%v len=%d", fo.head, fo.tail, fo.Len())
	}
	if fo.remove("only") != nil {
		t.Error("second remove should be nil")
	}
}

func TestFolder_Drain(t *testing.T) {
	fo := &Folder{}
	for _, n := range []string{"a", "b"} {
		fo.append(&File{Name: n})
	}
	out := fo.drain()
	if len(out) != 2 || out[0].Name != "a" || out[1].Name != "b" {
		t.Errorf("drain = %v", out)
	}
	if fo.Len() != 0 || fo.head != nil || fo.tail != nil {
		t.Error("folder not empty after drain")
	}
}

func TestFile_CloseTwice(t *testing.T) {
	f := &File{Name: "x"}
	if err := f.close(); err != nil {
		t.Errorf("close without descriptor: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

func TestKindOf(t *testing.T) {
	tests := []struct {
		mode fs.FileMode
		want Kind
	}{
		{0o644, KindRegular},
		{fs.ModeDir | 0o755, KindDirectory},
		{fs.ModeSymlink | 0o777, KindSymlink},
		{fs.ModeNamedPipe, KindFIFO},
		{fs.ModeSocket, KindSocket},
		{fs.ModeDevice, KindBlockDevice},
		{fs.ModeDevice | fs.ModeCharDevice, KindCharDevice},
		{fs.ModeIrregular, KindUnknown},
	}
	for _, tt := range tests {
		if got := kindOf(tt.mode); got != tt.want {
			t.Errorf("kindOf(%v) = %v, want %v", tt.mode, got, tt.want)
		}
	}
}

func TestKind_String(t *testing.T) {
	if KindFIFO.String() != "fifo" || KindUnknown.String() != "unknown" || Kind(99).String() != "unknown" {
		t.Error("unexpected Kind names")
	}
}

// ---------------------------------------------------------------------------
// Back-reference
// ---------------------------------------------------------------------------

func TestTail_ResolvesFolderThroughWatchID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	if err := os.WriteFile(path, []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	out := &sink.Memory{}
	s := New(nil, out, Options{Root: dir})
	fo := &Folder{Path: dir + "/", WatchID: 5}
	s.folders.Insert("5", fo)
	file := &File{Name: "a.log", f: f}
	fo.append(file)
	t.Cleanup(func() { _ = file.close() })

	n, err := s.tail(file)
	if err != nil || n != 2 {
		t.Fatalf("tail = %d, %v; want 2, nil", n, err)
	}
	if len(out.Banners) != 1 || out.Banners[0] != path {
		t.Errorf("banners = %v, want [%s]", out.Banners, path)
	}
	if file.Offset() != 2 {
		t.Errorf("Offset = %d, want 2", file.Offset())
	}

	s.folders.Remove("5")
	if _, err := s.tail(file); !errors.Is(err, errFolderGone) {
		t.Errorf("tail after folder removal = %v, want errFolderGone", err)
	}
}
