package tail

import (
	"os"
)

// Folder is one watched directory and the files it owns.
type Folder struct {
	// Path is absolute and always ends in "/".
	Path string
	// WatchID is the inotify watch descriptor; its decimal form is the
	// registry key.
	WatchID int
	// Depth is the distance from the session root (root = 0).
	Depth int

	head, tail *File
	n          int
}

// File is one regular file being tailed inside a Folder.
type File struct {
	Name string

	// folder is the owning folder's watch id. It is only ever used to find
	// the folder through the registry, never to free it.
	folder int

	f   *os.File
	pos int64 // offset of the first unread byte

	prev, next *File
}

// Offset returns the position of the first byte not yet emitted.
func (f *File) Offset() int64 { return f.pos }

func (f *File) close() error {
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

// append links file at the tail of the list.
func (fo *Folder) append(file *File) {
	file.folder = fo.WatchID
	file.prev = fo.tail
	file.next = nil
	if fo.tail != nil {
		fo.tail.next = file
	} else {
		fo.head = file
	}
	fo.tail = file
	fo.n++
}

// find scans from the tail; recently added files are the likeliest to be
// written to.
func (fo *Folder) find(name string) *File {
	for f := fo.tail; f != nil; f = f.prev {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// remove unlinks the named file and hands it to the caller, who must close
// it. A missing name returns nil.
func (fo *Folder) remove(name string) *File {
	f := fo.find(name)
	if f == nil {
		return nil
	}
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		fo.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		fo.tail = f.prev
	}
	f.prev, f.next = nil, nil
	fo.n--
	return f
}

// Len returns the number of tracked files.
func (fo *Folder) Len() int { return fo.n }

// each calls fn for every file, head first. fn may not unlink files.
func (fo *Folder) each(fn func(*File)) {
	for f := fo.head; f != nil; f = f.next {
		fn(f)
	}
}

// drain unlinks every file and returns them head first.
func (fo *Folder) drain() []*File {
	out := make([]*File, 0, fo.n)
	for f := fo.head; f != nil; {
		next := f.next
		f.prev, f.next = nil, nil
		out = append(out, f)
		f = next
	}
	fo.head, fo.tail, fo.n = nil, nil, 0
	return out
}
