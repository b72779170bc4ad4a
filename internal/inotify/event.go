// Package inotify decodes Linux inotify event records and, on Linux, provides
// a Watcher that owns the inotify descriptor. Decoding is kept free of
// syscalls so it can be exercised on every platform.
package inotify

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Op is a bitmask of inotify event flags. Values mirror <sys/inotify.h>
// (kernel ABI, never change).
type Op uint32

const (
	OpModify     Op = 0x2    // IN_MODIFY: file was written
	OpCloseWrite Op = 0x8    // IN_CLOSE_WRITE: writable file was closed
	OpMovedFrom  Op = 0x40   // IN_MOVED_FROM: entry moved out of watched dir
	OpMovedTo    Op = 0x80   // IN_MOVED_TO: entry moved into watched dir
	OpCreate     Op = 0x100  // IN_CREATE: entry created in watched dir
	OpDelete     Op = 0x200  // IN_DELETE: entry deleted from watched dir
	OpDeleteSelf Op = 0x400  // IN_DELETE_SELF: watched dir itself deleted
	OpMoveSelf   Op = 0x800  // IN_MOVE_SELF: watched dir itself moved
	OpUnmount    Op = 0x2000 // IN_UNMOUNT: backing filesystem unmounted
	OpOverflow   Op = 0x4000 // IN_Q_OVERFLOW: kernel queue overflowed
	OpIgnored    Op = 0x8000 // IN_IGNORED: watch was removed
)

const (
	flagOnlyDir    uint32 = 0x01000000 // IN_ONLYDIR
	flagDontFollow uint32 = 0x02000000 // IN_DONT_FOLLOW
	flagIsDir      uint32 = 0x40000000 // IN_ISDIR
)

// WatchMask is the event mask requested for every watched directory.
const WatchMask = uint32(OpModify|OpCloseWrite|OpMovedFrom|OpMovedTo|
	OpCreate|OpDelete|OpDeleteSelf|OpMoveSelf) | flagOnlyDir | flagDontFollow

// HeaderSize is the fixed size of struct inotify_event without its name.
const HeaderSize = 16

var (
	// ErrShortRead is returned by Decode when a record is cut off.
	ErrShortRead = errors.New("inotify: short event record")

	// ErrClosed is returned by Watcher.Read once Close has been called.
	ErrClosed = errors.New("inotify: watcher closed")
)

var opNames = []struct {
	op   Op
	name string
}{
	{OpCreate, "CREATE"},
	{OpDelete, "DELETE"},
	{OpModify, "MODIFY"},
	{OpCloseWrite, "CLOSE_WRITE"},
	{OpMovedFrom, "MOVED_FROM"},
	{OpMovedTo, "MOVED_TO"},
	{OpDeleteSelf, "DELETE_SELF"},
	{OpMoveSelf, "MOVE_SELF"},
	{OpUnmount, "UNMOUNT"},
	{OpOverflow, "Q_OVERFLOW"},
	{OpIgnored, "IGNORED"},
}

// Has reports whether every bit of x is set in op.
func (op Op) Has(x Op) bool { return op&x == x }

// String lists the set bits by name, joined with "|".
func (op Op) String() string {
	var parts []string
	for _, n := range opNames {
		if op.Has(n.op) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("0x%x", uint32(op))
	}
	return strings.Join(parts, "|")
}

// Event is one decoded inotify record.
type Event struct {
	// Wd is the watch descriptor the event was raised on; -1 for overflow.
	Wd int
	// Op holds the event flags with IN_ISDIR stripped.
	Op Op
	// Cookie pairs MOVED_FROM with MOVED_TO. It is decoded but not used.
	Cookie uint32
	// Name is the entry name relative to the watched directory. Empty for
	// events about the watched directory itself.
	Name string
	// IsDir is set when the subject of the event is a directory.
	IsDir bool
}

// String formats the event for debug logs.
func (e Event) String() string {
	kind := "file"
	if e.IsDir {
		kind = "dir"
	}
	return fmt.Sprintf("wd=%d op=%s %s=%q", e.Wd, e.Op, kind, e.Name)
}

// Decode parses a buffer filled by read(2) on an inotify descriptor. Records
// decoded before a truncated one are returned together with ErrShortRead.
//
// The layout of each record is:
//
//	struct inotify_event {
//	    int32_t  wd;
//	    uint32_t mask;
//	    uint32_t cookie;
//	    uint32_t len;     // length of name incl. NUL padding
//	    char     name[];
//	}
func Decode(buf []byte) ([]Event, error) {
	var events []Event
	for off := 0; off < len(buf); {
		if len(buf)-off < HeaderSize {
			return events, fmt.Errorf("%w: %d header bytes", ErrShortRead, len(buf)-off)
		}

		wd := int32(binary.NativeEndian.Uint32(buf[off:]))
		mask := binary.NativeEndian.Uint32(buf[off+4:])
		cookie := binary.NativeEndian.Uint32(buf[off+8:])
		rawLen := binary.NativeEndian.Uint32(buf[off+12:])
		off += HeaderSize

		// Compared unconverted so a garbage length cannot wrap negative on
		// 32-bit platforms.
		if uint64(rawLen) > uint64(len(buf)-off) {
			return events, fmt.Errorf("%w: name wants %d bytes, %d left", ErrShortRead, rawLen, len(buf)-off)
		}
		nameLen := int(rawLen)
		name := strings.TrimRight(string(buf[off:off+nameLen]), "\x00")
		off += nameLen

		events = append(events, Event{
			Wd:     int(wd),
			Op:     Op(mask &^ flagIsDir),
			Cookie: cookie,
			Name:   name,
			IsDir:  mask&flagIsDir != 0,
		})
	}
	return events, nil
}
