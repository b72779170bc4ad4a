package tail

import (
	"io/fs"
	"os"
)

// Kind is the type of a directory entry as far as the walker cares.
type Kind int

// Entry kinds. Only KindRegular is tailed and only KindDirectory is walked.
const (
	KindUnknown     Kind = iota // stat succeeded, type not recognised
	KindRegular                 // regular file
	KindDirectory               // directory
	KindSymlink                 // symbolic link, never followed
	KindFIFO                    // named pipe
	KindBlockDevice             // block device
	KindCharDevice              // character device
	KindSocket                  // unix socket
)

// String returns the label used in logs and the scan_skipped_total metric.
func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	case KindFIFO:
		return "fifo"
	case KindBlockDevice:
		return "block_device"
	case KindCharDevice:
		return "char_device"
	case KindSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// classify reports the kind of path without following symlinks. A stat
// that succeeds on an unrecognised type yields KindUnknown.
func classify(path string) (Kind, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return KindUnknown, err
	}
	return kindOf(fi.Mode()), nil
}

func kindOf(m fs.FileMode) Kind {
	switch {
	case m.IsRegular():
		return KindRegular
	case m.IsDir():
		return KindDirectory
	case m&fs.ModeSymlink != 0:
		return KindSymlink
	case m&fs.ModeNamedPipe != 0:
		return KindFIFO
	case m&fs.ModeSocket != 0:
		return KindSocket
	case m&fs.ModeCharDevice != 0:
		return KindCharDevice
	case m&fs.ModeDevice != 0:
		return KindBlockDevice
	default:
		return KindUnknown
	}
}
