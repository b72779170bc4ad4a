//go:build linux

package inotify

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// readBufSize fits many records: each is a 16 byte header plus up to
// NAME_MAX+1 (256) bytes of name.
const readBufSize = 4096 * (HeaderSize + 256)

// Watcher owns an inotify descriptor. AddWatch, RemoveWatch and Read are
// meant to be called from one goroutine; Close may be called from any.
type Watcher struct {
	fd int
	// pipeR/pipeW form a self-pipe: Close writes a byte to pipeW, which
	// unblocks the poll(2) in Read.
	pipeR int
	pipeW int

	buf []byte

	closing   atomic.Bool
	readMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// New initialises inotify with close-on-exec set.
func New() (*Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify: init: %w", err)
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("inotify: pipe2: %w", err)
	}

	return &Watcher{
		fd:    fd,
		pipeR: p[0],
		pipeW: p[1],
		buf:   make([]byte, readBufSize),
	}, nil
}

// AddWatch watches the directory at path and returns its watch descriptor.
// Watching an inode that is already watched returns the existing descriptor.
func (w *Watcher) AddWatch(path string) (int, error) {
	if w.closing.Load() {
		return -1, ErrClosed
	}
	wd, err := unix.InotifyAddWatch(w.fd, path, WatchMask)
	if err != nil {
		return -1, fmt.Errorf("inotify: add watch %q: %w", path, err)
	}
	return wd, nil
}

// RemoveWatch drops the watch wd. A watch the kernel already removed (the
// directory was deleted) is not an error.
func (w *Watcher) RemoveWatch(wd int) error {
	if w.closing.Load() {
		return ErrClosed
	}
	if _, err := unix.InotifyRmWatch(w.fd, uint32(wd)); err != nil {
		if errors.Is(err, unix.EINVAL) {
			return nil
		}
		return fmt.Errorf("inotify: remove watch %d: %w", wd, err)
	}
	return nil
}

// Read blocks until at least one event is available and returns the decoded
// batch in delivery order. It returns ErrClosed after Close.
func (w *Watcher) Read() ([]Event, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	fds := []unix.PollFd{
		{Fd: int32(w.fd), Events: unix.POLLIN},
		{Fd: int32(w.pipeR), Events: unix.POLLIN},
	}

	for {
		if w.closing.Load() {
			return nil, ErrClosed
		}

		// Timeout of -1 blocks indefinitely.
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("inotify: poll: %w", err)
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			return nil, ErrClosed
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err := unix.Read(w.fd, w.buf)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return nil, fmt.Errorf("inotify: read: %w", err)
		}
		return Decode(w.buf[:n])
	}
}

// Close wakes a blocked Read, waits for it to return and releases all
// descriptors. It is safe to call more than once.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.closing.Store(true)
		unix.Write(w.pipeW, []byte{0}) //nolint:errcheck

		w.readMu.Lock()
		defer w.readMu.Unlock()

		w.closeErr = errors.Join(
			unix.Close(w.fd),
			unix.Close(w.pipeR),
			unix.Close(w.pipeW),
		)
	})
	return w.closeErr
}
