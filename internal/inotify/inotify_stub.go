//go:build !linux

package inotify

import "fmt"

// Watcher is the platform stub for non-Linux operating systems.
type Watcher struct{}

// New always fails: inotify is only available on Linux.
func New() (*Watcher, error) {
	return nil, fmt.Errorf("inotify: not supported on this platform")
}

// AddWatch always fails on this platform.
func (w *Watcher) AddWatch(string) (int, error) {
	return -1, fmt.Errorf("inotify: not supported on this platform")
}

// RemoveWatch always fails on this platform.
func (w *Watcher) RemoveWatch(int) error {
	return fmt.Errorf("inotify: not supported on this platform")
}

// Read returns ErrClosed on this platform.
func (w *Watcher) Read() ([]Event, error) { return nil, ErrClosed }

// Close is a no-op on this platform.
func (w *Watcher) Close() error { return nil }
