// Package sink provides the output side of tailall: where tailed bytes go.
//
// The Console sink is the primary output: a banner line when the emitting
// file changes, then file content written verbatim. Archive sinks (SQLite,
// PostgreSQL) additionally record every chunk with its origin and offset.
package sink

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Chunk is one non-empty read from a tailed file.
type Chunk struct {
	// Path is the full path of the file the bytes were read from.
	Path string
	// Offset is the file position of Data[0].
	Offset int64
	// Data is only valid for the duration of the Write call; sinks that keep
	// it must copy.
	Data []byte
	// Time is when the bytes were read.
	Time time.Time
	// Session identifies the tailall run that read the bytes.
	Session string
}

// Sink receives tailed output. Banner is called before the first chunk of a
// file whenever the previously emitted file was a different one.
type Sink interface {
	Banner(path string) error
	Write(c Chunk) error
	Close() error
}

// Console writes banners and raw file content to an io.Writer.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	banner *color.Color
}

// NewConsole returns a Console writing to w. When colored is true, banner
// lines are rendered in bold cyan.
func NewConsole(w io.Writer, colored bool) *Console {
	c := color.New(color.FgCyan, color.Bold)
	if colored {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return &Console{w: w, banner: c}
}

// Banner writes "\n# <path>\n".
func (c *Console) Banner(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := fmt.Fprintf(c.w, "\n%s\n", c.banner.Sprintf("# %s", path)); err != nil {
		return fmt.Errorf("console: write banner: %w", err)
	}
	return nil
}

// Write copies the chunk's bytes to the writer unchanged.
func (c *Console) Write(ch Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.w.Write(ch.Data); err != nil {
		return fmt.Errorf("console: write: %w", err)
	}
	return nil
}

// Close is a no-op; the Console does not own its writer.
func (c *Console) Close() error { return nil }

// Multi fans every call out to each sink in order. All sinks are called even
// when one fails; the errors are joined.
type Multi []Sink

// Banner forwards to every sink and joins their errors.
func (m Multi) Banner(path string) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Banner(path))
	}
	return errors.Join(errs...)
}

// Write forwards to every sink and joins their errors.
func (m Multi) Write(c Chunk) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Write(c))
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Memory buffers output in memory. It is used by tests and by callers that
// want to inspect what would have been written.
type Memory struct {
	mu      sync.Mutex
	out     []byte
	Banners []string
	Chunks  []Chunk
}

// Banner records path and writes the console banner form.
func (m *Memory) Banner(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Banners = append(m.Banners, path)
	m.out = append(m.out, "\n# "+path+"\n"...)
	return nil
}

// Write records a copy of c.
func (m *Memory) Write(c Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Data = append([]byte(nil), c.Data...)
	m.Chunks = append(m.Chunks, c)
	m.out = append(m.out, c.Data...)
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// String returns everything written so far, banners included, as the
// Console would have rendered it without colour.
func (m *Memory) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.out)
}

// Reset discards buffered output.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out = nil
	m.Banners = nil
	m.Chunks = nil
}
