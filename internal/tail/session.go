// Package tail implements the recursive tail: the folder and file records,
// the directory walker, the inotify event dispatcher and the tailer that
// streams appended bytes to a sink.
package tail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/tailall/tailall/internal/inotify"
	"github.com/tailall/tailall/internal/metrics"
	"github.com/tailall/tailall/internal/registry"
	"github.com/tailall/tailall/internal/sink"
)

// Defaults applied by New to zero Options fields.
const (
	// DefaultBufferSize is the read buffer used by the tailer.
	DefaultBufferSize = 4096
	// DefaultMaxDepth bounds how far below the root directories are watched.
	DefaultMaxDepth = 128
	// DefaultMaxPathLen is the longest path the walker will join.
	DefaultMaxPathLen = 4096
)

var (
	// ErrNotDirectory is returned when a scan target is not a directory.
	ErrNotDirectory = errors.New("not a directory")

	// ErrWatchConflict means the kernel handed out a watch id that is already
	// registered for a different path.
	ErrWatchConflict = errors.New("watch id already registered to another folder")

	// ErrUnknownWatch means an event arrived for a watch id that is neither
	// live nor retired.
	ErrUnknownWatch = errors.New("event for unknown watch")

	// ErrRootRemoved is returned once the root directory itself is deleted,
	// moved or unmounted.
	ErrRootRemoved = errors.New("root directory removed")

	// ErrPathTooLong is returned for paths longer than Options.MaxPathLen.
	ErrPathTooLong = errors.New("path too long")
)

// Notifier is the change-notification source. inotify.Watcher implements it.
type Notifier interface {
	AddWatch(path string) (int, error)
	RemoveWatch(wd int) error
	Read() ([]inotify.Event, error)
}

// Options configures a Session. Zero values select the defaults.
type Options struct {
	Root          string
	BufferSize    int
	RegistryPower int
	MaxDepth      int
	MaxPathLen    int
	// CompactEvery triggers debug.FreeOSMemory after that many tails.
	// Zero disables it.
	CompactEvery int
	// SessionID tags every emitted chunk. A random UUID when empty.
	SessionID string
	Logger    *slog.Logger
}

// Session owns every folder and file record for one watched tree.
type Session struct {
	// mu is held for the duration of each event batch so Stats and Folders
	// observe a consistent state from other goroutines.
	mu sync.Mutex

	opts     Options
	id       string
	root     string
	notifier Notifier
	out      sink.Sink
	logger   *slog.Logger
	now      func() time.Time

	folders *registry.Table[*Folder]
	byPath  map[string]int
	retired map[int]struct{}

	buf      []byte
	lastPath string
	tails    uint64
	emitted  int64
	files    int
}

// New returns a Session reading events from n and writing output to out.
// Call Open before Run.
func New(n Notifier, out sink.Sink, opts Options) *Session {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxPathLen <= 0 {
		opts.MaxPathLen = DefaultMaxPathLen
	}
	if opts.Root == "" {
		opts.Root = "."
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Session{
		opts:     opts,
		id:       opts.SessionID,
		notifier: n,
		out:      out,
		logger:   logger,
		now:      time.Now,
		folders:  registry.New[*Folder](opts.RegistryPower),
		byPath:   make(map[string]int),
		retired:  make(map[int]struct{}),
		buf:      make([]byte, opts.BufferSize),
	}
}

// Open resolves the root, watches it and scans the whole tree. Every error
// it returns is fatal.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	abs, err := filepath.Abs(s.opts.Root)
	if err != nil {
		return fmt.Errorf("resolve root %q: %w", s.opts.Root, err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return fmt.Errorf("resolve root %q: %w", s.opts.Root, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat root: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("root %s: %w", abs, ErrNotDirectory)
	}
	s.root = withSlash(abs)

	folder, err := s.watch(s.root, 0)
	if err != nil {
		return fmt.Errorf("watch root %s: %w", s.root, err)
	}
	if err := s.scanEntries(folder); err != nil {
		return err
	}

	s.logger.Info("watching tree",
		slog.String("root", s.root),
		slog.String("session_id", s.id),
		slog.Int("folders", s.folders.Len()),
		slog.Int("files", s.files),
	)
	return nil
}

// Run reads event batches until the notifier is closed, ctx is cancelled
// or a fatal error occurs. When the notifier also implements io.Closer, a
// cancelled ctx closes it to unblock the pending read.
func (s *Session) Run(ctx context.Context) error {
	if c, ok := s.notifier.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		events, err := s.notifier.Read()
		switch {
		case errors.Is(err, inotify.ErrClosed):
			return nil
		case errors.Is(err, inotify.ErrShortRead):
			s.logger.Warn("truncated event batch", slog.Int("decoded", len(events)), slog.Any("error", err))
		case err != nil:
			return fmt.Errorf("read events: %w", err)
		}
		if err := s.Dispatch(events); err != nil {
			return err
		}
	}
}

// Dispatch applies a batch of events in order. It stops at the first fatal
// error; soft failures are logged.
func (s *Session) Dispatch(events []inotify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		if err := s.dispatch(ev); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every folder, file descriptor and watch. The sink is left
// open; it belongs to the caller.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*Folder
	s.folders.Range(func(_ string, f *Folder) bool {
		all = append(all, f)
		return true
	})
	var errs []error
	for _, f := range all {
		errs = append(errs, s.release(f, false))
	}
	return errors.Join(errs...)
}

// Stats is a point-in-time summary of the session.
type Stats struct {
	SessionID      string `json:"session_id"`
	Root           string `json:"root"`
	Folders        int    `json:"folders"`
	Files          int    `json:"files"`
	RetiredWatches int    `json:"retired_watches"`
	Tails          uint64 `json:"tails"`
	BytesEmitted   int64  `json:"bytes_emitted"`
	BytesHuman     string `json:"bytes_emitted_human"`
	LastFile       string `json:"last_file,omitempty"`
}

// FolderInfo describes one watched directory.
type FolderInfo struct {
	Path    string     `json:"path"`
	WatchID int        `json:"watch_id"`
	Depth   int        `json:"depth"`
	Files   []FileInfo `json:"files"`
}

// FileInfo describes one tracked file.
type FileInfo struct {
	Name   string `json:"name"`
	Offset int64  `json:"offset"`
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		SessionID:      s.id,
		Root:           s.root,
		Folders:        s.folders.Len(),
		Files:          s.files,
		RetiredWatches: len(s.retired),
		Tails:          s.tails,
		BytesEmitted:   s.emitted,
		BytesHuman:     humanize.IBytes(uint64(s.emitted)),
		LastFile:       s.lastPath,
	}
}

// Folders lists every watched directory sorted by path, files in list
// order.
func (s *Session) Folders() []FolderInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]FolderInfo, 0, s.folders.Len())
	s.folders.Range(func(_ string, f *Folder) bool {
		info := FolderInfo{Path: f.Path, WatchID: f.WatchID, Depth: f.Depth, Files: []FileInfo{}}
		f.each(func(file *File) {
			info.Files = append(info.Files, FileInfo{Name: file.Name, Offset: file.Offset()})
		})
		out = append(out, info)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Root returns the resolved root path with its trailing slash, or "" before
// Open.
func (s *Session) Root() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

func withSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// dirName strips the trailing slash a Folder path carries, except for "/".
func dirName(p string) string {
	if len(p) > 1 {
		return strings.TrimSuffix(p, "/")
	}
	return p
}

func hidden(name string) bool { return strings.HasPrefix(name, ".") }

func (s *Session) checkLen(p string) error {
	if len(p) > s.opts.MaxPathLen {
		return fmt.Errorf("%d bytes, max %d: %w", len(p), s.opts.MaxPathLen, ErrPathTooLong)
	}
	return nil
}

// skip logs a soft failure for one entry and counts it.
func (s *Session) skip(path, reason string, err error) {
	metrics.ScanSkippedTotal.WithLabelValues(reason).Inc()
	attrs := []any{slog.String("path", path), slog.String("reason", reason)}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	s.logger.Warn("skipping entry", attrs...)
}
