package tail

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/tailall/tailall/internal/metrics"
)

// errTooDeep marks a directory below Options.MaxDepth.
var errTooDeep = errors.New("maximum depth exceeded")

// scan registers dir and everything beneath it. Only invariant violations
// are returned; every other failure abandons the affected subtree and is
// logged.
func (s *Session) scan(dir string, depth int) error {
	path := withSlash(dir)
	if err := s.checkLen(path); err != nil {
		s.skip(dir, "path_too_long", err)
		return nil
	}
	if depth > s.opts.MaxDepth {
		s.skip(dir, "too_deep", errTooDeep)
		return nil
	}

	kind, err := classify(dir)
	if err != nil {
		s.skip(dir, "stat", err)
		return nil
	}
	if kind != KindDirectory {
		s.skip(dir, kind.String(), nil)
		return nil
	}

	folder, err := s.watch(path, depth)
	switch {
	case errors.Is(err, ErrWatchConflict):
		return err
	case err != nil:
		s.skip(dir, "watch", err)
		return nil
	case folder == nil:
		return nil
	}
	return s.scanEntries(folder)
}

// watch establishes the inotify watch for path and registers its Folder.
// A nil Folder with a nil error means path is already registered under the
// returned watch id.
func (s *Session) watch(path string, depth int) (*Folder, error) {
	wd, err := s.notifier.AddWatch(dirName(path))
	if err != nil {
		return nil, fmt.Errorf("add watch: %w", err)
	}
	key := strconv.Itoa(wd)

	if existing, ok := s.folders.Lookup(key); ok {
		if existing.Path == path {
			s.logger.Debug("already watched", slog.String("path", path), slog.Int("wd", wd))
			return nil, nil
		}
		return nil, fmt.Errorf("%w: wd %d is %s, wanted for %s", ErrWatchConflict, wd, existing.Path, path)
	}

	// A stale folder left at this path by a replaced directory whose removal
	// events have not been processed yet.
	if old, ok := s.byPath[path]; ok && old != wd {
		if stale, ok := s.folders.Lookup(strconv.Itoa(old)); ok {
			s.logger.Debug("replacing stale folder", slog.String("path", path), slog.Int("old_wd", old), slog.Int("wd", wd))
			if err := s.teardown(stale, false); err != nil {
				return nil, err
			}
		}
	}

	folder := &Folder{Path: strings.Clone(path), WatchID: wd, Depth: depth}
	if !s.folders.Insert(key, folder) {
		return nil, fmt.Errorf("%w: wd %d", ErrWatchConflict, wd)
	}
	s.byPath[folder.Path] = wd
	delete(s.retired, wd)
	metrics.FoldersWatched.Inc()

	s.logger.Debug("watching folder", slog.String("path", path), slog.Int("wd", wd), slog.Int("depth", depth))
	return folder, nil
}

// scanEntries tracks the regular files of folder and recurses into its
// subdirectories. Hidden entries are never visited.
func (s *Session) scanEntries(folder *Folder) error {
	entries, err := os.ReadDir(folder.Path)
	if err != nil {
		s.skip(folder.Path, "readdir", err)
		return nil
	}

	for _, e := range entries {
		name := e.Name()
		if hidden(name) {
			continue
		}
		p := folder.Path + name
		if err := s.checkLen(p); err != nil {
			s.skip(p, "path_too_long", err)
			continue
		}

		kind, err := classify(p)
		if err != nil {
			s.skip(p, "stat", err)
			continue
		}
		switch kind {
		case KindRegular:
			if _, err := s.track(folder, name, true); err != nil {
				s.skip(p, "open", err)
			}
		case KindDirectory:
			if err := s.scan(p, folder.Depth+1); err != nil {
				return err
			}
		default:
			s.skip(p, kind.String(), nil)
		}
	}
	return nil
}

// track opens name inside folder and appends it to the folder's list. With
// atEnd the descriptor is positioned at end-of-file so existing content is
// never replayed; otherwise reading starts at byte 0.
func (s *Session) track(folder *Folder, name string, atEnd bool) (*File, error) {
	p := folder.Path + name
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}

	// The entry may have been swapped between classification and open.
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%s is a %s", p, kindOf(fi.Mode()))
	}

	var pos int64
	if atEnd {
		if pos, err = f.Seek(0, io.SeekEnd); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	file := &File{Name: strings.Clone(name), f: f, pos: pos}
	folder.append(file)
	s.files++
	metrics.FilesTracked.Inc()

	s.logger.Debug("tracking file", slog.String("path", p), slog.Int64("offset", pos))
	return file, nil
}

// untrack closes and forgets one file.
func (s *Session) untrack(file *File) error {
	s.files--
	metrics.FilesTracked.Dec()
	return file.close()
}
