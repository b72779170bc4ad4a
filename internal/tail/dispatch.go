package tail

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/tailall/tailall/internal/inotify"
	"github.com/tailall/tailall/internal/metrics"
)

// dispatch applies one event. Only fatal errors are returned.
func (s *Session) dispatch(ev inotify.Event) error {
	metrics.EventsTotal.WithLabelValues(opLabel(ev.Op)).Inc()

	if ev.Op.Has(inotify.OpOverflow) {
		metrics.EventsOverflowTotal.Inc()
		s.logger.Warn("inotify queue overflow, events were lost")
		return nil
	}

	folder, ok := s.folders.Lookup(strconv.Itoa(ev.Wd))
	if !ok {
		if _, retired := s.retired[ev.Wd]; retired {
			if ev.Op.Has(inotify.OpIgnored) {
				delete(s.retired, ev.Wd)
			}
			s.logger.Debug("dropping event for retired watch", slog.Any("event", ev))
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownWatch, ev)
	}

	switch {
	case ev.Op.Has(inotify.OpIgnored):
		// The kernel has already dropped the watch.
		return s.teardown(folder, true)
	case ev.Op.Has(inotify.OpDeleteSelf), ev.Op.Has(inotify.OpMoveSelf), ev.Op.Has(inotify.OpUnmount):
		s.logger.Info("folder gone", slog.String("path", folder.Path), slog.String("op", ev.Op.String()))
		return s.teardown(folder, false)
	}

	if ev.Name == "" || hidden(ev.Name) {
		return nil
	}

	switch {
	case ev.Op.Has(inotify.OpCreate):
		if ev.IsDir {
			return s.scan(folder.Path+ev.Name, folder.Depth+1)
		}
		s.created(folder, ev.Name)

	case ev.Op.Has(inotify.OpDelete):
		if ev.IsDir {
			wd, ok := s.byPath[folder.Path+ev.Name+"/"]
			if !ok {
				return nil
			}
			sub, ok := s.folders.Lookup(strconv.Itoa(wd))
			if !ok {
				return nil
			}
			return s.teardown(sub, false)
		}
		if file := folder.remove(ev.Name); file != nil {
			if err := s.untrack(file); err != nil {
				s.logger.Warn("close file", slog.String("path", folder.Path+ev.Name), slog.Any("error", err))
			}
			s.logger.Debug("file deleted", slog.String("path", folder.Path+ev.Name))
		}

	case ev.Op.Has(inotify.OpModify), ev.Op.Has(inotify.OpCloseWrite):
		if ev.IsDir {
			return nil
		}
		s.modified(folder, ev.Name)

	case ev.Op.Has(inotify.OpMovedFrom), ev.Op.Has(inotify.OpMovedTo):
		// Renames are not correlated by cookie. A moved directory shows up
		// as move-self on its own watch; a moved-in one is not followed.
		s.logger.Debug("ignoring move", slog.Any("event", ev))
	}
	return nil
}

// created handles a create event for a non-directory entry. New files are
// tailed from byte 0, including a file that took over a tracked name.
func (s *Session) created(folder *Folder, name string) {
	if file := folder.find(name); file != nil && !s.replaced(folder, file) {
		s.tailSoft(file)
		return
	}
	if file := s.trackRegular(folder, name, false); file != nil {
		s.tailSoft(file)
	}
}

// modified handles modify and close-write. A file seen for the first time
// here is registered at end-of-file and emits nothing until the next write.
// A file renamed over a tracked name is new content and is read from byte 0.
func (s *Session) modified(folder *Folder, name string) {
	file := folder.find(name)
	if file == nil {
		s.trackRegular(folder, name, true)
		return
	}
	if !s.replaced(folder, file) {
		s.tailSoft(file)
		return
	}
	if file := s.trackRegular(folder, name, false); file != nil {
		s.tailSoft(file)
	}
}

// replaced reports whether name now refers to a different file than the
// one file has open, as after rotation. A replaced record gets a final read
// of its old descriptor and is then dropped. A name that no longer exists
// is not a replacement; its delete event will follow.
func (s *Session) replaced(folder *Folder, file *File) bool {
	p := folder.Path + file.Name
	cur, err := os.Lstat(p)
	if err != nil {
		return false
	}
	if file.f != nil {
		if old, err := file.f.Stat(); err == nil && os.SameFile(old, cur) {
			return false
		}
		s.tailSoft(file)
	}

	folder.remove(file.Name)
	if err := s.untrack(file); err != nil {
		s.logger.Warn("close file", slog.String("path", p), slog.Any("error", err))
	}
	s.logger.Info("file replaced, following new file", slog.String("path", p))
	return true
}

// trackRegular classifies folder.Path+name and tracks it if it is a regular
// file. Failures are logged and yield nil.
func (s *Session) trackRegular(folder *Folder, name string, atEnd bool) *File {
	p := folder.Path + name
	if err := s.checkLen(p); err != nil {
		s.skip(p, "path_too_long", err)
		return nil
	}
	kind, err := classify(p)
	if err != nil {
		// Usually removed again before the event was handled.
		s.logger.Debug("entry vanished", slog.String("path", p), slog.Any("error", err))
		return nil
	}
	if kind != KindRegular {
		s.skip(p, kind.String(), nil)
		return nil
	}
	file, err := s.track(folder, name, atEnd)
	if err != nil {
		s.skip(p, "open", err)
		return nil
	}
	return file
}

func (s *Session) tailSoft(file *File) {
	if _, err := s.tail(file); err != nil {
		s.logger.Warn("tail failed", slog.String("file", file.Name), slog.Any("error", err))
	}
}

// teardown destroys folder and every registered folder beneath it. When
// ignored is true the kernel has already removed folder's own watch.
func (s *Session) teardown(folder *Folder, ignored bool) error {
	var subs []*Folder
	for p, wd := range s.byPath {
		if p == folder.Path || !strings.HasPrefix(p, folder.Path) {
			continue
		}
		if sub, ok := s.folders.Lookup(strconv.Itoa(wd)); ok {
			subs = append(subs, sub)
		}
	}

	var errs []error
	for _, sub := range subs {
		errs = append(errs, s.release(sub, false))
	}
	errs = append(errs, s.release(folder, ignored))
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("closing files of removed folder", slog.String("path", folder.Path), slog.Any("error", err))
	}

	s.logger.Debug("folder torn down", slog.String("path", folder.Path), slog.Int("subfolders", len(subs)))
	if folder.Path == s.root {
		return ErrRootRemoved
	}
	return nil
}

// release closes every file of one folder, unregisters it and removes its
// watch. Unless ignored, the watch id is retired until the kernel confirms
// removal with IN_IGNORED.
func (s *Session) release(folder *Folder, ignored bool) error {
	var errs []error
	for _, file := range folder.drain() {
		errs = append(errs, s.untrack(file))
	}

	s.folders.Remove(strconv.Itoa(folder.WatchID))
	if s.byPath[folder.Path] == folder.WatchID {
		delete(s.byPath, folder.Path)
	}
	metrics.FoldersWatched.Dec()

	if ignored {
		delete(s.retired, folder.WatchID)
		return errors.Join(errs...)
	}
	s.retired[folder.WatchID] = struct{}{}
	if err := s.notifier.RemoveWatch(folder.WatchID); err != nil {
		s.logger.Debug("remove watch", slog.String("path", folder.Path), slog.Any("error", err))
	}
	return errors.Join(errs...)
}

func opLabel(op inotify.Op) string {
	switch {
	case op.Has(inotify.OpOverflow):
		return "overflow"
	case op.Has(inotify.OpIgnored):
		return "ignored"
	case op.Has(inotify.OpCreate):
		return "create"
	case op.Has(inotify.OpDelete):
		return "delete"
	case op.Has(inotify.OpDeleteSelf):
		return "delete_self"
	case op.Has(inotify.OpMoveSelf):
		return "move_self"
	case op.Has(inotify.OpModify):
		return "modify"
	case op.Has(inotify.OpCloseWrite):
		return "close_write"
	case op.Has(inotify.OpMovedFrom):
		return "moved_from"
	case op.Has(inotify.OpMovedTo):
		return "moved_to"
	case op.Has(inotify.OpUnmount):
		return "unmount"
	default:
		return "other"
	}
}
