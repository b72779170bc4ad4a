package tail

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/tailall/tailall/internal/metrics"
	"github.com/tailall/tailall/internal/sink"
)

var (
	errFileClosed = errors.New("file closed")
	errFolderGone = errors.New("owning folder not registered")
)

// tail emits every byte appended to file since the last call and returns
// how many were emitted. The owning folder is resolved through the file's
// watch id. A banner precedes the first chunk when the last emitted file
// was a different one.
func (s *Session) tail(file *File) (int64, error) {
	if file.f == nil {
		return 0, fmt.Errorf("%s: %w", file.Name, errFileClosed)
	}
	folder, ok := s.folders.Lookup(strconv.Itoa(file.folder))
	if !ok {
		return 0, fmt.Errorf("%s (watch %d): %w", file.Name, file.folder, errFolderGone)
	}
	path := folder.Path + file.Name

	s.tails++
	metrics.TailTotal.Inc()
	if s.opts.CompactEvery > 0 && s.tails%uint64(s.opts.CompactEvery) == 0 {
		debug.FreeOSMemory()
	}

	if fi, err := file.f.Stat(); err == nil && fi.Size() < file.pos {
		if _, err := file.f.Seek(0, io.SeekStart); err != nil {
			return 0, fmt.Errorf("rewind truncated %s: %w", path, err)
		}
		s.logger.Info("file truncated, reading from start",
			slog.String("path", path),
			slog.String("was", humanize.IBytes(uint64(file.pos))),
			slog.String("now", humanize.IBytes(uint64(fi.Size()))),
		)
		file.pos = 0
	}

	var total int64
	for {
		n, err := file.f.Read(s.buf)
		if n > 0 {
			if s.lastPath != path {
				if berr := s.out.Banner(path); berr != nil {
					return total, fmt.Errorf("banner %s: %w", path, berr)
				}
				s.lastPath = path
			}
			chunk := sink.Chunk{Path: path, Offset: file.pos, Data: s.buf[:n], Time: s.now(), Session: s.id}
			file.pos += int64(n)
			total += int64(n)
			if werr := s.out.Write(chunk); werr != nil {
				s.account(total)
				return total, fmt.Errorf("write %s: %w", path, werr)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.account(total)
			return total, fmt.Errorf("read %s: %w", path, err)
		}
		if n < len(s.buf) {
			break
		}
	}

	s.account(total)
	if total > 0 {
		s.logger.Debug("tailed", slog.String("path", path), slog.String("bytes", humanize.IBytes(uint64(total))))
	}
	return total, nil
}

func (s *Session) account(n int64) {
	s.emitted += n
	metrics.TailBytesTotal.Add(float64(n))
}
