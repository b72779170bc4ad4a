//go:build linux

package tail_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tailall/tailall/internal/inotify"
	"github.com/tailall/tailall/internal/sink"
	"github.com/tailall/tailall/internal/tail"
)

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScan_SkipsFIFO(t *testing.T) {
	root := tempRoot(t)
	if err := unix.Mkfifo(filepath.Join(root, "pipe"), 0o644); err != nil {
		t.Skipf("mkfifo: %v", err)
	}
	writeFile(t, filepath.Join(root, "regular"), "x")

	s, _, _ := openSession(t, root)
	if got := fileNames(s, root+"/"); !sameStrings(got, []string{"regular"}) {
		t.Errorf("files = %v, want [regular]", got)
	}
}

// TestSession_RealInotify drives a session with the kernel notifier: a new
// file, a new directory and a file inside it, then shutdown by cancel.
func TestSession_RealInotify(t *testing.T) {
	root := tempRoot(t)
	writeFile(t, filepath.Join(root, "existing.log"), "old\n")

	w, err := inotify.New()
	if err != nil {
		t.Fatalf("inotify.New: %v", err)
	}
	defer w.Close()

	out := &sink.Memory{}
	s := tail.New(w, out, tail.Options{Root: root})
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	writeFile(t, filepath.Join(root, "a.log"), "hello\n")
	eventually(t, "hello", func() bool { return strings.Contains(out.String(), "hello\n") })

	appendFile(t, filepath.Join(root, "existing.log"), "appended\n")
	eventually(t, "appended", func() bool { return strings.Contains(out.String(), "appended\n") })
	if strings.Contains(out.String(), "old\n") {
		t.Errorf("pre-existing content replayed: %q", out.String())
	}

	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	eventually(t, "sub watched", func() bool {
		for _, p := range folderPaths(s) {
			if p == sub+"/" {
				return true
			}
		}
		return false
	})

	writeFile(t, filepath.Join(sub, "b.log"), "inside\n")
	eventually(t, "inside", func() bool { return strings.Contains(out.String(), "inside\n") })

	if err := os.RemoveAll(sub); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	eventually(t, "sub torn down", func() bool { return s.Stats().Folders == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// TestSession_RealInotifyRotation renames a followed log away and recreates
// it; output continues with the new file.
func TestSession_RealInotifyRotation(t *testing.T) {
	root := tempRoot(t)
	path := filepath.Join(root, "app.log")
	writeFile(t, path, "old\n")

	w, err := inotify.New()
	if err != nil {
		t.Fatalf("inotify.New: %v", err)
	}
	defer w.Close()

	out := &sink.Memory{}
	s := tail.New(w, out, tail.Options{Root: root})
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	appendFile(t, path, "1\n")
	eventually(t, "1", func() bool { return strings.Contains(out.String(), "1\n") })

	if err := os.Rename(path, path+".1"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	writeFile(t, path, "2\n")
	eventually(t, "2", func() bool { return strings.Contains(out.String(), "2\n") })

	appendFile(t, path, "3\n")
	eventually(t, "3", func() bool { return strings.Contains(out.String(), "3\n") })

	eventually(t, "one tracked file", func() bool { return s.Stats().Files == 1 })
}
