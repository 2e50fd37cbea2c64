// internal/ingest/tailer.go
package ingest

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Source delivers raw access-log lines. Implementations close Lines() only
// when the source is exhausted for good; the tailer never closes it.
// Available reports whether the source is currently readable: a silent but
// readable log is available (no traffic is valid evidence), a missing or
// exhausted one is not.
type Source interface {
	Lines() <-chan string
	Run(ctx context.Context) error
	Available() bool
}

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultWaitInterval = 2 * time.Second
	lineBuffer          = 1024
)

// Tailer follows an nginx access log the way tail -F does: it waits for the
// file to appear, starts at the end so old traffic is not replayed, and
// survives logrotate by reopening when the inode changes or the file shrinks.
// fsnotify on the parent directory wakes it up promptly; a poll ticker backs
// that up on filesystems where inotify is unreliable.
type Tailer struct {
	path         string
	logger       *zap.Logger
	lines        chan string
	pollInterval time.Duration
	waitInterval time.Duration

	file      *os.File
	reader    *bufio.Reader
	info      os.FileInfo
	offset    int64
	partial   strings.Builder
	available atomic.Bool
}

func NewTailer(path string, logger *zap.Logger) *Tailer {
	return &Tailer{
		path:         path,
		logger:       logger,
		lines:        make(chan string, lineBuffer),
		pollInterval: defaultPollInterval,
		waitInterval: defaultWaitInterval,
	}
}

func (t *Tailer) Lines() <-chan string {
	return t.lines
}

// Available reports whether the log file is currently open. It flips false
// while the file is missing and back true once reopened, so callers can
// distinguish a quiet log from a broken one.
func (t *Tailer) Available() bool {
	return t.available.Load()
}

// Run tails the file until ctx is cancelled. It only returns the context's
// error; every file-level problem is retried internally.
func (t *Tailer) Run(ctx context.Context) error {
	var events <-chan fsnotify.Event
	var werrs <-chan error

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.Warn("fsnotify unavailable, falling back to polling", zap.Error(err))
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(t.path)); err != nil {
			t.logger.Warn("watch log directory failed, falling back to polling",
				zap.String("dir", filepath.Dir(t.path)), zap.Error(err))
		} else {
			events = watcher.Events
			werrs = watcher.Errors
		}
	}

	if err := t.open(ctx, true); err != nil {
		return err
	}
	defer t.close()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		if err := t.drain(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.Name != t.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := t.reopenIfRotated(ctx); err != nil {
					return err
				}
			}
		case err := <-werrs:
			t.logger.Warn("log watch error", zap.Error(err))
		case <-ticker.C:
			if err := t.reopenIfRotated(ctx); err != nil {
				return err
			}
		}
	}
}

// drain reads every complete line currently available and emits it.
func (t *Tailer) drain(ctx context.Context) error {
	for {
		chunk, err := t.reader.ReadString('\n')
		if chunk != "" {
			t.offset += int64(len(chunk))
			t.partial.WriteString(chunk)
			if strings.HasSuffix(chunk, "\n") {
				line := strings.TrimRight(t.partial.String(), "\r\n")
				t.partial.Reset()
				if line != "" {
					select {
					case t.lines <- line:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			t.logger.Warn("read log line", zap.Error(err))
			t.close()
			return t.open(ctx, false)
		}
	}
}

// open waits for the file to exist and opens it. seekEnd is set on the first
// open only; after a rotation we read the replacement from the start.
func (t *Tailer) open(ctx context.Context, seekEnd bool) error {
	for {
		f, err := os.Open(t.path)
		if err == nil {
			fi, err := f.Stat()
			if err != nil {
				f.Close()
				return err
			}
			t.file = f
			t.info = fi
			t.offset = 0
			if seekEnd {
				if off, err := f.Seek(0, io.SeekEnd); err == nil {
					t.offset = off
				}
			}
			t.reader = bufio.NewReader(f)
			t.partial.Reset()
			t.available.Store(true)
			t.logger.Info("tailing access log",
				zap.String("path", t.path), zap.Int64("offset", t.offset))
			return nil
		}

		t.available.Store(false)
		if !os.IsNotExist(err) {
			t.logger.Warn("open access log", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.waitInterval):
		}
	}
}

// reopenIfRotated drains what is left of the old file, then reopens when the
// path now names a different file (logrotate move) or the file shrank
// (copytruncate).
func (t *Tailer) reopenIfRotated(ctx context.Context) error {
	if err := t.drain(ctx); err != nil {
		return err
	}

	fi, err := os.Stat(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.logger.Info("access log removed, waiting for it to return", zap.String("path", t.path))
			t.close()
			return t.open(ctx, false)
		}
		t.logger.Warn("stat access log", zap.Error(err))
		return nil
	}

	if !os.SameFile(t.info, fi) {
		t.logger.Info("access log rotated, reopening", zap.String("path", t.path))
		t.close()
		return t.open(ctx, false)
	}
	if fi.Size() < t.offset {
		t.logger.Info("access log truncated, seeking to start", zap.String("path", t.path))
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			t.close()
			return t.open(ctx, false)
		}
		t.offset = 0
		t.reader.Reset(t.file)
		t.partial.Reset()
	}
	return nil
}

func (t *Tailer) close() {
	t.available.Store(false)
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}
