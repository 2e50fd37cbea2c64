// internal/ingest/reader.go
package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync/atomic"
)

// ReaderSource feeds lines from an io.Reader, for piping a log through stdin
// or replaying a capture in tests. Lines() is closed once the reader is
// exhausted.
type ReaderSource struct {
	r         io.Reader
	lines     chan string
	exhausted atomic.Bool
}

func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{
		r:     r,
		lines: make(chan string, lineBuffer),
	}
}

func (s *ReaderSource) Lines() <-chan string {
	return s.lines
}

// Available is false once the reader hits EOF or errors.
func (s *ReaderSource) Available() bool {
	return !s.exhausted.Load()
}

func (s *ReaderSource) Run(ctx context.Context) error {
	defer close(s.lines)
	defer s.exhausted.Store(true)

	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		select {
		case s.lines <- line:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ingest: read source: %w", err)
	}
	return nil
}
