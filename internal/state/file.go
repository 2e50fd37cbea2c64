// internal/state/file.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/FairForge/poolwatch/internal/pool"
)

// FileStore keeps the active-pool record in a single JSON file. Writes go
// through a temp file and rename so a crash mid-write never leaves a torn
// record behind. Suitable for single-node deployments; use PostgresStore when
// more than one controller can write.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store backed by the file at path. The file is created
// with the default record on first Load.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state: file store path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("state: create state dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Load(ctx context.Context) (pool.ActiveConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *FileStore) loadLocked() (pool.ActiveConfig, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := s.writeLocked(cfg); err != nil {
			return pool.ActiveConfig{}, err
		}
		return cfg, nil
	}
	if err != nil {
		return pool.ActiveConfig{}, fmt.Errorf("state: read %s: %w", s.path, err)
	}

	var cfg pool.ActiveConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return pool.ActiveConfig{}, fmt.Errorf("state: decode %s: %w", s.path, err)
	}
	if !cfg.ActivePool.Valid() {
		return pool.ActiveConfig{}, fmt.Errorf("state: %s holds invalid active pool %q", s.path, cfg.ActivePool)
	}
	return cfg, nil
}

func (s *FileStore) Swap(ctx context.Context, expected uint64, next pool.ActiveConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.loadLocked()
	if err != nil {
		return err
	}
	if cur.Generation != expected {
		return ErrStaleGeneration
	}
	return s.writeLocked(next)
}

func (s *FileStore) writeLocked(cfg pool.ActiveConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("state: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("state: rename %s: %w", tmp, err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
