// Package state persists per-host crawl history in a JSON file that is
// rewritten atomically.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/nodeinfo-crawler/internal/crawler"
)

// Store is the in-memory host state map backed by a JSON file.
type Store struct {
	path   string
	logger *zap.Logger

	mu    sync.RWMutex
	hosts map[string]crawler.HostState

	saveMu sync.Mutex
}

// Load reads the state file at path. A missing or corrupt file yields an
// empty store; only a path that cannot be a file is reported as an error.
func Load(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		path:   path,
		logger: logger,
		hosts:  make(map[string]crawler.HostState),
	}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		logger.Warn("could not stat state file; starting empty", zap.String("path", path), zap.Error(err))
		return s, nil
	case info.IsDir():
		return nil, fmt.Errorf("state path %s is a directory", path)
	}

	// #nosec G304 -- the state path is operator supplied.
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("could not read state file; starting empty", zap.String("path", path), zap.Error(err))
		return s, nil
	}
	hosts, err := decode(data)
	if err != nil {
		logger.Warn("could not parse state file; starting empty", zap.String("path", path), zap.Error(err))
		return s, nil
	}
	s.hosts = hosts
	return s, nil
}

func decode(data []byte) (map[string]crawler.HostState, error) {
	raw := make(map[string]crawler.HostState)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	hosts := make(map[string]crawler.HostState, len(raw))
	for host, hs := range raw {
		hosts[host] = normalize(hs)
	}
	return hosts, nil
}

// normalize validates a decoded record so downstream code never has to
// branch on its shape.
func normalize(hs crawler.HostState) crawler.HostState {
	if hs.NodeInfo.Status != "" && !hs.NodeInfo.Status.Valid() {
		hs.NodeInfo.Status = crawler.StatusFetchError
	}
	hs.Robots.LastChecked = utc(hs.Robots.LastChecked)
	hs.NodeInfo.LastChecked = utc(hs.NodeInfo.LastChecked)
	hs.NodeInfo.LastSuccess = utc(hs.NodeInfo.LastSuccess)
	hs.NodeInfo.LastError = utc(hs.NodeInfo.LastError)
	return hs
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return crawler.TimePtr(*t)
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the state for host; unknown hosts yield the zero state.
func (s *Store) Get(host string) crawler.HostState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hosts[host]
}

// Put replaces the state for host.
func (s *Store) Put(host string, hs crawler.HostState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[host] = normalize(hs)
}

// Len returns the number of hosts with recorded state.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hosts)
}

// Snapshot returns a copy of the whole map.
func (s *Store) Snapshot() map[string]crawler.HostState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]crawler.HostState, len(s.hosts))
	for host, hs := range s.hosts {
		out[host] = hs
	}
	return out
}

// Save writes the whole map to a temporary file beside the target and
// renames it into place, so a crash mid-write leaves the old file intact.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	payload, err := json.MarshalIndent(s.hosts, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		if rmErr := os.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logger.Debug("failed to remove temp state file", zap.String("path", tmpName), zap.Error(rmErr))
		}
	}
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
