// Package storage persists engine state: JSON snapshot documents (one file
// per domain, written temp-then-rename) and a pebble-backed append-only
// archive for trade and liquidation history.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// SnapshotStore writes one <domain>.json per domain under a state directory.
// Writes go to a temp file in the same directory and rename over the target,
// so a crash mid-write leaves the previous snapshot intact.
type SnapshotStore struct {
	dir    string
	logger *zap.SugaredLogger
}

func NewSnapshotStore(dir string, logger *zap.SugaredLogger) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &SnapshotStore{dir: dir, logger: logger}, nil
}

func (s *SnapshotStore) path(domain string) string {
	return filepath.Join(s.dir, domain+".json")
}

// Save serializes v and atomically replaces the domain's file.
func (s *SnapshotStore) Save(domain string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", domain, err)
	}

	tmp, err := os.CreateTemp(s.dir, domain+"-*.tmp")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", domain, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", domain, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", domain, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", domain, err)
	}
	if err := os.Rename(tmpName, s.path(domain)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", domain, err)
	}
	return nil
}

// Load reads a domain file into v. A missing or corrupt file loads nothing
// and reports found=false; the engine starts that domain empty rather than
// crashing.
func (s *SnapshotStore) Load(domain string, v any) (found bool, err error) {
	data, err := os.ReadFile(s.path(domain))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", domain, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warnw("snapshot_domain_corrupt", "domain", domain, "err", err)
		return false, nil
	}
	return true, nil
}
