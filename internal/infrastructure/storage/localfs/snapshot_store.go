// Package localfs keeps cache snapshots as JSON files in a directory.
package localfs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

const (
	filePrefix = "cache-snapshot-"
	fileSuffix = ".json"
)

type SnapshotStore struct {
	basePath string
	retain   int
}

func NewSnapshotStore(basePath string, retain int) (*SnapshotStore, error) {
	if basePath == "" {
		basePath = "./data/snapshots"
	}
	if retain <= 0 {
		retain = 5
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &SnapshotStore{basePath: basePath, retain: retain}, nil
}

// SaveSnapshot writes through a temp file and rename so readers never see a
// partial snapshot, then prunes files beyond the retain count.
func (s *SnapshotStore) SaveSnapshot(_ context.Context, snapshot domain.CacheSnapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	name := fmt.Sprintf("%s%020d%s", filePrefix, snapshot.TakenAt.UnixNano(), fileSuffix)
	tmp, err := os.CreateTemp(s.basePath, "tmp-*")
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.basePath, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename snapshot file: %w", err)
	}
	return s.prune()
}

func (s *SnapshotStore) LatestSnapshot(_ context.Context) (*domain.CacheSnapshot, error) {
	names, err := s.list()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	latest := names[len(names)-1]
	raw, err := os.ReadFile(filepath.Join(s.basePath, latest))
	if err != nil {
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}
	var snapshot domain.CacheSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, domain.WrapError(domain.ErrCacheCorrupted, "read snapshot "+latest, err)
	}
	return &snapshot, nil
}

// list returns snapshot file names oldest first.
func (s *SnapshotStore) list() ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("list snapshot dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *SnapshotStore) prune() error {
	names, err := s.list()
	if err != nil {
		return err
	}
	for len(names) > s.retain {
		if err := os.Remove(filepath.Join(s.basePath, names[0])); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune snapshot file: %w", err)
		}
		names = names[1:]
	}
	return nil
}
