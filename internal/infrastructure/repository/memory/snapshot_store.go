// Package memory keeps cache snapshots in process when no database is configured.
package memory

import (
	"context"
	"sync"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

type SnapshotStore struct {
	mu     sync.Mutex
	latest *domain.CacheSnapshot
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

func (s *SnapshotStore) SaveSnapshot(_ context.Context, snapshot domain.CacheSnapshot) error {
	copied := snapshot
	copied.Entries = append([]domain.CacheSnapshotEntry(nil), snapshot.Entries...)
	s.mu.Lock()
	s.latest = &copied
	s.mu.Unlock()
	return nil
}

func (s *SnapshotStore) LatestSnapshot(_ context.Context) (*domain.CacheSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil, nil
	}
	copied := *s.latest
	copied.Entries = append([]domain.CacheSnapshotEntry(nil), s.latest.Entries...)
	return &copied, nil
}
