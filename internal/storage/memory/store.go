package memory

import (
	"context"
	"sync"
	"time"

	"spendscan/backend/internal/domain"
	"spendscan/backend/internal/storage"
)

// Store 内存存储实现（开发环境与测试使用）
type Store struct {
	mu          sync.RWMutex
	collections map[string]*domain.CollectionSnapshot
	syncedAt    map[string]time.Time
}

// NewStore 创建内存存储实例
func NewStore() *Store {
	return &Store{
		collections: make(map[string]*domain.CollectionSnapshot),
		syncedAt:    make(map[string]time.Time),
	}
}

// UpsertCollection 整体替换用户的记录集合
func (s *Store) UpsertCollection(_ context.Context, userID string, snapshot *domain.CollectionSnapshot) error {
	if snapshot == nil {
		return storage.ErrCollectionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[userID] = snapshot.Clone()
	s.syncedAt[userID] = time.Now().UTC()
	return nil
}

// LoadCollection 加载用户的记录集合，过旧的快照按缺失处理
func (s *Store) LoadCollection(_ context.Context, userID string, since time.Time) (*domain.CollectionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.collections[userID]
	if !ok {
		return nil, storage.ErrCollectionNotFound
	}
	if s.syncedAt[userID].Before(since) {
		return nil, storage.ErrCollectionNotFound
	}

	clone := snapshot.Clone()
	for i := range clone.Records {
		clone.Records[i].Source = domain.SourceCache
	}
	return clone, nil
}

// Close 关闭存储（内存实现为空操作）
func (s *Store) Close() error {
	return nil
}

// Health 健康检查（内存实现恒为健康）
func (s *Store) Health() error {
	return nil
}
