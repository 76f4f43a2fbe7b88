package storage

import (
	"context"
	"errors"
	"time"

	"spendscan/backend/internal/domain"
)

var (
	// ErrCollectionNotFound 集合不存在或不满足新鲜度要求
	ErrCollectionNotFound = errors.New("collection not found")
)

// CollectionRepository 定义消费记录集合的持久化契约。
//
// 表结构的演进归数据库迁移工具管；本系统只依赖这个窄读写契约。
type CollectionRepository interface {
	// UpsertCollection 整体替换用户的记录集合。
	UpsertCollection(ctx context.Context, userID string, snapshot *domain.CollectionSnapshot) error
	// LoadCollection 加载用户的记录集合。since 之前生成的快照视为缺失
	//（返回 ErrCollectionNotFound），迫使调用方触发新扫描。
	LoadCollection(ctx context.Context, userID string, since time.Time) (*domain.CollectionSnapshot, error)
}

// Store 定义完整的存储接口。
type Store interface {
	CollectionRepository

	// 工具方法
	Close() error
	Health() error
}
