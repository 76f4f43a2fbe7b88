package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"spendscan/backend/internal/domain"
	"spendscan/backend/internal/storage"
)

// syncMeta 记录每个用户最近一次快照落库的时间，支撑新鲜度判断
type syncMeta struct {
	UserID     string    `gorm:"primaryKey;type:varchar(64)"`
	SyncedAt   time.Time `gorm:"index"`
	TotalMinor int64
	Count      int
}

// TableName 指定 GORM 表名
func (syncMeta) TableName() string {
	return "collection_sync_meta"
}

// Store PostgreSQL 存储实现
type Store struct {
	db *gorm.DB
}

// NewStore 创建 PostgreSQL 存储实例
func NewStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn))
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn))
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector) (*Store, error) {
	config := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // 静默模式
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.PurchaseRecord{},
		&syncMeta{},
	)
}

// DB 返回底层的 GORM 实例（迁移工具使用）
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ConfigurePool 按运行配置覆盖连接池参数，非正值保留建连时的默认值。
func (s *Store) ConfigurePool(maxOpen, maxIdle int, maxLifetime time.Duration) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if maxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(maxLifetime)
	}
	return nil
}

// UpsertCollection 在单个事务里整体替换用户的记录集合。
//
// 整体替换而非逐条比对：合并裁决在内存中已经完成，
// 落库只是把当前快照写成事实。
func (s *Store) UpsertCollection(ctx context.Context, userID string, snapshot *domain.CollectionSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&domain.PurchaseRecord{}).Error; err != nil {
			return fmt.Errorf("delete previous records: %w", err)
		}

		if len(snapshot.Records) > 0 {
			records := make([]domain.PurchaseRecord, len(snapshot.Records))
			copy(records, snapshot.Records)
			for i := range records {
				records[i].UserID = userID
			}
			if err := tx.CreateInBatches(records, 100).Error; err != nil {
				return fmt.Errorf("insert records: %w", err)
			}
		}

		meta := syncMeta{
			UserID:     userID,
			SyncedAt:   time.Now().UTC(),
			TotalMinor: snapshot.TotalAmountMinor,
			Count:      snapshot.Count,
		}
		if err := tx.Save(&meta).Error; err != nil {
			return fmt.Errorf("save sync meta: %w", err)
		}

		return nil
	})
}

// LoadCollection 加载用户的记录集合。
// 最近一次落库早于 since 时按缺失处理，迫使调用方重新扫描。
func (s *Store) LoadCollection(ctx context.Context, userID string, since time.Time) (*domain.CollectionSnapshot, error) {
	var meta syncMeta
	err := s.db.WithContext(ctx).First(&meta, "user_id = ?", userID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, storage.ErrCollectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load sync meta: %w", err)
	}

	if meta.SyncedAt.Before(since) {
		return nil, storage.ErrCollectionNotFound
	}

	var records []domain.PurchaseRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("date DESC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	snapshot := &domain.CollectionSnapshot{
		UserID:  userID,
		Records: records,
	}
	snapshot.Recompute()
	// 保留落库时间作为快照生成时间，供新鲜度判断
	snapshot.GeneratedAt = meta.SyncedAt
	for i := range snapshot.Records {
		snapshot.Records[i].Source = domain.SourceCache
	}
	return snapshot, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 测试数据库连接
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
