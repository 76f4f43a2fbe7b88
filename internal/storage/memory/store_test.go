package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendscan/backend/internal/domain"
	"spendscan/backend/internal/storage"
)

func TestStore(t *testing.T) {
	ctx := context.Background()

	snapshot := domain.NewCollectionSnapshot("u1")
	snapshot.Records = []domain.PurchaseRecord{
		{Identity: "a", Vendor: "Acme", AmountMinor: 100, Date: time.Now().UTC()},
	}
	snapshot.Recompute()

	t.Run("写入后可读取", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.UpsertCollection(ctx, "u1", snapshot))

		loaded, err := s.LoadCollection(ctx, "u1", time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 1, loaded.Count)
		assert.Equal(t, domain.SourceCache, loaded.Records[0].Source)
	})

	t.Run("不存在的用户返回未找到", func(t *testing.T) {
		s := NewStore()
		_, err := s.LoadCollection(ctx, "nobody", time.Time{})
		assert.ErrorIs(t, err, storage.ErrCollectionNotFound)
	})

	t.Run("过旧的快照按缺失处理", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.UpsertCollection(ctx, "u1", snapshot))

		_, err := s.LoadCollection(ctx, "u1", time.Now().Add(time.Hour))
		assert.ErrorIs(t, err, storage.ErrCollectionNotFound)
	})

	t.Run("返回的是副本", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.UpsertCollection(ctx, "u1", snapshot))

		loaded, err := s.LoadCollection(ctx, "u1", time.Time{})
		require.NoError(t, err)
		loaded.Records[0].AmountMinor = 999

		again, err := s.LoadCollection(ctx, "u1", time.Time{})
		require.NoError(t, err)
		assert.Equal(t, int64(100), again.Records[0].AmountMinor)
	})
}
