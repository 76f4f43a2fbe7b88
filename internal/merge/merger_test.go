package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendscan/backend/internal/domain"
)

func record(identity string, amount int64, confidence float64, date time.Time) domain.PurchaseRecord {
	return domain.PurchaseRecord{
		Identity:    identity,
		Vendor:      "Vendor " + identity,
		AmountMinor: amount,
		Confidence:  confidence,
		Date:        date,
		IsInvoice:   true,
		Source:      domain.SourceFreshScan,
	}
}

func TestMerge(t *testing.T) {
	m := NewMerger(nil)
	now := time.Now().UTC()

	t.Run("新记录插入并重算聚合", func(t *testing.T) {
		snapshot := m.Merge(nil, []domain.PurchaseRecord{
			record("a", 100, 0.5, now),
			record("b", 200, 0.6, now.Add(-time.Hour)),
		})

		assert.Equal(t, 2, snapshot.Count)
		assert.Equal(t, int64(300), snapshot.TotalAmountMinor)
	})

	t.Run("更高置信度替换既有记录", func(t *testing.T) {
		existing := m.Merge(nil, []domain.PurchaseRecord{record("a", 100, 0.5, now)})

		merged := m.Merge(existing, []domain.PurchaseRecord{record("a", 200, 0.9, now)})

		require.Equal(t, 1, merged.Count)
		assert.Equal(t, int64(200), merged.Records[0].AmountMinor)
		assert.Equal(t, 0.9, merged.Records[0].Confidence)
		assert.Equal(t, int64(200), merged.TotalAmountMinor)
	})

	t.Run("更低置信度的新记录被丢弃", func(t *testing.T) {
		existing := m.Merge(nil, []domain.PurchaseRecord{record("a", 100, 0.9, now)})

		merged := m.Merge(existing, []domain.PurchaseRecord{record("a", 50, 0.3, now)})

		require.Equal(t, 1, merged.Count)
		assert.Equal(t, int64(100), merged.Records[0].AmountMinor)
	})

	t.Run("置信度相同时新记录胜出", func(t *testing.T) {
		existing := m.Merge(nil, []domain.PurchaseRecord{record("a", 100, 0.5, now)})

		merged := m.Merge(existing, []domain.PurchaseRecord{record("a", 250, 0.5, now)})

		assert.Equal(t, int64(250), merged.Records[0].AmountMinor)
	})

	t.Run("合并是幂等的", func(t *testing.T) {
		base := m.Merge(nil, []domain.PurchaseRecord{record("a", 100, 0.5, now)})
		batch := []domain.PurchaseRecord{
			record("a", 200, 0.9, now),
			record("b", 300, 0.7, now),
		}

		once := m.Merge(base, batch)
		twice := m.Merge(once, batch)

		assert.Equal(t, once.Count, twice.Count)
		assert.Equal(t, once.TotalAmountMinor, twice.TotalAmountMinor)
		assert.Equal(t, once.Records, twice.Records)
	})

	t.Run("Identity在结果中唯一", func(t *testing.T) {
		snapshot := m.Merge(nil, []domain.PurchaseRecord{
			record("a", 100, 0.5, now),
			record("a", 200, 0.9, now),
			record("b", 50, 0.4, now),
		})

		seen := map[string]bool{}
		for _, r := range snapshot.Records {
			assert.False(t, seen[r.Identity], "duplicate identity %s", r.Identity)
			seen[r.Identity] = true
		}
		assert.Equal(t, 2, snapshot.Count)
	})

	t.Run("记录按日期倒序展示", func(t *testing.T) {
		snapshot := m.Merge(nil, []domain.PurchaseRecord{
			record("old", 1, 0.5, now.Add(-48*time.Hour)),
			record("new", 1, 0.5, now),
			record("mid", 1, 0.5, now.Add(-24*time.Hour)),
		})

		require.Len(t, snapshot.Records, 3)
		assert.Equal(t, "new", snapshot.Records[0].Identity)
		assert.Equal(t, "mid", snapshot.Records[1].Identity)
		assert.Equal(t, "old", snapshot.Records[2].Identity)
	})

	t.Run("输入快照不被修改", func(t *testing.T) {
		existing := m.Merge(nil, []domain.PurchaseRecord{record("a", 100, 0.5, now)})
		before := existing.Records[0].AmountMinor

		m.Merge(existing, []domain.PurchaseRecord{record("a", 999, 0.9, now)})

		assert.Equal(t, before, existing.Records[0].AmountMinor)
	})

	t.Run("空Identity被跳过", func(t *testing.T) {
		snapshot := m.Merge(nil, []domain.PurchaseRecord{record("", 100, 0.5, now)})
		assert.Equal(t, 0, snapshot.Count)
	})
}
