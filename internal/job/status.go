package job

import (
	"context"
	"time"

	"go.uber.org/zap"

	"spendscan/backend/internal/cache"
	"spendscan/backend/internal/domain"
)

// GetStatus 返回用户当前任务状态的副本。
// 永不阻塞在任务执行上，轮询端点直接映射到这里。
func (o *Orchestrator) GetStatus(userID string) domain.JobStatus {
	j := o.job(userID)

	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// PublishStatus 用调用方提供的补丁覆盖当前状态并广播。
// 补丁语义：只更新补丁中出现的字段，其余保持不变。
func (o *Orchestrator) PublishStatus(userID string, patch domain.JobStatusPatch) domain.JobStatus {
	j := o.job(userID)

	j.mu.Lock()
	j.status = patch.Apply(j.status)
	status := j.status
	j.mu.Unlock()

	o.notify(userID, status)
	return status
}

// GetCollection 按缓存 → 持久层的顺序读取用户的采购集合。
// 第二个返回值为 false 表示两层都没有足够新鲜的数据，
// 调用方应当触发一次全新扫描。
func (o *Orchestrator) GetCollection(ctx context.Context, userID string) (*domain.CollectionSnapshot, bool) {
	if snapshot, ok := cache.GetJSON[domain.CollectionSnapshot](ctx, o.cache, snapshotKey(userID)); ok {
		for i := range snapshot.Records {
			snapshot.Records[i].Source = domain.SourceCache
		}
		return snapshot, true
	}

	if o.store != nil {
		since := time.Now().Add(-o.cfg.FreshnessWindow)
		snapshot, err := o.store.LoadCollection(ctx, userID, since)
		if err == nil {
			// 回填缓存，后续读取不再穿透到持久层
			cache.SetJSON(ctx, o.cache, snapshotKey(userID), snapshot, o.ttl)
			return snapshot, true
		}
	}

	return domain.NewCollectionSnapshot(userID), false
}

// InvalidateCollection 丢弃用户的缓存快照（两层都删）。
// 持久层数据不受影响。
func (o *Orchestrator) InvalidateCollection(ctx context.Context, userID string) {
	o.cache.Delete(ctx, snapshotKey(userID))
}

// IngestRecord 把一条外部来源的采购记录（邮件转发、手工上传）
// 合并进用户集合。与后台扫描共用同一把锁，互相看得到对方的写入。
func (o *Orchestrator) IngestRecord(ctx context.Context, userID string, record domain.PurchaseRecord) *domain.CollectionSnapshot {
	j := o.job(userID)

	j.mu.Lock()
	if j.snapshot == nil {
		j.snapshot = o.seedSnapshot(userID)
	}
	j.snapshot = o.merger.Merge(j.snapshot, []domain.PurchaseRecord{record})
	snapshot := j.snapshot
	j.mu.Unlock()

	o.persist(ctx, userID, snapshot)

	o.log.Info("external purchase record ingested",
		zap.String("user_id", userID),
		zap.String("identity", record.Identity),
		zap.String("vendor", record.Vendor),
	)
	return snapshot
}
