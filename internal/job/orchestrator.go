package job

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"spendscan/backend/internal/cache"
	"spendscan/backend/internal/config"
	"spendscan/backend/internal/domain"
	"spendscan/backend/internal/extract"
	"spendscan/backend/internal/fetch"
	"spendscan/backend/internal/mailclient"
	"spendscan/backend/internal/merge"
	"spendscan/backend/internal/storage"
)

// StatusPublisher 接收每次任务状态发布（WebSocket 推送等），可为 nil。
type StatusPublisher interface {
	PublishStatus(userID string, status domain.JobStatus)
}

// MetricsRecorder 扫描指标上报接口，可为 nil。
type MetricsRecorder interface {
	RecordScanStarted()
	RecordScanFinished(state string, duration time.Duration)
	RecordMessagesFetched(n int)
	RecordFetchFailures(n int)
	RecordRecordsExtracted(n int)
	RecordMessagesDiscarded(n int)
}

// Orchestrator 驱动后台扫描任务：抓取 → 提取 → 合并 → 落库，
// 按固定批次推进并在每批之后发布进度快照。
//
// 每个用户同时最多一个 syncing 任务；任务期间的集合快照由该任务
// 独占持有（userJob.mu 单写者），分层缓存是唯一跨任务共享的资源。
type Orchestrator struct {
	client    mailclient.Client
	fetcher   *fetch.Fetcher
	extractor *extract.Extractor
	merger    *merge.Merger
	cache     *cache.Tiered
	store     storage.Store
	cfg       config.ScanConfig
	ttl       time.Duration
	publisher StatusPublisher
	metrics   MetricsRecorder
	log       *zap.Logger

	mu   sync.Mutex
	jobs map[string]*userJob
}

// userJob 单个用户的任务状态与运行中快照
type userJob struct {
	mu         sync.RWMutex
	status     domain.JobStatus
	snapshot   *domain.CollectionSnapshot
	resetTimer *time.Timer
}

// Options 编排器的可选依赖
type Options struct {
	Publisher StatusPublisher
	Metrics   MetricsRecorder
	Logger    *zap.Logger
}

// NewOrchestrator 创建后台任务编排器。
func NewOrchestrator(
	client mailclient.Client,
	fetcher *fetch.Fetcher,
	extractor *extract.Extractor,
	merger *merge.Merger,
	tiered *cache.Tiered,
	store storage.Store,
	cfg config.ScanConfig,
	snapshotTTL time.Duration,
	opts Options,
) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		client:    client,
		fetcher:   fetcher,
		extractor: extractor,
		merger:    merger,
		cache:     tiered,
		store:     store,
		cfg:       cfg,
		ttl:       snapshotTTL,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		log:       log,
		jobs:      make(map[string]*userJob),
	}
}

// StartScan 启动一次后台扫描。
//
// 已有 syncing 任务时本次请求被吸收：不启动新任务、不重置进度，
// 原样返回当前状态。
func (o *Orchestrator) StartScan(userID string) domain.JobStatus {
	j := o.job(userID)

	j.mu.Lock()
	if j.status.Status == domain.JobSyncing {
		status := j.status
		j.mu.Unlock()
		o.log.Debug("scan already in progress, start request absorbed",
			zap.String("user_id", userID),
		)
		return status
	}

	if j.resetTimer != nil {
		j.resetTimer.Stop()
		j.resetTimer = nil
	}

	j.status = domain.JobStatus{
		IsActive: true,
		Status:   domain.JobSyncing,
		Message:  "scanning mailbox for purchases",
	}
	j.snapshot = o.seedSnapshot(userID)
	status := j.status
	j.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordScanStarted()
	}
	o.notify(userID, status)

	go o.run(userID, j)

	return status
}

// run 执行一次完整扫描。除候选列表获取失败外，一切单项失败
// 都只记录不升级；任务出错时已合并的部分结果保留在缓存中。
func (o *Orchestrator) run(userID string, j *userJob) {
	started := time.Now()
	ctx := context.Background()

	query := domain.SearchQuery{
		NewerThanDays: o.cfg.NewerThanDays,
		MaxResults:    o.cfg.MaxCandidates,
	}

	ids, err := o.client.ListCandidateIDs(ctx, query)
	if err != nil {
		o.log.Error("failed to list candidate messages",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		o.finish(userID, j, domain.JobError, fmt.Sprintf("mailbox search failed: %v", err), started)
		return
	}

	total := len(ids)
	o.log.Info("scan started",
		zap.String("user_id", userID),
		zap.Int("candidates", total),
	)

	processed := 0
	for start := 0; start < total; start += o.cfg.BatchSize {
		end := start + o.cfg.BatchSize
		if end > total {
			end = total
		}

		outcomes := o.fetcher.FetchBatch(ctx, ids[start:end])

		var records []domain.PurchaseRecord
		fetched, failed, discarded := 0, 0, 0
		for _, outcome := range outcomes {
			if !outcome.OK() {
				// 列出后被删除的邮件按丢弃计，真实抓取失败才计入失败
				if outcome.Failure.NotFound {
					discarded++
				} else {
					failed++
				}
				o.log.Warn("message skipped after fetch failure",
					zap.String("user_id", userID),
					zap.String("message_id", outcome.Failure.MessageID),
					zap.String("reason", outcome.Failure.Reason),
				)
				continue
			}
			fetched++
			record := o.extractor.Extract(outcome.Message)
			if record == nil {
				// 噪音邮件：预期结果，不计失败
				discarded++
				continue
			}
			records = append(records, *record)
		}

		if o.metrics != nil {
			o.metrics.RecordMessagesFetched(fetched)
			o.metrics.RecordFetchFailures(failed)
			o.metrics.RecordRecordsExtracted(len(records))
			o.metrics.RecordMessagesDiscarded(discarded)
		}

		processed = end
		progress := int(math.Round(float64(processed) / float64(total) * 100))

		j.mu.Lock()
		j.snapshot = o.merger.Merge(j.snapshot, records)
		snapshot := j.snapshot
		j.status.Progress = progress
		j.status.DocumentsFound = snapshot.Count
		j.status.Message = fmt.Sprintf("processed %d of %d messages", processed, total)
		status := j.status
		j.mu.Unlock()

		o.persist(ctx, userID, snapshot)
		o.notify(userID, status)
	}

	j.mu.RLock()
	snapshot := j.snapshot
	j.mu.RUnlock()

	count := 0
	if snapshot != nil {
		count = snapshot.Count
	}
	// 零候选的扫描也要落一份空集合，空结果是有效结果
	o.persist(ctx, userID, snapshot)

	o.finish(userID, j, domain.JobSuccess, fmt.Sprintf("scan complete, %d purchase documents found", count), started)
}

// finish 进入终态并安排回落到 idle 的展示窗口。
func (o *Orchestrator) finish(userID string, j *userJob, state domain.JobState, message string, started time.Time) {
	j.mu.Lock()
	j.status.IsActive = false
	j.status.Status = state
	j.status.Message = message
	j.status.LastSyncTime = time.Now().UTC()
	if state == domain.JobSuccess {
		j.status.Progress = 100
	}
	status := j.status

	j.resetTimer = time.AfterFunc(o.cfg.ResetWindow, func() {
		j.mu.Lock()
		// 展示窗口内若有新任务启动，终态已被覆盖，不再重置
		if j.status.Status == state {
			last := j.status.LastSyncTime
			j.status = domain.IdleJobStatus()
			j.status.LastSyncTime = last
		}
		j.mu.Unlock()
	})
	j.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordScanFinished(string(state), time.Since(started))
	}
	o.notify(userID, status)

	o.log.Info("scan finished",
		zap.String("user_id", userID),
		zap.String("state", string(state)),
		zap.Duration("duration", time.Since(started)),
	)
}

// persist 把运行中快照写入缓存与持久层。
// 持久层失败只记日志：缓存仍然可用，下次落库会整体覆盖。
func (o *Orchestrator) persist(ctx context.Context, userID string, snapshot *domain.CollectionSnapshot) {
	if snapshot == nil {
		return
	}
	cache.SetJSON(ctx, o.cache, snapshotKey(userID), snapshot, o.ttl)

	if o.store == nil {
		return
	}
	if err := o.store.UpsertCollection(ctx, userID, snapshot); err != nil {
		o.log.Error("failed to persist collection snapshot",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

// seedSnapshot 为新任务准备初始集合：缓存优先，其次持久层
//（受新鲜度窗口约束），都没有则从空集合开始。
func (o *Orchestrator) seedSnapshot(userID string) *domain.CollectionSnapshot {
	ctx := context.Background()

	if snapshot, ok := cache.GetJSON[domain.CollectionSnapshot](ctx, o.cache, snapshotKey(userID)); ok {
		return snapshot
	}

	if o.store != nil {
		since := time.Now().Add(-o.cfg.FreshnessWindow)
		if snapshot, err := o.store.LoadCollection(ctx, userID, since); err == nil {
			return snapshot
		}
	}

	return domain.NewCollectionSnapshot(userID)
}

// job 取得（或创建）用户的任务槽
func (o *Orchestrator) job(userID string) *userJob {
	o.mu.Lock()
	defer o.mu.Unlock()

	j, ok := o.jobs[userID]
	if !ok {
		j = &userJob{status: domain.IdleJobStatus()}
		o.jobs[userID] = j
	}
	return j
}

// notify 把状态快照推给订阅方
func (o *Orchestrator) notify(userID string, status domain.JobStatus) {
	if o.publisher != nil {
		o.publisher.PublishStatus(userID, status)
	}
}

func snapshotKey(userID string) string {
	return "purchases:" + userID
}
