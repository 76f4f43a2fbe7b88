package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spendscan/backend/internal/cache"
	"spendscan/backend/internal/config"
	"spendscan/backend/internal/domain"
	"spendscan/backend/internal/extract"
	"spendscan/backend/internal/fetch"
	"spendscan/backend/internal/merge"
	"spendscan/backend/internal/storage/memory"
)

// fakeMailClient 返回预置的候选与邮件内容
type fakeMailClient struct {
	mu       sync.Mutex
	ids      []string
	messages map[string]*domain.RawMessage
	listErr  error
	fetchErr map[string]error
}

func (f *fakeMailClient) ListCandidateIDs(_ context.Context, _ domain.SearchQuery) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.ids, nil
}

func (f *fakeMailClient) FetchMessage(_ context.Context, id string) (*domain.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fetchErr[id]; ok {
		return nil, err
	}
	msg, ok := f.messages[id]
	if !ok {
		return nil, errors.New("message not found")
	}
	return msg, nil
}

func (f *fakeMailClient) FetchAttachment(_ context.Context, _, _ string) ([]byte, error) {
	return nil, errors.New("no attachments in fake")
}

// recordingPublisher 记录所有收到的状态快照
type recordingPublisher struct {
	mu       sync.Mutex
	statuses []domain.JobStatus
}

func (p *recordingPublisher) PublishStatus(_ string, status domain.JobStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, status)
}

func (p *recordingPublisher) all() []domain.JobStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.JobStatus, len(p.statuses))
	copy(out, p.statuses)
	return out
}

func receiptMessage(id, vendor, total string) *domain.RawMessage {
	return &domain.RawMessage{
		ID:      id,
		Subject: "Your order receipt",
		From:    fmt.Sprintf("%s <no-reply@%s.example>", vendor, vendor),
		Date:    time.Now().UTC(),
		Body:    "Thank you for your purchase. Order confirmed.\nTotal: " + total,
	}
}

func newTestOrchestrator(t *testing.T, client *fakeMailClient, cfg config.ScanConfig, opts Options) *Orchestrator {
	t.Helper()
	log := zap.NewNop()
	tiered := cache.NewTiered(cache.NewLocalCache(100), cache.NewLocalCache(100), nil, log)
	fetcher := fetch.NewFetcher(client, cfg.FetchConcurrency, cfg.FetchTimeout, 0, log)
	if opts.Logger == nil {
		opts.Logger = log
	}
	return NewOrchestrator(
		client,
		fetcher,
		extract.NewExtractor(log),
		merge.NewMerger(log),
		tiered,
		memory.NewStore(),
		cfg,
		30*time.Minute,
		opts,
	)
}

func testScanConfig() config.ScanConfig {
	return config.ScanConfig{
		BatchSize:        2,
		FetchConcurrency: 2,
		FetchTimeout:     2 * time.Second,
		NewerThanDays:    365,
		MaxCandidates:    500,
		ResetWindow:      80 * time.Millisecond,
		FreshnessWindow:  6 * time.Hour,
	}
}

func waitForTerminal(t *testing.T, o *Orchestrator, userID string) domain.JobStatus {
	t.Helper()
	require.Eventually(t, func() bool {
		s := o.GetStatus(userID)
		return s.Status == domain.JobSuccess || s.Status == domain.JobError
	}, 3*time.Second, 10*time.Millisecond, "scan never reached a terminal state")
	return o.GetStatus(userID)
}

func TestOrchestratorScan(t *testing.T) {
	t.Run("完整扫描成功并产出集合", func(t *testing.T) {
		client := &fakeMailClient{
			ids: []string{"m1", "m2", "m3"},
			messages: map[string]*domain.RawMessage{
				"m1": receiptMessage("m1", "Amazon", "1,234.50"),
				"m2": receiptMessage("m2", "Flipkart", "99.00"),
				"m3": receiptMessage("m3", "Zomato", "250.00"),
			},
		}
		o := newTestOrchestrator(t, client, testScanConfig(), Options{})

		status := o.StartScan("u1")
		assert.True(t, status.IsActive)
		assert.Equal(t, domain.JobSyncing, status.Status)

		final := waitForTerminal(t, o, "u1")
		assert.Equal(t, domain.JobSuccess, final.Status)
		assert.False(t, final.IsActive)
		assert.Equal(t, 100, final.Progress)
		assert.Equal(t, 3, final.DocumentsFound)
		assert.False(t, final.LastSyncTime.IsZero())

		snapshot, found := o.GetCollection(context.Background(), "u1")
		require.True(t, found)
		assert.Equal(t, 3, snapshot.Count)
		assert.Equal(t, int64(123450+9900+25000), snapshot.TotalAmountMinor)
	})

	t.Run("进度与文档数单调不减", func(t *testing.T) {
		client := &fakeMailClient{
			ids:      make([]string, 0, 6),
			messages: map[string]*domain.RawMessage{},
		}
		for i := 0; i < 6; i++ {
			id := fmt.Sprintf("m%d", i)
			client.ids = append(client.ids, id)
			client.messages[id] = receiptMessage(id, fmt.Sprintf("vendor%d", i), "10.00")
		}
		pub := &recordingPublisher{}
		o := newTestOrchestrator(t, client, testScanConfig(), Options{Publisher: pub})

		o.StartScan("u1")
		waitForTerminal(t, o, "u1")

		statuses := pub.all()
		require.NotEmpty(t, statuses)
		lastProgress, lastDocs := 0, 0
		for _, s := range statuses {
			assert.GreaterOrEqual(t, s.Progress, lastProgress)
			assert.GreaterOrEqual(t, s.DocumentsFound, lastDocs)
			lastProgress, lastDocs = s.Progress, s.DocumentsFound
		}
	})

	t.Run("同一用户的重复启动被吸收", func(t *testing.T) {
		client := &fakeMailClient{
			ids:      []string{"m1"},
			messages: map[string]*domain.RawMessage{"m1": receiptMessage("m1", "Amazon", "10.00")},
		}
		o := newTestOrchestrator(t, client, testScanConfig(), Options{})

		j := o.job("u1")
		j.mu.Lock()
		j.status = domain.JobStatus{IsActive: true, Status: domain.JobSyncing, Progress: 40, Message: "processed 2 of 5 messages"}
		j.mu.Unlock()

		status := o.StartScan("u1")
		assert.Equal(t, 40, status.Progress, "start during syncing must return the running job's status")
		assert.Equal(t, "processed 2 of 5 messages", status.Message)
	})

	t.Run("候选列表失败进入错误终态", func(t *testing.T) {
		client := &fakeMailClient{listErr: errors.New("quota exceeded")}
		o := newTestOrchestrator(t, client, testScanConfig(), Options{})

		o.StartScan("u1")
		final := waitForTerminal(t, o, "u1")
		assert.Equal(t, domain.JobError, final.Status)
		assert.False(t, final.IsActive)
		assert.Contains(t, final.Message, "quota exceeded")
	})

	t.Run("单封邮件抓取失败不影响任务结果", func(t *testing.T) {
		client := &fakeMailClient{
			ids: []string{"m1", "m2"},
			messages: map[string]*domain.RawMessage{
				"m1": receiptMessage("m1", "Amazon", "10.00"),
			},
			fetchErr: map[string]error{"m2": errors.New("transient 500")},
		}
		o := newTestOrchestrator(t, client, testScanConfig(), Options{})

		o.StartScan("u1")
		final := waitForTerminal(t, o, "u1")
		assert.Equal(t, domain.JobSuccess, final.Status)
		assert.Equal(t, 1, final.DocumentsFound)
	})

	t.Run("终态在展示窗口后回落为空闲", func(t *testing.T) {
		client := &fakeMailClient{
			ids:      []string{"m1"},
			messages: map[string]*domain.RawMessage{"m1": receiptMessage("m1", "Amazon", "10.00")},
		}
		o := newTestOrchestrator(t, client, testScanConfig(), Options{})

		o.StartScan("u1")
		final := waitForTerminal(t, o, "u1")
		require.Equal(t, domain.JobSuccess, final.Status)

		require.Eventually(t, func() bool {
			return o.GetStatus("u1").Status == domain.JobIdle
		}, 2*time.Second, 10*time.Millisecond)

		reset := o.GetStatus("u1")
		assert.False(t, reset.IsActive)
		assert.Equal(t, final.LastSyncTime, reset.LastSyncTime, "last sync time survives the reset")
	})
}

func TestOrchestratorStatus(t *testing.T) {
	t.Run("从未扫描的用户返回空闲状态", func(t *testing.T) {
		o := newTestOrchestrator(t, &fakeMailClient{}, testScanConfig(), Options{})
		s := o.GetStatus("fresh-user")
		assert.Equal(t, domain.JobIdle, s.Status)
		assert.False(t, s.IsActive)
		assert.Zero(t, s.Progress)
	})

	t.Run("状态补丁只覆盖出现的字段", func(t *testing.T) {
		o := newTestOrchestrator(t, &fakeMailClient{}, testScanConfig(), Options{})

		progress := 55
		status := o.PublishStatus("u1", domain.JobStatusPatch{Progress: &progress})
		assert.Equal(t, 55, status.Progress)
		assert.Equal(t, domain.JobIdle, status.Status, "untouched fields keep their values")

		msg := "manual override"
		status = o.PublishStatus("u1", domain.JobStatusPatch{Message: &msg})
		assert.Equal(t, 55, status.Progress)
		assert.Equal(t, "manual override", status.Message)
	})
}

func TestOrchestratorCollection(t *testing.T) {
	t.Run("缓存未命中时回源持久层并回填", func(t *testing.T) {
		client := &fakeMailClient{
			ids:      []string{"m1"},
			messages: map[string]*domain.RawMessage{"m1": receiptMessage("m1", "Amazon", "10.00")},
		}
		o := newTestOrchestrator(t, client, testScanConfig(), Options{})

		o.StartScan("u1")
		waitForTerminal(t, o, "u1")

		// 清掉缓存，强制走持久层
		o.InvalidateCollection(context.Background(), "u1")

		snapshot, found := o.GetCollection(context.Background(), "u1")
		require.True(t, found)
		assert.Equal(t, 1, snapshot.Count)
		for _, r := range snapshot.Records {
			assert.Equal(t, domain.SourceCache, r.Source)
		}
	})

	t.Run("两层都未命中返回未找到", func(t *testing.T) {
		o := newTestOrchestrator(t, &fakeMailClient{}, testScanConfig(), Options{})
		snapshot, found := o.GetCollection(context.Background(), "nobody")
		assert.False(t, found)
		assert.Zero(t, snapshot.Count)
	})

	t.Run("外部记录合并进现有集合", func(t *testing.T) {
		o := newTestOrchestrator(t, &fakeMailClient{}, testScanConfig(), Options{})

		record := domain.PurchaseRecord{
			Identity:   "upload-1",
			UserID:     "u1",
			Vendor:     "ACME Corp",
			AmountMinor: 50000,
			Date:       time.Now().UTC(),
			Confidence: 0.9,
			Source:     domain.SourceUpload,
		}
		snapshot := o.IngestRecord(context.Background(), "u1", record)
		assert.Equal(t, 1, snapshot.Count)
		assert.Equal(t, int64(50000), snapshot.TotalAmountMinor)

		got, found := o.GetCollection(context.Background(), "u1")
		require.True(t, found)
		assert.Equal(t, 1, got.Count)
	})
}
