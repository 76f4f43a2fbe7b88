package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spendscan/backend/internal/auth"
	"spendscan/backend/internal/cache"
	"spendscan/backend/internal/config"
	"spendscan/backend/internal/domain"
	"spendscan/backend/internal/extract"
	"spendscan/backend/internal/fetch"
	"spendscan/backend/internal/job"
	"spendscan/backend/internal/mailclient"
	"spendscan/backend/internal/merge"
	"spendscan/backend/internal/storage/memory"
)

const testJWTSecret = "transport-test-secret-0123456789abcdef"

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// emptyMailClient 永远返回空候选列表
type emptyMailClient struct{}

func (emptyMailClient) ListCandidateIDs(_ context.Context, _ domain.SearchQuery) ([]string, error) {
	return nil, nil
}

func (emptyMailClient) FetchMessage(_ context.Context, id string) (*domain.RawMessage, error) {
	return nil, mailclient.ErrMessageNotFound
}

func (emptyMailClient) FetchAttachment(_ context.Context, _, _ string) ([]byte, error) {
	return nil, mailclient.ErrMessageNotFound
}

func newTestRouter(t *testing.T) (*gin.Engine, *auth.Manager, *cache.Tiered) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()

	tiered := cache.NewTiered(cache.NewLocalCache(100), cache.NewLocalCache(100), nil, log)
	client := emptyMailClient{}
	scanCfg := config.ScanConfig{
		BatchSize:        10,
		FetchConcurrency: 2,
		FetchTimeout:     time.Second,
		NewerThanDays:    365,
		MaxCandidates:    100,
		ResetWindow:      time.Minute,
		FreshnessWindow:  6 * time.Hour,
	}
	orchestrator := job.NewOrchestrator(
		client,
		fetch.NewFetcher(client, 2, time.Second, 0, log),
		extract.NewExtractor(log),
		merge.NewMerger(log),
		tiered,
		memory.NewStore(),
		scanCfg,
		30*time.Minute,
		job.Options{Logger: log},
	)

	manager := auth.NewManager(testJWTSecret, "spendscan", time.Hour)

	router := NewRouter(RouterDependencies{
		Config: &config.Config{
			CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
		},
		Orchestrator: orchestrator,
		Cache:        tiered,
		JWTManager:   manager,
		Logger:       log,
	})
	return router, manager, tiered
}

func doRequest(t *testing.T, router *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestScanRoutes(t *testing.T) {
	t.Run("缺少令牌一律 401", func(t *testing.T) {
		router, _, _ := newTestRouter(t)

		for _, tc := range []struct{ method, path string }{
			{http.MethodPost, "/api/v1/scan"},
			{http.MethodGet, "/api/v1/scan/status"},
			{http.MethodGet, "/api/v1/purchases"},
			{http.MethodDelete, "/api/v1/purchases/cache"},
			{http.MethodPost, "/api/v1/cache/reset"},
		} {
			w := doRequest(t, router, tc.method, tc.path, "", "")
			assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", tc.method, tc.path)
		}
	})

	t.Run("启动扫描返回 202 与任务状态", func(t *testing.T) {
		router, manager, _ := newTestRouter(t)
		token, err := manager.GenerateToken("u1")
		require.NoError(t, err)

		w := doRequest(t, router, http.MethodPost, "/api/v1/scan", token, "")
		require.Equal(t, http.StatusAccepted, w.Code)

		var resp envelope
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		var status domain.JobStatus
		require.NoError(t, json.Unmarshal(resp.Data, &status))
		assert.Equal(t, domain.JobSyncing, status.Status)
		assert.True(t, status.IsActive)
	})

	t.Run("空闲状态轮询", func(t *testing.T) {
		router, manager, _ := newTestRouter(t)
		token, err := manager.GenerateToken("u1")
		require.NoError(t, err)

		w := doRequest(t, router, http.MethodGet, "/api/v1/scan/status", token, "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp envelope
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		var status domain.JobStatus
		require.NoError(t, json.Unmarshal(resp.Data, &status))
		assert.Equal(t, domain.JobIdle, status.Status)
	})

	t.Run("状态补丁只覆盖出现的字段", func(t *testing.T) {
		router, manager, _ := newTestRouter(t)
		token, err := manager.GenerateToken("u1")
		require.NoError(t, err)

		w := doRequest(t, router, http.MethodPost, "/api/v1/scan/status", token,
			`{"progress": 77, "message": "externally driven"}`)
		require.Equal(t, http.StatusOK, w.Code)

		var resp envelope
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		var status domain.JobStatus
		require.NoError(t, json.Unmarshal(resp.Data, &status))
		assert.Equal(t, 77, status.Progress)
		assert.Equal(t, "externally driven", status.Message)
		assert.Equal(t, domain.JobIdle, status.Status, "untouched field keeps its value")
	})

	t.Run("非法补丁 JSON 返回 400", func(t *testing.T) {
		router, manager, _ := newTestRouter(t)
		token, err := manager.GenerateToken("u1")
		require.NoError(t, err)

		w := doRequest(t, router, http.MethodPost, "/api/v1/scan/status", token, `{"progress": "high"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("无数据时读取集合自动触发扫描", func(t *testing.T) {
		router, manager, _ := newTestRouter(t)
		token, err := manager.GenerateToken("u1")
		require.NoError(t, err)

		w := doRequest(t, router, http.MethodGet, "/api/v1/purchases", token, "")
		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("缓存重置报告降级状态与版本", func(t *testing.T) {
		router, manager, tiered := newTestRouter(t)
		token, err := manager.GenerateToken("ops")
		require.NoError(t, err)

		before := tiered.Version()
		w := doRequest(t, router, http.MethodPost, "/api/v1/cache/reset", token, "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp envelope
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		var data struct {
			Degraded bool   `json:"degraded"`
			Version  uint64 `json:"version"`
		}
		require.NoError(t, json.Unmarshal(resp.Data, &data))
		assert.False(t, data.Degraded)
		assert.Greater(t, data.Version, before)
	})

	t.Run("缓存失效后集合读取回源", func(t *testing.T) {
		router, manager, _ := newTestRouter(t)
		token, err := manager.GenerateToken("u1")
		require.NoError(t, err)

		w := doRequest(t, router, http.MethodDelete, "/api/v1/purchases/cache", token, "")
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
