package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"spendscan/backend/internal/cache"
	"spendscan/backend/internal/storage"
	redisstore "spendscan/backend/internal/storage/redis"
)

// maxGoroutines 超过视为泄漏嫌疑
const maxGoroutines = 2000

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.Store
	redis  *redisstore.Client
	tiered *cache.Tiered
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器。
// redis 与 tiered 可为 nil（未启用 Redis 的部署）。
func NewHealthChecker(store storage.Store, redis *redisstore.Client, tiered *cache.Tiered, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		redis:  redis,
		tiered: tiered,
		logger: logger,
	}
	hc.addChecks()
	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	if hc.store != nil {
		hc.health.AddLivenessCheck("database", func() error {
			return hc.store.Health()
		})
	}

	if hc.redis != nil {
		hc.health.AddReadinessCheck("redis", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return hc.redis.Ping(ctx)
		})
	}

	// 缓存降级不算 liveness 故障，只影响 readiness 观测
	if hc.tiered != nil {
		hc.health.AddReadinessCheck("cache", func() error {
			if hc.tiered.Degraded() {
				return errors.New("primary cache tier degraded, serving from fallback")
			}
			return nil
		})
	}

	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))
}

// Handler 返回健康检查处理器
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活检查端点
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查端点
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行健康检查并返回摘要
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := make(map[string]string)

	if hc.store != nil {
		if err := hc.store.Health(); err != nil {
			results["database"] = fmt.Sprintf("ERROR: %v", err)
		} else {
			results["database"] = "OK"
		}
	}

	if hc.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := hc.redis.Ping(ctx); err != nil {
			results["redis"] = fmt.Sprintf("ERROR: %v", err)
		} else {
			results["redis"] = "OK"
		}
	} else {
		results["redis"] = "NOT_AVAILABLE"
	}

	if hc.tiered != nil {
		if hc.tiered.Degraded() {
			results["cache"] = "DEGRADED"
		} else {
			results["cache"] = "OK"
		}
	}

	results["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())
	results["timestamp"] = time.Now().Format(time.RFC3339)

	return results
}
