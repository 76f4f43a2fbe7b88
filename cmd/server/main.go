package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spendscan/backend/internal/auth"
	"spendscan/backend/internal/cache"
	"spendscan/backend/internal/config"
	"spendscan/backend/internal/extract"
	"spendscan/backend/internal/fetch"
	"spendscan/backend/internal/health"
	"spendscan/backend/internal/job"
	"spendscan/backend/internal/logger"
	"spendscan/backend/internal/mailclient"
	"spendscan/backend/internal/merge"
	"spendscan/backend/internal/monitoring"
	"spendscan/backend/internal/pool"
	"spendscan/backend/internal/smtp"
	"spendscan/backend/internal/storage"
	"spendscan/backend/internal/storage/memory"
	"spendscan/backend/internal/storage/postgres"
	redisstore "spendscan/backend/internal/storage/redis"
	httptransport "spendscan/backend/internal/transport/http"
	"spendscan/backend/internal/websocket"
)

// 令牌由外部认证系统签发，这里的有效期只约束本地调试工具签出的令牌。
const tokenExpiry = 24 * time.Hour

// main 启动同时包含 HTTP API 与 SMTP 转发入口的采购信号服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting spendscan server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化存储层
	var store storage.Store

	// 根据配置选择存储类型
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		store, err = initializeDatabaseStorage(cfg, log)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		// 内存存储（开发环境）
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}

	// 初始化监控系统
	metrics := monitoring.NewMetrics()

	// 初始化分层缓存：Redis 主层 + 本地内存兜底层。
	// Redis 未启用或建连失败时主层退回本地内存，降级语义保持一致。
	var redisClient *redisstore.Client
	var primary cache.Backend
	if cfg.Redis.Enabled {
		redisClient, err = redisstore.New(&cfg.Redis, log)
		if err != nil {
			log.Warn("redis unavailable, falling back to local cache", zap.Error(err))
			redisClient = nil
		} else {
			primary = redisstore.NewCacheBackend(redisClient, cfg.Cache.KeyPrefix)
			log.Info("redis cache layer initialized", zap.String("address", cfg.Redis.Address))
		}
	}
	if primary == nil {
		primary = cache.NewLocalCache(cfg.Cache.LocalMaxSize)
	}
	tiered := cache.NewTiered(primary, cache.NewLocalCache(cfg.Cache.LocalMaxSize), metrics, log)

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化邮箱客户端
	mailClient, err := mailclient.NewGmailClient(ctx, cfg.Mail, log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize mail client: %v", err))
	}
	log.Info("mail client initialized", zap.String("user", cfg.Mail.UserID))

	// 初始化抓取/提取/合并流水线与任务编排器
	fetcher := fetch.NewFetcher(mailClient, cfg.Scan.FetchConcurrency, cfg.Scan.FetchTimeout, cfg.Scan.RatePerSecond, log)
	extractor := extract.NewExtractor(log)
	merger := merge.NewMerger(log)

	// WebSocket Hub 负责把任务状态推送给在线客户端
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, log)

	orchestrator := job.NewOrchestrator(
		mailClient,
		fetcher,
		extractor,
		merger,
		tiered,
		store,
		cfg.Scan,
		cfg.Cache.SnapshotTTL,
		job.Options{
			Publisher: wsHub,
			Metrics:   metrics,
			Logger:    log,
		},
	)

	// 初始化健康检查
	healthChecker := health.NewHealthChecker(store, redisClient, tiered, log)

	// 初始化告警系统
	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.HighMemoryUsageRule(512.0)) // 512MB
	alertManager.AddRule(monitoring.DatabaseConnectionRule(store))
	alertManager.AddRule(monitoring.CacheDegradedRule(tiered))

	log.Info("monitoring system initialized")

	// 初始化令牌校验
	jwtManager := auth.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, tokenExpiry)
	log.Info("JWT configuration", zap.String("issuer", cfg.JWT.Issuer))

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:        cfg,
		Orchestrator:  orchestrator,
		Cache:         tiered,
		JWTManager:    jwtManager,
		WebSocketHub:  wsHub,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Logger:        log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 创建 SMTP 收据转发入口（可选）
	var smtpServer *gosmtp.Server
	var smtpPool *pool.WorkerPool
	if cfg.SMTP.Enabled {
		smtpPool = pool.NewWorkerPool(4, 64, log)
		smtpBackend := smtp.NewBackend(cfg.SMTP, extractor, orchestrator, smtpPool, metrics, log)
		smtpServer = smtp.NewServer(cfg.SMTP, smtpBackend)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	if smtpServer != nil {
		smtpPool.Start(groupCtx)
		group.Go(func() error {
			log.Info("starting SMTP forwarding endpoint",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			if err := smtpServer.ListenAndServe(); err != nil {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	// 运行时指标采集 goroutine
	group.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		started := time.Now()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				metrics.UpdateSystemUptime(time.Since(started))
				metrics.UpdateMemoryUsage(int64(m.Alloc))
				metrics.UpdateWebSocketConnections(wsHub.ConnectedClients())
			}
		}
	})

	// 告警监控 goroutine
	group.Go(func() error {
		log.Info("starting alert monitoring")
		alertManager.StartMonitoring(groupCtx, 1*time.Minute)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if smtpServer != nil {
			if err := smtpServer.Close(); err != nil {
				log.Warn("SMTP server close warning", zap.Error(err))
			}
			smtpPool.Stop()
		}
		wsHub.Shutdown(shutdownCtx)

		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				log.Warn("redis close warning", zap.Error(err))
			}
		}
		if err := store.Close(); err != nil {
			log.Warn("storage close warning", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeDatabaseStorage 根据配置创建数据库存储并应用连接池参数。
func initializeDatabaseStorage(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	var store *postgres.Store
	var err error

	switch cfg.Database.Type {
	case "postgres":
		store, err = postgres.NewStore(cfg.Database.DSN)
	case "mysql":
		store, err = postgres.NewMySQLStore(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := store.ConfigurePool(cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime); err != nil {
		log.Warn("failed to configure connection pool", zap.Error(err))
	}
	return store, nil
}
