package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"spendscan/backend/internal/auth"
	"spendscan/backend/internal/cache"
	"spendscan/backend/internal/config"
	"spendscan/backend/internal/health"
	"spendscan/backend/internal/job"
	"spendscan/backend/internal/middleware"
	"spendscan/backend/internal/monitoring"
	"spendscan/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config        *config.Config
	Orchestrator  *job.Orchestrator
	Cache         *cache.Tiered
	JWTManager    *auth.Manager
	WebSocketHub  *websocket.Hub
	Metrics       *monitoring.Metrics
	HealthChecker *health.HealthChecker
	Logger        *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RecoveryHandler(deps.Logger))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))

	if deps.Metrics != nil {
		mm := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)
		router.Use(mm.HTTPMetrics())
	}

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 允许所有来源时不能同时带凭证
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := NewScanHandler(deps.Orchestrator, deps.WebSocketHub, deps.Cache, deps.Logger)
	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, deps.Logger)

	// 健康与指标
	if deps.HealthChecker != nil {
		router.GET("/healthz", gin.WrapF(deps.HealthChecker.LiveEndpoint))
		router.GET("/readyz", gin.WrapF(deps.HealthChecker.ReadyEndpoint))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// V1 API（全部需要认证）
	v1 := router.Group("/api/v1")
	v1.Use(jwtAuth.RequireAuth())
	{
		scanRoutes := v1.Group("/scan")
		{
			scanRoutes.POST("", handler.startScan)
			scanRoutes.GET("/status", handler.getScanStatus)
			scanRoutes.POST("/status", handler.publishScanStatus)
			scanRoutes.GET("/ws", handler.scanWS)
		}

		purchaseRoutes := v1.Group("/purchases")
		{
			purchaseRoutes.GET("", handler.getPurchases)
			purchaseRoutes.DELETE("/cache", handler.invalidatePurchasesCache)
		}

		v1.POST("/cache/reset", handler.resetCache)

		if deps.HealthChecker != nil {
			v1.GET("/health", func(c *gin.Context) {
				Success(c, deps.HealthChecker.CheckHealth())
			})
		}
	}

	return router
}
