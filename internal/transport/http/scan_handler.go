package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"spendscan/backend/internal/cache"
	"spendscan/backend/internal/domain"
	"spendscan/backend/internal/job"
	"spendscan/backend/internal/middleware"
	"spendscan/backend/internal/websocket"
)

// ScanHandler 扫描任务与采购集合的 HTTP 处理器。
type ScanHandler struct {
	orchestrator *job.Orchestrator
	hub          *websocket.Hub
	cache        *cache.Tiered
	log          *zap.Logger
}

// NewScanHandler 创建扫描处理器。
func NewScanHandler(orchestrator *job.Orchestrator, hub *websocket.Hub, tiered *cache.Tiered, log *zap.Logger) *ScanHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ScanHandler{
		orchestrator: orchestrator,
		hub:          hub,
		cache:        tiered,
		log:          log,
	}
}

// startScan 启动后台扫描。
// 已有进行中的任务时不启动新任务，返回当前任务状态。
func (h *ScanHandler) startScan(c *gin.Context) {
	userID := middleware.UserID(c)
	status := h.orchestrator.StartScan(userID)
	Accepted(c, status)
}

// getScanStatus 轮询当前任务状态，永不阻塞。
func (h *ScanHandler) getScanStatus(c *gin.Context) {
	userID := middleware.UserID(c)
	Success(c, h.orchestrator.GetStatus(userID))
}

// publishScanStatus 发布状态补丁。
// 补丁里出现的字段覆盖当前值，其余字段保持不变。
func (h *ScanHandler) publishScanStatus(c *gin.Context) {
	userID := middleware.UserID(c)

	var patch domain.JobStatusPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	Success(c, h.orchestrator.PublishStatus(userID, patch))
}

// getPurchases 返回用户的采购集合。
// 缓存与持久层都没有足够新鲜的数据时自动启动一次扫描，
// 返回 202 与任务状态，客户端应转入轮询。
func (h *ScanHandler) getPurchases(c *gin.Context) {
	userID := middleware.UserID(c)

	snapshot, found := h.orchestrator.GetCollection(c.Request.Context(), userID)
	if !found {
		status := h.orchestrator.StartScan(userID)
		Accepted(c, gin.H{
			"scanStatus": status,
			"purchases":  snapshot,
		})
		return
	}

	Success(c, snapshot)
}

// invalidatePurchasesCache 丢弃用户的缓存快照，持久层不受影响。
func (h *ScanHandler) invalidatePurchasesCache(c *gin.Context) {
	userID := middleware.UserID(c)
	h.orchestrator.InvalidateCollection(c.Request.Context(), userID)
	SuccessWithMsg(c, "cache invalidated", nil)
}

// resetCache 解除主缓存的粘性降级并整体失效所有缓存条目。
// 运维端点：Redis 恢复后由人工（或自动化）调用。
func (h *ScanHandler) resetCache(c *gin.Context) {
	h.cache.Reset()
	h.cache.BumpVersion()

	h.log.Info("cache reset requested",
		zap.String("user_id", middleware.UserID(c)),
		zap.Uint64("version", h.cache.Version()),
	)

	Success(c, gin.H{
		"degraded": h.cache.Degraded(),
		"version":  h.cache.Version(),
	})
}

// scanWS 升级为 WebSocket 连接并订阅本用户的进度推送。
func (h *ScanHandler) scanWS(c *gin.Context) {
	if h.hub == nil {
		NotFound(c, "websocket push not enabled")
		return
	}
	h.hub.ServeWS(c, middleware.UserID(c))
}
