package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Backend 单层缓存后端。
//
// Get 未命中时返回 (nil, false, nil)；返回 error 表示该层本身不可用
//（连接拒绝、超时），而不是键不存在。
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Name() string
}

// MetricsRecorder 缓存指标上报接口（可为 nil）
type MetricsRecorder interface {
	RecordCacheHit(tier string)
	RecordCacheMiss()
	RecordCacheFallback()
}

// Entry 包装缓存值与元数据。
//
// 版本号不匹配或 TTL 过期的条目视为缺失，并在下次读取时懒删除；
// 没有后台清扫协程，避免对存储层引入第二个并发修改源。
type Entry struct {
	Version  uint64          `json:"version"`
	StoredAt time.Time       `json:"storedAt"`
	TTL      time.Duration   `json:"ttl"`
	Payload  json.RawMessage `json:"payload"`
}

// Expired 判断条目是否已过期
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.StoredAt.Add(e.TTL))
}

// Tiered 分层缓存：外部低延迟主层 + 进程内内存回退层。
//
// 主层任意一次失败后回退即粘滞（进程生命周期内不再重试主层，
// 避免每次调用都付一遍连接超时的代价）；恢复需要显式 Reset。
// 写入总是整值替换，按键 last-write-wins，没有读改写竞争。
type Tiered struct {
	primary  Backend // 可为 nil（未启用外部缓存）
	fallback Backend
	degraded atomic.Bool
	version  atomic.Uint64
	metrics  MetricsRecorder
	log      *zap.Logger
}

// NewTiered 创建分层缓存。
//
// primary 为 nil 时直接以回退层工作；fallback 必须非 nil。
func NewTiered(primary, fallback Backend, metrics MetricsRecorder, log *zap.Logger) *Tiered {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Tiered{
		primary:  primary,
		fallback: fallback,
		metrics:  metrics,
		log:      log,
	}
	c.version.Store(1)
	if primary == nil {
		c.degraded.Store(true)
	}
	return c
}

// Get 读取缓存值。层不可用、版本不符、TTL 过期都表现为未命中。
func (c *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	for _, backend := range c.chain() {
		data, ok, err := backend.Get(ctx, key)
		if err != nil {
			c.markDegraded(backend, err)
			continue
		}
		if !ok {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			// 损坏条目当作缺失处理并懒删除
			_ = backend.Delete(ctx, key)
			continue
		}

		if entry.Version != c.version.Load() || entry.Expired(time.Now()) {
			_ = backend.Delete(ctx, key)
			continue
		}

		if c.metrics != nil {
			c.metrics.RecordCacheHit(backend.Name())
		}
		return entry.Payload, true
	}

	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}
	return nil, false
}

// Set 写入缓存值。写透到所有可用层；主层失败触发粘滞回退，
// 调用方不感知。
func (c *Tiered) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	entry := Entry{
		Version:  c.version.Load(),
		StoredAt: time.Now().UTC(),
		TTL:      ttl,
		Payload:  payload,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		c.log.Error("failed to marshal cache entry", zap.String("key", key), zap.Error(err))
		return
	}

	for _, backend := range c.chain() {
		if err := backend.Set(ctx, key, data, ttl); err != nil {
			c.markDegraded(backend, err)
		}
	}
}

// Delete 删除键。各层都尝试删除。
func (c *Tiered) Delete(ctx context.Context, key string) {
	for _, backend := range c.chain() {
		if err := backend.Delete(ctx, key); err != nil {
			c.markDegraded(backend, err)
		}
	}
}

// Clear 立即清空全部条目。
func (c *Tiered) Clear(ctx context.Context) {
	for _, backend := range c.chain() {
		if err := backend.Clear(ctx); err != nil {
			c.markDegraded(backend, err)
		}
	}
}

// BumpVersion 全局版本号递增：所有既有条目立即失效，
// 无需枚举；旧条目在下次读取时懒删除。
func (c *Tiered) BumpVersion() {
	c.version.Add(1)
}

// Version 返回当前全局版本号
func (c *Tiered) Version() uint64 {
	return c.version.Load()
}

// Degraded 返回主层是否已被粘滞回退
func (c *Tiered) Degraded() bool {
	return c.degraded.Load()
}

// Reset 显式解除粘滞回退，恢复对主层的访问。
func (c *Tiered) Reset() {
	if c.primary != nil {
		c.degraded.Store(false)
		c.log.Info("cache primary tier re-enabled")
	}
}

// chain 返回当前生效的后端顺序
func (c *Tiered) chain() []Backend {
	if c.primary != nil && !c.degraded.Load() {
		return []Backend{c.primary, c.fallback}
	}
	return []Backend{c.fallback}
}

// markDegraded 主层失败时进入粘滞回退；回退层失败只记日志。
func (c *Tiered) markDegraded(backend Backend, err error) {
	if backend == c.primary {
		if c.degraded.CompareAndSwap(false, true) {
			c.log.Warn("cache primary tier failed, sticking to fallback",
				zap.String("tier", backend.Name()),
				zap.Error(err),
			)
			if c.metrics != nil {
				c.metrics.RecordCacheFallback()
			}
		}
		return
	}
	c.log.Error("cache fallback tier error",
		zap.String("tier", backend.Name()),
		zap.Error(err),
	)
}

// GetJSON 读取并反序列化缓存值
func GetJSON[T any](ctx context.Context, c *Tiered, key string) (*T, bool) {
	payload, ok := c.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		c.Delete(ctx, key)
		return nil, false
	}
	return &value, true
}

// SetJSON 序列化并写入缓存值
func SetJSON[T any](ctx context.Context, c *Tiered, key string, value *T, ttl time.Duration) {
	payload, err := json.Marshal(value)
	if err != nil {
		c.log.Error("failed to marshal cache value", zap.String("key", key), zap.Error(err))
		return
	}
	c.Set(ctx, key, payload, ttl)
}
