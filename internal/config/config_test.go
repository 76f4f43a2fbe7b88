package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	// 保存原始环境变量
	originalEnvs := make(map[string]string)
	envKeys := []string{
		"SPENDSCAN_JWT_SECRET",
		"SPENDSCAN_SERVER_HOST",
		"SPENDSCAN_SERVER_PORT",
		"SPENDSCAN_SCAN_BATCH_SIZE",
		"SPENDSCAN_SCAN_FETCH_CONCURRENCY",
		"SPENDSCAN_SCAN_FETCH_TIMEOUT",
		"SPENDSCAN_CACHE_SNAPSHOT_TTL",
		"SPENDSCAN_SMTP_BIND_ADDR",
		"SPENDSCAN_LOG_LEVEL",
		"SPENDSCAN_LOG_DEVELOPMENT",
	}

	for _, key := range envKeys {
		originalEnvs[key] = os.Getenv(key)
	}

	// 测试后恢复环境变量
	defer func() {
		for key, value := range originalEnvs {
			if value == "" {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, value)
			}
		}
	}()

	t.Run("加载默认配置成功", func(t *testing.T) {
		for _, key := range envKeys {
			os.Unsetenv(key)
		}

		// 设置必需的JWT密钥
		os.Setenv("SPENDSCAN_JWT_SECRET", "test-secret-key-for-development-32-chars-long-at-least")

		cfg, err := Load()

		assert.NoError(t, err)
		assert.NotNil(t, cfg)

		// 验证默认值
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 10, cfg.Scan.BatchSize)
		assert.Equal(t, 5, cfg.Scan.FetchConcurrency)
		assert.Equal(t, 30*time.Second, cfg.Scan.FetchTimeout)
		assert.Equal(t, 90, cfg.Scan.NewerThanDays)
		assert.Equal(t, 5*time.Second, cfg.Scan.ResetWindow)
		assert.Equal(t, 6*time.Hour, cfg.Scan.FreshnessWindow)
		assert.Equal(t, 30*time.Minute, cfg.Cache.SnapshotTTL)
		assert.Equal(t, "spendscan", cfg.Cache.KeyPrefix)
		assert.Equal(t, "me", cfg.Mail.UserID)
		assert.False(t, cfg.SMTP.Enabled)
	})

	t.Run("环境变量覆盖默认值", func(t *testing.T) {
		for _, key := range envKeys {
			os.Unsetenv(key)
		}

		os.Setenv("SPENDSCAN_JWT_SECRET", "test-secret-key-for-development-32-chars-long-at-least")
		os.Setenv("SPENDSCAN_SERVER_PORT", "9090")
		os.Setenv("SPENDSCAN_SCAN_BATCH_SIZE", "25")
		os.Setenv("SPENDSCAN_SCAN_FETCH_TIMEOUT", "10s")
		os.Setenv("SPENDSCAN_CACHE_SNAPSHOT_TTL", "5m")

		cfg, err := Load()

		assert.NoError(t, err)
		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, 25, cfg.Scan.BatchSize)
		assert.Equal(t, 10*time.Second, cfg.Scan.FetchTimeout)
		assert.Equal(t, 5*time.Minute, cfg.Cache.SnapshotTTL)
	})

	t.Run("拒绝默认JWT密钥", func(t *testing.T) {
		for _, key := range envKeys {
			os.Unsetenv(key)
		}

		_, err := Load()

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "SECURITY ERROR")
	})

	t.Run("拒绝过短的JWT密钥", func(t *testing.T) {
		for _, key := range envKeys {
			os.Unsetenv(key)
		}

		os.Setenv("SPENDSCAN_JWT_SECRET", "too-short")

		_, err := Load()

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "at least 32 characters")
	})

	t.Run("非法的超时配置返回错误", func(t *testing.T) {
		for _, key := range envKeys {
			os.Unsetenv(key)
		}

		os.Setenv("SPENDSCAN_JWT_SECRET", "test-secret-key-for-development-32-chars-long-at-least")
		os.Setenv("SPENDSCAN_SCAN_FETCH_TIMEOUT", "not-a-duration")

		_, err := Load()

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "scan.fetch_timeout")
	})
}
