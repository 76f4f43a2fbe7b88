package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// ScanConfig 定义后台扫描任务的核心业务配置
type ScanConfig struct {
	BatchSize        int           // 每批处理的邮件数，默认 10
	FetchConcurrency int           // 单批内并发抓取数，默认 5
	FetchTimeout     time.Duration // 单封邮件抓取超时，默认 30s
	NewerThanDays    int           // 候选邮件的日期下界（天数），默认 90
	MaxCandidates    int64         // 候选 ID 列表上限，默认 500
	ResetWindow      time.Duration // success/error 状态回落到 idle 的展示窗口，默认 5s
	FreshnessWindow  time.Duration // 持久层快照的新鲜度窗口，超过视为缺失，默认 6h
	RatePerSecond    float64       // 对邮箱服务的调用速率上限（次/秒），默认 10
}

// CacheConfig 定义分层缓存配置
type CacheConfig struct {
	SnapshotTTL  time.Duration // 集合快照缓存 TTL，默认 30m
	LocalMaxSize int           // 本地内存层最大条目数，默认 1024
	KeyPrefix    string        // 缓存键前缀，默认 "spendscan"
}

// MailConfig 定义邮箱服务（Gmail API）客户端配置
type MailConfig struct {
	CredentialsFile string // OAuth 客户端凭据文件路径
	TokenFile       string // OAuth token 缓存文件路径
	UserID          string // Gmail 用户标识，默认 "me"
}

// SMTPConfig 定义收据转发 SMTP 接收服务器的配置
type SMTPConfig struct {
	BindAddr string // SMTP 服务监听地址，格式 "host:port"，默认 ":2525"
	Domain   string // SMTP 服务器域名，用于 HELO/EHLO 响应
	Enabled  bool   // 是否启用 SMTP 转发入口，默认 false
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只写标准输出
	MaxSize     int    // 单个日志文件上限（MB），默认 100
	MaxBackups  int    // 保留的轮转文件数，默认 3
	MaxAge      int    // 轮转文件保留天数，默认 28
	Compress    bool   // 是否压缩轮转文件，默认 true
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"，为空时使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
	Enabled  bool   // 是否启用 Redis 主缓存层，默认 true
}

// JWTConfig 定义请求侧身份令牌的校验配置。
//
// 令牌的签发属于外部认证系统，本服务只做校验并取出 userID。
type JWTConfig struct {
	Secret string // HS256 签名密钥，必须至少 32 字符
	Issuer string // 预期的签发者标识，默认 "spendscan"
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server   ServerConfig   // HTTP 服务器配置
	Scan     ScanConfig     // 扫描任务配置
	Cache    CacheConfig    // 分层缓存配置
	Mail     MailConfig     // 邮箱服务配置
	SMTP     SMTPConfig     // SMTP 转发入口配置
	CORS     CORSConfig     // 跨域配置
	Log      LogConfig      // 日志配置
	Database DatabaseConfig // 数据库配置
	Redis    RedisConfig    // Redis 配置
	JWT      JWTConfig      // 令牌校验配置
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: SPENDSCAN_
// 例如: SPENDSCAN_SERVER_HOST, SPENDSCAN_JWT_SECRET
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，因为 .env 文件是可选的）
	loadEnvFile()

	viper.SetEnvPrefix("spendscan")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("scan.batch_size", 10)
	viper.SetDefault("scan.fetch_concurrency", 5)
	viper.SetDefault("scan.fetch_timeout", "30s")
	viper.SetDefault("scan.newer_than_days", 90)
	viper.SetDefault("scan.max_candidates", 500)
	viper.SetDefault("scan.reset_window", "5s")
	viper.SetDefault("scan.freshness_window", "6h")
	viper.SetDefault("scan.rate_per_second", 10.0)
	viper.SetDefault("cache.snapshot_ttl", "30m")
	viper.SetDefault("cache.local_max_size", 1024)
	viper.SetDefault("cache.key_prefix", "spendscan")
	viper.SetDefault("mail.credentials_file", "./credentials/client_secret.json")
	viper.SetDefault("mail.token_file", "./credentials/token.json")
	viper.SetDefault("mail.user_id", "me")
	viper.SetDefault("smtp.bind_addr", ":2525")
	viper.SetDefault("smtp.domain", "scan.local")
	viper.SetDefault("smtp.enabled", false)
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.enabled", true)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.issuer", "spendscan")

	fetchTimeout, err := time.ParseDuration(viper.GetString("scan.fetch_timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid scan.fetch_timeout: %w", err)
	}

	resetWindow, err := time.ParseDuration(viper.GetString("scan.reset_window"))
	if err != nil {
		return nil, fmt.Errorf("invalid scan.reset_window: %w", err)
	}

	freshnessWindow, err := time.ParseDuration(viper.GetString("scan.freshness_window"))
	if err != nil {
		return nil, fmt.Errorf("invalid scan.freshness_window: %w", err)
	}

	snapshotTTL, err := time.ParseDuration(viper.GetString("cache.snapshot_ttl"))
	if err != nil {
		return nil, fmt.Errorf("invalid cache.snapshot_ttl: %w", err)
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	batchSize := viper.GetInt("scan.batch_size")
	if batchSize <= 0 {
		batchSize = 10
	}

	concurrency := viper.GetInt("scan.fetch_concurrency")
	if concurrency <= 0 {
		concurrency = 5
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	jwtSecret := viper.GetString("jwt.secret")

	// 安全检查：禁止使用默认的 JWT secret
	if jwtSecret == "change-me-in-production" {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret cannot be the default value. Please set SPENDSCAN_JWT_SECRET environment variable")
	}

	// JWT secret 必须至少 32 字符
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Scan: ScanConfig{
			BatchSize:        batchSize,
			FetchConcurrency: concurrency,
			FetchTimeout:     fetchTimeout,
			NewerThanDays:    viper.GetInt("scan.newer_than_days"),
			MaxCandidates:    viper.GetInt64("scan.max_candidates"),
			ResetWindow:      resetWindow,
			FreshnessWindow:  freshnessWindow,
			RatePerSecond:    viper.GetFloat64("scan.rate_per_second"),
		},
		Cache: CacheConfig{
			SnapshotTTL:  snapshotTTL,
			LocalMaxSize: viper.GetInt("cache.local_max_size"),
			KeyPrefix:    viper.GetString("cache.key_prefix"),
		},
		Mail: MailConfig{
			CredentialsFile: viper.GetString("mail.credentials_file"),
			TokenFile:       viper.GetString("mail.token_file"),
			UserID:          viper.GetString("mail.user_id"),
		},
		SMTP: SMTPConfig{
			BindAddr: viper.GetString("smtp.bind_addr"),
			Domain:   viper.GetString("smtp.domain"),
			Enabled:  viper.GetBool("smtp.enabled"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
			MaxSize:     viper.GetInt("log.max_size"),
			MaxBackups:  viper.GetInt("log.max_backups"),
			MaxAge:      viper.GetInt("log.max_age"),
			Compress:    viper.GetBool("log.compress"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
			Enabled:  viper.GetBool("redis.enabled"),
		},
		JWT: JWTConfig{
			Secret: jwtSecret,
			Issuer: viper.GetString("jwt.issuer"),
		},
	}

	return cfg, nil
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env（用于从 backend/ 子目录运行的情况）
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 环境变量不会被覆盖（已存在的环境变量优先级更高）
func loadEnvFile() {
	// 尝试当前目录的 .env
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	// 尝试父目录的 .env
	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
