package smtp

import (
	"context"
	"io"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"spendscan/backend/internal/config"
	"spendscan/backend/internal/domain"
	"spendscan/backend/internal/extract"
	"spendscan/backend/internal/pool"
)

// maxForwardSize 单封转发邮件的大小上限
const maxForwardSize = 10 << 20

// recipientPrefix 转发收件地址的本地部分前缀，
// 完整格式为 scan+<userID>@<domain>。
const recipientPrefix = "scan+"

// Ingestor 接收解析出的采购记录（由任务编排器实现）。
type Ingestor interface {
	IngestRecord(ctx context.Context, userID string, record domain.PurchaseRecord) *domain.CollectionSnapshot
}

// MetricsRecorder 转发入口的指标计数，可为 nil。
type MetricsRecorder interface {
	RecordForwardIngested()
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 这是一个只接收邮件的 SMTP 入口：用户把小票邮件转发到
// scan+<userID>@<domain>，邮件在这里解析、提取后合并进该用户的
// 采购集合。特性：
// - 只接受 scan+ 前缀且域名匹配的收件地址，其余一律 550 拒绝
// - 不支持对外发送，不会成为邮件中继
// - 解析与提取在协程池中异步执行，SMTP 会话只负责排队
// - 连接数与新建连接速率双重限流
type Backend struct {
	domain    string
	extractor *extract.Extractor
	ingestor  Ingestor
	workers   *pool.WorkerPool
	limiter   *ConnectionLimiter
	metrics   MetricsRecorder
	log       *zap.Logger
}

// NewBackend 创建 SMTP Backend。
func NewBackend(cfg config.SMTPConfig, extractor *extract.Extractor, ingestor Ingestor, workers *pool.WorkerPool, metrics MetricsRecorder, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{
		domain:    strings.ToLower(cfg.Domain),
		extractor: extractor,
		ingestor:  ingestor,
		workers:   workers,
		limiter:   NewConnectionLimiter(100, 20),
		metrics:   metrics,
		log:       log,
	}
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if !b.limiter.Acquire() {
		b.log.Warn("smtp connection rejected by limiter",
			zap.Int("current", b.limiter.Current()),
		)
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 4, 5},
			Message:      "too many connections, try again later",
		}
	}
	return &session{backend: b}, nil
}

// NewServer 用 Backend 组装 go-smtp 服务器。
func NewServer(cfg config.SMTPConfig, backend *Backend) *gosmtp.Server {
	s := gosmtp.NewServer(backend)
	s.Addr = cfg.BindAddr
	s.Domain = cfg.Domain
	s.ReadTimeout = 60 * time.Second
	s.WriteTimeout = 60 * time.Second
	s.MaxMessageBytes = maxForwardSize
	s.MaxRecipients = 10
	s.AllowInsecureAuth = true
	return s
}

type session struct {
	backend     *Backend
	fromAddress string
	userIDs     []string
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, opts *gosmtp.MailOptions) error {
	s.fromAddress = from
	return nil
}

// Rcpt 处理 RCPT 命令。
//
// 只接受 scan+<userID>@<domain> 形式的收件人。域名不匹配或
// 本地部分没有用户标识的地址直接 550 拒绝，服务器不做任何中继。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)

	local, recipientDomain, ok := strings.Cut(addr, "@")
	if !ok {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	if !strings.EqualFold(recipientDomain, s.backend.domain) {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied - domain not managed by this server",
		}
	}

	userID := strings.TrimPrefix(local, recipientPrefix)
	if userID == local || userID == "" {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "recipient mailbox not found",
		}
	}

	s.userIDs = append(s.userIDs, userID)
	return nil
}

// Data 处理邮件内容。
//
// 解析在会话内完成（格式错误要同步回报给发送方），
// 提取与合并交给协程池异步执行。
func (s *session) Data(r io.Reader) error {
	rawBytes, err := io.ReadAll(io.LimitReader(r, maxForwardSize))
	if err != nil {
		return err
	}

	msg, err := parseForwardedMail(rawBytes)
	if err != nil {
		s.backend.log.Warn("forwarded mail rejected, unparseable",
			zap.String("from", s.fromAddress),
			zap.Error(err),
		)
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "message content could not be parsed",
		}
	}

	for _, userID := range s.userIDs {
		uid := userID
		submitted := s.backend.workers.TrySubmit(func() {
			s.backend.process(uid, msg)
		})
		if !submitted {
			s.backend.log.Warn("ingest queue full, forwarded mail dropped",
				zap.String("user_id", uid),
				zap.String("message_id", msg.ID),
			)
			return &gosmtp.SMTPError{
				Code:         451,
				EnhancedCode: gosmtp.EnhancedCode{4, 3, 2},
				Message:      "server busy, try again later",
			}
		}
	}

	return nil
}

// process 对一封转发邮件执行提取并合并进用户集合
func (b *Backend) process(userID string, msg *domain.RawMessage) {
	record := b.extractor.Extract(msg)
	if record == nil {
		b.log.Info("forwarded mail carried no purchase signal",
			zap.String("user_id", userID),
			zap.String("subject", msg.Subject),
		)
		return
	}

	record.UserID = userID
	record.Source = domain.SourceUpload

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	b.ingestor.IngestRecord(ctx, userID, *record)
	if b.metrics != nil {
		b.metrics.RecordForwardIngested()
	}
}

// AuthPlain 处理 PLAIN 认证（允许匿名，收件人校验在 Rcpt）。
func (s *session) AuthPlain(username, password string) error {
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.userIDs = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	s.backend.limiter.Release()
	return nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}
