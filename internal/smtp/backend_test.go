package smtp

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spendscan/backend/internal/config"
	"spendscan/backend/internal/domain"
	"spendscan/backend/internal/extract"
	"spendscan/backend/internal/merge"
	"spendscan/backend/internal/pool"
)

type capturingIngestor struct {
	mu      sync.Mutex
	records []domain.PurchaseRecord
	users   []string
}

func (c *capturingIngestor) IngestRecord(_ context.Context, userID string, record domain.PurchaseRecord) *domain.CollectionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
	c.users = append(c.users, userID)
	snapshot := domain.NewCollectionSnapshot(userID)
	snapshot.Records = append(snapshot.Records, record)
	snapshot.Recompute()
	return snapshot
}

func (c *capturingIngestor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

type countingMetrics struct {
	forwards int32
}

func (m *countingMetrics) RecordForwardIngested() {
	atomic.AddInt32(&m.forwards, 1)
}

func newTestBackend(t *testing.T) (*Backend, *capturingIngestor, *countingMetrics) {
	t.Helper()
	log := zap.NewNop()
	ingestor := &capturingIngestor{}
	metrics := &countingMetrics{}
	workers := pool.NewWorkerPool(2, 16, log)
	workers.Start(context.Background())
	t.Cleanup(workers.Stop)

	cfg := config.SMTPConfig{Domain: "scan.example.com"}
	return NewBackend(cfg, extract.NewExtractor(log), ingestor, workers, metrics, log), ingestor, metrics
}

func TestSessionRcpt(t *testing.T) {
	backend, _, _ := newTestBackend(t)

	tests := []struct {
		name    string
		to      string
		wantErr bool
		userID  string
	}{
		{"合法的转发地址", "scan+user42@scan.example.com", false, "user42"},
		{"尖括号与大小写被归一化", "<SCAN+User42@Scan.Example.Com>", false, "user42"},
		{"外部域名被拒绝", "scan+user42@gmail.com", true, ""},
		{"缺少用户标识被拒绝", "scan+@scan.example.com", true, ""},
		{"没有 scan 前缀被拒绝", "billing@scan.example.com", true, ""},
		{"缺少 @ 被拒绝", "not-an-address", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &session{backend: backend}
			err := s.Rcpt(tt.to, nil)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Empty(t, s.userIDs)
				return
			}
			require.NoError(t, err)
			require.Len(t, s.userIDs, 1)
			assert.Equal(t, tt.userID, s.userIDs[0])
		})
	}
}

func TestSessionData(t *testing.T) {
	t.Run("转发小票被提取并归档", func(t *testing.T) {
		backend, ingestor, metrics := newTestBackend(t)

		s := &session{backend: backend}
		require.NoError(t, s.Mail("customer@example.com", nil))
		require.NoError(t, s.Rcpt("scan+u1@scan.example.com", nil))

		raw := strings.Join([]string{
			"From: Amazon.in <no-reply@amazon.in>",
			"To: scan+u1@scan.example.com",
			"Subject: Your order receipt",
			"Date: Mon, 10 Aug 2026 09:30:00 +0000",
			"Content-Type: text/plain; charset=utf-8",
			"",
			"Thank you for your purchase.",
			"Total: 1,234.50",
		}, "\r\n")

		require.NoError(t, s.Data(strings.NewReader(raw)))

		require.Eventually(t, func() bool {
			return ingestor.count() == 1
		}, 2*time.Second, 10*time.Millisecond)

		ingestor.mu.Lock()
		defer ingestor.mu.Unlock()
		record := ingestor.records[0]
		assert.Equal(t, "u1", ingestor.users[0])
		assert.Equal(t, "u1", record.UserID)
		assert.Equal(t, domain.SourceUpload, record.Source)
		assert.Equal(t, "Amazon.in", record.Vendor)
		assert.Equal(t, int64(123450), record.AmountMinor)
		assert.Equal(t, time.Date(2026, 8, 10, 9, 30, 0, 0, time.UTC), record.Date)
		assert.Equal(t, int32(1), atomic.LoadInt32(&metrics.forwards))
	})

	t.Run("无采购信号的转发被静默丢弃", func(t *testing.T) {
		backend, ingestor, metrics := newTestBackend(t)

		s := &session{backend: backend}
		require.NoError(t, s.Rcpt("scan+u1@scan.example.com", nil))

		raw := strings.Join([]string{
			"From: notifications@social.example",
			"Subject: You have a new follower",
			"",
			"Someone started following you. Unsubscribe here.",
		}, "\r\n")

		require.NoError(t, s.Data(strings.NewReader(raw)))

		time.Sleep(100 * time.Millisecond)
		assert.Zero(t, ingestor.count())
		assert.Zero(t, atomic.LoadInt32(&metrics.forwards), "丢弃的转发不计入归档指标")
	})

	t.Run("无法解析的内容返回 554", func(t *testing.T) {
		backend, _, _ := newTestBackend(t)

		s := &session{backend: backend}
		require.NoError(t, s.Rcpt("scan+u1@scan.example.com", nil))

		err := s.Data(strings.NewReader("\x00\x01not a mail"))
		assert.Error(t, err)
	})
}

func TestParseForwardedMail(t *testing.T) {
	t.Run("多部分邮件的纯文本与附件", func(t *testing.T) {
		raw := strings.Join([]string{
			"From: store@example.com",
			"Subject: =?utf-8?q?Invoice_for_order?=",
			"Content-Type: multipart/mixed; boundary=XYZ",
			"",
			"--XYZ",
			"Content-Type: text/plain; charset=utf-8",
			"",
			"Your invoice total: 99.00",
			"--XYZ",
			"Content-Type: application/pdf",
			"Content-Disposition: attachment; filename=\"invoice.pdf\"",
			"Content-Transfer-Encoding: base64",
			"",
			"JVBERi0xLjQ=",
			"--XYZ--",
		}, "\r\n")

		msg, err := parseForwardedMail([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "Invoice for order", msg.Subject)
		assert.Contains(t, msg.Body, "invoice total: 99.00")
		require.Len(t, msg.Attachments, 1)
		assert.Equal(t, "invoice.pdf", msg.Attachments[0].Filename)
		assert.Equal(t, "application/pdf", msg.Attachments[0].MIMEType)
		assert.True(t, msg.Attachments[0].IsPDF())
		assert.Equal(t, []byte("%PDF-1.4"), msg.Attachments[0].Data)
	})

	t.Run("重复投递得到相同标识，合并层按替换处理", func(t *testing.T) {
		raw := []byte(strings.Join([]string{
			"From: Amazon.in <no-reply@amazon.in>",
			"Subject: Your order receipt",
			"Message-ID: <order-123@mailer.amazon.in>",
			"Date: Mon, 10 Aug 2026 09:30:00 +0000",
			"Content-Type: text/plain; charset=utf-8",
			"",
			"Thank you for your purchase.",
			"Total: 1,234.50",
		}, "\r\n"))

		first, err := parseForwardedMail(raw)
		require.NoError(t, err)
		second, err := parseForwardedMail(raw)
		require.NoError(t, err)

		assert.Equal(t, "fwd-order-123@mailer.amazon.in", first.ID)
		assert.Equal(t, first.ID, second.ID)

		// 同一封邮件被 MTA 重试或用户重复转发时，
		// 两条记录 Identity 相同，总额不会被累加成两倍。
		extractor := extract.NewExtractor(zap.NewNop())
		merger := merge.NewMerger(zap.NewNop())

		r1 := extractor.Extract(first)
		r2 := extractor.Extract(second)
		require.NotNil(t, r1)
		require.NotNil(t, r2)
		assert.Equal(t, r1.Identity, r2.Identity)

		snapshot := merger.Merge(nil, []domain.PurchaseRecord{*r1})
		snapshot = merger.Merge(snapshot, []domain.PurchaseRecord{*r2})
		assert.Equal(t, 1, snapshot.Count)
		assert.Equal(t, int64(123450), snapshot.TotalAmountMinor)
	})

	t.Run("缺失 Message-ID 时退回内容哈希", func(t *testing.T) {
		raw := []byte(strings.Join([]string{
			"From: store@example.com",
			"Subject: receipt",
			"",
			"Total: 12.00",
		}, "\r\n"))

		first, err := parseForwardedMail(raw)
		require.NoError(t, err)
		second, err := parseForwardedMail(raw)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		other, err := parseForwardedMail([]byte(strings.Replace(string(raw), "12.00", "13.00", 1)))
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, other.ID)
	})

	t.Run("HTML 部分不进入正文", func(t *testing.T) {
		raw := strings.Join([]string{
			"From: store@example.com",
			"Subject: receipt",
			"Content-Type: multipart/alternative; boundary=AB",
			"",
			"--AB",
			"Content-Type: text/plain",
			"",
			"plain body",
			"--AB",
			"Content-Type: text/html",
			"",
			"<p>html body</p>",
			"--AB--",
		}, "\r\n")

		msg, err := parseForwardedMail([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "plain body", strings.TrimSpace(msg.Body))
		assert.NotContains(t, msg.Body, "html body")
	})
}

func TestConnectionLimiter(t *testing.T) {
	l := NewConnectionLimiter(2, 100)

	assert.True(t, l.Acquire())
	assert.True(t, l.Acquire())
	assert.False(t, l.Acquire(), "third concurrent connection must be rejected")
	assert.Equal(t, 2, l.Current())

	l.Release()
	assert.True(t, l.Acquire())
}
