package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendscan/backend/internal/domain"
)

func TestExtract(t *testing.T) {
	e := NewExtractor(nil)

	t.Run("标注总额优先并取最大值", func(t *testing.T) {
		record := e.Extract(&domain.RawMessage{
			ID:      "msg-1",
			Subject: "Your order Total 1,234.50",
			From:    "Amazon.in <no-reply@amazon.in>",
			Date:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		})

		require.NotNil(t, record)
		assert.Equal(t, int64(123450), record.AmountMinor)
		assert.True(t, record.IsInvoice)
		assert.Equal(t, "msg-1", record.Identity)
	})

	t.Run("社交通知被丢弃", func(t *testing.T) {
		record := e.Extract(&domain.RawMessage{
			ID:      "msg-2",
			Subject: "John commented on your post",
			Body:    "unsubscribe here",
			From:    "notification@facebookmail.com",
		})

		assert.Nil(t, record)
	})

	t.Run("subtotal与total并存时取total", func(t *testing.T) {
		record := e.Extract(&domain.RawMessage{
			ID:      "msg-3",
			Subject: "Invoice #42",
			From:    "billing@hosting.example",
			Body:    "Subtotal: 90.00\nTax: 10.00\nTotal: 100.00",
		})

		require.NotNil(t, record)
		assert.Equal(t, int64(10000), record.AmountMinor)
	})

	t.Run("货币符号兜底", func(t *testing.T) {
		record := e.Extract(&domain.RawMessage{
			ID:      "msg-4",
			Subject: "Payment confirmation",
			From:    "shop@vendor.example",
			Body:    "You paid $45.99 for your order",
		})

		require.NotNil(t, record)
		assert.Equal(t, int64(4599), record.AmountMinor)
		assert.InDelta(t, 0.6, record.Confidence, 0.2)
	})

	t.Run("无金额时记录为零而非错误", func(t *testing.T) {
		record := e.Extract(&domain.RawMessage{
			ID:      "msg-5",
			Subject: "Order confirmation",
			From:    "orders@vendor.example",
			Body:    "Your order has shipped",
		})

		require.NotNil(t, record)
		assert.Equal(t, int64(0), record.AmountMinor)
		assert.GreaterOrEqual(t, record.AmountMinor, int64(0))
	})

	t.Run("零金额促销发件方被丢弃", func(t *testing.T) {
		record := e.Extract(&domain.RawMessage{
			ID:      "msg-6",
			Subject: "Your order of memories",
			From:    "updates@instagram.com",
			Body:    "see what you missed",
		})

		assert.Nil(t, record)
	})

	t.Run("关键词冲突时非零金额按购买处理", func(t *testing.T) {
		record := e.Extract(&domain.RawMessage{
			ID:      "msg-7",
			Subject: "Receipt for your order",
			From:    "store@shop.example",
			Body:    "Total: 20.00\nunsubscribe from these emails",
		})

		require.NotNil(t, record)
		assert.Equal(t, int64(2000), record.AmountMinor)
	})

	t.Run("空邮件不会崩溃", func(t *testing.T) {
		assert.NotPanics(t, func() {
			e.Extract(&domain.RawMessage{ID: "msg-8"})
			e.Extract(nil)
		})
	})

	t.Run("日期缺失时回落到当天", func(t *testing.T) {
		record := e.Extract(&domain.RawMessage{
			ID:      "msg-9",
			Subject: "Invoice Total 5.00",
			From:    "billing@vendor.example",
		})

		require.NotNil(t, record)
		assert.WithinDuration(t, time.Now().UTC(), record.Date, time.Minute)
	})

	t.Run("置信度在0到1之间", func(t *testing.T) {
		record := e.Extract(&domain.RawMessage{
			ID:      "msg-10",
			Subject: "Invoice receipt payment Total 999.99",
			From:    "billing@vendor.example",
			Body:    "invoice receipt order payment confirmation",
		})

		require.NotNil(t, record)
		assert.GreaterOrEqual(t, record.Confidence, 0.0)
		assert.LessOrEqual(t, record.Confidence, 1.0)
	})
}

func TestCleanVendor(t *testing.T) {
	tests := []struct {
		name string
		from string
		want string
	}{
		{"带信封地址", "Amazon.in <no-reply@amazon.in>", "Amazon.in"},
		{"带引号", `"Stripe" <receipts@stripe.com>`, "Stripe"},
		{"通用前缀被剔除", "noreply Acme Store <noreply@acme.example>", "Acme Store"},
		{"纯地址回落到兜底", "<noreply@example.com>", domain.UnknownVendor},
		{"空串回落到兜底", "", domain.UnknownVendor},
		{"单字符回落到兜底", "a <a@b.c>", domain.UnknownVendor},
		{"单个多字节字符同样回落", "店 <shop@example.jp>", domain.UnknownVendor},
		{"两个多字节字符保留", "商店 <shop@example.jp>", "商店"},
		{"空白折叠", "  Acme   Corp  <x@y.z>", "Acme Corp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanVendor(tt.from))
		})
	}
}

func TestParseAmountMinor(t *testing.T) {
	tests := []struct {
		raw   string
		minor int64
		ok    bool
	}{
		{"1,234.50", 123450, true},
		{"100", 10000, true},
		{"0.99", 99, true},
		{"", 0, false},
		{"abc", 0, false},
	}

	for _, tt := range tests {
		minor, ok := parseAmountMinor(tt.raw)
		assert.Equal(t, tt.ok, ok, tt.raw)
		if tt.ok {
			assert.Equal(t, tt.minor, minor, tt.raw)
		}
	}
}
