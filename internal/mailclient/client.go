package mailclient

import (
	"context"
	"errors"

	"spendscan/backend/internal/domain"
)

var (
	// ErrMessageNotFound 邮件不存在
	ErrMessageNotFound = errors.New("message not found")
	// ErrAttachmentNotFound 附件不存在
	ErrAttachmentNotFound = errors.New("attachment not found")
)

// Client 定义对外部邮箱服务的窄读取契约。
//
// 认证刷新、传输细节都属于邮箱服务自身；本系统只消费这三个操作。
type Client interface {
	// ListCandidateIDs 按搜索条件返回候选邮件 ID 列表（未抓取内容）。
	ListCandidateIDs(ctx context.Context, query domain.SearchQuery) ([]string, error)
	// FetchMessage 抓取一封完整邮件（正文 + 附件元数据）。
	FetchMessage(ctx context.Context, id string) (*domain.RawMessage, error)
	// FetchAttachment 按需抓取附件字节。
	FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}
