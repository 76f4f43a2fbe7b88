package mailclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"spendscan/backend/internal/config"
	"spendscan/backend/internal/domain"
)

// GmailClient 基于 Gmail API 的邮箱客户端实现
type GmailClient struct {
	svc    *gmailv1.Service
	userID string
	log    *zap.Logger
}

// NewGmailClient 创建 Gmail 客户端。
//
// 凭据与 token 的签发/刷新属于外部认证流程，这里只消费
// 已缓存的 OAuth token。
func NewGmailClient(ctx context.Context, cfg config.MailConfig, log *zap.Logger) (*GmailClient, error) {
	b, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials at %s: %w", cfg.CredentialsFile, err)
	}

	oauthCfg, err := google.ConfigFromJSON(b, gmailv1.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse oauth config: %w", err)
	}

	tok, err := readToken(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("read token at %s: %w", cfg.TokenFile, err)
	}

	svc, err := gmailv1.NewService(ctx, option.WithHTTPClient(oauthCfg.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}

	userID := cfg.UserID
	if userID == "" {
		userID = "me"
	}

	if log == nil {
		log = zap.NewNop()
	}

	return &GmailClient{svc: svc, userID: userID, log: log}, nil
}

// ListCandidateIDs 执行搜索查询并翻页收集邮件 ID，直到取满上限。
func (c *GmailClient) ListCandidateIDs(ctx context.Context, query domain.SearchQuery) ([]string, error) {
	max := query.MaxResults
	if max <= 0 {
		max = 500
	}

	q := query.Build()
	c.log.Debug("listing candidate message ids", zap.String("query", q), zap.Int64("max", max))

	var ids []string
	pageToken := ""
	for {
		call := c.svc.Users.Messages.List(c.userID).
			Q(q).
			MaxResults(max - int64(len(ids))).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}

		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}

		pageToken = resp.NextPageToken
		if pageToken == "" || int64(len(ids)) >= max {
			break
		}
	}

	if int64(len(ids)) > max {
		ids = ids[:max]
	}
	return ids, nil
}

// FetchMessage 抓取完整邮件并转换为 RawMessage。
// 附件只带元数据，字节由 FetchAttachment 按需抓取。
func (c *GmailClient) FetchMessage(ctx context.Context, id string) (*domain.RawMessage, error) {
	msg, err := c.svc.Users.Messages.Get(c.userID, id).Format("full").Context(ctx).Do()
	if err != nil {
		// 列出与抓取之间邮件可能被删除，调用方需要能区分这种情况
		if isNotFound(err) {
			return nil, fmt.Errorf("get message %s: %w", id, ErrMessageNotFound)
		}
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}

	raw := &domain.RawMessage{
		ID:   msg.Id,
		Date: time.UnixMilli(msg.InternalDate).UTC(),
	}

	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "from":
				raw.From = h.Value
			case "subject":
				raw.Subject = h.Value
			}
		}
		raw.Body = extractPlainText(msg.Payload)
		raw.Attachments = collectAttachments(msg.Payload)
	}

	return raw, nil
}

// FetchAttachment 抓取附件字节并做 base64url 解码。
func (c *GmailClient) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	att, err := c.svc.Users.Messages.Attachments.Get(c.userID, messageID, attachmentID).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("get attachment %s of message %s: %w", attachmentID, messageID, ErrAttachmentNotFound)
		}
		return nil, fmt.Errorf("get attachment %s of message %s: %w", attachmentID, messageID, err)
	}
	data, err := decodeBase64URL(att.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment data: %w", err)
	}
	return data, nil
}

// extractPlainText 递归遍历 MIME 树，返回首个 text/plain 正文。
// multipart/alternative 优先取 text/plain。
func extractPlainText(part *gmailv1.MessagePart) string {
	if part == nil {
		return ""
	}

	mime := strings.ToLower(part.MimeType)
	if mime == "text/plain" && part.Body != nil && part.Body.Data != "" {
		if data, err := decodeBase64URL(part.Body.Data); err == nil {
			return string(data)
		}
		return ""
	}

	if len(part.Parts) > 0 {
		for _, sub := range part.Parts {
			if strings.ToLower(sub.MimeType) == "text/plain" {
				if body := extractPlainText(sub); body != "" {
					return body
				}
			}
		}
		for _, sub := range part.Parts {
			if body := extractPlainText(sub); body != "" {
				return body
			}
		}
	}

	return ""
}

// collectAttachments 收集 MIME 树中的附件描述符（仅元数据）。
func collectAttachments(part *gmailv1.MessagePart) []*domain.Attachment {
	if part == nil {
		return nil
	}

	var atts []*domain.Attachment
	if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
		atts = append(atts, &domain.Attachment{
			ID:       part.Body.AttachmentId,
			Filename: part.Filename,
			MIMEType: strings.ToLower(part.MimeType),
			Size:     part.Body.Size,
		})
	}
	for _, sub := range part.Parts {
		atts = append(atts, collectAttachments(sub)...)
	}
	return atts
}

// isNotFound 判断是否为 Gmail API 的 404 响应
func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// decodeBase64URL Gmail API 使用 web-safe base64，按需补齐 padding。
func decodeBase64URL(data string) ([]byte, error) {
	if decoded, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return decoded, nil
	}
	return base64.URLEncoding.DecodeString(data)
}

// readToken 读取缓存的 OAuth token
func readToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, err
	}
	return tok, nil
}
