package smtp

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"spendscan/backend/internal/domain"
)

// parseForwardedMail 把转发来的原始邮件解析成抓取层同构的 RawMessage，
// 后续走与邮箱扫描完全相同的提取路径。
func parseForwardedMail(rawEmail []byte) (*domain.RawMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(rawEmail))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	parsed := &domain.RawMessage{
		ID:      forwardedMessageID(msg.Header.Get("Message-Id"), rawEmail),
		Subject: decodeHeader(msg.Header.Get("Subject")),
		From:    decodeHeader(msg.Header.Get("From")),
		Date:    time.Now().UTC(),
	}
	if date, err := msg.Header.Date(); err == nil {
		parsed.Date = date.UTC()
	}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// 没有 Content-Type 或解析失败，按纯文本处理
		body, _ := io.ReadAll(msg.Body)
		parsed.Body = string(body)
		return parsed, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message without boundary")
		}
		mr := multipart.NewReader(msg.Body, boundary)
		if err := parseMultipart(mr, parsed); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
	} else {
		body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		parsed.Body = body
	}

	return parsed, nil
}

// parseMultipart 递归解析多部分邮件。
// 纯文本部分拼进正文，PDF 附件保留原始字节，其余附件只留元数据。
func parseMultipart(mr *multipart.Reader, parsed *domain.RawMessage) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		contentType := part.Header.Get("Content-Type")
		mediaType, params, err := mime.ParseMediaType(contentType)
		if err != nil {
			mediaType = "text/plain"
		}

		disposition := part.Header.Get("Content-Disposition")
		if disposition != "" {
			dispType, dispParams, _ := mime.ParseMediaType(disposition)
			if dispType == "attachment" || dispType == "inline" {
				filename := dispParams["filename"]
				if filename == "" {
					filename = params["name"]
				}
				if filename == "" {
					filename = "unnamed"
				}
				filename = decodeHeader(filename)

				content, err := io.ReadAll(part)
				if err != nil {
					continue
				}
				if strings.EqualFold(part.Header.Get("Content-Transfer-Encoding"), "base64") {
					decoded, err := base64.StdEncoding.DecodeString(string(content))
					if err == nil {
						content = decoded
					}
				}

				parsed.Attachments = append(parsed.Attachments, &domain.Attachment{
					ID:       fmt.Sprintf("part-%d", len(parsed.Attachments)+1),
					Filename: filename,
					MIMEType: mediaType,
					Size:     int64(len(content)),
					Data:     content,
				})
				continue
			}
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			boundary := params["boundary"]
			if boundary != "" {
				nested := multipart.NewReader(part, boundary)
				if err := parseMultipart(nested, parsed); err != nil {
					return err
				}
			}
			continue
		}

		// 提取只看纯文本，HTML 部分忽略
		if strings.HasPrefix(mediaType, "text/plain") {
			body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
			if err != nil {
				continue
			}
			if parsed.Body == "" {
				parsed.Body = body
			} else {
				parsed.Body += "\n" + body
			}
		}
	}

	return nil
}

// forwardedMessageID 为转发邮件导出稳定的消息标识。
//
// 记录的 Identity 直接来自这个标识；同一封邮件重复投递
// （用户重复转发、MTA 在 451 之后重试）必须得到相同的标识，
// 合并层才会按 Identity 替换而不是累加成两条记录。
// 优先用 Message-ID，缺失时对原始字节取内容哈希。
func forwardedMessageID(messageID string, rawEmail []byte) string {
	messageID = strings.Trim(strings.TrimSpace(messageID), "<>")
	if messageID != "" {
		if len(messageID) > 100 {
			sum := sha256.Sum256([]byte(messageID))
			messageID = hex.EncodeToString(sum[:16])
		}
		return "fwd-" + messageID
	}
	if len(rawEmail) > 0 {
		sum := sha256.Sum256(rawEmail)
		return "fwd-" + hex.EncodeToString(sum[:16])
	}
	return "fwd-" + uuid.NewString()
}

// decodeBody 根据传输编码与字符集解码邮件体。
func decodeBody(reader io.Reader, transferEncoding string, charset string) (string, error) {
	transferEncoding = strings.ToLower(strings.TrimSpace(transferEncoding))

	var decoded io.Reader = reader
	switch transferEncoding {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc := charsetEncoding(charset); enc != nil {
			converted, _, err := transform.Bytes(enc.NewDecoder(), body)
			if err == nil {
				body = converted
			}
		}
	}

	return string(body), nil
}

// charsetEncoding 根据字符集名称返回编码器
func charsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp", "shift_jis", "euc-jp":
		return japanese.ShiftJIS
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}

func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := new(mime.WordDecoder)
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
