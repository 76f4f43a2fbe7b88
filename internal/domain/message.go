package domain

import "time"

// RawMessage 表示一封已抓取的原始邮件。
//
// 瞬态结构，不直接落库；在交给提取器之前由抓取器独占持有。
type RawMessage struct {
	ID          string        `json:"id"`
	Subject     string        `json:"subject"`
	From        string        `json:"from"`
	Date        time.Time     `json:"date"`
	Body        string        `json:"body"`
	Attachments []*Attachment `json:"attachments,omitempty"`
}

// Attachment 表示邮件附件描述符。
//
// Data 仅在附件类型符合内容提取条件（PDF 文档）时才会被懒加载；
// 其余附件只携带元数据。
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MIMEType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Data     []byte `json:"-"`
}

// IsPDF 判断附件是否为可提取内容的 PDF 文档
func (a *Attachment) IsPDF() bool {
	return a.MIMEType == "application/pdf"
}

// FetchFailure 表示单封邮件抓取失败。
//
// 单项失败不会中止整个批次，调用方拿到部分结果后自行决定是否重试。
type FetchFailure struct {
	MessageID string `json:"messageId"`
	Reason    string `json:"reason"`
	// NotFound 为真表示邮件在列出之后、抓取之前被删除，
	// 属于预期内波动，不应计入抓取失败。
	NotFound bool `json:"notFound,omitempty"`
}

// FetchOutcome 表示一次单封邮件抓取的结果：成功时 Message 非空，
// 失败时 Failure 非空，两者互斥。
type FetchOutcome struct {
	Message *RawMessage
	Failure *FetchFailure
}

// OK 判断抓取是否成功
func (o FetchOutcome) OK() bool {
	return o.Message != nil
}
