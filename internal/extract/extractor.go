package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"spendscan/backend/internal/domain"
)

// Extractor 把一封原始邮件转换为候选消费记录。
//
// 对任意输入都不返回错误：每个字段都有明确的兜底值，
// 判定为噪音时返回 nil，这是正常结果而非失败。
type Extractor struct {
	log *zap.Logger
}

// NewExtractor 创建提取器
func NewExtractor(log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{log: log}
}

// segment 一段待提取的文本及其来源（空串表示主题+正文，否则为附件 ID）
type segment struct {
	attachmentID string
	text         string
}

// amountMatch 一次金额命中
type amountMatch struct {
	minor        int64
	confidence   float64
	rule         string
	attachmentID string
}

// Extract 提取单封邮件。
//
// 返回 nil 表示该邮件被判定为非购买类噪音（促销、社交通知等），
// 属于预期结果。金额提取不到时记录金额为 0，同样不是错误。
func (e *Extractor) Extract(msg *domain.RawMessage) *domain.PurchaseRecord {
	if msg == nil {
		return nil
	}

	segments := collectSegments(msg)
	match := bestAmount(segments)

	lower := strings.ToLower(msg.Subject + "\n" + msg.From + "\n" + msg.Body)
	purchaseHit := containsAny(lower, purchaseKeywords)
	noiseHit := containsAny(lower, noiseKeywords)
	promoVendor := matchesAny(msg.From, promoVendorPatterns) || matchesAny(msg.Subject, promoVendorPatterns)

	// 分类偏向精确率：漏掉收据好过把促销当成消费
	switch {
	case noiseHit && !purchaseHit:
		e.log.Debug("message discarded as noise",
			zap.String("message_id", msg.ID),
			zap.String("subject", msg.Subject),
		)
		return nil
	case promoVendor && match.minor == 0:
		e.log.Debug("message discarded as zero-amount promotional vendor",
			zap.String("message_id", msg.ID),
			zap.String("from", msg.From),
		)
		return nil
	case purchaseHit && noiseHit && match.minor == 0:
		// 两类关键词同时命中时，只有提出非零金额才按购买处理
		return nil
	}

	confidence := match.confidence
	if confidence == 0 {
		confidence = 0.1
	}
	if purchaseHit {
		confidence += 0.05
	}
	if strings.Contains(strings.ToLower(msg.Subject), "invoice") || strings.Contains(strings.ToLower(msg.Subject), "receipt") {
		confidence += 0.05
	}
	confidence = math.Min(confidence, 1.0)

	identity := msg.ID
	if match.attachmentID != "" {
		identity = msg.ID + ":" + match.attachmentID
	}

	date := msg.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}

	return &domain.PurchaseRecord{
		Identity:    identity,
		Vendor:      CleanVendor(msg.From),
		AmountMinor: match.minor,
		Date:        date,
		Subject:     msg.Subject,
		IsInvoice:   purchaseHit,
		Confidence:  confidence,
		Source:      domain.SourceFreshScan,
	}
}

// collectSegments 汇总主题+正文段和各 PDF 附件的文本段。
func collectSegments(msg *domain.RawMessage) []segment {
	segments := []segment{{text: msg.Subject + "\n" + msg.Body}}
	for _, att := range msg.Attachments {
		if att == nil || !att.IsPDF() || len(att.Data) == 0 {
			continue
		}
		text := AttachmentText(att.Data)
		if text != "" {
			segments = append(segments, segment{attachmentID: att.ID, text: text})
		}
	}
	return segments
}

// bestAmount 在规则表上执行级联提取。
//
// 组间：优先级高的组首个命中即获胜；组内：取数值最大的匹配
//（标注金额并存时较大者视为总额）。
func bestAmount(segments []segment) amountMatch {
	for priority := PriorityLabeledTotal; priority <= PriorityTrailing; priority++ {
		best := amountMatch{minor: -1}
		for _, rule := range AmountRules {
			if rule.Priority != priority {
				continue
			}
			for _, seg := range segments {
				for _, m := range rule.Pattern.FindAllStringSubmatch(seg.text, -1) {
					minor, ok := parseAmountMinor(m[1])
					if !ok {
						continue
					}
					if minor > best.minor {
						best = amountMatch{
							minor:        minor,
							confidence:   rule.Confidence,
							rule:         rule.Name,
							attachmentID: seg.attachmentID,
						}
					}
				}
			}
		}
		if best.minor >= 0 {
			return best
		}
	}
	return amountMatch{}
}

// parseAmountMinor 解析金额字符串为最小货币单位。
// 去掉千位分隔符后解析；非有限值或负数一律丢弃。
func parseAmountMinor(raw string) (int64, bool) {
	cleaned := thousandsPattern.ReplaceAllString(strings.TrimSpace(raw), "")
	if cleaned == "" {
		return 0, false
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return 0, false
	}
	return int64(math.Round(value * 100)), true
}

// CleanVendor 从发件人字段清洗出展示用商家名。
//
// 剔除 <...> 信封地址、引号与通用发件前缀，折叠空白；
// 剩余内容为空或短于 2 个字符时回落到 UnknownVendor。
func CleanVendor(from string) string {
	name := angleAddrPattern.ReplaceAllString(from, "")
	name = strings.Trim(name, `"' `)

	lower := strings.ToLower(name)
	for _, prefix := range genericSenderPrefixes {
		if strings.HasPrefix(lower, prefix) {
			name = name[len(prefix):]
			name = strings.TrimLeft(name, "@.-_ ")
			lower = strings.ToLower(name)
		}
	}

	name = whitespacePattern.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)

	// 按字符数而非字节数判断，单个多字节字符同样算太短
	if utf8.RuneCountInString(name) < 2 {
		return domain.UnknownVendor
	}
	return name
}

// containsAny 判断文本是否包含任一关键词
func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// matchesAny 判断文本是否命中任一模式
func matchesAny(text string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
