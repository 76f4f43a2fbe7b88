package extract

import "regexp"

// 金额规则优先级。同一优先级组内取数值最大的匹配
//（发票通常同时出现 subtotal/tax/total，只应取 total）；
// 组间按优先级从高到低，首个命中的组获胜。
const (
	PriorityLabeledTotal = iota // "TOTAL 1234" 等显式标注
	PriorityCurrency            // 货币符号/代码 + 数字
	PriorityTrailing            // 文本末尾的裸数字，仅兜底
)

// AmountRule 是一条金额提取规则：模式、优先级、置信度。
//
// 提取的优先顺序由规则表数据决定，而不是代码里的分支顺序，
// 方便逐条规则独立测试。Pattern 的第一个捕获组必须是数字串。
type AmountRule struct {
	Name       string
	Priority   int
	Confidence float64
	Pattern    *regexp.Regexp
}

// numberPattern 允许千位分隔符与最多两位小数
const numberPattern = `([0-9][0-9,]*(?:\.[0-9]{1,2})?)`

// AmountRules 金额提取规则表，按优先级排列。
var AmountRules = []AmountRule{
	{
		Name:       "labeled-total",
		Priority:   PriorityLabeledTotal,
		Confidence: 0.9,
		Pattern: regexp.MustCompile(
			`(?i)(?:grand\s+total|balance\s+due|amount\s+due|total|amount)\s*[:\-]?\s*(?:[A-Z]{3}\s*|[$€£₹¥]\s*|Rs\.?\s*)?` + numberPattern),
	},
	{
		Name:       "currency-symbol",
		Priority:   PriorityCurrency,
		Confidence: 0.6,
		Pattern:    regexp.MustCompile(`[$€£₹¥]\s*` + numberPattern),
	},
	{
		Name:       "currency-code",
		Priority:   PriorityCurrency,
		Confidence: 0.6,
		Pattern:    regexp.MustCompile(`(?i)(?:USD|EUR|GBP|INR|JPY|CNY|Rs\.?)\s*` + numberPattern),
	},
	{
		Name:       "number-currency-code",
		Priority:   PriorityCurrency,
		Confidence: 0.6,
		Pattern:    regexp.MustCompile(`(?i)` + numberPattern + `\s*(?:USD|EUR|GBP|INR|JPY|CNY)\b`),
	},
	{
		Name:       "trailing-number",
		Priority:   PriorityTrailing,
		Confidence: 0.3,
		Pattern:    regexp.MustCompile(numberPattern + `\s*$`),
	},
}

// purchaseKeywords 购买指示关键词集合（对小写化的主题、发件人、正文取匹配）
var purchaseKeywords = []string{
	"invoice", "receipt", "bill", "order", "payment", "confirmation",
	"purchase", "transaction", "subscription renewed", "charged",
}

// noiseKeywords 促销/通知类噪音关键词集合
var noiseKeywords = []string{
	"unsubscribe", "notification", "commented on", "marketing",
	"newsletter", "sale", "offer", "deal of", "% off", "followed you",
	"friend request", "mentioned you", "liked your",
}

// promoVendorPatterns 已知促销类发件方规则：命中且金额为零时整封丢弃。
var promoVendorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)facebook|instagram|twitter|linkedin|pinterest|tiktok`),
	regexp.MustCompile(`(?i)\bno-?reply@.*(promo|news|updates|social)`),
	regexp.MustCompile(`(?i)newsletter@|marketing@|promotions?@`),
}

// genericSenderPrefixes 商家名清洗时剔除的通用发件前缀
var genericSenderPrefixes = []string{
	"noreply", "no-reply", "no_reply", "donotreply", "do-not-reply",
	"support", "info", "mailer", "notifications", "notify", "hello",
	"contact", "team", "admin", "billing",
}

// angleAddrPattern 信封地址中的 <...> 部分
var angleAddrPattern = regexp.MustCompile(`<[^>]*>`)

// whitespacePattern 连续空白
var whitespacePattern = regexp.MustCompile(`\s+`)

// thousandsPattern 千位分隔符
var thousandsPattern = regexp.MustCompile(`,`)
