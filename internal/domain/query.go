package domain

import (
	"fmt"
	"strings"
	"time"
)

// DefaultIncludeKeywords 默认的购买类关键词（OR 组合）
var DefaultIncludeKeywords = []string{
	"invoice", "receipt", "bill", "order", "payment", "confirmation", "purchase",
}

// DefaultExcludeTerms 默认排除项：已知促销 / 信用卡账单发件域与主题关键词
var DefaultExcludeTerms = []string{
	"from:newsletter",
	"from:marketing",
	"from:facebookmail.com",
	"from:linkedin.com",
	"from:twitter.com",
	"subject:unsubscribe",
	"subject:statement",
	"subject:newsletter",
}

// SearchQuery 描述一次邮箱搜索：日期窗口 + 包含关键词 OR 组 + 排除项。
//
// 产出的查询串遵循邮箱服务自身的搜索语法，本系统只按既定规则拼接，
// 不拥有该协议。
type SearchQuery struct {
	NewerThanDays   int       // newer_than:Nd 日期下界；与 After/Before 互斥
	After           time.Time // 回填模式的起始日期
	Before          time.Time // 回填模式的结束日期
	IncludeKeywords []string  // 为空时使用 DefaultIncludeKeywords
	ExcludeTerms    []string  // 为空时使用 DefaultExcludeTerms
	MaxResults      int64     // 候选 ID 列表上限
}

// Build 拼接查询串。
func (q SearchQuery) Build() string {
	var parts []string

	// 日期窗口：显式 after/before 优先于 newer_than
	if !q.After.IsZero() {
		parts = append(parts, fmt.Sprintf("after:%s", q.After.Format("2006/01/02")))
		if !q.Before.IsZero() {
			parts = append(parts, fmt.Sprintf("before:%s", q.Before.Format("2006/01/02")))
		}
	} else if q.NewerThanDays > 0 {
		parts = append(parts, fmt.Sprintf("newer_than:%dd", q.NewerThanDays))
	}

	include := q.IncludeKeywords
	if len(include) == 0 {
		include = DefaultIncludeKeywords
	}
	parts = append(parts, "("+strings.Join(include, " OR ")+")")

	exclude := q.ExcludeTerms
	if len(exclude) == 0 {
		exclude = DefaultExcludeTerms
	}
	for _, term := range exclude {
		parts = append(parts, "-"+term)
	}

	return strings.Join(parts, " ")
}
