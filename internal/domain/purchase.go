package domain

import (
	"sort"
	"time"
)

// UnknownVendor 商家名提取失败时使用的兜底名称
const UnknownVendor = "Unknown Vendor"

// 记录来源标记，用于调试与合并时的溯源
const (
	SourceFreshScan = "fresh-scan" // 后台扫描提取
	SourceCache     = "cache"      // 从缓存层加载
	SourceUpload    = "upload"     // SMTP 转发 / 手动上传
)

// PurchaseRecord 表示从一封邮件中提取出的一条消费记录。
//
// Identity 在单个用户的集合内唯一：来自邮件正文的记录使用邮件 ID，
// 来自某个附件的记录使用 "邮件ID:附件ID"。
type PurchaseRecord struct {
	Identity    string    `json:"identity" gorm:"primaryKey;type:varchar(128)"`
	UserID      string    `json:"-" gorm:"primaryKey;type:varchar(64);index"`
	Vendor      string    `json:"vendor" gorm:"type:varchar(255);not null"`
	AmountMinor int64     `json:"amountMinorUnits" gorm:"not null;check:amount_minor >= 0"`
	Date        time.Time `json:"date"`
	Subject     string    `json:"subject" gorm:"type:varchar(500)"`
	IsInvoice   bool      `json:"isInvoice"`
	Confidence  float64   `json:"confidence"`
	Source      string    `json:"source" gorm:"type:varchar(32)"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TableName 指定 GORM 表名
func (PurchaseRecord) TableName() string {
	return "purchase_records"
}

// CollectionSnapshot 表示用户当前可见的消费记录集合。
//
// 聚合字段（TotalAmountMinor、Count）每次变更后都从记录全集重新计算，
// 绝不做增量修正，避免聚合值漂移。
type CollectionSnapshot struct {
	UserID           string           `json:"userId"`
	Records          []PurchaseRecord `json:"records"`
	TotalAmountMinor int64            `json:"totalAmountMinorUnits"`
	Count            int              `json:"count"`
	GeneratedAt      time.Time        `json:"generatedAt"`
}

// NewCollectionSnapshot 创建空集合快照
func NewCollectionSnapshot(userID string) *CollectionSnapshot {
	return &CollectionSnapshot{
		UserID:      userID,
		Records:     []PurchaseRecord{},
		GeneratedAt: time.Now().UTC(),
	}
}

// Recompute 重新计算聚合字段并按日期倒序排列记录。
func (s *CollectionSnapshot) Recompute() {
	sort.SliceStable(s.Records, func(i, j int) bool {
		return s.Records[i].Date.After(s.Records[j].Date)
	})

	var total int64
	for i := range s.Records {
		total += s.Records[i].AmountMinor
	}
	s.TotalAmountMinor = total
	s.Count = len(s.Records)
	s.GeneratedAt = time.Now().UTC()
}

// Find 按 Identity 查找记录，返回下标，未找到返回 -1。
func (s *CollectionSnapshot) Find(identity string) int {
	for i := range s.Records {
		if s.Records[i].Identity == identity {
			return i
		}
	}
	return -1
}

// Clone 返回快照的深拷贝，供并发读取方安全持有。
func (s *CollectionSnapshot) Clone() *CollectionSnapshot {
	records := make([]PurchaseRecord, len(s.Records))
	copy(records, s.Records)
	return &CollectionSnapshot{
		UserID:           s.UserID,
		Records:          records,
		TotalAmountMinor: s.TotalAmountMinor,
		Count:            s.Count,
		GeneratedAt:      s.GeneratedAt,
	}
}
