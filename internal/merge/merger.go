package merge

import (
	"go.uber.org/zap"

	"spendscan/backend/internal/domain"
)

// Merger 将新提取的记录合并进既有集合，按 Identity 去重。
//
// 合并是幂等的：同一批记录合并两次与合并一次产生相同的快照。
// 后台任务在部分失败后会重试同一批次，依赖这一性质。
type Merger struct {
	log *zap.Logger
}

// NewMerger 创建合并器
func NewMerger(log *zap.Logger) *Merger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Merger{log: log}
}

// Merge 合并记录批次，返回新的快照，不修改输入。
//
// 冲突裁决：相同 Identity 下，置信度更高（或相等，新记录更近）
// 的记录胜出；聚合字段在全部合并完成后从结果全集重算。
func (m *Merger) Merge(existing *domain.CollectionSnapshot, incoming []domain.PurchaseRecord) *domain.CollectionSnapshot {
	var result *domain.CollectionSnapshot
	if existing == nil {
		result = domain.NewCollectionSnapshot("")
	} else {
		result = existing.Clone()
	}

	for _, record := range incoming {
		if record.Identity == "" {
			continue
		}

		idx := result.Find(record.Identity)
		if idx < 0 {
			result.Records = append(result.Records, record)
			continue
		}

		current := result.Records[idx]
		if record.Confidence >= current.Confidence {
			m.log.Info("purchase record superseded",
				zap.String("identity", record.Identity),
				zap.Float64("old_confidence", current.Confidence),
				zap.Float64("new_confidence", record.Confidence),
				zap.String("reason", supersedeReason(current, record)),
			)
			result.Records[idx] = record
		} else {
			m.log.Debug("incoming record dropped, existing has higher confidence",
				zap.String("identity", record.Identity),
				zap.Float64("existing_confidence", current.Confidence),
				zap.Float64("incoming_confidence", record.Confidence),
			)
		}
	}

	result.Recompute()
	return result
}

// supersedeReason 描述替换原因，用于日志审计
func supersedeReason(existing, incoming domain.PurchaseRecord) string {
	if incoming.Confidence > existing.Confidence {
		return "higher confidence"
	}
	return "equal confidence, newer record wins"
}
