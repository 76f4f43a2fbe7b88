package domain

import "time"

// JobState 后台扫描任务状态
type JobState string

const (
	JobIdle    JobState = "idle"    // 空闲，可以启动新任务
	JobSyncing JobState = "syncing" // 扫描进行中
	JobSuccess JobState = "success" // 扫描成功完成
	JobError   JobState = "error"   // 扫描失败（任务级错误）
)

// JobStatus 表示一次后台扫描任务对外发布的状态快照。
//
// 同一个用户同时最多只有一个 syncing 任务；任务进行中
// Progress 与 DocumentsFound 单调不减。
type JobStatus struct {
	IsActive       bool      `json:"isActive"`
	Progress       int       `json:"progress"` // 0-100
	DocumentsFound int       `json:"documentsFound"`
	Status         JobState  `json:"status"`
	Message        string    `json:"message"`
	LastSyncTime   time.Time `json:"lastSyncTime"`
}

// IdleJobStatus 返回默认的空闲状态
func IdleJobStatus() JobStatus {
	return JobStatus{
		Status:  JobIdle,
		Message: "no scan in progress",
	}
}

// JobStatusPatch 表示对任务状态的部分更新（POST 发布接口的载荷）。
//
// 指针字段为 nil 时表示不修改对应字段。
type JobStatusPatch struct {
	IsActive       *bool     `json:"isActive,omitempty"`
	Progress       *int      `json:"progress,omitempty"`
	DocumentsFound *int      `json:"documentsFound,omitempty"`
	Status         *JobState `json:"status,omitempty"`
	Message        *string   `json:"message,omitempty"`
}

// Apply 将补丁应用到状态上，返回修改后的副本。
func (p JobStatusPatch) Apply(s JobStatus) JobStatus {
	if p.IsActive != nil {
		s.IsActive = *p.IsActive
	}
	if p.Progress != nil {
		s.Progress = *p.Progress
	}
	if p.DocumentsFound != nil {
		s.DocumentsFound = *p.DocumentsFound
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.Message != nil {
		s.Message = *p.Message
	}
	return s
}
