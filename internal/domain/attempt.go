package domain

import "time"

// AttemptStatus 投递记录状态
type AttemptStatus string

const (
	// AttemptStatusPending 已入队，等待首次投递
	AttemptStatusPending AttemptStatus = "pending"
	// AttemptStatusProcessing 正在投递
	AttemptStatusProcessing AttemptStatus = "processing"
	// AttemptStatusDelivered 投递成功（终态）
	AttemptStatusDelivered AttemptStatus = "delivered"
	// AttemptStatusFailed 重试次数耗尽（终态）
	AttemptStatusFailed AttemptStatus = "failed"
	// AttemptStatusBounced 对端永久拒绝（终态）
	AttemptStatusBounced AttemptStatus = "bounced"
	// AttemptStatusRejected 投递前被本地策略拒绝（终态）
	AttemptStatusRejected AttemptStatus = "rejected"
)

// IsTerminal 判断状态是否为终态。
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptStatusDelivered, AttemptStatusFailed, AttemptStatusBounced, AttemptStatusRejected:
		return true
	}
	return false
}

// DeliveryAttempt 是投递台账的持久化单元：
// 一封入站邮件的每个目的地址各对应一条记录。
//
// 不变量：状态只向终态单调推进；failed 之前允许有限次重试。
// 只有转发引擎写入，面板只读。
type DeliveryAttempt struct {
	ID            string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MessageID     string        `json:"messageId" gorm:"type:varchar(36);index;not null"`
	ThreadID      string        `json:"threadId" gorm:"type:varchar(36);index"`
	DomainID      string        `json:"domainId" gorm:"type:varchar(36);index"`
	AliasID       string        `json:"aliasId" gorm:"type:varchar(36)"`
	Sender        string        `json:"sender" gorm:"type:varchar(254)"`
	Recipient     string        `json:"recipient" gorm:"type:varchar(254)"`   // 原始收件地址
	Destination   string        `json:"destination" gorm:"type:varchar(254)"` // 解析出的真实地址
	Status        AttemptStatus `json:"status" gorm:"type:varchar(20);default:'pending';index"`
	LastError     string        `json:"lastError" gorm:"type:text"`
	Size          int64         `json:"size"`
	HasAttachment bool          `json:"hasAttachment"`
	Attempts      int           `json:"attempts" gorm:"default:0"`
	NextRetryAt   *time.Time    `json:"nextRetryAt"`
	CompletedAt   *time.Time    `json:"completedAt"`
	CreatedAt     time.Time     `json:"createdAt" gorm:"index"`
	UpdatedAt     time.Time     `json:"updatedAt" gorm:"autoUpdateTime"`
}

// AttemptFilter 台账查询条件，供面板只读接口使用。
type AttemptFilter struct {
	DomainID string
	Status   AttemptStatus
	Since    *time.Time
	Until    *time.Time
	Limit    int
}
