package domain

// InboundMessage 表示一封正在处理中的入站邮件。
//
// 它只存在于一次"接收→转发"周期内，从不落库；
// 投递结果由它派生出的 DeliveryAttempt 记录承载。
type InboundMessage struct {
	MessageID     string // 引擎生成的唯一标识
	ThreadID      string // 同一 SMTP 事务内共享，便于面板聚合
	From          string // 信封发件人
	Recipient     string // 被接受的原始收件地址
	Raw           []byte // 完整原始内容（头 + 体）
	Size          int64
	Subject       string
	HasAttachment bool
	Domain        *Domain // 所属域名
	Alias         *Alias  // 命中的别名，通配命中时为 nil
	Destinations  []string
}
