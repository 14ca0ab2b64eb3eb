package domain

// DeliveryMode 出站投递模式
type DeliveryMode string

const (
	// DeliveryModeDirect 直连目的域 MX 投递
	DeliveryModeDirect DeliveryMode = "direct"
	// DeliveryModeRelay 经配置的上游中继投递（submission 语义）
	DeliveryModeRelay DeliveryMode = "relay"
	// DeliveryModeHybrid 先走中继，遇中继侧永久失败再回退直连
	DeliveryModeHybrid DeliveryMode = "hybrid"
)

// TLSPolicy 出站连接的加密策略
type TLSPolicy string

const (
	// TLSOpportunistic 对端宣告 STARTTLS 则升级，否则明文
	TLSOpportunistic TLSPolicy = "opportunistic"
	// TLSRequired 必须升级成功，否则按传输错误处理
	TLSRequired TLSPolicy = "required"
	// TLSNone 不升级
	TLSNone TLSPolicy = "none"
)

// RelaySettings 是按组织/域名解析一次的出站投递配置，
// 显式传入转发引擎，避免在调用链深处隐式查库。
type RelaySettings struct {
	Mode           DeliveryMode
	Host           string // 中继主机（relay/hybrid 模式）
	Port           int
	Username       string
	Password       string
	TLS            TLSPolicy
	EnvelopeSender string // 中继模式下重写的信封发件人，空则用 bounce@<域名>
}

// Sender 返回投递 destDomain 时使用的信封发件人。
// 中继模式必须重写为中继授权的地址，否则上游会拒绝转发。
func (r RelaySettings) Sender(domainName string) string {
	if r.EnvelopeSender != "" {
		return r.EnvelopeSender
	}
	return "bounce@" + domainName
}
