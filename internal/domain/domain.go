package domain

import (
	"strings"
	"time"
)

// DomainStatus 域名生命周期状态
type DomainStatus string

const (
	// DomainStatusPending 待验证
	DomainStatusPending DomainStatus = "pending"
	// DomainStatusVerified 已验证，可以收信转发
	DomainStatusVerified DomainStatus = "verified"
	// DomainStatusFailed 验证失败
	DomainStatusFailed DomainStatus = "failed"
)

// Domain 表示托管到本系统的转发域名。
//
// 域名由外部 CRUD 层创建；核心引擎只读取配置字段，
// 验证器只写它拥有的五个字段（status 和四个验证布尔值）。
type Domain struct {
	ID             string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OrgID          string       `json:"orgId" gorm:"type:varchar(36);index"`             // 所属组织（仅引用，核心不修改）
	Name           string       `json:"name" gorm:"uniqueIndex;type:varchar(253);not null"` // 域名，统一小写
	Status         DomainStatus `json:"status" gorm:"type:varchar(20);default:'pending';index"`
	IsActive       bool         `json:"isActive" gorm:"default:false;index"`
	MXVerified     bool         `json:"mxVerified" gorm:"default:false"`
	SPFVerified    bool         `json:"spfVerified" gorm:"default:false"`
	DKIMVerified   bool         `json:"dkimVerified" gorm:"default:false"`
	DMARCVerified  bool         `json:"dmarcVerified" gorm:"default:false"`
	DKIMSelector   string       `json:"dkimSelector" gorm:"type:varchar(63)"`
	DKIMPrivateKey string       `json:"-" gorm:"type:text"`          // PEM 编码私钥，仅引擎使用
	DKIMPublicKey  string       `json:"dkimPublicKey" gorm:"type:text"` // base64 公钥，发布到 DNS
	VerifyToken    string       `json:"verifyToken" gorm:"type:varchar(255)"` // DNS TXT 所有权挑战
	CatchAll       string       `json:"catchAll" gorm:"type:varchar(254)"`    // 通配收件目的地址，空表示未配置
	VerifiedAt     *time.Time   `json:"verifiedAt"`
	LastCheckAt    *time.Time   `json:"lastCheckAt"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt" gorm:"autoUpdateTime"`
}

// CanReceive 判断域名当前是否允许接收并转发邮件。
// 不变量：is_active 且 status == verified。
func (d *Domain) CanReceive() bool {
	return d.IsActive && d.Status == DomainStatusVerified
}

// NormalizeDomainName 域名统一为小写并去掉末尾的点。
func NormalizeDomainName(name string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
}
