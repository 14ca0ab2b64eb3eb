package domain

import "time"

// Alias 表示域名下的一个别名。
// 别名把本地部分映射到一个或多个真实收件地址，
// 发往别名的邮件会各自独立投递到所有目的地址。
type Alias struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	DomainID     string    `json:"domainId" gorm:"type:varchar(36);index:idx_alias_domain_local,unique;not null"`
	LocalPart    string    `json:"localPart" gorm:"type:varchar(64);index:idx_alias_domain_local,unique;not null"` // 域内唯一，统一小写
	Destinations []string  `json:"destinations" gorm:"serializer:json;type:json"`
	IsActive     bool      `json:"isActive" gorm:"default:true"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}
