package storage

import (
	"errors"

	"fwdmail/backend/internal/domain"
)

var (
	// ErrDomainNotFound 域名未找到错误
	ErrDomainNotFound = errors.New("domain not found")
	// ErrAliasNotFound 别名未找到错误
	ErrAliasNotFound = errors.New("alias not found")
	// ErrAttemptNotFound 投递记录未找到错误
	ErrAttemptNotFound = errors.New("delivery attempt not found")
	// ErrDomainExists 域名已存在错误
	ErrDomainExists = errors.New("domain already exists")
	// ErrAliasExists 别名已存在错误
	ErrAliasExists = errors.New("alias already exists")
)

// DomainRepository 定义域名配置的存取操作。
// 核心引擎只读；status 与验证布尔值由验证器通过
// UpdateDomainVerification 独占写入。
type DomainRepository interface {
	SaveDomain(domain *domain.Domain) error
	GetDomain(id string) (*domain.Domain, error)
	GetDomainByName(name string) (*domain.Domain, error)
	ListDomains() ([]*domain.Domain, error)
	ListActiveDomains() ([]*domain.Domain, error)
	UpdateDomainVerification(domain *domain.Domain) error
}

// AliasRepository 定义别名的存取操作。
type AliasRepository interface {
	SaveAlias(alias *domain.Alias) error
	GetAlias(id string) (*domain.Alias, error)
	GetAliasByAddress(domainID, localPart string) (*domain.Alias, error)
	ListAliasesByDomain(domainID string) ([]*domain.Alias, error)
}

// LedgerRepository 定义投递台账的存取操作。
// 写入方只有转发引擎；面板通过 ListAttempts 只读消费。
type LedgerRepository interface {
	SaveAttempt(attempt *domain.DeliveryAttempt) error
	GetAttempt(id string) (*domain.DeliveryAttempt, error)
	ListAttempts(filter domain.AttemptFilter) ([]*domain.DeliveryAttempt, error)
}

// Store 聚合存储接口，与 domain.Store 保持一致。
type Store = domain.Store
