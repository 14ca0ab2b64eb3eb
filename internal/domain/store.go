package domain

// Store 聚合核心引擎依赖的所有存储接口
type Store interface {
	// ========== Domain Repository ==========
	SaveDomain(domain *Domain) error
	GetDomain(id string) (*Domain, error)
	GetDomainByName(name string) (*Domain, error)
	ListDomains() ([]*Domain, error)
	ListActiveDomains() ([]*Domain, error)

	// UpdateDomainVerification 只更新验证器拥有的字段
	// （status、四个验证布尔值、verified_at、last_check_at）。
	UpdateDomainVerification(domain *Domain) error

	// ========== Alias Repository ==========
	SaveAlias(alias *Alias) error
	GetAlias(id string) (*Alias, error)
	GetAliasByAddress(domainID, localPart string) (*Alias, error)
	ListAliasesByDomain(domainID string) ([]*Alias, error)

	// ========== Delivery Ledger ==========
	SaveAttempt(attempt *DeliveryAttempt) error
	GetAttempt(id string) (*DeliveryAttempt, error)
	ListAttempts(filter AttemptFilter) ([]*DeliveryAttempt, error)

	// ========== 运维 ==========
	Health() error
	Close() error
}
