package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"fwdmail/backend/internal/domain"
	"fwdmail/backend/internal/storage"
)

// Store 使用内存保存域名、别名与投递台账，主要用于开发验证与测试。
type Store struct {
	mu       sync.RWMutex
	domains  map[string]*domain.Domain          // domainID -> domain
	byName   map[string]string                  // 域名 -> domainID
	aliases  map[string]*domain.Alias           // aliasID -> alias
	byLocal  map[string]string                  // "domainID/localPart" -> aliasID
	attempts map[string]*domain.DeliveryAttempt // attemptID -> attempt
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		domains:  make(map[string]*domain.Domain),
		byName:   make(map[string]string),
		aliases:  make(map[string]*domain.Alias),
		byLocal:  make(map[string]string),
		attempts: make(map[string]*domain.DeliveryAttempt),
	}
}

func aliasKey(domainID, localPart string) string {
	return domainID + "/" + strings.ToLower(localPart)
}

// ========== Domain Repository ==========

// SaveDomain 保存域名配置。
func (s *Store) SaveDomain(d *domain.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := domain.NormalizeDomainName(d.Name)
	if existingID, ok := s.byName[name]; ok && existingID != d.ID {
		return storage.ErrDomainExists
	}

	cp := *d
	cp.Name = name
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()

	s.domains[cp.ID] = &cp
	s.byName[name] = cp.ID
	return nil
}

// GetDomain 根据 ID 获取域名。
func (s *Store) GetDomain(id string) (*domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.domains[id]
	if !ok {
		return nil, storage.ErrDomainNotFound
	}
	cp := *d
	return &cp, nil
}

// GetDomainByName 根据域名获取（大小写不敏感）。
func (s *Store) GetDomainByName(name string) (*domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[domain.NormalizeDomainName(name)]
	if !ok {
		return nil, storage.ErrDomainNotFound
	}
	cp := *s.domains[id]
	return &cp, nil
}

// ListDomains 获取所有域名。
func (s *Store) ListDomains() ([]*domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Domain, 0, len(s.domains))
	for _, d := range s.domains {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListActiveDomains 获取所有激活的域名。
func (s *Store) ListActiveDomains() ([]*domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Domain, 0)
	for _, d := range s.domains {
		if d.IsActive {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateDomainVerification 只更新验证器拥有的字段。
func (s *Store) UpdateDomainVerification(d *domain.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.domains[d.ID]
	if !ok {
		return storage.ErrDomainNotFound
	}

	existing.Status = d.Status
	existing.MXVerified = d.MXVerified
	existing.SPFVerified = d.SPFVerified
	existing.DKIMVerified = d.DKIMVerified
	existing.DMARCVerified = d.DMARCVerified
	existing.VerifiedAt = d.VerifiedAt
	existing.LastCheckAt = d.LastCheckAt
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// ========== Alias Repository ==========

// SaveAlias 保存别名。
func (s *Store) SaveAlias(a *domain.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := aliasKey(a.DomainID, a.LocalPart)
	if existingID, ok := s.byLocal[key]; ok && existingID != a.ID {
		return storage.ErrAliasExists
	}

	cp := *a
	cp.LocalPart = strings.ToLower(cp.LocalPart)
	cp.Destinations = append([]string(nil), a.Destinations...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()

	s.aliases[cp.ID] = &cp
	s.byLocal[key] = cp.ID
	return nil
}

// GetAlias 根据 ID 获取别名。
func (s *Store) GetAlias(id string) (*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.aliases[id]
	if !ok {
		return nil, storage.ErrAliasNotFound
	}
	cp := *a
	cp.Destinations = append([]string(nil), a.Destinations...)
	return &cp, nil
}

// GetAliasByAddress 根据（域名ID，本地部分）获取别名。
func (s *Store) GetAliasByAddress(domainID, localPart string) (*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byLocal[aliasKey(domainID, localPart)]
	if !ok {
		return nil, storage.ErrAliasNotFound
	}
	a := s.aliases[id]
	cp := *a
	cp.Destinations = append([]string(nil), a.Destinations...)
	return &cp, nil
}

// ListAliasesByDomain 获取域名下的所有别名。
func (s *Store) ListAliasesByDomain(domainID string) ([]*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Alias, 0)
	for _, a := range s.aliases {
		if a.DomainID == domainID {
			cp := *a
			cp.Destinations = append([]string(nil), a.Destinations...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalPart < out[j].LocalPart })
	return out, nil
}

// ========== Delivery Ledger ==========

// SaveAttempt 保存（插入或覆盖）投递记录。
func (s *Store) SaveAttempt(a *domain.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	s.attempts[cp.ID] = &cp
	return nil
}

// GetAttempt 根据 ID 获取投递记录。
func (s *Store) GetAttempt(id string) (*domain.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attempts[id]
	if !ok {
		return nil, storage.ErrAttemptNotFound
	}
	cp := *a
	return &cp, nil
}

// ListAttempts 按条件查询投递记录，按创建时间倒序。
func (s *Store) ListAttempts(filter domain.AttemptFilter) ([]*domain.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.DeliveryAttempt, 0)
	for _, a := range s.attempts {
		if filter.DomainID != "" && a.DomainID != filter.DomainID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Since != nil && a.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && a.CreatedAt.After(*filter.Until) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ========== 运维 ==========

// Health 内存存储始终健康。
func (s *Store) Health() error { return nil }

// Close 无资源需要释放。
func (s *Store) Close() error { return nil }
