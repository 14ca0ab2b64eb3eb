package sql

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fwdmail/backend/internal/domain"
	"fwdmail/backend/internal/storage"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db         *sql.DB
	gormDB     *gorm.DB
	driverName string // "mysql" or "postgres"
}

// NewStore 创建 SQL 数据库存储。
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	if driverName != "mysql" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var dialector gorm.Dialector
	if driverName == "mysql" {
		dialector = mysql.New(mysql.Config{Conn: db})
	} else {
		dialector = postgres.New(postgres.Config{Conn: db})
	}

	gormDB, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{
		db:         db,
		gormDB:     gormDB,
		driverName: driverName,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态。
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// migrate 执行数据库迁移（使用 GORM AutoMigrate）。
func (s *Store) migrate() error {
	return s.gormDB.AutoMigrate(
		&domain.Domain{},
		&domain.Alias{},
		&domain.DeliveryAttempt{},
	)
}

// ========== Domain Repository ==========

// SaveDomain 保存域名配置。
func (s *Store) SaveDomain(d *domain.Domain) error {
	d.Name = domain.NormalizeDomainName(d.Name)

	var existing domain.Domain
	err := s.gormDB.Where("name = ?", d.Name).First(&existing).Error
	if err == nil && existing.ID != d.ID {
		return storage.ErrDomainExists
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	return s.gormDB.Save(d).Error
}

// GetDomain 根据 ID 获取域名。
func (s *Store) GetDomain(id string) (*domain.Domain, error) {
	var d domain.Domain
	if err := s.gormDB.First(&d, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrDomainNotFound
		}
		return nil, err
	}
	return &d, nil
}

// GetDomainByName 根据域名获取。
func (s *Store) GetDomainByName(name string) (*domain.Domain, error) {
	var d domain.Domain
	err := s.gormDB.First(&d, "name = ?", domain.NormalizeDomainName(name)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrDomainNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDomains 获取所有域名。
func (s *Store) ListDomains() ([]*domain.Domain, error) {
	var out []*domain.Domain
	if err := s.gormDB.Order("name").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListActiveDomains 获取所有激活的域名。
func (s *Store) ListActiveDomains() ([]*domain.Domain, error) {
	var out []*domain.Domain
	if err := s.gormDB.Where("is_active = ?", true).Order("name").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateDomainVerification 只更新验证器拥有的字段。
func (s *Store) UpdateDomainVerification(d *domain.Domain) error {
	res := s.gormDB.Model(&domain.Domain{}).Where("id = ?", d.ID).Updates(map[string]interface{}{
		"status":         d.Status,
		"mx_verified":    d.MXVerified,
		"spf_verified":   d.SPFVerified,
		"dkim_verified":  d.DKIMVerified,
		"dmarc_verified": d.DMARCVerified,
		"verified_at":    d.VerifiedAt,
		"last_check_at":  d.LastCheckAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrDomainNotFound
	}
	return nil
}

// ========== Alias Repository ==========

// SaveAlias 保存别名。
func (s *Store) SaveAlias(a *domain.Alias) error {
	var existing domain.Alias
	err := s.gormDB.Where("domain_id = ? AND local_part = ?", a.DomainID, a.LocalPart).First(&existing).Error
	if err == nil && existing.ID != a.ID {
		return storage.ErrAliasExists
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	return s.gormDB.Save(a).Error
}

// GetAlias 根据 ID 获取别名。
func (s *Store) GetAlias(id string) (*domain.Alias, error) {
	var a domain.Alias
	if err := s.gormDB.First(&a, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrAliasNotFound
		}
		return nil, err
	}
	return &a, nil
}

// GetAliasByAddress 根据（域名ID，本地部分）获取别名。
func (s *Store) GetAliasByAddress(domainID, localPart string) (*domain.Alias, error) {
	var a domain.Alias
	err := s.gormDB.Where("domain_id = ? AND local_part = ?", domainID, localPart).First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrAliasNotFound
		}
		return nil, err
	}
	return &a, nil
}

// ListAliasesByDomain 获取域名下的所有别名。
func (s *Store) ListAliasesByDomain(domainID string) ([]*domain.Alias, error) {
	var out []*domain.Alias
	err := s.gormDB.Where("domain_id = ?", domainID).Order("local_part").Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ========== Delivery Ledger ==========

// SaveAttempt 保存投递记录（按 ID upsert）。
func (s *Store) SaveAttempt(a *domain.DeliveryAttempt) error {
	return s.gormDB.Save(a).Error
}

// GetAttempt 根据 ID 获取投递记录。
func (s *Store) GetAttempt(id string) (*domain.DeliveryAttempt, error) {
	var a domain.DeliveryAttempt
	if err := s.gormDB.First(&a, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrAttemptNotFound
		}
		return nil, err
	}
	return &a, nil
}

// ListAttempts 按条件查询投递记录，按创建时间倒序。
func (s *Store) ListAttempts(filter domain.AttemptFilter) ([]*domain.DeliveryAttempt, error) {
	q := s.gormDB.Model(&domain.DeliveryAttempt{})
	if filter.DomainID != "" {
		q = q.Where("domain_id = ?", filter.DomainID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Since != nil {
		q = q.Where("created_at >= ?", *filter.Since)
	}
	if filter.Until != nil {
		q = q.Where("created_at <= ?", *filter.Until)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var out []*domain.DeliveryAttempt
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
