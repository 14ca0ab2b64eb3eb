package directory

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fwdmail/backend/internal/domain"
)

// Snapshot 是域名/别名配置的一份不可变快照。
//
// SMTP 前端和转发引擎只读取快照，刷新通过整体替换完成，
// 并发会话之间永远不会看到半更新状态。
type Snapshot struct {
	Version   uint64
	BuiltAt   time.Time
	domains   map[string]*domain.Domain           // 域名 -> 配置
	aliases   map[string]map[string]*domain.Alias // 域名ID -> 本地部分 -> 别名
	byDomain  map[string][]*domain.Alias          // 域名ID -> 全部别名
}

// Domain 按域名查找（大小写不敏感）。
func (s *Snapshot) Domain(name string) (*domain.Domain, bool) {
	d, ok := s.domains[domain.NormalizeDomainName(name)]
	return d, ok
}

// Aliases 返回域名下的全部别名。
func (s *Snapshot) Aliases(domainID string) []*domain.Alias {
	return s.byDomain[domainID]
}

// Resolve 把（域名，本地部分）解析为目的地址集合。
//
// 匹配顺序：精确别名优先，其次激活的通配收件，否则未命中。
// 返回的 alias 在通配命中时为 nil。
func (s *Snapshot) Resolve(domainName, localPart string) (destinations []string, alias *domain.Alias, ok bool) {
	d, found := s.Domain(domainName)
	if !found {
		return nil, nil, false
	}

	localPart = strings.ToLower(localPart)
	if byLocal, found := s.aliases[d.ID]; found {
		if a, found := byLocal[localPart]; found && a.IsActive && len(a.Destinations) > 0 {
			return a.Destinations, a, true
		}
	}

	if d.CatchAll != "" {
		return []string{d.CatchAll}, nil, true
	}

	return nil, nil, false
}

// defaultRefreshInterval 刷新间隔缺省值，非法配置也回落到它。
const defaultRefreshInterval = 30 * time.Second

// Directory 维护域名目录快照，定期从存储刷新。
//
// 单写多读：只有刷新循环替换快照，读方通过 atomic.Value
// 拿到的始终是完整一致的版本。
type Directory struct {
	store    domain.Store
	logger   *zap.Logger
	interval time.Duration

	snapshot  atomic.Value // *Snapshot
	version   atomic.Uint64
	onRefresh func(context.Context)
}

// New 创建域名目录并构建首个快照。
func New(store domain.Store, interval time.Duration, logger *zap.Logger) (*Directory, error) {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	d := &Directory{
		store:    store,
		logger:   logger,
		interval: interval,
	}
	if err := d.Refresh(context.Background()); err != nil {
		return nil, err
	}
	return d, nil
}

// SetRefreshHook 注册快照替换后的回调，用于让下游缓存
// （如面板的台账查询缓存）跟上配置变化。
func (d *Directory) SetRefreshHook(fn func(context.Context)) {
	d.onRefresh = fn
}

// Snapshot 返回当前快照，调用方不得修改其内容。
func (d *Directory) Snapshot() *Snapshot {
	return d.snapshot.Load().(*Snapshot)
}

// Refresh 从存储重建快照并原子替换。
func (d *Directory) Refresh(ctx context.Context) error {
	domains, err := d.store.ListDomains()
	if err != nil {
		return err
	}

	snap := &Snapshot{
		Version:  d.version.Add(1),
		BuiltAt:  time.Now().UTC(),
		domains:  make(map[string]*domain.Domain, len(domains)),
		aliases:  make(map[string]map[string]*domain.Alias, len(domains)),
		byDomain: make(map[string][]*domain.Alias, len(domains)),
	}

	for _, dom := range domains {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		snap.domains[dom.Name] = dom

		aliases, err := d.store.ListAliasesByDomain(dom.ID)
		if err != nil {
			return err
		}
		byLocal := make(map[string]*domain.Alias, len(aliases))
		for _, a := range aliases {
			byLocal[strings.ToLower(a.LocalPart)] = a
		}
		snap.aliases[dom.ID] = byLocal
		snap.byDomain[dom.ID] = aliases
	}

	d.snapshot.Store(snap)
	d.logger.Debug("domain directory refreshed",
		zap.Uint64("version", snap.Version),
		zap.Int("domains", len(snap.domains)),
	)
	if d.onRefresh != nil {
		d.onRefresh(ctx)
	}
	return nil
}

// Run 周期刷新快照，直到 ctx 结束。刷新失败保留旧快照继续服务。
func (d *Directory) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Refresh(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("domain directory refresh failed", zap.Error(err))
			}
		}
	}
}
