package verifier

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"fwdmail/backend/internal/domain"
	"fwdmail/backend/internal/monitoring"
)

// TokenPrefix 所有权挑战 TXT 记录的前缀。
const TokenPrefix = "fwdmail-verify="

// Resolver 抽象 DNS 查询，便于测试替换。
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// NetResolver 基于标准库解析器的默认实现。
type NetResolver struct{}

func (NetResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	return net.DefaultResolver.LookupMX(ctx, name)
}

func (NetResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return net.DefaultResolver.LookupTXT(ctx, name)
}

// Config 验证器配置。
type Config struct {
	ExpectedMX string        // 服务对外的收信主机，如 mx.fwdmail.example
	SPFMech    string        // 期望出现在 SPF 记录中的机制，如 include:spf.fwdmail.example
	Interval   time.Duration // 定时验证间隔
	Timeout    time.Duration // 单个域名全部查询的超时
}

// checkResult 单项检查结果。
type checkResult struct {
	ok        bool
	transient bool // 查询失败，本轮不落判
}

// Verifier 校验域名的实际 DNS 配置并推进 status。
//
// 只写它拥有的字段（status、四个验证布尔值、时间戳）；
// 与收发路径并发运行且从不阻塞它。每轮幂等：DNS 不变则结果不变。
type Verifier struct {
	store    domain.Store
	resolver Resolver
	cfg      Config
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

// New 创建 DNS 验证器。
func New(store domain.Store, resolver Resolver, cfg Config, metrics *monitoring.Metrics, logger *zap.Logger) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	return &Verifier{
		store:    store,
		resolver: resolver,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
	}
}

// VerifyDomain 对单个域名执行一轮验证并持久化结果。
//
// 查询失败是临时错误：对应布尔值保持上一轮的值，status 不回退，
// 留待下一轮重试。只有查询成功但记录不匹配才算确定性失败。
func (v *Verifier) VerifyDomain(ctx context.Context, d *domain.Domain) error {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	token := v.checkToken(ctx, d)
	mx := v.checkMX(ctx, d)
	spf := v.checkSPF(ctx, d)
	dkim := v.checkDKIM(ctx, d)
	dmarc := v.checkDMARC(ctx, d)

	now := time.Now().UTC()
	d.LastCheckAt = &now

	if !mx.transient {
		d.MXVerified = mx.ok
	}
	if !spf.transient {
		d.SPFVerified = spf.ok
	}
	if !dkim.transient {
		d.DKIMVerified = dkim.ok
	}
	if !dmarc.transient {
		d.DMARCVerified = dmarc.ok
	}

	// status 只由 MX 把关（收信的最低门槛）；
	// 首次验证额外要求所有权 TXT，防止把别人的域名挂进来。
	switch {
	case mx.transient || (d.Status == domain.DomainStatusPending && token.transient):
		// 本轮不落判
	case d.MXVerified && (d.Status != domain.DomainStatusPending || token.ok):
		if d.Status != domain.DomainStatusVerified {
			d.VerifiedAt = &now
		}
		d.Status = domain.DomainStatusVerified
	default:
		d.Status = domain.DomainStatusFailed
	}

	outcome := "ok"
	if mx.transient || spf.transient || dkim.transient || dmarc.transient || token.transient {
		outcome = "transient_error"
	}
	if v.metrics != nil {
		v.metrics.VerifyRunsTotal.WithLabelValues(outcome).Inc()
	}

	v.logger.Info("dns verification run",
		zap.String("domain", d.Name),
		zap.String("status", string(d.Status)),
		zap.Bool("mx", d.MXVerified),
		zap.Bool("spf", d.SPFVerified),
		zap.Bool("dkim", d.DKIMVerified),
		zap.Bool("dmarc", d.DMARCVerified),
		zap.String("outcome", outcome),
	)

	return v.store.UpdateDomainVerification(d)
}

// RunOnce 对所有域名执行一轮验证。
func (v *Verifier) RunOnce(ctx context.Context) error {
	domains, err := v.store.ListDomains()
	if err != nil {
		return err
	}
	for _, d := range domains {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := v.VerifyDomain(ctx, d); err != nil {
			v.logger.Error("domain verification failed",
				zap.String("domain", d.Name),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Run 按配置间隔周期验证，直到 ctx 结束。
func (v *Verifier) Run(ctx context.Context) {
	ticker := time.NewTicker(v.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := v.RunOnce(ctx); err != nil && ctx.Err() == nil {
				v.logger.Error("verification sweep failed", zap.Error(err))
			}
		}
	}
}

// checkToken 域名根 TXT 含所有权挑战值。
func (v *Verifier) checkToken(ctx context.Context, d *domain.Domain) checkResult {
	if d.VerifyToken == "" {
		return checkResult{ok: false}
	}
	records, res := v.lookupTXT(ctx, d.Name)
	if res.transient {
		return res
	}
	expected := TokenPrefix + d.VerifyToken
	for _, r := range records {
		if strings.TrimSpace(r) == expected {
			return checkResult{ok: true}
		}
	}
	return checkResult{ok: false}
}

// checkMX 域名 MX 指向服务的收信主机。
func (v *Verifier) checkMX(ctx context.Context, d *domain.Domain) checkResult {
	mxs, err := v.resolver.LookupMX(ctx, d.Name)
	if err != nil {
		if isNotFound(err) {
			return checkResult{ok: false}
		}
		return checkResult{transient: true}
	}
	expected := strings.ToLower(strings.TrimSuffix(v.cfg.ExpectedMX, "."))
	for _, mx := range mxs {
		if strings.ToLower(strings.TrimSuffix(mx.Host, ".")) == expected {
			return checkResult{ok: true}
		}
	}
	return checkResult{ok: false}
}

// checkSPF 域名根 TXT 的 SPF 记录包含服务的发信机制。
func (v *Verifier) checkSPF(ctx context.Context, d *domain.Domain) checkResult {
	records, res := v.lookupTXT(ctx, d.Name)
	if res.transient {
		return res
	}
	for _, r := range records {
		r = strings.TrimSpace(r)
		if strings.HasPrefix(r, "v=spf1") && strings.Contains(r, v.cfg.SPFMech) {
			return checkResult{ok: true}
		}
	}
	return checkResult{ok: false}
}

// checkDKIM selector._domainkey TXT 的 p= 与存储的公钥一致。
func (v *Verifier) checkDKIM(ctx context.Context, d *domain.Domain) checkResult {
	if d.DKIMSelector == "" || d.DKIMPublicKey == "" {
		return checkResult{ok: false}
	}
	name := d.DKIMSelector + "._domainkey." + d.Name
	records, res := v.lookupTXT(ctx, name)
	if res.transient {
		return res
	}
	for _, r := range records {
		if p, ok := extractDKIMPublicKey(r); ok && p == d.DKIMPublicKey {
			return checkResult{ok: true}
		}
	}
	return checkResult{ok: false}
}

// checkDMARC _dmarc TXT 存在且语法有效。
func (v *Verifier) checkDMARC(ctx context.Context, d *domain.Domain) checkResult {
	records, res := v.lookupTXT(ctx, "_dmarc."+d.Name)
	if res.transient {
		return res
	}
	for _, r := range records {
		if strings.HasPrefix(strings.TrimSpace(r), "v=DMARC1") {
			return checkResult{ok: true}
		}
	}
	return checkResult{ok: false}
}

func (v *Verifier) lookupTXT(ctx context.Context, name string) ([]string, checkResult) {
	records, err := v.resolver.LookupTXT(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return nil, checkResult{ok: false}
		}
		return nil, checkResult{transient: true}
	}
	return records, checkResult{}
}

// isNotFound NXDOMAIN/NODATA 是确定性否定；其余查询错误按临时处理。
func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// extractDKIMPublicKey 从 DKIM TXT 记录中取出 p= 值。
func extractDKIMPublicKey(record string) (string, bool) {
	for _, part := range strings.Split(record, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "p=") {
			return strings.ReplaceAll(strings.TrimPrefix(part, "p="), " ", ""), true
		}
	}
	return "", false
}
