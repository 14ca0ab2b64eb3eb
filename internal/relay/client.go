package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"fwdmail/backend/internal/cache"
	"fwdmail/backend/internal/domain"
)

// mxCacheTTL MX 解析结果的缓存时长。
const mxCacheTTL = 5 * time.Minute

var (
	// ErrNoMXRecords 目的域没有可用的投递主机
	ErrNoMXRecords = errors.New("no MX records for destination domain")
	// ErrTLSRequired 策略要求加密但对端不支持
	ErrTLSRequired = errors.New("peer does not support STARTTLS")
)

// Transport 抽象一次出站投递，便于测试替换。
type Transport interface {
	Deliver(ctx context.Context, settings domain.RelaySettings, domainName, sender, destination string, raw []byte) error
}

// Client 是出站 SMTP 客户端，实现三种投递模式。
type Client struct {
	hostname string // EHLO 标识
	timeout  time.Duration
	mxCache  *cache.LocalCache
	logger   *zap.Logger

	// 测试钩子
	lookupMX func(ctx context.Context, host string) ([]*net.MX, error)
	dial     func(ctx context.Context, addr string) (net.Conn, error)
}

// NewClient 创建出站客户端。
func NewClient(hostname string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		hostname: hostname,
		timeout:  timeout,
		mxCache:  cache.NewLocalCache(mxCacheTTL),
		logger:   logger,
		lookupMX: func(ctx context.Context, host string) ([]*net.MX, error) {
			return net.DefaultResolver.LookupMX(ctx, host)
		},
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: 30 * time.Second}
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// Deliver 按配置的模式把签名后的邮件投递到一个目的地址。
//
// direct 直连目的域 MX；relay 经上游中继并重写信封发件人；
// hybrid 先走中继，中继侧永久失败时回退直连一次。
func (c *Client) Deliver(ctx context.Context, settings domain.RelaySettings, domainName, sender, destination string, raw []byte) error {
	switch settings.Mode {
	case domain.DeliveryModeRelay:
		return c.deliverRelay(ctx, settings, domainName, destination, raw)
	case domain.DeliveryModeHybrid:
		err := c.deliverRelay(ctx, settings, domainName, destination, raw)
		if err != nil && IsPermanent(err) {
			c.logger.Warn("relay rejected permanently, falling back to direct",
				zap.String("destination", destination),
				zap.Error(err),
			)
			return c.deliverDirect(ctx, settings, sender, destination, raw)
		}
		return err
	default:
		return c.deliverDirect(ctx, settings, sender, destination, raw)
	}
}

// deliverDirect 解析目的域 MX 并按优先级逐个尝试。
func (c *Client) deliverDirect(ctx context.Context, settings domain.RelaySettings, sender, destination string, raw []byte) error {
	_, destDomain, err := domain.SplitAddress(destination)
	if err != nil {
		return fmt.Errorf("invalid destination %q: %w", destination, err)
	}

	hosts, err := c.resolveMX(ctx, destDomain)
	if err != nil {
		return err
	}

	var lastErr error
	for _, host := range hosts {
		addr := net.JoinHostPort(host, "25")
		err := c.transact(ctx, addr, host, settings.TLS, nil, sender, destination, raw)
		if err == nil {
			return nil
		}
		lastErr = err
		// 对端明确拒绝时换 MX 也不会有不同结果
		if IsPermanent(err) {
			return err
		}
		c.logger.Debug("mx host failed, trying next",
			zap.String("host", host),
			zap.Error(err),
		)
	}
	return lastErr
}

// deliverRelay 经配置的上游中继投递，信封发件人重写为
// 中继授权的地址，避免上游 "relay access denied"。
func (c *Client) deliverRelay(ctx context.Context, settings domain.RelaySettings, domainName, destination string, raw []byte) error {
	port := settings.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(settings.Host, strconv.Itoa(port))

	var auth sasl.Client
	if settings.Username != "" {
		auth = sasl.NewPlainClient("", settings.Username, settings.Password)
	}

	return c.transact(ctx, addr, settings.Host, settings.TLS, auth, settings.Sender(domainName), destination, raw)
}

// resolveMX 返回按优先级排序的 MX 主机；没有 MX 记录时
// 按隐式 MX 规则回退到域名本身。成功的解析结果短暂缓存。
func (c *Client) resolveMX(ctx context.Context, destDomain string) ([]string, error) {
	if c.mxCache != nil {
		if cached, ok := c.mxCache.Get(destDomain); ok {
			return cached.([]string), nil
		}
	}

	mxs, err := c.lookupMX(ctx, destDomain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return []string{destDomain}, nil
		}
		return nil, fmt.Errorf("mx lookup for %s: %w", destDomain, err)
	}
	if len(mxs) == 0 {
		return []string{destDomain}, nil
	}

	sort.SliceStable(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
	hosts := make([]string, 0, len(mxs))
	for _, mx := range mxs {
		host := strings.TrimSuffix(mx.Host, ".")
		if host == "" {
			continue
		}
		hosts = append(hosts, host)
	}
	if len(hosts) == 0 {
		return nil, ErrNoMXRecords
	}
	if c.mxCache != nil {
		c.mxCache.Set(destDomain, hosts, 0)
	}
	return hosts, nil
}

// transact 执行一次完整的 SMTP 客户端事务。
func (c *Client) transact(ctx context.Context, addr, serverName string, tlsPolicy domain.TLSPolicy, auth sasl.Client, from, to string, raw []byte) error {
	client, err := c.connect(ctx, addr, serverName, tlsPolicy)
	if err != nil {
		return err
	}
	defer client.Close()

	// NewClientStartTLS 升级后会重置握手状态，这里的 EHLO
	// 在加密信道上以我们的主机名重新自报。
	if err := client.Hello(c.hostname); err != nil {
		return fmt.Errorf("helo: %w", err)
	}

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to, nil); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}

	return client.Quit()
}

// connect 建立到对端的 SMTP 客户端并按策略处理加密升级。
// go-smtp 的客户端不暴露事后升级接口，STARTTLS 只能在
// NewClientStartTLS 里一次完成；机会式策略下升级失败时
// 重新拨号降级为明文。
func (c *Client) connect(ctx context.Context, addr, serverName string, tlsPolicy domain.TLSPolicy) (*gosmtp.Client, error) {
	conn, err := c.dialWithDeadline(ctx, addr)
	if err != nil {
		return nil, err
	}

	if tlsPolicy == domain.TLSNone {
		return gosmtp.NewClient(conn), nil
	}

	client, tlsErr := gosmtp.NewClientStartTLS(conn, &tls.Config{ServerName: serverName})
	if tlsErr == nil {
		return client, nil
	}
	// 失败时 NewClientStartTLS 已关闭底层连接
	if tlsPolicy == domain.TLSRequired {
		return nil, fmt.Errorf("%w: %s: %v", ErrTLSRequired, addr, tlsErr)
	}

	c.logger.Debug("starttls unavailable, continuing in plaintext",
		zap.String("addr", addr),
		zap.Error(tlsErr),
	)
	conn, err = c.dialWithDeadline(ctx, addr)
	if err != nil {
		return nil, err
	}
	return gosmtp.NewClient(conn), nil
}

func (c *Client) dialWithDeadline(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.timeout))
	}
	return conn, nil
}

// IsPermanent 判断错误是否为 5xx 永久拒绝。
// 传输错误与 4xx 响应都按临时失败处理。
func IsPermanent(err error) bool {
	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code >= 500
	}
	return false
}
