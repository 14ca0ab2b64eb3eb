package smtp

import (
	"errors"
	"io"
	"net"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"fwdmail/backend/internal/directory"
	"fwdmail/backend/internal/domain"
	"fwdmail/backend/internal/monitoring"
	"fwdmail/backend/internal/relay"
)

// SnapshotProvider 提供域名目录快照。
type SnapshotProvider interface {
	Snapshot() *directory.Snapshot
}

// Enqueuer 接收已通过准入的入站邮件并负责后续投递。
type Enqueuer interface {
	Enqueue(msg *domain.InboundMessage) error
}

// Config SMTP 前端配置。
type Config struct {
	MaxMessageBytes   int64 // 单封邮件大小上限
	MaxRecipients     int   // 单事务收件人上限
	MaxProtocolErrors int   // 同一会话允许的被拒收件人次数，超过即断开
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 这是转发服务的公网收信入口（MX 端），只在 RCPT 阶段放行
// 能解析出转发目的地址的收件人，其余一律拒绝，
// 因此不会成为开放中继。接收与出站投递完全解耦：
// DATA 成功返回即表示邮件已入台账并进入出站队列。
type Backend struct {
	directory SnapshotProvider
	engine    Enqueuer
	cfg       Config
	metrics   *monitoring.Metrics
	logger    *zap.Logger
}

// NewBackend 创建 SMTP Backend。
func NewBackend(dir SnapshotProvider, engine Enqueuer, cfg Config, metrics *monitoring.Metrics, logger *zap.Logger) *Backend {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 25 << 20
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = 50
	}
	if cfg.MaxProtocolErrors <= 0 {
		cfg.MaxProtocolErrors = 10
	}
	return &Backend{
		directory: dir,
		engine:    engine,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.metrics != nil {
		b.metrics.SessionsTotal.Inc()
		b.metrics.SessionsActive.Inc()
	}
	return &session{backend: b, conn: c}, nil
}

// acceptedRecipient 已通过准入的收件人及其解析结果。
type acceptedRecipient struct {
	address      string
	domain       *domain.Domain
	alias        *domain.Alias
	destinations []string
}

type session struct {
	backend    *Backend
	conn       *gosmtp.Conn
	snap       *directory.Snapshot
	from       string
	recipients []acceptedRecipient
	strikes    int // 本会话被拒收件人计数
}

// Mail 处理 MAIL 命令。
//
// 此处固定本事务使用的目录快照：同一事务内所有 RCPT
// 见到的都是同一版本的配置。
func (s *session) Mail(from string, opts *gosmtp.MailOptions) error {
	if opts != nil && opts.Size > 0 && opts.Size > s.backend.cfg.MaxMessageBytes {
		return &gosmtp.SMTPError{
			Code:         552,
			EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
			Message:      "message size exceeds limit",
		}
	}
	s.snap = s.backend.directory.Snapshot()
	s.from = from
	return nil
}

// Rcpt 处理 RCPT 命令，是准入的核心。
//
// 每个收件人独立判定：被拒的收件人不影响同事务内
// 其他收件人的接收。判定顺序：
//  1. 地址语法
//  2. 域名存在且 is_active && verified
//  3. 精确别名或通配收件能解析出目的地址
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if s.snap == nil {
		s.snap = s.backend.directory.Snapshot()
	}

	localPart, domainName, err := domain.SplitAddress(to)
	if err != nil {
		return s.reject("invalid_address", &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		})
	}

	if len(s.recipients) >= s.backend.cfg.MaxRecipients {
		return &gosmtp.SMTPError{
			Code:         452,
			EnhancedCode: gosmtp.EnhancedCode{4, 5, 3},
			Message:      "too many recipients",
		}
	}

	d, found := s.snap.Domain(domainName)
	if !found || !d.CanReceive() {
		// 未托管、未验证和停用的域名返回同一错误，不泄露托管状态
		return s.reject("domain_not_served", &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied - domain not served here",
		})
	}

	destinations, alias, ok := s.snap.Resolve(domainName, localPart)
	if !ok {
		return s.reject("no_such_alias", &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "recipient address not found",
		})
	}

	s.recipients = append(s.recipients, acceptedRecipient{
		address:      localPart + "@" + domainName,
		domain:       d,
		alias:        alias,
		destinations: destinations,
	})
	if s.backend.metrics != nil {
		s.backend.metrics.RecipientsTotal.WithLabelValues("accepted").Inc()
	}
	return nil
}

// reject 记录一次被拒收件人；累计过多则断开会话（目录枚举防护）。
func (s *session) reject(reason string, smtpErr *gosmtp.SMTPError) error {
	if s.backend.metrics != nil {
		s.backend.metrics.RecipientsTotal.WithLabelValues(reason).Inc()
	}
	s.strikes++
	if s.strikes >= s.backend.cfg.MaxProtocolErrors {
		s.backend.logger.Warn("closing session after repeated rejected recipients",
			zap.Int("strikes", s.strikes),
		)
		s.teardown()
		return &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many invalid recipients, closing connection",
		}
	}
	return smtpErr
}

// teardown 让服务循环在 421 答复写出后结束本连接。
// go-smtp 在 Rcpt 返回后才写应答，这里不能直接 Close，
// 只能封死读方向：下一次读命令即失败，服务端随之关闭连接。
func (s *session) teardown() {
	if s.conn == nil {
		return
	}
	raw := s.conn.Conn()
	if raw == nil {
		return
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		tcp.CloseRead()
		return
	}
	raw.SetReadDeadline(time.Now())
}

// Data 处理邮件内容。
//
// 为每个已接受的收件人派生一条入站消息并提交给转发引擎；
// 所有派生消息共享同一份原始内容。入队完成即答复 250，
// 之后的投递失败由重试与台账兜底，不再影响本次事务。
//
// 入队中途失败时整个事务答复 451，发送方会重传；先于失败
// 入队的收件人此时已在投递，重传会再投一次。转发语义是
// at-least-once，与 MTA 在 DATA 应答丢失时的行为一致。
func (s *session) Data(r io.Reader) error {
	if len(s.recipients) == 0 {
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "no valid recipients",
		}
	}

	max := s.backend.cfg.MaxMessageBytes
	raw, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return err
	}
	if int64(len(raw)) > max {
		if s.backend.metrics != nil {
			s.backend.metrics.MessagesOversized.Inc()
		}
		return &gosmtp.SMTPError{
			Code:         552,
			EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
			Message:      "message size exceeds limit",
		}
	}

	meta := scanHeaders(raw)
	threadID := uuid.NewString()

	for _, rcpt := range s.recipients {
		msg := &domain.InboundMessage{
			MessageID:     uuid.NewString(),
			ThreadID:      threadID,
			From:          s.from,
			Recipient:     rcpt.address,
			Raw:           raw,
			Size:          int64(len(raw)),
			Subject:       meta.Subject,
			HasAttachment: meta.HasAttachment,
			Domain:        rcpt.domain,
			Alias:         rcpt.alias,
			Destinations:  rcpt.destinations,
		}
		if err := s.backend.engine.Enqueue(msg); err != nil {
			if errors.Is(err, relay.ErrQueueFull) {
				return &gosmtp.SMTPError{
					Code:         451,
					EnhancedCode: gosmtp.EnhancedCode{4, 3, 2},
					Message:      "forwarding queue full, try again later",
				}
			}
			s.backend.logger.Error("failed to enqueue inbound message",
				zap.String("recipient", rcpt.address),
				zap.Error(err),
			)
			return &gosmtp.SMTPError{
				Code:         451,
				EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
				Message:      "temporary processing failure",
			}
		}
		if s.backend.metrics != nil {
			s.backend.metrics.MessagesReceived.Inc()
		}
		s.backend.logger.Info("message accepted for forwarding",
			zap.String("message_id", msg.MessageID),
			zap.String("recipient", rcpt.address),
			zap.Strings("destinations", rcpt.destinations),
			zap.Int64("size", msg.Size),
		)
	}

	return nil
}

// Reset 重置事务状态（连接级的 strikes 保留）。
func (s *session) Reset() {
	s.snap = nil
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	if s.backend.metrics != nil {
		s.backend.metrics.SessionsActive.Dec()
	}
	return nil
}
