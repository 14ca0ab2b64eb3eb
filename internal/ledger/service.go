package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fwdmail/backend/internal/domain"
)

var (
	// ErrTerminalState 终态记录不可再变更
	ErrTerminalState = errors.New("delivery attempt already in terminal state")
)

// Service 是投递台账的唯一写入方（由转发引擎持有）。
//
// 状态只向终态单调推进；面板通过 List/Get 只读消费。
type Service struct {
	store  domain.Store
	logger *zap.Logger
}

// NewService 创建台账服务。
func NewService(store domain.Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// CreateAttempts 为一封入站邮件的每个目的地址各建一条 pending 记录。
// 各记录相互独立，单个目的地址的失败不影响其余记录。
func (s *Service) CreateAttempts(msg *domain.InboundMessage) ([]*domain.DeliveryAttempt, error) {
	attempts := make([]*domain.DeliveryAttempt, 0, len(msg.Destinations))

	aliasID := ""
	if msg.Alias != nil {
		aliasID = msg.Alias.ID
	}

	for _, dest := range msg.Destinations {
		a := &domain.DeliveryAttempt{
			ID:            uuid.NewString(),
			MessageID:     msg.MessageID,
			ThreadID:      msg.ThreadID,
			DomainID:      msg.Domain.ID,
			AliasID:       aliasID,
			Sender:        msg.From,
			Recipient:     msg.Recipient,
			Destination:   dest,
			Status:        domain.AttemptStatusPending,
			Size:          msg.Size,
			HasAttachment: msg.HasAttachment,
			CreatedAt:     time.Now().UTC(),
		}
		if err := s.store.SaveAttempt(a); err != nil {
			return attempts, err
		}
		attempts = append(attempts, a)
	}

	return attempts, nil
}

// MarkProcessing 标记一次投递开始，尝试次数加一。
func (s *Service) MarkProcessing(a *domain.DeliveryAttempt) error {
	if a.Status.IsTerminal() {
		return ErrTerminalState
	}
	a.Status = domain.AttemptStatusProcessing
	a.Attempts++
	a.NextRetryAt = nil
	return s.store.SaveAttempt(a)
}

// MarkDelivered 投递成功（终态）。
func (s *Service) MarkDelivered(a *domain.DeliveryAttempt) error {
	return s.finish(a, domain.AttemptStatusDelivered, "")
}

// MarkBounced 对端永久拒绝（终态），不再重试。
func (s *Service) MarkBounced(a *domain.DeliveryAttempt, errText string) error {
	return s.finish(a, domain.AttemptStatusBounced, errText)
}

// MarkFailed 重试次数耗尽（终态）。
func (s *Service) MarkFailed(a *domain.DeliveryAttempt, errText string) error {
	return s.finish(a, domain.AttemptStatusFailed, errText)
}

// MarkRejected 投递前被本地策略拒绝（终态），如签名错误。
func (s *Service) MarkRejected(a *domain.DeliveryAttempt, errText string) error {
	return s.finish(a, domain.AttemptStatusRejected, errText)
}

// RecordTransientFailure 记录一次临时失败并登记下次重试时间。
func (s *Service) RecordTransientFailure(a *domain.DeliveryAttempt, errText string, nextRetry time.Time) error {
	if a.Status.IsTerminal() {
		return ErrTerminalState
	}
	a.Status = domain.AttemptStatusPending
	a.LastError = errText
	a.NextRetryAt = &nextRetry
	return s.store.SaveAttempt(a)
}

func (s *Service) finish(a *domain.DeliveryAttempt, status domain.AttemptStatus, errText string) error {
	if a.Status.IsTerminal() {
		return ErrTerminalState
	}
	now := time.Now().UTC()
	a.Status = status
	a.LastError = errText
	a.NextRetryAt = nil
	a.CompletedAt = &now
	if err := s.store.SaveAttempt(a); err != nil {
		return err
	}

	s.logger.Info("delivery attempt finished",
		zap.String("attempt_id", a.ID),
		zap.String("destination", a.Destination),
		zap.String("status", string(status)),
		zap.Int("attempts", a.Attempts),
	)
	return nil
}

// Get 按 ID 读取投递记录。
func (s *Service) Get(id string) (*domain.DeliveryAttempt, error) {
	return s.store.GetAttempt(id)
}

// List 按条件查询投递记录（面板只读接口）。
func (s *Service) List(filter domain.AttemptFilter) ([]*domain.DeliveryAttempt, error) {
	return s.store.ListAttempts(filter)
}
