package relay

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"fwdmail/backend/internal/domain"
	"fwdmail/backend/internal/ledger"
	"fwdmail/backend/internal/monitoring"
	"fwdmail/backend/internal/pool"
)

var (
	// ErrQueueFull 出站队列已满，入站侧应返回临时拒绝
	ErrQueueFull = errors.New("relay queue is full")
)

// MessageSigner 抽象 DKIM 签名器，便于测试替换。
type MessageSigner interface {
	Sign(raw []byte, d *domain.Domain) ([]byte, error)
}

// SettingsResolver 按域名解析出站投递配置（每次投递解析一次，
// 显式传参而不是在调用链深处查库）。
type SettingsResolver func(d *domain.Domain) domain.RelaySettings

// Config 转发引擎配置。
type Config struct {
	Workers         int
	QueueSize       int
	MaxAttempts     int           // 含首次投递
	RetryMin        time.Duration // 首次重试间隔
	RetryMax        time.Duration // 间隔上限
	RetryFactor     float64
	DeliveryTimeout time.Duration // 单次投递的传输超时
}

// Engine 把签名后的入站邮件投递到各目的地址，
// 并把每条 DeliveryAttempt 推进到终态。
//
// 有界工作池与 SMTP 前端解耦：入站事务在入队完成时即告结束，
// 入站吞吐不受出站时延牵制；池大小同时限制出站并发连接数。
type Engine struct {
	cfg       Config
	pool      *pool.WorkerPool
	scheduler *Scheduler
	ledger    *ledger.Service
	signer    MessageSigner
	transport Transport
	settings  SettingsResolver
	backoff   *backoff.Backoff
	metrics   *monitoring.Metrics
	logger    *zap.Logger

	ctx context.Context
}

// NewEngine 创建转发引擎。
func NewEngine(
	cfg Config,
	ledgerSvc *ledger.Service,
	signer MessageSigner,
	transport Transport,
	settings SettingsResolver,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = time.Minute
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 2 * time.Hour
	}
	if cfg.RetryFactor <= 1 {
		cfg.RetryFactor = 5
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 2 * time.Minute
	}

	e := &Engine{
		cfg:       cfg,
		pool:      pool.NewWorkerPool(cfg.Workers, cfg.QueueSize, logger),
		ledger:    ledgerSvc,
		signer:    signer,
		transport: transport,
		settings:  settings,
		backoff: &backoff.Backoff{
			Min:    cfg.RetryMin,
			Max:    cfg.RetryMax,
			Factor: cfg.RetryFactor,
		},
		metrics: metrics,
		logger:  logger,
	}
	e.scheduler = NewScheduler(e.pool.TrySubmit, logger)
	return e
}

// Start 启动工作池。
func (e *Engine) Start(ctx context.Context) {
	e.ctx = ctx
	e.pool.Start(ctx)
}

// Stop 停止重试调度并等待在途投递完成。
func (e *Engine) Stop() {
	e.scheduler.Stop()
	e.pool.Stop()
}

// QueueDepth 当前排队任务数（背压指标）。
func (e *Engine) QueueDepth() int {
	return e.pool.QueueDepth()
}

// Saturated 队列是否已满，入站侧据此返回临时拒绝。
func (e *Engine) Saturated() bool {
	return e.pool.QueueDepth() >= e.cfg.QueueSize
}

// Enqueue 为入站邮件的每个目的地址建立台账记录并提交投递任务。
//
// 台账记录建立后入站事务即告完成；此后任何失败都通过
// 重试调度兜底，不再影响 SMTP 响应。
func (e *Engine) Enqueue(msg *domain.InboundMessage) error {
	if e.Saturated() {
		return ErrQueueFull
	}

	attempts, err := e.ledger.CreateAttempts(msg)
	if err != nil {
		return err
	}

	for _, a := range attempts {
		task := e.taskFor(a, msg.Raw, msg.Domain)
		if !e.pool.TrySubmit(task) {
			// 记录已持久化，延迟入队而不是丢弃
			e.scheduler.Schedule(a.ID, 10*time.Second, task)
		}
	}

	if e.metrics != nil {
		e.metrics.MessagesEnqueued.Inc()
		e.metrics.RelayQueueDepth.Set(float64(e.pool.QueueDepth()))
	}
	return nil
}

func (e *Engine) taskFor(a *domain.DeliveryAttempt, raw []byte, dom *domain.Domain) func() {
	return func() {
		e.process(a, raw, dom)
	}
}

// process 驱动一条投递记录走完一次投递周期。
func (e *Engine) process(a *domain.DeliveryAttempt, raw []byte, dom *domain.Domain) {
	signed, err := e.signer.Sign(raw, dom)
	if err != nil {
		// 宣告 DKIM 的域名绝不允许未签名外发
		e.logger.Error("dkim signing failed, rejecting attempt",
			zap.String("attempt_id", a.ID),
			zap.String("domain", dom.Name),
			zap.Error(err),
		)
		if err := e.ledger.MarkRejected(a, "dkim: "+err.Error()); err != nil {
			e.logger.Error("ledger update failed", zap.String("attempt_id", a.ID), zap.Error(err))
		}
		e.observe(domain.AttemptStatusRejected)
		return
	}

	if err := e.ledger.MarkProcessing(a); err != nil {
		e.logger.Error("ledger update failed", zap.String("attempt_id", a.ID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.DeliveryTimeout)
	defer cancel()

	settings := e.settings(dom)
	deliverErr := e.transport.Deliver(ctx, settings, dom.Name, a.Sender, a.Destination, signed)

	switch {
	case deliverErr == nil:
		if err := e.ledger.MarkDelivered(a); err != nil {
			e.logger.Error("ledger update failed", zap.String("attempt_id", a.ID), zap.Error(err))
		}
		e.observe(domain.AttemptStatusDelivered)

	case IsPermanent(deliverErr):
		if err := e.ledger.MarkBounced(a, deliverErr.Error()); err != nil {
			e.logger.Error("ledger update failed", zap.String("attempt_id", a.ID), zap.Error(err))
		}
		e.observe(domain.AttemptStatusBounced)

	default:
		e.retryOrFail(a, raw, dom, deliverErr)
	}
}

// retryOrFail 临时失败：未到次数上限则按退避序列重试，否则终态 failed。
func (e *Engine) retryOrFail(a *domain.DeliveryAttempt, raw []byte, dom *domain.Domain, cause error) {
	if a.Attempts >= e.cfg.MaxAttempts {
		if err := e.ledger.MarkFailed(a, cause.Error()); err != nil {
			e.logger.Error("ledger update failed", zap.String("attempt_id", a.ID), zap.Error(err))
		}
		e.observe(domain.AttemptStatusFailed)
		return
	}

	delay := e.backoff.ForAttempt(float64(a.Attempts - 1))
	next := time.Now().UTC().Add(delay)
	if err := e.ledger.RecordTransientFailure(a, cause.Error(), next); err != nil {
		e.logger.Error("ledger update failed", zap.String("attempt_id", a.ID), zap.Error(err))
		return
	}

	e.scheduler.Schedule(a.ID, delay, e.taskFor(a, raw, dom))
	if e.metrics != nil {
		e.metrics.DeliveryRetries.Inc()
	}
	e.logger.Info("delivery deferred",
		zap.String("attempt_id", a.ID),
		zap.String("destination", a.Destination),
		zap.Int("attempts", a.Attempts),
		zap.Duration("retry_in", delay),
		zap.String("error", cause.Error()),
	)
}

func (e *Engine) observe(status domain.AttemptStatus) {
	if e.metrics == nil {
		return
	}
	e.metrics.DeliveriesTotal.WithLabelValues(string(status)).Inc()
	e.metrics.RelayQueueDepth.Set(float64(e.pool.QueueDepth()))
}
