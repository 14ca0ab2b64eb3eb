package health

import (
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"fwdmail/backend/internal/domain"
)

// QueueReporter 上报出站队列状态，用于就绪检查。
type QueueReporter interface {
	Saturated() bool
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	store  domain.Store
	queue  QueueReporter
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器。
func NewHealthChecker(store domain.Store, queue QueueReporter, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		queue:  queue,
		logger: logger,
	}
	hc.addChecks()
	return hc
}

// addChecks 添加健康检查。
func (hc *HealthChecker) addChecks() {
	// 存储连接检查
	hc.health.AddLivenessCheck("store", func() error {
		return hc.store.Health()
	})

	// 出站队列饱和时摘除就绪，让上游少发一点流量
	if hc.queue != nil {
		hc.health.AddReadinessCheck("relay-queue", func() error {
			if hc.queue.Saturated() {
				return errQueueSaturated
			}
			return nil
		})
	}
}

var errQueueSaturated = &queueError{}

type queueError struct{}

func (*queueError) Error() string { return "relay queue saturated" }

// LiveHandler 存活检查端点。
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 就绪检查端点。
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}
