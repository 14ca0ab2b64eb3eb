package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// SMTP 入站指标
	SessionsTotal     prometheus.Counter
	SessionsActive    prometheus.Gauge
	RecipientsTotal   *prometheus.CounterVec // accepted / rejected，按拒绝原因细分
	MessagesReceived  prometheus.Counter
	MessagesOversized prometheus.Counter

	// 转发指标
	MessagesEnqueued prometheus.Counter
	DeliveriesTotal  *prometheus.CounterVec // 按终态/结果统计
	DeliveryRetries  prometheus.Counter
	RelayQueueDepth  prometheus.Gauge

	// 验证器指标
	VerifyRunsTotal *prometheus.CounterVec // ok / transient_error
}

// NewMetrics 创建监控指标（promauto 自动注册到默认 registry）。
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwdmail_smtp_sessions_total",
			Help: "Total inbound SMTP sessions accepted.",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fwdmail_smtp_sessions_active",
			Help: "Currently open inbound SMTP sessions.",
		}),
		RecipientsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwdmail_smtp_recipients_total",
			Help: "RCPT decisions by outcome.",
		}, []string{"outcome"}),
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwdmail_smtp_messages_received_total",
			Help: "Messages fully received over SMTP.",
		}),
		MessagesOversized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwdmail_smtp_messages_oversized_total",
			Help: "Messages rejected for exceeding the size limit.",
		}),
		MessagesEnqueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwdmail_relay_messages_enqueued_total",
			Help: "Inbound messages handed to the relay engine.",
		}),
		DeliveriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwdmail_relay_deliveries_total",
			Help: "Delivery attempts reaching a terminal state, by status.",
		}, []string{"status"}),
		DeliveryRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fwdmail_relay_retries_total",
			Help: "Transient failures scheduled for retry.",
		}),
		RelayQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fwdmail_relay_queue_depth",
			Help: "Tasks waiting in the relay queue.",
		}),
		VerifyRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fwdmail_dns_verify_runs_total",
			Help: "DNS verification runs by outcome.",
		}, []string{"outcome"}),
	}
}

// HTTPHandler 返回 Prometheus 指标端点处理器。
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
