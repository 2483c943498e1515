package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 消息处理结果
const (
	OutcomeAck     = "ack"
	OutcomePoison  = "poison"
	OutcomeUnknown = "unknown_routing_key"
	OutcomeFailed  = "failed"
)

// Metrics 同步任务、broker、分类服务和推送的指标
// nil 接收者上的 Record* 方法为空操作
type Metrics struct {
	// broker
	MessagesTotal   *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	ReconnectsTotal prometheus.Counter
	ActiveConsumers prometheus.Gauge

	// 汇率同步
	RateSyncAttemptsTotal *prometheus.CounterVec
	RateSyncLastSuccess   prometheus.Gauge
	ActiveRates           prometheus.Gauge

	// 分类服务
	ClassifierRequestsTotal *prometheus.CounterVec

	// 推送
	NotificationsTotal *prometheus.CounterVec
}

// New 在给定 registerer 上注册全部指标
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_broker_messages_total",
				Help: "Inbound broker messages by routing key and outcome",
			},
			[]string{"routing_key", "outcome"},
		),

		HandlerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_broker_handler_duration_seconds",
				Help:    "Time spent in broker message handlers",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms ... ~10s
			},
			[]string{"routing_key"},
		),

		ReconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_broker_reconnects_total",
				Help: "Successful broker reconnects after a connection shutdown",
			},
		),

		ActiveConsumers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledger_broker_active_consumers",
				Help: "Consumer goroutines currently reading deliveries",
			},
		),

		RateSyncAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rate_sync_attempts_total",
				Help: "Exchange rate sync attempts by outcome",
			},
			[]string{"outcome"},
		),

		RateSyncLastSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledger_rate_sync_last_success_timestamp_seconds",
				Help: "Unix time of the last successful exchange rate sync",
			},
		),

		ActiveRates: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledger_rate_sync_active_rates",
				Help: "Number of active exchange rates after the last sync",
			},
		),

		ClassifierRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_classifier_requests_total",
				Help: "Classification requests sent to the external classifier by outcome",
			},
			[]string{"outcome"},
		),

		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_notifications_total",
				Help: "Push notifications by sink and outcome",
			},
			[]string{"sink", "outcome"},
		),
	}
}

// RecordMessage 记录一条消息的处理结果
func (m *Metrics) RecordMessage(routingKey, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(routingKey, outcome).Inc()
	if outcome == OutcomeAck || outcome == OutcomeFailed {
		m.HandlerDuration.WithLabelValues(routingKey).Observe(durationSeconds)
	}
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

func (m *Metrics) ConsumerStarted() {
	if m == nil {
		return
	}
	m.ActiveConsumers.Inc()
}

func (m *Metrics) ConsumerStopped() {
	if m == nil {
		return
	}
	m.ActiveConsumers.Dec()
}

// RecordSyncAttempt 记录一次同步尝试
func (m *Metrics) RecordSyncAttempt(success bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "success"
	}
	m.RateSyncAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordSyncSuccess 记录成功同步的时间和汇率数量
func (m *Metrics) RecordSyncSuccess(unixSeconds float64, activeRates int) {
	if m == nil {
		return
	}
	m.RateSyncLastSuccess.Set(unixSeconds)
	m.ActiveRates.Set(float64(activeRates))
}

func (m *Metrics) RecordClassifierRequest(outcome string) {
	if m == nil {
		return
	}
	m.ClassifierRequestsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordNotification(sink, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(sink, outcome).Inc()
}
