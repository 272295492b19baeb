package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/commitment-vault/internal/domain"
)

type Metrics struct {
	// Traffic: вызовы операций по компонентам и результату (ok или kind ошибки)
	Operations *prometheus.CounterVec

	// TVL: сумма заблокированного капитала активных обязательств
	TotalValueLocked prometheus.Gauge

	// Active: число активных обязательств
	ActiveCommitments prometheus.Gauge

	// Pools: загрузка пулов allocated/capacity
	PoolUtilization *prometheus.GaugeVec

	// Compliance: распределение рассчитанных скоров
	ComplianceScore prometheus.Histogram

	// Journal: заполненность буфера событий (backpressure)
	JournalBufferFill prometheus.Gauge

	// Journal: события, сброшенные при переполнении или после остановки
	JournalDropped prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Operations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "vault_operations_total",
			Help: "Total number of component operations by result.",
		}, []string{"component", "operation", "result"}),

		TotalValueLocked: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "vault_total_value_locked",
			Help: "Sum of principal locked by active commitments, minor units.",
		}),

		ActiveCommitments: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "vault_active_commitments",
			Help: "Number of commitments in the active state.",
		}),

		PoolUtilization: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_pool_utilization_ratio",
			Help: "Allocated liquidity divided by capacity per pool.",
		}, []string{"pool_id"}),

		ComplianceScore: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_compliance_score",
			Help:    "Histogram of calculated compliance scores.",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),

		JournalBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "vault_journal_buffer_utilization",
			Help: "Current number of events in the journal buffer.",
		}),

		JournalDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "vault_journal_dropped_total",
			Help: "Events dropped because the journal was full or stopped.",
		}),
	}
}

// Observe пишет результат операции. Для ошибок меткой служит kind.
func (m *Metrics) Observe(component, operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(domain.KindOf(err))
		if result == "" {
			result = "internal"
		}
	}
	m.Operations.WithLabelValues(component, operation, result).Inc()
}
