package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the connector's instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Requests          *prometheus.CounterVec
	Retries           *prometheus.CounterVec
	Confirmations     *prometheus.CounterVec
	LimiterWait       *prometheus.HistogramVec
	RequestDuration   *prometheus.HistogramVec
	Transitions       *prometheus.CounterVec
	StaleUpdates      prometheus.Counter
	DuplicateFills    prometheus.Counter
	UnmatchedUpdates  *prometheus.CounterVec
	StreamMessages    *prometheus.CounterVec
	LockCapped        *prometheus.CounterVec
	BalanceRefreshes  *prometheus.CounterVec
	PlacementOutcomes *prometheus.CounterVec
}

func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_requests_total",
				Help: "Dispatched venue requests by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		),
		Retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_request_retries_total",
				Help: "Retries after transient venue failures.",
			},
			[]string{"endpoint"},
		),
		Confirmations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_confirm_queries_total",
				Help: "Confirm-before-retry queries by result.",
			},
			[]string{"endpoint", "result"},
		),
		LimiterWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "connector_limiter_wait_seconds",
				Help:    "Time spent waiting for rate limiter capacity.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "connector_request_duration_seconds",
				Help:    "Venue request round trip duration.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_order_transitions_total",
				Help: "Accepted order state transitions by target state.",
			},
			[]string{"state"},
		),
		StaleUpdates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "connector_stale_order_updates_total",
				Help: "Order updates ignored because they did not advance state.",
			},
		),
		DuplicateFills: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "connector_duplicate_fills_total",
				Help: "Fills ignored because their id was already applied.",
			},
		),
		UnmatchedUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_unmatched_updates_total",
				Help: "Updates dropped because no tracked order matched.",
			},
			[]string{"source", "kind"},
		),
		StreamMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_stream_messages_total",
				Help: "Streaming messages processed by result.",
			},
			[]string{"result"},
		),
		LockCapped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_balance_lock_capped_total",
				Help: "Balance refreshes where locked funds exceeded the venue total.",
			},
			[]string{"asset"},
		),
		BalanceRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_balance_refreshes_total",
				Help: "Balance refreshes by status.",
			},
			[]string{"status"},
		),
		PlacementOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_placements_total",
				Help: "Order placements by outcome.",
			},
			[]string{"outcome"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.Requests,
			m.Retries,
			m.Confirmations,
			m.LimiterWait,
			m.RequestDuration,
			m.Transitions,
			m.StaleUpdates,
			m.DuplicateFills,
			m.UnmatchedUpdates,
			m.StreamMessages,
			m.LockCapped,
			m.BalanceRefreshes,
			m.PlacementOutcomes,
		)
	}
	return m
}

func (m *Metrics) ObserveRequest(endpoint, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(endpoint, outcome).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(took.Seconds())
}

func (m *Metrics) ObserveRetry(endpoint string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) ObserveConfirm(endpoint string, found bool) {
	if m == nil {
		return
	}
	result := "not_found"
	if found {
		result = "found"
	}
	m.Confirmations.WithLabelValues(endpoint, result).Inc()
}

func (m *Metrics) ObserveLimiterWait(endpoint string, took time.Duration) {
	if m == nil {
		return
	}
	m.LimiterWait.WithLabelValues(endpoint).Observe(took.Seconds())
}

func (m *Metrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveStaleUpdate() {
	if m == nil {
		return
	}
	m.StaleUpdates.Inc()
}

func (m *Metrics) ObserveDuplicateFill() {
	if m == nil {
		return
	}
	m.DuplicateFills.Inc()
}

func (m *Metrics) ObserveUnmatched(source, kind string) {
	if m == nil {
		return
	}
	m.UnmatchedUpdates.WithLabelValues(source, kind).Inc()
}

func (m *Metrics) ObserveStreamMessage(result string) {
	if m == nil {
		return
	}
	m.StreamMessages.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveLockCapped(asset string) {
	if m == nil {
		return
	}
	m.LockCapped.WithLabelValues(asset).Inc()
}

func (m *Metrics) ObserveBalanceRefresh(status string) {
	if m == nil {
		return
	}
	m.BalanceRefreshes.WithLabelValues(status).Inc()
}

func (m *Metrics) ObservePlacement(outcome string) {
	if m == nil {
		return
	}
	m.PlacementOutcomes.WithLabelValues(outcome).Inc()
}
