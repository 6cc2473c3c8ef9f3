package export

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitaminmoo/pmlog/internal/ota"
	"github.com/vitaminmoo/pmlog/internal/protocol"
)

// Metrics exposes telemetry and transfer state as Prometheus metrics.
type Metrics struct {
	status      *prometheus.GaugeVec
	cycle       *prometheus.GaugeVec
	records     prometheus.Counter
	logFetches  prometheus.Counter
	logBytes    prometheus.Counter
	otaBytes    prometheus.Gauge
	otaSessions *prometheus.CounterVec

	reg prometheus.Registerer

	mu        sync.Mutex
	lastCycle string
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pmlog_status_value",
			Help: "Latest numeric status field reported by the logger.",
		}, []string{"field"}),
		cycle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pmlog_cycle_status",
			Help: "Current cycle status (1 for the active value).",
		}, []string{"status"}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmlog_status_records_total",
			Help: "Total status records decoded.",
		}),
		logFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmlog_log_fetches_total",
			Help: "Total log files received.",
		}),
		logBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmlog_log_bytes_total",
			Help: "Total log bytes received.",
		}),
		otaBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pmlog_ota_bytes_sent",
			Help: "Firmware bytes sent in the current or last transfer.",
		}),
		otaSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmlog_ota_sessions_total",
			Help: "Finished firmware transfers by result.",
		}, []string{"result"}),
		reg: reg,
	}
	reg.MustRegister(
		m.status,
		m.cycle,
		m.records,
		m.logFetches,
		m.logBytes,
		m.otaBytes,
		m.otaSessions,
	)
	return m
}

// RegisterPollFailures exposes the poller's failure count.
func (m *Metrics) RegisterPollFailures(fn func() int64) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "pmlog_poll_failures_total",
		Help: "Total failed status reads.",
	}, func() float64 { return float64(fn()) }))
}

func (m *Metrics) Name() string { return "metrics" }

// Publish updates the status gauges from r.
func (m *Metrics) Publish(_ context.Context, r protocol.Record) error {
	m.records.Inc()
	for _, key := range r.Keys() {
		if v, ok := r.Float(key); ok {
			m.status.WithLabelValues(key).Set(v)
		}
	}
	if s, ok := r.CycleStatus(); ok {
		m.mu.Lock()
		if s != m.lastCycle {
			if m.lastCycle != "" {
				m.cycle.WithLabelValues(m.lastCycle).Set(0)
			}
			m.cycle.WithLabelValues(s).Set(1)
			m.lastCycle = s
		}
		m.mu.Unlock()
	}
	return nil
}

// LogFetched records a finalized log of n bytes.
func (m *Metrics) LogFetched(n int) {
	m.logFetches.Inc()
	m.logBytes.Add(float64(n))
}

// ObserveOTA follows a firmware transfer's progress reports.
func (m *Metrics) ObserveOTA(p ota.Progress) {
	m.otaBytes.Set(float64(p.BytesSent))
	switch p.Phase {
	case ota.Complete:
		m.otaSessions.WithLabelValues("complete").Inc()
	case ota.Error:
		m.otaSessions.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) Close() error { return nil }
