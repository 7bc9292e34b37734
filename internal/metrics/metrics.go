package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles ledger metrics. A nil *Metrics records nothing.
type Metrics struct {
	EventsTotal       *prometheus.CounterVec
	SettlementTotal   *prometheus.CounterVec
	DispositionsTotal *prometheus.CounterVec
	InclusionWait     prometheus.Histogram
	CheckpointBlock   *prometheus.GaugeVec
}

// New constructs metrics and registers them with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_ingest_events_total",
				Help: "Total ingested chain events by event and outcome",
			},
			[]string{"event", "outcome"},
		),
		SettlementTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_settlement_calls_total",
				Help: "Total settlement transactions by operation and result",
			},
			[]string{"op", "result"},
		),
		DispositionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_dispositions_total",
				Help: "Total collateral disposition decisions by state and outcome",
			},
			[]string{"state", "outcome"},
		),
		InclusionWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_settlement_inclusion_seconds",
			Help:    "Time from broadcast to inclusion of settlement transactions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		CheckpointBlock: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledger_ingest_checkpoint_block",
				Help: "Last fully persisted block per subscription",
			},
			[]string{"subscription"},
		),
	}
	reg.MustRegister(
		m.EventsTotal,
		m.SettlementTotal,
		m.DispositionsTotal,
		m.InclusionWait,
		m.CheckpointBlock,
	)
	return m
}

func (m *Metrics) ObserveEvent(event, outcome string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) ObserveSettlement(op, result string) {
	if m == nil {
		return
	}
	m.SettlementTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveDisposition(state, outcome string) {
	if m == nil {
		return
	}
	m.DispositionsTotal.WithLabelValues(state, outcome).Inc()
}

func (m *Metrics) ObserveInclusion(d time.Duration) {
	if m == nil {
		return
	}
	m.InclusionWait.Observe(d.Seconds())
}

func (m *Metrics) SetCheckpoint(subscription string, block uint64) {
	if m == nil {
		return
	}
	m.CheckpointBlock.WithLabelValues(subscription).Set(float64(block))
}
