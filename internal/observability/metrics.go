package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the sentinel's Prometheus instruments. A nil *Metrics is
// valid; every method no-ops so tests and one-shot commands can skip
// registration.
type Metrics struct {
	EventsApplied   *prometheus.CounterVec
	EventsSkipped   *prometheus.CounterVec
	CheckpointHeight prometheus.Gauge
	BatchDuration   prometheus.Histogram

	CandidatesFound  prometheus.Gauge
	PositionsAtRisk  prometheus.Gauge
	StalePriceSkips  prometheus.Counter

	Submissions *prometheus.CounterVec

	FundingUpdates prometheus.Counter
}

// NewMetrics registers all instruments on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_events_applied_total",
			Help: "Chain events applied to the ledger",
		}, []string{"kind"}),
		EventsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_events_skipped_total",
			Help: "Chain events skipped (duplicate, malformed, unknown)",
		}, []string{"reason"}),
		CheckpointHeight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_checkpoint_height",
			Help: "Last durably applied checkpoint height",
		}),
		BatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_sync_batch_duration_seconds",
			Help:    "Wall time to fetch and apply one event batch",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		CandidatesFound: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_liquidation_candidates",
			Help: "Liquidation candidates found in the last risk pass",
		}),
		PositionsAtRisk: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_positions_at_risk",
			Help: "Positions with health between 1.0 and 1.2 in the last risk pass",
		}),
		StalePriceSkips: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_stale_price_skips_total",
			Help: "Markets skipped in a risk pass because the oracle quote was stale",
		}),
		Submissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_submissions_total",
			Help: "Gateway submissions by kind and outcome",
		}, []string{"kind", "outcome"}),
		FundingUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_funding_updates_total",
			Help: "Funding snapshots written",
		}),
	}
}

func (m *Metrics) EventApplied(kind string) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventSkipped(reason string) {
	if m == nil {
		return
	}
	m.EventsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetCheckpoint(height uint64) {
	if m == nil {
		return
	}
	m.CheckpointHeight.Set(float64(height))
}

func (m *Metrics) ObserveBatch(seconds float64) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(seconds)
}

func (m *Metrics) SetCandidates(candidates, atRisk int) {
	if m == nil {
		return
	}
	m.CandidatesFound.Set(float64(candidates))
	m.PositionsAtRisk.Set(float64(atRisk))
}

func (m *Metrics) StalePriceSkip() {
	if m == nil {
		return
	}
	m.StalePriceSkips.Inc()
}

func (m *Metrics) Submission(kind, outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) FundingUpdate() {
	if m == nil {
		return
	}
	m.FundingUpdates.Inc()
}
