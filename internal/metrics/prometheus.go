// Package metrics records engine activity with Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the engine's collectors on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	tickDuration  prometheus.Histogram
	ticksSkipped  prometheus.Counter
	events        *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	stepErrors    *prometheus.CounterVec
	openPositions prometheus.Gauge
	equity        prometheus.Gauge
	realizedPnL   prometheus.Gauge
	unrealizedPnL prometheus.Gauge
	regime        *prometheus.GaugeVec
	scores        *prometheus.GaugeVec
	discrepancies *prometheus.GaugeVec
	ordersRouted  *prometheus.CounterVec
}

// New creates a recorder with a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_tick_duration_seconds",
			Help:    "Duration of orchestrator ticks in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		ticksSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "engine_ticks_skipped_total",
			Help: "Ticks skipped because the previous tick was still running",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_events_total",
			Help: "Events emitted by type",
		}, []string{"type"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_allocation_rejections_total",
			Help: "Allocation rejections by reason code",
		}, []string{"code"}),
		stepErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_step_errors_total",
			Help: "Tick step failures by step",
		}, []string{"step"}),
		openPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Number of open positions",
		}),
		equity: f.NewGauge(prometheus.GaugeOpts{
			Name: "engine_equity",
			Help: "Venue equity marked to market",
		}),
		realizedPnL: f.NewGauge(prometheus.GaugeOpts{
			Name: "engine_realized_pnl",
			Help: "Net realized P&L of closed positions",
		}),
		unrealizedPnL: f.NewGauge(prometheus.GaugeOpts{
			Name: "engine_unrealized_pnl",
			Help: "Unrealized P&L of open positions",
		}),
		regime: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_regime",
			Help: "1 for the dominant regime of a symbol, 0 otherwise",
		}, []string{"symbol", "regime"}),
		scores: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_composite_score",
			Help: "Latest composite score by symbol",
		}, []string{"symbol"}),
		discrepancies: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_reconciliation_discrepancies",
			Help: "Discrepancies found by the last reconciliation, by severity",
		}, []string{"severity"}),
		ordersRouted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_routed_total",
			Help: "Orders routed to the venue by intent",
		}, []string{"intent"}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveTick records one completed tick.
func (r *Recorder) ObserveTick(d time.Duration) {
	r.tickDuration.Observe(d.Seconds())
}

// TickSkipped counts a skipped tick.
func (r *Recorder) TickSkipped() {
	r.ticksSkipped.Inc()
}

// RecordEvent counts an emitted event.
func (r *Recorder) RecordEvent(eventType string) {
	r.events.WithLabelValues(eventType).Inc()
}

// RecordRejection counts an allocation rejection.
func (r *Recorder) RecordRejection(code string) {
	r.rejections.WithLabelValues(code).Inc()
}

// RecordStepError counts a failed tick step.
func (r *Recorder) RecordStepError(step string) {
	r.stepErrors.WithLabelValues(step).Inc()
}

// RecordOrder counts a routed order.
func (r *Recorder) RecordOrder(intent string) {
	r.ordersRouted.WithLabelValues(intent).Inc()
}

// SetPortfolio records position count and P&L.
func (r *Recorder) SetPortfolio(open int, equity, realized, unrealized float64) {
	r.openPositions.Set(float64(open))
	r.equity.Set(equity)
	r.realizedPnL.Set(realized)
	r.unrealizedPnL.Set(unrealized)
}

// SetRegime marks current as the regime of symbol among all.
func (r *Recorder) SetRegime(symbol, current string, all []string) {
	for _, name := range all {
		v := 0.0
		if name == current {
			v = 1
		}
		r.regime.WithLabelValues(symbol, name).Set(v)
	}
}

// SetScore records the latest composite score of symbol.
func (r *Recorder) SetScore(symbol string, score float64) {
	r.scores.WithLabelValues(symbol).Set(score)
}

// SetDiscrepancies records reconciliation counts by severity.
func (r *Recorder) SetDiscrepancies(bySeverity map[string]int) {
	for sev, n := range bySeverity {
		r.discrepancies.WithLabelValues(sev).Set(float64(n))
	}
}
