package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/events"
	"github.com/atlas-desktop/regime-engine/internal/execution"
	"github.com/atlas-desktop/regime-engine/internal/expectancy"
	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/internal/scoring"
	"github.com/atlas-desktop/regime-engine/internal/signals"
	"github.com/atlas-desktop/regime-engine/internal/sizing"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Snapshot is a point-in-time copy of the engine state.
type Snapshot struct {
	Running        bool                                   `json:"running"`
	Stats          Stats                                  `json:"stats"`
	Positions      []execution.ManagedPosition            `json:"positions"`
	Stops          map[string]signals.AdaptiveStopLoss    `json:"stops"`
	Regimes        map[string]regime.MultiTimeframeRegime `json:"regimes"`
	Scores         []scoring.CompositeScore               `json:"scores"`
	Allocation     *sizing.AllocationResult               `json:"allocation,omitempty"`
	Balance        *types.AccountBalance                  `json:"balance,omitempty"`
	Reconciliation *execution.ReconciliationReport        `json:"reconciliation,omitempty"`
	Timestamp      time.Time                              `json:"timestamp"`
}

// Snapshot returns a copy of the current state. It never blocks on a tick.
func (o *Orchestrator) Snapshot() Snapshot {
	positions := o.positions.Positions()

	o.mu.RLock()
	defer o.mu.RUnlock()

	snap := Snapshot{
		Running:   o.running,
		Stats:     o.stats,
		Positions: positions,
		Stops:     make(map[string]signals.AdaptiveStopLoss, len(o.stops)),
		Regimes:   make(map[string]regime.MultiTimeframeRegime, len(o.regimes)),
		Scores:    make([]scoring.CompositeScore, len(o.scores)),
		Timestamp: o.clock(),
	}
	snap.Stats.SkippedTicks = o.skipped.Load()
	for sym, s := range o.stops {
		snap.Stops[sym] = *s
	}
	for sym, m := range o.regimes {
		snap.Regimes[sym] = m
	}
	copy(snap.Scores, o.scores)
	if o.allocation != nil {
		a := *o.allocation
		snap.Allocation = &a
	}
	if o.balance != nil {
		b := *o.balance
		snap.Balance = &b
	}
	if o.reconcile != nil {
		r := *o.reconcile
		snap.Reconciliation = &r
	}
	return snap
}

func (o *Orchestrator) newTickState() *tickState {
	return &tickState{
		now:      o.clock(),
		report:   &TickReport{Events: make(map[events.EventType]int)},
		series:   make(map[string]map[types.Timeframe]*types.MarketDataSeries),
		regimes:  make(map[string]regime.MultiTimeframeRegime),
		analyses: make(map[string]*analysis),
	}
}

// Reconcile compares the engine's positions with the venue's and emits a
// reconciliation event. Discrepancies are reported, never corrected.
func (o *Orchestrator) Reconcile(ctx context.Context) (execution.ReconciliationReport, error) {
	o.tickMu.Lock()
	defer o.tickMu.Unlock()
	return o.reconcileWith(ctx, o.newTickState())
}

func (o *Orchestrator) reconcileWith(ctx context.Context, ts *tickState) (execution.ReconciliationReport, error) {
	report, err := o.venue.Reconcile(ctx, o.positions.Signed())
	if err != nil {
		return report, fmt.Errorf("reconcile: %w", err)
	}
	ts.report.Reconciled = true

	o.mu.Lock()
	o.reconcile = &report
	o.mu.Unlock()

	high := report.Count(execution.SeverityHigh)
	bySeverity := map[string]int{
		string(execution.SeverityHigh):   high,
		string(execution.SeverityMedium): report.Count(execution.SeverityMedium),
		string(execution.SeverityLow):    report.Count(execution.SeverityLow),
	}
	if o.metrics != nil {
		o.metrics.SetDiscrepancies(bySeverity)
	}

	ev := events.New(events.EventTypeReconciliation, "",
		fmt.Sprintf("%d positions checked, %d discrepancies", report.Checked, len(report.Discrepancies)), report)
	switch {
	case high > 0:
		ev.Severity = events.SeverityCritical
	case !report.Clean():
		ev.Severity = events.SeverityWarning
	}
	if !report.Clean() {
		o.logger.Warn("Position discrepancies found",
			zap.Int("high", high),
			zap.Int("total", len(report.Discrepancies)),
		)
	}
	o.emit(ts, ev)
	return report, nil
}

// CloseAll routes an exit for every open position and waits until the book
// is flat or ctx ends.
func (o *Orchestrator) CloseAll(ctx context.Context) error {
	o.tickMu.Lock()
	defer o.tickMu.Unlock()

	ts := o.newTickState()
	var errs []error
	for _, pos := range o.positions.Positions() {
		if o.router.HasPendingExit(pos.Symbol) {
			continue
		}
		if _, err := o.router.SubmitExit(ctx, pos.Symbol, "shutdown"); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pos.Symbol, err))
			continue
		}
		o.mu.Lock()
		o.stats.ExitsRouted++
		o.mu.Unlock()
	}

	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()
	var drainErr error
	for {
		if err := o.drainFills(ctx, ts); err != nil && ctx.Err() == nil {
			if drainErr == nil || drainErr.Error() != err.Error() {
				o.logger.Warn("Fill drain failed while closing", zap.Error(err))
			}
			drainErr = err
		}
		if len(o.positions.Positions()) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("%d positions still open: %w", len(o.positions.Positions()), ctx.Err()))
			if drainErr != nil {
				errs = append(errs, drainErr)
			}
			return errors.Join(errs...)
		case <-poll.C:
		}
	}

	o.logger.Info("All positions closed", zap.Int("closed", ts.report.Closed))
	return errors.Join(errs...)
}

// Exposure sums open capital and risk across the book.
func (o *Orchestrator) Exposure() (capital, risk decimal.Decimal) {
	for _, p := range o.positions.Positions() {
		capital = capital.Add(p.MarketValue())
		risk = risk.Add(p.OpenRisk())
	}
	return capital, risk
}

// Performance reports on the closed-trade history.
func (o *Orchestrator) Performance(ctx context.Context) (expectancy.PerformanceReport, error) {
	return o.estimator.Performance(ctx)
}
