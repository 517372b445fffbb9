package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/events"
	"github.com/atlas-desktop/regime-engine/internal/execution"
	"github.com/atlas-desktop/regime-engine/internal/expectancy"
	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/internal/scoring"
	"github.com/atlas-desktop/regime-engine/internal/signals"
	"github.com/atlas-desktop/regime-engine/internal/sizing"
	"github.com/atlas-desktop/regime-engine/internal/workers"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TickReport summarizes one pass of the loop.
type TickReport struct {
	Tick          int64                    `json:"tick"`
	Started       time.Time                `json:"started"`
	Duration      time.Duration            `json:"duration"`
	Analyzed      int                      `json:"analyzed"`
	EntriesRouted int                      `json:"entriesRouted"`
	ExitsRouted   int                      `json:"exitsRouted"`
	Opened        int                      `json:"opened"`
	Closed        int                      `json:"closed"`
	Reconciled    bool                     `json:"reconciled"`
	Events        map[events.EventType]int `json:"events"`
	Errors        []string                 `json:"errors,omitempty"`
	Allocation    *sizing.AllocationResult `json:"allocation,omitempty"`
	Scores        []scoring.CompositeScore `json:"scores,omitempty"`
}

// analysis is everything derived for one symbol in a tick.
type analysis struct {
	symbol     string
	series     *types.MarketDataSeries
	regime     regime.MultiTimeframeRegime
	level      signals.PercentileLevel
	signal     *signals.EntrySignal
	expectancy expectancy.RiskAdjustedExpectancy
	stopDist   decimal.Decimal
	err        error
}

type tickState struct {
	now      time.Time
	report   *TickReport
	series   map[string]map[types.Timeframe]*types.MarketDataSeries
	regimes  map[string]regime.MultiTimeframeRegime
	analyses map[string]*analysis
}

// Tick runs one pass: drain fills, market data, regimes, signals with
// expectancy and scores, allocation, position management, metrics and
// periodic reconciliation. Step failures become error events and the pass
// continues. A tick requested while another runs is skipped and counted.
func (o *Orchestrator) Tick(ctx context.Context) (*TickReport, error) {
	if !o.tickMu.TryLock() {
		o.skipped.Add(1)
		if o.metrics != nil {
			o.metrics.TickSkipped()
		}
		return nil, ErrTickSkipped
	}
	defer o.tickMu.Unlock()

	start := time.Now()
	ts := &tickState{
		now: o.clock(),
		report: &TickReport{
			Tick:   o.ticks.Add(1),
			Events: make(map[events.EventType]int),
		},
		series:   make(map[string]map[types.Timeframe]*types.MarketDataSeries),
		regimes:  make(map[string]regime.MultiTimeframeRegime),
		analyses: make(map[string]*analysis),
	}
	ts.report.Started = ts.now

	o.step(ctx, ts, "fills", o.drainFills)
	o.step(ctx, ts, "market_data", o.refreshMarketData)
	o.step(ctx, ts, "regime", o.refreshRegimes)
	o.step(ctx, ts, "scoring", o.refreshScores)
	o.step(ctx, ts, "allocation", o.refreshAllocation)
	o.step(ctx, ts, "positions", o.refreshPositions)
	o.step(ctx, ts, "metrics", o.aggregate)
	if every := o.config.ReconcileEvery; every > 0 && ts.report.Tick%int64(every) == 0 {
		o.step(ctx, ts, "reconcile", func(ctx context.Context, ts *tickState) error {
			_, err := o.reconcileWith(ctx, ts)
			return err
		})
	}

	ts.report.Duration = time.Since(start)
	o.mu.Lock()
	o.stats.Ticks = ts.report.Tick
	o.stats.LastTick = ts.now
	o.stats.LastTickTime = ts.report.Duration
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.ObserveTick(ts.report.Duration)
	}

	o.logger.Debug("Tick complete",
		zap.Int64("tick", ts.report.Tick),
		zap.Int("analyzed", ts.report.Analyzed),
		zap.Int("entries", ts.report.EntriesRouted),
		zap.Int("exits", ts.report.ExitsRouted),
		zap.Int("errors", len(ts.report.Errors)),
		zap.Duration("duration", ts.report.Duration),
	)
	return ts.report, nil
}

func (o *Orchestrator) step(ctx context.Context, ts *tickState, name string, fn func(context.Context, *tickState) error) {
	defer func() {
		if r := recover(); r != nil {
			o.fail(ts, name, "", fmt.Errorf("panic: %v", r))
		}
	}()
	if err := ctx.Err(); err != nil {
		o.fail(ts, name, "", err)
		return
	}
	if err := fn(ctx, ts); err != nil {
		o.fail(ts, name, "", err)
	}
}

// timeframes is every timeframe the tick reads: the classifier's plus the
// signal timeframe.
func (o *Orchestrator) timeframes() []types.Timeframe {
	set := map[types.Timeframe]bool{o.config.SignalTimeframe: true}
	for tf := range o.classifier.Config().TimeframeWeights {
		set[tf] = true
	}
	out := make([]types.Timeframe, 0, len(set))
	for tf := range set {
		out = append(out, tf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Duration() < out[j].Duration() })
	return out
}

func (o *Orchestrator) drainFills(ctx context.Context, ts *tickState) error {
	updates, err := o.router.Drain(ctx)
	for _, u := range updates {
		o.handleFill(ctx, ts, u)
	}
	if err != nil {
		return fmt.Errorf("drain fills: %w", err)
	}
	return nil
}

func (o *Orchestrator) handleFill(ctx context.Context, ts *tickState, u execution.FillUpdate) {
	change := u.Change
	sym := change.Symbol

	if closed := change.Closed; closed != nil {
		reason := u.Reason
		if u.Intent != execution.IntentExit {
			reason = "offset by entry fill"
		}
		trade := expectancy.TradeRecord{
			ID:         closed.PositionID,
			Symbol:     closed.Symbol,
			Direction:  closed.Direction,
			Quantity:   closed.Quantity,
			EntryPrice: closed.EntryPrice,
			ExitPrice:  closed.ExitPrice,
			PnL:        closed.PnL,
			Commission: closed.Commission,
			ReturnPct:  closed.ReturnPct,
			Regime:     regime.RegimeType(closed.Tag),
			ExitReason: reason,
			OpenedAt:   closed.OpenedAt,
			ClosedAt:   closed.ClosedAt,
		}
		if err := o.estimator.Record(ctx, trade); err != nil {
			o.fail(ts, "trade_store", sym, err)
		}

		o.mu.Lock()
		delete(o.stops, sym)
		o.cooldown[sym] = true
		o.stats.PositionsClosed++
		o.mu.Unlock()

		ts.report.Closed++
		ev := events.New(events.EventTypePositionClosed, sym,
			fmt.Sprintf("%s %s closed, pnl %s", sym, closed.Direction, closed.PnL.StringFixed(2)), trade)
		o.emit(ts, ev)
	}

	if change.Kind == execution.ChangeOpened || change.Kind == execution.ChangeFlipped {
		pos := change.Position
		stop := o.placeStop(pos, ts.now)
		if stop != nil {
			o.positions.UpdateStop(sym, stop.CurrentStop)
			if p, ok := o.positions.Get(sym); ok {
				pos = &p
			}
		}
		ts.report.Opened++
		ev := events.New(events.EventTypePositionOpened, sym,
			fmt.Sprintf("%s %s %s @ %s", sym, pos.Direction, pos.Quantity, pos.AvgEntry.StringFixed(4)), *pos)
		o.emit(ts, ev)
	}
}

// placeStop sets the initial adaptive stop of a new position from the
// latest signal series, falling back to the distance used when sizing.
func (o *Orchestrator) placeStop(pos *execution.ManagedPosition, now time.Time) *signals.AdaptiveStopLoss {
	o.mu.Lock()
	defer o.mu.Unlock()

	stop, err := o.signals.NewStop(pos.Symbol, pos.Direction, pos.AvgEntry, o.signalSeries[pos.Symbol])
	if err != nil {
		dist, ok := o.entryStops[pos.Symbol]
		if !ok || !dist.IsPositive() {
			o.logger.Warn("No stop placed", zap.String("symbol", pos.Symbol), zap.Error(err))
			return nil
		}
		level := pos.AvgEntry.Sub(dist)
		if pos.Direction == types.PositionSideShort {
			level = pos.AvgEntry.Add(dist)
		}
		stop = &signals.AdaptiveStopLoss{
			Symbol:      pos.Symbol,
			Direction:   pos.Direction,
			EntryPrice:  pos.AvgEntry,
			InitialStop: level,
			CurrentStop: level,
			Distance:    dist,
		}
	}
	stop.UpdatedAt = now
	o.stops[pos.Symbol] = stop
	delete(o.entryStops, pos.Symbol)
	return stop.Clone()
}

func (o *Orchestrator) refreshMarketData(ctx context.Context, ts *tickState) error {
	feed, _ := o.venue.(PriceFeed)
	tfs := o.timeframes()

	for _, sym := range o.config.Symbols {
		bySym := make(map[types.Timeframe]*types.MarketDataSeries, len(tfs))
		for _, tf := range tfs {
			series, err := o.provider.GetSeries(ctx, sym, tf, o.config.HistoryBars)
			if err != nil {
				if errors.Is(err, types.ErrInsufficientData) {
					o.logger.Debug("Series unavailable", zap.String("symbol", sym), zap.String("timeframe", string(tf)), zap.Error(err))
					continue
				}
				o.fail(ts, "market_data", sym, err)
				continue
			}
			bySym[tf] = series
		}
		if len(bySym) == 0 {
			continue
		}
		ts.series[sym] = bySym

		series, ok := bySym[o.config.SignalTimeframe]
		if !ok {
			continue
		}
		o.mu.Lock()
		o.signalSeries[sym] = series
		o.mu.Unlock()

		if price := series.Price(); price.IsPositive() {
			if feed != nil {
				feed.UpdatePrice(sym, price)
			}
			o.positions.Reprice(sym, price, ts.now)
		}
	}
	return nil
}

func (o *Orchestrator) refreshRegimes(ctx context.Context, ts *tickState) error {
	weights := o.classifier.Config().TimeframeWeights

	for _, sym := range o.config.Symbols {
		bySym, ok := ts.series[sym]
		if !ok {
			continue
		}
		input := make(map[types.Timeframe]*types.MarketDataSeries, len(weights))
		for tf := range weights {
			if s, ok := bySym[tf]; ok {
				input[tf] = s
			}
		}
		m, err := o.classifier.ClassifyMulti(input)
		if err != nil {
			if !errors.Is(err, types.ErrInsufficientData) {
				o.fail(ts, "regime", sym, err)
			}
			continue
		}
		m.Symbol = sym
		ts.regimes[sym] = m

		o.mu.Lock()
		prev, seen := o.regimes[sym]
		o.regimes[sym] = m
		var transition *RegimeTransition
		if seen && prev.Dominant != m.Dominant {
			transition = &RegimeTransition{
				Symbol:     sym,
				From:       prev.Dominant,
				To:         m.Dominant,
				Coherence:  m.Coherence,
				Confidence: m.DominantConfidence,
				Timestamp:  ts.now,
			}
			h := append(o.history[sym], *transition)
			if len(h) > o.config.RegimeHistory {
				h = h[len(h)-o.config.RegimeHistory:]
			}
			o.history[sym] = h
			o.stats.RegimeChanges++
		}
		o.mu.Unlock()

		if o.metrics != nil {
			all := make([]string, len(regime.AllRegimes))
			for i, r := range regime.AllRegimes {
				all[i] = string(r)
			}
			o.metrics.SetRegime(sym, string(m.Dominant), all)
		}
		if transition != nil {
			o.logger.Info("Regime transition detected",
				zap.String("symbol", sym),
				zap.String("from", string(transition.From)),
				zap.String("to", string(transition.To)),
				zap.Float64("coherence", m.Coherence),
			)
			o.emit(ts, events.New(events.EventTypeRegimeChange, sym,
				fmt.Sprintf("%s regime %s -> %s", sym, transition.From, transition.To), *transition))
		}
	}
	return nil
}

func (o *Orchestrator) analyze(ctx context.Context, a *analysis) error {
	price := a.series.Price()
	level, err := o.signals.Level(a.series)
	if err != nil {
		return err
	}
	a.level = level

	if a.signal, err = o.signals.Evaluate(a.series, a.regime.Dominant); err != nil {
		return err
	}
	if a.expectancy, err = o.estimator.Estimate(ctx, a.symbol, a.series, a.regime.Dominant); err != nil {
		return err
	}
	if a.stopDist, _, _, err = o.signals.StopDistance(a.series, price); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) refreshScores(ctx context.Context, ts *tickState) error {
	var list []*analysis
	for _, sym := range o.config.Symbols {
		m, ok := ts.regimes[sym]
		if !ok {
			continue
		}
		series, ok := ts.series[sym][o.config.SignalTimeframe]
		if !ok {
			continue
		}
		list = append(list, &analysis{symbol: sym, series: series, regime: m})
	}
	if len(list) == 0 {
		return nil
	}

	tasks := make([]workers.Task, len(list))
	for i, a := range list {
		a := a
		tasks[i] = workers.TaskFunc(func(ctx context.Context) error {
			return o.analyze(ctx, a)
		})
	}
	errs := o.pool.RunAll(ctx, tasks)

	var candidates []scoring.Candidate
	for i, a := range list {
		if errs[i] != nil {
			a.err = errs[i]
			if !errors.Is(errs[i], types.ErrInsufficientData) {
				o.fail(ts, "scoring", a.symbol, errs[i])
			}
			continue
		}
		ts.analyses[a.symbol] = a
		ts.report.Analyzed++

		o.mu.Lock()
		if a.signal == nil {
			delete(o.cooldown, a.symbol)
		}
		cooling := o.cooldown[a.symbol]
		o.mu.Unlock()

		if a.signal != nil && a.signal.Crossed {
			a.signal.Timestamp = ts.now
			o.emit(ts, events.New(events.EventTypeEntrySignal, a.symbol,
				fmt.Sprintf("%s %s at percentile %.1f", a.symbol, a.signal.Direction, a.level.Percentile), *a.signal))
		}

		c := scoring.Candidate{
			Symbol:     a.symbol,
			Regime:     a.regime,
			Level:      a.level,
			Signal:     a.signal,
			Expectancy: a.expectancy,
		}
		if cooling {
			c.Signal = nil
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil
	}

	scores, err := o.scorer.Score(candidates, ts.now)
	if err != nil {
		return err
	}
	ts.report.Scores = scores

	o.mu.Lock()
	prev := make(map[string]float64, len(o.scores))
	for _, s := range o.scores {
		prev[s.Symbol] = s.Total
	}
	o.scores = scores
	o.mu.Unlock()

	for _, s := range scores {
		if o.metrics != nil {
			o.metrics.SetScore(s.Symbol, s.Total)
		}
		before, seen := prev[s.Symbol]
		if seen && math.Abs(s.Total-before) <= o.config.ScoreChangeThreshold {
			continue
		}
		o.emit(ts, events.New(events.EventTypeScoreUpdate, s.Symbol,
			fmt.Sprintf("%s score %.3f (rank %d)", s.Symbol, s.Total, s.Rank),
			ScoreChange{Symbol: s.Symbol, Previous: before, Current: s.Total, Rank: s.Rank, First: !seen}))
	}
	return nil
}

// ScoreChange is the payload of a score update event.
type ScoreChange struct {
	Symbol   string  `json:"symbol"`
	Previous float64 `json:"previous"`
	Current  float64 `json:"current"`
	Rank     int     `json:"rank"`
	First    bool    `json:"first"`
}

func (o *Orchestrator) refreshAllocation(ctx context.Context, ts *tickState) error {
	if len(ts.report.Scores) == 0 {
		return nil
	}

	inputs := make(map[string]sizing.MarketInput, len(ts.analyses))
	for sym, a := range ts.analyses {
		inputs[sym] = sizing.MarketInput{
			Price:         a.series.Price(),
			StopDistance:  a.stopDist,
			KellyFraction: a.expectancy.Statistics.KellyFraction,
		}
	}
	exposures := make(map[string]sizing.Exposure)
	for _, p := range o.positions.Positions() {
		exposures[p.Symbol] = sizing.Exposure{Capital: p.MarketValue(), Risk: p.OpenRisk()}
	}
	for _, s := range ts.report.Scores {
		if _, held := exposures[s.Symbol]; !held && o.router.HasPendingEntry(s.Symbol) {
			exposures[s.Symbol] = sizing.Exposure{}
		}
	}

	result := o.allocator.Allocate(sizing.AllocationRequest{
		Scores:    ts.report.Scores,
		Inputs:    inputs,
		Positions: exposures,
		Now:       ts.now,
	})
	ts.report.Allocation = &result

	if o.metrics != nil {
		for _, r := range result.Rejected {
			o.metrics.RecordRejection(string(r.Code))
		}
	}

	for _, d := range result.Decisions {
		tag := ""
		if a, ok := ts.analyses[d.Symbol]; ok {
			tag = string(a.regime.Dominant)
		}
		o.mu.Lock()
		o.entryStops[d.Symbol] = d.StopDistance
		o.mu.Unlock()

		if _, err := o.router.SubmitEntry(ctx, d, decimal.Zero, tag); err != nil {
			o.fail(ts, "route_entry", d.Symbol, err)
			continue
		}
		ts.report.EntriesRouted++
		o.mu.Lock()
		o.stats.EntriesRouted++
		o.mu.Unlock()
		if o.metrics != nil {
			o.metrics.RecordOrder(string(execution.IntentEntry))
		}
	}

	key := allocationKey(result)
	o.mu.Lock()
	changed := key != o.allocationKey
	o.allocationKey = key
	o.allocation = &result
	o.mu.Unlock()
	if changed {
		o.emit(ts, events.New(events.EventTypeAllocationChange, "",
			fmt.Sprintf("%d approved, %d rejected", len(result.Decisions), len(result.Rejected)), result))
	}

	return o.drainFills(ctx, ts)
}

func allocationKey(r sizing.AllocationResult) string {
	parts := make([]string, len(r.Decisions))
	for i, d := range r.Decisions {
		parts[i] = d.Symbol + ":" + string(d.Direction) + ":" + d.Quantity.String()
	}
	return strings.Join(parts, ",")
}

func (o *Orchestrator) refreshPositions(ctx context.Context, ts *tickState) error {
	if o.config.OrderTimeout > 0 {
		if n := o.router.CancelStale(ctx, o.config.OrderTimeout); n > 0 {
			o.logger.Warn("Cancelled stale orders", zap.Int("count", n))
		}
	}

	for _, pos := range o.positions.Positions() {
		sym := pos.Symbol
		price := pos.CurrentPrice

		o.mu.RLock()
		m, known := o.regimes[sym]
		stop := o.stops[sym]
		o.mu.RUnlock()
		if m2, ok := ts.regimes[sym]; ok {
			m, known = m2, true
		}

		if stop != nil && known {
			o.mu.Lock()
			moved := o.signals.UpdateStop(stop, price, m.Dominant, ts.now)
			snapshot := *stop
			o.mu.Unlock()
			if moved {
				o.positions.UpdateStop(sym, snapshot.CurrentStop)
				o.emit(ts, events.New(events.EventTypeStopAdjustment, sym,
					fmt.Sprintf("%s stop moved to %s", sym, snapshot.CurrentStop.StringFixed(4)), snapshot))
			}
		}

		if o.router.HasPendingExit(sym) {
			continue
		}

		reason := ""
		if stop != nil && stop.Triggered(price) {
			reason = fmt.Sprintf("stop %s hit at %s", stop.CurrentStop.StringFixed(4), price.StringFixed(4))
		} else if a, ok := ts.analyses[sym]; ok && known {
			if exit := o.signals.EvaluateExit(pos.Direction, a.level, m.Dominant); exit != nil {
				exit.Timestamp = ts.now
				reason = exit.Reason
				o.emit(ts, events.New(events.EventTypeExitSignal, sym, sym+" "+exit.Reason, *exit))
			}
		}
		if reason == "" {
			continue
		}

		if _, err := o.router.SubmitExit(ctx, sym, reason); err != nil {
			o.fail(ts, "route_exit", sym, err)
			continue
		}
		ts.report.ExitsRouted++
		o.mu.Lock()
		o.stats.ExitsRouted++
		o.mu.Unlock()
		if o.metrics != nil {
			o.metrics.RecordOrder(string(execution.IntentExit))
		}
	}

	return o.drainFills(ctx, ts)
}

func (o *Orchestrator) aggregate(ctx context.Context, ts *tickState) error {
	balance, err := o.venue.GetAccountBalance(ctx)
	if err != nil {
		return fmt.Errorf("account balance: %w", err)
	}
	open := len(o.positions.Positions())
	realized := o.positions.RealizedPnL()
	unrealized := o.positions.UnrealizedPnL()

	o.mu.Lock()
	o.balance = &balance
	o.stats.OpenPositions = open
	o.stats.Equity = balance.Equity
	o.stats.RealizedPnL = realized
	o.stats.UnrealizedPnL = unrealized
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.SetPortfolio(open, balance.Equity.InexactFloat64(), realized.InexactFloat64(), unrealized.InexactFloat64())
	}
	return nil
}
