package orchestrator_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/data"
	"github.com/atlas-desktop/regime-engine/internal/events"
	"github.com/atlas-desktop/regime-engine/internal/execution"
	"github.com/atlas-desktop/regime-engine/internal/expectancy"
	"github.com/atlas-desktop/regime-engine/internal/metrics"
	"github.com/atlas-desktop/regime-engine/internal/orchestrator"
	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/internal/scoring"
	"github.com/atlas-desktop/regime-engine/internal/signals"
	"github.com/atlas-desktop/regime-engine/internal/sizing"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func bar(i int, prev, price float64) types.OHLCV {
	return types.OHLCV{
		Timestamp: start.Add(time.Duration(i) * time.Hour),
		Timeframe: types.Timeframe1h,
		Open:      decimal.NewFromFloat(prev),
		High:      decimal.NewFromFloat(math.Max(prev, price) * 1.002),
		Low:       decimal.NewFromFloat(math.Min(prev, price) * 0.998),
		Close:     decimal.NewFromFloat(price),
		Volume:    decimal.NewFromInt(1000),
	}
}

// trendBars builds a steady geometric trend starting at 100.
func trendBars(n int, growth float64) ([]types.OHLCV, float64) {
	bars := make([]types.OHLCV, n)
	price := 100.0
	prev := price
	for i := 0; i < n; i++ {
		price *= growth
		bars[i] = bar(i, prev, price)
		prev = price
	}
	return bars, price
}

type harness struct {
	orch      *orchestrator.Orchestrator
	store     *data.Store
	trades    *expectancy.MemoryStore
	venue     *execution.PaperVenue
	metrics   *metrics.Recorder
	mu        sync.Mutex
	collected []events.Event
}

func (h *harness) events(t events.EventType) []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []events.Event
	for _, ev := range h.collected {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type options struct {
	provider  data.Provider
	minScore  float64
	scheduler orchestrator.Scheduler
	venue     func(*execution.PaperVenue) execution.Venue
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	logger := zap.NewNop()

	regimeCfg := regime.DefaultConfig()
	regimeCfg.TimeframeWeights = map[types.Timeframe]float64{types.Timeframe1h: 1}
	classifier, err := regime.NewClassifier(logger, regimeCfg)
	if err != nil {
		t.Fatalf("NewClassifier failed: %v", err)
	}
	sig, err := signals.NewEngine(logger, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	trades := expectancy.NewMemoryStore()
	estimator, err := expectancy.NewEstimator(logger, nil, trades)
	if err != nil {
		t.Fatalf("NewEstimator failed: %v", err)
	}
	scorer, err := scoring.NewScorer(logger, nil)
	if err != nil {
		t.Fatalf("NewScorer failed: %v", err)
	}
	sizingCfg := sizing.DefaultConfig()
	sizingCfg.MinScore = opts.minScore
	allocator, err := sizing.NewAllocator(logger, sizingCfg)
	if err != nil {
		t.Fatalf("NewAllocator failed: %v", err)
	}

	venue := execution.NewPaperVenue(logger, nil)
	t.Cleanup(venue.Close)
	bus := events.NewBus(logger, nil)
	t.Cleanup(bus.Stop)
	store := data.NewStore(logger, 1000)

	provider := opts.provider
	if provider == nil {
		provider = store
	}
	var orderVenue execution.Venue = venue
	if opts.venue != nil {
		orderVenue = opts.venue(venue)
	}

	cfg := orchestrator.DefaultConfig()
	cfg.Symbols = []string{"TREND"}
	cfg.SignalTimeframe = types.Timeframe1h
	cfg.SyncEvents = true
	cfg.ReconcileEvery = 1

	rec := metrics.New()
	orch, err := orchestrator.New(logger, cfg, orchestrator.Components{
		Provider:   provider,
		Classifier: classifier,
		Signals:    sig,
		Estimator:  estimator,
		Scorer:     scorer,
		Allocator:  allocator,
		Venue:      orderVenue,
		Bus:        bus,
		Metrics:    rec,
		Scheduler:  opts.scheduler,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	h := &harness{orch: orch, store: store, trades: trades, venue: venue, metrics: rec}
	bus.SubscribeAll(func(ev events.Event) error {
		h.mu.Lock()
		h.collected = append(h.collected, ev)
		h.mu.Unlock()
		return nil
	})
	return h
}

func TestTickUptrendSignalsShortAndRespectsMinScore(t *testing.T) {
	h := newHarness(t, options{minScore: 0.99})
	bars, _ := trendBars(150, 1.004)
	if err := h.store.Load("TREND", types.Timeframe1h, bars); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	report, err := h.orch.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(report.Errors) != 0 {
		t.Fatalf("Expected no step errors, got %v", report.Errors)
	}

	snap := h.orch.Snapshot()
	if got := snap.Regimes["TREND"].Dominant; got != regime.RegimeMomentum {
		t.Errorf("Expected momentum, got %s", got)
	}

	entries := h.events(events.EventTypeEntrySignal)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry signal, got %d", len(entries))
	}
	sig := entries[0].Payload.(signals.EntrySignal)
	if sig.Direction != types.PositionSideShort {
		t.Errorf("Expected short at the top of the range, got %s", sig.Direction)
	}
	if sig.Level.Percentile < 95 {
		t.Errorf("Expected percentile >= 95, got %.1f", sig.Level.Percentile)
	}

	if len(snap.Scores) != 1 || !snap.Scores[0].HasSignal {
		t.Fatalf("Expected one score carrying the signal, got %+v", snap.Scores)
	}
	if report.Allocation == nil || len(report.Allocation.Decisions) != 0 {
		t.Fatalf("Expected no approvals, got %+v", report.Allocation)
	}
	if r := report.Allocation.Rejected; len(r) != 1 || r[0].Code != sizing.CodeBelowMinScore {
		t.Errorf("Expected below_min_score rejection, got %+v", r)
	}
	if report.EntriesRouted != 0 || len(snap.Positions) != 0 {
		t.Errorf("Expected nothing routed, got %d entries and %d positions", report.EntriesRouted, len(snap.Positions))
	}
	if len(h.events(events.EventTypeScoreUpdate)) != 1 {
		t.Errorf("Expected first score to be published")
	}
	if !report.Reconciled || snap.Reconciliation == nil || !snap.Reconciliation.Clean() {
		t.Errorf("Expected a clean reconciliation, got %+v", snap.Reconciliation)
	}
}

func TestTickOpensPositionAndStopsOut(t *testing.T) {
	h := newHarness(t, options{})
	bars, last := trendBars(150, 1.004)
	if err := h.store.Load("TREND", types.Timeframe1h, bars); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	ctx := context.Background()

	report, err := h.orch.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if report.EntriesRouted != 1 || report.Opened != 1 {
		t.Fatalf("Expected one entry opened, got routed %d opened %d (errors %v)", report.EntriesRouted, report.Opened, report.Errors)
	}

	snap := h.orch.Snapshot()
	if len(snap.Positions) != 1 {
		t.Fatalf("Expected 1 position, got %d", len(snap.Positions))
	}
	pos := snap.Positions[0]
	if pos.Direction != types.PositionSideShort || pos.Tag != string(regime.RegimeMomentum) {
		t.Errorf("Expected momentum short, got %s tagged %q", pos.Direction, pos.Tag)
	}
	stop, ok := snap.Stops["TREND"]
	if !ok {
		t.Fatal("Expected a stop for the new position")
	}
	if !stop.CurrentStop.GreaterThan(pos.AvgEntry) || !pos.StopPrice.Equal(stop.CurrentStop) {
		t.Errorf("Expected short stop above entry %s, got %s (book %s)", pos.AvgEntry, stop.CurrentStop, pos.StopPrice)
	}
	if len(h.events(events.EventTypePositionOpened)) != 1 {
		t.Error("Expected position_opened event")
	}

	jump := last * 1.10
	if err := h.store.Append("TREND", types.Timeframe1h, bar(150, last, jump)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	report, err = h.orch.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if report.ExitsRouted != 1 || report.Closed != 1 {
		t.Fatalf("Expected the stop to close the position, got exits %d closed %d (errors %v)", report.ExitsRouted, report.Closed, report.Errors)
	}
	if n := len(h.orch.Positions().Positions()); n != 0 {
		t.Errorf("Expected flat book, got %d positions", n)
	}

	trades, err := h.trades.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("Expected 1 recorded trade, got %d", len(trades))
	}
	tr := trades[0]
	if !tr.PnL.IsNegative() || tr.Regime != regime.RegimeMomentum {
		t.Errorf("Expected losing momentum trade, got pnl %s regime %s", tr.PnL, tr.Regime)
	}
	if tr.ExitReason == "" {
		t.Error("Expected exit reason recorded")
	}

	snap = h.orch.Snapshot()
	if snap.Stats.PositionsClosed != 1 || !snap.Stats.RealizedPnL.IsNegative() {
		t.Errorf("Expected one losing close in stats, got %+v", snap.Stats)
	}
	if _, ok := snap.Stops["TREND"]; ok {
		t.Error("Expected stop removed after close")
	}
	if !snap.Reconciliation.Clean() {
		t.Errorf("Expected engine and venue to agree, got %+v", snap.Reconciliation.Discrepancies)
	}

	perf, err := h.orch.Performance(ctx)
	if err != nil {
		t.Fatalf("Performance failed: %v", err)
	}
	if m := perf.ByRegime[regime.RegimeMomentum]; m.LosingTrades != 1 {
		t.Errorf("Expected the loss attributed to momentum, got %+v", perf.ByRegime)
	}
}

type failingProvider struct {
	panic bool
}

func (p failingProvider) GetSeries(ctx context.Context, symbol string, tf types.Timeframe, lookback int) (*types.MarketDataSeries, error) {
	if p.panic {
		panic("feed exploded")
	}
	return nil, errors.New("feed unavailable")
}

func (p failingProvider) Symbols() []string { return []string{"TREND"} }

func TestTickSurfacesStepFailures(t *testing.T) {
	tests := []struct {
		name     string
		provider failingProvider
	}{
		{"error", failingProvider{}},
		{"panic", failingProvider{panic: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, options{provider: tt.provider})

			report, err := h.orch.Tick(context.Background())
			if err != nil {
				t.Fatalf("Tick failed: %v", err)
			}
			if len(report.Errors) != 1 {
				t.Fatalf("Expected 1 step error, got %v", report.Errors)
			}
			errs := h.events(events.EventTypeError)
			if len(errs) != 1 {
				t.Fatalf("Expected 1 error event, got %d", len(errs))
			}
			if p := errs[0].Payload.(events.ErrorPayload); p.Source != "market_data" {
				t.Errorf("Expected market_data source, got %s", p.Source)
			}

			snap := h.orch.Snapshot()
			if snap.Balance == nil {
				t.Error("Expected later steps to run after the failure")
			}
			if snap.Stats.StepErrors != 1 {
				t.Errorf("Expected 1 step error in stats, got %d", snap.Stats.StepErrors)
			}
		})
	}
}

type blockingProvider struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingProvider) GetSeries(ctx context.Context, symbol string, tf types.Timeframe, lookback int) (*types.MarketDataSeries, error) {
	p.entered <- struct{}{}
	<-p.release
	return nil, &types.InsufficientDataError{Symbol: symbol, Timeframe: tf, Need: lookback}
}

func (p *blockingProvider) Symbols() []string { return nil }

func TestOverlappingTickIsSkipped(t *testing.T) {
	p := &blockingProvider{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, options{provider: p})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Tick(context.Background())
		done <- err
	}()
	<-p.entered

	if _, err := h.orch.Tick(context.Background()); !errors.Is(err, orchestrator.ErrTickSkipped) {
		t.Errorf("Expected ErrTickSkipped, got %v", err)
	}
	close(p.release)
	if err := <-done; err != nil {
		t.Fatalf("First tick failed: %v", err)
	}

	if got := h.orch.Snapshot().Stats.SkippedTicks; got != 1 {
		t.Errorf("Expected 1 skipped tick, got %d", got)
	}
}

type manualScheduler struct {
	ch chan time.Time
}

func (s *manualScheduler) C() <-chan time.Time { return s.ch }
func (s *manualScheduler) Stop()               {}

func TestStartStopLifecycle(t *testing.T) {
	sched := &manualScheduler{ch: make(chan time.Time)}
	h := newHarness(t, options{scheduler: sched})
	bars, _ := trendBars(150, 1.004)
	if err := h.store.Load("TREND", types.Timeframe1h, bars); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	ctx := context.Background()

	if err := h.orch.Stop(); !errors.Is(err, orchestrator.ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.orch.Start(ctx); !errors.Is(err, orchestrator.ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}

	sched.ch <- time.Now()
	sched.ch <- time.Now()

	if err := h.orch.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if h.orch.IsRunning() {
		t.Error("Expected orchestrator stopped")
	}
	// The second send is only accepted once the first tick has finished.
	if got := h.orch.Snapshot().Stats.Ticks; got < 1 {
		t.Errorf("Expected at least 1 tick, got %d", got)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := orchestrator.DefaultConfig()
	cfg.Symbols = []string{"A", "A", ""}
	cfg.TickInterval = 0
	cfg.SignalTimeframe = "7m"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected validation errors")
	}

	if err := orchestrator.DefaultConfig().Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestCloseAllFlattensBook(t *testing.T) {
	h := newHarness(t, options{})
	bars, _ := trendBars(150, 1.004)
	if err := h.store.Load("TREND", types.Timeframe1h, bars); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if _, err := h.orch.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if n := len(h.orch.Snapshot().Positions); n != 1 {
		t.Fatalf("Expected 1 open position, got %d", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.orch.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll failed: %v", err)
	}

	if n := len(h.orch.Snapshot().Positions); n != 0 {
		t.Errorf("Expected flat book, got %d positions", n)
	}
	trades, err := h.trades.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(trades) != 1 || trades[0].ExitReason != "shutdown" {
		t.Errorf("Expected one trade closed for shutdown, got %+v", trades)
	}
	if len(h.events(events.EventTypePositionClosed)) != 1 {
		t.Error("Expected position_closed event")
	}
}

func TestLoopEndsOnContextCancel(t *testing.T) {
	sched := &manualScheduler{ch: make(chan time.Time)}
	h := newHarness(t, options{scheduler: sched})

	ctx, cancel := context.WithCancel(context.Background())
	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for h.orch.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("Expected orchestrator to stop after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := h.orch.Stop(); !errors.Is(err, orchestrator.ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning after cancel, got %v", err)
	}

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Expected restart after cancel, got %v", err)
	}
	if !h.orch.IsRunning() {
		t.Error("Expected orchestrator running after restart")
	}
	if err := h.orch.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

// heldVenue stops forwarding orders once hold is set and cannot look the
// held ones up.
type heldVenue struct {
	*execution.PaperVenue
	hold atomic.Bool
}

const heldOrderID = "held-exit"

func (v *heldVenue) SubmitOrder(ctx context.Context, order *types.Order) (*types.Order, error) {
	if !v.hold.Load() {
		return v.PaperVenue.SubmitOrder(ctx, order)
	}
	o := order.Clone()
	o.ID = heldOrderID
	o.Status = types.OrderStatusPending
	o.CreatedAt = time.Now()
	return o, nil
}

func (v *heldVenue) GetOrder(ctx context.Context, id string) (*types.Order, error) {
	if id == heldOrderID {
		return nil, errors.New("order lookup unavailable")
	}
	return v.PaperVenue.GetOrder(ctx, id)
}

func TestCloseAllReportsDrainFailure(t *testing.T) {
	held := &heldVenue{}
	h := newHarness(t, options{venue: func(pv *execution.PaperVenue) execution.Venue {
		held.PaperVenue = pv
		return held
	}})
	bars, _ := trendBars(150, 1.004)
	if err := h.store.Load("TREND", types.Timeframe1h, bars); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := h.orch.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if n := len(h.orch.Snapshot().Positions); n != 1 {
		t.Fatalf("Expected 1 open position, got %d", n)
	}

	held.hold.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := h.orch.CloseAll(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}
	if !strings.Contains(err.Error(), "order lookup unavailable") {
		t.Errorf("Expected drain failure in error, got %v", err)
	}
}
