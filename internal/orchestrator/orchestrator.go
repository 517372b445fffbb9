// Package orchestrator drives the engine's control loop: market data, regime
// classification, signals, expectancy, scoring, allocation, execution and
// position management, once per tick.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/data"
	"github.com/atlas-desktop/regime-engine/internal/events"
	"github.com/atlas-desktop/regime-engine/internal/execution"
	"github.com/atlas-desktop/regime-engine/internal/expectancy"
	"github.com/atlas-desktop/regime-engine/internal/metrics"
	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/internal/scoring"
	"github.com/atlas-desktop/regime-engine/internal/signals"
	"github.com/atlas-desktop/regime-engine/internal/sizing"
	"github.com/atlas-desktop/regime-engine/internal/workers"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("orchestrator already running")
	ErrNotRunning     = errors.New("orchestrator not running")
	ErrTickSkipped    = errors.New("tick skipped: previous tick still running")
)

// Config configures the control loop.
type Config struct {
	Symbols              []string        `mapstructure:"symbols" validate:"required,min=1,dive,required"`
	TickInterval         time.Duration   `mapstructure:"tick_interval" validate:"gt=0"`
	SignalTimeframe      types.Timeframe `mapstructure:"signal_timeframe" validate:"required"`
	HistoryBars          int             `mapstructure:"history_bars" validate:"gte=0"` // 0 requests every stored bar
	ScoreChangeThreshold float64         `mapstructure:"score_change_threshold" validate:"gte=0,lte=1"`
	ReconcileEvery       int             `mapstructure:"reconcile_every" validate:"gte=0"` // ticks, 0 disables
	RegimeHistory        int             `mapstructure:"regime_history" validate:"gte=1"`
	AnalysisWorkers      int             `mapstructure:"analysis_workers" validate:"gte=1"`
	OrderTimeout         time.Duration   `mapstructure:"order_timeout" validate:"gte=0"`
	CloseOnStop          bool            `mapstructure:"close_on_stop"`
	SyncEvents           bool            `mapstructure:"sync_events"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Symbols:              []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		TickInterval:         time.Minute,
		SignalTimeframe:      types.Timeframe1h,
		ScoreChangeThreshold: 0.1,
		ReconcileEvery:       10,
		RegimeHistory:        100,
		AnalysisWorkers:      4,
		OrderTimeout:         5 * time.Minute,
	}
}

// Validate checks the loop settings.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Symbols) == 0 {
		errs = append(errs, errors.New("at least one symbol is required"))
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if s == "" {
			errs = append(errs, errors.New("empty symbol"))
		}
		if seen[s] {
			errs = append(errs, fmt.Errorf("duplicate symbol %s", s))
		}
		seen[s] = true
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick interval must be positive, got %s", c.TickInterval))
	}
	if c.SignalTimeframe.Duration() == 0 {
		errs = append(errs, fmt.Errorf("unknown signal timeframe %q", c.SignalTimeframe))
	}
	if c.ScoreChangeThreshold < 0 || c.ScoreChangeThreshold > 1 {
		errs = append(errs, fmt.Errorf("score change threshold %.2f outside [0,1]", c.ScoreChangeThreshold))
	}
	if c.RegimeHistory < 1 {
		errs = append(errs, errors.New("regime history must keep at least one entry"))
	}
	if c.AnalysisWorkers < 1 {
		errs = append(errs, errors.New("analysis workers must be at least 1"))
	}
	return errors.Join(errs...)
}

// Scheduler paces the loop. Tick can always be called directly instead.
type Scheduler interface {
	C() <-chan time.Time
	Stop()
}

type tickerScheduler struct {
	t *time.Ticker
}

// NewTickerScheduler fires every interval.
func NewTickerScheduler(interval time.Duration) Scheduler {
	return &tickerScheduler{t: time.NewTicker(interval)}
}

func (s *tickerScheduler) C() <-chan time.Time { return s.t.C }
func (s *tickerScheduler) Stop()               { s.t.Stop() }

// PriceFeed is implemented by venues that match against pushed prices.
type PriceFeed interface {
	UpdatePrice(symbol string, price decimal.Decimal)
}

// Components are the collaborators the orchestrator drives. Metrics,
// Scheduler and Clock are optional.
type Components struct {
	Provider   data.Provider
	Classifier *regime.Classifier
	Signals    *signals.Engine
	Estimator  *expectancy.Estimator
	Scorer     *scoring.Scorer
	Allocator  *sizing.Allocator
	Venue      execution.Venue
	Bus        *events.Bus
	Metrics    *metrics.Recorder
	Scheduler  Scheduler
	Clock      func() time.Time
}

func (c Components) validate() error {
	var missing []string
	if c.Provider == nil {
		missing = append(missing, "provider")
	}
	if c.Classifier == nil {
		missing = append(missing, "classifier")
	}
	if c.Signals == nil {
		missing = append(missing, "signals")
	}
	if c.Estimator == nil {
		missing = append(missing, "estimator")
	}
	if c.Scorer == nil {
		missing = append(missing, "scorer")
	}
	if c.Allocator == nil {
		missing = append(missing, "allocator")
	}
	if c.Venue == nil {
		missing = append(missing, "venue")
	}
	if c.Bus == nil {
		missing = append(missing, "event bus")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing components: %v", missing)
	}
	return nil
}

// RegimeTransition records a change of dominant regime.
type RegimeTransition struct {
	Symbol     string            `json:"symbol"`
	From       regime.RegimeType `json:"from"`
	To         regime.RegimeType `json:"to"`
	Coherence  float64           `json:"coherence"`
	Confidence float64           `json:"confidence"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Stats tracks orchestrator activity.
type Stats struct {
	Ticks           int64           `json:"ticks"`
	SkippedTicks    int64           `json:"skippedTicks"`
	StepErrors      int64           `json:"stepErrors"`
	RegimeChanges   int64           `json:"regimeChanges"`
	EntriesRouted   int64           `json:"entriesRouted"`
	ExitsRouted     int64           `json:"exitsRouted"`
	PositionsClosed int64           `json:"positionsClosed"`
	OpenPositions   int             `json:"openPositions"`
	Equity          decimal.Decimal `json:"equity"`
	RealizedPnL     decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealizedPnl"`
	LastTick        time.Time       `json:"lastTick"`
	LastTickTime    time.Duration   `json:"lastTickDuration"`
}

// Orchestrator coordinates the engine components.
type Orchestrator struct {
	logger *zap.Logger
	config *Config

	provider   data.Provider
	classifier *regime.Classifier
	signals    *signals.Engine
	estimator  *expectancy.Estimator
	scorer     *scoring.Scorer
	allocator  *sizing.Allocator
	venue      execution.Venue
	bus        *events.Bus
	metrics    *metrics.Recorder
	scheduler  Scheduler
	clock      func() time.Time

	positions *execution.PositionManager
	router    *execution.Router
	pool      *workers.Pool

	tickMu  sync.Mutex
	ticks   atomic.Int64
	skipped atomic.Int64

	// state published by ticks, read by Snapshot
	mu            sync.RWMutex
	regimes       map[string]regime.MultiTimeframeRegime
	history       map[string][]RegimeTransition
	scores        []scoring.CompositeScore
	allocation    *sizing.AllocationResult
	allocationKey string
	stops         map[string]*signals.AdaptiveStopLoss
	entryStops    map[string]decimal.Decimal // stop distance at routing time
	signalSeries  map[string]*types.MarketDataSeries
	cooldown      map[string]bool
	balance       *types.AccountBalance
	reconcile     *execution.ReconciliationReport
	stats         Stats

	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New wires an orchestrator. Invalid configuration is refused.
func New(logger *zap.Logger, config *Config, c Components) (*Orchestrator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	clock := c.Clock
	if clock == nil {
		clock = time.Now
	}

	positions := execution.NewPositionManager(logger)
	poolConfig := workers.DefaultPoolConfig("analysis")
	poolConfig.NumWorkers = config.AnalysisWorkers
	poolConfig.QueueSize = len(config.Symbols) * 2

	return &Orchestrator{
		logger:       logger.Named("orchestrator"),
		config:       config,
		provider:     c.Provider,
		classifier:   c.Classifier,
		signals:      c.Signals,
		estimator:    c.Estimator,
		scorer:       c.Scorer,
		allocator:    c.Allocator,
		venue:        c.Venue,
		bus:          c.Bus,
		metrics:      c.Metrics,
		scheduler:    c.Scheduler,
		clock:        clock,
		positions:    positions,
		router:       execution.NewRouter(logger, c.Venue, positions),
		pool:         workers.NewPool(logger, poolConfig),
		regimes:      make(map[string]regime.MultiTimeframeRegime),
		history:      make(map[string][]RegimeTransition),
		stops:        make(map[string]*signals.AdaptiveStopLoss),
		entryStops:   make(map[string]decimal.Decimal),
		signalSeries: make(map[string]*types.MarketDataSeries),
		cooldown:     make(map[string]bool),
	}, nil
}

// Positions exposes the engine's position book.
func (o *Orchestrator) Positions() *execution.PositionManager {
	return o.positions
}

// Start runs the loop until Stop or ctx cancellation.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.done = make(chan struct{})
	sched := o.scheduler
	if sched == nil {
		sched = NewTickerScheduler(o.config.TickInterval)
	}
	stopCh, done := o.stopCh, o.done
	o.mu.Unlock()

	o.pool.Start()
	o.logger.Info("Starting orchestrator",
		zap.Strings("symbols", o.config.Symbols),
		zap.Duration("interval", o.config.TickInterval),
	)

	go o.loop(ctx, sched, stopCh, done)
	return nil
}

func (o *Orchestrator) loop(ctx context.Context, sched Scheduler, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer sched.Stop()

	for {
		select {
		case <-ctx.Done():
			o.release(stopCh, ctx.Err())
			return
		case <-stopCh:
			return
		case <-sched.C():
			if _, err := o.Tick(ctx); err != nil {
				o.logger.Debug("Tick not run", zap.Error(err))
			}
		}
	}
}

// release marks the orchestrator stopped when its loop ends on context
// cancellation, unless Stop or a newer Start already owns the state.
func (o *Orchestrator) release(stopCh <-chan struct{}, cause error) {
	o.mu.RLock()
	owned := o.running && o.stopCh == stopCh
	o.mu.RUnlock()
	if !owned {
		return
	}

	if err := o.pool.Stop(); err != nil {
		o.logger.Warn("Analysis pool did not stop cleanly", zap.Error(err))
	}
	o.mu.Lock()
	if o.running && o.stopCh == stopCh {
		o.running = false
	}
	o.mu.Unlock()
	o.logger.Info("Orchestrator loop ended", zap.Error(cause), zap.Int64("ticks", o.ticks.Load()))
}

// Stop ends the loop after any in-flight tick completes. With CloseOnStop set
// every open position is flattened first.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.running = false
	close(o.stopCh)
	done := o.done
	o.mu.Unlock()

	<-done

	if o.config.CloseOnStop {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := o.CloseAll(ctx); err != nil {
			o.logger.Error("Failed to flatten positions", zap.Error(err))
		}
		cancel()
	}
	if err := o.pool.Stop(); err != nil {
		o.logger.Warn("Analysis pool did not stop cleanly", zap.Error(err))
	}
	o.logger.Info("Orchestrator stopped", zap.Int64("ticks", o.ticks.Load()))
	return nil
}

// IsRunning reports whether the loop is active.
func (o *Orchestrator) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

// History returns recent regime transitions for symbol, oldest first.
func (o *Orchestrator) History(symbol string) []RegimeTransition {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]RegimeTransition, len(o.history[symbol]))
	copy(out, o.history[symbol])
	return out
}

func (o *Orchestrator) emit(ts *tickState, ev events.Event) {
	if o.config.SyncEvents {
		o.bus.PublishSync(ev)
	} else {
		o.bus.Publish(ev)
	}
	if o.metrics != nil {
		o.metrics.RecordEvent(string(ev.Type))
	}
	if ts != nil {
		ts.report.Events[ev.Type]++
	}
}

func (o *Orchestrator) fail(ts *tickState, step, symbol string, err error) {
	o.logger.Warn("Tick step failed",
		zap.String("step", step),
		zap.String("symbol", symbol),
		zap.Error(err),
	)
	if o.metrics != nil {
		o.metrics.RecordStepError(step)
	}
	o.mu.Lock()
	o.stats.StepErrors++
	o.mu.Unlock()
	if ts != nil {
		msg := step + ": " + err.Error()
		if symbol != "" {
			msg = step + " " + symbol + ": " + err.Error()
		}
		ts.report.Errors = append(ts.report.Errors, msg)
	}
	o.emit(ts, events.NewError(symbol, step, err))
}
