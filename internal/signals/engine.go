// Package signals generates percentile-based entry and exit signals and
// maintains adaptive stop-losses.
package signals

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PercentileLevel is the rank of the current price inside its lookback window.
type PercentileLevel struct {
	Symbol     string          `json:"symbol"`
	Value      decimal.Decimal `json:"value"`
	Percentile float64         `json:"percentile"`
	Lookback   int             `json:"lookback"`
	Timeframe  types.Timeframe `json:"timeframe"`
}

// Thresholds are the entry percentiles in effect for a regime.
type Thresholds struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// EntrySignal is a percentile breach in one direction.
type EntrySignal struct {
	Symbol     string             `json:"symbol"`
	Direction  types.PositionSide `json:"direction"`
	Level      PercentileLevel    `json:"level"`
	Thresholds Thresholds         `json:"thresholds"`
	Regime     regime.RegimeType  `json:"regime"`
	Crossed    bool               `json:"crossed"` // first tick beyond the threshold
	Price      decimal.Decimal    `json:"price"`
	Timestamp  time.Time          `json:"timestamp"`
}

// ExitSignal asks for an open position to be closed.
type ExitSignal struct {
	Symbol    string             `json:"symbol"`
	Direction types.PositionSide `json:"direction"`
	Level     PercentileLevel    `json:"level"`
	Reason    string             `json:"reason"`
	Timestamp time.Time          `json:"timestamp"`
}

// Config configures signal generation and stop placement.
type Config struct {
	Lookback            int     `mapstructure:"lookback" validate:"gte=2"`
	EntryLow            float64 `mapstructure:"entry_low" validate:"gte=0,lt=50"`
	EntryHigh           float64 `mapstructure:"entry_high" validate:"gt=50,lte=100"`
	MomentumShift       float64 `mapstructure:"momentum_shift" validate:"gte=0"`
	MeanReversionShift  float64 `mapstructure:"mean_reversion_shift" validate:"gte=0"`
	ExitLongPercentile  float64 `mapstructure:"exit_long_percentile" validate:"gte=0,lte=100"`
	ExitShortPercentile float64 `mapstructure:"exit_short_percentile" validate:"gte=0,lte=100"`
	StopPercentile      float64 `mapstructure:"stop_percentile" validate:"gt=0,lte=100"`
	StopMoveHorizon     int     `mapstructure:"stop_move_horizon" validate:"gte=1"`
	UseATRStop          bool    `mapstructure:"use_atr_stop"`
	ATRPeriod           int     `mapstructure:"atr_period" validate:"gte=2"`
	ATRMultiplier       float64 `mapstructure:"atr_multiplier" validate:"gte=0"`
	MinStopDistancePct  float64 `mapstructure:"min_stop_distance_pct" validate:"gte=0,lt=1"`
	TightenFactor       float64 `mapstructure:"tighten_factor" validate:"gte=0,lt=1"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Lookback:            100,
		EntryLow:            10,
		EntryHigh:           90,
		MomentumShift:       3,
		MeanReversionShift:  5,
		ExitLongPercentile:  80,
		ExitShortPercentile: 20,
		StopPercentile:      90,
		StopMoveHorizon:     5,
		UseATRStop:          true,
		ATRPeriod:           14,
		ATRMultiplier:       2,
		MinStopDistancePct:  0.002,
		TightenFactor:       0.25,
	}
}

// Validate checks percentile ranges and regime shifts.
func (c *Config) Validate() error {
	var errs []error
	if !(c.EntryLow >= 0 && c.EntryLow < 50 && c.EntryHigh > 50 && c.EntryHigh <= 100) {
		errs = append(errs, fmt.Errorf("entry percentiles must satisfy 0 <= low < 50 < high <= 100, got %.1f/%.1f", c.EntryLow, c.EntryHigh))
	}
	for name, shift := range map[string]float64{"momentum": c.MomentumShift, "mean reversion": c.MeanReversionShift} {
		if shift < 0 || c.EntryLow+shift >= 50 || c.EntryHigh-shift <= 50 {
			errs = append(errs, fmt.Errorf("%s shift %.1f collapses entry band", name, shift))
		}
	}
	if c.EntryLow-c.MomentumShift < 0 || c.EntryHigh+c.MomentumShift > 100 {
		errs = append(errs, fmt.Errorf("momentum shift %.1f pushes entry band outside 0-100", c.MomentumShift))
	}
	if c.ExitShortPercentile >= c.ExitLongPercentile {
		errs = append(errs, errors.New("exit short percentile must be below exit long percentile"))
	}
	if c.StopPercentile <= 0 || c.StopPercentile > 100 {
		errs = append(errs, fmt.Errorf("stop percentile %.1f outside (0,100]", c.StopPercentile))
	}
	if c.Lookback <= c.StopMoveHorizon {
		errs = append(errs, fmt.Errorf("lookback %d must exceed stop move horizon %d", c.Lookback, c.StopMoveHorizon))
	}
	if c.TightenFactor < 0 || c.TightenFactor >= 1 {
		errs = append(errs, fmt.Errorf("tighten factor %.2f outside [0,1)", c.TightenFactor))
	}
	return errors.Join(errs...)
}

// Engine computes percentile levels, entry and exit signals, and stops. It
// remembers the last percentile per symbol to detect threshold crossings.
type Engine struct {
	logger *zap.Logger
	config *Config

	mu   sync.Mutex
	last map[string]float64
}

// NewEngine creates a signal engine, rejecting invalid configuration.
func NewEngine(logger *zap.Logger, config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid signal config: %w", err)
	}
	return &Engine{
		logger: logger.Named("signals"),
		config: config,
		last:   make(map[string]float64),
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() *Config {
	return e.config
}

// Level ranks the series' current price against its trailing closes.
func (e *Engine) Level(series *types.MarketDataSeries) (PercentileLevel, error) {
	if err := types.RequireBars(series, e.config.Lookback); err != nil {
		return PercentileLevel{}, err
	}
	window := series.Tail(e.config.Lookback)
	closes := make([]float64, len(window))
	for i, b := range window {
		closes[i] = b.Close.InexactFloat64()
	}
	price := series.Price()

	return PercentileLevel{
		Symbol:     series.Symbol,
		Value:      price,
		Percentile: PercentileRank(closes, price.InexactFloat64()),
		Lookback:   e.config.Lookback,
		Timeframe:  series.Timeframe,
	}, nil
}

// Thresholds returns the entry band for a regime. Momentum widens the band so
// entries come later; mean reversion narrows it so entries come earlier.
func (e *Engine) Thresholds(r regime.RegimeType) Thresholds {
	t := Thresholds{Low: e.config.EntryLow, High: e.config.EntryHigh}
	switch r {
	case regime.RegimeMomentum:
		t.Low -= e.config.MomentumShift
		t.High += e.config.MomentumShift
	case regime.RegimeMeanReversion:
		t.Low += e.config.MeanReversionShift
		t.High -= e.config.MeanReversionShift
	case regime.RegimeTransition:
		t.Low -= e.config.MomentumShift / 2
		t.High += e.config.MomentumShift / 2
	}
	return t
}

// Evaluate returns an entry signal when the current percentile is at or beyond
// a threshold, or nil when it sits inside the band.
func (e *Engine) Evaluate(series *types.MarketDataSeries, r regime.RegimeType) (*EntrySignal, error) {
	level, err := e.Level(series)
	if err != nil {
		return nil, err
	}
	th := e.Thresholds(r)

	e.mu.Lock()
	prev, seen := e.last[series.Symbol]
	e.last[series.Symbol] = level.Percentile
	e.mu.Unlock()

	var dir types.PositionSide
	switch {
	case level.Percentile <= th.Low:
		dir = types.PositionSideLong
	case level.Percentile >= th.High:
		dir = types.PositionSideShort
	default:
		return nil, nil
	}

	crossed := !seen || (prev > th.Low && prev < th.High)
	sig := &EntrySignal{
		Symbol:     series.Symbol,
		Direction:  dir,
		Level:      level,
		Thresholds: th,
		Regime:     r,
		Crossed:    crossed,
		Price:      level.Value,
		Timestamp:  series.UpdatedAt,
	}

	if crossed {
		e.logger.Debug("Entry threshold crossed",
			zap.String("symbol", sig.Symbol),
			zap.String("direction", string(dir)),
			zap.Float64("percentile", level.Percentile),
			zap.String("regime", string(r)),
		)
	}
	return sig, nil
}

// EvaluateExit returns an exit signal for an open position when price has
// reverted through the exit percentile. Momentum positions are left to their
// trailing stop.
func (e *Engine) EvaluateExit(dir types.PositionSide, level PercentileLevel, r regime.RegimeType) *ExitSignal {
	if r == regime.RegimeMomentum {
		return nil
	}
	var reason string
	switch {
	case dir == types.PositionSideLong && level.Percentile >= e.config.ExitLongPercentile:
		reason = fmt.Sprintf("percentile %.1f reached long exit %.1f", level.Percentile, e.config.ExitLongPercentile)
	case dir == types.PositionSideShort && level.Percentile <= e.config.ExitShortPercentile:
		reason = fmt.Sprintf("percentile %.1f reached short exit %.1f", level.Percentile, e.config.ExitShortPercentile)
	default:
		return nil
	}
	return &ExitSignal{
		Symbol:    level.Symbol,
		Direction: dir,
		Level:     level,
		Reason:    reason,
	}
}

// Forget drops crossing state for a symbol.
func (e *Engine) Forget(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.last, symbol)
}
