// Package expectancy estimates risk-adjusted expectancy from closed-trade
// history, adjusted for current volatility and regime.
package expectancy

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/atlas-desktop/regime-engine/pkg/utils"
	"go.uber.org/zap"
)

// Sample sources reported on an estimate.
const (
	SourceInstrument = "instrument"
	SourcePortfolio  = "portfolio"
)

// RiskAdjustedExpectancy is the expected edge of one instrument.
type RiskAdjustedExpectancy struct {
	Symbol               string            `json:"symbol"`
	Regime               regime.RegimeType `json:"regime"`
	Base                 float64           `json:"base"`
	VolatilityAdjustment float64           `json:"volatilityAdjustment"`
	RegimeAdjustment     float64           `json:"regimeAdjustment"`
	Final                float64           `json:"final"`
	ExpectancyR          float64           `json:"expectancyR"` // final in units of average loss
	Confidence           float64           `json:"confidence"`
	SampleSize           int               `json:"sampleSize"`
	RegimeSampleSize     int               `json:"regimeSampleSize"`
	UsedRegimeDefault    bool              `json:"usedRegimeDefault"`
	Source               string            `json:"source"`
	Statistics           TradeStatistics   `json:"statistics"`
}

// Config configures the estimator.
type Config struct {
	MinInstrumentSample int                           `mapstructure:"min_instrument_sample" validate:"gte=0"`
	MinRegimeSample     int                           `mapstructure:"min_regime_sample" validate:"gte=1"`
	ConfidenceCeiling   float64                       `mapstructure:"confidence_ceiling" validate:"gt=0,lte=1"`
	ConfidenceScale     float64                       `mapstructure:"confidence_scale" validate:"gt=0"`
	RecentVolWindow     int                           `mapstructure:"recent_vol_window" validate:"gte=2"`
	HistoricalVolWindow int                           `mapstructure:"historical_vol_window" validate:"gte=3"`
	VolSensitivity      float64                       `mapstructure:"vol_sensitivity" validate:"gte=0"`
	RegimeDefaults      map[regime.RegimeType]float64 `mapstructure:"regime_defaults"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		MinInstrumentSample: 5,
		MinRegimeSample:     10,
		ConfidenceCeiling:   0.95,
		ConfidenceScale:     30,
		RecentVolWindow:     20,
		HistoricalVolWindow: 100,
		VolSensitivity:      0.5,
		RegimeDefaults: map[regime.RegimeType]float64{
			regime.RegimeMomentum:      0.10,
			regime.RegimeMeanReversion: 0.05,
			regime.RegimeNeutral:       0,
			regime.RegimeTransition:    -0.20,
		},
	}
}

// Validate checks window ordering and the default table range.
func (c *Config) Validate() error {
	var errs []error
	if c.RecentVolWindow >= c.HistoricalVolWindow {
		errs = append(errs, fmt.Errorf("recent vol window %d must be shorter than historical %d", c.RecentVolWindow, c.HistoricalVolWindow))
	}
	if c.ConfidenceCeiling <= 0 || c.ConfidenceCeiling > 1 {
		errs = append(errs, fmt.Errorf("confidence ceiling %.2f outside (0,1]", c.ConfidenceCeiling))
	}
	if c.ConfidenceScale <= 0 {
		errs = append(errs, errors.New("confidence scale must be positive"))
	}
	for r, v := range c.RegimeDefaults {
		if v < -0.5 || v > 0.5 {
			errs = append(errs, fmt.Errorf("default adjustment for %s is %.2f, outside [-0.5,0.5]", r, v))
		}
	}
	return errors.Join(errs...)
}

// Estimator turns trade history and market state into expectancy estimates.
type Estimator struct {
	logger *zap.Logger
	config *Config
	store  TradeHistoryStore
}

// NewEstimator creates an estimator reading from store.
func NewEstimator(logger *zap.Logger, config *Config, store TradeHistoryStore) (*Estimator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid expectancy config: %w", err)
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Estimator{
		logger: logger.Named("expectancy"),
		config: config,
		store:  store,
	}, nil
}

// Store returns the trade history store.
func (e *Estimator) Store() TradeHistoryStore {
	return e.store
}

// Record appends a closed trade to history.
func (e *Estimator) Record(ctx context.Context, trade TradeRecord) error {
	if err := e.store.Append(ctx, trade); err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	e.logger.Info("Trade recorded",
		zap.String("symbol", trade.Symbol),
		zap.String("pnl", trade.PnL.String()),
		zap.String("regime", string(trade.Regime)),
		zap.String("reason", trade.ExitReason),
	)
	return nil
}

// Estimate computes the risk-adjusted expectancy of symbol under regime r.
func (e *Estimator) Estimate(ctx context.Context, symbol string, series *types.MarketDataSeries, r regime.RegimeType) (RiskAdjustedExpectancy, error) {
	if err := types.RequireBars(series, e.config.RecentVolWindow+1); err != nil {
		return RiskAdjustedExpectancy{}, err
	}

	trades, err := e.store.ListBySymbol(ctx, symbol)
	if err != nil {
		return RiskAdjustedExpectancy{}, fmt.Errorf("failed to load trades for %s: %w", symbol, err)
	}
	source := SourceInstrument
	if len(trades) < e.config.MinInstrumentSample {
		all, err := e.store.List(ctx)
		if err != nil {
			return RiskAdjustedExpectancy{}, fmt.Errorf("failed to load trade history: %w", err)
		}
		trades = all
		source = SourcePortfolio
	}

	stats := ComputeStatistics(trades)
	out := RiskAdjustedExpectancy{
		Symbol:     symbol,
		Regime:     r,
		Base:       stats.Expectancy.InexactFloat64(),
		SampleSize: stats.TotalTrades,
		Source:     source,
		Statistics: stats,
	}

	out.VolatilityAdjustment = e.VolatilityAdjustment(series)
	out.RegimeAdjustment, out.RegimeSampleSize, out.UsedRegimeDefault = e.RegimeAdjustment(trades, stats, r)
	out.Final = out.Base * (1 + out.VolatilityAdjustment) * (1 + out.RegimeAdjustment)
	out.Confidence = e.Confidence(stats.TotalTrades)

	unit := stats.AvgLoss.InexactFloat64()
	if unit <= 0 {
		unit = stats.AvgWin.InexactFloat64()
	}
	if unit > 0 {
		out.ExpectancyR = out.Final / unit
	}

	return out, nil
}

// VolatilityAdjustment rewards recent volatility below its historical level.
// The result is in [-0.5, 0.5].
func (e *Estimator) VolatilityAdjustment(series *types.MarketDataSeries) float64 {
	window := series.Tail(e.config.HistoricalVolWindow + 1)
	closes := make([]float64, len(window))
	for i, b := range window {
		closes[i] = b.Close.InexactFloat64()
	}
	returns := utils.Returns(closes)
	if len(returns) < e.config.RecentVolWindow {
		return 0
	}

	hist := utils.StdDev(returns)
	recent := utils.StdDev(returns[len(returns)-e.config.RecentVolWindow:])
	if hist == 0 {
		return 0
	}
	return utils.Clamp((1-recent/hist)*e.config.VolSensitivity, -0.5, 0.5)
}

// RegimeAdjustment compares expectancy in regime r with overall expectancy.
// Below MinRegimeSample regime-tagged trades the configured default is used.
func (e *Estimator) RegimeAdjustment(trades []TradeRecord, overall TradeStatistics, r regime.RegimeType) (adj float64, sample int, usedDefault bool) {
	tagged := make([]TradeRecord, 0, len(trades))
	for _, tr := range trades {
		if tr.Regime == r {
			tagged = append(tagged, tr)
		}
	}
	sample = len(tagged)
	if sample < e.config.MinRegimeSample {
		return utils.Clamp(e.config.RegimeDefaults[r], -0.5, 0.5), sample, true
	}

	regimeExp := ComputeStatistics(tagged).Expectancy.InexactFloat64()
	overallExp := overall.Expectancy.InexactFloat64()
	if overallExp == 0 {
		switch {
		case regimeExp > 0:
			return 0.5, sample, false
		case regimeExp < 0:
			return -0.5, sample, false
		}
		return 0, sample, false
	}
	return utils.Clamp((regimeExp-overallExp)/math.Abs(overallExp), -0.5, 0.5), sample, false
}

// Confidence grows with sample size toward the configured ceiling and never
// exceeds 1.
func (e *Estimator) Confidence(n int) float64 {
	if n <= 0 {
		return 0
	}
	c := e.config.ConfidenceCeiling * (1 - math.Exp(-float64(n)/e.config.ConfidenceScale))
	return math.Min(1, c)
}
