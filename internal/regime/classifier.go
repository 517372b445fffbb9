// Package regime classifies market regimes from bar history.
// Regimes: momentum, mean reversion, transition, neutral. Each timeframe is
// classified independently and then aggregated into a multi-timeframe view.
package regime

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"go.uber.org/zap"
)

// RegimeType represents different market regimes
type RegimeType string

const (
	RegimeMomentum      RegimeType = "momentum"
	RegimeMeanReversion RegimeType = "mean_reversion"
	RegimeNeutral       RegimeType = "neutral"
	RegimeTransition    RegimeType = "transition"
)

// AllRegimes lists regimes in classification priority order.
var AllRegimes = []RegimeType{RegimeMomentum, RegimeMeanReversion, RegimeTransition, RegimeNeutral}

// TrendMethod selects the trend strength estimator.
type TrendMethod string

const (
	TrendADX        TrendMethod = "adx"
	TrendRegression TrendMethod = "regression"
	TrendPercentile TrendMethod = "percentile"
)

// Metrics are the raw statistics behind a classification.
type Metrics struct {
	TrendStrength       float64 `json:"trend_strength"` // 0-100
	VolatilityRatio     float64 `json:"volatility_ratio"`
	ReversionSpeed      float64 `json:"reversion_speed"` // 0-1
	MomentumPersistence float64 `json:"momentum_persistence"`
	Autocorrelation     float64 `json:"autocorrelation"`
	HalfLife            float64 `json:"half_life"`
	EffectiveThreshold  float64 `json:"effective_threshold"`
	ATR                 float64 `json:"atr"`
}

// RegimeSignal is the classification of one timeframe.
type RegimeSignal struct {
	Symbol     string          `json:"symbol"`
	Timeframe  types.Timeframe `json:"timeframe"`
	Type       RegimeType      `json:"type"`
	Confidence float64         `json:"confidence"`
	Strength   float64         `json:"strength"` // signed, -1..1
	Metrics    Metrics         `json:"metrics"`
}

// MultiTimeframeRegime aggregates per-timeframe signals.
type MultiTimeframeRegime struct {
	Symbol             string                 `json:"symbol"`
	Signals            []RegimeSignal         `json:"signals"`
	Coherence          float64                `json:"coherence"`
	Plurality          RegimeType             `json:"plurality"`
	Dominant           RegimeType             `json:"dominant"`
	DominantConfidence float64                `json:"dominant_confidence"`
	Strength           float64                `json:"strength"`
	VolatilityRatio    float64                `json:"volatility_ratio"`
	Scores             map[RegimeType]float64 `json:"scores"`
}

// Config configures the classifier
type Config struct {
	Lookback           int                         `mapstructure:"lookback" validate:"gte=10"`
	TrendMethod        TrendMethod                 `mapstructure:"trend_method" validate:"oneof=adx regression percentile"`
	ADXPeriod          int                         `mapstructure:"adx_period" validate:"gte=2"`
	ATRPeriod          int                         `mapstructure:"atr_period" validate:"gte=2"`
	MeanWindow         int                         `mapstructure:"mean_window" validate:"gte=2"`
	BaseThreshold      float64                     `mapstructure:"base_threshold" validate:"gt=0,lte=100"`
	AdaptiveThreshold  bool                        `mapstructure:"adaptive_threshold"`
	PersistenceMin     float64                     `mapstructure:"persistence_min" validate:"gte=0,lte=1"`
	ReversionMin       float64                     `mapstructure:"reversion_min" validate:"gte=0,lte=1"`
	ReversionMaxTrend  float64                     `mapstructure:"reversion_max_trend" validate:"gte=0,lte=100"`
	TransitionBand     float64                     `mapstructure:"transition_band" validate:"gte=0,lte=1"`
	HalfLifeScale      float64                     `mapstructure:"half_life_scale" validate:"gt=0"`
	PersistenceHorizon int                         `mapstructure:"persistence_horizon" validate:"gte=1"`
	CoherenceThreshold float64                     `mapstructure:"coherence_threshold" validate:"gte=0,lte=1"`
	TimeframeWeights   map[types.Timeframe]float64 `mapstructure:"timeframe_weights" validate:"required,min=1"`
	WeightTolerance    float64                     `mapstructure:"weight_tolerance" validate:"gte=0"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Lookback:           50,
		TrendMethod:        TrendADX,
		ADXPeriod:          14,
		ATRPeriod:          14,
		MeanWindow:         20,
		BaseThreshold:      25,
		AdaptiveThreshold:  true,
		PersistenceMin:     0.3,
		ReversionMin:       0.6,
		ReversionMaxTrend:  20,
		TransitionBand:     0.15,
		HalfLifeScale:      5,
		PersistenceHorizon: 10,
		CoherenceThreshold: 0.6,
		TimeframeWeights: map[types.Timeframe]float64{
			types.Timeframe15m: 0.2,
			types.Timeframe1h:  0.3,
			types.Timeframe4h:  0.5,
		},
		WeightTolerance: 0.01,
	}
}

// Validate runs the cross-field checks struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.Lookback < 10 {
		errs = append(errs, fmt.Errorf("regime lookback %d below 10", c.Lookback))
	}
	if c.TrendMethod == TrendADX && c.Lookback < 2*c.ADXPeriod+1 {
		errs = append(errs, fmt.Errorf("regime lookback %d too short for adx period %d", c.Lookback, c.ADXPeriod))
	}
	if c.MeanWindow+2 > c.Lookback {
		errs = append(errs, fmt.Errorf("regime mean window %d too long for lookback %d", c.MeanWindow, c.Lookback))
	}
	if c.HalfLifeScale <= 0 {
		errs = append(errs, errors.New("regime half-life scale must be positive"))
	}
	if len(c.TimeframeWeights) == 0 {
		errs = append(errs, errors.New("regime timeframe weights are empty"))
	}
	sum := 0.0
	for tf, w := range c.TimeframeWeights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("regime weight for %s is negative", tf))
		}
		sum += w
	}
	if len(c.TimeframeWeights) > 0 && math.Abs(sum-1) > c.WeightTolerance {
		errs = append(errs, fmt.Errorf("regime timeframe weights sum to %.4f, want 1 ± %.3f", sum, c.WeightTolerance))
	}
	return errors.Join(errs...)
}

// Classifier turns bar series into regime signals. It holds no per-symbol state.
type Classifier struct {
	logger *zap.Logger
	config *Config
}

// NewClassifier creates a classifier, rejecting invalid configuration.
func NewClassifier(logger *zap.Logger, config *Config) (*Classifier, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid regime config: %w", err)
	}
	return &Classifier{
		logger: logger.Named("regime"),
		config: config,
	}, nil
}

// Config returns the classifier configuration.
func (c *Classifier) Config() *Config {
	return c.config
}

// Classify labels the most recent Lookback bars of series.
func (c *Classifier) Classify(series *types.MarketDataSeries, tf types.Timeframe) (RegimeSignal, error) {
	if err := types.RequireBars(series, c.config.Lookback); err != nil {
		return RegimeSignal{}, err
	}
	if tf == "" {
		tf = series.Timeframe
	}

	b := toBars(series.Tail(c.config.Lookback))

	var strength, sign float64
	switch c.config.TrendMethod {
	case TrendRegression:
		strength, sign = b.regression()
	case TrendPercentile:
		strength, sign = b.rangePosition()
	default:
		strength, sign = b.adx(c.config.ADXPeriod)
	}

	m := Metrics{
		TrendStrength:       strength,
		VolatilityRatio:     b.volatilityRatio(c.config.ATRPeriod),
		MomentumPersistence: b.persistence(c.config.PersistenceHorizon),
		ATR:                 ATR(series.Tail(c.config.Lookback), c.config.ATRPeriod),
	}
	m.ReversionSpeed, m.Autocorrelation, m.HalfLife = b.reversionSpeed(c.config.MeanWindow, c.config.HalfLifeScale)
	if math.IsInf(m.HalfLife, 0) {
		m.HalfLife = -1
	}
	m.EffectiveThreshold = c.threshold(m.VolatilityRatio)

	regime, confidence := c.classify(m)

	sig := RegimeSignal{
		Symbol:     series.Symbol,
		Timeframe:  tf,
		Type:       regime,
		Confidence: confidence,
		Strength:   clamp(sign*strength/100, -1, 1),
		Metrics:    m,
	}

	c.logger.Debug("Regime classified",
		zap.String("symbol", sig.Symbol),
		zap.String("timeframe", string(tf)),
		zap.String("regime", string(regime)),
		zap.Float64("confidence", confidence),
		zap.Float64("trend_strength", m.TrendStrength),
		zap.Float64("reversion_speed", m.ReversionSpeed),
	)

	return sig, nil
}

// threshold returns the trend threshold, scaled by volatility when adaptive.
func (c *Classifier) threshold(volRatio float64) float64 {
	if !c.config.AdaptiveThreshold {
		return c.config.BaseThreshold
	}
	return c.config.BaseThreshold * clamp(volRatio, 0.5, 2)
}

// classify applies the rule order momentum, mean reversion, transition, neutral.
func (c *Classifier) classify(m Metrics) (RegimeType, float64) {
	th := m.EffectiveThreshold
	cfg := c.config

	if m.TrendStrength > th && m.MomentumPersistence > cfg.PersistenceMin {
		excess := clamp((m.TrendStrength-th)/th, 0, 1)
		return RegimeMomentum, clamp(0.4+0.3*excess+0.3*m.MomentumPersistence, 0, 1)
	}

	if m.ReversionSpeed > cfg.ReversionMin && m.TrendStrength < cfg.ReversionMaxTrend {
		speedScore := clamp((m.ReversionSpeed-cfg.ReversionMin)/(1-cfg.ReversionMin+1e-9), 0, 1)
		flatness := clamp((cfg.ReversionMaxTrend-m.TrendStrength)/cfg.ReversionMaxTrend, 0, 1)
		return RegimeMeanReversion, clamp(0.4+0.35*speedScore+0.25*flatness, 0, 1)
	}

	band := cfg.TransitionBand
	if band > 0 {
		trendDist := math.Abs(m.TrendStrength-th) / th
		speedDist := math.Abs(m.ReversionSpeed - cfg.ReversionMin)
		if trendDist <= band && speedDist <= band {
			closeness := 1 - 0.5*(trendDist/band+speedDist/band)
			return RegimeTransition, clamp(0.3+0.4*closeness, 0, 1)
		}
	}

	// Neutral: confident when both statistics sit well inside their quiet zones.
	trendQuiet := clamp(1-m.TrendStrength/th, 0, 1)
	speedQuiet := clamp(1-m.ReversionSpeed/cfg.ReversionMin, 0, 1)
	return RegimeNeutral, clamp(0.3+0.2*trendQuiet+0.2*speedQuiet, 0, 1)
}

// ClassifyMulti classifies each timeframe and aggregates the results. Timeframes
// that fail classification are skipped; an error is returned only when none succeed.
func (c *Classifier) ClassifyMulti(seriesByTF map[types.Timeframe]*types.MarketDataSeries) (MultiTimeframeRegime, error) {
	tfs := make([]types.Timeframe, 0, len(seriesByTF))
	for tf := range seriesByTF {
		tfs = append(tfs, tf)
	}
	sort.Slice(tfs, func(i, j int) bool { return tfs[i].Duration() < tfs[j].Duration() })

	var (
		signals []RegimeSignal
		weights []float64
		errs    []error
	)
	for _, tf := range tfs {
		sig, err := c.Classify(seriesByTF[tf], tf)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tf, err))
			continue
		}
		signals = append(signals, sig)
		weights = append(weights, c.config.TimeframeWeights[tf])
	}
	if len(signals) == 0 {
		if len(errs) == 0 {
			return MultiTimeframeRegime{}, fmt.Errorf("no timeframes to classify: %w", types.ErrInsufficientData)
		}
		return MultiTimeframeRegime{}, errors.Join(errs...)
	}

	return Aggregate(signals, weights), nil
}

// Aggregate combines per-timeframe signals. weights align with signals; when
// they sum to zero every signal is weighted equally.
func Aggregate(signals []RegimeSignal, weights []float64) MultiTimeframeRegime {
	out := MultiTimeframeRegime{
		Signals: signals,
		Scores:  make(map[RegimeType]float64, len(AllRegimes)),
	}
	if len(signals) == 0 {
		out.Dominant = RegimeNeutral
		out.Plurality = RegimeNeutral
		return out
	}
	out.Symbol = signals[0].Symbol

	w := make([]float64, len(signals))
	total := 0.0
	for i := range signals {
		if i < len(weights) && weights[i] > 0 {
			w[i] = weights[i]
		}
		total += w[i]
	}
	if total == 0 {
		for i := range w {
			w[i] = 1
		}
		total = float64(len(w))
	}

	votes := make(map[RegimeType]float64, len(AllRegimes))
	for i, s := range signals {
		votes[s.Type] += w[i]
		out.Scores[s.Type] += w[i] * s.Confidence
		out.Strength += w[i] * s.Strength
		out.VolatilityRatio += w[i] * s.Metrics.VolatilityRatio
	}
	out.Strength /= total
	out.VolatilityRatio /= total

	// Iterating AllRegimes keeps ties deterministic.
	for _, r := range AllRegimes {
		if out.Plurality == "" ||
			votes[r] > votes[out.Plurality] ||
			(votes[r] == votes[out.Plurality] && out.Scores[r] > out.Scores[out.Plurality]) {
			out.Plurality = r
		}
		if out.Dominant == "" || out.Scores[r] > out.Scores[out.Dominant] {
			out.Dominant = r
		}
	}

	out.Coherence = votes[out.Plurality] / total
	if v := votes[out.Dominant]; v > 0 {
		out.DominantConfidence = out.Scores[out.Dominant] / v
	}

	return out
}

// IsCoherent reports whether timeframes agree at least as much as the threshold.
func (c *Classifier) IsCoherent(m MultiTimeframeRegime) bool {
	return m.Coherence >= c.config.CoherenceThreshold
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
