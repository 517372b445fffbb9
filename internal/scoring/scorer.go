// Package scoring ranks instruments by a weighted composite of regime,
// expectancy, percentile, momentum and volatility factors.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/expectancy"
	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/internal/signals"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/atlas-desktop/regime-engine/pkg/utils"
	"go.uber.org/zap"
)

// Factor names.
const (
	FactorRegimeAlignment = "regime_alignment"
	FactorExpectancy      = "expectancy"
	FactorPercentile      = "percentile_extremeness"
	FactorMomentum        = "momentum_strength"
	FactorVolatility      = "volatility_favorability"
)

// Factor is one weighted input to a score.
type Factor struct {
	Name         string  `json:"name"`
	Value        float64 `json:"value"` // normalized 0-1
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// CompositeScore is the ranking input for one instrument.
type CompositeScore struct {
	Symbol     string             `json:"symbol"`
	Total      float64            `json:"total"`
	Factors    []Factor           `json:"factors"`
	Rank       int                `json:"rank"`
	Percentile float64            `json:"percentile"`
	Direction  types.PositionSide `json:"direction,omitempty"`
	HasSignal  bool               `json:"hasSignal"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Factor returns the named factor, or a zero factor when absent.
func (s CompositeScore) Factor(name string) Factor {
	for _, f := range s.Factors {
		if f.Name == name {
			return f
		}
	}
	return Factor{Name: name}
}

// Candidate bundles everything known about an instrument this tick.
type Candidate struct {
	Symbol     string
	Regime     regime.MultiTimeframeRegime
	Level      signals.PercentileLevel
	Signal     *signals.EntrySignal
	Expectancy expectancy.RiskAdjustedExpectancy
}

// Weights are the factor weights. They must sum to 1 within tolerance.
type Weights struct {
	RegimeAlignment float64 `mapstructure:"regime_alignment" validate:"gte=0,lte=1"`
	Expectancy      float64 `mapstructure:"expectancy" validate:"gte=0,lte=1"`
	Percentile      float64 `mapstructure:"percentile" validate:"gte=0,lte=1"`
	Momentum        float64 `mapstructure:"momentum" validate:"gte=0,lte=1"`
	Volatility      float64 `mapstructure:"volatility" validate:"gte=0,lte=1"`
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.RegimeAlignment + w.Expectancy + w.Percentile + w.Momentum + w.Volatility
}

// Config configures the scorer.
type Config struct {
	Weights         Weights `mapstructure:"weights"`
	WeightTolerance float64 `mapstructure:"weight_tolerance" validate:"gte=0"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Weights: Weights{
			RegimeAlignment: 0.25,
			Expectancy:      0.25,
			Percentile:      0.20,
			Momentum:        0.15,
			Volatility:      0.15,
		},
		WeightTolerance: 0.01,
	}
}

// Validate checks the weight sum.
func (c *Config) Validate() error {
	w := c.Weights
	for name, v := range map[string]float64{
		FactorRegimeAlignment: w.RegimeAlignment,
		FactorExpectancy:      w.Expectancy,
		FactorPercentile:      w.Percentile,
		FactorMomentum:        w.Momentum,
		FactorVolatility:      w.Volatility,
	} {
		if v < 0 {
			return fmt.Errorf("weight %s is negative", name)
		}
	}
	if math.Abs(w.Sum()-1) > c.WeightTolerance {
		return fmt.Errorf("scoring weights sum to %.4f, want 1 ± %.3f", w.Sum(), c.WeightTolerance)
	}
	return nil
}

// Scorer computes composite scores.
type Scorer struct {
	logger *zap.Logger
	config *Config
}

// NewScorer creates a scorer, rejecting invalid configuration.
func NewScorer(logger *zap.Logger, config *Config) (*Scorer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scoring config: %w", err)
	}
	return &Scorer{logger: logger.Named("scoring"), config: config}, nil
}

// ErrNoCandidates is returned when Score receives nothing to rank.
var ErrNoCandidates = errors.New("no candidates to score")

// Score computes, ranks and assigns percentiles to every candidate. Rank 1 is
// the best score; ties are broken by symbol.
func (s *Scorer) Score(candidates []Candidate, now time.Time) ([]CompositeScore, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	out := make([]CompositeScore, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, s.scoreOne(c, now))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Symbol < out[j].Symbol
	})

	n := len(out)
	for i := range out {
		out[i].Rank = i + 1
		if n == 1 {
			out[i].Percentile = 100
		} else {
			out[i].Percentile = 100 * float64(n-out[i].Rank) / float64(n-1)
		}
	}

	s.logger.Debug("Scored candidates", zap.Int("count", n), zap.String("top", out[0].Symbol), zap.Float64("top_score", out[0].Total))
	return out, nil
}

func (s *Scorer) scoreOne(c Candidate, now time.Time) CompositeScore {
	w := s.config.Weights
	var dir types.PositionSide
	if c.Signal != nil {
		dir = c.Signal.Direction
	}

	values := []Factor{
		{Name: FactorRegimeAlignment, Value: RegimeAlignment(c.Regime, dir), Weight: w.RegimeAlignment},
		{Name: FactorExpectancy, Value: ExpectancyScore(c.Expectancy), Weight: w.Expectancy},
		{Name: FactorPercentile, Value: PercentileExtremeness(c.Level.Percentile), Weight: w.Percentile},
		{Name: FactorMomentum, Value: utils.Clamp(math.Abs(c.Regime.Strength), 0, 1), Weight: w.Momentum},
		{Name: FactorVolatility, Value: VolatilityFavorability(c.Regime.VolatilityRatio), Weight: w.Volatility},
	}

	total := 0.0
	for i := range values {
		values[i].Contribution = values[i].Value * values[i].Weight
		total += values[i].Contribution
	}

	return CompositeScore{
		Symbol:    c.Symbol,
		Total:     utils.Clamp(total, 0, 1),
		Factors:   values,
		Direction: dir,
		HasSignal: c.Signal != nil,
		Timestamp: now,
	}
}

// RegimeAlignment scores how well the regime supports a percentile entry in
// direction dir. Mean reversion fits best; momentum fits when the entry runs
// with the trend. The result is scaled by multi-timeframe coherence.
func RegimeAlignment(m regime.MultiTimeframeRegime, dir types.PositionSide) float64 {
	var fit float64
	switch m.Dominant {
	case regime.RegimeMeanReversion:
		fit = 1
	case regime.RegimeMomentum:
		switch {
		case dir == "":
			fit = 0.5
		case (dir == types.PositionSideLong) == (m.Strength >= 0):
			fit = 0.8
		default:
			fit = 0.3
		}
	case regime.RegimeNeutral:
		fit = 0.5
	case regime.RegimeTransition:
		fit = 0.2
	}
	return utils.Clamp(fit*(0.5+0.5*m.Coherence), 0, 1)
}

// ExpectancyScore maps expectancy in R units through tanh onto [0,1] and pulls
// it toward 0.5 when confidence is low.
func ExpectancyScore(e expectancy.RiskAdjustedExpectancy) float64 {
	raw := 0.5 + 0.5*math.Tanh(e.ExpectancyR)
	conf := utils.Clamp(e.Confidence, 0, 1)
	return utils.Clamp(conf*raw+(1-conf)*0.5, 0, 1)
}

// PercentileExtremeness is the distance from the median scaled to [0,1].
func PercentileExtremeness(p float64) float64 {
	return utils.Clamp(math.Abs(p-50)/50, 0, 1)
}

// VolatilityFavorability prefers volatility at or below its historical level.
func VolatilityFavorability(ratio float64) float64 {
	if ratio <= 0 {
		return 0.5
	}
	return utils.Clamp(1.5-ratio, 0, 1)
}

// Qualifying returns the scores at or above minScore, preserving order.
func Qualifying(scores []CompositeScore, minScore float64) []CompositeScore {
	out := make([]CompositeScore, 0, len(scores))
	for _, s := range scores {
		if s.Total >= minScore {
			out = append(out, s)
		}
	}
	return out
}
