package regime_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// trendSeries builds a steady geometric trend; growth < 1 trends down.
func trendSeries(n int, growth float64, tf types.Timeframe) *types.MarketDataSeries {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.OHLCV, n)
	price := 100.0
	prev := price
	for i := 0; i < n; i++ {
		price *= growth
		bars[i] = types.OHLCV{
			Timestamp: start.Add(time.Duration(i) * tf.Duration()),
			Timeframe: tf,
			Open:      decimal.NewFromFloat(prev),
			High:      decimal.NewFromFloat(math.Max(prev, price) * 1.002),
			Low:       decimal.NewFromFloat(math.Min(prev, price) * 0.998),
			Close:     decimal.NewFromFloat(price),
			Volume:    decimal.NewFromInt(1000),
		}
		prev = price
	}
	return &types.MarketDataSeries{Symbol: "TREND", Timeframe: tf, Bars: bars, CurrentPrice: bars[n-1].Close}
}

// oscillatingSeries swings around 100 with a three-bar period.
func oscillatingSeries(n int) *types.MarketDataSeries {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.OHLCV, n)
	for i := 0; i < n; i++ {
		c := 100 + 2*math.Sin(2*math.Pi*float64(i)/3)
		bars[i] = types.OHLCV{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Timeframe: types.Timeframe1h,
			Open:      decimal.NewFromFloat(c),
			High:      decimal.NewFromFloat(c + 0.5),
			Low:       decimal.NewFromFloat(c - 0.5),
			Close:     decimal.NewFromFloat(c),
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return &types.MarketDataSeries{Symbol: "OSC", Timeframe: types.Timeframe1h, Bars: bars}
}

func newClassifier(t *testing.T, mutate func(*regime.Config)) *regime.Classifier {
	t.Helper()
	cfg := regime.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	c, err := regime.NewClassifier(zap.NewNop(), cfg)
	if err != nil {
		t.Fatalf("Failed to create classifier: %v", err)
	}
	return c
}

func TestClassifyUptrendIsMomentum(t *testing.T) {
	for _, method := range []regime.TrendMethod{regime.TrendADX, regime.TrendRegression, regime.TrendPercentile} {
		t.Run(string(method), func(t *testing.T) {
			c := newClassifier(t, func(cfg *regime.Config) { cfg.TrendMethod = method })

			sig, err := c.Classify(trendSeries(150, 1.004, types.Timeframe1h), types.Timeframe1h)
			if err != nil {
				t.Fatalf("Classify failed: %v", err)
			}
			if sig.Type != regime.RegimeMomentum {
				t.Errorf("Expected momentum, got %s (metrics %+v)", sig.Type, sig.Metrics)
			}
			if sig.Strength <= 0 || sig.Strength > 1 {
				t.Errorf("Expected positive strength in (0,1], got %f", sig.Strength)
			}
			if sig.Confidence < 0 || sig.Confidence > 1 {
				t.Errorf("Confidence out of range: %f", sig.Confidence)
			}
		})
	}
}

func TestClassifyDowntrendHasNegativeStrength(t *testing.T) {
	c := newClassifier(t, nil)
	sig, err := c.Classify(trendSeries(100, 0.996, types.Timeframe1h), types.Timeframe1h)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if sig.Type != regime.RegimeMomentum {
		t.Errorf("Expected momentum, got %s", sig.Type)
	}
	if sig.Strength >= 0 {
		t.Errorf("Expected negative strength, got %f", sig.Strength)
	}
}

func TestClassifyOscillationIsMeanReversion(t *testing.T) {
	c := newClassifier(t, nil)
	sig, err := c.Classify(oscillatingSeries(120), types.Timeframe1h)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if sig.Type != regime.RegimeMeanReversion {
		t.Errorf("Expected mean_reversion, got %s (metrics %+v)", sig.Type, sig.Metrics)
	}
	if sig.Metrics.ReversionSpeed <= 0.6 {
		t.Errorf("Expected fast reversion, got %f", sig.Metrics.ReversionSpeed)
	}
}

func TestClassifyInsufficientData(t *testing.T) {
	c := newClassifier(t, nil)
	_, err := c.Classify(trendSeries(20, 1.001, types.Timeframe1h), types.Timeframe1h)
	if !errors.Is(err, types.ErrInsufficientData) {
		t.Fatalf("Expected ErrInsufficientData, got %v", err)
	}
}

func TestClassifyMultiUptrend(t *testing.T) {
	c := newClassifier(t, nil)
	input := map[types.Timeframe]*types.MarketDataSeries{
		types.Timeframe15m: trendSeries(150, 1.004, types.Timeframe15m),
		types.Timeframe1h:  trendSeries(150, 1.004, types.Timeframe1h),
		types.Timeframe4h:  trendSeries(150, 1.004, types.Timeframe4h),
	}

	m, err := c.ClassifyMulti(input)
	if err != nil {
		t.Fatalf("ClassifyMulti failed: %v", err)
	}
	if m.Dominant != regime.RegimeMomentum {
		t.Errorf("Expected dominant momentum, got %s", m.Dominant)
	}
	if math.Abs(m.Coherence-1) > 1e-9 {
		t.Errorf("Expected full coherence, got %f", m.Coherence)
	}
	if !c.IsCoherent(m) {
		t.Error("Expected coherent regime")
	}
	if len(m.Signals) != 3 || m.Signals[0].Timeframe != types.Timeframe15m {
		t.Errorf("Signals not ordered by timeframe: %+v", m.Signals)
	}
}

func TestClassifyMultiSkipsShortTimeframes(t *testing.T) {
	c := newClassifier(t, nil)
	input := map[types.Timeframe]*types.MarketDataSeries{
		types.Timeframe1h: trendSeries(150, 1.004, types.Timeframe1h),
		types.Timeframe4h: trendSeries(10, 1.004, types.Timeframe4h),
	}
	m, err := c.ClassifyMulti(input)
	if err != nil {
		t.Fatalf("ClassifyMulti failed: %v", err)
	}
	if len(m.Signals) != 1 {
		t.Errorf("Expected one classified timeframe, got %d", len(m.Signals))
	}

	_, err = c.ClassifyMulti(map[types.Timeframe]*types.MarketDataSeries{
		types.Timeframe4h: trendSeries(10, 1.004, types.Timeframe4h),
	})
	if !errors.Is(err, types.ErrInsufficientData) {
		t.Errorf("Expected ErrInsufficientData, got %v", err)
	}
}

func TestAggregateCoherenceAndDominance(t *testing.T) {
	t.Run("agreeing majority", func(t *testing.T) {
		m := regime.Aggregate([]regime.RegimeSignal{
			{Type: regime.RegimeMomentum, Confidence: 0.8},
			{Type: regime.RegimeMomentum, Confidence: 0.6},
			{Type: regime.RegimeMeanReversion, Confidence: 0.9},
		}, []float64{0.5, 0.3, 0.2})

		if m.Plurality != regime.RegimeMomentum || m.Dominant != regime.RegimeMomentum {
			t.Errorf("Expected momentum plurality and dominance, got %s/%s", m.Plurality, m.Dominant)
		}
		if math.Abs(m.Coherence-0.8) > 1e-9 {
			t.Errorf("Expected coherence 0.8, got %f", m.Coherence)
		}
	})

	t.Run("confident minority dominates", func(t *testing.T) {
		m := regime.Aggregate([]regime.RegimeSignal{
			{Type: regime.RegimeMomentum, Confidence: 0.2},
			{Type: regime.RegimeMomentum, Confidence: 0.2},
			{Type: regime.RegimeMeanReversion, Confidence: 0.9},
		}, []float64{0.3, 0.3, 0.4})

		if m.Plurality != regime.RegimeMomentum {
			t.Errorf("Expected momentum plurality, got %s", m.Plurality)
		}
		if m.Dominant != regime.RegimeMeanReversion {
			t.Errorf("Expected mean_reversion dominant, got %s", m.Dominant)
		}
		if math.Abs(m.Coherence-0.6) > 1e-9 {
			t.Errorf("Expected coherence 0.6, got %f", m.Coherence)
		}
	})

	t.Run("zero weights fall back to equal", func(t *testing.T) {
		m := regime.Aggregate([]regime.RegimeSignal{
			{Type: regime.RegimeNeutral, Confidence: 0.5},
			{Type: regime.RegimeTransition, Confidence: 0.4},
		}, nil)
		if math.Abs(m.Coherence-0.5) > 1e-9 {
			t.Errorf("Expected coherence 0.5, got %f", m.Coherence)
		}
		if m.Dominant != regime.RegimeNeutral {
			t.Errorf("Expected neutral dominant, got %s", m.Dominant)
		}
	})
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*regime.Config)
	}{
		{"weights do not sum to one", func(c *regime.Config) {
			c.TimeframeWeights = map[types.Timeframe]float64{types.Timeframe1h: 0.5, types.Timeframe4h: 0.3}
		}},
		{"empty weights", func(c *regime.Config) { c.TimeframeWeights = nil }},
		{"lookback too short for adx", func(c *regime.Config) { c.Lookback = 20 }},
		{"non-positive half-life scale", func(c *regime.Config) { c.HalfLifeScale = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := regime.DefaultConfig()
			tt.mutate(cfg)
			if _, err := regime.NewClassifier(zap.NewNop(), cfg); err == nil {
				t.Error("Expected configuration error")
			}
		})
	}
}

func TestHalfLifeAndAutocorrelation(t *testing.T) {
	if hl := regime.HalfLife(0.5); math.Abs(hl-1) > 1e-9 {
		t.Errorf("HalfLife(0.5) = %f, want 1", hl)
	}
	if hl := regime.HalfLife(-0.2); hl != 0 {
		t.Errorf("HalfLife(-0.2) = %f, want 0", hl)
	}
	if !math.IsInf(regime.HalfLife(1), 1) {
		t.Error("HalfLife(1) should be +Inf")
	}

	alternating := []float64{1, -1, 1, -1, 1, -1, 1, -1}
	if rho := regime.Autocorrelation(alternating); rho >= 0 {
		t.Errorf("Alternating series should have negative autocorrelation, got %f", rho)
	}
}
