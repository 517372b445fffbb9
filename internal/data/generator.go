package data

import (
	"math"
	"math/rand"
	"time"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// GeneratorConfig shapes synthetic bars.
type GeneratorConfig struct {
	StartPrice float64
	Drift      float64 // per-bar fractional drift
	Volatility float64 // per-bar fractional noise amplitude
	Cycle      int     // bars per sine cycle; 0 disables the oscillation
	CycleAmp   float64 // fractional amplitude of the oscillation
	Seed       int64
}

// Generator produces deterministic synthetic bars for paper runs and tests.
type Generator struct {
	config GeneratorConfig
	rng    *rand.Rand
}

// NewGenerator creates a generator seeded from config.
func NewGenerator(config GeneratorConfig) *Generator {
	if config.StartPrice <= 0 {
		config.StartPrice = 100
	}
	return &Generator{
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
	}
}

// Bars generates n bars ending one interval before end.
func (g *Generator) Bars(tf types.Timeframe, n int, end time.Time) []types.OHLCV {
	interval := tf.Duration()
	if interval == 0 {
		interval = time.Minute
	}

	bars := make([]types.OHLCV, 0, n)
	base := g.config.StartPrice
	prevClose := base
	current := end.Add(-time.Duration(n) * interval)

	for i := 0; i < n; i++ {
		base *= 1 + g.config.Drift
		price := base
		if g.config.Cycle > 0 {
			price *= 1 + g.config.CycleAmp*math.Sin(2*math.Pi*float64(i)/float64(g.config.Cycle))
		}
		price *= 1 + (g.rng.Float64()-0.5)*2*g.config.Volatility

		open := prevClose
		close := price
		wick := math.Abs(close-open)*0.25 + price*g.config.Volatility*0.5*g.rng.Float64()
		high := math.Max(open, close) + wick
		low := math.Min(open, close) - wick

		bars = append(bars, types.OHLCV{
			Timestamp: current,
			Timeframe: tf,
			Open:      decimal.NewFromFloat(open).Round(4),
			High:      decimal.NewFromFloat(high).Round(4),
			Low:       decimal.NewFromFloat(low).Round(4),
			Close:     decimal.NewFromFloat(close).Round(4),
			Volume:    decimal.NewFromFloat(1000 + g.rng.Float64()*9000).Round(2),
		})

		prevClose = close
		current = current.Add(interval)
	}
	return bars
}

// Next produces one bar continuing from prev.
func (g *Generator) Next(prev types.OHLCV) types.OHLCV {
	interval := prev.Timeframe.Duration()
	if interval == 0 {
		interval = time.Minute
	}
	open := prev.Close.InexactFloat64()
	close := open * (1 + g.config.Drift + (g.rng.Float64()-0.5)*2*g.config.Volatility)
	wick := open * g.config.Volatility * 0.5 * g.rng.Float64()

	return types.OHLCV{
		Timestamp: prev.Timestamp.Add(interval),
		Timeframe: prev.Timeframe,
		Open:      prev.Close,
		High:      decimal.NewFromFloat(math.Max(open, close) + wick).Round(4),
		Low:       decimal.NewFromFloat(math.Min(open, close) - wick).Round(4),
		Close:     decimal.NewFromFloat(close).Round(4),
		Volume:    decimal.NewFromFloat(1000 + g.rng.Float64()*9000).Round(2),
	}
}
