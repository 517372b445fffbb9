// Package data provides market data series to the engine.
package data

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Provider supplies bar history for an instrument and timeframe. Implementations
// return an InsufficientDataError when fewer than lookback bars exist.
type Provider interface {
	GetSeries(ctx context.Context, symbol string, timeframe types.Timeframe, lookback int) (*types.MarketDataSeries, error)
	Symbols() []string
}

// Store is an in-memory Provider. Series are copied on the way in and out so
// callers never share bar slices with the store.
type Store struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	validator *QualityValidator
	maxBars   int
	series    map[string]*types.MarketDataSeries
}

// NewStore creates an empty store retaining at most maxBars bars per series.
func NewStore(logger *zap.Logger, maxBars int) *Store {
	if maxBars <= 0 {
		maxBars = 5000
	}
	return &Store{
		logger:    logger.Named("data"),
		validator: NewQualityValidator(logger),
		maxBars:   maxBars,
		series:    make(map[string]*types.MarketDataSeries),
	}
}

func seriesKey(symbol string, tf types.Timeframe) string {
	return fmt.Sprintf("%s_%s", symbol, tf)
}

// Load replaces the series for symbol/timeframe after validating the bars.
func (s *Store) Load(symbol string, tf types.Timeframe, bars []types.OHLCV) error {
	report := s.validator.Validate(bars, symbol)
	if !report.IsUsable {
		return fmt.Errorf("rejected %d bars for %s %s: %d issues, quality %d",
			len(bars), symbol, tf, len(report.Issues), report.QualityScore)
	}
	if len(report.Issues) > 0 {
		s.logger.Warn("Loaded bars with quality issues",
			zap.String("symbol", symbol),
			zap.String("timeframe", string(tf)),
			zap.Int("issues", len(report.Issues)),
			zap.Int("quality_score", report.QualityScore),
		)
	}

	cp := make([]types.OHLCV, len(bars))
	copy(cp, bars)
	for i := range cp {
		cp[i].Timeframe = tf
	}
	if len(cp) > s.maxBars {
		cp = cp[len(cp)-s.maxBars:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ser := &types.MarketDataSeries{Symbol: symbol, Timeframe: tf, Bars: cp}
	if len(cp) > 0 {
		last := cp[len(cp)-1]
		ser.CurrentPrice = last.Close
		ser.UpdatedAt = last.Timestamp
	}
	s.series[seriesKey(symbol, tf)] = ser
	return nil
}

// Append adds one bar. Bars older than the last stored bar are rejected.
func (s *Store) Append(symbol string, tf types.Timeframe, bar types.OHLCV) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seriesKey(symbol, tf)
	ser, ok := s.series[key]
	if !ok {
		ser = &types.MarketDataSeries{Symbol: symbol, Timeframe: tf}
		s.series[key] = ser
	}
	if n := len(ser.Bars); n > 0 && bar.Timestamp.Before(ser.Bars[n-1].Timestamp) {
		return fmt.Errorf("bar for %s %s at %s is older than last bar", symbol, tf, bar.Timestamp.Format(time.RFC3339))
	}

	bar.Timeframe = tf
	ser.Bars = append(ser.Bars, bar)
	if len(ser.Bars) > s.maxBars {
		ser.Bars = ser.Bars[len(ser.Bars)-s.maxBars:]
	}
	ser.CurrentPrice = bar.Close
	ser.UpdatedAt = bar.Timestamp
	return nil
}

// SetPrice updates the live price of every series for symbol.
func (s *Store) SetPrice(symbol string, price decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ser := range s.series {
		if ser.Symbol == symbol {
			ser.CurrentPrice = price
			ser.UpdatedAt = at
		}
	}
}

// GetSeries returns a copy of the last lookback bars. lookback <= 0 returns all bars.
func (s *Store) GetSeries(ctx context.Context, symbol string, tf types.Timeframe, lookback int) (*types.MarketDataSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.series[seriesKey(symbol, tf)]
	if !ok {
		return nil, &types.InsufficientDataError{Symbol: symbol, Timeframe: tf, Need: lookback}
	}
	if err := types.RequireBars(ser, lookback); err != nil {
		return nil, err
	}

	out := ser.Clone()
	if lookback > 0 {
		out.Bars = out.Bars[len(out.Bars)-lookback:]
	}
	return out, nil
}

// Symbols returns the sorted set of symbols with at least one series.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(s.series))
	out := make([]string, 0, len(s.series))
	for _, ser := range s.series {
		if _, ok := seen[ser.Symbol]; ok {
			continue
		}
		seen[ser.Symbol] = struct{}{}
		out = append(out, ser.Symbol)
	}
	sort.Strings(out)
	return out
}

// LastPrice returns the live price for symbol from any of its series.
func (s *Store) LastPrice(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ser := range s.series {
		if ser.Symbol == symbol && !ser.Price().IsZero() {
			return ser.Price(), true
		}
	}
	return decimal.Zero, false
}
