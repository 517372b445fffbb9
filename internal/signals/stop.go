package signals

import (
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/atlas-desktop/regime-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AdaptiveStopLoss is the risk boundary of one position. CurrentStop only ever
// moves in the position's favour.
type AdaptiveStopLoss struct {
	Symbol              string             `json:"symbol"`
	Direction           types.PositionSide `json:"direction"`
	EntryPrice          decimal.Decimal    `json:"entryPrice"`
	InitialStop         decimal.Decimal    `json:"initialStop"`
	CurrentStop         decimal.Decimal    `json:"currentStop"`
	Distance            decimal.Decimal    `json:"distance"`
	PercentileComponent decimal.Decimal    `json:"percentileComponent"`
	ATRComponent        decimal.Decimal    `json:"atrComponent"`
	Updates             int                `json:"updates"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}

// RiskPerUnit is the loss per unit if the initial stop is hit.
func (s *AdaptiveStopLoss) RiskPerUnit() decimal.Decimal {
	return s.EntryPrice.Sub(s.InitialStop).Abs()
}

// RiskAmount is the loss on qty units if the current stop is hit.
func (s *AdaptiveStopLoss) RiskAmount(qty decimal.Decimal) decimal.Decimal {
	r := s.EntryPrice.Sub(s.CurrentStop)
	if s.Direction == types.PositionSideShort {
		r = r.Neg()
	}
	return decimal.Max(r, decimal.Zero).Mul(qty.Abs())
}

// Triggered reports whether price has reached the stop.
func (s *AdaptiveStopLoss) Triggered(price decimal.Decimal) bool {
	if s.Direction == types.PositionSideShort {
		return price.GreaterThanOrEqual(s.CurrentStop)
	}
	return price.LessThanOrEqual(s.CurrentStop)
}

// Clone returns a copy.
func (s *AdaptiveStopLoss) Clone() *AdaptiveStopLoss {
	c := *s
	return &c
}

// StopDistance returns the stop distance in price units for a position entered
// at price: the larger of the historical move percentile and the ATR multiple,
// floored at the configured minimum.
func (e *Engine) StopDistance(series *types.MarketDataSeries, price decimal.Decimal) (dist, pctComp, atrComp decimal.Decimal, err error) {
	if err = types.RequireBars(series, e.config.Lookback); err != nil {
		return
	}
	window := series.Tail(e.config.Lookback)
	h := e.config.StopMoveHorizon

	moves := make([]float64, 0, len(window)-h)
	for i := 0; i+h < len(window); i++ {
		base := window[i].Close.InexactFloat64()
		if base == 0 {
			continue
		}
		moves = append(moves, math.Abs(window[i+h].Close.InexactFloat64()-base)/base)
	}
	p := price.InexactFloat64()
	pctComp = decimal.NewFromFloat(Percentile(moves, e.config.StopPercentile) * p)

	atrComp = decimal.Zero
	if e.config.UseATRStop {
		atrComp = decimal.NewFromFloat(regime.ATR(window, e.config.ATRPeriod) * e.config.ATRMultiplier)
	}

	floor := decimal.NewFromFloat(e.config.MinStopDistancePct * p)
	dist = utils.MaxDecimal(utils.MaxDecimal(pctComp, atrComp), floor).Round(8)
	return dist, pctComp.Round(8), atrComp.Round(8), nil
}

// NewStop places the initial stop for a position entered at entry.
func (e *Engine) NewStop(symbol string, dir types.PositionSide, entry decimal.Decimal, series *types.MarketDataSeries) (*AdaptiveStopLoss, error) {
	if !entry.IsPositive() {
		return nil, fmt.Errorf("entry price for %s must be positive, got %s", symbol, entry)
	}
	dist, pctComp, atrComp, err := e.StopDistance(series, entry)
	if err != nil {
		return nil, err
	}
	if dist.GreaterThanOrEqual(entry) && dir == types.PositionSideLong {
		dist = entry.Mul(decimal.NewFromFloat(0.5))
	}

	stop := entry.Sub(dist)
	if dir == types.PositionSideShort {
		stop = entry.Add(dist)
	}

	return &AdaptiveStopLoss{
		Symbol:              symbol,
		Direction:           dir,
		EntryPrice:          entry,
		InitialStop:         stop,
		CurrentStop:         stop,
		Distance:            dist,
		PercentileComponent: pctComp,
		ATRComponent:        atrComp,
		UpdatedAt:           series.UpdatedAt,
	}, nil
}

// UpdateStop moves the stop for the prevailing regime and returns whether it
// changed. Momentum trails at the initial distance, mean reversion closes a
// fraction of the gap to price, transition and neutral hold. The stop never
// loosens.
func (e *Engine) UpdateStop(stop *AdaptiveStopLoss, price decimal.Decimal, r regime.RegimeType, at time.Time) bool {
	if stop == nil || !price.IsPositive() {
		return false
	}
	long := stop.Direction != types.PositionSideShort

	var candidate decimal.Decimal
	switch r {
	case regime.RegimeMomentum:
		if long {
			candidate = price.Sub(stop.Distance)
		} else {
			candidate = price.Add(stop.Distance)
		}
	case regime.RegimeMeanReversion:
		gap := price.Sub(stop.CurrentStop)
		if (long && !gap.IsPositive()) || (!long && !gap.IsNegative()) {
			return false
		}
		candidate = stop.CurrentStop.Add(gap.Mul(decimal.NewFromFloat(e.config.TightenFactor)))
	default:
		return false
	}

	next := stop.CurrentStop
	if long && candidate.GreaterThan(stop.CurrentStop) {
		next = candidate
	}
	if !long && candidate.LessThan(stop.CurrentStop) {
		next = candidate
	}
	if next.Equal(stop.CurrentStop) {
		return false
	}

	e.logger.Debug("Stop tightened",
		zap.String("symbol", stop.Symbol),
		zap.String("regime", string(r)),
		zap.String("from", stop.CurrentStop.String()),
		zap.String("to", next.String()),
	)
	stop.CurrentStop = next
	stop.Updates++
	stop.UpdatedAt = at
	return true
}
