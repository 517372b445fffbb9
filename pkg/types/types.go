// Package types provides shared type definitions for the regime engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the offsetting side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() decimal.Decimal {
	if s == OrderSideBuy {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// PositionSide represents long or short position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// EntrySide returns the order side that opens a position in this direction.
func (p PositionSide) EntrySide() OrderSide {
	if p == PositionSideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide returns the order side that closes a position in this direction.
func (p PositionSide) ExitSide() OrderSide {
	return p.EntrySide().Opposite()
}

// Timeframe represents trading timeframes
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the bar interval of the timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	}
	return 0
}

// OHLCV represents a single candlestick
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Timeframe Timeframe       `json:"timeframe"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// MarketDataSeries is the ordered bar history of one instrument on one timeframe.
// Bars are oldest first.
type MarketDataSeries struct {
	Symbol       string          `json:"symbol"`
	Timeframe    Timeframe       `json:"timeframe"`
	Bars         []OHLCV         `json:"bars"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Len returns the number of bars.
func (s *MarketDataSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Bars)
}

// Tail returns the last n bars, or all of them when fewer exist.
func (s *MarketDataSeries) Tail(n int) []OHLCV {
	if n >= len(s.Bars) {
		return s.Bars
	}
	return s.Bars[len(s.Bars)-n:]
}

// Closes returns close prices as float64, oldest first.
func (s *MarketDataSeries) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}

// Price returns the current price, falling back to the last close.
func (s *MarketDataSeries) Price() decimal.Decimal {
	if !s.CurrentPrice.IsZero() || len(s.Bars) == 0 {
		return s.CurrentPrice
	}
	return s.Bars[len(s.Bars)-1].Close
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *MarketDataSeries) Clone() *MarketDataSeries {
	if s == nil {
		return nil
	}
	c := *s
	c.Bars = make([]OHLCV, len(s.Bars))
	copy(c.Bars, s.Bars)
	return &c
}

// Fill is one execution against an order.
type Fill struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"orderId"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Commission decimal.Decimal `json:"commission"`
	Slippage   decimal.Decimal `json:"slippage"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Notional returns price times quantity.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}

// Order represents a trading order
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	StopPrice     decimal.Decimal `json:"stopPrice,omitempty"`
	Status        OrderStatus     `json:"status"`
	Triggered     bool            `json:"triggered,omitempty"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	AvgFillPrice  decimal.Decimal `json:"avgFillPrice"`
	Commission    decimal.Decimal `json:"commission"`
	Fills         []Fill          `json:"fills"`
	RejectReason  string          `json:"rejectReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	FilledAt      *time.Time      `json:"filledAt,omitempty"`
}

// RemainingQty returns the unfilled quantity.
func (o *Order) RemainingQty() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Clone returns a copy with its own fill slice.
func (o *Order) Clone() *Order {
	c := *o
	c.Fills = make([]Fill, len(o.Fills))
	copy(c.Fills, o.Fills)
	if o.FilledAt != nil {
		t := *o.FilledAt
		c.FilledAt = &t
	}
	return &c
}

// Position is a venue-side holding snapshot. Quantity is signed: negative for shorts.
type Position struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	AvgEntry     decimal.Decimal `json:"avgEntry"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
}

// Side returns the direction implied by the signed quantity.
func (p Position) Side() PositionSide {
	if p.Quantity.IsNegative() {
		return PositionSideShort
	}
	return PositionSideLong
}

// AccountBalance is the venue's cash view.
type AccountBalance struct {
	Cash            decimal.Decimal `json:"cash"`
	Equity          decimal.Decimal `json:"equity"`
	TotalCommission decimal.Decimal `json:"totalCommission"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}
