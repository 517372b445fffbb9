package execution

import (
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ManagedPosition is the engine's view of an open position. Quantity is
// unsigned; Direction carries the side.
type ManagedPosition struct {
	ID            string             `json:"id"`
	Symbol        string             `json:"symbol"`
	Direction     types.PositionSide `json:"direction"`
	Quantity      decimal.Decimal    `json:"quantity"`
	AvgEntry      decimal.Decimal    `json:"avgEntry"`
	CurrentPrice  decimal.Decimal    `json:"currentPrice"`
	StopPrice     decimal.Decimal    `json:"stopPrice"`
	RealizedPnL   decimal.Decimal    `json:"realizedPnl"` // gross, from partial reductions
	Commission    decimal.Decimal    `json:"commission"`
	UnrealizedPnL decimal.Decimal    `json:"unrealizedPnl"`
	Tag           string             `json:"tag,omitempty"` // regime at entry
	OpenedAt      time.Time          `json:"openedAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`

	closedQty decimal.Decimal
}

func (p *ManagedPosition) sign() decimal.Decimal {
	if p.Direction == types.PositionSideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Signed returns the position as a venue-style signed snapshot.
func (p ManagedPosition) Signed() types.Position {
	return types.Position{
		Symbol:       p.Symbol,
		Quantity:     p.Quantity.Mul(p.sign()),
		AvgEntry:     p.AvgEntry,
		CurrentPrice: p.CurrentPrice,
	}
}

// MarketValue returns quantity times current price, falling back to entry.
func (p ManagedPosition) MarketValue() decimal.Decimal {
	mark := p.CurrentPrice
	if mark.IsZero() {
		mark = p.AvgEntry
	}
	return p.Quantity.Mul(mark)
}

// OpenRisk is the loss if the stop were hit from the current price, never
// negative.
func (p ManagedPosition) OpenRisk() decimal.Decimal {
	if p.StopPrice.IsZero() {
		return decimal.Zero
	}
	mark := p.CurrentPrice
	if mark.IsZero() {
		mark = p.AvgEntry
	}
	risk := mark.Sub(p.StopPrice).Mul(p.sign()).Mul(p.Quantity)
	if risk.IsNegative() {
		return decimal.Zero
	}
	return risk
}

// ChangeKind describes how a fill changed a position.
type ChangeKind string

const (
	ChangeOpened    ChangeKind = "opened"
	ChangeIncreased ChangeKind = "increased"
	ChangeReduced   ChangeKind = "reduced"
	ChangeClosed    ChangeKind = "closed"
	ChangeFlipped   ChangeKind = "flipped"
)

// ClosedTrade is the outcome of a fully closed position. PnL is net of all
// commission paid on the position.
type ClosedTrade struct {
	PositionID string             `json:"positionId"`
	Symbol     string             `json:"symbol"`
	Direction  types.PositionSide `json:"direction"`
	Quantity   decimal.Decimal    `json:"quantity"`
	EntryPrice decimal.Decimal    `json:"entryPrice"`
	ExitPrice  decimal.Decimal    `json:"exitPrice"`
	GrossPnL   decimal.Decimal    `json:"grossPnl"`
	Commission decimal.Decimal    `json:"commission"`
	PnL        decimal.Decimal    `json:"pnl"`
	ReturnPct  float64            `json:"returnPct"`
	Tag        string             `json:"tag,omitempty"`
	OpenedAt   time.Time          `json:"openedAt"`
	ClosedAt   time.Time          `json:"closedAt"`
}

// PositionChange is the result of applying one fill.
type PositionChange struct {
	Kind     ChangeKind       `json:"kind"`
	Symbol   string           `json:"symbol"`
	Position *ManagedPosition `json:"position,omitempty"` // nil once closed
	Closed   *ClosedTrade     `json:"closed,omitempty"`
	Fill     types.Fill       `json:"fill"`
}

// PositionManager derives engine positions from fills.
type PositionManager struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	positions map[string]*ManagedPosition
	realized  decimal.Decimal
}

// NewPositionManager creates an empty position book.
func NewPositionManager(logger *zap.Logger) *PositionManager {
	return &PositionManager{
		logger:    logger.Named("positions"),
		positions: make(map[string]*ManagedPosition),
	}
}

// ApplyFill opens, averages, reduces, closes or flips the position in the
// fill's symbol. tag labels a newly opened position.
func (pm *PositionManager) ApplyFill(fill types.Fill, tag string) PositionChange {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	change := PositionChange{Symbol: fill.Symbol, Fill: fill}
	fillDir := types.PositionSideLong
	if fill.Side == types.OrderSideSell {
		fillDir = types.PositionSideShort
	}

	pos, ok := pm.positions[fill.Symbol]
	if !ok {
		pos = pm.open(fill, fill.Quantity, fill.Commission, fillDir, tag)
		change.Kind = ChangeOpened
		change.Position = pos.clone()
		return change
	}

	pos.CurrentPrice = fill.Price
	pos.UpdatedAt = fill.Timestamp

	if pos.Direction == fillDir {
		cost := pos.AvgEntry.Mul(pos.Quantity).Add(fill.Notional())
		pos.Quantity = pos.Quantity.Add(fill.Quantity)
		pos.AvgEntry = cost.Div(pos.Quantity)
		pos.Commission = pos.Commission.Add(fill.Commission)
		pos.refresh()
		change.Kind = ChangeIncreased
		change.Position = pos.clone()
		return change
	}

	closing := decimal.Min(pos.Quantity, fill.Quantity)
	closingFee := fill.Commission
	if fill.Quantity.GreaterThan(closing) {
		closingFee = fill.Commission.Mul(closing).Div(fill.Quantity)
	}
	pos.RealizedPnL = pos.RealizedPnL.Add(fill.Price.Sub(pos.AvgEntry).Mul(pos.sign()).Mul(closing))
	pos.Commission = pos.Commission.Add(closingFee)
	pos.Quantity = pos.Quantity.Sub(closing)
	pos.closedQty = pos.closedQty.Add(closing)

	if pos.Quantity.IsPositive() {
		pos.refresh()
		change.Kind = ChangeReduced
		change.Position = pos.clone()
		return change
	}

	change.Closed = pm.close(pos, fill)
	change.Kind = ChangeClosed

	if rest := fill.Quantity.Sub(closing); rest.IsPositive() {
		flipped := pm.open(fill, rest, fill.Commission.Sub(closingFee), fillDir, tag)
		change.Kind = ChangeFlipped
		change.Position = flipped.clone()
	}
	return change
}

func (pm *PositionManager) open(fill types.Fill, qty, fee decimal.Decimal, dir types.PositionSide, tag string) *ManagedPosition {
	pos := &ManagedPosition{
		ID:           uuid.NewString(),
		Symbol:       fill.Symbol,
		Direction:    dir,
		Quantity:     qty,
		AvgEntry:     fill.Price,
		CurrentPrice: fill.Price,
		Commission:   fee,
		Tag:          tag,
		OpenedAt:     fill.Timestamp,
		UpdatedAt:    fill.Timestamp,
	}
	pm.positions[fill.Symbol] = pos
	pm.logger.Info("Position opened",
		zap.String("symbol", fill.Symbol),
		zap.String("direction", string(dir)),
		zap.String("quantity", qty.String()),
		zap.String("entry", fill.Price.String()))
	return pos
}

func (pm *PositionManager) close(pos *ManagedPosition, fill types.Fill) *ClosedTrade {
	delete(pm.positions, pos.Symbol)

	total := pos.RealizedPnL
	net := total.Sub(pos.Commission)
	pm.realized = pm.realized.Add(net)
	qty := pos.closedQty

	trade := &ClosedTrade{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		Quantity:   qty,
		EntryPrice: pos.AvgEntry,
		ExitPrice:  fill.Price,
		GrossPnL:   total,
		Commission: pos.Commission,
		PnL:        net,
		Tag:        pos.Tag,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   fill.Timestamp,
	}
	if cost := pos.AvgEntry.Mul(qty); cost.IsPositive() {
		trade.ReturnPct = net.Div(cost).InexactFloat64()
	}

	pm.logger.Info("Position closed",
		zap.String("symbol", pos.Symbol),
		zap.String("direction", string(pos.Direction)),
		zap.String("exit", fill.Price.String()),
		zap.String("pnl", net.String()))
	return trade
}

func (p *ManagedPosition) refresh() {
	p.UnrealizedPnL = p.CurrentPrice.Sub(p.AvgEntry).Mul(p.sign()).Mul(p.Quantity)
}

func (p *ManagedPosition) clone() *ManagedPosition {
	c := *p
	return &c
}

// Reprice marks a position to price.
func (pm *PositionManager) Reprice(symbol string, price decimal.Decimal, at time.Time) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pos, ok := pm.positions[symbol]; ok {
		pos.CurrentPrice = price
		pos.UpdatedAt = at
		pos.refresh()
	}
}

// UpdateStop moves the stop of a position. Stops only tighten: up for longs,
// down for shorts. It reports whether the stop changed.
func (pm *PositionManager) UpdateStop(symbol string, stop decimal.Decimal) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pos, ok := pm.positions[symbol]
	if !ok || !stop.IsPositive() {
		return false
	}
	if !pos.StopPrice.IsZero() {
		if pos.Direction == types.PositionSideLong && !stop.GreaterThan(pos.StopPrice) {
			return false
		}
		if pos.Direction == types.PositionSideShort && !stop.LessThan(pos.StopPrice) {
			return false
		}
	}
	pos.StopPrice = stop
	return true
}

// Get returns a copy of the position in symbol.
func (pm *PositionManager) Get(symbol string) (ManagedPosition, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	pos, ok := pm.positions[symbol]
	if !ok {
		return ManagedPosition{}, false
	}
	return *pos, true
}

// Positions returns copies of all open positions sorted by symbol.
func (pm *PositionManager) Positions() []ManagedPosition {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]ManagedPosition, 0, len(pm.positions))
	for _, p := range pm.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Signed returns all positions as signed venue-style snapshots.
func (pm *PositionManager) Signed() []types.Position {
	positions := pm.Positions()
	out := make([]types.Position, len(positions))
	for i, p := range positions {
		out[i] = p.Signed()
	}
	return out
}

// RealizedPnL returns net realized P&L of closed positions.
func (pm *PositionManager) RealizedPnL() decimal.Decimal {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.realized
}

// UnrealizedPnL sums unrealized P&L across open positions.
func (pm *PositionManager) UnrealizedPnL() decimal.Decimal {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	total := decimal.Zero
	for _, p := range pm.positions {
		total = total.Add(p.UnrealizedPnL)
	}
	return total
}
