package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrVenueClosed is returned after Close.
var ErrVenueClosed = errors.New("venue closed")

// PaperConfig configures the simulated venue.
type PaperConfig struct {
	InitialCash     float64       `mapstructure:"initial_cash" validate:"gte=0"`
	SlippageBps     float64       `mapstructure:"slippage_bps" validate:"gte=0"`
	CommissionRate  float64       `mapstructure:"commission_rate" validate:"gte=0,lt=1"`
	FixedCommission float64       `mapstructure:"fixed_commission" validate:"gte=0"`
	MaxFillQuantity float64       `mapstructure:"max_fill_quantity" validate:"gte=0"` // 0 fills in full
	FillDelay       time.Duration `mapstructure:"fill_delay"`
	FillBuffer      int           `mapstructure:"fill_buffer" validate:"gte=1"`
}

// DefaultPaperConfig returns sensible defaults
func DefaultPaperConfig() *PaperConfig {
	return &PaperConfig{
		InitialCash:    100000,
		SlippageBps:    5,
		CommissionRate: 0.001, // 0.1%
		FillBuffer:     4096,
	}
}

// PaperVenue simulates a broker: market orders fill against the last price
// with bps slippage, limit orders fill at their limit once the market crosses,
// stop orders arm when touched and then fill as market.
type PaperVenue struct {
	logger *zap.Logger
	config *PaperConfig
	costs  CostModel
	orders *OrderManager

	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	positions map[string]*types.Position
	cash      decimal.Decimal
	fees      decimal.Decimal
	delayed   map[string]*time.Timer
	closed    bool

	// fills overflow into backlog in order when the channel is full; pump
	// moves them across as the consumer catches up.
	fills   chan types.Fill
	backlog []types.Fill
	pumping bool
	wake    chan struct{}
	done    chan struct{}
}

// NewPaperVenue creates a simulated venue.
func NewPaperVenue(logger *zap.Logger, config *PaperConfig) *PaperVenue {
	if config == nil {
		config = DefaultPaperConfig()
	}
	buffer := config.FillBuffer
	if buffer <= 0 {
		buffer = 4096
	}
	v := &PaperVenue{
		logger: logger.Named("paper-venue"),
		config: config,
		costs: CostModel{
			SlippageBps:     decimal.NewFromFloat(config.SlippageBps),
			CommissionRate:  decimal.NewFromFloat(config.CommissionRate),
			FixedCommission: decimal.NewFromFloat(config.FixedCommission),
		},
		orders:    NewOrderManager(logger),
		prices:    make(map[string]decimal.Decimal),
		positions: make(map[string]*types.Position),
		cash:      decimal.NewFromFloat(config.InitialCash),
		delayed:   make(map[string]*time.Timer),
		fills:     make(chan types.Fill, buffer),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go v.pump()
	return v
}

// Fills returns the execution notification channel.
func (v *PaperVenue) Fills() <-chan types.Fill {
	return v.fills
}

// UpdatePrice sets the market price and re-matches resting orders.
func (v *PaperVenue) UpdatePrice(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.prices[symbol] = price
	if p, ok := v.positions[symbol]; ok {
		p.CurrentPrice = price
	}
	if v.closed {
		return
	}
	for _, o := range v.orders.OpenOrders(symbol) {
		if _, waiting := v.delayed[o.ID]; waiting {
			continue
		}
		v.match(o.ID)
	}
}

func validateOrder(o *types.Order) error {
	switch {
	case o.Symbol == "":
		return errors.New("symbol is required")
	case o.Side != types.OrderSideBuy && o.Side != types.OrderSideSell:
		return fmt.Errorf("invalid side %q", o.Side)
	case !o.Quantity.IsPositive():
		return fmt.Errorf("quantity must be positive, got %s", o.Quantity)
	case o.Type == types.OrderTypeLimit && !o.Price.IsPositive():
		return errors.New("limit order requires a positive price")
	case o.Type == types.OrderTypeStop && !o.StopPrice.IsPositive():
		return errors.New("stop order requires a positive stop price")
	case o.Type != types.OrderTypeMarket && o.Type != types.OrderTypeLimit && o.Type != types.OrderTypeStop:
		return fmt.Errorf("unsupported order type %q", o.Type)
	}
	return nil
}

// SubmitOrder accepts an order. Invalid orders are tracked as rejected and
// returned along with ErrOrderRejected.
func (v *PaperVenue) SubmitOrder(ctx context.Context, order *types.Order) (*types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o := order.Clone()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now()
	o.Status = types.OrderStatusPending
	o.CreatedAt = now
	o.UpdatedAt = now
	o.FilledQty = decimal.Zero
	o.AvgFillPrice = decimal.Zero
	o.Fills = nil

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrVenueClosed
	}

	v.orders.Track(o)
	if err := validateOrder(o); err != nil {
		_ = v.orders.SetStatus(o.ID, types.OrderStatusRejected, err.Error())
		rejected, _ := v.orders.GetOrder(o.ID)
		return rejected, fmt.Errorf("%w: %v", ErrOrderRejected, err)
	}

	if v.config.FillDelay > 0 {
		id := o.ID
		v.delayed[id] = time.AfterFunc(v.config.FillDelay, func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			delete(v.delayed, id)
			if !v.closed {
				v.match(id)
			}
		})
	} else {
		v.match(o.ID)
	}
	return v.orders.GetOrder(o.ID)
}

// match tries to execute an open order against the current price. Callers
// hold v.mu.
func (v *PaperVenue) match(orderID string) {
	o, err := v.orders.GetOrder(orderID)
	if err != nil || o.Status.IsTerminal() {
		return
	}
	price, ok := v.prices[o.Symbol]
	if !ok || !price.IsPositive() {
		return
	}

	var fillPrice, slippage decimal.Decimal
	switch o.Type {
	case types.OrderTypeMarket:
		fillPrice, slippage = v.costs.FillPrice(o.Side, price)
	case types.OrderTypeLimit:
		crossed := (o.Side == types.OrderSideBuy && price.LessThanOrEqual(o.Price)) ||
			(o.Side == types.OrderSideSell && price.GreaterThanOrEqual(o.Price))
		if !crossed {
			return
		}
		fillPrice = o.Price
	case types.OrderTypeStop:
		if !o.Triggered {
			touched := (o.Side == types.OrderSideBuy && price.GreaterThanOrEqual(o.StopPrice)) ||
				(o.Side == types.OrderSideSell && price.LessThanOrEqual(o.StopPrice))
			if !touched {
				return
			}
			_ = v.orders.Update(orderID, func(ord *types.Order) error {
				ord.Triggered = true
				return nil
			})
			v.logger.Info("Stop order triggered", zap.String("orderId", orderID), zap.String("price", price.String()))
		}
		fillPrice, slippage = v.costs.FillPrice(o.Side, price)
	}

	qty := o.RemainingQty()
	if v.config.MaxFillQuantity > 0 {
		if limit := decimal.NewFromFloat(v.config.MaxFillQuantity); qty.GreaterThan(limit) {
			qty = limit
		}
	}

	notional := fillPrice.Mul(qty)
	fill := types.Fill{
		ID:         uuid.NewString(),
		OrderID:    o.ID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Price:      fillPrice,
		Quantity:   qty,
		Commission: v.costs.Commission(notional),
		Slippage:   slippage,
		Timestamp:  time.Now(),
	}
	if err := v.orders.RecordFill(fill); err != nil {
		v.logger.Error("Failed to record fill", zap.String("orderId", o.ID), zap.Error(err))
		return
	}

	v.applyToBook(fill, price)
	v.cash = v.cash.Sub(o.Side.Sign().Mul(notional)).Sub(fill.Commission)
	v.fees = v.fees.Add(fill.Commission)

	v.publish(fill)

	v.logger.Info("Order filled",
		zap.String("orderId", o.ID),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.String("price", fillPrice.String()),
		zap.String("quantity", qty.String()),
		zap.String("commission", fill.Commission.String()),
	)
}

// publish hands a fill to the consumer without blocking and without ever
// discarding it. Callers hold v.mu.
func (v *PaperVenue) publish(fill types.Fill) {
	if len(v.backlog) == 0 && !v.pumping {
		select {
		case v.fills <- fill:
			return
		default:
		}
	}
	v.backlog = append(v.backlog, fill)
	if len(v.backlog) == 1 {
		v.logger.Warn("Fill channel full, queueing fills", zap.String("orderId", fill.OrderID))
	}
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

// pump delivers backlogged fills in order, blocking on the channel outside
// the venue lock.
func (v *PaperVenue) pump() {
	for {
		select {
		case <-v.done:
			return
		case <-v.wake:
		}

		for {
			v.mu.Lock()
			if len(v.backlog) == 0 {
				v.pumping = false
				v.mu.Unlock()
				break
			}
			fill := v.backlog[0]
			v.backlog = v.backlog[1:]
			v.pumping = true
			v.mu.Unlock()

			select {
			case v.fills <- fill:
			case <-v.done:
				return
			}
		}
	}
}

// Backlog returns how many fills are waiting for channel space.
func (v *PaperVenue) Backlog() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := len(v.backlog)
	if v.pumping {
		n++
	}
	return n
}

// applyToBook updates the venue's signed position for a fill.
func (v *PaperVenue) applyToBook(fill types.Fill, mark decimal.Decimal) {
	signed := fill.Side.Sign().Mul(fill.Quantity)
	pos, ok := v.positions[fill.Symbol]
	if !ok {
		v.positions[fill.Symbol] = &types.Position{
			Symbol:       fill.Symbol,
			Quantity:     signed,
			AvgEntry:     fill.Price,
			CurrentPrice: mark,
		}
		return
	}

	next := pos.Quantity.Add(signed)
	switch {
	case pos.Quantity.IsZero() || pos.Quantity.Sign() == signed.Sign():
		cost := pos.AvgEntry.Mul(pos.Quantity.Abs()).Add(fill.Notional())
		pos.AvgEntry = cost.Div(next.Abs())
	case next.IsZero():
		delete(v.positions, fill.Symbol)
		return
	case next.Sign() != pos.Quantity.Sign():
		pos.AvgEntry = fill.Price
	}
	pos.Quantity = next
	pos.CurrentPrice = mark
}

// CancelOrder cancels a non-terminal order.
func (v *PaperVenue) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.orders.SetStatus(orderID, types.OrderStatusCancelled, "cancelled"); err != nil {
		return err
	}
	if t, ok := v.delayed[orderID]; ok {
		t.Stop()
		delete(v.delayed, orderID)
	}
	return nil
}

// ModifyOrder changes the quantity and limit or stop price of an open order.
// A zero value leaves that field unchanged.
func (v *PaperVenue) ModifyOrder(ctx context.Context, orderID string, quantity, price decimal.Decimal) (*types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	err := v.orders.Update(orderID, func(o *types.Order) error {
		if o.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrOrderTerminal, orderID, o.Status)
		}
		if !quantity.IsZero() {
			if !quantity.GreaterThan(o.FilledQty) {
				return fmt.Errorf("new quantity %s must exceed filled %s", quantity, o.FilledQty)
			}
			o.Quantity = quantity
		}
		if !price.IsZero() {
			switch o.Type {
			case types.OrderTypeLimit:
				o.Price = price
			case types.OrderTypeStop:
				o.StopPrice = price
			default:
				return errors.New("market orders have no price to modify")
			}
		}
		o.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, waiting := v.delayed[orderID]; !waiting {
		v.match(orderID)
	}
	return v.orders.GetOrder(orderID)
}

// GetOrder returns a copy of an order.
func (v *PaperVenue) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.orders.GetOrder(orderID)
}

// GetPositions returns venue positions sorted by symbol.
func (v *PaperVenue) GetPositions(ctx context.Context) ([]types.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]types.Position, 0, len(v.positions))
	for _, p := range v.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetAccountBalance returns cash and marked-to-market equity.
func (v *PaperVenue) GetAccountBalance(ctx context.Context) (types.AccountBalance, error) {
	if err := ctx.Err(); err != nil {
		return types.AccountBalance{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	equity := v.cash
	for sym, p := range v.positions {
		mark := v.prices[sym]
		if mark.IsZero() {
			mark = p.AvgEntry
		}
		equity = equity.Add(p.Quantity.Mul(mark))
	}
	return types.AccountBalance{
		Cash:            v.cash,
		Equity:          equity,
		TotalCommission: v.fees,
		UpdatedAt:       time.Now(),
	}, nil
}

// Reconcile compares engine positions with the venue book.
func (v *PaperVenue) Reconcile(ctx context.Context, engine []types.Position) (ReconciliationReport, error) {
	venue, err := v.GetPositions(ctx)
	if err != nil {
		return ReconciliationReport{}, err
	}
	return ReconcilePositions(engine, venue, DefaultTolerance()), nil
}

// OrderStats returns statistics over every order seen.
func (v *PaperVenue) OrderStats() OrderStats {
	return v.orders.Stats()
}

// Close stops pending timers and the fill pump. Later submissions fail with
// ErrVenueClosed. Fills still backlogged stay readable through GetOrder.
func (v *PaperVenue) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}
	v.closed = true
	close(v.done)
	for id, t := range v.delayed {
		t.Stop()
		delete(v.delayed, id)
	}
	if n := len(v.backlog); n > 0 {
		v.logger.Warn("Venue closed with undelivered fills", zap.Int("count", n))
	}
}
