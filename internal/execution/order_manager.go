// Package execution provides order lifecycle, venues, position tracking and
// reconciliation.
package execution

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderTerminal     = errors.New("order is in a terminal state")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrOrderRejected     = errors.New("order rejected")
	ErrOverfill          = errors.New("fill exceeds remaining quantity")
)

// transitions lists the allowed next states for each order status.
var transitions = map[types.OrderStatus][]types.OrderStatus{
	types.OrderStatusPending: {
		types.OrderStatusPartiallyFilled,
		types.OrderStatusFilled,
		types.OrderStatusCancelled,
		types.OrderStatusRejected,
	},
	types.OrderStatusPartiallyFilled: {
		types.OrderStatusPartiallyFilled,
		types.OrderStatusFilled,
		types.OrderStatusCancelled,
	},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to types.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves order to status, enforcing the lifecycle.
func Transition(order *types.Order, to types.OrderStatus, at time.Time) error {
	if order.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrOrderTerminal, order.ID, order.Status)
	}
	if !CanTransition(order.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, to)
	}
	order.Status = to
	order.UpdatedAt = at
	return nil
}

// ApplyFill records a fill on order, updating the average price, commission
// and status.
func ApplyFill(order *types.Order, fill types.Fill) error {
	if fill.Quantity.GreaterThan(order.RemainingQty()) {
		return fmt.Errorf("%w: %s fill %s, remaining %s", ErrOverfill, order.ID, fill.Quantity, order.RemainingQty())
	}

	next := types.OrderStatusPartiallyFilled
	if order.FilledQty.Add(fill.Quantity).Equal(order.Quantity) {
		next = types.OrderStatusFilled
	}
	if err := Transition(order, next, fill.Timestamp); err != nil {
		return err
	}

	notional := order.AvgFillPrice.Mul(order.FilledQty).Add(fill.Notional())
	order.FilledQty = order.FilledQty.Add(fill.Quantity)
	order.AvgFillPrice = notional.Div(order.FilledQty)
	order.Commission = order.Commission.Add(fill.Commission)
	order.Fills = append(order.Fills, fill)
	if next == types.OrderStatusFilled {
		t := fill.Timestamp
		order.FilledAt = &t
	}
	return nil
}

// OrderManager tracks orders and enforces their lifecycle.
type OrderManager struct {
	logger *zap.Logger
	orders map[string]*types.Order
	mu     sync.RWMutex
}

// NewOrderManager creates a new order manager.
func NewOrderManager(logger *zap.Logger) *OrderManager {
	return &OrderManager{
		logger: logger.Named("order-manager"),
		orders: make(map[string]*types.Order),
	}
}

// Track starts tracking an order.
func (om *OrderManager) Track(order *types.Order) {
	om.mu.Lock()
	defer om.mu.Unlock()

	om.orders[order.ID] = order
	om.logger.Info("Tracking order",
		zap.String("orderId", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("type", string(order.Type)),
		zap.String("quantity", order.Quantity.String()))
}

// Update applies fn to a tracked order under the manager lock.
func (om *OrderManager) Update(orderID string, fn func(*types.Order) error) error {
	om.mu.Lock()
	defer om.mu.Unlock()

	order, ok := om.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return fn(order)
}

// SetStatus transitions a tracked order.
func (om *OrderManager) SetStatus(orderID string, status types.OrderStatus, reason string) error {
	return om.Update(orderID, func(o *types.Order) error {
		if err := Transition(o, status, time.Now()); err != nil {
			return err
		}
		if status == types.OrderStatusRejected {
			o.RejectReason = reason
		}
		om.logger.Info("Order status changed",
			zap.String("orderId", orderID),
			zap.String("status", string(status)),
			zap.String("reason", reason))
		return nil
	})
}

// RecordFill applies a fill to a tracked order.
func (om *OrderManager) RecordFill(fill types.Fill) error {
	return om.Update(fill.OrderID, func(o *types.Order) error {
		return ApplyFill(o, fill)
	})
}

// GetOrder returns a copy of a tracked order.
func (om *OrderManager) GetOrder(orderID string) (*types.Order, error) {
	om.mu.RLock()
	defer om.mu.RUnlock()

	order, ok := om.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return order.Clone(), nil
}

// OpenOrders returns copies of non-terminal orders, oldest first. An empty
// symbol matches all.
func (om *OrderManager) OpenOrders(symbol string) []*types.Order {
	om.mu.RLock()
	defer om.mu.RUnlock()

	var open []*types.Order
	for _, o := range om.orders {
		if o.Status.IsTerminal() || (symbol != "" && o.Symbol != symbol) {
			continue
		}
		open = append(open, o.Clone())
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].CreatedAt.Equal(open[j].CreatedAt) {
			return open[i].ID < open[j].ID
		}
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})
	return open
}

// CleanupOldOrders removes terminal orders last updated before maxAge ago.
func (om *OrderManager) CleanupOldOrders(maxAge time.Duration) int {
	om.mu.Lock()
	defer om.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, o := range om.orders {
		if o.Status.IsTerminal() && o.UpdatedAt.Before(cutoff) {
			delete(om.orders, id)
			removed++
		}
	}
	return removed
}

// OrderStats contains order statistics.
type OrderStats struct {
	TotalOrders     int             `json:"totalOrders"`
	OpenOrders      int             `json:"openOrders"`
	FilledOrders    int             `json:"filledOrders"`
	CancelledOrders int             `json:"cancelledOrders"`
	RejectedOrders  int             `json:"rejectedOrders"`
	TotalVolume     decimal.Decimal `json:"totalVolume"`
	TotalCommission decimal.Decimal `json:"totalCommission"`
}

// Stats returns order statistics.
func (om *OrderManager) Stats() OrderStats {
	om.mu.RLock()
	defer om.mu.RUnlock()

	stats := OrderStats{TotalOrders: len(om.orders)}
	for _, o := range om.orders {
		switch o.Status {
		case types.OrderStatusPending, types.OrderStatusPartiallyFilled:
			stats.OpenOrders++
		case types.OrderStatusFilled:
			stats.FilledOrders++
		case types.OrderStatusCancelled:
			stats.CancelledOrders++
		case types.OrderStatusRejected:
			stats.RejectedOrders++
		}
		stats.TotalVolume = stats.TotalVolume.Add(o.FilledQty.Mul(o.AvgFillPrice))
		stats.TotalCommission = stats.TotalCommission.Add(o.Commission)
	}
	return stats
}
