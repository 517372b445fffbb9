package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/sizing"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrExitPending  = errors.New("exit already pending")
	ErrEntryPending = errors.New("entry already pending")
	ErrNoPosition   = errors.New("no open position")
)

// Intent says why an order was routed.
type Intent string

const (
	IntentEntry Intent = "entry"
	IntentExit  Intent = "exit"
)

type routed struct {
	intent Intent
	symbol string
	reason string
	tag    string
	stop   decimal.Decimal
}

// FillUpdate is a venue fill applied to the position book.
type FillUpdate struct {
	Intent Intent         `json:"intent"`
	Reason string         `json:"reason,omitempty"`
	Change PositionChange `json:"change"`
}

// Router turns allocation decisions and exits into venue orders and feeds
// fills back into the position book.
type Router struct {
	logger    *zap.Logger
	venue     Venue
	positions *PositionManager

	mu        sync.Mutex
	pending   map[string]routed              // by order ID
	applied   map[string]map[string]struct{} // order ID -> applied fill IDs
	recovered map[string]struct{}            // fill IDs applied before the channel delivered them
	exiting   map[string]string              // symbol -> order ID
	entries   map[string]string              // symbol -> order ID
}

// NewRouter creates a router over venue and positions.
func NewRouter(logger *zap.Logger, venue Venue, positions *PositionManager) *Router {
	return &Router{
		logger:    logger.Named("router"),
		venue:     venue,
		positions: positions,
		pending:   make(map[string]routed),
		applied:   make(map[string]map[string]struct{}),
		recovered: make(map[string]struct{}),
		exiting:   make(map[string]string),
		entries:   make(map[string]string),
	}
}

// Positions returns the position book fed by this router.
func (r *Router) Positions() *PositionManager {
	return r.positions
}

// SubmitEntry places a market order opening the decided position. tag labels
// the position, typically with the regime at entry. The initial stop is
// applied once the entry fills.
func (r *Router) SubmitEntry(ctx context.Context, d sizing.AllocationDecision, stop decimal.Decimal, tag string) (*types.Order, error) {
	if !d.Quantity.IsPositive() {
		return nil, fmt.Errorf("entry for %s: quantity must be positive", d.Symbol)
	}

	r.mu.Lock()
	if _, ok := r.entries[d.Symbol]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrEntryPending, d.Symbol)
	}
	r.mu.Unlock()

	order := &types.Order{
		Symbol:   d.Symbol,
		Side:     d.Direction.EntrySide(),
		Type:     types.OrderTypeMarket,
		Quantity: d.Quantity,
	}
	return r.submit(ctx, order, routed{intent: IntentEntry, symbol: d.Symbol, reason: d.Justification, tag: tag, stop: stop})
}

// SubmitExit places a market order offsetting the whole open position.
func (r *Router) SubmitExit(ctx context.Context, symbol, reason string) (*types.Order, error) {
	pos, ok := r.positions.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}

	r.mu.Lock()
	if _, ok := r.exiting[symbol]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExitPending, symbol)
	}
	r.mu.Unlock()

	order := &types.Order{
		Symbol:   symbol,
		Side:     pos.Direction.ExitSide(),
		Type:     types.OrderTypeMarket,
		Quantity: pos.Quantity,
	}
	return r.submit(ctx, order, routed{intent: IntentExit, symbol: symbol, reason: reason})
}

func (r *Router) submit(ctx context.Context, order *types.Order, meta routed) (*types.Order, error) {
	placed, err := r.venue.SubmitOrder(ctx, order)
	if err != nil {
		return placed, fmt.Errorf("submit %s %s: %w", meta.intent, order.Symbol, err)
	}

	r.mu.Lock()
	if !placed.Status.IsTerminal() || placed.FilledQty.IsPositive() {
		r.pending[placed.ID] = meta
		if meta.intent == IntentExit {
			r.exiting[meta.symbol] = placed.ID
		} else {
			r.entries[meta.symbol] = placed.ID
		}
	}
	r.mu.Unlock()

	r.logger.Info("Order routed",
		zap.String("orderId", placed.ID),
		zap.String("intent", string(meta.intent)),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("quantity", order.Quantity.String()),
		zap.String("reason", meta.reason))
	return placed, nil
}

// Drain applies every fill currently queued on the venue channel without
// blocking, then recovers fills the channel has not delivered yet by reading
// each routed order back from the venue. A fill is applied exactly once
// whichever path sees it first. Updates are returned in application order;
// the error joins order lookups that failed, whose orders stay pending.
func (r *Router) Drain(ctx context.Context) ([]FillUpdate, error) {
	var updates []FillUpdate
	for done := false; !done; {
		select {
		case <-ctx.Done():
			return updates, ctx.Err()
		case fill := <-r.venue.Fills():
			if u, ok := r.receive(fill); ok {
				updates = append(updates, u)
			}
		default:
			done = true
		}
	}

	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		order, err := r.venue.GetOrder(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", id, err))
			continue
		}
		for _, fill := range order.Fills {
			r.mu.Lock()
			_, seen := r.applied[id][fill.ID]
			if !seen {
				r.recovered[fill.ID] = struct{}{}
			}
			r.mu.Unlock()
			if seen {
				continue
			}
			r.logger.Warn("Recovered undelivered fill", zap.String("orderId", id), zap.String("fillId", fill.ID))
			updates = append(updates, r.apply(fill))
		}
		r.settle(order)
	}
	return updates, errors.Join(errs...)
}

// receive applies a fill from the venue channel unless recovery already did.
func (r *Router) receive(fill types.Fill) (FillUpdate, bool) {
	r.mu.Lock()
	_, dup := r.recovered[fill.ID]
	delete(r.recovered, fill.ID)
	r.mu.Unlock()
	if dup {
		return FillUpdate{}, false
	}
	return r.apply(fill), true
}

func (r *Router) apply(fill types.Fill) FillUpdate {
	r.mu.Lock()
	meta, known := r.pending[fill.OrderID]
	if known {
		if r.applied[fill.OrderID] == nil {
			r.applied[fill.OrderID] = make(map[string]struct{})
		}
		r.applied[fill.OrderID][fill.ID] = struct{}{}
	}
	r.mu.Unlock()

	change := r.positions.ApplyFill(fill, meta.tag)
	if meta.intent == IntentEntry && !meta.stop.IsZero() && change.Position != nil {
		r.positions.UpdateStop(fill.Symbol, meta.stop)
		if p, ok := r.positions.Get(fill.Symbol); ok {
			change.Position = &p
		}
	}

	if !known {
		r.logger.Warn("Fill for unrouted order", zap.String("orderId", fill.OrderID), zap.String("symbol", fill.Symbol))
	}
	return FillUpdate{Intent: meta.intent, Reason: meta.reason, Change: change}
}

// settle stops tracking an order once it is terminal and every fill on it has
// been applied.
func (r *Router) settle(order *types.Order) {
	if !order.Status.IsTerminal() {
		return
	}
	r.mu.Lock()
	meta, ok := r.pending[order.ID]
	complete := len(r.applied[order.ID]) >= len(order.Fills)
	r.mu.Unlock()
	if ok && complete {
		r.forget(order.ID, meta)
	}
}

func (r *Router) forget(orderID string, meta routed) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, orderID)
	delete(r.applied, orderID)
	if r.exiting[meta.symbol] == orderID {
		delete(r.exiting, meta.symbol)
	}
	if r.entries[meta.symbol] == orderID {
		delete(r.entries, meta.symbol)
	}
}

// Pending returns the number of routed orders still tracked.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// HasPendingEntry reports whether an entry order for symbol is still open.
func (r *Router) HasPendingEntry(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[symbol]
	return ok
}

// HasPendingExit reports whether an exit order for symbol is still open.
func (r *Router) HasPendingExit(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.exiting[symbol]
	return ok
}

// CancelStale cancels routed orders still open after maxAge.
func (r *Router) CancelStale(ctx context.Context, maxAge time.Duration) int {
	r.mu.Lock()
	ids := make(map[string]routed, len(r.pending))
	for id, meta := range r.pending {
		ids[id] = meta
	}
	r.mu.Unlock()

	cancelled := 0
	cutoff := time.Now().Add(-maxAge)
	for id, meta := range ids {
		order, err := r.venue.GetOrder(ctx, id)
		if err != nil || order.Status.IsTerminal() || order.CreatedAt.After(cutoff) {
			continue
		}
		if err := r.venue.CancelOrder(ctx, id); err != nil {
			r.logger.Warn("Failed to cancel stale order", zap.String("orderId", id), zap.Error(err))
			continue
		}
		r.forget(id, meta)
		cancelled++
	}
	return cancelled
}
