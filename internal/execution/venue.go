package execution

import (
	"context"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Venue is where orders are executed. Implementations report executions on
// the Fills channel; callers must drain it.
type Venue interface {
	SubmitOrder(ctx context.Context, order *types.Order) (*types.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	ModifyOrder(ctx context.Context, orderID string, quantity, price decimal.Decimal) (*types.Order, error)
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)
	GetPositions(ctx context.Context) ([]types.Position, error)
	GetAccountBalance(ctx context.Context) (types.AccountBalance, error)
	Reconcile(ctx context.Context, engine []types.Position) (ReconciliationReport, error)
	Fills() <-chan types.Fill
}
