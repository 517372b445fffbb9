package execution

import (
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/shopspring/decimal"
)

var bpsDivisor = decimal.NewFromInt(10000)

// CostModel prices slippage and commission for simulated fills.
type CostModel struct {
	SlippageBps     decimal.Decimal // applied adverse to the side
	CommissionRate  decimal.Decimal // fraction of notional
	FixedCommission decimal.Decimal // per fill
	MinCommission   decimal.Decimal
}

// FillPrice moves the reference price against the taker: up for buys, down
// for sells. It also returns the per-unit slippage.
func (c CostModel) FillPrice(side types.OrderSide, ref decimal.Decimal) (price, slippage decimal.Decimal) {
	slippage = ref.Mul(c.SlippageBps).Div(bpsDivisor)
	return ref.Add(side.Sign().Mul(slippage)), slippage
}

// Commission returns rate times notional plus the fixed fee, floored at the
// minimum.
func (c CostModel) Commission(notional decimal.Decimal) decimal.Decimal {
	commission := notional.Abs().Mul(c.CommissionRate).Add(c.FixedCommission)
	if commission.LessThan(c.MinCommission) {
		return c.MinCommission
	}
	return commission
}
