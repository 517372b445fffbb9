package expectancy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/pkg/utils"
	"github.com/shopspring/decimal"
)

// PerformanceReport summarizes closed trades overall and broken down by the
// regime they were opened in, by symbol and by exit reason.
type PerformanceReport struct {
	Overall        TradeStatistics                       `json:"overall"`
	SortinoRatio   float64                               `json:"sortinoRatio"`
	LargestWin     decimal.Decimal                       `json:"largestWin"`
	LargestLoss    decimal.Decimal                       `json:"largestLoss"` // magnitude
	TotalFees      decimal.Decimal                       `json:"totalFees"`
	AvgHoldingTime time.Duration                         `json:"avgHoldingTime"`
	ByRegime       map[regime.RegimeType]TradeStatistics `json:"byRegime"`
	BySymbol       map[string]TradeStatistics            `json:"bySymbol"`
	ExitReasons    map[string]int                        `json:"exitReasons"`
	From           time.Time                             `json:"from,omitempty"`
	To             time.Time                             `json:"to,omitempty"`
}

// BuildPerformance computes a report from trades in close order.
func BuildPerformance(trades []TradeRecord) PerformanceReport {
	report := PerformanceReport{
		Overall:     ComputeStatistics(trades),
		ByRegime:    make(map[regime.RegimeType]TradeStatistics),
		BySymbol:    make(map[string]TradeStatistics),
		ExitReasons: make(map[string]int),
	}
	if len(trades) == 0 {
		return report
	}

	byRegime := make(map[regime.RegimeType][]TradeRecord)
	bySymbol := make(map[string][]TradeRecord)
	returns := make([]float64, 0, len(trades))
	var holding time.Duration

	for _, tr := range trades {
		byRegime[tr.Regime] = append(byRegime[tr.Regime], tr)
		bySymbol[tr.Symbol] = append(bySymbol[tr.Symbol], tr)
		reason := tr.ExitReason
		if reason == "" {
			reason = "unspecified"
		}
		report.ExitReasons[reason]++

		if tr.PnL.GreaterThan(report.LargestWin) {
			report.LargestWin = tr.PnL
		}
		if tr.PnL.IsNegative() && tr.PnL.Abs().GreaterThan(report.LargestLoss) {
			report.LargestLoss = tr.PnL.Abs()
		}
		report.TotalFees = report.TotalFees.Add(tr.Commission)
		if !tr.OpenedAt.IsZero() && tr.ClosedAt.After(tr.OpenedAt) {
			holding += tr.ClosedAt.Sub(tr.OpenedAt)
		}
		returns = append(returns, tr.ReturnPct)

		if report.From.IsZero() || tr.ClosedAt.Before(report.From) {
			report.From = tr.ClosedAt
		}
		if tr.ClosedAt.After(report.To) {
			report.To = tr.ClosedAt
		}
	}

	for r, group := range byRegime {
		report.ByRegime[r] = ComputeStatistics(group)
	}
	for sym, group := range bySymbol {
		report.BySymbol[sym] = ComputeStatistics(group)
	}
	report.AvgHoldingTime = holding / time.Duration(len(trades))
	if dd := downsideDeviation(returns); dd > 0 {
		report.SortinoRatio = utils.Mean(returns) / dd
	}
	return report
}

// downsideDeviation is the root mean square of negative returns over every
// observation, so a history with no losses has zero downside.
func downsideDeviation(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		if r < 0 {
			sum += r * r
		}
	}
	return math.Sqrt(sum / float64(len(returns)))
}

// Performance reports on the whole trade history.
func (e *Estimator) Performance(ctx context.Context) (PerformanceReport, error) {
	trades, err := e.store.List(ctx)
	if err != nil {
		return PerformanceReport{}, fmt.Errorf("list trades: %w", err)
	}
	return BuildPerformance(trades), nil
}
