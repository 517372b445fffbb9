package expectancy

import (
	"math"

	"github.com/atlas-desktop/regime-engine/pkg/utils"
	"github.com/shopspring/decimal"
)

// TradeStatistics summarizes a set of closed trades.
type TradeStatistics struct {
	TotalTrades    int             `json:"totalTrades"`
	WinningTrades  int             `json:"winningTrades"`
	LosingTrades   int             `json:"losingTrades"`
	WinRate        float64         `json:"winRate"`
	LossRate       float64         `json:"lossRate"`
	AvgWin         decimal.Decimal `json:"avgWin"`
	AvgLoss        decimal.Decimal `json:"avgLoss"` // magnitude
	Expectancy     decimal.Decimal `json:"expectancy"`
	NetProfit      decimal.Decimal `json:"netProfit"`
	ProfitFactor   float64         `json:"profitFactor"`
	SharpeRatio    float64         `json:"sharpeRatio"`
	MaxDrawdown    decimal.Decimal `json:"maxDrawdown"`
	RecoveryFactor float64         `json:"recoveryFactor"`
	KellyFraction  float64         `json:"kellyFraction"`
}

// ComputeStatistics derives trade statistics. Scratch trades count toward the
// total but are neither wins nor losses.
func ComputeStatistics(trades []TradeRecord) TradeStatistics {
	stats := TradeStatistics{TotalTrades: len(trades)}
	if len(trades) == 0 {
		return stats
	}

	var totalWins, totalLosses decimal.Decimal
	returns := make([]float64, 0, len(trades))
	for _, tr := range trades {
		switch {
		case tr.PnL.IsPositive():
			stats.WinningTrades++
			totalWins = totalWins.Add(tr.PnL)
		case tr.PnL.IsNegative():
			stats.LosingTrades++
			totalLosses = totalLosses.Add(tr.PnL.Abs())
		}
		returns = append(returns, tr.ReturnPct)
	}

	n := float64(stats.TotalTrades)
	stats.WinRate = float64(stats.WinningTrades) / n
	stats.LossRate = float64(stats.LosingTrades) / n

	if stats.WinningTrades > 0 {
		stats.AvgWin = totalWins.Div(decimal.NewFromInt(int64(stats.WinningTrades)))
	}
	if stats.LosingTrades > 0 {
		stats.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(stats.LosingTrades)))
	}
	if !totalLosses.IsZero() {
		stats.ProfitFactor = totalWins.Div(totalLosses).InexactFloat64()
	}

	// Expectancy: (Win% * AvgWin) - (Loss% * AvgLoss)
	stats.Expectancy = decimal.NewFromFloat(stats.WinRate).Mul(stats.AvgWin).
		Sub(decimal.NewFromFloat(stats.LossRate).Mul(stats.AvgLoss))

	if sd := utils.StdDev(returns); sd > 0 {
		stats.SharpeRatio = utils.Mean(returns) / sd
	}

	stats.NetProfit = totalWins.Sub(totalLosses)
	stats.MaxDrawdown = maxDrawdown(trades)
	if stats.MaxDrawdown.IsPositive() {
		stats.RecoveryFactor = stats.NetProfit.Div(stats.MaxDrawdown).InexactFloat64()
	}

	stats.KellyFraction = kelly(stats)
	return stats
}

// maxDrawdown is the largest peak-to-trough fall of cumulative P&L, starting
// from a zero baseline.
func maxDrawdown(trades []TradeRecord) decimal.Decimal {
	var cum, peak, maxDD decimal.Decimal
	for _, tr := range trades {
		cum = cum.Add(tr.PnL)
		if cum.GreaterThan(peak) {
			peak = cum
		}
		if dd := peak.Sub(cum); dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD
}

// kelly returns W - (1-W)/R clamped to [0,1], where R is the win/loss ratio.
func kelly(s TradeStatistics) float64 {
	if s.WinningTrades == 0 {
		return 0
	}
	if !s.AvgLoss.IsPositive() {
		return 1
	}
	r := s.AvgWin.Div(s.AvgLoss).InexactFloat64()
	if r <= 0 {
		return 0
	}
	return math.Max(0, math.Min(1, s.WinRate-(1-s.WinRate)/r))
}
