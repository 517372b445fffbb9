package data

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"go.uber.org/zap"
)

// IssueSeverity grades a data problem.
type IssueSeverity string

const (
	IssueCritical IssueSeverity = "critical"
	IssueHigh     IssueSeverity = "high"
	IssueMedium   IssueSeverity = "medium"
	IssueLow      IssueSeverity = "low"
)

// DataIssue represents a data quality problem
type DataIssue struct {
	Type     string        `json:"type"`
	Severity IssueSeverity `json:"severity"`
	Symbol   string        `json:"symbol"`
	Message  string        `json:"message"`
	BarIndex int           `json:"bar_index"`
}

// QualityReport summarizes data quality assessment
type QualityReport struct {
	Symbol       string      `json:"symbol"`
	TotalBars    int         `json:"total_bars"`
	Issues       []DataIssue `json:"issues"`
	QualityScore int         `json:"quality_score"` // 0-100
	IsUsable     bool        `json:"is_usable"`
}

// QualityValidator screens bars before they reach the classifiers.
type QualityValidator struct {
	logger *zap.Logger

	MaxIntradayMove float64 // fraction, e.g. 0.30
	MaxGapMove      float64 // fraction between consecutive bars
}

// NewQualityValidator creates a validator with crypto-style limits.
func NewQualityValidator(logger *zap.Logger) *QualityValidator {
	return &QualityValidator{
		logger:          logger,
		MaxIntradayMove: 0.30,
		MaxGapMove:      0.20,
	}
}

// Validate runs every check. An empty slice is usable: it simply holds no history.
func (v *QualityValidator) Validate(bars []types.OHLCV, symbol string) *QualityReport {
	issues := make([]DataIssue, 0)
	issues = append(issues, v.checkPrices(bars, symbol)...)
	issues = append(issues, v.checkOHLC(bars, symbol)...)
	issues = append(issues, v.checkOrdering(bars, symbol)...)

	score := v.score(len(bars), issues)
	return &QualityReport{
		Symbol:       symbol,
		TotalBars:    len(bars),
		Issues:       issues,
		QualityScore: score,
		IsUsable:     score >= 70 && !hasCritical(issues),
	}
}

func (v *QualityValidator) checkPrices(bars []types.OHLCV, symbol string) []DataIssue {
	var issues []DataIssue
	for i, bar := range bars {
		if !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			issues = append(issues, DataIssue{
				Type: "NON_POSITIVE_PRICE", Severity: IssueCritical, Symbol: symbol, BarIndex: i,
				Message: fmt.Sprintf("non-positive price (L:%s C:%s)", bar.Low, bar.Close),
			})
			continue
		}

		move := bar.High.Sub(bar.Low).Div(bar.Low).InexactFloat64()
		if move > v.MaxIntradayMove {
			issues = append(issues, DataIssue{
				Type: "EXTREME_MOVE", Severity: IssueHigh, Symbol: symbol, BarIndex: i,
				Message: fmt.Sprintf("intraday range %.2f%%", move*100),
			})
		}

		if i > 0 && bars[i-1].Close.IsPositive() {
			prev := bars[i-1].Close
			gap := bar.Open.Sub(prev).Div(prev).Abs().InexactFloat64()
			if gap > v.MaxGapMove {
				issues = append(issues, DataIssue{
					Type: "GAP_MOVE", Severity: IssueMedium, Symbol: symbol, BarIndex: i,
					Message: fmt.Sprintf("gap %.2f%%", gap*100),
				})
			}
		}
	}
	return issues
}

func (v *QualityValidator) checkOHLC(bars []types.OHLCV, symbol string) []DataIssue {
	var issues []DataIssue
	for i, bar := range bars {
		if bar.High.LessThan(bar.Open) || bar.High.LessThan(bar.Close) || bar.High.LessThan(bar.Low) ||
			bar.Low.GreaterThan(bar.Open) || bar.Low.GreaterThan(bar.Close) {
			issues = append(issues, DataIssue{
				Type: "OHLC_INCONSISTENT", Severity: IssueCritical, Symbol: symbol, BarIndex: i,
				Message: fmt.Sprintf("O:%s H:%s L:%s C:%s", bar.Open, bar.High, bar.Low, bar.Close),
			})
		}
	}
	return issues
}

func (v *QualityValidator) checkOrdering(bars []types.OHLCV, symbol string) []DataIssue {
	var issues []DataIssue
	for i := 1; i < len(bars); i++ {
		switch {
		case bars[i].Timestamp.Equal(bars[i-1].Timestamp):
			issues = append(issues, DataIssue{
				Type: "DUPLICATE_TIMESTAMP", Severity: IssueHigh, Symbol: symbol, BarIndex: i,
				Message: "duplicate timestamp",
			})
		case bars[i].Timestamp.Before(bars[i-1].Timestamp):
			issues = append(issues, DataIssue{
				Type: "OUT_OF_ORDER", Severity: IssueCritical, Symbol: symbol, BarIndex: i,
				Message: "bar is out of chronological order",
			})
		}
	}
	return issues
}

// score returns 100 minus a severity-weighted penalty normalized by data size.
func (v *QualityValidator) score(totalBars int, issues []DataIssue) int {
	if len(issues) == 0 {
		return 100
	}
	penalty := 0.0
	for _, issue := range issues {
		switch issue.Severity {
		case IssueCritical:
			penalty += 10
		case IssueHigh:
			penalty += 5
		case IssueMedium:
			penalty += 2
		case IssueLow:
			penalty += 0.5
		}
	}
	normalized := penalty / math.Max(1, float64(totalBars)/100) * 10
	return int(math.Max(0, 100-math.Min(normalized, 100)))
}

func hasCritical(issues []DataIssue) bool {
	for _, issue := range issues {
		if issue.Severity == IssueCritical {
			return true
		}
	}
	return false
}
