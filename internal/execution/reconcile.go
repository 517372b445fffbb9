package execution

import (
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// DiscrepancySeverity grades a reconciliation mismatch.
type DiscrepancySeverity string

const (
	SeverityHigh   DiscrepancySeverity = "high"
	SeverityMedium DiscrepancySeverity = "medium"
	SeverityLow    DiscrepancySeverity = "low"
)

// Discrepancy is one mismatch between engine and venue positions.
type Discrepancy struct {
	Symbol    string              `json:"symbol"`
	Severity  DiscrepancySeverity `json:"severity"`
	EngineQty decimal.Decimal     `json:"engineQty"`
	VenueQty  decimal.Decimal     `json:"venueQty"`
	EngineAvg decimal.Decimal     `json:"engineAvg"`
	VenueAvg  decimal.Decimal     `json:"venueAvg"`
	Message   string              `json:"message"`
}

// ReconciliationReport lists discrepancies found in one pass. Nothing is
// corrected automatically.
type ReconciliationReport struct {
	Discrepancies []Discrepancy `json:"discrepancies"`
	Checked       int           `json:"checked"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Count returns the number of discrepancies with the given severity.
func (r ReconciliationReport) Count(sev DiscrepancySeverity) int {
	n := 0
	for _, d := range r.Discrepancies {
		if d.Severity == sev {
			n++
		}
	}
	return n
}

// Clean reports whether no discrepancies were found.
func (r ReconciliationReport) Clean() bool {
	return len(r.Discrepancies) == 0
}

// Tolerance bounds differences treated as equal.
type Tolerance struct {
	Quantity   decimal.Decimal // absolute
	PriceRatio decimal.Decimal // relative divergence of average entry
}

// DefaultTolerance returns tight defaults.
func DefaultTolerance() Tolerance {
	return Tolerance{
		Quantity:   decimal.NewFromFloat(0.000001),
		PriceRatio: decimal.NewFromFloat(0.001),
	}
}

var highDeltaRatio = decimal.NewFromFloat(0.10)

// ReconcilePositions compares engine-side and venue-side positions. Quantities
// are signed. A position held on one side only is high severity; a quantity
// difference over 10% of the engine quantity is high, any other difference
// beyond tolerance is medium; matching quantities with diverging average
// entry are low.
func ReconcilePositions(engine, venue []types.Position, tol Tolerance) ReconciliationReport {
	byEngine := make(map[string]types.Position, len(engine))
	byVenue := make(map[string]types.Position, len(venue))
	symbols := make(map[string]struct{})
	for _, p := range engine {
		if p.Quantity.Abs().GreaterThan(tol.Quantity) {
			byEngine[p.Symbol] = p
			symbols[p.Symbol] = struct{}{}
		}
	}
	for _, p := range venue {
		if p.Quantity.Abs().GreaterThan(tol.Quantity) {
			byVenue[p.Symbol] = p
			symbols[p.Symbol] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(symbols))
	for s := range symbols {
		sorted = append(sorted, s)
	}
	sort.Strings(sorted)

	report := ReconciliationReport{Checked: len(sorted), Timestamp: time.Now()}
	for _, sym := range sorted {
		e, inEngine := byEngine[sym]
		v, inVenue := byVenue[sym]
		d := Discrepancy{
			Symbol:    sym,
			EngineQty: e.Quantity,
			VenueQty:  v.Quantity,
			EngineAvg: e.AvgEntry,
			VenueAvg:  v.AvgEntry,
		}

		switch {
		case !inVenue:
			d.Severity = SeverityHigh
			d.Message = fmt.Sprintf("engine holds %s, venue holds nothing", e.Quantity)
		case !inEngine:
			d.Severity = SeverityHigh
			d.Message = fmt.Sprintf("venue holds %s, engine holds nothing", v.Quantity)
		default:
			delta := e.Quantity.Sub(v.Quantity).Abs()
			if delta.GreaterThan(tol.Quantity) {
				d.Severity = SeverityMedium
				if delta.GreaterThan(e.Quantity.Abs().Mul(highDeltaRatio)) {
					d.Severity = SeverityHigh
				}
				d.Message = fmt.Sprintf("quantity mismatch: engine %s, venue %s", e.Quantity, v.Quantity)
				break
			}
			if e.AvgEntry.IsPositive() && e.AvgEntry.Sub(v.AvgEntry).Abs().Div(e.AvgEntry).GreaterThan(tol.PriceRatio) {
				d.Severity = SeverityLow
				d.Message = fmt.Sprintf("average entry mismatch: engine %s, venue %s", e.AvgEntry, v.AvgEntry)
				break
			}
			continue
		}
		report.Discrepancies = append(report.Discrepancies, d)
	}
	return report
}
