// Package sizing allocates capital and risk across ranked opportunities.
// Position size is driven by risk budget and stop distance, bounded by
// per-trade, portfolio, capital, Kelly, sector and correlation limits.
package sizing

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/scoring"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/atlas-desktop/regime-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Limits on the configurable risk fractions.
const (
	MaxRiskPerTradeCeiling = 0.05
	MaxTotalRiskCeiling    = 0.20
)

// RejectionCode identifies why an opportunity was not allocated.
type RejectionCode string

const (
	CodeBelowMinScore  RejectionCode = "below_min_score"
	CodeNoSignal       RejectionCode = "no_signal"
	CodeDuplicate      RejectionCode = "duplicate_position"
	CodeMaxPositions   RejectionCode = "max_positions"
	CodeMissingData    RejectionCode = "missing_data"
	CodeCorrelation    RejectionCode = "correlation_limit"
	CodeRiskExhausted  RejectionCode = "risk_budget_exhausted"
	CodeLotExceedsRisk RejectionCode = "lot_exceeds_risk"
	CodeNoCapital      RejectionCode = "capital_exhausted"
	CodeSectorLimit    RejectionCode = "sector_limit"
	CodeBelowMinValue  RejectionCode = "below_min_position_value"
)

// AllocationDecision is an approved position.
type AllocationDecision struct {
	Symbol        string             `json:"symbol"`
	Direction     types.PositionSide `json:"direction"`
	Price         decimal.Decimal    `json:"price"`
	StopDistance  decimal.Decimal    `json:"stopDistance"`
	Quantity      decimal.Decimal    `json:"quantity"`
	Capital       decimal.Decimal    `json:"capital"`
	RiskAmount    decimal.Decimal    `json:"riskAmount"`
	Score         float64            `json:"score"`
	Priority      int                `json:"priority"`
	Justification string             `json:"justification"`
	Adjustments   []string           `json:"adjustments,omitempty"`
}

// Rejection explains why an opportunity was skipped.
type Rejection struct {
	Symbol string        `json:"symbol"`
	Score  float64       `json:"score"`
	Code   RejectionCode `json:"code"`
	Reason string        `json:"reason"`
}

// AllocationResult is the outcome of one allocation pass.
type AllocationResult struct {
	Decisions    []AllocationDecision `json:"decisions"`
	Rejected     []Rejection          `json:"rejected"`
	TotalCapital decimal.Decimal      `json:"totalCapital"` // allocated in this pass
	TotalRisk    decimal.Decimal      `json:"totalRisk"`    // allocated in this pass
	RiskInUse    decimal.Decimal      `json:"riskInUse"`    // including existing positions
	CapitalInUse decimal.Decimal      `json:"capitalInUse"` // including existing positions
	RiskBudget   decimal.Decimal      `json:"riskBudget"`
	Timestamp    time.Time            `json:"timestamp"`
}

// MarketInput is the per-instrument data needed to size a position.
type MarketInput struct {
	Price         decimal.Decimal
	StopDistance  decimal.Decimal // per unit
	KellyFraction float64         // 0 when unknown
}

// Exposure describes an already open position.
type Exposure struct {
	Capital decimal.Decimal
	Risk    decimal.Decimal
}

// AllocationRequest carries ranked scores and current book state.
type AllocationRequest struct {
	Scores    []scoring.CompositeScore
	Inputs    map[string]MarketInput
	Positions map[string]Exposure
	Now       time.Time
}

// Config configures allocation.
type Config struct {
	TotalCapital      float64             `mapstructure:"total_capital" validate:"gt=0"`
	MaxRiskPerTrade   float64             `mapstructure:"max_risk_per_trade" validate:"gt=0,lte=0.05"`
	MaxTotalRisk      float64             `mapstructure:"max_total_risk" validate:"gt=0,lte=0.2"`
	MaxPositions      int                 `mapstructure:"max_positions" validate:"gte=1"`
	MinScore          float64             `mapstructure:"min_score" validate:"gte=0,lte=1"`
	QuantityStep      float64             `mapstructure:"quantity_step" validate:"gte=0"`
	MinPositionValue  float64             `mapstructure:"min_position_value" validate:"gte=0"`
	UseKelly          bool                `mapstructure:"use_kelly"`
	KellyMultiplier   float64             `mapstructure:"kelly_multiplier" validate:"gte=0,lte=1"`
	MaxSectorShare    float64             `mapstructure:"max_sector_share" validate:"gte=0,lte=1"`
	Sectors           map[string]string   `mapstructure:"sectors"`
	CorrelationGroups map[string][]string `mapstructure:"correlation_groups"`
	MaxCorrelated     int                 `mapstructure:"max_correlated" validate:"gte=0"`
}

// DefaultConfig returns conservative defaults
func DefaultConfig() *Config {
	return &Config{
		TotalCapital:     100000,
		MaxRiskPerTrade:  0.01, // 1% per trade
		MaxTotalRisk:     0.06, // 6% across the book
		MaxPositions:     10,
		MinScore:         0.5,
		QuantityStep:     0.001,
		MinPositionValue: 100,
		UseKelly:         true,
		KellyMultiplier:  0.25, // quarter Kelly
		MaxSectorShare:   0.4,
		MaxCorrelated:    2,
	}
}

// Validate checks ceilings and cross-field ordering.
func (c *Config) Validate() error {
	var errs []error
	if c.TotalCapital <= 0 {
		errs = append(errs, errors.New("total capital must be positive"))
	}
	if c.MaxRiskPerTrade <= 0 || c.MaxRiskPerTrade > MaxRiskPerTradeCeiling {
		errs = append(errs, fmt.Errorf("max risk per trade %.4f outside (0, %.2f]", c.MaxRiskPerTrade, MaxRiskPerTradeCeiling))
	}
	if c.MaxTotalRisk <= 0 || c.MaxTotalRisk > MaxTotalRiskCeiling {
		errs = append(errs, fmt.Errorf("max total risk %.4f outside (0, %.2f]", c.MaxTotalRisk, MaxTotalRiskCeiling))
	}
	if c.MaxRiskPerTrade > c.MaxTotalRisk {
		errs = append(errs, fmt.Errorf("max risk per trade %.4f exceeds max total risk %.4f", c.MaxRiskPerTrade, c.MaxTotalRisk))
	}
	if c.MaxPositions < 1 {
		errs = append(errs, errors.New("max positions must be at least 1"))
	}
	if c.MinScore < 0 || c.MinScore > 1 {
		errs = append(errs, fmt.Errorf("min score %.2f outside [0,1]", c.MinScore))
	}
	if c.QuantityStep < 0 || c.MinPositionValue < 0 {
		errs = append(errs, errors.New("quantity step and min position value must be non-negative"))
	}
	return errors.Join(errs...)
}

// Allocator turns ranked scores into sized positions.
type Allocator struct {
	logger *zap.Logger
	config *Config

	mu   sync.RWMutex
	last *AllocationResult
}

// NewAllocator creates an allocator, rejecting invalid configuration.
func NewAllocator(logger *zap.Logger, config *Config) (*Allocator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid allocation config: %w", err)
	}
	return &Allocator{logger: logger.Named("allocator"), config: config}, nil
}

// Config returns the active configuration.
func (a *Allocator) Config() *Config {
	return a.config
}

// LastResult returns the most recent allocation, or nil.
func (a *Allocator) LastResult() *AllocationResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return nil
	}
	cp := *a.last
	cp.Decisions = append([]AllocationDecision(nil), a.last.Decisions...)
	cp.Rejected = append([]Rejection(nil), a.last.Rejected...)
	return &cp
}

// book tracks running totals during one pass.
type book struct {
	capitalUsed decimal.Decimal
	riskUsed    decimal.Decimal
	positions   map[string]bool
	sectorUsed  map[string]decimal.Decimal
	groupCount  map[string]int
}

// Allocate walks scores in rank order and approves or rejects each. The sum of
// risk across existing and approved positions never exceeds MaxTotalRisk of
// TotalCapital.
func (a *Allocator) Allocate(req AllocationRequest) AllocationResult {
	cfg := a.config
	total := decimal.NewFromFloat(cfg.TotalCapital)
	riskBudget := total.Mul(decimal.NewFromFloat(cfg.MaxTotalRisk))
	perTradeCap := total.Mul(decimal.NewFromFloat(cfg.MaxRiskPerTrade))
	step := decimal.NewFromFloat(cfg.QuantityStep)
	minValue := decimal.NewFromFloat(cfg.MinPositionValue)

	b := &book{
		positions:  make(map[string]bool),
		sectorUsed: make(map[string]decimal.Decimal),
		groupCount: make(map[string]int),
	}
	for sym, exp := range req.Positions {
		b.positions[sym] = true
		b.capitalUsed = b.capitalUsed.Add(exp.Capital)
		b.riskUsed = b.riskUsed.Add(exp.Risk)
		if sector, ok := cfg.Sectors[sym]; ok {
			b.sectorUsed[sector] = b.sectorUsed[sector].Add(exp.Capital)
		}
		for _, g := range a.groupsOf(sym) {
			b.groupCount[g]++
		}
	}

	result := AllocationResult{
		RiskBudget: riskBudget,
		Timestamp:  req.Now,
	}
	reject := func(s scoring.CompositeScore, code RejectionCode, format string, args ...any) {
		result.Rejected = append(result.Rejected, Rejection{
			Symbol: s.Symbol,
			Score:  s.Total,
			Code:   code,
			Reason: fmt.Sprintf(format, args...),
		})
	}

	for _, s := range req.Scores {
		if s.Total < cfg.MinScore {
			reject(s, CodeBelowMinScore, "score %.3f below minimum %.3f", s.Total, cfg.MinScore)
			continue
		}
		if s.Direction == "" {
			reject(s, CodeNoSignal, "no entry signal")
			continue
		}
		if b.positions[s.Symbol] {
			reject(s, CodeDuplicate, "position in %s already open", s.Symbol)
			continue
		}
		if len(b.positions) >= cfg.MaxPositions {
			reject(s, CodeMaxPositions, "max positions %d reached", cfg.MaxPositions)
			continue
		}
		in, ok := req.Inputs[s.Symbol]
		if !ok || !in.Price.IsPositive() || !in.StopDistance.IsPositive() {
			reject(s, CodeMissingData, "no price or stop distance for %s", s.Symbol)
			continue
		}
		if g, full := a.groupFull(s.Symbol, b); full {
			reject(s, CodeCorrelation, "correlation group %s already holds %d positions", g, cfg.MaxCorrelated)
			continue
		}

		remainingRisk := riskBudget.Sub(b.riskUsed)
		if !remainingRisk.IsPositive() {
			reject(s, CodeRiskExhausted, "risk budget %s exhausted", riskBudget.StringFixed(2))
			continue
		}

		ceiling := utils.MinDecimal(perTradeCap, remainingRisk)
		scale := decimal.NewFromFloat(0.8 + 0.4*utils.Clamp(s.Total, 0, 1))
		budget := utils.ClampDecimal(ceiling.Mul(scale), decimal.Zero, ceiling)

		var adjustments []string
		qty := utils.RoundToStepSize(budget.Div(in.StopDistance), step)
		if !qty.IsPositive() {
			if step.Mul(in.StopDistance).GreaterThan(perTradeCap) {
				reject(s, CodeLotExceedsRisk, "smallest lot risks %s, above per-trade cap %s",
					step.Mul(in.StopDistance).StringFixed(2), perTradeCap.StringFixed(2))
			} else {
				reject(s, CodeRiskExhausted, "remaining risk %s too small for one lot", remainingRisk.StringFixed(2))
			}
			continue
		}

		remainingCapital := total.Sub(b.capitalUsed)
		if !remainingCapital.IsPositive() {
			reject(s, CodeNoCapital, "no capital remaining")
			continue
		}
		if qty.Mul(in.Price).GreaterThan(remainingCapital) {
			qty = utils.RoundToStepSize(remainingCapital.Div(in.Price), step)
			adjustments = append(adjustments, "scaled to remaining capital")
		}

		if cfg.UseKelly && in.KellyFraction > 0 {
			kellyCap := total.Mul(decimal.NewFromFloat(in.KellyFraction * cfg.KellyMultiplier))
			if qty.Mul(in.Price).GreaterThan(kellyCap) {
				qty = utils.RoundToStepSize(kellyCap.Div(in.Price), step)
				adjustments = append(adjustments, "kelly cap "+formatPct(in.KellyFraction*cfg.KellyMultiplier))
			}
		}

		if sector, ok := cfg.Sectors[s.Symbol]; ok && cfg.MaxSectorShare > 0 {
			room := total.Mul(decimal.NewFromFloat(cfg.MaxSectorShare)).Sub(b.sectorUsed[sector])
			if !room.IsPositive() {
				reject(s, CodeSectorLimit, "sector %s at %s share limit", sector, formatPct(cfg.MaxSectorShare))
				continue
			}
			if qty.Mul(in.Price).GreaterThan(room) {
				qty = utils.RoundToStepSize(room.Div(in.Price), step)
				adjustments = append(adjustments, "sector cap "+sector)
			}
		}

		capital := qty.Mul(in.Price)
		if !qty.IsPositive() || capital.LessThan(minValue) {
			reject(s, CodeBelowMinValue, "position value %s below minimum %s", capital.StringFixed(2), minValue.StringFixed(2))
			continue
		}

		risk := qty.Mul(in.StopDistance)
		decision := AllocationDecision{
			Symbol:       s.Symbol,
			Direction:    s.Direction,
			Price:        in.Price,
			StopDistance: in.StopDistance,
			Quantity:     qty,
			Capital:      capital,
			RiskAmount:   risk,
			Score:        s.Total,
			Priority:     len(result.Decisions) + 1,
			Adjustments:  adjustments,
		}
		decision.Justification = fmt.Sprintf("rank %d score %.3f: risk %s of %s budget, %s units at %s with stop distance %s",
			s.Rank, s.Total, risk.StringFixed(2), budget.StringFixed(2), qty.String(), in.Price.StringFixed(2), in.StopDistance.StringFixed(4))
		result.Decisions = append(result.Decisions, decision)

		b.positions[s.Symbol] = true
		b.capitalUsed = b.capitalUsed.Add(capital)
		b.riskUsed = b.riskUsed.Add(risk)
		if sector, ok := cfg.Sectors[s.Symbol]; ok {
			b.sectorUsed[sector] = b.sectorUsed[sector].Add(capital)
		}
		for _, g := range a.groupsOf(s.Symbol) {
			b.groupCount[g]++
		}
		result.TotalCapital = result.TotalCapital.Add(capital)
		result.TotalRisk = result.TotalRisk.Add(risk)
	}

	result.RiskInUse = b.riskUsed
	result.CapitalInUse = b.capitalUsed

	a.logger.Info("Allocation complete",
		zap.Int("approved", len(result.Decisions)),
		zap.Int("rejected", len(result.Rejected)),
		zap.String("risk_in_use", b.riskUsed.StringFixed(2)),
		zap.String("risk_budget", riskBudget.StringFixed(2)),
	)

	a.mu.Lock()
	a.last = &result
	a.mu.Unlock()
	return result
}

func (a *Allocator) groupsOf(symbol string) []string {
	var out []string
	for g, members := range a.config.CorrelationGroups {
		for _, m := range members {
			if m == symbol {
				out = append(out, g)
				break
			}
		}
	}
	return out
}

func (a *Allocator) groupFull(symbol string, b *book) (string, bool) {
	if a.config.MaxCorrelated <= 0 {
		return "", false
	}
	for _, g := range a.groupsOf(symbol) {
		if b.groupCount[g] >= a.config.MaxCorrelated {
			return g, true
		}
	}
	return "", false
}

func formatPct(pct float64) string {
	return decimal.NewFromFloat(pct*100).Round(1).String() + "%"
}
