package signals_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/shopspring/decimal"
)

func wavySeries(n int) *types.MarketDataSeries {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + float64(i%7) - 3
	}
	return seriesFromCloses("WAVE", closes)
}

func TestNewStopPlacement(t *testing.T) {
	e := newEngine(t, nil)
	series := wavySeries(120)
	entry := decimal.NewFromInt(100)

	long, err := e.NewStop("WAVE", types.PositionSideLong, entry, series)
	if err != nil {
		t.Fatalf("NewStop failed: %v", err)
	}
	if !long.CurrentStop.LessThan(entry) {
		t.Errorf("Long stop %s should be below entry", long.CurrentStop)
	}
	if !long.Distance.Equal(decimal.Max(long.PercentileComponent, long.ATRComponent)) &&
		!long.Distance.Equal(entry.Mul(decimal.NewFromFloat(0.002))) {
		t.Errorf("Distance %s should be the larger component (pct %s, atr %s)",
			long.Distance, long.PercentileComponent, long.ATRComponent)
	}
	if !long.RiskPerUnit().Equal(long.Distance) {
		t.Errorf("RiskPerUnit %s should equal distance %s", long.RiskPerUnit(), long.Distance)
	}

	short, err := e.NewStop("WAVE", types.PositionSideShort, entry, series)
	if err != nil {
		t.Fatalf("NewStop failed: %v", err)
	}
	if !short.CurrentStop.GreaterThan(entry) {
		t.Errorf("Short stop %s should be above entry", short.CurrentStop)
	}
	if !short.Triggered(short.CurrentStop) || short.Triggered(entry) {
		t.Error("Short trigger logic wrong")
	}
}

func TestStopNeverLoosens(t *testing.T) {
	e := newEngine(t, nil)
	series := wavySeries(120)
	prices := []float64{101, 99, 104, 102, 110, 95, 112, 108, 120, 90, 118, 125, 80}
	regimes := []regime.RegimeType{
		regime.RegimeMomentum,
		regime.RegimeMeanReversion,
		regime.RegimeTransition,
		regime.RegimeNeutral,
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("long non-decreasing", func(t *testing.T) {
		stop, err := e.NewStop("WAVE", types.PositionSideLong, decimal.NewFromInt(100), series)
		if err != nil {
			t.Fatalf("NewStop failed: %v", err)
		}
		prev := stop.CurrentStop
		moved := 0
		for i, p := range prices {
			if e.UpdateStop(stop, decimal.NewFromFloat(p), regimes[i%len(regimes)], now) {
				moved++
			}
			if stop.CurrentStop.LessThan(prev) {
				t.Fatalf("Long stop loosened at step %d: %s -> %s", i, prev, stop.CurrentStop)
			}
			prev = stop.CurrentStop
		}
		if moved == 0 {
			t.Error("Expected the stop to trail at least once")
		}
	})

	t.Run("short non-increasing", func(t *testing.T) {
		stop, err := e.NewStop("WAVE", types.PositionSideShort, decimal.NewFromInt(100), series)
		if err != nil {
			t.Fatalf("NewStop failed: %v", err)
		}
		prev := stop.CurrentStop
		for i, p := range prices {
			mirrored := 200 - p
			e.UpdateStop(stop, decimal.NewFromFloat(mirrored), regimes[i%len(regimes)], now)
			if stop.CurrentStop.GreaterThan(prev) {
				t.Fatalf("Short stop loosened at step %d: %s -> %s", i, prev, stop.CurrentStop)
			}
			prev = stop.CurrentStop
		}
	})
}

func TestStopRegimeBehaviour(t *testing.T) {
	e := newEngine(t, nil)
	series := wavySeries(120)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	stop, err := e.NewStop("WAVE", types.PositionSideLong, decimal.NewFromInt(100), series)
	if err != nil {
		t.Fatalf("NewStop failed: %v", err)
	}
	initial := stop.CurrentStop

	if e.UpdateStop(stop, decimal.NewFromInt(110), regime.RegimeTransition, now) {
		t.Error("Transition should hold the stop")
	}
	if e.UpdateStop(stop, decimal.NewFromInt(110), regime.RegimeNeutral, now) {
		t.Error("Neutral should hold the stop")
	}
	if !stop.CurrentStop.Equal(initial) {
		t.Fatalf("Stop moved while holding: %s", stop.CurrentStop)
	}

	if !e.UpdateStop(stop, decimal.NewFromInt(110), regime.RegimeMomentum, now) {
		t.Fatal("Momentum should trail the stop")
	}
	want := decimal.NewFromInt(110).Sub(stop.Distance)
	if !stop.CurrentStop.Equal(want) {
		t.Errorf("Trailing stop = %s, want %s", stop.CurrentStop, want)
	}

	before := stop.CurrentStop
	if !e.UpdateStop(stop, decimal.NewFromInt(110), regime.RegimeMeanReversion, now) {
		t.Fatal("Mean reversion should tighten the stop")
	}
	gap := decimal.NewFromInt(110).Sub(before)
	want = before.Add(gap.Mul(decimal.NewFromFloat(0.25)))
	if !stop.CurrentStop.Equal(want) {
		t.Errorf("Tightened stop = %s, want %s", stop.CurrentStop, want)
	}
	if stop.Updates != 2 {
		t.Errorf("Expected 2 updates, got %d", stop.Updates)
	}

	if !stop.CurrentStop.GreaterThan(stop.EntryPrice) {
		t.Fatalf("Expected stop above entry after trailing, got %s", stop.CurrentStop)
	}
	if risk := stop.RiskAmount(decimal.NewFromInt(10)); !risk.IsZero() {
		t.Errorf("Risk should be zero once the stop is above entry, got %s", risk)
	}
}
