package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderExposesCollectors(t *testing.T) {
	r := metrics.New()
	r.ObserveTick(20 * time.Millisecond)
	r.RecordEvent("entry_signal")
	r.RecordEvent("entry_signal")
	r.RecordRejection("below_min_score")
	r.SetPortfolio(2, 101000, 500, -20)
	r.SetRegime("AAPL", "momentum", []string{"momentum", "neutral"})

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`engine_events_total{type="entry_signal"} 2`,
		`engine_allocation_rejections_total{code="below_min_score"} 1`,
		`engine_open_positions 2`,
		`engine_regime{regime="momentum",symbol="AAPL"} 1`,
		`engine_regime{regime="neutral",symbol="AAPL"} 0`,
		`engine_tick_duration_seconds_count 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected metrics output to contain %q", want)
		}
	}
}

func TestCollectorCount(t *testing.T) {
	r := metrics.New()
	r.RecordOrder("entry")
	n, err := testutil.GatherAndCount(r.Registry(), "engine_orders_routed_total")
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 series, got %d", n)
	}
}
