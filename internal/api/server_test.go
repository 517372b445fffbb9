package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/api"
	"github.com/atlas-desktop/regime-engine/internal/config"
	"github.com/atlas-desktop/regime-engine/internal/events"
	"github.com/atlas-desktop/regime-engine/internal/execution"
	"github.com/atlas-desktop/regime-engine/internal/expectancy"
	"github.com/atlas-desktop/regime-engine/internal/metrics"
	"github.com/atlas-desktop/regime-engine/internal/orchestrator"
	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/internal/scoring"
	"github.com/atlas-desktop/regime-engine/internal/signals"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeEngine struct {
	mu         sync.Mutex
	snap       orchestrator.Snapshot
	history    []orchestrator.RegimeTransition
	report     execution.ReconciliationReport
	err        error
	reconciles int
	closed     bool
}

func (f *fakeEngine) Snapshot() orchestrator.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeEngine) History(symbol string) []orchestrator.RegimeTransition {
	if symbol != "BTCUSDT" {
		return nil
	}
	return f.history
}

func (f *fakeEngine) Reconcile(ctx context.Context) (execution.ReconciliationReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciles++
	return f.report, f.err
}

func (f *fakeEngine) CloseAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.snap.Positions = nil
	return nil
}

func (f *fakeEngine) Performance(ctx context.Context) (expectancy.PerformanceReport, error) {
	return expectancy.BuildPerformance([]expectancy.TradeRecord{
		{Symbol: "BTCUSDT", PnL: decimal.NewFromInt(25), Regime: regime.RegimeMomentum, ExitReason: "signal"},
		{Symbol: "BTCUSDT", PnL: decimal.NewFromInt(-5), Regime: regime.RegimeMomentum, ExitReason: "stop"},
	}), nil
}

func newFakeEngine() *fakeEngine {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return &fakeEngine{
		snap: orchestrator.Snapshot{
			Running: true,
			Stats:   orchestrator.Stats{Ticks: 7},
			Positions: []execution.ManagedPosition{{
				ID:        "pos-1",
				Symbol:    "BTCUSDT",
				Direction: types.PositionSideShort,
				Quantity:  decimal.NewFromInt(2),
				AvgEntry:  decimal.NewFromInt(100),
				StopPrice: decimal.NewFromInt(104),
				Tag:       "momentum",
			}},
			Stops: map[string]signals.AdaptiveStopLoss{
				"BTCUSDT": {Symbol: "BTCUSDT", CurrentStop: decimal.NewFromInt(104)},
			},
			Regimes: map[string]regime.MultiTimeframeRegime{
				"ETHUSDT": {Symbol: "ETHUSDT", Dominant: regime.RegimeMeanReversion},
				"BTCUSDT": {Symbol: "BTCUSDT", Dominant: regime.RegimeMomentum},
			},
			Scores: []scoring.CompositeScore{
				{Symbol: "BTCUSDT", Total: 0.8, Rank: 1, HasSignal: true},
				{Symbol: "ETHUSDT", Total: 0.5, Rank: 2},
				{Symbol: "SOLUSDT", Total: 0.4, Rank: 3, HasSignal: true},
			},
			Timestamp: now,
		},
		history: []orchestrator.RegimeTransition{
			{Symbol: "BTCUSDT", From: regime.RegimeMeanReversion, To: regime.RegimeMomentum, Timestamp: now},
		},
		report: execution.ReconciliationReport{Checked: 1, Timestamp: now},
	}
}

func setupTestServer(t *testing.T, engine api.Engine, hub *api.Hub) *httptest.Server {
	t.Helper()
	cfg := config.Default().Server
	srv := api.NewServer(zap.NewNop(), cfg, engine, metrics.New(), hub)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndStatus(t *testing.T) {
	ts := setupTestServer(t, newFakeEngine(), nil)

	var health map[string]any
	if code := getJSON(t, ts.URL+"/api/v1/health", &health); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if health["status"] != "healthy" || health["running"] != true {
		t.Errorf("Expected healthy running engine, got %v", health)
	}

	var snap orchestrator.Snapshot
	if code := getJSON(t, ts.URL+"/api/v1/status", &snap); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if snap.Stats.Ticks != 7 || len(snap.Positions) != 1 {
		t.Errorf("Expected 7 ticks and 1 position, got %d and %d", snap.Stats.Ticks, len(snap.Positions))
	}
	if !snap.Positions[0].Quantity.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Expected quantity 2, got %s", snap.Positions[0].Quantity)
	}
}

func TestPositions(t *testing.T) {
	engine := newFakeEngine()
	ts := setupTestServer(t, engine, nil)

	t.Run("list", func(t *testing.T) {
		var body struct {
			Positions []execution.ManagedPosition         `json:"positions"`
			Stops     map[string]signals.AdaptiveStopLoss `json:"stops"`
			Count     int                                 `json:"count"`
		}
		getJSON(t, ts.URL+"/api/v1/positions", &body)
		if body.Count != 1 || body.Positions[0].Symbol != "BTCUSDT" {
			t.Errorf("Expected BTCUSDT position, got %+v", body)
		}
		if _, ok := body.Stops["BTCUSDT"]; !ok {
			t.Error("Expected stop for BTCUSDT")
		}
	})

	t.Run("by symbol is case insensitive", func(t *testing.T) {
		var body map[string]json.RawMessage
		if code := getJSON(t, ts.URL+"/api/v1/positions/btcusdt", &body); code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", code)
		}
		if _, ok := body["stop"]; !ok {
			t.Error("Expected stop in response")
		}
	})

	t.Run("unknown symbol", func(t *testing.T) {
		if code := getJSON(t, ts.URL+"/api/v1/positions/DOGEUSDT", nil); code != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", code)
		}
	})

	t.Run("close all", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/v1/positions/close-all", "application/json", nil)
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		resp.Body.Close()
		engine.mu.Lock()
		defer engine.mu.Unlock()
		if resp.StatusCode != http.StatusOK || !engine.closed {
			t.Errorf("Expected positions closed, got %d", resp.StatusCode)
		}
	})
}

func TestScoresFiltering(t *testing.T) {
	ts := setupTestServer(t, newFakeEngine(), nil)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all", "", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}},
		{"limit", "?limit=2", []string{"BTCUSDT", "ETHUSDT"}},
		{"signals only", "?signal=true", []string{"BTCUSDT", "SOLUSDT"}},
		{"signals with limit", "?signal=true&limit=1", []string{"BTCUSDT"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body struct {
				Scores []scoring.CompositeScore `json:"scores"`
			}
			getJSON(t, ts.URL+"/api/v1/scores"+tt.query, &body)
			if len(body.Scores) != len(tt.want) {
				t.Fatalf("Expected %d scores, got %d", len(tt.want), len(body.Scores))
			}
			for i, sym := range tt.want {
				if body.Scores[i].Symbol != sym {
					t.Errorf("Expected %s at %d, got %s", sym, i, body.Scores[i].Symbol)
				}
			}
		})
	}

	if code := getJSON(t, ts.URL+"/api/v1/scores?limit=x", nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", code)
	}
}

func TestRegimes(t *testing.T) {
	ts := setupTestServer(t, newFakeEngine(), nil)

	var body struct {
		Symbols []string `json:"symbols"`
	}
	getJSON(t, ts.URL+"/api/v1/regimes", &body)
	if len(body.Symbols) != 2 || body.Symbols[0] != "BTCUSDT" {
		t.Errorf("Expected sorted symbols, got %v", body.Symbols)
	}

	var hist struct {
		Transitions []orchestrator.RegimeTransition `json:"transitions"`
	}
	getJSON(t, ts.URL+"/api/v1/regimes/btcusdt/history", &hist)
	if len(hist.Transitions) != 1 || hist.Transitions[0].To != regime.RegimeMomentum {
		t.Errorf("Expected one transition to momentum, got %+v", hist.Transitions)
	}
}

func TestReconcile(t *testing.T) {
	engine := newFakeEngine()
	ts := setupTestServer(t, engine, nil)

	resp, err := http.Post(ts.URL+"/api/v1/reconcile", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	var report execution.ReconciliationReport
	json.NewDecoder(resp.Body).Decode(&report)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || report.Checked != 1 {
		t.Errorf("Expected report with 1 checked, got %d %+v", resp.StatusCode, report)
	}

	engine.mu.Lock()
	engine.err = errors.New("venue unreachable")
	engine.mu.Unlock()
	resp, err = http.Post(ts.URL+"/api/v1/reconcile", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", resp.StatusCode)
	}
	engine.mu.Lock()
	if engine.reconciles != 2 {
		t.Errorf("Expected 2 reconciliations, got %d", engine.reconciles)
	}
	engine.mu.Unlock()

	if code := getJSON(t, ts.URL+"/api/v1/reconcile", nil); code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET, got %d", code)
	}
}

func TestPerformance(t *testing.T) {
	ts := setupTestServer(t, newFakeEngine(), nil)

	var report expectancy.PerformanceReport
	if code := getJSON(t, ts.URL+"/api/v1/performance", &report); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if report.Overall.TotalTrades != 2 || report.ExitReasons["stop"] != 1 {
		t.Errorf("Expected 2 trades with one stop, got %+v", report)
	}
	if m := report.ByRegime[regime.RegimeMomentum]; !m.NetProfit.Equal(decimal.NewFromInt(20)) {
		t.Errorf("Expected momentum net 20, got %s", m.NetProfit)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t, newFakeEngine(), nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "engine_tick_duration_seconds") {
		t.Error("Expected tick duration histogram in metrics output")
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := setupTestServer(t, newFakeEngine(), nil)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/reconcile", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS failed: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Error("Expected CORS headers on preflight")
	}
}

func dialHub(t *testing.T, ts *httptest.Server, hub *api.Hub, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) api.WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return msg
}

func newHub(t *testing.T) (*api.Hub, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zap.NewNop(), nil)
	t.Cleanup(bus.Stop)
	hub := api.NewHub(zap.NewNop())
	hub.Attach(bus)
	go hub.Run()
	t.Cleanup(hub.Close)
	return hub, bus
}

func TestWebSocketRelaysEvents(t *testing.T) {
	hub, bus := newHub(t)
	ts := setupTestServer(t, newFakeEngine(), hub)
	conn := dialHub(t, ts, hub, "")

	bus.PublishSync(events.New(events.EventTypeRegimeChange, "BTCUSDT", "momentum", nil))

	msg := readMessage(t, conn)
	if msg.Type != api.MsgTypeEvent || msg.Event == nil {
		t.Fatalf("Expected event message, got %+v", msg)
	}
	if msg.Event.Type != events.EventTypeRegimeChange || msg.Event.Symbol != "BTCUSDT" {
		t.Errorf("Expected BTCUSDT regime_change, got %s %s", msg.Event.Type, msg.Event.Symbol)
	}
}

func TestWebSocketSubscriptions(t *testing.T) {
	hub, bus := newHub(t)
	ts := setupTestServer(t, newFakeEngine(), hub)

	t.Run("subscribe message", func(t *testing.T) {
		conn := dialHub(t, ts, hub, "")
		if err := conn.WriteJSON(api.WSMessage{Type: api.MsgTypeSubscribe, Channel: "position_closed"}); err != nil {
			t.Fatalf("WriteJSON failed: %v", err)
		}
		ack := readMessage(t, conn)
		if ack.Type != api.MsgTypeSubscribed || ack.Channel != "position_closed" {
			t.Fatalf("Expected subscription ack, got %+v", ack)
		}

		bus.PublishSync(events.New(events.EventTypeScoreUpdate, "BTCUSDT", "filtered", nil))
		bus.PublishSync(events.New(events.EventTypePositionClosed, "BTCUSDT", "closed", nil))

		msg := readMessage(t, conn)
		if msg.Event == nil || msg.Event.Type != events.EventTypePositionClosed {
			t.Errorf("Expected position_closed only, got %+v", msg)
		}
	})

	t.Run("unknown channel", func(t *testing.T) {
		conn := dialHub(t, ts, hub, "")
		conn.WriteJSON(api.WSMessage{Type: api.MsgTypeSubscribe, Channel: "price_tick"})
		msg := readMessage(t, conn)
		if msg.Type != api.MsgTypeError {
			t.Errorf("Expected error reply, got %+v", msg)
		}
	})
}

func TestWebSocketSymbolChannelFromQuery(t *testing.T) {
	hub, bus := newHub(t)
	ts := setupTestServer(t, newFakeEngine(), hub)
	conn := dialHub(t, ts, hub, "?channel=symbol:ETHUSDT")

	bus.PublishSync(events.New(events.EventTypeEntrySignal, "BTCUSDT", "filtered", nil))
	bus.PublishSync(events.New(events.EventTypeEntrySignal, "ETHUSDT", "long", nil))

	msg := readMessage(t, conn)
	if msg.Event == nil || msg.Event.Symbol != "ETHUSDT" {
		t.Errorf("Expected ETHUSDT event only, got %+v", msg)
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub, _ := newHub(t)
	ts := setupTestServer(t, newFakeEngine(), hub)
	conn := dialHub(t, ts, hub, "")

	hub.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected connection closed after hub close")
	}
}
