package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/config"
	"github.com/atlas-desktop/regime-engine/pkg/types"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestDefaultsValidate(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.TickInterval != time.Minute {
		t.Errorf("Expected default tick interval, got %s", cfg.Engine.TickInterval)
	}
	if len(cfg.Regime.TimeframeWeights) != 3 {
		t.Errorf("Expected 3 default timeframes, got %v", cfg.Regime.TimeframeWeights)
	}
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := writeFile(t, "engine.yaml", `
environment: test
engine:
  symbols: [btcusdt, ethusdt]
  tick_interval: 30s
regime:
  timeframe_weights:
    1h: 0.4
    4h: 0.6
sizing:
  min_score: 0.6
  sectors:
    BTCUSDT: l1
`)
	t.Setenv("ENGINE_SIZING_MAX_POSITIONS", "3")
	t.Setenv("ENGINE_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Environment != "test" || cfg.LogLevel != "debug" {
		t.Errorf("Expected test/debug, got %s/%s", cfg.Environment, cfg.LogLevel)
	}
	if len(cfg.Engine.Symbols) != 2 || cfg.Engine.Symbols[0] != "BTCUSDT" {
		t.Errorf("Expected upper-cased symbols, got %v", cfg.Engine.Symbols)
	}
	if cfg.Engine.TickInterval != 30*time.Second {
		t.Errorf("Expected 30s, got %s", cfg.Engine.TickInterval)
	}
	if w := cfg.Regime.TimeframeWeights; len(w) != 2 || w[types.Timeframe4h] != 0.6 {
		t.Errorf("Expected file weights to replace defaults, got %v", w)
	}
	if cfg.Sizing.MinScore != 0.6 || cfg.Sizing.MaxPositions != 3 {
		t.Errorf("Expected min score 0.6 and 3 positions, got %f and %d", cfg.Sizing.MinScore, cfg.Sizing.MaxPositions)
	}
	if cfg.Sizing.Sectors["BTCUSDT"] != "l1" {
		t.Errorf("Expected sector keyed by symbol, got %v", cfg.Sizing.Sectors)
	}
	if cfg.Signals.Lookback != 100 {
		t.Errorf("Expected untouched sections to keep defaults, got lookback %d", cfg.Signals.Lookback)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"risk ceiling", "sizing:\n  max_risk_per_trade: 0.08\n"},
		{"weights do not sum to one", "regime:\n  timeframe_weights:\n    1h: 0.5\n"},
		{"percentile band", "signals:\n  entry_low: 60\n"},
		{"unknown log level", "log_level: loud\n"},
		{"sink without brokers", "sink:\n  enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, "bad.yaml", tt.body))
			if err == nil {
				t.Fatal("Expected validation error")
			}
		})
	}
}

func TestValidationErrorsAreTyped(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = 0

	err := cfg.Validate()
	var ve *config.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if ve.Rule != "gte" || ve.Field != "Config.Server.Port" {
		t.Errorf("Expected Config.Server.Port gte, got %s %s", ve.Field, ve.Rule)
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "engine.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Engine.Symbols) != 4 {
		t.Errorf("Expected 4 symbols, got %v", cfg.Engine.Symbols)
	}
	if got := cfg.Sizing.CorrelationGroups["l1"]; len(got) != 3 || got[0] != "ETHUSDT" {
		t.Errorf("Expected l1 correlation group, got %v", got)
	}
	if cfg.Sizing.Sectors["AVAXUSDT"] != "l1" {
		t.Errorf("Expected AVAXUSDT in l1, got %v", cfg.Sizing.Sectors)
	}
}
