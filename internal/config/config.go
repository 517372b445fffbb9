// Package config loads engine configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/events"
	"github.com/atlas-desktop/regime-engine/internal/execution"
	"github.com/atlas-desktop/regime-engine/internal/expectancy"
	"github.com/atlas-desktop/regime-engine/internal/orchestrator"
	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/internal/scoring"
	"github.com/atlas-desktop/regime-engine/internal/signals"
	"github.com/atlas-desktop/regime-engine/internal/sink"
	"github.com/atlas-desktop/regime-engine/internal/sizing"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: ENGINE_SIZING_MIN_SCORE sets
// sizing.min_score.
const EnvPrefix = "ENGINE"

// ServerConfig configures the monitor HTTP server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	EnableMetrics   bool          `mapstructure:"enable_metrics"`
}

// RedisConfig locates the Redis trade history.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix"`
}

// StoreConfig selects the trade history backend.
type StoreConfig struct {
	Backend string      `mapstructure:"backend" validate:"oneof=memory redis"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// FeedConfig shapes the synthetic market data used for paper runs.
type FeedConfig struct {
	MaxBars    int           `mapstructure:"max_bars" validate:"gte=1"`
	SeedBars   int           `mapstructure:"seed_bars" validate:"gte=0"`
	Interval   time.Duration `mapstructure:"interval" validate:"gt=0"`
	StartPrice float64       `mapstructure:"start_price" validate:"gt=0"`
	Drift      float64       `mapstructure:"drift"`
	Volatility float64       `mapstructure:"volatility" validate:"gte=0"`
	Cycle      int           `mapstructure:"cycle" validate:"gte=0"`
	CycleAmp   float64       `mapstructure:"cycle_amp" validate:"gte=0"`
	Seed       int64         `mapstructure:"seed"`
}

// Config is the full engine configuration.
type Config struct {
	Environment string `mapstructure:"environment" validate:"required"`
	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string `mapstructure:"log_format" validate:"oneof=console json"`

	Engine     orchestrator.Config   `mapstructure:"engine"`
	Regime     regime.Config         `mapstructure:"regime"`
	Signals    signals.Config        `mapstructure:"signals"`
	Expectancy expectancy.Config     `mapstructure:"expectancy"`
	Scoring    scoring.Config        `mapstructure:"scoring"`
	Sizing     sizing.Config         `mapstructure:"sizing"`
	Paper      execution.PaperConfig `mapstructure:"paper"`
	Events     events.Config         `mapstructure:"events"`
	Sink       sink.Config           `mapstructure:"sink"`
	Store      StoreConfig           `mapstructure:"store"`
	Server     ServerConfig          `mapstructure:"server"`
	Feed       FeedConfig            `mapstructure:"feed"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		LogFormat:   "console",
		Engine:      *orchestrator.DefaultConfig(),
		Regime:      *regime.DefaultConfig(),
		Signals:     *signals.DefaultConfig(),
		Expectancy:  *expectancy.DefaultConfig(),
		Scoring:     *scoring.DefaultConfig(),
		Sizing:      *sizing.DefaultConfig(),
		Paper:       *execution.DefaultPaperConfig(),
		Events:      *events.DefaultConfig(),
		Sink:        *sink.DefaultConfig(),
		Store: StoreConfig{
			Backend: "memory",
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "engine:trades"},
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
			EnableMetrics:   true,
		},
		Feed: FeedConfig{
			MaxBars:    2000,
			SeedBars:   300,
			Interval:   5 * time.Second,
			StartPrice: 100,
			Drift:      0.0002,
			Volatility: 0.004,
			Cycle:      60,
			CycleAmp:   0.02,
			Seed:       1,
		},
	}
}

// ValidationError is one failed field constraint.
type ValidationError struct {
	Field string
	Rule  string
	Param string
	Value any
}

func (e *ValidationError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: failed %s=%s (got %v)", e.Field, e.Rule, e.Param, e.Value)
	}
	return fmt.Sprintf("%s: failed %s (got %v)", e.Field, e.Rule, e.Value)
}

var validate = validator.New()

// Validate checks struct tags, then the cross-field rules each component
// enforces itself.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, &ValidationError{
				Field: fe.Namespace(),
				Rule:  fe.Tag(),
				Param: fe.Param(),
				Value: fe.Value(),
			})
		}
	}

	for name, v := range map[string]interface{ Validate() error }{
		"engine":     &c.Engine,
		"regime":     &c.Regime,
		"signals":    &c.Signals,
		"expectancy": &c.Expectancy,
		"scoring":    &c.Scoring,
		"sizing":     &c.Sizing,
		"sink":       &c.Sink,
	} {
		if err := v.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		errs = append(errs, errors.New("store: redis backend requires an address"))
	}
	return errors.Join(errs...)
}

// Load reads path (YAML, JSON or TOML by extension) over the defaults, applies
// ENGINE_ environment overrides and validates the result. An empty path uses
// defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// Decoding into a zero value keeps file maps from merging with default maps.
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// normalize restores symbol case, which viper folds in map keys.
func (c *Config) normalize() {
	for i, s := range c.Engine.Symbols {
		c.Engine.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if len(c.Sizing.Sectors) > 0 {
		sectors := make(map[string]string, len(c.Sizing.Sectors))
		for sym, sector := range c.Sizing.Sectors {
			sectors[strings.ToUpper(sym)] = sector
		}
		c.Sizing.Sectors = sectors
	}
	for g, members := range c.Sizing.CorrelationGroups {
		for i, m := range members {
			members[i] = strings.ToUpper(m)
		}
		c.Sizing.CorrelationGroups[g] = members
	}
}

// setDefaults registers every default key so environment overrides reach
// nested fields.
func setDefaults(v *viper.Viper, cfg *Config) error {
	var m map[string]any
	if err := mapstructure.Decode(cfg, &m); err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	for key, val := range flatten("", m) {
		v.SetDefault(key, val)
	}
	return nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok && !isDataMap(key) {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// isDataMap reports keys whose values are user maps rather than sections.
func isDataMap(key string) bool {
	switch key {
	case "regime.timeframe_weights", "expectancy.regime_defaults", "sizing.sectors", "sizing.correlation_groups":
		return true
	}
	return false
}
