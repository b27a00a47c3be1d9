// Package config loads strategy lab settings from defaults, an optional YAML
// file and STRATLAB_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g.
// STRATLAB_REGISTRY_PATH for registry.path
const EnvPrefix = "STRATLAB"

// Config is the top-level configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Data        DataConfig        `mapstructure:"data" yaml:"data"`
	Registry    RegistryConfig    `mapstructure:"registry" yaml:"registry"`
	Backtest    BacktestConfig    `mapstructure:"backtest" yaml:"backtest"`
	Exploration ExplorationConfig `mapstructure:"exploration" yaml:"exploration"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds the HTTP/WebSocket server settings
type ServerConfig struct {
	Host          string        `mapstructure:"host" yaml:"host"`
	Port          int           `mapstructure:"port" yaml:"port"`
	WebSocketPath string        `mapstructure:"websocket_path" yaml:"websocket_path"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics" yaml:"enable_metrics"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DataConfig selects where bars come from
type DataConfig struct {
	Dir             string `mapstructure:"dir" yaml:"dir"`
	Source          string `mapstructure:"source" yaml:"source"` // "file" or "clickhouse"
	ClickHouseDSN   string `mapstructure:"clickhouse_dsn" yaml:"clickhouse_dsn"`
	ClickHouseTable string `mapstructure:"clickhouse_table" yaml:"clickhouse_table"`
}

// RegistryConfig holds the strategy registry settings
type RegistryConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
	Keep int    `mapstructure:"keep" yaml:"keep"`
}

// BacktestConfig holds the per-run defaults
type BacktestConfig struct {
	Symbol         string  `mapstructure:"symbol" yaml:"symbol"`
	InitialCapital float64 `mapstructure:"initial_capital" yaml:"initial_capital"`
	FeeRate        float64 `mapstructure:"fee_rate" yaml:"fee_rate"`
	MaxBars        int     `mapstructure:"max_bars" yaml:"max_bars"`
	Workers        int     `mapstructure:"workers" yaml:"workers"`
}

// ExplorationConfig holds the discovery defaults
type ExplorationConfig struct {
	Seed                int64   `mapstructure:"seed" yaml:"seed"` // 0 picks one from the clock
	Strategy            string  `mapstructure:"strategy" yaml:"strategy"`
	Target              int     `mapstructure:"target" yaml:"target"`
	MaxAttempts         int     `mapstructure:"max_attempts" yaml:"max_attempts"`
	BatchSize           int     `mapstructure:"batch_size" yaml:"batch_size"`
	SuccessRatio        float64 `mapstructure:"success_ratio" yaml:"success_ratio"`
	MutationProbability float64 `mapstructure:"mutation_probability" yaml:"mutation_probability"`
	MutationScale       float64 `mapstructure:"mutation_scale" yaml:"mutation_scale"`
	RegionBias          float64 `mapstructure:"region_bias" yaml:"region_bias"`
}

// ResolveSeed returns the configured seed, or one derived from now when unset
func (e ExplorationConfig) ResolveSeed(now time.Time) int64 {
	if e.Seed != 0 {
		return e.Seed
	}
	return now.UnixNano()
}

// LoggingConfig holds the logger settings
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "localhost",
			Port:          8080,
			WebSocketPath: "/ws",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			EnableMetrics: true,
		},
		Data: DataConfig{
			Dir:             "./data",
			Source:          "file",
			ClickHouseTable: "daily_bars",
		},
		Registry: RegistryConfig{
			Path: "./data/strategy_registry.db",
			Keep: 10000,
		},
		Backtest: BacktestConfig{
			Symbol:         "DEMO",
			InitialCapital: 100000,
			MaxBars:        1000,
		},
		Exploration: ExplorationConfig{
			Strategy:            "SMA",
			Target:              100,
			MaxAttempts:         1000,
			BatchSize:           16,
			SuccessRatio:        0.3,
			MutationProbability: 0.3,
			MutationScale:       0.1,
			RegionBias:          0.5,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the configuration. An empty path uses defaults and environment
// overrides only; a non-empty path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.websocket_path", d.Server.WebSocketPath)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.enable_metrics", d.Server.EnableMetrics)

	v.SetDefault("data.dir", d.Data.Dir)
	v.SetDefault("data.source", d.Data.Source)
	v.SetDefault("data.clickhouse_dsn", d.Data.ClickHouseDSN)
	v.SetDefault("data.clickhouse_table", d.Data.ClickHouseTable)

	v.SetDefault("registry.path", d.Registry.Path)
	v.SetDefault("registry.keep", d.Registry.Keep)

	v.SetDefault("backtest.symbol", d.Backtest.Symbol)
	v.SetDefault("backtest.initial_capital", d.Backtest.InitialCapital)
	v.SetDefault("backtest.fee_rate", d.Backtest.FeeRate)
	v.SetDefault("backtest.max_bars", d.Backtest.MaxBars)
	v.SetDefault("backtest.workers", d.Backtest.Workers)

	v.SetDefault("exploration.seed", d.Exploration.Seed)
	v.SetDefault("exploration.strategy", d.Exploration.Strategy)
	v.SetDefault("exploration.target", d.Exploration.Target)
	v.SetDefault("exploration.max_attempts", d.Exploration.MaxAttempts)
	v.SetDefault("exploration.batch_size", d.Exploration.BatchSize)
	v.SetDefault("exploration.success_ratio", d.Exploration.SuccessRatio)
	v.SetDefault("exploration.mutation_probability", d.Exploration.MutationProbability)
	v.SetDefault("exploration.mutation_scale", d.Exploration.MutationScale)
	v.SetDefault("exploration.region_bias", d.Exploration.RegionBias)

	v.SetDefault("logging.level", d.Logging.Level)
}

// Validate checks the values a run cannot work without
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Data.Source {
	case "file":
	case "clickhouse":
		if c.Data.ClickHouseDSN == "" {
			errs = append(errs, errors.New("data.clickhouse_dsn is required for the clickhouse source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown data.source %q", c.Data.Source))
	}
	if c.Registry.Keep < 0 {
		errs = append(errs, errors.New("registry.keep cannot be negative"))
	}
	if c.Backtest.InitialCapital <= 0 {
		errs = append(errs, errors.New("backtest.initial_capital must be positive"))
	}
	if c.Backtest.FeeRate < 0 {
		errs = append(errs, errors.New("backtest.fee_rate cannot be negative"))
	}
	if c.Exploration.SuccessRatio < 0 || c.Exploration.SuccessRatio > 1 {
		errs = append(errs, errors.New("exploration.success_ratio must be within [0, 1]"))
	}
	if c.Exploration.RegionBias < 0 || c.Exploration.RegionBias > 1 {
		errs = append(errs, errors.New("exploration.region_bias must be within [0, 1]"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// WriteDefault writes the built-in configuration as YAML, creating parent
// directories. An existing file is left untouched.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}
	out, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
