package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/danielpatrickdp/resonance/internal/eval"
	"github.com/danielpatrickdp/resonance/internal/evidence"
	"github.com/danielpatrickdp/resonance/internal/gate"
	"github.com/danielpatrickdp/resonance/internal/lifecycle"
	"github.com/danielpatrickdp/resonance/internal/mutation"
	"github.com/danielpatrickdp/resonance/internal/quality"
	"github.com/danielpatrickdp/resonance/internal/resonance"
	"github.com/danielpatrickdp/resonance/internal/severity"
)

// #region sections
// Engine controls window scheduling and phase-1 fan-out.
type Engine struct {
	Workers               int   `toml:"workers"`
	BarrierDeadlineMillis int64 `toml:"barrier_deadline_ms"`
	WindowsPerCycle       int64 `toml:"windows_per_cycle"`
	HistoryCycles         int64 `toml:"history_cycles"` // records loaded for lifecycle lookback
}

// Store selects the record database.
type Store struct {
	Driver   string `toml:"driver"` // sqlite or pgx
	DSN      string `toml:"dsn"`
	LockPath string `toml:"lock_path"` // defaults to dsn + ".lock" for sqlite
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // auto, console or json
}

// Metrics controls the prometheus endpoint.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Snapshot controls where cohort snapshots are exported.
type Snapshot struct {
	Sink            string `toml:"sink"` // none, file or s3
	TopK            int    `toml:"top_k"`
	Dir             string `toml:"dir"`
	Bucket          string `toml:"bucket"`
	Prefix          string `toml:"prefix"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	UsePathStyle    bool   `toml:"use_path_style"`
	AccessKeyID     string `toml:"access_key_id"` // empty uses the default AWS chain
	SecretAccessKey string `toml:"secret_access_key"`
}

// EvidenceSource points at the gRPC evidence service. Empty Addr disables it.
type EvidenceSource struct {
	Addr          string `toml:"addr"`
	TimeoutMillis int64  `toml:"timeout_ms"`
}

// #endregion sections

// #region config
// Config encapsulates all configuration values for the engine.
//
// Scoring sections (quality through severity) are content-hashed into every
// record. Operational sections are not.
type Config struct {
	Engine         Engine           `toml:"engine"`
	Quality        quality.Config   `toml:"quality"`
	Resonance      resonance.Config `toml:"resonance"`
	Evidence       evidence.Config  `toml:"evidence"`
	Gate           gate.Config      `toml:"gate"`
	Lifecycle      lifecycle.Config `toml:"lifecycle"`
	Mutation       mutation.Config  `toml:"mutation"`
	Severity       severity.Config  `toml:"severity"`
	Contraction    eval.Config      `toml:"contraction"`
	Store          Store            `toml:"store"`
	Logging        Logging          `toml:"logging"`
	Metrics        Metrics          `toml:"metrics"`
	Snapshot       Snapshot         `toml:"snapshot"`
	EvidenceSource EvidenceSource   `toml:"evidence_source"`
}

// Default returns a configuration that passes Validate.
func Default() Config {
	return Config{
		Engine: Engine{
			Workers:               8,
			BarrierDeadlineMillis: 5000,
			WindowsPerCycle:       24,
			HistoryCycles:         12,
		},
		Quality:     quality.DefaultConfig(),
		Resonance:   resonance.DefaultConfig(),
		Evidence:    evidence.DefaultConfig(),
		Gate:        gate.DefaultConfig(),
		Lifecycle:   lifecycle.DefaultConfig(),
		Mutation:    mutation.DefaultConfig(),
		Severity:    severity.DefaultConfig(),
		Contraction: eval.DefaultConfig(),
		Store: Store{
			Driver: "sqlite",
			DSN:    "resonance.db",
		},
		Logging: Logging{Level: "info", Format: "auto"},
		Metrics: Metrics{Addr: "127.0.0.1:9109"},
		Snapshot: Snapshot{
			Sink:   "none",
			TopK:   5,
			Dir:    "snapshots",
			Prefix: "snapshots/",
		},
		EvidenceSource: EvidenceSource{TimeoutMillis: 250},
	}
}

// Load decodes path over the defaults, then normalizes and validates. An
// empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	out, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}

// #endregion config

// #region normalize
func (c *Config) normalize() {
	// sq breach lists feed the lifecycle pair rule, so both use one cap.
	c.Quality.OrthoCap = c.Lifecycle.OrthoCap
	if c.Store.Driver == "postgres" {
		c.Store.Driver = "pgx"
	}
	if c.Store.LockPath == "" && c.Store.Driver == "sqlite" && c.Store.DSN != ":memory:" {
		c.Store.LockPath = c.Store.DSN + ".lock"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "auto"
	}
}

// #endregion normalize
