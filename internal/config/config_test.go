package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danielpatrickdp/resonance/internal/evidence"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resonance.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Store.LockPath != "resonance.db.lock" {
		t.Fatalf("unexpected lock path %q", cfg.Store.LockPath)
	}
}

func TestLoadOverridesAndMirrorsOrthoCap(t *testing.T) {
	path := writeConfig(t, `
[lifecycle]
ortho_cap = 0.5

[evidence]
policy = "relief"

[store]
driver = "postgres"
dsn = "postgres://localhost/resonance"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Quality.OrthoCap != 0.5 {
		t.Fatalf("quality ortho cap not mirrored: %f", cfg.Quality.OrthoCap)
	}
	if cfg.Evidence.Policy != evidence.PolicyRelief {
		t.Fatalf("policy: %s", cfg.Evidence.Policy)
	}
	if cfg.Store.Driver != "pgx" || cfg.Store.LockPath != "" {
		t.Fatalf("unexpected store section %+v", cfg.Store)
	}
	if cfg.Gate.U != 0.6 {
		t.Fatal("untouched sections must keep defaults")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "[gate]\nbogus = 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown key to fail")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"hard cap":   func(c *Config) { c.Evidence.HardCap = 0.5 },
		"workers":    func(c *Config) { c.Engine.Workers = 0 },
		"eta":        func(c *Config) { c.Resonance.Eta = 1.5 },
		"thresholds": func(c *Config) { c.Lifecycle.TauDeprecate = 0.5 },
		"sink":       func(c *Config) { c.Snapshot.Sink = "s3" },
		"driver":     func(c *Config) { c.Store.Driver = "mysql" },
		"format":     func(c *Config) { c.Logging.Format = "xml" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestValidateRejectsNaN(t *testing.T) {
	cfg := Default()
	cfg.Resonance.Alpha = math.NaN()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "resonance.alpha") {
		t.Fatalf("expected resonance.alpha finite error, got %v", err)
	}
}

func TestHashStableAndSensitive(t *testing.T) {
	a, b := Default(), Default()
	ha, err := a.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hb, _ := b.Hash()
	if ha != hb || len(ha) != 64 {
		t.Fatalf("equal configs must hash equally: %s vs %s", ha, hb)
	}

	b.Logging.Level = "debug"
	b.Engine.Workers = 2
	if hb, _ = b.Hash(); hb != ha {
		t.Fatal("operational settings must not change the hash")
	}

	b.Gate.TauK = 0.25
	if hb, _ = b.Hash(); hb == ha {
		t.Fatal("scoring settings must change the hash")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Severity.ClassBudgets = map[string]int{"breakout": 2}
	out, err := cfg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	loaded, err := Load(writeConfig(t, string(out)))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	h1, _ := cfg.Hash()
	h2, _ := loaded.Hash()
	if h1 != h2 {
		t.Fatal("encoded config must reload to the same hash")
	}
}
