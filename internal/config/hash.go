package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// scoring is the hashed subset of the configuration. Anything that can
// change a ScoreRecord or a lifecycle decision belongs here.
type scoring struct {
	WindowsPerCycle int64 `json:"windows_per_cycle"`
	Quality         any   `json:"quality"`
	Resonance       any   `json:"resonance"`
	Evidence        any   `json:"evidence"`
	Gate            any   `json:"gate"`
	Lifecycle       any   `json:"lifecycle"`
	Mutation        any   `json:"mutation"`
	Severity        any   `json:"severity"`
}

// Hash returns the SHA-256 hex of the deterministic protobuf encoding of the
// scoring sections. Equal configurations hash equally regardless of the
// TOML layout they were loaded from.
func (c *Config) Hash() (string, error) {
	raw, err := json.Marshal(scoring{
		WindowsPerCycle: c.Engine.WindowsPerCycle,
		Quality:         c.Quality,
		Resonance:       c.Resonance,
		Evidence:        c.Evidence,
		Gate:            c.Gate,
		Lifecycle:       c.Lifecycle,
		Mutation:        c.Mutation,
		Severity:        c.Severity,
	})
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return "", fmt.Errorf("unmarshal config: %w", err)
	}
	msg, err := structpb.NewStruct(tree)
	if err != nil {
		return "", fmt.Errorf("build config struct: %w", err)
	}
	wire, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	sum := sha256.Sum256(wire)
	return hex.EncodeToString(sum[:]), nil
}
