package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Registry   RegistryConfig   `yaml:"registry"`
	Economics  EconomicsConfig  `yaml:"economics"`
	Reputation ReputationConfig `yaml:"reputation"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Invocation InvocationConfig `yaml:"invocation"`
	Redis      RedisConfig      `yaml:"redis"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type RegistryConfig struct {
	// DIDNamespace is the middle segment of derived identifiers,
	// e.g. "agentmesh" in did:agentmesh:<agentId>.
	DIDNamespace string `yaml:"did_namespace"`
}

type EconomicsConfig struct {
	BaseStake          string   `yaml:"base_stake"`           // decimal string, e.g. "10"
	PerCapabilityStake string   `yaml:"per_capability_stake"` // decimal string, e.g. "2"
	RiskMultiplier     string   `yaml:"risk_multiplier"`      // decimal string, e.g. "2.0"
	HighRiskLexicon    []string `yaml:"high_risk_lexicon"`
	Currency           string   `yaml:"currency"`
}

type ReputationConfig struct {
	// ConfidenceSaturation is the sample size at which a category's
	// confidence reaches 1.0.
	ConfidenceSaturation int     `yaml:"confidence_saturation"`
	EWMAAlpha            float64 `yaml:"ewma_alpha"`
	SlashingPenalty      float64 `yaml:"slashing_penalty"`
	// DisputedRaterFloor excludes ratings submitted by identities whose
	// own overall score is below this value.
	DisputedRaterFloor float64 `yaml:"disputed_rater_floor"`
	UnverifiedWeight   float64 `yaml:"unverified_weight"`
	ReliabilityFloor   float64 `yaml:"reliability_floor"`
}

type DiscoveryConfig struct {
	DefaultLimit  int           `yaml:"default_limit"`
	QueryTimeout  time.Duration `yaml:"query_timeout"`
	ReputationW   float64       `yaml:"reputation_weight"`
	PriceW        float64       `yaml:"price_weight"`
	AvailabilityW float64       `yaml:"availability_weight"`
}

type InvocationConfig struct {
	ExecuteTimeout time.Duration `yaml:"execute_timeout"`
	ReplayWindow   time.Duration `yaml:"replay_window"`
	MaxClockSkew   time.Duration `yaml:"max_clock_skew"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Default returns the configuration used when no file is supplied.
// Economic and reputation constants are tunables, not protocol truths.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Registry: RegistryConfig{
			DIDNamespace: "agentmesh",
		},
		Economics: EconomicsConfig{
			BaseStake:          "10",
			PerCapabilityStake: "2",
			RiskMultiplier:     "2.0",
			HighRiskLexicon:    []string{"financial", "crypto", "payment", "credential"},
			Currency:           "AKT",
		},
		Reputation: ReputationConfig{
			ConfidenceSaturation: 50,
			EWMAAlpha:            0.3,
			SlashingPenalty:      0.2,
			DisputedRaterFloor:   0.2,
			UnverifiedWeight:     0.5,
			ReliabilityFloor:     0.5,
		},
		Discovery: DiscoveryConfig{
			DefaultLimit:  10,
			QueryTimeout:  3 * time.Second,
			ReputationW:   0.4,
			PriceW:        0.3,
			AvailabilityW: 0.3,
		},
		Invocation: InvocationConfig{
			ExecuteTimeout: 30 * time.Second,
			ReplayWindow:   5 * time.Minute,
			MaxClockSkew:   2 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "mesh:",
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}
