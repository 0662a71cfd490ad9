// Policy configuration: tunable parameters for the epoch scheduler, the
// matcher's fee computation, the transaction coordinator's retry policy and
// the ledger client's fee tiers. Loaded from YAML with ${VAR_NAME} and
// ${VAR_NAME:-default} environment substitution, mirroring the anchor
// configuration loader this package is modeled on.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyConfig is the tunable policy surface named in the configuration
// table: epoch duration and tick cadence, the platform fee rate, the
// coordinator's retry/expiry knobs, and the ledger's priority fee tiers.
type PolicyConfig struct {
	Epoch       EpochPolicy       `yaml:"epoch"`
	Market      MarketPolicy      `yaml:"market"`
	Coordinator CoordinatorPolicy `yaml:"coordinator"`
	Ledger      LedgerPolicy      `yaml:"ledger"`
}

// EpochPolicy controls the wall-clock epoch state machine.
type EpochPolicy struct {
	DurationMinutes    int `yaml:"duration_minutes"`
	TickIntervalSecond int `yaml:"tick_interval_seconds"`
	MaxOrders          int `yaml:"max_orders"`
}

// MarketPolicy controls the matcher and settlement fee computation.
type MarketPolicy struct {
	FeeBps    int     `yaml:"fee_bps"`
	PriceTick float64 `yaml:"price_tick"`
}

// CoordinatorPolicy controls the transaction coordinator's retry and
// expiry behavior.
type CoordinatorPolicy struct {
	SubmissionExpirySeconds int `yaml:"submission_expiry_seconds"`
	MaxAttempts             int `yaml:"max_attempts"`
	MaxAttemptsSettlement   int `yaml:"max_attempts_settlement"`
	RetryBaseMS             int `yaml:"retry_base_ms"`
	RetryCapMS              int `yaml:"retry_cap_ms"`

	// PendingHighWaterMark is the operation store's backpressure threshold:
	// once CountPending reaches it, new non-essential submissions (orders,
	// readings) are refused with overloaded while settlements and
	// confirmations keep draining.
	PendingHighWaterMark int `yaml:"pending_high_water_mark"`
}

// LedgerPolicy controls ledger-client RPC behavior and fee tiers.
type LedgerPolicy struct {
	RPCTimeoutSeconds int               `yaml:"rpc_timeout_seconds"`
	PriorityFee       PriorityFeeTiers  `yaml:"priority_fee"`
	BlockhashCache    Duration          `yaml:"blockhash_cache_ttl"`
}

// PriorityFeeTiers holds the per-category priority fee floor, in
// micro-units per compute unit.
type PriorityFeeTiers struct {
	Low    int64 `yaml:"low"`
	Medium int64 `yaml:"medium"`
	High   int64 `yaml:"high"`
}

// Duration wraps time.Duration for YAML unmarshaling of values like "15m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// DefaultPolicyConfig returns the policy defaults named in the
// configuration table, used when no policy file is present.
func DefaultPolicyConfig() *PolicyConfig {
	return &PolicyConfig{
		Epoch: EpochPolicy{
			DurationMinutes:    15,
			TickIntervalSecond: 60,
			MaxOrders:          10_000,
		},
		Market: MarketPolicy{
			FeeBps:    25,
			PriceTick: 0.01,
		},
		Coordinator: CoordinatorPolicy{
			SubmissionExpirySeconds: 300,
			MaxAttempts:             3,
			MaxAttemptsSettlement:   5,
			RetryBaseMS:             1000,
			RetryCapMS:              30000,
			PendingHighWaterMark:    10_000,
		},
		Ledger: LedgerPolicy{
			RPCTimeoutSeconds: 30,
			PriorityFee: PriorityFeeTiers{
				Low:    1_000,
				Medium: 10_000,
				High:   100_000,
			},
			BlockhashCache: Duration(60 * time.Second),
		},
	}
}

// LoadPolicyConfig loads the policy document from path, substituting
// ${VAR_NAME} and ${VAR_NAME:-default} references against the process
// environment before parsing. Parsing starts from the defaults, so any key
// the document omits keeps its default value; a key set explicitly to zero
// stays zero.
func LoadPolicyConfig(path string) (*PolicyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy config %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	cfg := DefaultPolicyConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse policy config %s: %w", path, err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}

		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}
