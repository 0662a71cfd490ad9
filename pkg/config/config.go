// Package config holds the environment-driven topology configuration for
// the gateway service and the YAML-driven policy configuration layered on
// top of it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the connection strings and topology settings read once at
// process startup from the environment.
type Config struct {
	// Ledger (Solana-family RPC endpoint)
	LedgerRPCURL        string
	LedgerWSURL         string
	LedgerCluster       string // e.g. "devnet", "mainnet-beta"
	LedgerRPCTimeoutSec int

	// On-chain program IDs (base58). Deployment-specific, never compiled in.
	ProgramRegistry   string
	ProgramMint       string
	ProgramOracle     string
	ProgramMarket     string
	ProgramGovernance string

	// The gateway's own signing authority for every operator-initiated
	// instruction (mint, settle, issue certificate), and the energy token's
	// mint and token-program addresses ensure_token_account derives
	// associated accounts against.
	GatewayAuthority string
	TokenMint        string
	TokenProgram     string

	// Server
	ListenAddr string
	HealthAddr string

	// Database
	DatabaseURL         string
	DatabaseMaxConns    int
	DatabaseMinConns    int
	DatabaseMaxIdleTime int // seconds
	DatabaseMaxLifetime int // seconds
	DatabaseRequired    bool

	// Service identity
	ServiceID string
	LogLevel  string

	// Policy file (epoch/market/coordinator/ledger tunables)
	PolicyConfigPath string

	// AllowImpersonation gates whether the operator-impersonation path
	// (bypassing reading signature verification) is honored at all. Default
	// false; security-sensitive deployments must never flip this.
	AllowImpersonation bool
}

// Load reads configuration from environment variables, applying the
// defaults named in the deployment's configuration table.
func Load() (*Config, error) {
	cfg := &Config{
		LedgerRPCURL:        getEnv("LEDGER_RPC_URL", ""),
		LedgerWSURL:         getEnv("LEDGER_WS_URL", ""),
		LedgerCluster:       getEnv("LEDGER_CLUSTER", "devnet"),
		LedgerRPCTimeoutSec: getEnvInt("LEDGER_RPC_TIMEOUT_SECONDS", 30),

		ProgramRegistry:   getEnv("PROGRAM_REGISTRY_ID", ""),
		ProgramMint:       getEnv("PROGRAM_MINT_ID", ""),
		ProgramOracle:     getEnv("PROGRAM_ORACLE_ID", ""),
		ProgramMarket:     getEnv("PROGRAM_MARKET_ID", ""),
		ProgramGovernance: getEnv("PROGRAM_GOVERNANCE_ID", ""),

		GatewayAuthority: getEnv("GATEWAY_AUTHORITY_ADDRESS", ""),
		TokenMint:        getEnv("TOKEN_MINT_ADDRESS", ""),
		TokenProgram:     getEnv("TOKEN_PROGRAM_ID", ""),

		ListenAddr: getEnv("GATEWAY_HOST", "0.0.0.0") + ":" + getEnv("GATEWAY_PORT", "8080"),
		HealthAddr: getEnv("GATEWAY_HOST", "0.0.0.0") + ":" + getEnv("HEALTH_PORT", "8081"),

		DatabaseURL:         getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:    getEnvInt("DATABASE_MAX_CONNS", 25),
		DatabaseMinConns:    getEnvInt("DATABASE_MIN_CONNS", 5),
		DatabaseMaxIdleTime: getEnvInt("DATABASE_MAX_IDLE_TIME", 300),
		DatabaseMaxLifetime: getEnvInt("DATABASE_MAX_LIFETIME", 3600),
		DatabaseRequired:    getEnvBool("DATABASE_REQUIRED", true),

		ServiceID: getEnv("GATEWAY_SERVICE_ID", "gateway-default"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),

		PolicyConfigPath: getEnv("POLICY_CONFIG_PATH", "./config/policy.yaml"),

		AllowImpersonation: getEnvBool("ALLOW_IMPERSONATION", false),
	}

	return cfg, nil
}

// Validate checks that the configuration required to talk to the chain and
// the database is present.
func (c *Config) Validate() error {
	var errs []string

	if c.LedgerRPCURL == "" {
		errs = append(errs, "LEDGER_RPC_URL is required but not set")
	}
	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required but not set")
	}
	if c.ProgramRegistry == "" || c.ProgramMint == "" || c.ProgramMarket == "" {
		errs = append(errs, "PROGRAM_REGISTRY_ID, PROGRAM_MINT_ID and PROGRAM_MARKET_ID are required")
	}
	if c.GatewayAuthority == "" || c.TokenMint == "" || c.TokenProgram == "" {
		errs = append(errs, "GATEWAY_AUTHORITY_ADDRESS, TOKEN_MINT_ADDRESS and TOKEN_PROGRAM_ID are required")
	}
	if c.AllowImpersonation {
		fmt.Println("WARNING: ALLOW_IMPERSONATION is true - reading signature verification can be bypassed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

