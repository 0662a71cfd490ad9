// Command gatewayctl is the operator CLI: it connects to the same
// PostgreSQL database and ledger RPC endpoint the gateway process uses and
// issues the operator-only commands §6 reserves for a human rather than
// the public HTTP surface (migrate the schema, force-clear an epoch,
// print the status of a stuck operation).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gridtokenx/apigateway/pkg/config"
	"github.com/gridtokenx/apigateway/pkg/coordinator"
	"github.com/gridtokenx/apigateway/pkg/database"
	"github.com/gridtokenx/apigateway/pkg/epoch"
	"github.com/gridtokenx/apigateway/pkg/fanout"
	"github.com/gridtokenx/apigateway/pkg/ledger"
	"github.com/gridtokenx/apigateway/pkg/settlement"
)

func main() {
	root := &cobra.Command{Use: "gatewayctl"}
	root.AddCommand(migrateCmd())
	root.AddCommand(matchCmd())
	root.AddCommand(reconcileCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig centralizes the config-load-and-validate boilerplate every
// subcommand needs before it can touch the database or the ledger.
func loadConfig() (*config.Config, *config.PolicyConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	policy, err := config.LoadPolicyConfig(cfg.PolicyConfigPath)
	if err != nil {
		policy = config.DefaultPolicyConfig()
	}
	return cfg, policy, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "run pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := database.NewClient(cfg)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			if err := db.MigrateUp(context.Background()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func matchCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "match"}
	trigger := &cobra.Command{
		Use:   "trigger [epoch-id]",
		Short: "force-clear one epoch ahead of the scheduler's own tick",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var epochID int64
			if _, err := fmt.Sscanf(args[0], "%d", &epochID); err != nil {
				return fmt.Errorf("invalid epoch id %q: %w", args[0], err)
			}

			cfg, policy, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := database.NewClient(cfg)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			repos := database.NewRepositories(db)
			ledgerClient := ledger.New(cfg.LedgerRPCURL, &policy.Ledger)
			coord := coordinator.New(repos.Operations, ledgerClient, policy.Coordinator)
			bus := fanout.New()
			settlementEngine := settlement.New(
				repos.Settlements, repos.Orders, repos.Matches, repos.Users, repos.Audit,
				coord, ledgerClient,
				settlement.ChainConfig{
					ProgramID:    cfg.ProgramMint,
					Authority:    cfg.GatewayAuthority,
					Mint:         cfg.TokenMint,
					TokenProgram: cfg.TokenProgram,
				},
				policy.Market, policy.Coordinator, bus,
			)
			scheduler := epoch.New(
				repos.Epochs, repos.Orders, repos.Matches, repos.Audit,
				settlementEngine, coord, bus,
				epoch.ChainConfig{ProgramMarket: cfg.ProgramMarket, Authority: cfg.GatewayAuthority},
				policy.Epoch, policy.Market, policy.Coordinator,
			)

			result, err := scheduler.TriggerMatch(cmd.Context(), epochID)
			if err != nil {
				return fmt.Errorf("trigger match: %w", err)
			}
			fmt.Printf("epoch %d cleared: %d matches, %.4f kWh\n", epochID, result.MatchCount, result.MatchedKWh)
			if result.ClearingPrice != nil {
				fmt.Printf("clearing price: %.4f\n", *result.ClearingPrice)
			}
			for matchID, receipt := range result.MatchReceipts {
				fmt.Printf("match %s receipt anchor: %s\n", matchID, receipt.Anchor)
			}
			return nil
		},
	}
	cmd.AddCommand(trigger)
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "reconcile"}
	status := &cobra.Command{
		Use:   "status [operation-id]",
		Short: "print the current status of one blockchain operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid operation id %q: %w", args[0], err)
			}

			cfg, policy, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := database.NewClient(cfg)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			repos := database.NewRepositories(db)
			ledgerClient := ledger.New(cfg.LedgerRPCURL, &policy.Ledger)
			coord := coordinator.New(repos.Operations, ledgerClient, policy.Coordinator)

			op, err := coord.Status(cmd.Context(), opID)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			fmt.Printf("operation %s: status=%s attempts=%d\n", op.ID, op.Status, op.Attempts)
			if op.Signature.Valid {
				fmt.Printf("signature: %s\n", op.Signature.String)
			}
			if op.LastError.Valid {
				fmt.Printf("last error: %s\n", op.LastError.String)
			}
			return nil
		},
	}
	cmd.AddCommand(status)
	return cmd
}
