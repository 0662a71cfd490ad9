// Command gateway runs the P2P energy marketplace API gateway: it loads
// configuration, connects to PostgreSQL and the ledger RPC endpoint, wires
// the coordinator, epoch scheduler, settlement engine and mint worker
// together, and serves /healthz and /readyz until it receives a shutdown
// signal. The gateway.Service command surface is constructed but not
// served by this process.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridtokenx/apigateway/pkg/config"
	"github.com/gridtokenx/apigateway/pkg/coordinator"
	"github.com/gridtokenx/apigateway/pkg/database"
	"github.com/gridtokenx/apigateway/pkg/epoch"
	"github.com/gridtokenx/apigateway/pkg/fanout"
	"github.com/gridtokenx/apigateway/pkg/gateway"
	"github.com/gridtokenx/apigateway/pkg/ledger"
	"github.com/gridtokenx/apigateway/pkg/meter"
	"github.com/gridtokenx/apigateway/pkg/settlement"
)

// healthStatus tracks component connectivity for the /healthz endpoint,
// set once at startup; nothing mutates it afterward so it needs no lock.
type healthStatus struct {
	Database  string    `json:"database"`
	Ledger    string    `json:"ledger"`
	StartedAt time.Time `json:"started_at"`
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("starting gateway")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	policy, err := config.LoadPolicyConfig(cfg.PolicyConfigPath)
	if err != nil {
		log.Printf("policy config %s not found, using defaults: %v", cfg.PolicyConfigPath, err)
		policy = config.DefaultPolicyConfig()
	}

	dbClient, err := database.NewClient(cfg, database.WithLogger(
		log.New(log.Writer(), "[Database] ", log.LstdFlags),
	))
	if err != nil {
		if cfg.DatabaseRequired {
			log.Fatalf("database connection required but failed: %v", err)
		}
		log.Printf("database connection failed, continuing degraded: %v", err)
	} else {
		if err := dbClient.MigrateUp(context.Background()); err != nil {
			log.Printf("migration failed: %v", err)
		}
	}

	repos := database.NewRepositories(dbClient)

	ledgerClient := ledger.New(cfg.LedgerRPCURL, &policy.Ledger)

	coord := coordinator.New(repos.Operations, ledgerClient, policy.Coordinator)

	bus := fanout.New()

	settlementEngine := settlement.New(
		repos.Settlements,
		repos.Orders,
		repos.Matches,
		repos.Users,
		repos.Audit,
		coord,
		ledgerClient,
		settlement.ChainConfig{
			ProgramID:    cfg.ProgramMint,
			Authority:    cfg.GatewayAuthority,
			Mint:         cfg.TokenMint,
			TokenProgram: cfg.TokenProgram,
		},
		policy.Market,
		policy.Coordinator,
		bus,
	)
	coord.RegisterHook(database.OpSettleMatch, settlementEngine.ConfirmationHook)

	scheduler := epoch.New(
		repos.Epochs,
		repos.Orders,
		repos.Matches,
		repos.Audit,
		settlementEngine,
		coord,
		bus,
		epoch.ChainConfig{
			ProgramMarket: cfg.ProgramMarket,
			Authority:     cfg.GatewayAuthority,
		},
		policy.Epoch,
		policy.Market,
		policy.Coordinator,
	)

	meterService := meter.New(
		repos.Meters,
		repos.Readings,
		repos.Users,
		repos.Audit,
		coord,
		ledgerClient,
		meter.ChainConfig{
			ProgramMint:       cfg.ProgramMint,
			ProgramGovernance: cfg.ProgramGovernance,
			Authority:         cfg.GatewayAuthority,
			Mint:              cfg.TokenMint,
			TokenProgram:      cfg.TokenProgram,
		},
		cfg.AllowImpersonation,
		policy.Coordinator,
	)

	mintWorker := meter.NewMintWorker(
		repos.Meters,
		repos.Readings,
		repos.Users,
		coord,
		ledgerClient,
		meter.ChainConfig{
			ProgramMint:       cfg.ProgramMint,
			ProgramGovernance: cfg.ProgramGovernance,
			Authority:         cfg.GatewayAuthority,
			Mint:              cfg.TokenMint,
			TokenProgram:      cfg.TokenProgram,
		},
		policy.Coordinator,
		30*time.Second,
	)
	coord.RegisterHook(database.OpMintTokens, mintWorker.ConfirmationHook)

	svc := gateway.New(
		repos,
		coord,
		scheduler,
		meterService,
		bus,
		gateway.ChainConfig{
			ProgramRegistry: cfg.ProgramRegistry,
			ProgramMarket:   cfg.ProgramMarket,
			Authority:       cfg.GatewayAuthority,
		},
		cfg.AllowImpersonation,
		policy.Coordinator,
	)
	// svc is the boundary the HTTP transport dispatches to; that transport
	// is out of scope here; this process constructs the Service and hands
	// it nowhere further because nothing in this binary calls it directly.
	_ = svc

	mux := http.NewServeMux()
	health := &healthStatus{StartedAt: time.Now(), Database: "unknown", Ledger: "unknown"}
	if dbClient != nil {
		health.Database = "connected"
	} else {
		health.Database = "disconnected"
	}
	health.Ledger = "configured"

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if health.Database == "disconnected" && dbClient == nil && cfg.DatabaseRequired {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:    cfg.HealthAddr,
		Handler: mux,
	}

	ctx, cancel := context.WithCancel(context.Background())

	coord.Start(ctx)
	scheduler.Start(ctx)
	settlementEngine.Start(ctx)
	mintWorker.Start(ctx)

	go func() {
		log.Printf("health server listening on %s", cfg.HealthAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("health server failed: %v", err)
		}
	}()

	log.Printf("gateway %s ready", cfg.ServiceID)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down gateway")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("health server shutdown error: %v", err)
	}

	log.Println("gateway stopped")
}
