package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wattcoin/bounty-engine/internal/ai"
	"github.com/wattcoin/bounty-engine/internal/api"
	"github.com/wattcoin/bounty-engine/internal/codehost"
	"github.com/wattcoin/bounty-engine/internal/config"
	"github.com/wattcoin/bounty-engine/internal/db"
	"github.com/wattcoin/bounty-engine/internal/issuescan"
	"github.com/wattcoin/bounty-engine/internal/metrics"
	"github.com/wattcoin/bounty-engine/internal/ratelimit"
	"github.com/wattcoin/bounty-engine/internal/review"
	"github.com/wattcoin/bounty-engine/internal/security"
	"github.com/wattcoin/bounty-engine/internal/solana"
	"github.com/wattcoin/bounty-engine/internal/stake"
	"github.com/wattcoin/bounty-engine/internal/store"
	"github.com/wattcoin/bounty-engine/internal/webhook"
	"github.com/wattcoin/bounty-engine/pkg/models"
)

func main() {
	log.Println("Starting WattCoin Bounty Engine (Microservice: pr-bounty-orchestrator)...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	cfg := config.Load()
	escrow := requireEnv("ESCROW_WALLET_ADDRESS")
	cfg.EscrowWallet = escrow

	jsonStore, err := store.New(cfg.DataDir)
	if err != nil {
		log.Fatalf("FATAL: Could not initialize data directory %s: %v", cfg.DataDir, err)
	}

	// Optional Postgres archive. The engine degrades to JSON-only
	// persistence when the archive is unreachable.
	var archive *db.PostgresStore
	if cfg.DatabaseURL != "" {
		archive, err = db.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Printf("Warning: Failed to connect to PostgreSQL, continuing without history archive. Error: %v", err)
			archive = nil
		} else {
			defer archive.Close()
			if err := archive.InitSchema(); err != nil {
				log.Printf("Warning: DB schema init failed: %v", err)
			}
		}
	}

	events := security.NewEventLog(jsonStore)
	bans := security.NewBanRegistry(jsonStore)
	limiter := ratelimit.NewLimiter(jsonStore, cfg.MaxPRsPerDay, cfg.PayoutCooldown)
	stakes := stake.NewLedger(jsonStore)

	// Chain client. Signing is delegated to an external service so the
	// escrow keypair never enters this process.
	var signer solana.Signer
	if signerURL := os.Getenv("SIGNER_SERVICE_URL"); signerURL != "" {
		signer = solana.NewRemoteSigner(signerURL, os.Getenv("SIGNER_SERVICE_TOKEN"), cfg.RequestTimeout)
	} else {
		log.Println("Warning: SIGNER_SERVICE_URL not set. Payouts and stake returns will fail until a signer is configured.")
	}
	chain := solana.NewClient(solana.Config{
		URL:           cfg.RPCURL,
		TokenMint:     cfg.TokenMint,
		TokenDecimals: cfg.TokenDecimals,
		Timeout:       cfg.RequestTimeout,
	}, signer)

	verifier := stake.NewVerifier(chain, cfg.EscrowWallet, cfg.TokenMint, cfg.StakeTxMaxAge)

	host := codehost.NewClient(codehost.Config{
		Repo:       cfg.Repo,
		Token:      cfg.GitHubToken,
		MaxRetries: cfg.MaxRetries,
		RetryBase:  cfg.RetryDelayBase,
	})

	provider := ai.NewChatProvider(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel)
	engine := review.NewEngine(provider, cfg.MaxRetries, cfg.RetryDelayBase)
	safety := review.NewSafetyScanner(provider, host, events, cfg.Repo)
	evaluator := review.NewBountyEvaluator(provider, cfg.EscrowWallet, cfg.StakePercentage)

	registry := prometheus.NewRegistry()
	engineMetrics := metrics.New(registry)

	// Setup WebSocket Hub and fan security events out to dashboards and
	// the archive.
	wsHub := api.NewHub()
	go wsHub.Run()
	events.AddSink(api.EventSink(wsHub))
	if archive != nil {
		events.AddSink(func(ev models.SecurityEvent) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := archive.SaveSecurityEvent(ctx, ev.Type, ev.Details); err != nil {
				log.Printf("Warning: Failed to archive security event: %v", err)
			}
		})
	}

	hook := &webhook.Handler{
		Cfg:      cfg,
		Host:     host,
		Chain:    chain,
		Verifier: verifier,
		Reviews:  engine,
		Safety:   safety,
		Stakes:   stakes,
		Limiter:  limiter,
		Bans:     bans,
		Events:   events,
		Store:    jsonStore,
		Archive:  archive,
		Metrics:  engineMetrics,
	}

	// Setup and start the bounty issue scanner.
	scanInterval := time.Duration(getEnvIntOrDefault("ISSUE_SCAN_INTERVAL_SECONDS", 300)) * time.Second
	issueScanner := issuescan.NewScanner(host, evaluator, archive, scanInterval)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go issueScanner.Run(ctx)

	// Setup the Gin Router
	r := api.SetupRouter(cfg, hook, archive, wsHub, events, stakes, bans, chain, limiter, registry)

	port := getEnvOrDefault("PORT", "5340")

	// Start the server
	log.Printf("Engine running on :%s (API Node: pr-bounty-orchestrator)\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}
