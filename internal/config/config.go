package config

import (
	"os"
	"strconv"
	"time"
)

// Config gathers every knob the engine reads from the environment.
// It is loaded once in main and handed to subsystems explicitly; no package
// keeps its own env reads or mutable globals.
type Config struct {
	// Code host
	Repo          string // "org/name"
	WebhookSecret string // HMAC key for the signature gate; empty = accept all (warned)
	GitHubToken   string

	// Chain
	RPCURL        string
	EscrowWallet  string
	TokenMint     string
	TokenDecimals int

	// Staking
	StakePercentage int   // 1-100
	StakeTxMaxAge   time.Duration

	// Emergency controls
	PausePayouts          bool
	PauseReviews          bool
	RequireDoubleApproval bool

	// AI
	AIAPIKey   string
	AIBaseURL  string
	AIModel    string

	// Retry policy
	MaxRetries     int
	RetryDelayBase time.Duration
	RequestTimeout time.Duration

	// Rate limits
	MaxPRsPerDay       int
	PayoutCooldown     time.Duration
	RateLimitDefault   int // req/min, public
	RateLimitAuthed    int // req/min, authenticated wallet
	RateLimitStaked    int // req/min, staked wallet
	RateLimitWindow    time.Duration
	MinStakeForBoost   int64

	// Merge policy
	MergeThreshold int // quality score 0-10 required for auto-merge

	// Storage
	DataDir     string
	DatabaseURL string // optional Postgres archive
}

// Load reads the full configuration from the environment.
// Secrets are not defaulted; callers decide which ones are fatal when absent.
func Load() Config {
	return Config{
		Repo:          getEnv("GITHUB_REPO", "WattCoin-Org/wattcoin"),
		WebhookSecret: os.Getenv("GITHUB_WEBHOOK_SECRET"),
		GitHubToken:   os.Getenv("GITHUB_TOKEN"),

		RPCURL:        getEnv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
		EscrowWallet:  os.Getenv("ESCROW_WALLET_ADDRESS"),
		TokenMint:     getEnv("WATT_TOKEN_MINT", "Gpmbh4PoQnL1kNgpMYDED3iv4fczcr7d3qNBLf8rpump"),
		TokenDecimals: getEnvInt("WATT_TOKEN_DECIMALS", 6),

		StakePercentage: clampInt(getEnvInt("BOUNTY_STAKE_PERCENTAGE", 10), 1, 100),
		StakeTxMaxAge:   time.Duration(getEnvInt("STAKE_TX_MAX_AGE_SECONDS", 86400)) * time.Second,

		PausePayouts:          getEnvBool("PAUSE_PR_PAYOUTS"),
		PauseReviews:          getEnvBool("PAUSE_PR_REVIEWS"),
		RequireDoubleApproval: getEnvBool("REQUIRE_DOUBLE_APPROVAL"),

		AIAPIKey:  os.Getenv("AI_API_KEY"),
		AIBaseURL: getEnv("AI_BASE_URL", "https://api.x.ai/v1"),
		AIModel:   getEnv("AI_MODEL", "grok-3-mini"),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		RetryDelayBase: time.Duration(getEnvInt("RETRY_DELAY_BASE", 1)) * time.Second,
		RequestTimeout: time.Duration(getEnvInt("REQUEST_TIMEOUT", 15)) * time.Second,

		MaxPRsPerDay:     getEnvInt("RATE_LIMIT_MAX_PRS_PER_DAY", 100),
		PayoutCooldown:   time.Duration(getEnvInt("RATE_LIMIT_PAYOUT_COOLDOWN_HOURS", 24)) * time.Hour,
		RateLimitDefault: getEnvInt("RATE_LIMIT_DEFAULT", 60),
		RateLimitAuthed:  getEnvInt("RATE_LIMIT_AUTHENTICATED", 200),
		RateLimitStaked:  getEnvInt("RATE_LIMIT_STAKED", 500),
		RateLimitWindow:  time.Duration(getEnvInt("RATE_LIMIT_WINDOW", 60)) * time.Second,
		MinStakeForBoost: int64(getEnvInt("RATE_LIMIT_MIN_STAKE", 10000)),

		MergeThreshold: getEnvInt("MERGE_THRESHOLD", 8),

		DataDir:     getEnv("DATA_DIR", "data"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string) bool {
	switch os.Getenv(key) {
	case "true", "TRUE", "True", "1":
		return true
	}
	return false
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
