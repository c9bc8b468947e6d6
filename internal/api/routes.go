package api

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wattcoin/bounty-engine/internal/config"
	"github.com/wattcoin/bounty-engine/internal/db"
	"github.com/wattcoin/bounty-engine/internal/ratelimit"
	"github.com/wattcoin/bounty-engine/internal/security"
	"github.com/wattcoin/bounty-engine/internal/stake"
	"github.com/wattcoin/bounty-engine/internal/webhook"
)

// maxWebhookBody bounds the request body read for a webhook delivery.
const maxWebhookBody = 1 << 20 // 1 MiB

type APIHandler struct {
	cfg     config.Config
	hook    *webhook.Handler
	dbStore *db.PostgresStore
	wsHub   *Hub
	events  *security.EventLog
	stakes  *stake.Ledger
	bans    *security.BanRegistry
	chain   webhook.TokenSender
	started time.Time
}

func SetupRouter(cfg config.Config, hook *webhook.Handler, dbStore *db.PostgresStore, wsHub *Hub,
	events *security.EventLog, stakes *stake.Ledger, bans *security.BanRegistry,
	chain webhook.TokenSender, limiter *ratelimit.Limiter, registry *prometheus.Registry) *gin.Engine {

	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://wattcoin.org,https://www.wattcoin.org
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Wallet")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		cfg:     cfg,
		hook:    hook,
		dbStore: dbStore,
		wsHub:   wsHub,
		events:  events,
		stakes:  stakes,
		bans:    bans,
		chain:   chain,
		started: time.Now(),
	}

	// Tiered ingress quotas; webhook deliveries carry their own gate chain
	// and are exempted inside the middleware identity (signed by GitHub).
	r.Use(ratelimit.Middleware(limiter, ratelimit.TierConfig{
		Public:        cfg.RateLimitDefault,
		Authenticated: cfg.RateLimitAuthed,
		Staked:        cfg.RateLimitStaked,
		Window:        cfg.RateLimitWindow,
		MinStake:      cfg.MinStakeForBoost,
		StakeOf:       stakes.ActiveStakeOf,
	}))

	r.POST("/webhooks/github", handler.handleWebhook)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	api := r.Group("/api/v1")
	{
		api.GET("/health", handler.handleHealth)
		api.GET("/stream", wsHub.Subscribe)

		api.GET("/security/events", handler.handleSecurityEvents)
		api.GET("/stakes", handler.handleListStakes)
		api.GET("/stakes/:pr", handler.handleGetStake)
		api.GET("/payouts/recent", handler.handleRecentPayouts)
		api.GET("/leaderboard", handler.handleLeaderboard)
	}

	admin := r.Group("/api/v1/admin")
	admin.Use(AuthMiddleware())
	{
		admin.POST("/stakes/:pr/return", handler.handleAdminStakeReturn)
		admin.POST("/ban", handler.handleAdminBan)
	}

	return r
}

// handleWebhook reads the raw delivery and hands it to the pipeline. The
// body must be read before any JSON binding: the signature covers the
// exact bytes GitHub sent.
func (h *APIHandler) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read request body"})
		return
	}

	outcome := h.hook.Handle(
		c.Request.Context(),
		c.GetHeader("X-GitHub-Event"),
		c.GetHeader("X-Hub-Signature-256"),
		body,
	)
	c.JSON(outcome.Status, outcome.Body)
}

// handleHealth returns engine status and capabilities for service discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "operational",
		"engine": "WattCoin Bounty Engine v1.0",
		"repo":   h.cfg.Repo,
		"uptime": time.Since(h.started).Round(time.Second).String(),
		"capabilities": gin.H{
			"auto_review":     !h.cfg.PauseReviews,
			"auto_payouts":    !h.cfg.PausePayouts,
			"double_approval": h.cfg.RequireDoubleApproval,
			"stake_gate":      true,
			"safety_scan":     true,
		},
		"dbConnected": h.dbStore != nil,
	})
}
