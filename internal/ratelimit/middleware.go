package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// API ingress tiers. Wallets identify themselves with an `X-Wallet` header
// or `Authorization: Wallet <addr>`; staked wallets get the top tier.
const (
	TierPublic        = "public"
	TierAuthenticated = "authenticated"
	TierStaked        = "staked"
)

// TierConfig holds the per-minute quotas for each ingress tier.
type TierConfig struct {
	Public        int
	Authenticated int
	Staked        int
	Window        time.Duration
	MinStake      int64
	// StakeOf resolves a wallet's current stake for tier boosting. May be
	// nil, in which case nobody reaches the staked tier.
	StakeOf func(wallet string) int64
}

func walletFromRequest(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); len(auth) > 7 && auth[:7] == "Wallet " {
		return auth[7:]
	}
	return c.GetHeader("X-Wallet")
}

func (tc TierConfig) resolve(wallet string) (int, string) {
	if wallet == "" {
		return tc.Public, TierPublic
	}
	if tc.StakeOf != nil && tc.StakeOf(wallet) >= tc.MinStake {
		return tc.Staked, TierStaked
	}
	return tc.Authenticated, TierAuthenticated
}

func setHeaders(c *gin.Context, r Result) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(r.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(r.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(r.Reset, 10))
}

// Middleware enforces tiered per-identity API quotas. Identity is the
// wallet when declared, the client IP otherwise.
func Middleware(l *Limiter, tc TierConfig) gin.HandlerFunc {
	if tc.Window <= 0 {
		tc.Window = time.Minute
	}
	return func(c *gin.Context) {
		// Health checks stay reachable under load.
		if c.Request.URL.Path == "/api/v1/health" || c.Request.URL.Path == "/health" {
			c.Next()
			return
		}

		wallet := walletFromRequest(c)
		limit, tier := tc.resolve(wallet)

		identity := "ip:" + c.ClientIP()
		if wallet != "" {
			identity = "wallet:" + wallet
		}

		res := l.Allow(identity, "api:"+tier, limit, tc.Window)
		setHeaders(c, res)

		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(res.RetryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success":             false,
				"error":               "rate_limit_exceeded",
				"message":             "Too many requests. Please slow down and try again later.",
				"retry_after_seconds": res.RetryAfter,
				"limit":               res.Limit,
				"window_seconds":      int(tc.Window.Seconds()),
				"tier":                tier,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
