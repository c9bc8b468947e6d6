package api

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wattcoin/bounty-engine/internal/security"
	"github.com/wattcoin/bounty-engine/pkg/models"
)

// handleSecurityEvents returns the most recent audit trail entries.
// GET /api/v1/security/events?limit=100
func (h *APIHandler) handleSecurityEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events := h.events.Recent(limit)
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// handleListStakes returns every stake record, newest first.
func (h *APIHandler) handleListStakes(c *gin.Context) {
	stakes := h.stakes.All()
	sort.Slice(stakes, func(i, j int) bool {
		return stakes[i].RecordedAt.After(stakes[j].RecordedAt)
	})
	c.JSON(http.StatusOK, gin.H{
		"stakes": stakes,
		"count":  len(stakes),
	})
}

func (h *APIHandler) handleGetStake(c *gin.Context) {
	pr, err := strconv.Atoi(c.Param("pr"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid PR number"})
		return
	}
	stk, found := h.stakes.Get(pr)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "No stake recorded for this PR"})
		return
	}
	c.JSON(http.StatusOK, stk)
}

// handleRecentPayouts serves payout history from the Postgres archive.
func (h *APIHandler) handleRecentPayouts(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	payouts, err := h.dbStore.RecentPayouts(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch payout history", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payouts": payouts,
		"count":   len(payouts),
	})
}

func (h *APIHandler) handleLeaderboard(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	entries, err := h.dbStore.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch leaderboard", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": entries})
}

// handleAdminStakeReturn returns an active stake when a PR's reviews are
// exhausted without a merge. The transfer runs before the ledger update so
// a failed send leaves the stake active and retryable.
// POST /api/v1/admin/stakes/:pr/return
func (h *APIHandler) handleAdminStakeReturn(c *gin.Context) {
	pr, err := strconv.Atoi(c.Param("pr"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid PR number"})
		return
	}
	stk, found := h.stakes.Get(pr)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "No stake recorded for this PR"})
		return
	}
	if stk.Status != models.StakeActive {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Stake is not active",
			"status": stk.Status,
		})
		return
	}

	returnTx, err := h.chain.SendToken(c.Request.Context(), stk.Wallet, stk.Amount, fmt.Sprintf("stake-return:%d", pr))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Stake return transfer failed", "details": err.Error()})
		return
	}
	if err := h.stakes.MarkReturned(pr, models.ReturnReasonExhausted, returnTx, ""); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Ledger update failed", "details": err.Error(), "tx": returnTx})
		return
	}
	h.events.Log(security.EventStakeReturned, map[string]any{
		"pr_number": pr,
		"wallet":    stk.Wallet,
		"amount":    stk.Amount,
		"tx":        returnTx,
		"reason":    models.ReturnReasonExhausted,
	})

	c.JSON(http.StatusOK, gin.H{
		"status":    "returned",
		"pr_number": pr,
		"wallet":    stk.Wallet,
		"amount":    stk.Amount,
		"tx":        returnTx,
	})
}

// handleAdminBan adds a user or wallet to the persisted ban list.
// POST /api/v1/admin/ban { "id": "some-user" }
func (h *APIHandler) handleAdminBan(c *gin.Context) {
	var req struct {
		ID string `json:"id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {id}"})
		return
	}
	if h.bans.IsSystemAccount(req.ID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "System accounts cannot be banned"})
		return
	}
	h.bans.Ban(req.ID)
	h.events.Log(security.EventBlockedBan, map[string]any{
		"id":     req.ID,
		"action": "banned_by_admin",
	})
	c.JSON(http.StatusOK, gin.H{"status": "banned", "id": req.ID})
}
