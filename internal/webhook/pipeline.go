package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wattcoin/bounty-engine/internal/security"
	"github.com/wattcoin/bounty-engine/internal/stake"
	"github.com/wattcoin/bounty-engine/internal/store"
	"github.com/wattcoin/bounty-engine/pkg/models"
)

type reviewsDoc map[string]models.ReviewResult
type payoutsDoc map[string]models.PayoutRecord

// handleReview runs the opened/synchronize flow: gates, stake
// verification, quality review, safety scan, merge decision.
func (h *Handler) handleReview(ctx context.Context, requestID string, pr models.PullRequest) Outcome {
	started := time.Now()

	// Emergency pause stops all review activity but still acks the
	// delivery, so the code host does not retry into a paused system.
	if h.Cfg.PauseReviews {
		h.Events.Log(security.EventEmergencyPause, map[string]any{
			"request_id": requestID,
			"pr_number":  pr.Number,
			"scope":      "reviews",
		})
		h.Metrics.GateRejections.WithLabelValues("pause").Inc()
		return ok("Reviews are paused", map[string]any{"pr_number": pr.Number})
	}

	// Ban gate on the author, then on the declared wallet if one parses.
	// Wallet extraction here is tolerant: a missing or malformed wallet is
	// not a review blocker, only a payout blocker later.
	if h.Bans.IsBanned(pr.Author) {
		h.Events.Log(security.EventBlockedBan, map[string]any{
			"request_id": requestID,
			"pr_number":  pr.Number,
			"user":       pr.Author,
		})
		h.Metrics.GateRejections.WithLabelValues("ban").Inc()
		return rejected(http.StatusForbidden, "User is banned from the bounty program", nil)
	}
	wallet, _, walletErr := security.ExtractWallet(pr.Body)
	if walletErr == nil && h.Bans.IsBanned(wallet) {
		h.Events.Log(security.EventBlockedBan, map[string]any{
			"request_id": requestID,
			"pr_number":  pr.Number,
			"wallet":     wallet,
		})
		h.Metrics.GateRejections.WithLabelValues("ban").Inc()
		return rejected(http.StatusForbidden, "Wallet is banned from the bounty program", nil)
	}

	// Rate limit, keyed by wallet when declared so account rotation does
	// not reset the window. System accounts are exempt.
	if !h.Bans.IsSystemAccount(pr.Author) {
		limitKey := wallet
		if limitKey == "" {
			limitKey = strings.ToLower(pr.Author)
		}
		if res := h.Limiter.CheckPRSubmission(limitKey); !res.Allowed {
			h.Events.Log(security.EventRateLimit, map[string]any{
				"request_id": requestID,
				"pr_number":  pr.Number,
				"key":        limitKey,
				"reason":     res.Reason,
			})
			h.Metrics.GateRejections.WithLabelValues("rate_limit").Inc()
			return rejected(http.StatusTooManyRequests, res.Reason, map[string]any{
				"retry_after": res.RetryAfter,
			})
		}
	}

	// Stake verification, when the PR declares one and links a bounty issue.
	stakeStatus := h.ensureStake(ctx, requestID, pr, wallet)

	// Quality review.
	diff, err := h.Host.GetDiff(ctx, pr.Number)
	if err != nil {
		log.Printf("[WEBHOOK] [%s] Diff fetch failed for PR #%d: %v", requestID, pr.Number, err)
		return rejected(http.StatusBadGateway, "Could not fetch PR diff", nil)
	}
	result := h.Reviews.ReviewPR(ctx, pr, diff)
	h.Metrics.ReviewVerdicts.WithLabelValues(result.Verdict).Inc()
	h.persistReview(ctx, result)

	if err := h.Host.PostComment(ctx, pr.Number, formatReviewComment(result, stakeStatus)); err != nil {
		log.Printf("[WEBHOOK] [%s] Review comment failed for PR #%d: %v", requestID, pr.Number, err)
	}

	// Safety scan is fail-closed: a report that did not run blocks merge
	// exactly like a flagged one.
	safety := h.Safety.Scan(ctx, pr.Number)
	outcome := "pass"
	if !safety.Passed {
		outcome = "fail"
		if !safety.ScanRan {
			outcome = "unavailable"
		}
	}
	h.Metrics.SafetyVerdicts.WithLabelValues(outcome).Inc()

	h.Metrics.ReviewDuration.Observe(time.Since(started).Seconds())

	// Merge decision.
	details := map[string]any{
		"pr_number":    pr.Number,
		"score":        result.Score,
		"verdict":      result.Verdict,
		"safety":       safety.Passed,
		"stake":        stakeStatus,
		"needs_review": result.NeedsReview,
	}

	if result.NeedsReview {
		return ok("Review inconclusive; flagged for human review", details)
	}
	if result.Score < h.Cfg.MergeThreshold || result.Verdict != "pass" {
		return ok("Review complete; below merge threshold", details)
	}
	if !safety.Passed {
		return ok("Review passed but security scan blocked merge", details)
	}
	if stakeStatus == stakeMissing || stakeStatus == stakeRejected {
		return ok("Review passed but stake is not in place", details)
	}
	if h.Cfg.RequireDoubleApproval {
		if err := h.Host.PostComment(ctx, pr.Number,
			fmt.Sprintf("✅ Automated review passed (%d/10) and security scan is clean. Double approval is required; a maintainer must merge manually.", result.Score)); err != nil {
			log.Printf("[WEBHOOK] [%s] Double-approval comment failed for PR #%d: %v", requestID, pr.Number, err)
		}
		details["held_for_approval"] = true
		return ok("Merge withheld pending second approval", details)
	}

	if err := h.Host.MergePR(ctx, pr.Number, result.Score); err != nil {
		log.Printf("[WEBHOOK] [%s] Auto-merge failed for PR #%d: %v", requestID, pr.Number, err)
		details["merge_error"] = err.Error()
		return ok("Review passed but merge failed; will retry on next delivery", details)
	}
	details["merged"] = true
	log.Printf("[WEBHOOK] [%s] PR #%d auto-merged (score %d/10)", requestID, pr.Number, result.Score)
	return ok("PR reviewed and merged", details)
}

// Stake statuses reported back through the pipeline.
const (
	stakeRecorded  = "recorded"     // verified this delivery
	stakeExisting  = "active"       // already on the ledger
	stakeMissing   = "missing"      // bounty issue linked but no usable stake
	stakeRejected  = "rejected"     // declared but failed verification
	stakeNotNeeded = "not_required" // no bounty issue linked
)

// ensureStake verifies and records the declared stake when the PR links a
// bounty issue. It never aborts the review; its status feeds the merge
// decision.
func (h *Handler) ensureStake(ctx context.Context, requestID string, pr models.PullRequest, wallet string) string {
	if existing, found := h.Stakes.Get(pr.Number); found && existing.Status == models.StakeActive {
		return stakeExisting
	}

	issueNumber := security.ExtractIssueNumber(pr.Body)
	if issueNumber == 0 {
		return stakeNotNeeded
	}
	issue, err := h.Host.GetIssue(ctx, issueNumber)
	if err != nil {
		log.Printf("[WEBHOOK] [%s] Issue #%d lookup failed for PR #%d: %v", requestID, issueNumber, pr.Number, err)
		return stakeMissing
	}
	bounty := security.ParseBountyAmount(issue.Title)
	if bounty == 0 {
		// Linked issue carries no bounty tag; nothing to stake against.
		return stakeNotNeeded
	}

	if wallet == "" {
		return stakeMissing
	}
	stakeTx, _, err := security.ExtractStakeTx(pr.Body)
	if err != nil {
		h.rejectStake(ctx, requestID, pr.Number, err.Error())
		return stakeMissing
	}

	expected := bounty * int64(h.Cfg.StakePercentage) / 100
	if err := h.Verifier.Verify(ctx, stakeTx, wallet, expected); err != nil {
		h.rejectStake(ctx, requestID, pr.Number, fmt.Sprintf("stake verification failed: %v", err))
		return stakeRejected
	}

	if err := h.Stakes.Record(pr.Number, wallet, stakeTx, expected); err != nil {
		switch {
		case errors.Is(err, stake.ErrAlreadyStaked):
			return stakeExisting
		case errors.Is(err, stake.ErrTxAlreadyUsed):
			h.rejectStake(ctx, requestID, pr.Number, "tx_already_used: this stake transaction is already bound to another PR")
			return stakeRejected
		default:
			log.Printf("[WEBHOOK] [%s] Stake record failed for PR #%d: %v", requestID, pr.Number, err)
			return stakeRejected
		}
	}

	h.Metrics.StakesRecorded.Inc()
	log.Printf("[WEBHOOK] [%s] Stake recorded for PR #%d: %d WATT from %s", requestID, pr.Number, expected, wallet)
	return stakeRecorded
}

func (h *Handler) rejectStake(ctx context.Context, requestID string, prNumber int, reason string) {
	h.Events.Log(security.EventStakeRejected, map[string]any{
		"request_id": requestID,
		"pr_number":  prNumber,
		"reason":     reason,
	})
	if err := h.Host.PostComment(ctx, prNumber, "⚠️ Stake rejected: "+reason); err != nil {
		log.Printf("[WEBHOOK] [%s] Stake rejection comment failed for PR #%d: %v", requestID, prNumber, err)
	}
}

// handleMerged runs the payout flow for a merged PR. The stake ledger is
// the idempotency anchor: a stake already returned for reason "merged"
// means this delivery is a repeat.
func (h *Handler) handleMerged(ctx context.Context, requestID string, pr models.PullRequest) Outcome {
	stk, hasStake := h.Stakes.Get(pr.Number)
	if hasStake && stk.Status == models.StakeReturned && stk.ReturnReason == models.ReturnReasonMerged {
		return ok("Payout already executed for this PR", map[string]any{
			"pr_number": pr.Number,
			"payout_tx": stk.PayoutTx,
		})
	}
	// Secondary guard for PRs merged without a stake on the ledger.
	if rec, paid := h.payoutRecord(pr.Number); paid {
		return ok("Payout already executed for this PR", map[string]any{
			"pr_number": pr.Number,
			"payout_tx": rec.TxSignature,
		})
	}

	// Resolve the payout wallet: the verified stake wallet wins, the PR
	// body is the fallback.
	wallet := ""
	if hasStake && stk.Status == models.StakeActive {
		wallet = stk.Wallet
	} else {
		w, _, err := security.ExtractWallet(pr.Body)
		if err != nil {
			log.Printf("[WEBHOOK] [%s] No payout wallet for merged PR #%d: %v", requestID, pr.Number, err)
			if cerr := h.Host.PostComment(ctx, pr.Number,
				"⚠️ PR merged but no payout sent: "+err.Error()); cerr != nil {
				log.Printf("[WEBHOOK] [%s] Missing-wallet comment failed for PR #%d: %v", requestID, pr.Number, cerr)
			}
			return ok("Merged without payout: no valid wallet declared", map[string]any{"pr_number": pr.Number})
		}
		wallet = w
	}

	if h.Bans.IsBanned(pr.Author) || h.Bans.IsBanned(wallet) {
		h.Events.Log(security.EventPayoutBlocked, map[string]any{
			"request_id": requestID,
			"pr_number":  pr.Number,
			"reason":     "banned",
		})
		h.Metrics.GateRejections.WithLabelValues("ban").Inc()
		return rejected(http.StatusForbidden, "Payout blocked: banned", nil)
	}

	// The bounty amount comes from the linked issue's title, never from
	// anything the contributor wrote.
	issueNumber := security.ExtractIssueNumber(pr.Body)
	var bounty int64
	if issueNumber != 0 {
		issue, err := h.Host.GetIssue(ctx, issueNumber)
		if err != nil {
			log.Printf("[WEBHOOK] [%s] Issue #%d lookup failed for merged PR #%d: %v", requestID, issueNumber, pr.Number, err)
			return rejected(http.StatusBadGateway, "Could not resolve bounty issue; payout will retry on re-delivery", nil)
		}
		bounty = security.ParseBountyAmount(issue.Title)
	}
	if bounty == 0 {
		if !hasStake || stk.Status != models.StakeActive {
			return ok("Merged PR has no bounty attached; nothing to pay", map[string]any{"pr_number": pr.Number})
		}
		// No bounty but an active stake: return the stake alone.
		return h.returnStakeOnly(ctx, requestID, pr.Number, stk)
	}
	if bounty > models.MaxBountyAmount {
		bounty = models.MaxBountyAmount
	}

	if h.Cfg.PausePayouts {
		h.Events.Log(security.EventPayoutBlocked, map[string]any{
			"request_id": requestID,
			"pr_number":  pr.Number,
			"reason":     "payouts_paused",
		})
		h.Metrics.GateRejections.WithLabelValues("pause").Inc()
		return ok("Payouts are paused; payout will retry on re-delivery", map[string]any{"pr_number": pr.Number})
	}

	payoutTx, err := h.Chain.SendToken(ctx, wallet, bounty, fmt.Sprintf("bounty-paid:%d", pr.Number))
	if err != nil {
		h.Metrics.PayoutsFailed.Inc()
		h.Events.Log(security.EventPayoutBlocked, map[string]any{
			"request_id": requestID,
			"pr_number":  pr.Number,
			"reason":     fmt.Sprintf("transfer failed: %v", err),
		})
		return rejected(http.StatusBadGateway, "Payout transfer failed; will retry on re-delivery", nil)
	}

	// Stake return rides on the payout. A failed return does not undo the
	// payout, so the ledger is marked returned either way; the return
	// transfer is then an admin follow-up rather than a double-pay risk.
	returnTx := ""
	if hasStake && stk.Status == models.StakeActive {
		returnTx, err = h.Chain.SendToken(ctx, stk.Wallet, stk.Amount, fmt.Sprintf("stake-return:%d", pr.Number))
		if err != nil {
			log.Printf("[WEBHOOK] [%s] Stake return transfer failed for PR #%d (payout %s succeeded): %v", requestID, pr.Number, payoutTx, err)
		}
	}
	if hasStake {
		if err := h.Stakes.MarkReturned(pr.Number, models.ReturnReasonMerged, returnTx, payoutTx); err != nil {
			log.Printf("[WEBHOOK] [%s] Stake ledger update failed for PR #%d: %v", requestID, pr.Number, err)
		} else if returnTx != "" {
			h.Events.Log(security.EventStakeReturned, map[string]any{
				"pr_number": pr.Number,
				"wallet":    stk.Wallet,
				"amount":    stk.Amount,
				"tx":        returnTx,
				"reason":    models.ReturnReasonMerged,
			})
		}
	}

	record := models.PayoutRecord{
		PRNumber:    pr.Number,
		IssueNumber: issueNumber,
		Wallet:      wallet,
		Amount:      bounty,
		TxSignature: payoutTx,
		PaidAt:      time.Now().UTC(),
	}
	h.persistPayout(ctx, record)
	h.Limiter.RecordPayout(wallet)
	h.Metrics.PayoutsExecuted.Inc()
	h.Events.Log(security.EventPayoutExecuted, map[string]any{
		"pr_number": pr.Number,
		"wallet":    wallet,
		"amount":    bounty,
		"tx":        payoutTx,
	})

	comment := fmt.Sprintf("💰 Bounty paid: **%d WATT** to `%s`\nTransaction: `%s`", bounty, wallet, payoutTx)
	if returnTx != "" {
		comment += fmt.Sprintf("\nStake returned: `%s`", returnTx)
	}
	if err := h.Host.PostComment(ctx, pr.Number, comment); err != nil {
		log.Printf("[WEBHOOK] [%s] Payout comment failed for PR #%d: %v", requestID, pr.Number, err)
	}

	return ok("Bounty paid", map[string]any{
		"pr_number": pr.Number,
		"amount":    bounty,
		"wallet":    wallet,
		"payout_tx": payoutTx,
		"return_tx": returnTx,
	})
}

// returnStakeOnly handles a merged PR whose linked issue has no bounty but
// whose contributor staked anyway.
func (h *Handler) returnStakeOnly(ctx context.Context, requestID string, prNumber int, stk models.Stake) Outcome {
	returnTx, err := h.Chain.SendToken(ctx, stk.Wallet, stk.Amount, fmt.Sprintf("stake-return:%d", prNumber))
	if err != nil {
		log.Printf("[WEBHOOK] [%s] Stake return failed for PR #%d: %v", requestID, prNumber, err)
		return rejected(http.StatusBadGateway, "Stake return transfer failed; will retry on re-delivery", nil)
	}
	if err := h.Stakes.MarkReturned(prNumber, models.ReturnReasonMerged, returnTx, ""); err != nil {
		log.Printf("[WEBHOOK] [%s] Stake ledger update failed for PR #%d: %v", requestID, prNumber, err)
	}
	h.Events.Log(security.EventStakeReturned, map[string]any{
		"pr_number": prNumber,
		"wallet":    stk.Wallet,
		"amount":    stk.Amount,
		"tx":        returnTx,
		"reason":    models.ReturnReasonMerged,
	})
	return ok("Stake returned", map[string]any{
		"pr_number": prNumber,
		"return_tx": returnTx,
	})
}

func (h *Handler) payoutRecord(prNumber int) (models.PayoutRecord, bool) {
	doc := payoutsDoc{}
	h.Store.Load(store.FilePayouts, &doc)
	rec, ok := doc[strconv.Itoa(prNumber)]
	return rec, ok
}

func (h *Handler) persistPayout(ctx context.Context, rec models.PayoutRecord) {
	doc := payoutsDoc{}
	if err := h.Store.Update(store.FilePayouts, &doc, func(bool) bool {
		doc[strconv.Itoa(rec.PRNumber)] = rec
		return true
	}); err != nil {
		log.Printf("[WEBHOOK] Failed to persist payout record for PR #%d: %v", rec.PRNumber, err)
	}
	if h.Archive != nil {
		if err := h.Archive.SavePayout(ctx, rec); err != nil {
			log.Printf("[WEBHOOK] Failed to archive payout for PR #%d: %v", rec.PRNumber, err)
		}
	}
}

func (h *Handler) persistReview(ctx context.Context, result models.ReviewResult) {
	doc := reviewsDoc{}
	if err := h.Store.Update(store.FileReviews, &doc, func(bool) bool {
		doc[strconv.Itoa(result.PRNumber)] = result
		return true
	}); err != nil {
		log.Printf("[WEBHOOK] Failed to persist review for PR #%d: %v", result.PRNumber, err)
	}
	if h.Archive != nil {
		if err := h.Archive.SaveReview(ctx, result.PRNumber, result.Attempts, "quality", result.Score, result.Verdict, "", result.Summary); err != nil {
			log.Printf("[WEBHOOK] Failed to archive review for PR #%d: %v", result.PRNumber, err)
		}
	}
}

func formatReviewComment(r models.ReviewResult, stakeStatus string) string {
	var b strings.Builder
	if r.NeedsReview {
		b.WriteString("⚠️ **Automated review could not complete** — flagged for human review.\n\n")
		b.WriteString(r.Summary)
		return b.String()
	}

	icon := "❌"
	if r.Verdict == "pass" {
		icon = "✅"
	}
	fmt.Fprintf(&b, "%s **Automated Review: %d/10** (%s)\n\n", icon, r.Score, strings.ToUpper(r.Verdict))
	if r.Summary != "" {
		b.WriteString(r.Summary + "\n")
	}
	if len(r.Dimensions) > 0 {
		b.WriteString("\n| Dimension | Score |\n|---|---|\n")
		for _, k := range []string{"mission_alignment", "legitimacy", "impact_vs_effort", "abuse_risk"} {
			if d, ok := r.Dimensions[k]; ok {
				fmt.Fprintf(&b, "| %s | %d/10 |\n", strings.ReplaceAll(k, "_", " "), d.Score)
			}
		}
	}
	if len(r.Flags) > 0 {
		fmt.Fprintf(&b, "\nFlags: %s\n", strings.Join(r.Flags, "; "))
	}
	switch stakeStatus {
	case stakeMissing:
		b.WriteString("\n⚠️ No valid stake is recorded for this PR. A verified stake is required before auto-merge.\n")
	case stakeRejected:
		b.WriteString("\n⚠️ The declared stake was rejected. See the stake comment above.\n")
	}
	return b.String()
}
