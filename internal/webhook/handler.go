package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/wattcoin/bounty-engine/internal/config"
	"github.com/wattcoin/bounty-engine/internal/db"
	"github.com/wattcoin/bounty-engine/internal/metrics"
	"github.com/wattcoin/bounty-engine/internal/ratelimit"
	"github.com/wattcoin/bounty-engine/internal/security"
	"github.com/wattcoin/bounty-engine/internal/stake"
	"github.com/wattcoin/bounty-engine/internal/store"
	"github.com/wattcoin/bounty-engine/pkg/models"
)

// ──────────────────────────────────────────────────────────────────────
// Webhook Orchestrator
//
// One inbound PR event runs the full gate sequence to completion before
// the HTTP response: signature, event filter, pause, ban, rate limit,
// stake verification, quality review, safety scan, merge decision,
// payout with stake return. Deliveries are unordered and may repeat;
// every step re-derives state from the ledgers, and payout idempotency
// hangs off the stake record.
// ──────────────────────────────────────────────────────────────────────

// CodeHost is the slice of the code-host client the handler drives.
type CodeHost interface {
	GetPR(ctx context.Context, number int) (models.PullRequest, error)
	GetDiff(ctx context.Context, number int) (string, error)
	PostComment(ctx context.Context, number int, body string) error
	MergePR(ctx context.Context, number, score int) error
	GetIssue(ctx context.Context, number int) (models.Issue, error)
}

// TokenSender submits signed token transfers. Amount is whole tokens.
type TokenSender interface {
	SendToken(ctx context.Context, dest string, amount int64, memo string) (string, error)
}

// StakeVerifier confirms a claimed stake deposit on chain.
type StakeVerifier interface {
	Verify(ctx context.Context, stakeTx, contributorWallet string, expectedAmount int64) error
}

// QualityReviewer scores a PR.
type QualityReviewer interface {
	ReviewPR(ctx context.Context, pr models.PullRequest, diff string) models.ReviewResult
}

// SafetyScanner audits a PR diff, fail-closed.
type SafetyScanner interface {
	Scan(ctx context.Context, prNumber int) models.SafetyReport
}

// Handler owns the pipeline. Subsystem handles arrive through the struct;
// nothing here reads globals.
type Handler struct {
	Cfg      config.Config
	Host     CodeHost
	Chain    TokenSender
	Verifier StakeVerifier
	Reviews  QualityReviewer
	Safety   SafetyScanner
	Stakes   *stake.Ledger
	Limiter  *ratelimit.Limiter
	Bans     *security.BanRegistry
	Events   *security.EventLog
	Store    *store.Store
	Archive  *db.PostgresStore // nil when DATABASE_URL is unset
	Metrics  *metrics.Metrics
}

// Outcome is the handler's verdict on one delivery, rendered to HTTP by
// the API layer.
type Outcome struct {
	Status int
	Body   map[string]any
}

func ok(msg string, extra map[string]any) Outcome {
	body := map[string]any{"message": msg}
	for k, v := range extra {
		body[k] = v
	}
	return Outcome{Status: http.StatusOK, Body: body}
}

func rejected(status int, reason string, extra map[string]any) Outcome {
	body := map[string]any{"error": reason}
	for k, v := range extra {
		body[k] = v
	}
	return Outcome{Status: status, Body: body}
}

type payloadUser struct {
	Login string `json:"login"`
}

type payloadPR struct {
	Number int         `json:"number"`
	Title  string      `json:"title"`
	Body   string      `json:"body"`
	State  string      `json:"state"`
	Merged bool        `json:"merged"`
	User   payloadUser `json:"user"`
	Head   struct {
		SHA string `json:"sha"`
	} `json:"head"`
}

// payload is the subset of the webhook body the pipeline reads.
type payload struct {
	Action      string    `json:"action"`
	PullRequest payloadPR `json:"pull_request"`
}

func (p payloadPR) model() models.PullRequest {
	return models.PullRequest{
		Number:  p.Number,
		Title:   p.Title,
		Body:    p.Body,
		Author:  p.User.Login,
		State:   p.State,
		Merged:  p.Merged,
		HeadSHA: p.Head.SHA,
	}
}

// VerifySignature checks the HMAC-SHA256 of body against the declared
// signature (hex, with or without the "sha256=" prefix) in constant time.
func VerifySignature(body []byte, signatureHeader, secret string) bool {
	if signatureHeader == "" {
		return false
	}
	declared := strings.TrimPrefix(signatureHeader, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(declared))
}

// Handle processes one delivery end to end.
func (h *Handler) Handle(ctx context.Context, eventKind, signatureHeader string, body []byte) Outcome {
	requestID := uuid.NewString()[:8]

	// Signature gate. A missing secret is a deliberate (warned) bypass for
	// local development; a configured secret is enforced strictly.
	if h.Cfg.WebhookSecret != "" {
		if !VerifySignature(body, signatureHeader, h.Cfg.WebhookSecret) {
			h.Events.Log(security.EventInvalidSignature, map[string]any{
				"request_id": requestID,
			})
			h.Metrics.GateRejections.WithLabelValues("signature").Inc()
			return rejected(http.StatusForbidden, "Invalid signature", nil)
		}
	} else {
		log.Printf("[WEBHOOK] [%s] GITHUB_WEBHOOK_SECRET not configured, skipping signature verification", requestID)
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return rejected(http.StatusBadRequest, "Invalid JSON payload", nil)
	}

	// Event filter: only PR lifecycle events we act on.
	if eventKind != "pull_request" {
		return ok(fmt.Sprintf("Ignoring event type: %s", eventKind), nil)
	}
	switch p.Action {
	case "opened", "synchronize", "closed":
	default:
		return ok(fmt.Sprintf("Ignoring action: %s", p.Action), nil)
	}

	h.Metrics.WebhooksReceived.WithLabelValues(p.Action).Inc()
	pr := p.PullRequest.model()
	log.Printf("[WEBHOOK] [%s] PR #%d action=%s author=%s", requestID, pr.Number, p.Action, pr.Author)

	if p.Action == "closed" {
		if !pr.Merged {
			// Closed without merge: the stake stays active pending the
			// admin-triggered reviews-exhausted return.
			return ok("PR closed without merge; stake unchanged", nil)
		}
		return h.handleMerged(ctx, requestID, pr)
	}

	return h.handleReview(ctx, requestID, pr)
}
