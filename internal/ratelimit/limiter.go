package ratelimit

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wattcoin/bounty-engine/internal/store"
)

// ──────────────────────────────────────────────────────────────────────
// Sliding-Window Rate Limiter
//
// Two kinds of state live here:
//   - per-wallet PR submission windows + payout cooldown, persisted in
//     pr_rate_limits.json so restarts do not reset abuse windows;
//   - generic (actor, action) windows for the task marketplace and API
//     ingress, in-memory only.
//
// Persistence is best-effort. If the backing store fails the limiter
// keeps serving from memory rather than denying traffic.
// ──────────────────────────────────────────────────────────────────────

// Marketplace action quotas (per hour).
const (
	ActionTaskClaim  = "task_claim"
	ActionTaskSubmit = "task_submit"
	ActionTaskCreate = "task_create"
)

var marketplaceQuotas = map[string]int{
	ActionTaskClaim:  10,
	ActionTaskSubmit: 10,
	ActionTaskCreate: 5,
}

// Result carries everything a limited response must surface.
type Result struct {
	Allowed    bool
	Reason     string
	Limit      int
	Remaining  int
	Reset      int64 // unix seconds when the window opens again
	RetryAfter int   // seconds
}

type walletRecord struct {
	PRSubmissions []int64 `json:"pr_submissions"`
	LastPayout    *int64  `json:"last_payout,omitempty"`
}

type rateDoc map[string]*walletRecord

type Limiter struct {
	store          *store.Store
	maxPRsPerDay   int
	payoutCooldown time.Duration

	mu      sync.Mutex
	wallets rateDoc
	windows map[string][]int64 // "actor:action" -> timestamps

	now func() time.Time // test hook
}

func NewLimiter(s *store.Store, maxPRsPerDay int, payoutCooldown time.Duration) *Limiter {
	l := &Limiter{
		store:          s,
		maxPRsPerDay:   maxPRsPerDay,
		payoutCooldown: payoutCooldown,
		wallets:        make(rateDoc),
		windows:        make(map[string][]int64),
		now:            time.Now,
	}
	var doc rateDoc
	if s != nil && s.Load(store.FileRateLimits, &doc) {
		l.wallets = doc
	}
	return l
}

func pruneOlder(timestamps []int64, cutoff int64) []int64 {
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	return kept
}

// CheckPRSubmission applies the payout cooldown and the daily submission
// quota for a wallet, recording the submission timestamp when admitted.
func (l *Limiter) CheckPRSubmission(wallet string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().Unix()
	rec, ok := l.wallets[wallet]
	if !ok {
		rec = &walletRecord{}
		l.wallets[wallet] = rec
	}

	// Payout cooldown first: a freshly paid wallet sits out the window.
	if rec.LastPayout != nil {
		cooldownUntil := *rec.LastPayout + int64(l.payoutCooldown.Seconds())
		if now < cooldownUntil {
			return Result{
				Allowed:    false,
				Reason:     fmt.Sprintf("cooldown active: %.1f hours remaining after last payout", float64(cooldownUntil-now)/3600),
				Limit:      l.maxPRsPerDay,
				Remaining:  0,
				Reset:      cooldownUntil,
				RetryAfter: int(cooldownUntil - now),
			}
		}
	}

	dayAgo := now - 24*3600
	rec.PRSubmissions = pruneOlder(rec.PRSubmissions, dayAgo)

	if len(rec.PRSubmissions) >= l.maxPRsPerDay {
		oldest := rec.PRSubmissions[0]
		reset := oldest + 24*3600
		retryAfter := int(reset - now)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Result{
			Allowed:    false,
			Reason:     fmt.Sprintf("rate_limit_exceeded: %d PRs per 24h", l.maxPRsPerDay),
			Limit:      l.maxPRsPerDay,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: retryAfter,
		}
	}

	rec.PRSubmissions = append(rec.PRSubmissions, now)
	l.persistLocked()

	return Result{
		Allowed:   true,
		Limit:     l.maxPRsPerDay,
		Remaining: l.maxPRsPerDay - len(rec.PRSubmissions),
		Reset:     now + 24*3600,
	}
}

// RecordPayout starts the payout cooldown window for a wallet.
func (l *Limiter) RecordPayout(wallet string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.wallets[wallet]
	if !ok {
		rec = &walletRecord{}
		l.wallets[wallet] = rec
	}
	ts := l.now().Unix()
	rec.LastPayout = &ts
	l.persistLocked()
}

// Allow applies a generic sliding window of `limit` events per `window` to
// the (actor, action) pair, recording the event when admitted.
func (l *Limiter) Allow(actor, action string, limit int, window time.Duration) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := actor + ":" + action
	now := l.now().Unix()
	cutoff := now - int64(window.Seconds())
	l.windows[key] = pruneOlder(l.windows[key], cutoff)

	if len(l.windows[key]) >= limit {
		oldest := l.windows[key][0]
		reset := oldest + int64(window.Seconds())
		retryAfter := int(reset - now)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Result{
			Allowed:    false,
			Reason:     "rate_limit_exceeded",
			Limit:      limit,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: retryAfter,
		}
	}

	l.windows[key] = append(l.windows[key], now)
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(l.windows[key]),
		Reset:     now + int64(window.Seconds()),
	}
}

// AllowMarketplace applies the per-hour quota for a task-marketplace action.
func (l *Limiter) AllowMarketplace(actor, action string) Result {
	limit, ok := marketplaceQuotas[action]
	if !ok {
		limit = 10
	}
	return l.Allow(actor, action, limit, time.Hour)
}

// persistLocked snapshots the wallet ledger. Failure keeps the in-memory
// state authoritative — the limiter never denies traffic because the disk
// is unhappy.
func (l *Limiter) persistLocked() {
	if l.store == nil {
		return
	}
	if err := l.store.Save(store.FileRateLimits, l.wallets); err != nil {
		log.Printf("[RATELIMIT] Snapshot failed, continuing in-memory: %v", err)
	}
}
