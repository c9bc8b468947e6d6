package security

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/wattcoin/bounty-engine/internal/store"
)

// ──────────────────────────────────────────────────────────────────────
// Ban Registry
//
// The effective ban set is the union of a hard-coded permanent list and
// additions persisted in banned_users.json. Membership is case
// insensitive. Permanent entries can never be removed; persisted
// additions are append-only. System accounts are exempt from every check
// so an auto-ban rule can never lock the engine out of its own repo.
// ──────────────────────────────────────────────────────────────────────

// permanentBans are compiled in and cannot be lifted at runtime.
var permanentBans = map[string]bool{
	"krit22": true,
}

// systemAccounts bypass ban checks and are never auto-banned.
var systemAccounts = map[string]bool{
	"wattcoin-org":        true,
	"manual_admin_payout": true,
	"wattcoin-bot":        true,
}

type bannedDoc struct {
	Banned  []string `json:"banned"`
	Updated string   `json:"updated"`
}

type BanRegistry struct {
	store *store.Store
	mu    sync.RWMutex
	extra map[string]bool
}

func NewBanRegistry(s *store.Store) *BanRegistry {
	r := &BanRegistry{store: s, extra: make(map[string]bool)}
	var doc bannedDoc
	if s != nil && s.Load(store.FileBannedUsers, &doc) {
		for _, id := range doc.Banned {
			r.extra[strings.ToLower(id)] = true
		}
	}
	return r
}

// IsBanned tests membership against the union set. System accounts always
// pass.
func (r *BanRegistry) IsBanned(id string) bool {
	norm := strings.ToLower(strings.TrimSpace(id))
	if norm == "" {
		return false
	}
	if systemAccounts[norm] {
		return false
	}
	if permanentBans[norm] {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.extra[norm]
}

// IsSystemAccount reports whether id is exempt from gating and auto-ban.
func (r *BanRegistry) IsSystemAccount(id string) bool {
	return systemAccounts[strings.ToLower(strings.TrimSpace(id))]
}

// Ban adds id to the persisted set. Banning a system account is refused.
// Persistence failure does not roll back the in-memory addition; the gate
// decision stands.
func (r *BanRegistry) Ban(id string) {
	norm := strings.ToLower(strings.TrimSpace(id))
	if norm == "" || systemAccounts[norm] {
		return
	}

	r.mu.Lock()
	r.extra[norm] = true
	banned := make([]string, 0, len(r.extra))
	for b := range r.extra {
		banned = append(banned, b)
	}
	r.mu.Unlock()

	if r.store == nil {
		return
	}
	doc := bannedDoc{Banned: banned, Updated: time.Now().UTC().Format(time.RFC3339)}
	if err := r.store.Save(store.FileBannedUsers, doc); err != nil {
		log.Printf("[SECURITY] Failed to persist ban list: %v", err)
	}
}
