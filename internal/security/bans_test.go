package security

import (
	"testing"

	"github.com/wattcoin/bounty-engine/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	return s
}

func TestPermanentBans(t *testing.T) {
	r := NewBanRegistry(nil)

	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"Permanent Entry", "krit22", true},
		{"Case Insensitive", "KRIT22", true},
		{"Whitespace Trimmed", "  krit22  ", true},
		{"Unknown User", "honest-contributor", false},
		{"Empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.IsBanned(tt.id); got != tt.want {
				t.Errorf("IsBanned(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestSystemAccountsExempt(t *testing.T) {
	r := NewBanRegistry(nil)

	// Even a direct ban attempt must not stick to a system account.
	r.Ban("wattcoin-bot")
	if r.IsBanned("wattcoin-bot") {
		t.Error("system account became banned")
	}
	if !r.IsSystemAccount("WattCoin-Org") {
		t.Error("IsSystemAccount should be case insensitive")
	}
}

func TestBanPersistsAcrossRestart(t *testing.T) {
	s := newTestStore(t)

	r := NewBanRegistry(s)
	r.Ban("Sketchy-User")
	if !r.IsBanned("sketchy-user") {
		t.Fatal("ban not effective in-memory")
	}

	// Simulate a restart by rebuilding from the same store.
	r2 := NewBanRegistry(s)
	if !r2.IsBanned("SKETCHY-USER") {
		t.Error("ban did not survive reload")
	}
	if !r2.IsBanned("krit22") {
		t.Error("permanent ban lost after reload")
	}
}
