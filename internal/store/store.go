package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ──────────────────────────────────────────────────────────────────────
// JSON Document Store
//
// Each ledger lives in one JSON file under DataDir. Writes go through a
// temp file + rename so a crash mid-write never leaves a torn document.
// Reads tolerate missing or corrupt files by returning the caller's
// default — a broken ledger must never take down the webhook handler.
//
// A per-path mutex serializes read-modify-write sequences on the same
// document. Paths are independent; no cross-file lock ordering needed.
// ──────────────────────────────────────────────────────────────────────

// Well-known document names under DataDir.
const (
	FileRateLimits   = "pr_rate_limits.json"
	FileStakes       = "bounty_stakes.json"
	FileBannedUsers  = "banned_users.json"
	FileSecurityLogs = "security_logs.json"
	FileReviews      = "pr_reviews.json"
	FilePayouts      = "pr_payouts.json"
)

type Store struct {
	dir   string
	mu    sync.Mutex // guards locks map
	locks map[string]*sync.Mutex
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the root of persisted ledgers.
func (s *Store) Dir() string { return s.dir }

func (s *Store) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// Load reads the named document into out. Missing or unreadable files leave
// out untouched and return false; callers treat that as "use the default".
func (s *Store) Load(name string, out any) bool {
	s.lockFor(name).Lock()
	defer s.lockFor(name).Unlock()
	return s.loadLocked(name, out)
}

func (s *Store) loadLocked(name string, out any) bool {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false
	}
	return true
}

// Save atomically replaces the named document.
func (s *Store) Save(name string, v any) error {
	s.lockFor(name).Lock()
	defer s.lockFor(name).Unlock()
	return s.saveLocked(name, v)
}

func (s *Store) saveLocked(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

// Update runs a read-modify-write sequence on the named document while
// holding its lock. load populates doc (or leaves the default), mutate
// returns whether the document changed.
func (s *Store) Update(name string, doc any, mutate func(loaded bool) bool) error {
	l := s.lockFor(name)
	l.Lock()
	defer l.Unlock()

	loaded := s.loadLocked(name, doc)
	if !mutate(loaded) {
		return nil
	}
	return s.saveLocked(name, doc)
}
