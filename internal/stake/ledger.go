package stake

import (
	"errors"
	"strconv"
	"time"

	"github.com/wattcoin/bounty-engine/internal/store"
	"github.com/wattcoin/bounty-engine/pkg/models"
)

var (
	// ErrAlreadyStaked: the PR already has a stake record. First writer wins.
	ErrAlreadyStaked = errors.New("stake already recorded for this PR")
	// ErrTxAlreadyUsed: the signature is bound to another PR's active or
	// returned stake. Forfeited stakes do not reserve their signature.
	ErrTxAlreadyUsed = errors.New("tx_already_used")
	// ErrNotActive: a lifecycle transition was attempted from a state other
	// than active.
	ErrNotActive = errors.New("stake is not active")
	// ErrNoStake: no record exists for the PR.
	ErrNoStake = errors.New("no stake recorded for this PR")
)

type stakeDoc map[string]models.Stake

// Ledger is the per-PR stake record book, backed by bounty_stakes.json.
// All mutations run as atomic read-modify-write sequences under the
// document lock.
type Ledger struct {
	store *store.Store
	now   func() time.Time
}

func NewLedger(s *store.Store) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

func key(pr int) string { return strconv.Itoa(pr) }

// Get returns the stake for a PR, if any.
func (l *Ledger) Get(pr int) (models.Stake, bool) {
	doc := stakeDoc{}
	l.store.Load(store.FileStakes, &doc)
	s, ok := doc[key(pr)]
	return s, ok
}

// All returns every stake record.
func (l *Ledger) All() []models.Stake {
	doc := stakeDoc{}
	l.store.Load(store.FileStakes, &doc)
	out := make([]models.Stake, 0, len(doc))
	for _, s := range doc {
		out = append(out, s)
	}
	return out
}

// txInUse reports whether sig is bound to any non-forfeit stake.
func txInUse(doc stakeDoc, sig string, exceptPR int) bool {
	for k, s := range doc {
		if k == key(exceptPR) {
			continue
		}
		if s.StakeTx == sig && (s.Status == models.StakeActive || s.Status == models.StakeReturned) {
			return true
		}
	}
	return false
}

// TxInUse reports whether a signature is already reserved by any PR.
func (l *Ledger) TxInUse(sig string) bool {
	doc := stakeDoc{}
	l.store.Load(store.FileStakes, &doc)
	return txInUse(doc, sig, 0)
}

// Record writes a new active stake. It no-ops with ErrAlreadyStaked if the
// PR already has a record, and refuses signatures reserved by other PRs.
func (l *Ledger) Record(pr int, wallet, stakeTx string, amount int64) error {
	var result error
	doc := stakeDoc{}
	err := l.store.Update(store.FileStakes, &doc, func(bool) bool {
		if _, exists := doc[key(pr)]; exists {
			result = ErrAlreadyStaked
			return false
		}
		if txInUse(doc, stakeTx, pr) {
			result = ErrTxAlreadyUsed
			return false
		}
		doc[key(pr)] = models.Stake{
			PRNumber:   pr,
			Wallet:     wallet,
			StakeTx:    stakeTx,
			Amount:     amount,
			Status:     models.StakeActive,
			RecordedAt: l.now().UTC(),
		}
		return true
	})
	if result != nil {
		return result
	}
	return err
}

// MarkReturned transitions an active stake to returned, recording the
// return transaction and reason. The payout signature is stored alongside
// when the return accompanies a merge payout, making the ledger the
// idempotency anchor for re-delivered merge events.
func (l *Ledger) MarkReturned(pr int, reason, returnTx, payoutTx string) error {
	var result error
	doc := stakeDoc{}
	err := l.store.Update(store.FileStakes, &doc, func(bool) bool {
		s, ok := doc[key(pr)]
		if !ok {
			result = ErrNoStake
			return false
		}
		if s.Status != models.StakeActive {
			result = ErrNotActive
			return false
		}
		s.Status = models.StakeReturned
		s.ReturnReason = reason
		s.ReturnTx = returnTx
		s.PayoutTx = payoutTx
		s.ReturnedAt = l.now().UTC()
		doc[key(pr)] = s
		return true
	})
	if result != nil {
		return result
	}
	return err
}

// MarkForfeit transitions an active stake to forfeit (ban or abuse).
func (l *Ledger) MarkForfeit(pr int) error {
	var result error
	doc := stakeDoc{}
	err := l.store.Update(store.FileStakes, &doc, func(bool) bool {
		s, ok := doc[key(pr)]
		if !ok {
			result = ErrNoStake
			return false
		}
		if s.Status != models.StakeActive {
			result = ErrNotActive
			return false
		}
		s.Status = models.StakeForfeit
		s.ReturnedAt = l.now().UTC()
		doc[key(pr)] = s
		return true
	})
	if result != nil {
		return result
	}
	return err
}

// ActiveStakeOf sums a wallet's active stakes, for rate-limit tier boosts.
func (l *Ledger) ActiveStakeOf(wallet string) int64 {
	doc := stakeDoc{}
	l.store.Load(store.FileStakes, &doc)
	var total int64
	for _, s := range doc {
		if s.Wallet == wallet && s.Status == models.StakeActive {
			total += s.Amount
		}
	}
	return total
}
