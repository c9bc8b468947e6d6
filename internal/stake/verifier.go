package stake

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/wattcoin/bounty-engine/internal/retry"
	"github.com/wattcoin/bounty-engine/internal/solana"
)

// amountTolerance absorbs float rounding when reconciling whole-token
// bookkeeping against the node's uiAmount rendering.
const amountTolerance = 0.01

var (
	ErrTxNotFound     = errors.New("transaction not found on chain")
	ErrTxFailed       = errors.New("transaction failed on chain")
	ErrTxNoBlockTime  = errors.New("transaction has no block time")
	ErrTxTooOld       = errors.New("transaction is older than the allowed staking window")
	ErrAmountMismatch = errors.New("token movement does not match the expected stake")
)

// ChainReader is the slice of the chain client the verifier needs.
type ChainReader interface {
	GetTransaction(ctx context.Context, signature string) (*solana.TransactionResult, error)
}

// Verifier checks that a claimed stake transaction actually moved the
// expected tokens from the contributor to the escrow account.
type Verifier struct {
	chain       ChainReader
	escrow      string
	mint        string
	maxAge      time.Duration
	lookupTries int
	lookupDelay time.Duration
	now         func() time.Time
}

func NewVerifier(chain ChainReader, escrowWallet, tokenMint string, maxAge time.Duration) *Verifier {
	return &Verifier{
		chain:       chain,
		escrow:      escrowWallet,
		mint:        tokenMint,
		maxAge:      maxAge,
		lookupTries: 5,
		lookupDelay: 3 * time.Second,
		now:         time.Now,
	}
}

func balanceOf(balances []solana.TokenBalance, owner, mint string) float64 {
	var total float64
	for _, b := range balances {
		if b.Owner != owner || b.Mint != mint {
			continue
		}
		// Prefer the raw base-unit amount over the float rendering.
		if raw, err := strconv.ParseFloat(b.UITokenAmount.Amount, 64); err == nil {
			div := 1.0
			for i := 0; i < b.UITokenAmount.Decimals; i++ {
				div *= 10
			}
			total += raw / div
		} else if b.UITokenAmount.UIAmount != nil {
			total += *b.UITokenAmount.UIAmount
		}
	}
	return total
}

// Verify confirms the stake transaction. The lookup retries at fixed
// intervals to absorb finality lag; everything after a successful lookup is
// decided in one pass.
func (v *Verifier) Verify(ctx context.Context, stakeTx, contributorWallet string, expectedAmount int64) error {
	var tx *solana.TransactionResult

	err := retry.DoFixed(ctx, v.lookupTries, v.lookupDelay, func() error {
		result, err := v.chain.GetTransaction(ctx, stakeTx)
		if err != nil {
			return err
		}
		if result == nil {
			return ErrTxNotFound
		}
		tx = result
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTxNotFound) {
			return ErrTxNotFound
		}
		return fmt.Errorf("stake lookup: %w", err)
	}

	if tx.Meta == nil {
		return ErrTxNotFound
	}
	if tx.Meta.Err != nil {
		return ErrTxFailed
	}
	if tx.BlockTime == nil {
		return ErrTxNoBlockTime
	}
	age := v.now().Sub(time.Unix(*tx.BlockTime, 0))
	if age > v.maxAge {
		return fmt.Errorf("%w: %s old", ErrTxTooOld, age.Round(time.Minute))
	}

	escrowDelta := balanceOf(tx.Meta.PostTokenBalances, v.escrow, v.mint) -
		balanceOf(tx.Meta.PreTokenBalances, v.escrow, v.mint)
	contributorDelta := balanceOf(tx.Meta.PostTokenBalances, contributorWallet, v.mint) -
		balanceOf(tx.Meta.PreTokenBalances, contributorWallet, v.mint)

	if escrowDelta < float64(expectedAmount)-amountTolerance {
		return fmt.Errorf("%w: escrow gained %.2f, expected %d", ErrAmountMismatch, escrowDelta, expectedAmount)
	}
	if contributorDelta >= 0 {
		return fmt.Errorf("%w: contributor balance did not decrease", ErrAmountMismatch)
	}

	log.Printf("[STAKE] Verified stake tx %s: escrow +%.2f, contributor %.2f", stakeTx, escrowDelta, contributorDelta)
	return nil
}
