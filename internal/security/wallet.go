package security

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// ──────────────────────────────────────────────────────────────────────
// PR Body Field Extraction
//
// Contributors declare their payout wallet and stake transaction inside
// the PR body. Several tolerant pattern variants exist because agents
// format the fields inconsistently; each pattern has a name so rejected
// extractions can report which variant matched (or that none did).
// ──────────────────────────────────────────────────────────────────────

type fieldPattern struct {
	name string
	re   *regexp.Regexp
}

var walletPatterns = []fieldPattern{
	{"bold_payout_wallet", regexp.MustCompile(`\*\*Payout Wallet\*\*(?:\s*\([^)]*\))?:\s*` + "`?" + `([1-9A-HJ-NP-Za-km-z]{32,44})` + "`?")},
	{"plain_wallet", regexp.MustCompile(`(?:Payout\s+)?Wallet(?:\s*\([^)]*\))?:\s*` + "`?" + `([1-9A-HJ-NP-Za-km-z]{32,44})` + "`?")},
}

var stakeTxPatterns = []fieldPattern{
	{"bold_stake_tx", regexp.MustCompile(`\*\*Stake TX\*\*:\s*` + "`?" + `([1-9A-HJ-NP-Za-km-z]{64,100})` + "`?")},
	{"plain_stake_tx", regexp.MustCompile(`Stake\s*TX:\s*` + "`?" + `([1-9A-HJ-NP-Za-km-z]{64,100})` + "`?")},
}

var issueLinkPatterns = []fieldPattern{
	{"closes", regexp.MustCompile(`(?i)Closes\s+#(\d+)`)},
	{"fixes", regexp.MustCompile(`(?i)Fixes\s+#(\d+)`)},
	{"issue_ref", regexp.MustCompile(`(?i)Issue\s+#(\d+)`)},
}

// bountyAmountRe extracts the authoritative amount from an issue title like
// "[BOUNTY: 5,000 WATT] Add X". Decimal commas are ignored.
var bountyAmountRe = regexp.MustCompile(`(?i)(\d{1,3}(?:,?\d{3})*)\s*WATT`)

// ValidateWallet checks a Solana-style address: 32-44 chars of base58 that
// decode to exactly 32 bytes.
func ValidateWallet(address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("wallet address is required")
	}
	if len(address) < 32 || len(address) > 44 {
		return fmt.Errorf("invalid address length: %d (expected 32-44)", len(address))
	}
	decoded := base58.Decode(address)
	if len(decoded) != 32 {
		return fmt.Errorf("address decodes to %d bytes (expected 32)", len(decoded))
	}
	return nil
}

// ValidateStakeTx checks a transaction signature: 64-100 chars of the
// base58 alphabet.
func ValidateStakeTx(sig string) error {
	sig = strings.TrimSpace(sig)
	if len(sig) < 64 || len(sig) > 100 {
		return fmt.Errorf("invalid signature length: %d (expected 64-100)", len(sig))
	}
	if len(base58.Decode(sig)) == 0 {
		return fmt.Errorf("invalid base58 encoding")
	}
	return nil
}

func firstMatch(patterns []fieldPattern, body string) (value, patternName string) {
	for _, p := range patterns {
		if m := p.re.FindStringSubmatch(body); m != nil {
			return strings.TrimSpace(m[1]), p.name
		}
	}
	return "", ""
}

// ExtractWallet pulls and validates the payout wallet from a PR body.
// The returned pattern name identifies which variant matched, for debugging.
func ExtractWallet(body string) (wallet, pattern string, err error) {
	if body == "" {
		return "", "", fmt.Errorf("PR body is empty")
	}
	wallet, pattern = firstMatch(walletPatterns, body)
	if wallet == "" {
		return "", "", fmt.Errorf("missing wallet in PR body. Required format: **Payout Wallet**: [your_solana_address]")
	}
	if err := ValidateWallet(wallet); err != nil {
		return "", pattern, fmt.Errorf("invalid wallet address: %w", err)
	}
	return wallet, pattern, nil
}

// ExtractStakeTx pulls and validates the stake transaction signature.
func ExtractStakeTx(body string) (sig, pattern string, err error) {
	if body == "" {
		return "", "", fmt.Errorf("PR body is empty")
	}
	sig, pattern = firstMatch(stakeTxPatterns, body)
	if sig == "" {
		return "", "", fmt.Errorf("missing stake TX in PR body. Required format: **Stake TX**: [your_stake_tx_signature]")
	}
	if err := ValidateStakeTx(sig); err != nil {
		return "", pattern, fmt.Errorf("invalid stake TX: %w", err)
	}
	return sig, pattern, nil
}

// ExtractIssueNumber finds the linked bounty issue ("Closes #N" and
// variants). Returns 0 when no link is present.
func ExtractIssueNumber(body string) int {
	val, _ := firstMatch(issueLinkPatterns, body)
	if val == "" {
		return 0
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0
	}
	return n
}

// ParseBountyAmount reads the WATT amount out of an issue title.
// Returns 0 when the title carries no bounty tag.
func ParseBountyAmount(title string) int64 {
	m := bountyAmountRe.FindStringSubmatch(title)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
