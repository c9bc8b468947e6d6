package security

import (
	"strings"
	"testing"
)

// A real 32-byte base58 pubkey (the WATT mint).
const validWallet = "Gpmbh4PoQnL1kNgpMYDED3iv4fczcr7d3qNBLf8rpump"

// 88 chars of base58 alphabet, the typical rendered signature length.
var validSig = strings.Repeat("3xR7", 22)

func TestValidateWallet(t *testing.T) {
	tests := []struct {
		name    string
		address string
		wantErr bool
	}{
		{"Valid Mint Address", validWallet, false},
		{"Empty", "", true},
		{"Too Short", "abc123", true},
		{"Too Long", strings.Repeat("A", 45), true},
		{"Right Length Wrong Byte Count", strings.Repeat("1", 44), true},
		{"Excluded Base58 Chars", strings.Repeat("0OIl", 10), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWallet(tt.address)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateWallet(%q) error = %v, wantErr %v", tt.address, err, tt.wantErr)
			}
		})
	}
}

func TestValidateStakeTx(t *testing.T) {
	tests := []struct {
		name    string
		sig     string
		wantErr bool
	}{
		{"Typical 88 Char Signature", validSig, false},
		{"Minimum Length", strings.Repeat("2", 64), false},
		{"Too Short", strings.Repeat("2", 63), true},
		{"Too Long", strings.Repeat("2", 101), true},
		{"Invalid Alphabet", strings.Repeat("0", 70), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStakeTx(tt.sig)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStakeTx error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExtractWallet(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantWallet  string
		wantPattern string
		wantErr     bool
	}{
		{
			"Bold Field With Backticks",
			"Closes #12\n\n**Payout Wallet**: `" + validWallet + "`",
			validWallet, "bold_payout_wallet", false,
		},
		{
			"Bold Field With Chain Hint",
			"**Payout Wallet** (Solana): " + validWallet,
			validWallet, "bold_payout_wallet", false,
		},
		{
			"Plain Field",
			"Wallet: " + validWallet,
			validWallet, "plain_wallet", false,
		},
		{"Empty Body", "", "", "", true},
		{"No Wallet Declared", "This PR fixes a bug.", "", "", true},
		{
			// Regex-shaped but not a real pubkey.
			"Invalid Address",
			"**Payout Wallet**: " + strings.Repeat("1", 40),
			"", "", true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wallet, pattern, err := ExtractWallet(tt.body)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractWallet error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if wallet != tt.wantWallet {
				t.Errorf("wallet = %q, want %q", wallet, tt.wantWallet)
			}
			if pattern != tt.wantPattern {
				t.Errorf("pattern = %q, want %q", pattern, tt.wantPattern)
			}
		})
	}
}

func TestExtractWalletMissingMessageIsActionable(t *testing.T) {
	_, _, err := ExtractWallet("no wallet here")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "**Payout Wallet**") {
		t.Errorf("error should tell the contributor the required format, got: %v", err)
	}
}

func TestExtractStakeTx(t *testing.T) {
	body := "**Payout Wallet**: " + validWallet + "\n**Stake TX**: `" + validSig + "`"
	sig, pattern, err := ExtractStakeTx(body)
	if err != nil {
		t.Fatalf("ExtractStakeTx failed: %v", err)
	}
	if sig != validSig {
		t.Errorf("sig = %q, want %q", sig, validSig)
	}
	if pattern != "bold_stake_tx" {
		t.Errorf("pattern = %q, want bold_stake_tx", pattern)
	}

	if _, _, err := ExtractStakeTx("nothing staked"); err == nil {
		t.Error("expected error for a body with no stake TX")
	}
}

func TestExtractIssueNumber(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"Closes", "Closes #42", 42},
		{"Fixes Lowercase", "fixes #7 by rewriting the loop", 7},
		{"Issue Ref", "See issue #105 for context", 105},
		{"No Link", "General cleanup", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractIssueNumber(tt.body); got != tt.want {
				t.Errorf("ExtractIssueNumber(%q) = %d, want %d", tt.body, got, tt.want)
			}
		})
	}
}

func TestParseBountyAmount(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  int64
	}{
		{"Tagged With Comma", "[BOUNTY: 5,000 WATT] Add node telemetry", 5000},
		{"Tagged Without Comma", "[BOUNTY: 500 WATT] Fix typo handling", 500},
		{"Large Amount", "[BOUNTY: 500,000 WATT] Distributed inference", 500000},
		{"No Tag", "Add node telemetry", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseBountyAmount(tt.title); got != tt.want {
				t.Errorf("ParseBountyAmount(%q) = %d, want %d", tt.title, got, tt.want)
			}
		})
	}
}
