package models

import "time"

// PullRequest is the subset of a code-host pull request the pipeline cares about.
type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Author  string `json:"author"`
	State   string `json:"state"` // open / closed
	Merged  bool   `json:"merged"`
	HeadSHA string `json:"headSha"`
}

// Issue is a code-host issue, possibly carrying a bounty in its title.
type Issue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
	State  string   `json:"state"`
}

// Stake lifecycle statuses. A stake is recorded active once the on-chain
// deposit is verified, and leaves active exactly once.
const (
	StakeActive   = "active"
	StakeReturned = "returned"
	StakeForfeit  = "forfeit"
)

// Stake return reasons.
const (
	ReturnReasonMerged    = "merged"
	ReturnReasonExhausted = "reviews_exhausted"
)

// Stake is the per-PR escrow deposit record.
type Stake struct {
	PRNumber     int       `json:"prNumber"`
	Wallet       string    `json:"wallet"`
	StakeTx      string    `json:"stakeTx"`
	Amount       int64     `json:"amount"` // whole WATT
	Status       string    `json:"status"`
	RecordedAt   time.Time `json:"recordedAt"`
	ReturnedAt   time.Time `json:"returnedAt,omitempty"`
	ReturnTx     string    `json:"returnTx,omitempty"`
	ReturnReason string    `json:"returnReason,omitempty"`
	PayoutTx     string    `json:"payoutTx,omitempty"`
}

// ReviewResult is the structured verdict of the quality review engine.
type ReviewResult struct {
	PRNumber    int                  `json:"prNumber"`
	Score       int                  `json:"score"` // 0-10
	Verdict     string               `json:"verdict"` // pass / fail
	Summary     string               `json:"summary"`
	Dimensions  map[string]Dimension `json:"dimensions,omitempty"`
	Flags       []string             `json:"flags,omitempty"`
	NeedsReview bool                 `json:"needsReview"` // set when the model output was unusable
	Attempts    int                  `json:"attempts"`
}

// Dimension is a single scored axis of a review or bounty evaluation.
type Dimension struct {
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Safety risk levels, ordered.
const (
	RiskNone     = "NONE"
	RiskLow      = "LOW"
	RiskMedium   = "MEDIUM"
	RiskHigh     = "HIGH"
	RiskCritical = "CRITICAL"
)

// SafetyReport is the fail-closed security scan result. ScanRan distinguishes
// "flagged as dangerous" from "scan could not run" — both block merge.
type SafetyReport struct {
	PRNumber int      `json:"prNumber"`
	Passed   bool     `json:"passed"`
	ScanRan  bool     `json:"scanRan"`
	Risk     string   `json:"risk"`
	Flags    []string `json:"flags,omitempty"`
	Report   string   `json:"report"`
}

// Bounty tiers with their WATT bands.
const (
	TierSimple  = "simple"
	TierMedium  = "medium"
	TierComplex = "complex"
	TierExpert  = "expert"
)

// MaxBountyAmount is the hard cap on any single bounty.
const MaxBountyAmount = 500_000

// BountyEvaluation is the evaluator's adjudication of a candidate issue.
type BountyEvaluation struct {
	IssueNumber    int                  `json:"issueNumber"`
	Decision       string               `json:"decision"` // APPROVE / REJECT
	Score          int                  `json:"score"`
	Amount         int64                `json:"amount"`
	Tier           string               `json:"tier,omitempty"`
	Reasoning      string               `json:"reasoning"`
	SuggestedTitle string               `json:"suggestedTitle,omitempty"`
	SuggestedBody  string               `json:"suggestedBody,omitempty"`
	Dimensions     map[string]Dimension `json:"dimensions,omitempty"`
	Flags          []string             `json:"flags,omitempty"`
}

// SecurityEvent is one append-only audit trail entry.
type SecurityEvent struct {
	Seq       uint64         `json:"seq"`
	Timestamp string         `json:"timestamp"` // ISO-8601 UTC
	Type      string         `json:"type"`
	Details   map[string]any `json:"details"`
}

// PayoutRecord is the historical record of an executed bounty payment.
type PayoutRecord struct {
	PRNumber    int       `json:"prNumber"`
	IssueNumber int       `json:"issueNumber"`
	Wallet      string    `json:"wallet"`
	Amount      int64     `json:"amount"`
	TxSignature string    `json:"txSignature"`
	PaidAt      time.Time `json:"paidAt"`
}
