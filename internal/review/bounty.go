package review

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/wattcoin/bounty-engine/internal/ai"
	"github.com/wattcoin/bounty-engine/internal/retry"
	"github.com/wattcoin/bounty-engine/pkg/models"
)

const bountyPromptTemplate = `You are the autonomous bounty gatekeeper for WattCoin — a pure utility token on Solana designed exclusively for the AI/agent economy. Value accrues only through verifiable network usage and agent contributions — never speculation, hype, or off-topic features.

Your role is to evaluate new GitHub issues requesting bounties. Be extremely strict: the system is easily abused by vague, low-effort, duplicate, or misaligned requests. Reject anything ambiguous, cosmetic, or not clearly high-impact.

SECURITY NOTE: Bounties touching payment logic, security gates, wallet operations, or authentication are restricted to internal development. Reject any external bounty request for these areas and note "payment-adjacent — internal only" in reasoning.

**Evaluation Dimensions (score 0-10 each)**

1. **Mission Alignment** — directly advances agent-native capabilities, node network, marketplace, security, or core utilities.
2. **Legitimacy & Specificity** — clear, actionable, non-duplicate. Require concrete problem, solution, and impact.
3. **Impact vs Effort** — lasting value with reasonable implementation effort.
4. **Abuse Risk** (10 = no risk) — over-claiming, duplicates, spam farming, treasury-draining scope.

**Overall Decision**
- Score >= 8/10 across all dimensions: APPROVE
  - Assign bounty tier (STRICT — do not exceed tier caps):
    - Simple (500-2,000 WATT): bug fixes, small helpers, docs examples
    - Medium (2,000-10,000 WATT): new endpoints, refactors, test suites
    - Complex (10,000-50,000 WATT): architecture, new core features
    - Expert (50,000-500,000 WATT): rare, major system-level breakthroughs
  - Output exact amount (round to nearest 500). MAXIMUM bounty is 500,000 WATT.
- Score < 8/10 or any red flag: REJECT

**Issue to Evaluate:**

Title: %s

Body:
%s

Existing Labels: %s

Respond ONLY with valid JSON in this exact format:
{
  "decision": "APPROVE",
  "score": 8,
  "bounty_amount": 5000,
  "suggested_title": "[BOUNTY: 5,000 WATT] Original Title",
  "suggested_body": "Full issue body with description, requirements, and security notes",
  "dimensions": {
    "mission_alignment": {"score": 8, "reasoning": "..."},
    "legitimacy": {"score": 8, "reasoning": "..."},
    "impact_vs_effort": {"score": 8, "reasoning": "..."},
    "abuse_risk": {"score": 9, "reasoning": "..."}
  },
  "summary": "2-3 sentence overall assessment",
  "flags": []
}

Do not include any text before or after the JSON.`

// Tier bands in whole WATT.
var tierBands = []struct {
	name string
	lo   int64
	hi   int64
}{
	{models.TierSimple, 500, 2_000},
	{models.TierMedium, 2_000, 10_000},
	{models.TierComplex, 10_000, 50_000},
	{models.TierExpert, 50_000, models.MaxBountyAmount},
}

// TierFor maps an amount onto its band. Amounts outside every band return "".
func TierFor(amount int64) string {
	for _, b := range tierBands {
		if amount >= b.lo && amount <= b.hi {
			return b.name
		}
	}
	return ""
}

// paymentAdjacentRe spots bounty requests into restricted territory.
var paymentAdjacentRe = regexp.MustCompile(`(?i)\b(payout|payment logic|security gate|wallet operation|private key|signing|authentication|auth flow|escrow)\b`)

const paymentAdjacentNote = "payment-adjacent — internal only"

// BountyEvaluator adjudicates candidate issues with the same retry and
// parse discipline as the PR review engine.
type BountyEvaluator struct {
	provider     ai.Provider
	escrowWallet string
	stakePct     int
	maxRetries   int
	retryBase    time.Duration
}

func NewBountyEvaluator(provider ai.Provider, escrowWallet string, stakePct int) *BountyEvaluator {
	if stakePct <= 0 || stakePct > 100 {
		stakePct = 10
	}
	return &BountyEvaluator{
		provider:     provider,
		escrowWallet: escrowWallet,
		stakePct:     stakePct,
		maxRetries:   3,
		retryBase:    time.Second,
	}
}

type bountyJSON struct {
	Decision       string `json:"decision"`
	Score          int    `json:"score"`
	BountyAmount   int64  `json:"bounty_amount"`
	SuggestedTitle string `json:"suggested_title"`
	SuggestedBody  string `json:"suggested_body"`
	Summary        string `json:"summary"`
	Dimensions     map[string]struct {
		Score     int    `json:"score"`
		Reasoning string `json:"reasoning"`
	} `json:"dimensions"`
	Flags []string `json:"flags"`
}

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9\s]`)
var bountyTagRe = regexp.MustCompile(`(?i)\[BOUNTY:.*?\]\s*`)

func titleTokens(title string) map[string]bool {
	clean := bountyTagRe.ReplaceAllString(title, "")
	clean = nonAlnumRe.ReplaceAllString(strings.ToLower(clean), "")
	tokens := make(map[string]bool)
	for _, w := range strings.Fields(clean) {
		tokens[w] = true
	}
	return tokens
}

// CheckDuplicate compares a proposed title against open issues using
// Jaccard similarity of title tokens. Titles under 3 tokens only match
// exactly — too many false positives otherwise.
func CheckDuplicate(title string, existing []models.Issue) (bool, int, string) {
	tokens := titleTokens(title)
	for _, issue := range existing {
		other := titleTokens(issue.Title)
		if len(tokens) < 3 || len(other) < 3 {
			if len(tokens) > 0 && setsEqual(tokens, other) {
				return true, issue.Number, fmt.Sprintf("exact duplicate of issue #%d: %s", issue.Number, issue.Title)
			}
			continue
		}
		inter := 0
		for w := range tokens {
			if other[w] {
				inter++
			}
		}
		union := len(tokens) + len(other) - inter
		if union == 0 {
			continue
		}
		similarity := float64(inter) / float64(union)
		if similarity >= 0.7 {
			return true, issue.Number, fmt.Sprintf("very similar to existing issue #%d: %s (similarity: %.0f%%)", issue.Number, issue.Title, similarity*100)
		}
	}
	return false, 0, ""
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for w := range a {
		if !b[w] {
			return false
		}
	}
	return true
}

// Evaluate adjudicates one candidate issue against the open-issue set.
func (e *BountyEvaluator) Evaluate(ctx context.Context, issue models.Issue, openIssues []models.Issue) models.BountyEvaluation {
	ev := models.BountyEvaluation{
		IssueNumber: issue.Number,
		Decision:    "REJECT",
	}

	// Hard gates before spending a model call.
	if paymentAdjacentRe.MatchString(issue.Title) || paymentAdjacentRe.MatchString(issue.Body) {
		ev.Reasoning = paymentAdjacentNote
		ev.Flags = append(ev.Flags, paymentAdjacentNote)
		return ev
	}
	if dup, num, reason := CheckDuplicate(issue.Title, openIssues); dup {
		ev.Reasoning = reason
		ev.Flags = append(ev.Flags, fmt.Sprintf("duplicate_of:#%d", num))
		return ev
	}

	prompt := fmt.Sprintf(bountyPromptTemplate, issue.Title, issue.Body, labelList(issue.Labels))

	var parsed bountyJSON
	attempts := 0
	err := retry.Do(ctx, e.maxRetries, e.retryBase, func() error {
		attempts++
		output, err := e.provider.Complete(ctx, ai.Request{
			Prompt:      prompt,
			Temperature: 0.3,
			MaxTokens:   2500,
			Timeout:     60 * time.Second,
		})
		if err != nil {
			if !ai.IsRetryable(err) {
				return &retry.Permanent{Err: err}
			}
			return err
		}
		var p bountyJSON
		if !tryJSON(output, &p) || p.Decision == "" {
			return fmt.Errorf("unparseable bounty evaluation output")
		}
		parsed = p
		return nil
	})
	if err != nil {
		log.Printf("[BOUNTY] Evaluation failed for issue #%d after %d attempts: %v", issue.Number, attempts, err)
		ev.Reasoning = fmt.Sprintf("evaluation unavailable: %v", err)
		ev.Flags = append(ev.Flags, "needs_review")
		return ev
	}

	ev.Decision = strings.ToUpper(parsed.Decision)
	ev.Score = clampScore(parsed.Score)
	ev.Amount = parsed.BountyAmount
	ev.Reasoning = parsed.Summary
	ev.SuggestedTitle = parsed.SuggestedTitle
	ev.Flags = parsed.Flags
	if len(parsed.Dimensions) > 0 {
		ev.Dimensions = make(map[string]models.Dimension, len(parsed.Dimensions))
		for k, d := range parsed.Dimensions {
			ev.Dimensions[k] = models.Dimension{Score: clampScore(d.Score), Reasoning: d.Reasoning}
		}
	}

	if ev.Decision != "APPROVE" {
		ev.Decision = "REJECT"
		return ev
	}

	// Cap first, then check the tier band.
	if ev.Amount > models.MaxBountyAmount {
		ev.Amount = models.MaxBountyAmount
		ev.Flags = append(ev.Flags, fmt.Sprintf("Amount capped at %d WATT maximum", models.MaxBountyAmount))
	}
	ev.Tier = TierFor(ev.Amount)
	if ev.Tier == "" {
		ev.Decision = "REJECT"
		ev.Reasoning = fmt.Sprintf("proposed amount %d WATT falls outside every tier band", ev.Amount)
		ev.Flags = append(ev.Flags, "tier_violation")
		return ev
	}

	ev.SuggestedBody = e.formatBody(parsed.SuggestedBody, ev.Amount, issue.Number)
	return ev
}

func labelList(labels []string) string {
	if len(labels) == 0 {
		return "None"
	}
	return strings.Join(labels, ", ")
}

// formatBody post-processes the model's suggested body: fills stake
// placeholders and guarantees the staking instruction block is present.
func (e *BountyEvaluator) formatBody(body string, amount int64, issueNumber int) string {
	stakeAmount := amount * int64(e.stakePct) / 100

	r := strings.NewReplacer(
		"{calculated_at_creation}", fmt.Sprintf("%d", stakeAmount),
		"{stake_amount}", fmt.Sprintf("%d", stakeAmount),
		"{stake_pct}", fmt.Sprintf("%d", e.stakePct),
		"{escrow_wallet}", e.escrowWallet,
		"{issue_number}", fmt.Sprintf("%d", issueNumber),
	)
	body = r.Replace(body)

	if !strings.Contains(body, "Stake TX") && !strings.Contains(strings.ToLower(body), "stake") {
		body += fmt.Sprintf(`

---
**Payout Wallet**: <your_solana_address>
**Stake TX**: <your_stake_tx_signature>

Before claiming this bounty, you must stake %d%% (%d WATT) to the escrow wallet:
`+"`%s`"+`
Include memo: `+"`stake:%d`"+`
Your stake is returned when your PR is merged OR if all reviews are exhausted.`,
			e.stakePct, stakeAmount, e.escrowWallet, issueNumber)
	}
	if !strings.Contains(body, "**Payout Wallet**") {
		body += "\n\n---\n**Payout Wallet**: <your_solana_address>"
	}
	return body
}
