package review

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/wattcoin/bounty-engine/internal/ai"
	"github.com/wattcoin/bounty-engine/internal/retry"
	"github.com/wattcoin/bounty-engine/pkg/models"
)

// maxDiffBytes bounds the diff text handed to the model; larger diffs are
// truncated with an explicit marker so the model knows it saw a prefix.
const maxDiffBytes = 15000

const qualityPromptTemplate = `You are the autonomous PR reviewer for WattCoin — a pure utility token on Solana for the AI/agent economy. Contributions earn WATT bounties only when they deliver real, verifiable improvements to the ecosystem: node infrastructure, agent marketplace, skills/PR bounties, distributed inference, security, and core utilities.

Be extremely strict. The bounty system is easily abused by low-effort, padded, or misaligned PRs. Score what the diff actually does, not what the description claims.

**Evaluation Dimensions (score 0-10 each)**

1. **Mission Alignment** — does the change directly advance the agent economy? Reject marketing, cosmetics, and unrelated integrations.
2. **Legitimacy** — does the diff do what the PR claims, completely and correctly?
3. **Impact vs Effort** — does it create lasting value relative to its size?
4. **Abuse Risk** (10 = no risk) — over-claimed trivial work, padding, duplicated effort, treasury-draining scope.

**PR #%d by %s**

Title: %s

Description:
%s

DIFF:
` + "```" + `
%s
` + "```" + `

Respond ONLY with valid JSON in this exact format:
{
  "verdict": "PASS",
  "score": 8,
  "summary": "2-3 sentence overall assessment",
  "dimensions": {
    "mission_alignment": {"score": 8, "reasoning": "..."},
    "legitimacy": {"score": 8, "reasoning": "..."},
    "impact_vs_effort": {"score": 8, "reasoning": "..."},
    "abuse_risk": {"score": 9, "reasoning": "..."}
  },
  "flags": []
}

The overall score is the minimum of the dimension scores. Verdict is PASS only for score >= 8. Do not include any text before or after the JSON.`

// Engine runs quality reviews against the configured model provider.
type Engine struct {
	provider   ai.Provider
	maxRetries int
	retryBase  time.Duration
}

func NewEngine(provider ai.Provider, maxRetries int, retryBase time.Duration) *Engine {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryBase <= 0 {
		retryBase = time.Second
	}
	return &Engine{provider: provider, maxRetries: maxRetries, retryBase: retryBase}
}

type qualityJSON struct {
	Verdict    string `json:"verdict"`
	Score      int    `json:"score"`
	Summary    string `json:"summary"`
	Dimensions map[string]struct {
		Score     int    `json:"score"`
		Reasoning string `json:"reasoning"`
	} `json:"dimensions"`
	Flags []string `json:"flags"`
}

// truncateDiff caps the diff at maxDiffBytes with a visible marker.
func truncateDiff(diff string) string {
	if len(diff) <= maxDiffBytes {
		return diff
	}
	return diff[:maxDiffBytes] + "\n... [TRUNCATED — diff too large] ..."
}

// ReviewPR scores a pull request. Transport failures and malformed output
// are retried with backoff; an auth failure stops immediately. If no
// attempt produces a usable verdict the result is a fail with NeedsReview
// set, so a human looks before anything merges.
func (e *Engine) ReviewPR(ctx context.Context, pr models.PullRequest, diff string) models.ReviewResult {
	prompt := fmt.Sprintf(qualityPromptTemplate, pr.Number, pr.Author, pr.Title, pr.Body, truncateDiff(diff))

	result := models.ReviewResult{
		PRNumber: pr.Number,
		Verdict:  "fail",
	}

	attempts := 0
	err := retry.Do(ctx, e.maxRetries, e.retryBase, func() error {
		attempts++
		output, err := e.provider.Complete(ctx, ai.Request{
			Prompt:      prompt,
			Temperature: 0.2,
			MaxTokens:   1500,
			Timeout:     60 * time.Second,
		})
		if err != nil {
			if !ai.IsRetryable(err) {
				return &retry.Permanent{Err: err}
			}
			return err
		}

		parsed, ok := e.parse(output)
		if !ok {
			return fmt.Errorf("unparseable review output")
		}
		parsed.PRNumber = pr.Number
		parsed.Attempts = attempts
		result = parsed
		return nil
	})

	if err != nil {
		log.Printf("[REVIEW] PR #%d review unusable after %d attempts: %v", pr.Number, attempts, err)
		result.Attempts = attempts
		result.NeedsReview = true
		result.Summary = fmt.Sprintf("Automated review could not complete: %v", err)
	}
	return result
}

func (e *Engine) parse(output string) (models.ReviewResult, bool) {
	var parsed qualityJSON
	if tryJSON(output, &parsed) && (parsed.Verdict != "" || parsed.Score != 0) {
		r := models.ReviewResult{
			Score:   clampScore(parsed.Score),
			Summary: parsed.Summary,
			Flags:   parsed.Flags,
		}
		if strings.EqualFold(parsed.Verdict, "PASS") {
			r.Verdict = "pass"
		} else {
			r.Verdict = "fail"
		}
		if len(parsed.Dimensions) > 0 {
			r.Dimensions = make(map[string]models.Dimension, len(parsed.Dimensions))
			for k, d := range parsed.Dimensions {
				r.Dimensions[k] = models.Dimension{Score: clampScore(d.Score), Reasoning: d.Reasoning}
			}
		}
		return r, true
	}

	t := parseTagged(output)
	if !t.found {
		return models.ReviewResult{}, false
	}
	r := models.ReviewResult{
		Score:   t.Score,
		Summary: t.Summary,
		Flags:   t.Flags,
		Verdict: "fail",
	}
	if strings.Contains(t.Verdict, "PASS") {
		r.Verdict = "pass"
	}
	return r, true
}
