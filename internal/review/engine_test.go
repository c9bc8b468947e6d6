package review

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wattcoin/bounty-engine/internal/ai"
	"github.com/wattcoin/bounty-engine/pkg/models"
)

// scriptedProvider replays canned responses, one per Complete call.
type scriptedProvider struct {
	responses []string
	errs      []error
	calls     int
}

func (p *scriptedProvider) Complete(ctx context.Context, req ai.Request) (string, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return "", p.errs[i]
	}
	if i < len(p.responses) {
		return p.responses[i], nil
	}
	return "", errors.New("script exhausted")
}

func testPR() models.PullRequest {
	return models.PullRequest{Number: 42, Title: "Add node telemetry", Author: "alice", Body: "Closes #7"}
}

const goodReviewJSON = `{
  "verdict": "PASS",
  "score": 9,
  "summary": "Solid, well-scoped change.",
  "dimensions": {
    "mission_alignment": {"score": 9, "reasoning": "core"},
    "legitimacy": {"score": 9, "reasoning": "does what it says"},
    "impact_vs_effort": {"score": 9, "reasoning": "high value"},
    "abuse_risk": {"score": 10, "reasoning": "none"}
  },
  "flags": []
}`

func TestReviewPRHappyPath(t *testing.T) {
	p := &scriptedProvider{responses: []string{goodReviewJSON}}
	e := NewEngine(p, 3, time.Millisecond)

	r := e.ReviewPR(context.Background(), testPR(), "+added line")
	if r.Verdict != "pass" || r.Score != 9 {
		t.Errorf("verdict/score = %s/%d, want pass/9", r.Verdict, r.Score)
	}
	if r.NeedsReview {
		t.Error("NeedsReview set on a clean review")
	}
	if r.PRNumber != 42 || r.Attempts != 1 {
		t.Errorf("PRNumber/Attempts = %d/%d", r.PRNumber, r.Attempts)
	}
	if len(r.Dimensions) != 4 {
		t.Errorf("dimensions = %d, want 4", len(r.Dimensions))
	}
}

func TestReviewPRFencedJSON(t *testing.T) {
	p := &scriptedProvider{responses: []string{"```json\n" + goodReviewJSON + "\n```"}}
	e := NewEngine(p, 3, time.Millisecond)

	r := e.ReviewPR(context.Background(), testPR(), "diff")
	if r.Verdict != "pass" {
		t.Errorf("fenced JSON not parsed: %+v", r)
	}
}

func TestReviewPRMalformedThenValid(t *testing.T) {
	p := &scriptedProvider{responses: []string{"sorry, as an AI...", goodReviewJSON}}
	e := NewEngine(p, 3, time.Millisecond)

	r := e.ReviewPR(context.Background(), testPR(), "diff")
	if r.Verdict != "pass" {
		t.Errorf("retry after malformed output did not recover: %+v", r)
	}
	if r.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", r.Attempts)
	}
}

func TestReviewPRTaggedFallback(t *testing.T) {
	p := &scriptedProvider{responses: []string{"VERDICT: PASS\nSCORE: 8\nSUMMARY: fine"}}
	e := NewEngine(p, 3, time.Millisecond)

	r := e.ReviewPR(context.Background(), testPR(), "diff")
	if r.Verdict != "pass" || r.Score != 8 {
		t.Errorf("tagged fallback verdict/score = %s/%d, want pass/8", r.Verdict, r.Score)
	}
}

func TestReviewPRExhaustedFlagsHuman(t *testing.T) {
	boom := errors.New("http 503 from provider")
	p := &scriptedProvider{errs: []error{boom, boom, boom}}
	e := NewEngine(p, 3, time.Millisecond)

	r := e.ReviewPR(context.Background(), testPR(), "diff")
	if r.Verdict != "fail" {
		t.Errorf("verdict = %q, want fail", r.Verdict)
	}
	if !r.NeedsReview {
		t.Error("NeedsReview not set after exhausted retries")
	}
	if r.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", r.Attempts)
	}
}

func TestReviewPRAuthErrorStopsImmediately(t *testing.T) {
	p := &scriptedProvider{errs: []error{ai.ErrAuth, ai.ErrAuth, ai.ErrAuth}}
	e := NewEngine(p, 3, time.Millisecond)

	r := e.ReviewPR(context.Background(), testPR(), "diff")
	if p.calls != 1 {
		t.Errorf("auth failure retried: %d calls", p.calls)
	}
	if !r.NeedsReview {
		t.Error("NeedsReview not set on auth failure")
	}
}

func TestTruncateDiff(t *testing.T) {
	small := "short diff"
	if truncateDiff(small) != small {
		t.Error("small diff modified")
	}

	big := make([]byte, maxDiffBytes+100)
	for i := range big {
		big[i] = 'x'
	}
	out := truncateDiff(string(big))
	if len(out) <= maxDiffBytes {
		t.Error("truncation marker missing")
	}
	if out[:maxDiffBytes] != string(big[:maxDiffBytes]) {
		t.Error("prefix altered by truncation")
	}
}
