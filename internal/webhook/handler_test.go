package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wattcoin/bounty-engine/internal/config"
	"github.com/wattcoin/bounty-engine/internal/metrics"
	"github.com/wattcoin/bounty-engine/internal/ratelimit"
	"github.com/wattcoin/bounty-engine/internal/security"
	"github.com/wattcoin/bounty-engine/internal/stake"
	"github.com/wattcoin/bounty-engine/internal/store"
	"github.com/wattcoin/bounty-engine/pkg/models"
)

const (
	testSecret = "webhook-test-secret"
	testWallet = "Gpmbh4PoQnL1kNgpMYDED3iv4fczcr7d3qNBLf8rpump"
)

var testSig = strings.Repeat("5bXj", 22)

// ── fakes ─────────────────────────────────────────────────────────────

type fakeHost struct {
	issues   map[int]models.Issue
	diff     string
	diffErr  error
	comments []string
	merged   []int
	mergeErr error
}

func (f *fakeHost) GetPR(ctx context.Context, number int) (models.PullRequest, error) {
	return models.PullRequest{Number: number}, nil
}

func (f *fakeHost) GetDiff(ctx context.Context, number int) (string, error) {
	return f.diff, f.diffErr
}

func (f *fakeHost) PostComment(ctx context.Context, number int, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

func (f *fakeHost) MergePR(ctx context.Context, number, score int) error {
	if f.mergeErr != nil {
		return f.mergeErr
	}
	f.merged = append(f.merged, number)
	return nil
}

func (f *fakeHost) GetIssue(ctx context.Context, number int) (models.Issue, error) {
	issue, ok := f.issues[number]
	if !ok {
		return models.Issue{}, errors.New("issue not found")
	}
	return issue, nil
}

type fakeSender struct {
	sends []string // "dest|amount|memo"
	err   error
}

func (f *fakeSender) SendToken(ctx context.Context, dest string, amount int64, memo string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sends = append(f.sends, fmt.Sprintf("%s|%d|%s", dest, amount, memo))
	return fmt.Sprintf("fake-sig-%d", len(f.sends)), nil
}

type fakeVerifier struct {
	err   error
	calls int
}

func (f *fakeVerifier) Verify(ctx context.Context, stakeTx, wallet string, amount int64) error {
	f.calls++
	return f.err
}

type fakeReviewer struct {
	result models.ReviewResult
	calls  int
}

func (f *fakeReviewer) ReviewPR(ctx context.Context, pr models.PullRequest, diff string) models.ReviewResult {
	f.calls++
	r := f.result
	r.PRNumber = pr.Number
	return r
}

type fakeSafety struct {
	report models.SafetyReport
	calls  int
}

func (f *fakeSafety) Scan(ctx context.Context, prNumber int) models.SafetyReport {
	f.calls++
	r := f.report
	r.PRNumber = prNumber
	return r
}

// ── harness ───────────────────────────────────────────────────────────

type harness struct {
	h        *Handler
	host     *fakeHost
	chain    *fakeSender
	verifier *fakeVerifier
	reviewer *fakeReviewer
	safety   *fakeSafety
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	host := &fakeHost{
		diff:   "+func main() {}",
		issues: map[int]models.Issue{7: {Number: 7, Title: "[BOUNTY: 5,000 WATT] Add telemetry"}},
	}
	chain := &fakeSender{}
	verifier := &fakeVerifier{}
	reviewer := &fakeReviewer{result: models.ReviewResult{Score: 9, Verdict: "pass"}}
	safety := &fakeSafety{report: models.SafetyReport{Passed: true, ScanRan: true, Risk: models.RiskNone}}

	cfg := config.Config{
		Repo:            "WattCoin-Org/wattcoin",
		WebhookSecret:   testSecret,
		StakePercentage: 10,
		MergeThreshold:  8,
		MaxPRsPerDay:    100,
		PayoutCooldown:  24 * time.Hour,
	}

	h := &Handler{
		Cfg:      cfg,
		Host:     host,
		Chain:    chain,
		Verifier: verifier,
		Reviews:  reviewer,
		Safety:   safety,
		Stakes:   stake.NewLedger(s),
		Limiter:  ratelimit.NewLimiter(s, cfg.MaxPRsPerDay, cfg.PayoutCooldown),
		Bans:     security.NewBanRegistry(s),
		Events:   security.NewEventLog(s),
		Store:    s,
		Metrics:  metrics.New(prometheus.NewRegistry()),
	}
	return &harness{h: h, host: host, chain: chain, verifier: verifier, reviewer: reviewer, safety: safety}
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func prEvent(t *testing.T, action string, number int, author, body string, merged bool) []byte {
	t.Helper()
	payload := map[string]any{
		"action": action,
		"pull_request": map[string]any{
			"number": number,
			"title":  "Add telemetry",
			"body":   body,
			"merged": merged,
			"user":   map[string]any{"login": author},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func stakedBody() string {
	return "Closes #7\n\n**Payout Wallet**: " + testWallet + "\n**Stake TX**: " + testSig
}

func (hs *harness) deliver(t *testing.T, event string, body []byte) Outcome {
	t.Helper()
	return hs.h.Handle(context.Background(), event, sign(body), body)
}

// ── signature gate ────────────────────────────────────────────────────

func TestHandleRejectsBadSignature(t *testing.T) {
	hs := newHarness(t)
	body := prEvent(t, "opened", 1, "alice", stakedBody(), false)

	out := hs.h.Handle(context.Background(), "pull_request", "sha256=deadbeef", body)
	if out.Status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", out.Status)
	}

	out = hs.h.Handle(context.Background(), "pull_request", "", body)
	if out.Status != http.StatusForbidden {
		t.Errorf("missing signature accepted: status %d", out.Status)
	}
}

func TestHandleAcceptsSignatureWithoutPrefix(t *testing.T) {
	hs := newHarness(t)
	body := prEvent(t, "opened", 1, "alice", stakedBody(), false)

	raw := strings.TrimPrefix(sign(body), "sha256=")
	out := hs.h.Handle(context.Background(), "pull_request", raw, body)
	if out.Status != http.StatusOK {
		t.Errorf("bare hex signature rejected: %+v", out)
	}
}

func TestHandleIgnoresOtherEvents(t *testing.T) {
	hs := newHarness(t)

	body := []byte(`{"action": "opened"}`)
	out := hs.h.Handle(context.Background(), "issues", sign(body), body)
	if out.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", out.Status)
	}
	if hs.reviewer.calls != 0 {
		t.Error("non-PR event triggered a review")
	}

	body = prEvent(t, "labeled", 1, "alice", "", false)
	out = hs.deliver(t, "pull_request", body)
	if hs.reviewer.calls != 0 {
		t.Error("ignored action triggered a review")
	}
}

// ── review flow ───────────────────────────────────────────────────────

func TestOpenedHappyPathMerges(t *testing.T) {
	hs := newHarness(t)

	out := hs.deliver(t, "pull_request", prEvent(t, "opened", 101, "alice", stakedBody(), false))
	if out.Status != http.StatusOK {
		t.Fatalf("status = %d: %+v", out.Status, out.Body)
	}
	if out.Body["merged"] != true {
		t.Fatalf("PR not merged: %+v", out.Body)
	}

	// Stake: verified against 10% of the 5,000 WATT bounty.
	stk, found := hs.h.Stakes.Get(101)
	if !found || stk.Status != models.StakeActive {
		t.Fatalf("stake not recorded: %+v", stk)
	}
	if stk.Amount != 500 || stk.Wallet != testWallet {
		t.Errorf("stake = %+v, want 500 WATT from %s", stk, testWallet)
	}
	if hs.verifier.calls != 1 {
		t.Errorf("verifier calls = %d, want 1", hs.verifier.calls)
	}
	if len(hs.host.merged) != 1 || hs.host.merged[0] != 101 {
		t.Errorf("merged = %v, want [101]", hs.host.merged)
	}
}

func TestOpenedLowScoreDoesNotMerge(t *testing.T) {
	hs := newHarness(t)
	hs.reviewer.result = models.ReviewResult{Score: 5, Verdict: "fail", Summary: "low effort"}

	out := hs.deliver(t, "pull_request", prEvent(t, "opened", 101, "alice", stakedBody(), false))
	if out.Status != http.StatusOK {
		t.Fatalf("status = %d", out.Status)
	}
	if len(hs.host.merged) != 0 {
		t.Error("below-threshold PR merged")
	}
}

func TestOpenedSafetyFailureBlocksMerge(t *testing.T) {
	hs := newHarness(t)
	hs.safety.report = models.SafetyReport{Passed: false, ScanRan: true, Risk: models.RiskHigh}

	hs.deliver(t, "pull_request", prEvent(t, "opened", 101, "alice", stakedBody(), false))
	if len(hs.host.merged) != 0 {
		t.Error("PR merged despite failed security scan")
	}
}

func TestOpenedScanUnavailableBlocksMerge(t *testing.T) {
	hs := newHarness(t)
	// Fail-closed: the scan never ran, which must block exactly like a flag.
	hs.safety.report = models.SafetyReport{Passed: false, ScanRan: false, Risk: models.RiskCritical}

	hs.deliver(t, "pull_request", prEvent(t, "opened", 101, "alice", stakedBody(), false))
	if len(hs.host.merged) != 0 {
		t.Error("PR merged while the security scan was unavailable")
	}
}

func TestOpenedInconclusiveReviewHeldForHuman(t *testing.T) {
	hs := newHarness(t)
	hs.reviewer.result = models.ReviewResult{Verdict: "fail", NeedsReview: true, Score: 0}

	out := hs.deliver(t, "pull_request", prEvent(t, "opened", 101, "alice", stakedBody(), false))
	if len(hs.host.merged) != 0 {
		t.Error("PR merged on an inconclusive review")
	}
	if out.Body["needs_review"] != true {
		t.Errorf("needs_review not surfaced: %+v", out.Body)
	}
}

func TestOpenedDoubleApprovalWithholdsMerge(t *testing.T) {
	hs := newHarness(t)
	hs.h.Cfg.RequireDoubleApproval = true

	out := hs.deliver(t, "pull_request", prEvent(t, "opened", 101, "alice", stakedBody(), false))
	if len(hs.host.merged) != 0 {
		t.Error("PR merged despite double-approval mode")
	}
	if out.Body["held_for_approval"] != true {
		t.Errorf("held_for_approval not surfaced: %+v", out.Body)
	}
}

func TestOpenedPausedReviews(t *testing.T) {
	hs := newHarness(t)
	hs.h.Cfg.PauseReviews = true

	out := hs.deliver(t, "pull_request", prEvent(t, "opened", 101, "alice", stakedBody(), false))
	if out.Status != http.StatusOK {
		t.Fatalf("paused delivery status = %d, want 200 ack", out.Status)
	}
	if hs.reviewer.calls != 0 || hs.safety.calls != 0 {
		t.Error("paused engine still reviewed")
	}
}

func TestOpenedBannedAuthorBlocked(t *testing.T) {
	hs := newHarness(t)

	out := hs.deliver(t, "pull_request", prEvent(t, "opened", 101, "krit22", stakedBody(), false))
	if out.Status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", out.Status)
	}
	if hs.reviewer.calls != 0 {
		t.Error("banned author got a review")
	}
}

func TestOpenedRateLimited(t *testing.T) {
	hs := newHarness(t)
	hs.h.Limiter = ratelimit.NewLimiter(hs.h.Store, 1, 24*time.Hour)

	hs.deliver(t, "pull_request", prEvent(t, "opened", 101, "alice", stakedBody(), false))
	out := hs.deliver(t, "pull_request", prEvent(t, "opened", 102, "alice", stakedBody(), false))
	if out.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", out.Status)
	}
	if out.Body["retry_after"] == nil {
		t.Error("429 response missing retry_after")
	}
}

func TestOpenedStakeTxReuseRejected(t *testing.T) {
	hs := newHarness(t)

	// PR 101 claims the signature first.
	hs.deliver(t, "pull_request", prEvent(t, "opened", 101, "alice", stakedBody(), false))

	// PR 102 presents the same deposit.
	out := hs.deliver(t, "pull_request", prEvent(t, "opened", 102, "mallory", stakedBody(), false))
	if out.Status != http.StatusOK {
		t.Fatalf("status = %d", out.Status)
	}
	if out.Body["stake"] != stakeRejected {
		t.Errorf("stake status = %v, want rejected", out.Body["stake"])
	}
	if len(hs.host.merged) != 1 {
		t.Errorf("merged = %v; the reused-stake PR must not merge", hs.host.merged)
	}

	reuseComment := false
	for _, c := range hs.host.comments {
		if strings.Contains(c, "tx_already_used") {
			reuseComment = true
		}
	}
	if !reuseComment {
		t.Error("no tx_already_used comment posted")
	}
}

func TestOpenedFailedVerificationRejectsStake(t *testing.T) {
	hs := newHarness(t)
	hs.verifier.err = stake.ErrAmountMismatch

	out := hs.deliver(t, "pull_request", prEvent(t, "opened", 101, "alice", stakedBody(), false))
	if out.Body["stake"] != stakeRejected {
		t.Errorf("stake status = %v, want rejected", out.Body["stake"])
	}
	if _, found := hs.h.Stakes.Get(101); found {
		t.Error("unverified stake recorded")
	}
	if len(hs.host.merged) != 0 {
		t.Error("PR with rejected stake merged")
	}
}

// ── payout flow ───────────────────────────────────────────────────────

func mergeEvent(t *testing.T, number int, author, body string) []byte {
	return prEvent(t, "closed", number, author, body, true)
}

func TestMergedPaysBountyAndReturnsStake(t *testing.T) {
	hs := newHarness(t)

	// Stake first, then the merge event lands.
	hs.deliver(t, "pull_request", prEvent(t, "opened", 101, "alice", stakedBody(), false))
	out := hs.deliver(t, "pull_request", mergeEvent(t, 101, "alice", stakedBody()))
	if out.Status != http.StatusOK {
		t.Fatalf("status = %d: %+v", out.Status, out.Body)
	}

	if len(hs.chain.sends) != 2 {
		t.Fatalf("sends = %v, want payout + stake return", hs.chain.sends)
	}
	if hs.chain.sends[0] != testWallet+"|5000|bounty-paid:101" {
		t.Errorf("payout transfer = %q", hs.chain.sends[0])
	}
	if hs.chain.sends[1] != testWallet+"|500|stake-return:101" {
		t.Errorf("stake return transfer = %q", hs.chain.sends[1])
	}

	stk, _ := hs.h.Stakes.Get(101)
	if stk.Status != models.StakeReturned || stk.ReturnReason != models.ReturnReasonMerged {
		t.Errorf("stake after payout = %+v", stk)
	}
	if stk.PayoutTx == "" {
		t.Error("payout signature not anchored on the stake record")
	}
}

func TestMergedRedeliveryDoesNotDoublePay(t *testing.T) {
	hs := newHarness(t)

	hs.deliver(t, "pull_request", prEvent(t, "opened", 101, "alice", stakedBody(), false))
	hs.deliver(t, "pull_request", mergeEvent(t, 101, "alice", stakedBody()))
	sends := len(hs.chain.sends)

	// GitHub re-delivers the same merge event.
	out := hs.deliver(t, "pull_request", mergeEvent(t, 101, "alice", stakedBody()))
	if out.Status != http.StatusOK {
		t.Fatalf("re-delivery status = %d", out.Status)
	}
	if len(hs.chain.sends) != sends {
		t.Errorf("re-delivery moved tokens: %v", hs.chain.sends)
	}
}

func TestMergedWithoutWalletSkipsPayout(t *testing.T) {
	hs := newHarness(t)

	out := hs.deliver(t, "pull_request", mergeEvent(t, 101, "alice", "Closes #7, great work"))
	if out.Status != http.StatusOK {
		t.Fatalf("status = %d", out.Status)
	}
	if len(hs.chain.sends) != 0 {
		t.Errorf("payout sent without a wallet: %v", hs.chain.sends)
	}

	warned := false
	for _, c := range hs.host.comments {
		if strings.Contains(c, "no payout sent") {
			warned = true
		}
	}
	if !warned {
		t.Error("missing-wallet comment not posted")
	}
}

func TestMergedTransferFailureLeavesStakeActive(t *testing.T) {
	hs := newHarness(t)

	hs.deliver(t, "pull_request", prEvent(t, "opened", 101, "alice", stakedBody(), false))
	hs.chain.err = errors.New("rpc timeout")

	out := hs.deliver(t, "pull_request", mergeEvent(t, 101, "alice", stakedBody()))
	if out.Status != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 so GitHub re-delivers", out.Status)
	}

	// Nothing moved; a re-delivery retries the whole payout.
	stk, _ := hs.h.Stakes.Get(101)
	if stk.Status != models.StakeActive {
		t.Errorf("stake = %+v, want still active", stk)
	}

	hs.chain.err = nil
	out = hs.deliver(t, "pull_request", mergeEvent(t, 101, "alice", stakedBody()))
	if out.Status != http.StatusOK || len(hs.chain.sends) != 2 {
		t.Errorf("retry did not complete payout: %+v sends=%v", out.Body, hs.chain.sends)
	}
}

func TestMergedPausedPayouts(t *testing.T) {
	hs := newHarness(t)
	hs.h.Cfg.PausePayouts = true

	hs.deliver(t, "pull_request", prEvent(t, "opened", 101, "alice", stakedBody(), false))
	out := hs.deliver(t, "pull_request", mergeEvent(t, 101, "alice", stakedBody()))
	if out.Status != http.StatusOK {
		t.Fatalf("status = %d", out.Status)
	}
	if len(hs.chain.sends) != 0 {
		t.Errorf("paused engine moved tokens: %v", hs.chain.sends)
	}
	stk, _ := hs.h.Stakes.Get(101)
	if stk.Status != models.StakeActive {
		t.Error("pause consumed the stake record")
	}
}

func TestMergedBannedWalletBlocked(t *testing.T) {
	hs := newHarness(t)
	hs.h.Bans.Ban(testWallet)

	out := hs.deliver(t, "pull_request", mergeEvent(t, 101, "alice", stakedBody()))
	if out.Status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", out.Status)
	}
	if len(hs.chain.sends) != 0 {
		t.Errorf("banned wallet was paid: %v", hs.chain.sends)
	}
}

func TestClosedWithoutMergeKeepsStake(t *testing.T) {
	hs := newHarness(t)

	hs.deliver(t, "pull_request", prEvent(t, "opened", 101, "alice", stakedBody(), false))
	out := hs.deliver(t, "pull_request", prEvent(t, "closed", 101, "alice", stakedBody(), false))
	if out.Status != http.StatusOK {
		t.Fatalf("status = %d", out.Status)
	}

	stk, _ := hs.h.Stakes.Get(101)
	if stk.Status != models.StakeActive {
		t.Errorf("stake after unmerged close = %+v, want active", stk)
	}
	if len(hs.chain.sends) != 0 {
		t.Error("unmerged close moved tokens")
	}
}

func TestMergedPayoutStartsCooldown(t *testing.T) {
	hs := newHarness(t)

	hs.deliver(t, "pull_request", prEvent(t, "opened", 101, "alice", stakedBody(), false))
	hs.deliver(t, "pull_request", mergeEvent(t, 101, "alice", stakedBody()))

	// The wallet now sits out the payout cooldown.
	out := hs.deliver(t, "pull_request", prEvent(t, "opened", 102, "alice", stakedBody(), false))
	if out.Status != http.StatusTooManyRequests {
		t.Errorf("post-payout submission status = %d, want 429", out.Status)
	}
}
