package issuescan

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/wattcoin/bounty-engine/internal/db"
	"github.com/wattcoin/bounty-engine/internal/review"
	"github.com/wattcoin/bounty-engine/pkg/models"
)

// ──────────────────────────────────────────────────────────────────────
// Bounty Issue Scanner
//
// Polls the repo's open issues and adjudicates new bounty requests. An
// issue is a candidate when it carries the bounty-request label and has
// not been adjudicated yet. Approved issues get the bounty tag spliced
// into the title suggestion, tier labels, and staking instructions;
// rejected ones get a labeled explanation. Either way the issue is never
// re-evaluated.
// ──────────────────────────────────────────────────────────────────────

const (
	labelRequest  = "bounty-request"
	labelApproved = "bounty"
	labelRejected = "bounty-rejected"
)

// IssueHost is the slice of the code-host client the scanner drives.
type IssueHost interface {
	ListOpenIssues(ctx context.Context) ([]models.Issue, error)
	PostComment(ctx context.Context, number int, body string) error
	AddLabels(ctx context.Context, number int, labels []string) error
}

type Scanner struct {
	host      IssueHost
	evaluator *review.BountyEvaluator
	archive   *db.PostgresStore // nil when DATABASE_URL is unset
	interval  time.Duration
	seen      map[int]bool
}

func NewScanner(host IssueHost, evaluator *review.BountyEvaluator, archive *db.PostgresStore, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scanner{
		host:      host,
		evaluator: evaluator,
		archive:   archive,
		interval:  interval,
		seen:      make(map[int]bool),
	}
}

func hasLabel(issue models.Issue, label string) bool {
	for _, l := range issue.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// candidate filters for issues awaiting adjudication.
func (s *Scanner) candidate(issue models.Issue) bool {
	if s.seen[issue.Number] {
		return false
	}
	if !hasLabel(issue, labelRequest) {
		return false
	}
	if hasLabel(issue, labelApproved) || hasLabel(issue, labelRejected) {
		return false
	}
	// Already carries a bounty tag: adjudicated before the labels landed.
	if strings.Contains(strings.ToUpper(issue.Title), "[BOUNTY:") {
		return false
	}
	return true
}

// Run polls until the context is cancelled. One pass runs immediately on
// start so a restart does not wait out a full interval.
func (s *Scanner) Run(ctx context.Context) {
	log.Printf("[ISSUESCAN] Starting bounty issue scanner (interval %s)", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Bound the seen set; adjudicated issues are filtered by label anyway.
	cleanup := time.NewTicker(24 * time.Hour)
	defer cleanup.Stop()

	s.scanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("[ISSUESCAN] Stopping bounty issue scanner")
			return
		case <-cleanup.C:
			s.seen = make(map[int]bool)
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *Scanner) scanOnce(ctx context.Context) {
	issues, err := s.host.ListOpenIssues(ctx)
	if err != nil {
		log.Printf("[ISSUESCAN] Could not list open issues: %v", err)
		return
	}

	for _, issue := range issues {
		if !s.candidate(issue) {
			continue
		}
		s.seen[issue.Number] = true
		s.adjudicate(ctx, issue, issues)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Scanner) adjudicate(ctx context.Context, issue models.Issue, open []models.Issue) {
	ev := s.evaluator.Evaluate(ctx, issue, open)
	log.Printf("[ISSUESCAN] Issue #%d adjudicated: %s (score %d, amount %d)", issue.Number, ev.Decision, ev.Score, ev.Amount)

	if s.archive != nil {
		if err := s.archive.SaveBountyEvaluation(ctx, ev); err != nil {
			log.Printf("[ISSUESCAN] Failed to archive evaluation for issue #%d: %v", issue.Number, err)
		}
	}

	if ev.Decision == "APPROVE" {
		labels := []string{labelApproved}
		if ev.Tier != "" {
			labels = append(labels, "tier:"+ev.Tier)
		}
		if err := s.host.AddLabels(ctx, issue.Number, labels); err != nil {
			log.Printf("[ISSUESCAN] Failed to label issue #%d: %v", issue.Number, err)
		}
		if err := s.host.PostComment(ctx, issue.Number, approvalComment(ev)); err != nil {
			log.Printf("[ISSUESCAN] Failed to comment on issue #%d: %v", issue.Number, err)
		}
		return
	}

	if err := s.host.AddLabels(ctx, issue.Number, []string{labelRejected}); err != nil {
		log.Printf("[ISSUESCAN] Failed to label issue #%d: %v", issue.Number, err)
	}
	if err := s.host.PostComment(ctx, issue.Number, rejectionComment(ev)); err != nil {
		log.Printf("[ISSUESCAN] Failed to comment on issue #%d: %v", issue.Number, err)
	}
}

func approvalComment(ev models.BountyEvaluation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ **Bounty approved: %d WATT** (tier: %s, score %d/10)\n\n", ev.Amount, ev.Tier, ev.Score)
	if ev.SuggestedTitle != "" {
		fmt.Fprintf(&b, "Suggested title: `%s`\n\n", ev.SuggestedTitle)
	}
	if ev.SuggestedBody != "" {
		b.WriteString(ev.SuggestedBody)
		b.WriteString("\n\n")
	}
	if ev.Reasoning != "" {
		fmt.Fprintf(&b, "_%s_", ev.Reasoning)
	}
	return b.String()
}

func rejectionComment(ev models.BountyEvaluation) string {
	reason := ev.Reasoning
	if reason == "" {
		reason = "The request did not meet the bounty bar."
	}
	return fmt.Sprintf("❌ **Bounty request rejected** (score %d/10)\n\n%s", ev.Score, reason)
}
