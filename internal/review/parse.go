package review

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// ──────────────────────────────────────────────────────────────────────
// Model Output Parsing
//
// Structured JSON is preferred; models are prompted for it. When a model
// drifts into prose, a line scanner recognizes the legacy tagged format
// (VERDICT:, SCORE:, RISK_LEVEL:, FLAGS:, SUMMARY:). Anything that fails
// both paths counts as a malformed attempt and is retried upstream.
// ──────────────────────────────────────────────────────────────────────

// stripCodeFence removes a surrounding ``` block if present.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	} else {
		s = s[3:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// clampScore bounds a model-reported score to [0, 10].
func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 10 {
		return 10
	}
	return n
}

// tryJSON unmarshals the (possibly fenced) output into out.
func tryJSON(output string, out any) bool {
	return json.Unmarshal([]byte(stripCodeFence(output)), out) == nil
}

var (
	verdictRe = regexp.MustCompile(`(?im)^\s*VERDICT:\s*(\S+)`)
	scoreRe   = regexp.MustCompile(`(?im)^\s*SCORE:\s*(\d+)(?:\s*/\s*10)?`)
	riskRe    = regexp.MustCompile(`(?im)^\s*RISK_LEVEL:\s*(\S+)`)
	flagsRe   = regexp.MustCompile(`(?im)^\s*FLAGS:\s*(.+)$`)
	summaryRe = regexp.MustCompile(`(?im)^\s*SUMMARY:\s*(.+)$`)
)

type taggedOutput struct {
	Verdict string
	Score   int
	Risk    string
	Flags   []string
	Summary string
	// found tracks whether any recognized tag appeared; a response with no
	// tags at all is unparseable, not a fail verdict.
	found bool
}

// parseTagged scans the legacy line format.
func parseTagged(output string) taggedOutput {
	var t taggedOutput
	if m := verdictRe.FindStringSubmatch(output); m != nil {
		t.Verdict = strings.ToUpper(strings.TrimSpace(m[1]))
		t.found = true
	}
	if m := scoreRe.FindStringSubmatch(output); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			t.Score = clampScore(n)
			t.found = true
		}
	}
	if m := riskRe.FindStringSubmatch(output); m != nil {
		t.Risk = strings.ToUpper(strings.TrimSpace(m[1]))
		t.found = true
	}
	if m := flagsRe.FindStringSubmatch(output); m != nil {
		raw := strings.TrimSpace(m[1])
		if !strings.EqualFold(raw, "none") {
			for _, f := range strings.Split(raw, ",") {
				if f = strings.TrimSpace(f); f != "" {
					t.Flags = append(t.Flags, f)
				}
			}
		}
		t.found = true
	}
	if m := summaryRe.FindStringSubmatch(output); m != nil {
		t.Summary = strings.TrimSpace(m[1])
		t.found = true
	}
	return t
}
