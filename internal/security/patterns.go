package security

import (
	"regexp"
	"strings"
)

// dangerousPatterns is a cheap static pre-filter run on every diff before
// the AI scan. A hit does not block on its own — the AI scan has the final
// word — but hits are logged and fed into the scan context.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)subprocess\.`),
	regexp.MustCompile(`(?i)os\.system`),
	regexp.MustCompile(`(?i)eval\(`),
	regexp.MustCompile(`(?i)exec\(`),
	regexp.MustCompile(`(?i)__import__`),
	regexp.MustCompile(`(?i)private_key`),
	regexp.MustCompile(`(?i)secret_key`),
	regexp.MustCompile(`(?i)send_sol`),
	regexp.MustCompile(`(?i)transfer_sol`),
	regexp.MustCompile(`(?i)base58\.b58decode.*private`),
	regexp.MustCompile(`(?i)Keypair\.from_bytes`),
	regexp.MustCompile(`(?i)rm -rf`),
	regexp.MustCompile(`(?i)DROP TABLE`),
	regexp.MustCompile(`(?i)DELETE FROM`),
}

// PatternWarning is one static-scan hit with the line that triggered it.
type PatternWarning struct {
	Pattern string `json:"pattern"`
	Match   string `json:"match"`
	Context string `json:"context"`
}

// ScanDangerousCode checks a diff against the static pattern list.
// Returns true with no warnings for a clean (or empty) diff.
func ScanDangerousCode(diff string) (bool, []PatternWarning) {
	if diff == "" {
		return true, nil
	}
	var warnings []PatternWarning
	for _, re := range dangerousPatterns {
		locs := re.FindAllStringIndex(diff, -1)
		for _, loc := range locs {
			start := strings.LastIndexByte(diff[:loc[0]], '\n') + 1
			end := strings.IndexByte(diff[loc[1]:], '\n')
			if end == -1 {
				end = len(diff)
			} else {
				end += loc[1]
			}
			context := strings.TrimSpace(diff[start:end])
			if len(context) > 100 {
				context = context[:100]
			}
			warnings = append(warnings, PatternWarning{
				Pattern: re.String(),
				Match:   diff[loc[0]:loc[1]],
				Context: context,
			})
		}
	}
	return len(warnings) == 0, warnings
}
