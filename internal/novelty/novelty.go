// Package novelty scores how much new information an event contributed.
// The score is a pure function of its inputs so ordering stays
// deterministic: it is computed once at ingestion time against the entity
// catalog as it stood then, and never recomputed retroactively.
package novelty

import "strings"

const (
	// MinScore is the floor, assigned as base to duplicate events.
	MinScore = 0.15
	// MaxScore caps runaway fact-heavy events.
	MaxScore = 5.0

	baseScore     = 1.0
	perNewFact    = 0.6
	perKeywordHit = 0.2
)

// signalKeywords mark output that tends to matter regardless of fact
// extraction: shell access, credentials, captured flags. Each keyword
// counts at most once per event.
var signalKeywords = []string{
	"meterpreter",
	"reverse shell",
	"shell session",
	"command shell",
	"uid=0(root)",
	"root@",
	"password",
	"credentials",
	"hash cracked",
	"login successful",
	"authentication successful",
	"flag{",
	"htb{",
	"thm{",
	"picoctf{",
	"the flag is",
}

// Score combines duplicate status, newly created facts, and signal-keyword
// hits into a bounded score.
func Score(isDuplicate bool, newFacts, keywordHits int) float64 {
	score := baseScore
	if isDuplicate {
		score = MinScore
	}
	if newFacts > 0 {
		score += perNewFact * float64(newFacts)
	}
	if keywordHits > 0 {
		score += perKeywordHit * float64(keywordHits)
	}
	if score < MinScore {
		score = MinScore
	}
	if score > MaxScore {
		score = MaxScore
	}
	return score
}

// KeywordHits counts the distinct signal keywords present in the text.
func KeywordHits(text string) int {
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range signalKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	return hits
}
