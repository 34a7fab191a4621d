package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// Snapshot is one qualifying event as captured for prompt building.
type Snapshot struct {
	Command string
	Output  string
	Novelty float64
	When    time.Time
}

const promptPreamble = `You are assisting an authorized penetration test. Based on the recent
activity below, suggest the most useful next steps. Be specific and
concise; prefer concrete commands over generalities.`

// BuildPrompt renders the most recent qualifying events, newest first,
// into an advisor prompt. At most batchSize events are included, and the
// result never exceeds maxChars: when it would, the oldest events are
// dropped whole rather than truncated mid-event.
func BuildPrompt(entity string, batch []Snapshot, batchSize, maxChars int) string {
	var header strings.Builder
	header.WriteString(promptPreamble)
	header.WriteString("\n")
	if entity != "" {
		fmt.Fprintf(&header, "\nFocus on this target: %s\n", entity)
	}
	header.WriteString("\nRecent activity, newest first:\n")

	if batchSize > 0 && len(batch) > batchSize {
		batch = batch[len(batch)-batchSize:]
	}

	blocks := make([]string, 0, len(batch))
	for i := len(batch) - 1; i >= 0; i-- { // newest first
		s := batch[i]
		var b strings.Builder
		fmt.Fprintf(&b, "\n### %s (novelty %.2f)\n$ %s\n",
			s.When.UTC().Format(time.RFC3339), s.Novelty, s.Command)
		if out := strings.TrimSpace(s.Output); out != "" {
			b.WriteString(out)
			b.WriteString("\n")
		}
		blocks = append(blocks, b.String())
	}

	// Keep as many of the newest blocks as fit under maxChars.
	total := header.Len()
	kept := 0
	for _, blk := range blocks {
		if maxChars > 0 && total+len(blk) > maxChars {
			break
		}
		total += len(blk)
		kept++
	}
	if kept == 0 && len(blocks) > 0 {
		kept = 1 // always say something, even oversized
	}

	var out strings.Builder
	out.WriteString(header.String())
	for _, blk := range blocks[:kept] {
		out.WriteString(blk)
	}
	return out.String()
}
