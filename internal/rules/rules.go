// Package rules fires immediate, zero-cost suggestions from a single
// event. Rules are declarative rows evaluated independently in
// registration order; every matching rule produces advice, and a rule
// that panics on malformed input fails closed without disturbing the
// rest.
package rules

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/huntlog/huntlog/pkg/types"
)

// EventContext bundles what a rule may inspect.
type EventContext struct {
	Command string // canonical command
	Output  string // canonical output
	Facts   []types.Fact
	Novelty float64
}

// Advice is a fired rule result, turned into a Recommendation by the
// caller.
type Advice struct {
	Rule     string
	Priority types.Priority
	Text     string
}

// Rule is one row of the rule table.
type Rule struct {
	Name     string
	Priority types.Priority
	Match    func(EventContext) bool
	Text     string
}

// Engine evaluates a fixed rule table.
type Engine struct {
	rules []Rule
}

// NewEngine returns an engine with the shipped rule set.
func NewEngine() *Engine {
	return &Engine{rules: defaultRules()}
}

// NewEngineWithRules returns an engine over an explicit table, for tests
// and extensions.
func NewEngineWithRules(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// Evaluate runs every rule against the context. All matches fire; there
// is no short-circuiting.
func (e *Engine) Evaluate(ctx EventContext) []Advice {
	var out []Advice
	for _, r := range e.rules {
		if safeMatch(r, ctx) {
			out = append(out, Advice{Rule: r.Name, Priority: r.Priority, Text: r.Text})
		}
	}
	return out
}

func safeMatch(r Rule, ctx EventContext) (matched bool) {
	defer func() {
		if recover() != nil {
			matched = false
		}
	}()
	return r.Match(ctx)
}

var (
	// Matches a listener binary as a command token, with or without a
	// leading path.
	ncToolGlob   = glob.MustCompile("{*/,}{nc,ncat,netcat}")
	revShellGlob = glob.MustCompile("*{/dev/tcp/,bash -i,sh -i}*")
)

func defaultRules() []Rule {
	return []Rule{
		{
			Name:     "http-enum",
			Priority: types.PriorityMedium,
			Match: func(ctx EventContext) bool {
				return outputMentionsService(ctx, "http")
			},
			Text: "HTTP service detected. Run content discovery (gobuster/ffuf with a medium wordlist), grab a screenshot, and check robots.txt and common virtual hosts.",
		},
		{
			Name:     "smb-enum",
			Priority: types.PriorityMedium,
			Match: func(ctx EventContext) bool {
				return outputMentionsService(ctx, "microsoft-ds") ||
					outputMentionsService(ctx, "netbios-ssn") ||
					outputMentionsService(ctx, "smb")
			},
			Text: "SMB service detected. Enumerate shares (smbclient -L, smbmap), check for anonymous/guest access, and verify whether SMB signing is required.",
		},
		{
			Name:     "ftp-anon",
			Priority: types.PriorityMedium,
			Match: func(ctx EventContext) bool {
				lower := strings.ToLower(ctx.Output)
				return outputMentionsService(ctx, "ftp") ||
					strings.Contains(lower, "220 ") && strings.Contains(lower, "ftp")
			},
			Text: "FTP service detected. Try anonymous login (anonymous:anonymous), list writable directories, and queue a credential brute-force if a login prompt was seen.",
		},
		{
			Name:     "shell-stabilize",
			Priority: types.PriorityHigh,
			Match: func(ctx EventContext) bool {
				lower := strings.ToLower(ctx.Command)
				if revShellGlob.Match(lower) {
					return true
				}
				for _, field := range strings.Fields(lower) {
					if ncToolGlob.Match(field) {
						return true
					}
				}
				return false
			},
			Text: "Reverse shell activity in command. Stabilize the shell (python3 -c 'import pty;pty.spawn(\"/bin/bash\")', stty raw -echo), then run local privilege-escalation enumeration (linpeas/winpeas).",
		},
		{
			Name:     "sqlmap-confirm",
			Priority: types.PriorityHigh,
			Match: func(ctx EventContext) bool {
				return hasFact(ctx, types.FactVulnerability, "sql-injection")
			},
			Text: "SQL injection confirmed. Dump the current database (--current-db, --tables), look for credential tables, and test for stacked queries or file write primitives.",
		},
		{
			Name:     "gobuster-followup",
			Priority: types.PriorityLow,
			Match: func(ctx EventContext) bool {
				for _, f := range ctx.Facts {
					if f.Type == types.FactWebPath {
						return true
					}
				}
				return false
			},
			Text: "New web paths discovered. Fetch each path, note status codes and titles, and recurse content discovery into directories that returned 2xx/3xx.",
		},
	}
}

// outputMentionsService reports whether a port fact on this event or an
// open-port line in the output names the given service.
func outputMentionsService(ctx EventContext, service string) bool {
	for _, f := range ctx.Facts {
		if f.Type != types.FactPort && f.Type != types.FactService {
			continue
		}
		if strings.Contains(strings.ToLower(f.Value), service) {
			return true
		}
	}
	for _, line := range strings.Split(strings.ToLower(ctx.Output), "\n") {
		if strings.Contains(line, "open") && strings.Contains(line, service) {
			return true
		}
	}
	return false
}

func hasFact(ctx EventContext, t types.FactType, value string) bool {
	for _, f := range ctx.Facts {
		if f.Type == t && f.Value == value {
			return true
		}
	}
	return false
}
