package advisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecAdvisorReturnsStdout(t *testing.T) {
	a := NewExecAdvisor("sh", []string{"-c", `echo "  try smbmap next  " #`}, 0)
	out, err := a.Advise(context.Background(), "recent activity")
	require.NoError(t, err)
	assert.Equal(t, "try smbmap next", out)
}

func TestExecAdvisorPassesPromptAsFinalArg(t *testing.T) {
	a := NewExecAdvisor("sh", []string{"-c", `echo "$1"`, "advisor"}, 0)
	out, err := a.Advise(context.Background(), "the prompt text")
	require.NoError(t, err)
	assert.Equal(t, "the prompt text", out)
}

func TestExecAdvisorEmptyOutput(t *testing.T) {
	a := NewExecAdvisor("true", nil, 0)
	_, err := a.Advise(context.Background(), "prompt")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestExecAdvisorFailureIncludesStderr(t *testing.T) {
	a := NewExecAdvisor("sh", []string{"-c", `echo "model unavailable" >&2; exit 1`}, 0)
	_, err := a.Advise(context.Background(), "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestExecAdvisorTimeout(t *testing.T) {
	a := NewExecAdvisor("sleep", []string{"5"}, 50*time.Millisecond)
	start := time.Now()
	_, err := a.Advise(context.Background(), "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecAdvisorUnconfigured(t *testing.T) {
	a := &ExecAdvisor{}
	_, err := a.Advise(context.Background(), "prompt")
	require.Error(t, err)
}

func TestFuncAdapter(t *testing.T) {
	a := Func(func(_ context.Context, prompt string) (string, error) {
		return "echo: " + prompt, nil
	})
	out, err := a.Advise(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", out)
}
