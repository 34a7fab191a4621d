// Package advisor defines the external natural-language advisor
// capability: given a text prompt, return text or fail. The production
// implementation shells out to a configured CLI; the coordinator only
// sees the interface.
package advisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrEmptyResponse is returned when the advisor exits cleanly but
// produces no usable text.
var ErrEmptyResponse = errors.New("advisor returned empty response")

// Advisor is the narrow capability the dispatch coordinator depends on.
// Implementations must honor ctx cancellation and deadlines.
type Advisor interface {
	Advise(ctx context.Context, prompt string) (string, error)
}

// Func adapts a function to the Advisor interface, for tests.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Advise(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// ExecAdvisor invokes an external command with the prompt as its final
// argument and reads advice from stdout.
type ExecAdvisor struct {
	// Command is the executable to run, e.g. "codex".
	Command string
	// Args are fixed arguments placed before the prompt, e.g. ["exec"].
	Args []string
	// Timeout bounds one invocation when the caller's context has no
	// earlier deadline.
	Timeout time.Duration
}

// NewExecAdvisor builds an ExecAdvisor with the default timeout budget.
func NewExecAdvisor(command string, args []string, timeout time.Duration) *ExecAdvisor {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ExecAdvisor{Command: command, Args: args, Timeout: timeout}
}

func (a *ExecAdvisor) Advise(ctx context.Context, prompt string) (string, error) {
	if a.Command == "" {
		return "", fmt.Errorf("advisor command not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	args := append(append([]string{}, a.Args...), prompt)
	cmd := exec.CommandContext(ctx, a.Command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("advisor timed out: %w", ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("advisor failed: %s", msg)
	}

	text := strings.TrimSpace(stdout.String())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
