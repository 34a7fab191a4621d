package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huntlog/huntlog/internal/metrics"
	"github.com/huntlog/huntlog/internal/store"
	"github.com/huntlog/huntlog/pkg/types"
)

type fakeAdvisor struct {
	mu      sync.Mutex
	prompts []string
	errs    []error // consumed in order; nil once exhausted
}

func (f *fakeAdvisor) Advise(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "try harder on port 445", nil
}

func (f *fakeAdvisor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// fakeStore records recommendations and dispatch state in memory.
type fakeStore struct {
	mu    sync.Mutex
	recs  []types.Recommendation
	state map[string]store.DispatchState
}

func newFakeStore() *fakeStore {
	return &fakeStore{state: make(map[string]store.DispatchState)}
}

func (s *fakeStore) AppendEvent(context.Context, types.Event) error { return nil }
func (s *fakeStore) Close() error                                   { return nil }

func (s *fakeStore) UpsertFact(context.Context, types.FactType, string, time.Time) (types.Fact, bool, error) {
	return types.Fact{}, false, nil
}
func (s *fakeStore) LinkFactEvent(context.Context, string, string) error { return nil }

func (s *fakeStore) RecordRecommendation(_ context.Context, rec types.Recommendation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *fakeStore) ListSessions(context.Context) ([]types.SessionSummary, error) { return nil, nil }
func (s *fakeStore) QueryEvents(context.Context, types.EventQuery) ([]types.Event, error) {
	return nil, nil
}
func (s *fakeStore) ListFacts(context.Context, types.FactQuery) ([]types.Fact, error) {
	return nil, nil
}
func (s *fakeStore) ListRecommendations(context.Context, types.RecommendationQuery) ([]types.Recommendation, error) {
	return nil, nil
}
func (s *fakeStore) FactCounts(context.Context) (map[string]int64, error) { return nil, nil }
func (s *fakeStore) Fingerprints(context.Context, string) (map[string]struct{}, error) {
	return nil, nil
}

func (s *fakeStore) LoadDispatchState(_ context.Context, sessionID, scopeKey string) (store.DispatchState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[sessionID+"|"+scopeKey]
	return st, ok, nil
}

func (s *fakeStore) SaveDispatchState(_ context.Context, st store.DispatchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[st.SessionID+"|"+st.ScopeKey] = st
	return nil
}

func (s *fakeStore) CleanupHosts(context.Context, func(string) bool) (int64, error) { return 0, nil }

func (s *fakeStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = nil
	s.state = make(map[string]store.DispatchState)
	return nil
}

func (s *fakeStore) recommendations() []types.Recommendation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Recommendation, len(s.recs))
	copy(out, s.recs)
	return out
}

func (s *fakeStore) savedState(sessionID, scopeKey string) (store.DispatchState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[sessionID+"|"+scopeKey]
	return st, ok
}

func testEvent(session string, novelty float64, at time.Time) types.Event {
	return types.Event{
		ID:               "ev-" + at.Format("150405"),
		SessionID:        session,
		Timestamp:        at,
		CanonicalCommand: "nmap -sV <ip>",
		CanonicalOutput:  "<n>/tcp open ssh",
		Novelty:          novelty,
	}
}

func newTestCoordinator(t *testing.T, adv *fakeAdvisor, fs *fakeStore, cfg Config) (*Coordinator, *testClock) {
	t.Helper()
	clk := &testClock{t: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	c := New(cfg, adv, fs, metrics.New(), slog.New(slog.DiscardHandler))
	c.SetNow(clk.now)
	t.Cleanup(c.Close)
	return c, clk
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

func TestCooldownSpacing(t *testing.T) {
	adv := &fakeAdvisor{}
	fs := newFakeStore()
	c, clk := newTestCoordinator(t, adv, fs, Config{
		NoveltyThreshold: 1.5,
		Cooldown:         120 * time.Second,
	})

	c.Observe(testEvent("s1", 2.0, clk.now()), nil)
	require.Eventually(t, func() bool { return adv.calls() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Inside the cooldown window: tracked but not dispatched.
	c.Observe(testEvent("s1", 2.0, clk.advance(10*time.Second)), nil)

	// Past the window: dispatched again.
	c.Observe(testEvent("s1", 2.0, clk.advance(120*time.Second)), nil)
	require.Eventually(t, func() bool { return adv.calls() == 2 },
		2*time.Second, 10*time.Millisecond)

	c.Close()
	assert.Equal(t, 2, adv.calls())
}

func TestBelowThresholdNeverDispatches(t *testing.T) {
	adv := &fakeAdvisor{}
	fs := newFakeStore()
	c, clk := newTestCoordinator(t, adv, fs, Config{NoveltyThreshold: 1.5, Cooldown: time.Second})

	for i := 0; i < 5; i++ {
		c.Observe(testEvent("s1", 0.8, clk.advance(10*time.Second)), nil)
	}
	c.Close()
	assert.Zero(t, adv.calls())
}

func TestFailureDoesNotAdvanceCounters(t *testing.T) {
	adv := &fakeAdvisor{errs: []error{errors.New("advisor exited 1")}}
	fs := newFakeStore()
	c, clk := newTestCoordinator(t, adv, fs, Config{
		NoveltyThreshold: 1.5,
		Cooldown:         60 * time.Second,
	})

	c.Observe(testEvent("s1", 2.0, clk.now()), nil)
	require.Eventually(t, func() bool { return adv.calls() == 1 },
		2*time.Second, 10*time.Millisecond)

	// No state persisted and no recommendation after the failure.
	_, ok := fs.savedState("s1", "")
	assert.False(t, ok)
	assert.Empty(t, fs.recommendations())

	// Next qualifying event after the cooldown retries and succeeds.
	c.Observe(testEvent("s1", 2.0, clk.advance(61*time.Second)), nil)
	require.Eventually(t, func() bool { return adv.calls() == 2 },
		2*time.Second, 10*time.Millisecond)
	c.Close()

	st, ok := fs.savedState("s1", "")
	require.True(t, ok)
	assert.Equal(t, int64(2), st.CountAtDispatch)
	require.Len(t, fs.recommendations(), 1)
	assert.Equal(t, "advisor", fs.recommendations()[0].Source)
}

func TestEntityScopeRecommendation(t *testing.T) {
	adv := &fakeAdvisor{}
	fs := newFakeStore()
	c, clk := newTestCoordinator(t, adv, fs, Config{NoveltyThreshold: 1.5, Cooldown: time.Minute})

	host := types.Fact{ID: "f-1", Type: types.FactHost, Value: "target.htb"}
	c.Observe(testEvent("s1", 2.0, clk.now()), []types.Fact{host})

	// Global and entity scopes dispatch independently.
	require.Eventually(t, func() bool { return len(fs.recommendations()) == 2 },
		2*time.Second, 10*time.Millisecond)
	c.Close()

	var sawGlobal, sawEntity bool
	for _, rec := range fs.recommendations() {
		switch rec.Scope {
		case types.ScopeGlobal:
			sawGlobal = true
			assert.Empty(t, rec.FactID)
		case types.ScopeEntity:
			sawEntity = true
			assert.Equal(t, "f-1", rec.FactID)
		}
	}
	assert.True(t, sawGlobal)
	assert.True(t, sawEntity)

	// The entity prompt names its target.
	adv.mu.Lock()
	defer adv.mu.Unlock()
	var entityPrompt string
	for _, p := range adv.prompts {
		if strings.Contains(p, "host target.htb") {
			entityPrompt = p
		}
	}
	assert.NotEmpty(t, entityPrompt)
}

func TestPersistedStateSurvivesRestart(t *testing.T) {
	adv := &fakeAdvisor{}
	fs := newFakeStore()
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	require.NoError(t, fs.SaveDispatchState(context.Background(), store.DispatchState{
		SessionID:       "s1",
		LastDispatch:    base,
		CountAtDispatch: 4,
	}))

	c, clk := newTestCoordinator(t, adv, fs, Config{
		NoveltyThreshold: 1.5,
		Cooldown:         120 * time.Second,
	})

	// Still inside the persisted cooldown.
	c.Observe(testEvent("s1", 3.0, clk.advance(30*time.Second)), nil)
	// And past it.
	c.Observe(testEvent("s1", 3.0, clk.advance(120*time.Second)), nil)
	require.Eventually(t, func() bool { return adv.calls() == 1 },
		2*time.Second, 10*time.Millisecond)
	c.Close()
	assert.Equal(t, 1, adv.calls())
}

func TestResetClearsScopeTracking(t *testing.T) {
	adv := &fakeAdvisor{}
	fs := newFakeStore()
	c, clk := newTestCoordinator(t, adv, fs, Config{
		NoveltyThreshold: 1.5,
		Cooldown:         120 * time.Second,
	})

	c.Observe(testEvent("s1", 2.0, clk.now()), nil)
	require.Eventually(t, func() bool {
		_, ok := fs.savedState("s1", "")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, adv.calls())

	// Fresh engagement: wipe the store and the coordinator together.
	// Without its tracking the next qualifying event dispatches even
	// though the old cooldown window has not passed.
	require.NoError(t, fs.Reset(context.Background()))
	c.Reset()

	c.Observe(testEvent("s1", 2.0, clk.advance(10*time.Second)), nil)
	require.Eventually(t, func() bool { return adv.calls() == 2 },
		2*time.Second, 10*time.Millisecond)

	c.Close()
	require.Len(t, fs.recommendations(), 1)
	st, ok := fs.savedState("s1", "")
	require.True(t, ok)
	assert.Equal(t, int64(1), st.CountAtDispatch)
}

func TestBuildPromptBatchLimit(t *testing.T) {
	var batch []Snapshot
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 8; i++ {
		batch = append(batch, Snapshot{
			Command: fmt.Sprintf("cmd-%d", i),
			Output:  "out",
			Novelty: 2.0,
			When:    base.Add(time.Duration(i) * time.Minute),
		})
	}

	prompt := BuildPrompt("", batch, 5, 0)

	for i := 1; i <= 3; i++ {
		assert.NotContains(t, prompt, fmt.Sprintf("cmd-%d", i))
	}
	for i := 4; i <= 8; i++ {
		assert.Contains(t, prompt, fmt.Sprintf("cmd-%d", i))
	}
	// Newest first.
	assert.Less(t, strings.Index(prompt, "cmd-8"), strings.Index(prompt, "cmd-7"))
	assert.Less(t, strings.Index(prompt, "cmd-5"), strings.Index(prompt, "cmd-4"))
}

func TestBuildPromptCharBudgetDropsOldestWhole(t *testing.T) {
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	big := strings.Repeat("x", 400)
	batch := []Snapshot{
		{Command: "oldest", Output: big, When: base},
		{Command: "middle", Output: big, When: base.Add(time.Minute)},
		{Command: "newest", Output: big, When: base.Add(2 * time.Minute)},
	}

	prompt := BuildPrompt("", batch, 10, len(promptPreamble)+600)

	assert.Contains(t, prompt, "newest")
	assert.NotContains(t, prompt, "middle")
	assert.NotContains(t, prompt, "oldest")
	// The kept event is complete, not cut mid-output.
	assert.Contains(t, prompt, big)
}
