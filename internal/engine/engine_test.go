package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huntlog/huntlog/internal/events"
	"github.com/huntlog/huntlog/internal/metrics"
	"github.com/huntlog/huntlog/internal/rules"
	"github.com/huntlog/huntlog/internal/store"
	"github.com/huntlog/huntlog/internal/store/sqlite"
	"github.com/huntlog/huntlog/pkg/types"
)

const nmapOutput = `Starting Nmap 7.94
Nmap scan report for 10.10.10.5
PORT   STATE SERVICE
22/tcp open  ssh
80/tcp open  http
`

type recordedObserver struct {
	mu     sync.Mutex
	seen   []types.Event
	facts  [][]types.Fact
	resets int
}

func (o *recordedObserver) Observe(ev types.Event, facts []types.Fact) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, ev)
	o.facts = append(o.facts, facts)
}

func (o *recordedObserver) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resets++
}

func newTestEngine(t *testing.T) (*Engine, *sqlite.Store, *recordedObserver) {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "huntlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	obs := &recordedObserver{}
	e := New(Config{}, st, rules.NewEngine(), obs, events.NewBroker(),
		metrics.New(), slog.New(slog.DiscardHandler))
	return e, st, obs
}

func submitAndWait(t *testing.T, e *Engine, recs ...types.Record) {
	t.Helper()
	want := e.Processed() + uint64(len(recs))
	for _, r := range recs {
		require.NoError(t, e.Submit(context.Background(), r))
	}
	require.Eventually(t, func() bool { return e.Processed() >= want },
		5*time.Second, 10*time.Millisecond)
}

func TestPipelineScoresScanAndFiresRules(t *testing.T) {
	e, st, obs := newTestEngine(t)
	defer e.Close()

	submitAndWait(t, e, types.Record{
		Timestamp: "2026-08-26T12:00:00Z",
		Command:   "nmap -sV 10.10.10.5",
		Output:    nmapOutput,
		SessionID: "s1",
	})

	evs, err := st.QueryEvents(context.Background(), types.EventQuery{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	ev := evs[0]

	// Three new facts (host + two ports; tool sightings do not score):
	// 1.0 + 0.6*3 = 2.8, no keyword hits.
	assert.False(t, ev.Duplicate)
	assert.InDelta(t, 2.8, ev.Novelty, 1e-9)
	assert.Equal(t, "reconnaissance:port_scan", ev.Category)
	assert.Contains(t, ev.CanonicalOutput, "<ip>")

	counts, err := st.FactCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["host"])
	assert.Equal(t, int64(2), counts["port"])
	assert.Equal(t, int64(1), counts["tool"])

	// The open http port triggers the web enumeration rule.
	recs, err := st.ListRecommendations(context.Background(), types.RecommendationQuery{SessionID: "s1"})
	require.NoError(t, err)
	var sources []string
	for _, r := range recs {
		sources = append(sources, r.Source)
	}
	assert.Contains(t, sources, "http-enum")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.seen, 1)
	assert.Equal(t, ev.Fingerprint, obs.seen[0].Fingerprint)
}

func TestDuplicateRunScoresLow(t *testing.T) {
	e, st, _ := newTestEngine(t)
	defer e.Close()

	rec := types.Record{
		Timestamp: "2026-08-26T12:00:00Z",
		Command:   "nmap -sV 10.10.10.5",
		Output:    nmapOutput,
		SessionID: "s1",
	}
	submitAndWait(t, e, rec)
	rec.Timestamp = "2026-08-26T12:05:00Z"
	submitAndWait(t, e, rec)

	evs, err := st.QueryEvents(context.Background(), types.EventQuery{SessionID: "s1", Asc: true})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.False(t, evs[0].Duplicate)
	assert.True(t, evs[1].Duplicate)
	// Duplicate with no new facts: the floor score.
	assert.InDelta(t, 0.15, evs[1].Novelty, 1e-9)

	// Fact occurrences bumped, not re-created.
	facts, err := st.ListFacts(context.Background(), types.FactQuery{Type: types.FactHost})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, int64(2), facts[0].Occurrences)
}

func TestVolatileNumbersCollapseToSameFingerprint(t *testing.T) {
	e, st, _ := newTestEngine(t)
	defer e.Close()

	submitAndWait(t, e,
		types.Record{
			Timestamp: "2026-08-26T12:00:00Z",
			Command:   "curl http://10.10.10.5/",
			Output:    "response id 48213 from 10.10.10.5",
			SessionID: "s1",
		},
		types.Record{
			Timestamp: "2026-08-26T12:01:00Z",
			Command:   "curl http://10.10.10.5/",
			Output:    "response id 91114 from 10.10.10.5",
			SessionID: "s1",
		})

	evs, err := st.QueryEvents(context.Background(), types.EventQuery{SessionID: "s1", Asc: true})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, evs[0].Fingerprint, evs[1].Fingerprint)
	assert.True(t, evs[1].Duplicate)
}

func TestSessionsIsolatedForDuplicates(t *testing.T) {
	e, st, _ := newTestEngine(t)
	defer e.Close()

	rec := types.Record{
		Timestamp: "2026-08-26T12:00:00Z",
		Command:   "whoami",
		Output:    "operator",
	}
	rec.SessionID = "s1"
	submitAndWait(t, e, rec)
	rec.SessionID = "s2"
	submitAndWait(t, e, rec)

	for _, session := range []string{"s1", "s2"} {
		evs, err := st.QueryEvents(context.Background(), types.EventQuery{SessionID: session})
		require.NoError(t, err)
		require.Len(t, evs, 1)
		assert.False(t, evs[0].Duplicate, "session %s", session)
	}
	assert.Equal(t, 2, e.SessionCount())
}

func TestDuplicateDetectionSeededFromStore(t *testing.T) {
	dir := t.TempDir()
	st, err := sqlite.Open(filepath.Join(dir, "huntlog.db"))
	require.NoError(t, err)

	e := New(Config{}, st, rules.NewEngine(), nil, nil, metrics.New(),
		slog.New(slog.DiscardHandler))
	rec := types.Record{
		Timestamp: "2026-08-26T12:00:00Z",
		Command:   "id",
		Output:    "uid=1000(kali)",
		SessionID: "s1",
	}
	submitAndWait(t, e, rec)
	e.Close()

	// Same store, fresh engine: the fingerprint survives the restart.
	e2 := New(Config{}, st, rules.NewEngine(), nil, nil, metrics.New(),
		slog.New(slog.DiscardHandler))
	defer e2.Close()
	rec.Timestamp = "2026-08-26T13:00:00Z"
	submitAndWait(t, e2, rec)

	evs, err := st.QueryEvents(context.Background(), types.EventQuery{SessionID: "s1", Asc: true})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.True(t, evs[1].Duplicate)
	require.NoError(t, st.Close())
}

func TestSubmitAfterCloseFails(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Close()
	err := e.Submit(context.Background(), types.Record{Command: "ls"})
	assert.ErrorIs(t, err, errClosed)
}

func TestResetClearsDuplicateTracking(t *testing.T) {
	e, st, obs := newTestEngine(t)
	defer e.Close()

	rec := types.Record{
		Timestamp: "2026-08-26T12:00:00Z",
		Command:   "nmap -sV 10.10.10.5",
		Output:    nmapOutput,
		SessionID: "s1",
	}
	submitAndWait(t, e, rec)

	// Fresh engagement: wipe the store and the pipeline together.
	require.NoError(t, st.Reset(context.Background()))
	e.Reset()

	rec.Timestamp = "2026-08-26T13:00:00Z"
	submitAndWait(t, e, rec)

	evs, err := st.QueryEvents(context.Background(), types.EventQuery{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.False(t, evs[0].Duplicate)
	assert.InDelta(t, 2.8, evs[0].Novelty, 1e-9)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.resets)
}

func TestCloseSafeAgainstConcurrentSubmits(t *testing.T) {
	e, _, _ := newTestEngine(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := types.Record{Command: "whoami", SessionID: "s1"}
			for {
				if err := e.Submit(context.Background(), rec); err != nil {
					assert.ErrorIs(t, err, errClosed)
					return
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	e.Close()
	wg.Wait()
}

// failingAppendStore refuses every durable event write while leaving
// the rest of the store intact.
type failingAppendStore struct {
	store.Store
	attempts atomic.Int64
}

func (s *failingAppendStore) AppendEvent(context.Context, types.Event) error {
	s.attempts.Add(1)
	return fmt.Errorf("%w: disk gone", store.ErrStorageUnavailable)
}

func TestFailedAppendLeavesNoDanglingReferences(t *testing.T) {
	base, err := sqlite.Open(filepath.Join(t.TempDir(), "huntlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = base.Close() })
	fs := &failingAppendStore{Store: base}

	e := New(Config{AppendRetries: 1, AppendBackoff: time.Millisecond},
		fs, rules.NewEngine(), nil, nil, metrics.New(), slog.New(slog.DiscardHandler))

	require.NoError(t, e.Submit(context.Background(), types.Record{
		Timestamp: "2026-08-26T12:00:00Z",
		Command:   "nmap -sV 10.10.10.5",
		Output:    nmapOutput,
		SessionID: "s1",
	}))
	require.Eventually(t, func() bool { return fs.attempts.Load() >= 2 },
		5*time.Second, 10*time.Millisecond)
	e.Close()

	// The event never landed, so nothing may reference it: no rule
	// advice and no event rows, even though the scan would normally
	// fire http-enum.
	assert.Zero(t, e.Processed())
	evs, err := base.QueryEvents(context.Background(), types.EventQuery{SessionID: "s1"})
	require.NoError(t, err)
	assert.Empty(t, evs)
	recs, err := base.ListRecommendations(context.Background(), types.RecommendationQuery{SessionID: "s1"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}
