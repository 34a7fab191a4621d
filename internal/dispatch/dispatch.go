// Package dispatch decides when to escalate recent activity to the
// external advisor. It tracks change counters per (session, scope),
// enforces the novelty threshold and cooldown, batches recent qualifying
// events into a bounded prompt, and serializes advisor calls per scope.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huntlog/huntlog/internal/advisor"
	"github.com/huntlog/huntlog/internal/metrics"
	"github.com/huntlog/huntlog/internal/store"
	"github.com/huntlog/huntlog/pkg/types"
)

// Scope identifies one change-tracking unit: a whole session (FactID
// empty) or a single entity within it.
type Scope struct {
	SessionID string
	FactID    string
}

// entityScopeTypes are the fact types worth a dedicated advisor scope.
// Ports, paths, and credentials ride along in the global scope.
var entityScopeTypes = map[types.FactType]struct{}{
	types.FactHost:          {},
	types.FactService:       {},
	types.FactVulnerability: {},
}

// Config tunes the dispatch policy.
type Config struct {
	// NoveltyThreshold gates which events qualify for escalation.
	NoveltyThreshold float64
	// Cooldown is the minimum spacing between advisor attempts per scope.
	Cooldown time.Duration
	// BatchSize caps how many recent qualifying events go into a prompt.
	BatchSize int
	// MaxPromptChars bounds the rendered prompt; oldest events are
	// dropped first, never mid-event.
	MaxPromptChars int
	// Timeout bounds one advisor invocation.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.NoveltyThreshold <= 0 {
		c.NoveltyThreshold = 1.5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 2 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.MaxPromptChars <= 0 {
		c.MaxPromptChars = 12000
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	return c
}

type scopeState struct {
	counter     int64
	lastCounter int64
	lastAttempt time.Time
	inFlight    bool
	loaded      bool

	factType  types.FactType
	factValue string

	recent []Snapshot // most recent last, capacity = batch size
}

// Coordinator implements the per-scope dispatch state machine.
type Coordinator struct {
	cfg     Config
	adv     advisor.Advisor
	st      store.Store
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	scopes map[Scope]*scopeState
}

func New(cfg Config, adv advisor.Advisor, st store.Store, m *metrics.Collector, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:     cfg.withDefaults(),
		adv:     adv,
		st:      st,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		scopes:  make(map[Scope]*scopeState),
	}
}

// SetNow replaces the clock, for tests.
func (c *Coordinator) SetNow(now func() time.Time) { c.now = now }

// Observe feeds one processed event into change tracking and triggers
// any dispatches that became eligible. It returns immediately; advisor
// calls run in the background off the ingestion path.
func (c *Coordinator) Observe(ev types.Event, facts []types.Fact) {
	c.observeScope(Scope{SessionID: ev.SessionID}, ev, "", "")
	for _, f := range facts {
		if _, ok := entityScopeTypes[f.Type]; !ok {
			continue
		}
		c.observeScope(Scope{SessionID: ev.SessionID, FactID: f.ID}, ev, f.Type, f.Value)
	}
}

// Close stops launching new dispatches and waits for in-flight ones.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// Reset drops all in-memory scope tracking so a wiped store starts a
// genuinely fresh engagement. Results of calls already in flight are
// discarded when they land.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.scopes = make(map[Scope]*scopeState)
	c.mu.Unlock()
}

func (c *Coordinator) observeScope(scope Scope, ev types.Event, ft types.FactType, fv string) {
	c.mu.Lock()
	st, ok := c.scopes[scope]
	if !ok {
		st = &scopeState{}
		c.scopes[scope] = st
	}
	if !st.loaded {
		st.loaded = true
		if persisted, found, err := c.st.LoadDispatchState(c.ctx, scope.SessionID, scope.FactID); err == nil && found {
			st.lastCounter = persisted.CountAtDispatch
			st.counter = persisted.CountAtDispatch
			st.lastAttempt = persisted.LastDispatch
		}
	}
	if ft != "" {
		st.factType, st.factValue = ft, fv
	}

	st.counter++
	if ev.Novelty >= c.cfg.NoveltyThreshold {
		st.recent = append(st.recent, Snapshot{
			Command: ev.CanonicalCommand,
			Output:  ev.CanonicalOutput,
			Novelty: ev.Novelty,
			When:    ev.Timestamp,
		})
		if len(st.recent) > c.cfg.BatchSize {
			st.recent = st.recent[len(st.recent)-c.cfg.BatchSize:]
		}
	}

	now := c.now()
	eligible := !st.inFlight &&
		st.counter > st.lastCounter &&
		ev.Novelty >= c.cfg.NoveltyThreshold &&
		now.Sub(st.lastAttempt) >= c.cfg.Cooldown

	if !eligible {
		c.mu.Unlock()
		return
	}

	// idle -> eligible -> dispatching. The attempt time starts the
	// cooldown whether or not the call succeeds, so a failing advisor
	// is retried later but never hammered.
	st.inFlight = true
	st.lastAttempt = now
	snapCounter := st.counter
	batch := make([]Snapshot, len(st.recent))
	copy(batch, st.recent)
	label := entityLabel(st.factType, st.factValue)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.dispatch(scope, label, batch, snapCounter)
}

func (c *Coordinator) dispatch(scope Scope, label string, batch []Snapshot, snapCounter int64) {
	defer c.wg.Done()

	prompt := BuildPrompt(label, batch, c.cfg.BatchSize, c.cfg.MaxPromptChars)

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
	text, err := c.adv.Advise(ctx, prompt)
	cancel()

	c.mu.Lock()
	st, ok := c.scopes[scope]
	if ok {
		st.inFlight = false
	}
	c.mu.Unlock()
	if !ok {
		// The scope was reset while the call was in flight; the result
		// belongs to the previous engagement.
		return
	}

	if err != nil {
		// Failed dispatch: counters stay put so the scope is retried
		// on the next qualifying event once the cooldown passes.
		c.metrics.IncAdvisorFailure()
		c.logger.Warn("advisor dispatch failed",
			"session", scope.SessionID, "entity", label, "error", err)
		return
	}

	rec := types.Recommendation{
		ID:        uuid.NewString(),
		Scope:     types.ScopeGlobal,
		Source:    "advisor",
		Priority:  types.PriorityMedium,
		Text:      text,
		SessionID: scope.SessionID,
		CreatedAt: c.now().UTC(),
	}
	if scope.FactID != "" {
		rec.Scope = types.ScopeEntity
		rec.FactID = scope.FactID
	}
	if err := c.st.RecordRecommendation(c.ctx, rec); err != nil {
		c.logger.Error("record advisor recommendation",
			"session", scope.SessionID, "error", err)
		return
	}

	// dispatching -> cooled-down: advance the persisted counters only
	// after a successful call.
	now := c.now()
	c.mu.Lock()
	cur, live := c.scopes[scope]
	if live && cur == st {
		st.lastCounter = snapCounter
		st.lastAttempt = now
	}
	c.mu.Unlock()
	if !live || cur != st {
		return
	}

	if err := c.st.SaveDispatchState(c.ctx, store.DispatchState{
		SessionID:       scope.SessionID,
		ScopeKey:        scope.FactID,
		LastDispatch:    now,
		CountAtDispatch: snapCounter,
	}); err != nil {
		c.logger.Error("persist dispatch state", "session", scope.SessionID, "error", err)
	}

	c.metrics.IncDispatch()
	c.logger.Info("advisor dispatch complete",
		"session", scope.SessionID, "entity", label, "events", len(batch))
}

func entityLabel(t types.FactType, v string) string {
	if t == "" {
		return ""
	}
	return string(t) + " " + v
}
