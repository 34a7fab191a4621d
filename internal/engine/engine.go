// Package engine runs the ingestion pipeline: canonicalize, deduplicate,
// extract facts, score novelty, fire rules, persist, and notify the
// dispatch coordinator. Events from the same session are processed in
// arrival order; distinct sessions proceed concurrently.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/huntlog/huntlog/internal/canon"
	"github.com/huntlog/huntlog/internal/events"
	"github.com/huntlog/huntlog/internal/extract"
	"github.com/huntlog/huntlog/internal/metrics"
	"github.com/huntlog/huntlog/internal/novelty"
	"github.com/huntlog/huntlog/internal/rules"
	"github.com/huntlog/huntlog/internal/store"
	"github.com/huntlog/huntlog/pkg/types"
)

// Observer is the escalation hook fed after each event is persisted.
type Observer interface {
	Observe(ev types.Event, facts []types.Fact)
}

// Resetter is implemented by observers that carry engagement state of
// their own; Engine.Reset cascades to it.
type Resetter interface {
	Reset()
}

// Config tunes ingestion.
type Config struct {
	// QueueSize bounds the intake queue; Submit blocks when it is full.
	QueueSize int
	// SessionBuffer bounds each per-session queue.
	SessionBuffer int
	// AppendRetries is how many extra attempts a failed event append
	// gets before the event is dropped with an error log.
	AppendRetries int
	// AppendBackoff is the initial retry delay, doubled per attempt.
	AppendBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.SessionBuffer <= 0 {
		c.SessionBuffer = 256
	}
	if c.AppendRetries <= 0 {
		c.AppendRetries = 3
	}
	if c.AppendBackoff <= 0 {
		c.AppendBackoff = 100 * time.Millisecond
	}
	return c
}

// Engine owns the intake queue and the per-session workers.
type Engine struct {
	cfg      Config
	st       store.Store
	rules    *rules.Engine
	observer Observer
	broker   *events.Broker
	metrics  *metrics.Collector
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan types.Record
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*sessionWorker

	// closeMu serializes queue sends against Close closing the queue.
	closeMu sync.RWMutex

	processed atomic.Uint64
	closed    atomic.Bool
	// gen invalidates per-session fingerprint caches on Reset.
	gen atomic.Uint64
}

type sessionWorker struct {
	ch chan types.Record
	// prints holds the fingerprints seen in this session, seeded from
	// the store when gen falls behind the engine's.
	prints map[string]struct{}
	gen    uint64
}

var errClosed = errors.New("engine closed")

func New(cfg Config, st store.Store, re *rules.Engine, obs Observer, broker *events.Broker, m *metrics.Collector, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if re == nil {
		re = rules.NewEngine()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		st:       st,
		rules:    re,
		observer: obs,
		broker:   broker,
		metrics:  m,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan types.Record, cfg.QueueSize),
		sessions: make(map[string]*sessionWorker),
	}
	e.wg.Add(1)
	go e.route()
	return e
}

// Submit queues one raw record for processing. It blocks when the intake
// queue is full, propagating backpressure to the caller, and fails only
// once the engine is shut down.
func (e *Engine) Submit(ctx context.Context, rec types.Record) error {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed.Load() {
		return errClosed
	}
	select {
	case e.queue <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return errClosed
	}
}

// Processed reports how many events have completed the pipeline.
func (e *Engine) Processed() uint64 { return e.processed.Load() }

// SessionCount reports how many sessions have active workers.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Close drains the queue, waits for in-flight events, and stops the
// workers. Submit fails afterwards. Safe against concurrent Submit: the
// queue is only closed once every in-flight send has finished.
func (e *Engine) Close() {
	e.closeMu.Lock()
	if !e.closed.CompareAndSwap(false, true) {
		e.closeMu.Unlock()
		return
	}
	close(e.queue)
	e.closeMu.Unlock()
	e.wg.Wait()
	e.cancel()
}

// Reset invalidates the per-session duplicate caches and cascades to
// the observer, so a wiped store is not contradicted by in-memory
// state from the previous engagement.
func (e *Engine) Reset() {
	e.gen.Add(1)
	if r, ok := e.observer.(Resetter); ok {
		r.Reset()
	}
}

// route moves records from the intake queue to per-session workers so
// one session's ordering never delays another session.
func (e *Engine) route() {
	defer e.wg.Done()
	for rec := range e.queue {
		if rec.SessionID == "" {
			rec.SessionID = "default"
		}
		e.workerFor(rec.SessionID).ch <- rec
	}
	e.mu.Lock()
	for _, w := range e.sessions {
		close(w.ch)
	}
	e.mu.Unlock()
}

func (e *Engine) workerFor(sessionID string) *sessionWorker {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.sessions[sessionID]
	if !ok {
		w = &sessionWorker{ch: make(chan types.Record, e.cfg.SessionBuffer)}
		e.sessions[sessionID] = w
		e.wg.Add(1)
		go e.run(sessionID, w)
	}
	return w
}

func (e *Engine) run(sessionID string, w *sessionWorker) {
	defer e.wg.Done()
	for rec := range w.ch {
		e.process(sessionID, w, rec)
	}
}

func (e *Engine) process(sessionID string, w *sessionWorker, rec types.Record) {
	ts, err := time.Parse(time.RFC3339, rec.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}

	canonCmd, canonOut, fp := canon.Canonicalize(rec.Command, rec.Output)

	if g := e.gen.Load(); w.prints == nil || w.gen != g {
		w.prints = e.loadFingerprints(sessionID)
		w.gen = g
	}
	_, dup := w.prints[fp]
	w.prints[fp] = struct{}{}

	ev := types.Event{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		Timestamp:        ts.UTC(),
		Command:          rec.Command,
		CanonicalCommand: canonCmd,
		WorkingDir:       rec.WorkingDir,
		Output:           rec.Output,
		CanonicalOutput:  canonOut,
		ExitCode:         rec.ExitCode,
		Fingerprint:      fp,
		Duplicate:        dup,
		Category:         extract.Categorize(rec.Command),
	}

	facts, newFacts := e.upsertFacts(ev.Timestamp, extract.Extract(canonCmd, canonOut))
	ev.Novelty = novelty.Score(dup, newFacts, novelty.KeywordHits(canonOut))

	// The event row lands before anything that references it, so a
	// dropped append leaves no dangling links or advice.
	if err := e.appendWithRetry(ev); err != nil {
		e.logger.Error("append event", "session", sessionID, "event", ev.ID, "error", err)
		return
	}
	e.linkFacts(facts, ev.ID)
	e.fireRules(ev, facts)

	e.processed.Add(1)
	e.metrics.IncEvent(dup)
	if e.observer != nil {
		e.observer.Observe(ev, facts)
	}
	if e.broker != nil {
		e.broker.Publish(ev)
	}
}

// upsertFacts persists the event's findings and reports how many were
// new to the whole engagement. Tool sightings are tracked but do not
// count toward novelty. Fact rows carry no event reference; linking
// waits until the event itself is durable.
func (e *Engine) upsertFacts(ts time.Time, findings []extract.Finding) ([]types.Fact, int) {
	facts := make([]types.Fact, 0, len(findings))
	newFacts := 0
	for _, f := range findings {
		fact, created, err := e.st.UpsertFact(e.ctx, f.Type, f.Value, ts)
		if err != nil {
			e.logger.Error("upsert fact", "type", f.Type, "value", f.Value, "error", err)
			continue
		}
		facts = append(facts, fact)
		if created {
			e.metrics.IncFact(string(f.Type))
			if f.Type != types.FactTool {
				newFacts++
			}
		}
	}
	return facts, newFacts
}

func (e *Engine) linkFacts(facts []types.Fact, eventID string) {
	for _, f := range facts {
		if err := e.st.LinkFactEvent(e.ctx, f.ID, eventID); err != nil {
			e.logger.Error("link fact", "fact", f.ID, "event", eventID, "error", err)
		}
	}
}

func (e *Engine) fireRules(ev types.Event, facts []types.Fact) {
	advice := e.rules.Evaluate(rules.EventContext{
		Command: ev.CanonicalCommand,
		Output:  ev.CanonicalOutput,
		Facts:   facts,
		Novelty: ev.Novelty,
	})
	for _, a := range advice {
		rec := types.Recommendation{
			ID:        uuid.NewString(),
			Scope:     types.ScopeGlobal,
			Source:    a.Rule,
			Priority:  a.Priority,
			Text:      a.Text,
			SessionID: ev.SessionID,
			CreatedAt: time.Now().UTC(),
		}
		if err := e.st.RecordRecommendation(e.ctx, rec); err != nil {
			e.logger.Error("record rule advice", "rule", a.Rule, "error", err)
			continue
		}
		e.metrics.IncRuleFired()
	}
}

// appendWithRetry gives the durable store a few chances before giving
// up on an event. Transient storage failures must not kill a session.
func (e *Engine) appendWithRetry(ev types.Event) error {
	backoff := e.cfg.AppendBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = e.st.AppendEvent(e.ctx, ev)
		if err == nil || !errors.Is(err, store.ErrStorageUnavailable) {
			return err
		}
		if attempt >= e.cfg.AppendRetries {
			return err
		}
		e.metrics.IncStorageRetry()
		select {
		case <-time.After(backoff):
		case <-e.ctx.Done():
			return err
		}
		backoff *= 2
	}
}

func (e *Engine) loadFingerprints(sessionID string) map[string]struct{} {
	prints, err := e.st.Fingerprints(e.ctx, sessionID)
	if err != nil {
		e.logger.Warn("seed fingerprints", "session", sessionID, "error", err)
	}
	if prints == nil {
		prints = make(map[string]struct{})
	}
	return prints
}
