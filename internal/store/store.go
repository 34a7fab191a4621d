package store

import (
	"context"
	"errors"
	"time"

	"github.com/huntlog/huntlog/pkg/types"
)

// ErrStorageUnavailable wraps failures of the durable medium. Fatal to
// the operation, never to the process; callers retry with backoff.
var ErrStorageUnavailable = errors.New("storage unavailable")

// EventSink accepts processed events. Mirror stores (jsonl, composite
// fan-out) implement only this.
type EventSink interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	Close() error
}

// DispatchState records, per (session, scope), when the advisor was last
// successfully consulted and how much activity had been seen by then.
// ScopeKey is empty for the session-global scope, otherwise a fact id.
type DispatchState struct {
	SessionID       string
	ScopeKey        string
	LastDispatch    time.Time
	CountAtDispatch int64
}

// Store is the durable system of record: events, facts, fact-event
// links, recommendations, and dispatch state. Reads reflect writes from
// the same process without a restart.
type Store interface {
	EventSink

	// UpsertFact inserts a fact or, if (type, value) exists, bumps its
	// occurrence count and last-seen. Reports whether it was newly
	// created.
	UpsertFact(ctx context.Context, t types.FactType, value string, seen time.Time) (types.Fact, bool, error)
	LinkFactEvent(ctx context.Context, factID, eventID string) error
	RecordRecommendation(ctx context.Context, rec types.Recommendation) error

	ListSessions(ctx context.Context) ([]types.SessionSummary, error)
	QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error)
	ListFacts(ctx context.Context, q types.FactQuery) ([]types.Fact, error)
	ListRecommendations(ctx context.Context, q types.RecommendationQuery) ([]types.Recommendation, error)
	FactCounts(ctx context.Context) (map[string]int64, error)

	// Fingerprints returns the content fingerprints already stored for a
	// session, used to seed duplicate detection.
	Fingerprints(ctx context.Context, sessionID string) (map[string]struct{}, error)

	LoadDispatchState(ctx context.Context, sessionID, scopeKey string) (DispatchState, bool, error)
	SaveDispatchState(ctx context.Context, st DispatchState) error

	// CleanupHosts re-validates stored host facts and removes those the
	// validator rejects, together with their event links and
	// entity-scoped recommendations.
	CleanupHosts(ctx context.Context, valid func(string) bool) (int64, error)
	// Reset clears all data for a fresh engagement.
	Reset(ctx context.Context) error
}
