// Package composite fans event appends out to mirror sinks while
// delegating everything else to the primary store.
package composite

import (
	"context"
	"time"

	"github.com/huntlog/huntlog/internal/store"
	"github.com/huntlog/huntlog/pkg/types"
)

type Store struct {
	primary store.Store
	mirrors []store.EventSink
}

func New(primary store.Store, mirrors ...store.EventSink) *Store {
	return &Store{primary: primary, mirrors: mirrors}
}

// AppendEvent writes to the primary first; mirror failures are reported
// but do not mask a primary success ordering-wise (first error wins).
func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	var firstErr error
	if err := s.primary.AppendEvent(ctx, ev); err != nil {
		firstErr = err
	}
	for _, m := range s.mirrors {
		if err := m.AppendEvent(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) UpsertFact(ctx context.Context, t types.FactType, value string, seen time.Time) (types.Fact, bool, error) {
	return s.primary.UpsertFact(ctx, t, value, seen)
}

func (s *Store) LinkFactEvent(ctx context.Context, factID, eventID string) error {
	return s.primary.LinkFactEvent(ctx, factID, eventID)
}

func (s *Store) RecordRecommendation(ctx context.Context, rec types.Recommendation) error {
	return s.primary.RecordRecommendation(ctx, rec)
}

func (s *Store) ListSessions(ctx context.Context) ([]types.SessionSummary, error) {
	return s.primary.ListSessions(ctx)
}

func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	return s.primary.QueryEvents(ctx, q)
}

func (s *Store) ListFacts(ctx context.Context, q types.FactQuery) ([]types.Fact, error) {
	return s.primary.ListFacts(ctx, q)
}

func (s *Store) ListRecommendations(ctx context.Context, q types.RecommendationQuery) ([]types.Recommendation, error) {
	return s.primary.ListRecommendations(ctx, q)
}

func (s *Store) FactCounts(ctx context.Context) (map[string]int64, error) {
	return s.primary.FactCounts(ctx)
}

func (s *Store) Fingerprints(ctx context.Context, sessionID string) (map[string]struct{}, error) {
	return s.primary.Fingerprints(ctx, sessionID)
}

func (s *Store) LoadDispatchState(ctx context.Context, sessionID, scopeKey string) (store.DispatchState, bool, error) {
	return s.primary.LoadDispatchState(ctx, sessionID, scopeKey)
}

func (s *Store) SaveDispatchState(ctx context.Context, st store.DispatchState) error {
	return s.primary.SaveDispatchState(ctx, st)
}

func (s *Store) CleanupHosts(ctx context.Context, valid func(string) bool) (int64, error) {
	return s.primary.CleanupHosts(ctx, valid)
}

func (s *Store) Reset(ctx context.Context) error {
	return s.primary.Reset(ctx)
}

func (s *Store) Close() error {
	var firstErr error
	if err := s.primary.Close(); err != nil {
		firstErr = err
	}
	for _, m := range s.mirrors {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
