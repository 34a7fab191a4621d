package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/huntlog/huntlog/internal/store"
	"github.com/huntlog/huntlog/pkg/types"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			ts_unix_ns INTEGER NOT NULL,
			command TEXT NOT NULL,
			canonical_command TEXT NOT NULL,
			working_dir TEXT NOT NULL,
			output TEXT,
			canonical_output TEXT,
			exit_code INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			novelty REAL NOT NULL,
			duplicate INTEGER NOT NULL,
			category TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_fingerprint ON events(session_id, fingerprint);`,
		`CREATE TABLE IF NOT EXISTS facts (
			fact_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			value TEXT NOT NULL,
			first_seen_ns INTEGER NOT NULL,
			last_seen_ns INTEGER NOT NULL,
			occurrences INTEGER NOT NULL DEFAULT 1,
			UNIQUE(type, value)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_facts_type ON facts(type, last_seen_ns);`,
		`CREATE TABLE IF NOT EXISTS fact_events (
			fact_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			PRIMARY KEY (fact_id, event_id)
		);`,
		`CREATE TABLE IF NOT EXISTS recommendations (
			rec_id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			fact_id TEXT,
			source TEXT NOT NULL,
			priority TEXT NOT NULL,
			text TEXT NOT NULL,
			session_id TEXT NOT NULL,
			created_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_recs_session_ts ON recommendations(session_id, created_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_recs_fact ON recommendations(fact_id, created_ns);`,
		`CREATE TABLE IF NOT EXISTS dispatch_state (
			session_id TEXT NOT NULL,
			scope_key TEXT NOT NULL,
			last_dispatch_ns INTEGER NOT NULL,
			count_at_dispatch INTEGER NOT NULL,
			PRIMARY KEY (session_id, scope_key)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

// AppendEvent is idempotent by event id: re-appending an already stored
// id is a no-op, tolerating at-least-once delivery from the capture side.
func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	if ev.ID == "" {
		return fmt.Errorf("event missing id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events(
			event_id, session_id, ts_unix_ns, command, canonical_command,
			working_dir, output, canonical_output, exit_code,
			fingerprint, novelty, duplicate, category
		) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?);`,
		ev.ID,
		ev.SessionID,
		ev.Timestamp.UTC().UnixNano(),
		ev.Command,
		ev.CanonicalCommand,
		ev.WorkingDir,
		ev.Output,
		ev.CanonicalOutput,
		ev.ExitCode,
		ev.Fingerprint,
		ev.Novelty,
		boolToInt(ev.Duplicate),
		ev.Category,
	)
	if err != nil {
		return fmt.Errorf("%w: insert event: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) UpsertFact(ctx context.Context, t types.FactType, value string, seen time.Time) (types.Fact, bool, error) {
	if value == "" {
		return types.Fact{}, false, fmt.Errorf("fact value is empty")
	}
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	ns := seen.UTC().UnixNano()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO facts(fact_id, type, value, first_seen_ns, last_seen_ns, occurrences)
		VALUES(?,?,?,?,?,1)
		ON CONFLICT(type, value) DO NOTHING;`,
		uuid.NewString(), string(t), value, ns, ns,
	)
	if err != nil {
		return types.Fact{}, false, fmt.Errorf("%w: upsert fact: %v", store.ErrStorageUnavailable, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return types.Fact{}, false, fmt.Errorf("upsert fact rows: %w", err)
	}

	created := inserted > 0
	if !created {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE facts SET occurrences = occurrences + 1, last_seen_ns = ?
			WHERE type = ? AND value = ?;`, ns, string(t), value); err != nil {
			return types.Fact{}, false, fmt.Errorf("%w: reinforce fact: %v", store.ErrStorageUnavailable, err)
		}
	}

	var f types.Fact
	var firstNS, lastNS int64
	row := s.db.QueryRowContext(ctx,
		`SELECT fact_id, type, value, first_seen_ns, last_seen_ns, occurrences FROM facts WHERE type = ? AND value = ?;`,
		string(t), value)
	if err := row.Scan(&f.ID, &f.Type, &f.Value, &firstNS, &lastNS, &f.Occurrences); err != nil {
		return types.Fact{}, false, fmt.Errorf("read fact: %w", err)
	}
	f.FirstSeen = time.Unix(0, firstNS).UTC()
	f.LastSeen = time.Unix(0, lastNS).UTC()
	return f, created, nil
}

func (s *Store) LinkFactEvent(ctx context.Context, factID, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO fact_events(fact_id, event_id) VALUES(?,?);`,
		factID, eventID)
	if err != nil {
		return fmt.Errorf("%w: link fact event: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) RecordRecommendation(ctx context.Context, rec types.Recommendation) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recommendations(rec_id, scope, fact_id, source, priority, text, session_id, created_ns)
		VALUES(?,?,?,?,?,?,?,?);`,
		rec.ID, string(rec.Scope), nullable(rec.FactID), rec.Source,
		string(rec.Priority), rec.Text, rec.SessionID, rec.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: insert recommendation: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context) ([]types.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(*), MIN(ts_unix_ns), MAX(ts_unix_ns)
		FROM events GROUP BY session_id ORDER BY MAX(ts_unix_ns) DESC;`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []types.SessionSummary
	for rows.Next() {
		var sum types.SessionSummary
		var firstNS, lastNS int64
		if err := rows.Scan(&sum.ID, &sum.EventCount, &firstNS, &lastNS); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.FirstSeen = time.Unix(0, firstNS).UTC()
		sum.LastSeen = time.Unix(0, lastNS).UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	where := "1=1"
	var args []any
	if q.SessionID != "" {
		where = "session_id = ?"
		args = append(args, q.SessionID)
	}

	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 || limit > 5000 {
		limit = 200
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, session_id, ts_unix_ns, command, canonical_command,
		       working_dir, output, canonical_output, exit_code,
		       fingerprint, novelty, duplicate, category
		FROM events WHERE `+where+` ORDER BY ts_unix_ns `+order+` LIMIT ? OFFSET ?;`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) ListFacts(ctx context.Context, q types.FactQuery) ([]types.Fact, error) {
	where := "1=1"
	var args []any
	if q.Type != "" {
		where = "type = ?"
		args = append(args, string(q.Type))
	}
	limit := q.Limit
	if limit <= 0 || limit > 5000 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT fact_id, type, value, first_seen_ns, last_seen_ns, occurrences
		FROM facts WHERE `+where+` ORDER BY last_seen_ns DESC LIMIT ?;`,
		append(args, limit)...,
	)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var out []types.Fact
	for rows.Next() {
		var f types.Fact
		var firstNS, lastNS int64
		if err := rows.Scan(&f.ID, &f.Type, &f.Value, &firstNS, &lastNS, &f.Occurrences); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.FirstSeen = time.Unix(0, firstNS).UTC()
		f.LastSeen = time.Unix(0, lastNS).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) ListRecommendations(ctx context.Context, q types.RecommendationQuery) ([]types.Recommendation, error) {
	where := []string{"1=1"}
	var args []any
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.FactID != "" {
		where = append(where, "fact_id = ?")
		args = append(args, q.FactID)
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rec_id, scope, fact_id, source, priority, text, session_id, created_ns
		FROM recommendations WHERE `+joinAnd(where)+`
		ORDER BY created_ns DESC LIMIT ?;`,
		append(args, limit)...,
	)
	if err != nil {
		return nil, fmt.Errorf("list recommendations: %w", err)
	}
	defer rows.Close()

	var out []types.Recommendation
	for rows.Next() {
		var rec types.Recommendation
		var factID sql.NullString
		var createdNS int64
		if err := rows.Scan(&rec.ID, &rec.Scope, &factID, &rec.Source, &rec.Priority, &rec.Text, &rec.SessionID, &createdNS); err != nil {
			return nil, fmt.Errorf("scan recommendation: %w", err)
		}
		rec.FactID = factID.String
		rec.CreatedAt = time.Unix(0, createdNS).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) FactCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM facts GROUP BY type;`)
	if err != nil {
		return nil, fmt.Errorf("fact counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan fact count: %w", err)
		}
		out[t] = n
	}
	return out, rows.Err()
}

func (s *Store) Fingerprints(ctx context.Context, sessionID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT fingerprint FROM events WHERE session_id = ?;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("fingerprints: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		out[fp] = struct{}{}
	}
	return out, rows.Err()
}

func (s *Store) LoadDispatchState(ctx context.Context, sessionID, scopeKey string) (store.DispatchState, bool, error) {
	var st store.DispatchState
	var lastNS int64
	row := s.db.QueryRowContext(ctx, `
		SELECT last_dispatch_ns, count_at_dispatch FROM dispatch_state
		WHERE session_id = ? AND scope_key = ?;`, sessionID, scopeKey)
	if err := row.Scan(&lastNS, &st.CountAtDispatch); err != nil {
		if err == sql.ErrNoRows {
			return store.DispatchState{}, false, nil
		}
		return store.DispatchState{}, false, fmt.Errorf("load dispatch state: %w", err)
	}
	st.SessionID = sessionID
	st.ScopeKey = scopeKey
	st.LastDispatch = time.Unix(0, lastNS).UTC()
	return st, true, nil
}

func (s *Store) SaveDispatchState(ctx context.Context, st store.DispatchState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_state(session_id, scope_key, last_dispatch_ns, count_at_dispatch)
		VALUES(?,?,?,?)
		ON CONFLICT(session_id, scope_key) DO UPDATE SET
			last_dispatch_ns = excluded.last_dispatch_ns,
			count_at_dispatch = excluded.count_at_dispatch;`,
		st.SessionID, st.ScopeKey, st.LastDispatch.UTC().UnixNano(), st.CountAtDispatch,
	)
	if err != nil {
		return fmt.Errorf("%w: save dispatch state: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) CleanupHosts(ctx context.Context, valid func(string) bool) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fact_id, value FROM facts WHERE type = ?;`, string(types.FactHost))
	if err != nil {
		return 0, fmt.Errorf("cleanup hosts: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id, value string
		if err := rows.Scan(&id, &value); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan host fact: %w", err)
		}
		if !valid(value) {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range stale {
		for _, stmt := range []string{
			`DELETE FROM fact_events WHERE fact_id = ?;`,
			`DELETE FROM recommendations WHERE fact_id = ?;`,
			`DELETE FROM facts WHERE fact_id = ?;`,
		} {
			if _, err := s.db.ExecContext(ctx, stmt, id); err != nil {
				return 0, fmt.Errorf("%w: cleanup host %s: %v", store.ErrStorageUnavailable, id, err)
			}
		}
	}
	return int64(len(stale)), nil
}

func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{"events", "facts", "fact_events", "recommendations", "dispatch_state"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+`;`); err != nil {
			return fmt.Errorf("%w: reset %s: %v", store.ErrStorageUnavailable, table, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (types.Event, error) {
	var ev types.Event
	var tsNS int64
	var dup int
	var output, canonOut, category sql.NullString
	if err := row.Scan(
		&ev.ID, &ev.SessionID, &tsNS, &ev.Command, &ev.CanonicalCommand,
		&ev.WorkingDir, &output, &canonOut, &ev.ExitCode,
		&ev.Fingerprint, &ev.Novelty, &dup, &category,
	); err != nil {
		return types.Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Timestamp = time.Unix(0, tsNS).UTC()
	ev.Output = output.String
	ev.CanonicalOutput = canonOut.String
	ev.Category = category.String
	ev.Duplicate = dup != 0
	return ev, nil
}

func joinAnd(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += " AND " + p
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
