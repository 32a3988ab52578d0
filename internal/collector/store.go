package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vburojevic/apptrack/internal/domain"
)

// SessionRecord is a session as ingested, keyed by its natural identity
// (UserID, Start, End).
type SessionRecord struct {
	UserID          string
	Start           time.Time
	End             time.Time
	DurationSeconds float64
	Location        *domain.LocationSnapshot
}

// LogRecord is one captured log blob.
type LogRecord struct {
	UserID    string
	Timestamp time.Time
	Content   string
}

// CrashRecord is one crash report as ingested. Append-only.
type CrashRecord struct {
	UserID         string
	SessionStart   time.Time
	SessionEnd     time.Time
	CrashTime      time.Time
	EventID        int
	Provider       string
	ExceptionCode  string
	FaultingModule string
	Message        string
	Location       *domain.LocationSnapshot
}

// CrashRow is a stored crash with its assigned id, for incremental polling.
type CrashRow struct {
	ID int64
	CrashRecord
}

// SessionRow is a stored session with its assigned id.
type SessionRow struct {
	ID int64
	SessionRecord
}

// LogRow is a stored log with its assigned id.
type LogRow struct {
	ID int64
	LogRecord
}

// SignatureGroup is one row of the crash summary: all crashes sharing a
// derived signature, with the count, most recent occurrence and one
// truncated example message.
type SignatureGroup struct {
	Signature string `json:"signature"`
	Count     int64  `json:"count"`
	LastSeen  string `json:"last_seen"`
	Example   string `json:"example"`
}

// Metrics are the aggregate usage numbers the dashboard polls.
type Metrics struct {
	ActiveUsers   int64   `json:"active-users"`
	TotalHours    float64 `json:"total-hours"`
	AvgDurationHr float64 `json:"avg-duration"`
}

// Open connects to Postgres via the pgx stdlib driver and verifies the
// connection. Caller must Close.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Store persists and queries telemetry records. All coordination lives in
// the database's uniqueness constraint; the store holds no mutable state
// and is safe for concurrent request handlers.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertSession inserts the session or, when the natural key already
// exists, updates duration and location. This is what makes the agent's
// delivery retries idempotent: first insert wins identity, repeats only
// refresh the derived fields.
func (s *Store) UpsertSession(ctx context.Context, rec SessionRecord) error {
	loc, err := locationJSON(rec.Location)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (user_id, session_start, session_end, total_duration_seconds, location)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, session_start, session_end)
		DO UPDATE SET
			total_duration_seconds = EXCLUDED.total_duration_seconds,
			location = COALESCE(EXCLUDED.location, sessions.location)`,
		rec.UserID, rec.Start, rec.End, rec.DurationSeconds, loc)
	return err
}

// InsertLog appends a log blob. Logs are never deduplicated.
func (s *Store) InsertLog(ctx context.Context, rec LogRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (user_id, log_timestamp, log_content)
		VALUES ($1, $2, $3)`,
		rec.UserID, rec.Timestamp, rec.Content)
	return err
}

// InsertCrash appends a crash report. No identity collapsing happens at
// write time; grouping is purely presentational at query time.
func (s *Store) InsertCrash(ctx context.Context, rec CrashRecord) error {
	loc, err := locationJSON(rec.Location)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO crashes (user_id, session_start, session_end, crash_time,
			event_id, provider, exception_code, faulting_module, message, location)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.UserID, nullTime(rec.SessionStart), nullTime(rec.SessionEnd), nullTime(rec.CrashTime),
		rec.EventID, rec.Provider, rec.ExceptionCode, rec.FaultingModule, rec.Message, loc)
	return err
}

// ListCrashes returns stored crashes newest-first, optionally filtered by
// user and by crash_id > sinceID for incremental polling.
func (s *Store) ListCrashes(ctx context.Context, user string, sinceID int64, limit int) ([]CrashRow, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT crash_id, user_id, session_start, session_end, crash_time,
		       event_id, provider, exception_code, faulting_module, message, location
		FROM crashes
		WHERE ($1 = '' OR user_id = $1) AND crash_id > $2
		ORDER BY crash_id DESC
		LIMIT $3`,
		user, sinceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CrashRow
	for rows.Next() {
		var r CrashRow
		var start, end, crashTime sql.NullTime
		var loc []byte
		if err := rows.Scan(&r.ID, &r.UserID, &start, &end, &crashTime,
			&r.EventID, &r.Provider, &r.ExceptionCode, &r.FaultingModule, &r.Message, &loc); err != nil {
			return nil, err
		}
		r.SessionStart = start.Time
		r.SessionEnd = end.Time
		r.CrashTime = crashTime.Time
		r.Location = parseLocation(loc)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GroupCrashSignatures groups stored crashes by derived signature and
// returns the groups ordered by count descending, then recency.
func (s *Store) GroupCrashSignatures(ctx context.Context, user string, limit int) ([]SignatureGroup, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			COALESCE(NULLIF(exception_code, ''), 'no-code') || ' | ' ||
			COALESCE(NULLIF(faulting_module, ''), 'no-module') || ' | ' ||
			event_id::text AS signature,
			COUNT(*) AS cnt,
			MAX(crash_time) AS last_seen,
			LEFT(MAX(message), 200) AS example
		FROM crashes
		WHERE ($1 = '' OR user_id = $1)
		GROUP BY signature
		ORDER BY cnt DESC, last_seen DESC
		LIMIT $2`,
		user, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SignatureGroup
	for rows.Next() {
		var g SignatureGroup
		var lastSeen sql.NullTime
		if err := rows.Scan(&g.Signature, &g.Count, &lastSeen, &g.Example); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			g.LastSeen = domain.FormatTimestamp(lastSeen.Time)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListSessions returns stored sessions newest-first, optionally filtered
// by user.
func (s *Store) ListSessions(ctx context.Context, user string) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, session_start, session_end, total_duration_seconds, location
		FROM sessions
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY session_id DESC`,
		user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var loc []byte
		if err := rows.Scan(&r.ID, &r.UserID, &r.Start, &r.End, &r.DurationSeconds, &loc); err != nil {
			return nil, err
		}
		r.Location = parseLocation(loc)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListLogs returns stored log captures, optionally filtered by user.
func (s *Store) ListLogs(ctx context.Context, user string) ([]LogRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT log_id, user_id, log_timestamp, log_content
		FROM logs
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY log_id DESC`,
		user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogRow
	for rows.Next() {
		var r LogRow
		if err := rows.Scan(&r.ID, &r.UserID, &r.Timestamp, &r.Content); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListUsers returns the distinct user ids that have recorded sessions.
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM sessions ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UsageMetrics computes the aggregate numbers, optionally scoped to one user.
func (s *Store) UsageMetrics(ctx context.Context, user string) (Metrics, error) {
	var m Metrics
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT user_id),
		       COALESCE(SUM(total_duration_seconds), 0) / 3600,
		       COALESCE(AVG(total_duration_seconds), 0) / 3600
		FROM sessions
		WHERE ($1 = '' OR user_id = $1)`,
		user).Scan(&m.ActiveUsers, &m.TotalHours, &m.AvgDurationHr)
	return m, err
}

func locationJSON(loc *domain.LocationSnapshot) (any, error) {
	if loc == nil || loc.Empty() {
		return nil, nil
	}
	b, err := json.Marshal(loc)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func parseLocation(raw []byte) *domain.LocationSnapshot {
	if len(raw) == 0 {
		return nil
	}
	var loc domain.LocationSnapshot
	if err := json.Unmarshal(raw, &loc); err != nil {
		return nil
	}
	return &loc
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
