package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/steward/pkg/models"
)

var errTurnIDRequired = errors.New("turn ID is required")

// Dialect selects SQL syntax differences between the supported databases.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// driverName is the database/sql driver registered for the dialect.
func (d Dialect) driverName() string {
	return string(d)
}

func (d Dialect) timestampType() string {
	if d == DialectPostgres {
		return "TIMESTAMPTZ"
	}
	return "DATETIME"
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// DBConfig holds connection pool settings.
type DBConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultDBConfig returns default pool settings.
func DefaultDBConfig() DBConfig {
	return DBConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Connect opens and pings a database for dialect without touching its schema.
func Connect(ctx context.Context, dialect Dialect, dsn string, cfg DBConfig) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	switch dialect {
	case DialectPostgres, DialectSQLite:
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		// SQLite allows a single writer.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// OpenDB connects and applies pending migrations.
func OpenDB(ctx context.Context, dialect Dialect, dsn string, cfg DBConfig) (*sql.DB, error) {
	db, err := Connect(ctx, dialect, dsn, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db, dialect); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open, migrated database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// DB exposes the underlying database connection for related stores.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// SaveTurn upserts the turn record.
func (s *SQLStore) SaveTurn(ctx context.Context, rec models.TurnRecord) error {
	if rec.ID == "" {
		return errTurnIDRequired
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO turns (id, session_id, kind, status, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			ended_at = excluded.ended_at
	`), rec.ID, rec.SessionID, rec.Kind, rec.Status, rec.Error, rec.StartedAt.UTC(), nullTime(rec.EndedAt))
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

// AppendEvent stores ev as a JSON payload keyed by turn and sequence.
func (s *SQLStore) AppendEvent(ctx context.Context, sessionID string, ev models.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.TurnID == "" {
		return errTurnIDRequired
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	createdAt := ev.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO turn_events (turn_id, session_id, sequence, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), ev.TurnID, sessionID, ev.Sequence, string(ev.Kind), string(payload), createdAt.UTC())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// LoadSession returns the stored transcript of sessionID.
func (s *SQLStore) LoadSession(ctx context.Context, sessionID string) ([]models.TurnRecord, []models.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id, session_id, kind, status, error, started_at, ended_at
		FROM turns WHERE session_id = ?
		ORDER BY started_at, id
	`), sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var records []models.TurnRecord
	order := map[string]int{}
	for rows.Next() {
		var rec models.TurnRecord
		var ended sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Kind, &rec.Status, &rec.Error, &rec.StartedAt, &ended); err != nil {
			return nil, nil, fmt.Errorf("scan turn: %w", err)
		}
		if ended.Valid {
			rec.EndedAt = ended.Time
		}
		order[rec.ID] = len(records)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("turns: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, ErrSessionNotFound
	}

	eventRows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT payload FROM turn_events WHERE session_id = ?
		ORDER BY turn_id, sequence
	`), sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("query events: %w", err)
	}
	defer eventRows.Close()

	byTurn := make([][]models.Event, len(records))
	for eventRows.Next() {
		var payload string
		if err := eventRows.Scan(&payload); err != nil {
			return nil, nil, fmt.Errorf("scan event: %w", err)
		}
		var ev models.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, nil, fmt.Errorf("decode event: %w", err)
		}
		idx, ok := order[ev.TurnID]
		if !ok {
			continue
		}
		byTurn[idx] = append(byTurn[idx], ev)
	}
	if err := eventRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("events: %w", err)
	}

	var events []models.Event
	for _, turnEvents := range byTurn {
		events = append(events, turnEvents...)
	}
	return records, events, nil
}

// ListSessions returns session summaries, most recently active first.
func (s *SQLStore) ListSessions(ctx context.Context, opts ListOptions) ([]SessionSummary, error) {
	query := `
		SELECT session_id, COUNT(*), MIN(started_at), MAX(COALESCE(ended_at, started_at)) AS updated_at
		FROM turns
		GROUP BY session_id
		ORDER BY updated_at DESC, session_id`
	args := []any{}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, opts.Offset)
		}
	} else if opts.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		if s.dialect == DialectPostgres {
			query = strings.Replace(query, "LIMIT -1 ", "", 1)
		}
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	summaries := []SessionSummary{}
	for rows.Next() {
		var summary SessionSummary
		var started, updated timeValue
		if err := rows.Scan(&summary.ID, &summary.Turns, &started, &updated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		summary.StartedAt = started.Time
		summary.UpdatedAt = updated.Time
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}
	return summaries, nil
}

// Prune deletes finished turns older than olderThan and their events.
func (s *SQLStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	filter := `status IN (?, ?, ?) AND started_at < ?`
	args := []any{"closed", "cancelled", "failed", cutoff}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`
		DELETE FROM turn_events WHERE turn_id IN (SELECT id FROM turns WHERE `+filter+`)
	`), args...); err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	result, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM turns WHERE `+filter), args...)
	if err != nil {
		return 0, fmt.Errorf("prune turns: %w", err)
	}
	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune turns: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return pruned, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// timeValue scans aggregate timestamps. SQLite returns MIN/MAX over DATETIME
// columns as text, so strings are parsed as well.
type timeValue struct {
	Time time.Time
}

var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

func (v *timeValue) Scan(src any) error {
	switch t := src.(type) {
	case nil:
		v.Time = time.Time{}
		return nil
	case time.Time:
		v.Time = t
		return nil
	case []byte:
		return v.parse(string(t))
	case string:
		return v.parse(t)
	}
	return fmt.Errorf("cannot scan %T into time", src)
}

func (v *timeValue) parse(s string) error {
	s = strings.TrimSpace(s)
	// Go's time.String() output carries a monotonic suffix.
	if i := strings.Index(s, " m="); i >= 0 {
		s = s[:i]
	}
	for _, layout := range sqliteTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			v.Time = t
			return nil
		}
	}
	return fmt.Errorf("cannot parse time %q", s)
}
