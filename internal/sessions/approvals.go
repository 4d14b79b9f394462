package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/steward/internal/agent"
)

// SQLApprovalStore implements agent.ApprovalStore on the same database as
// SQLStore. The full request is kept as a JSON payload; state and
// timestamps are duplicated into columns for filtering.
type SQLApprovalStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ agent.ApprovalStore = (*SQLApprovalStore)(nil)

// NewSQLApprovalStore wraps an open, migrated database.
func NewSQLApprovalStore(db *sql.DB, dialect Dialect) *SQLApprovalStore {
	return &SQLApprovalStore{db: db, dialect: dialect}
}

func (s *SQLApprovalStore) Create(ctx context.Context, req *agent.ApprovalRequest) error {
	if req == nil {
		return nil
	}
	if req.ID == "" {
		return errors.New("approval ID is required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO approvals (id, session_id, turn_id, tool_name, state, payload, created_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), req.ID, req.SessionID, req.TurnID, req.ToolCall.Name, string(req.State), string(payload),
		req.CreatedAt.UTC(), nullTime(req.DecidedAt))
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

// Get returns the request with id, or nil if there is none.
func (s *SQLApprovalStore) Get(ctx context.Context, id string) (*agent.ApprovalRequest, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT payload FROM approvals WHERE id = ?`), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return decodeApproval(payload)
}

func (s *SQLApprovalStore) Update(ctx context.Context, req *agent.ApprovalRequest) error {
	if req == nil {
		return nil
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE approvals SET state = ?, payload = ?, decided_at = ? WHERE id = ?
	`), string(req.State), string(payload), nullTime(req.DecidedAt), req.ID)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", agent.ErrApprovalNotFound, req.ID)
	}
	return nil
}

// ListPending returns pending requests, optionally filtered by session.
func (s *SQLApprovalStore) ListPending(ctx context.Context, sessionID string) ([]*agent.ApprovalRequest, error) {
	query := `SELECT payload FROM approvals WHERE state = ?`
	args := []any{string(agent.ApprovalPending)}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var pending []*agent.ApprovalRequest
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		req, err := decodeApproval(payload)
		if err != nil {
			return nil, err
		}
		pending = append(pending, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approvals: %w", err)
	}
	return pending, nil
}

// Prune deletes decided requests created before now-olderThan.
func (s *SQLApprovalStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		DELETE FROM approvals WHERE state <> ? AND created_at < ?
	`), string(agent.ApprovalPending), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune approvals: %w", err)
	}
	return result.RowsAffected()
}

func decodeApproval(payload string) (*agent.ApprovalRequest, error) {
	var req agent.ApprovalRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return nil, fmt.Errorf("decode approval: %w", err)
	}
	return &req, nil
}
