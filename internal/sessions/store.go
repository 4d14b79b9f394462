// Package sessions persists turn transcripts and approval records.
//
// A Store receives turns and events from agent.Session as they happen and
// hands them back for agent.Session.Restore. MemoryStore keeps everything in
// process; SQLStore writes to SQLite or PostgreSQL.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/pkg/models"
)

// ErrSessionNotFound is returned when a session has no stored turns.
var ErrSessionNotFound = errors.New("session not found")

// Store persists transcripts.
type Store interface {
	agent.TranscriptStore

	// LoadSession returns the turns of a session in submission order and
	// their events ordered by turn and sequence.
	LoadSession(ctx context.Context, sessionID string) ([]models.TurnRecord, []models.Event, error)

	// ListSessions returns summaries, most recently active first.
	ListSessions(ctx context.Context, opts ListOptions) ([]SessionSummary, error)

	// Prune deletes finished turns that started before now-olderThan,
	// together with their events, and returns the number of turns removed.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ListOptions configures session listing.
type ListOptions struct {
	Limit  int
	Offset int
}

// SessionSummary describes one stored session.
type SessionSummary struct {
	ID        string    `json:"id"`
	Turns     int       `json:"turns"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// terminalStatus reports whether a stored status is final.
func terminalStatus(status string) bool {
	return agent.TurnStatus(status).Terminal()
}

// Tee fans transcript writes out to several stores. Every store receives
// every write; the errors are joined.
func Tee(stores ...agent.TranscriptStore) agent.TranscriptStore {
	filtered := make(teeStore, 0, len(stores))
	for _, store := range stores {
		if store != nil {
			filtered = append(filtered, store)
		}
	}
	return filtered
}

type teeStore []agent.TranscriptStore

func (t teeStore) SaveTurn(ctx context.Context, rec models.TurnRecord) error {
	var errs []error
	for _, store := range t {
		if err := store.SaveTurn(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t teeStore) AppendEvent(ctx context.Context, sessionID string, ev models.Event) error {
	var errs []error
	for _, store := range t {
		if err := store.AppendEvent(ctx, sessionID, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
