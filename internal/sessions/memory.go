package sessions

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/steward/pkg/models"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

type memorySession struct {
	order  []string
	turns  map[string]models.TurnRecord
	events map[string][]models.Event
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

// SaveTurn inserts or replaces the turn record.
func (m *MemoryStore) SaveTurn(ctx context.Context, rec models.TurnRecord) error {
	if rec.ID == "" {
		return errTurnIDRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.session(rec.SessionID)
	if _, ok := sess.turns[rec.ID]; !ok {
		sess.order = append(sess.order, rec.ID)
	}
	sess.turns[rec.ID] = rec
	return nil
}

// AppendEvent appends ev to its turn.
func (m *MemoryStore) AppendEvent(ctx context.Context, sessionID string, ev models.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.TurnID == "" {
		return errTurnIDRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.session(sessionID)
	sess.events[ev.TurnID] = append(sess.events[ev.TurnID], cloneEvent(ev))
	return nil
}

func (m *MemoryStore) session(id string) *memorySession {
	sess, ok := m.sessions[id]
	if !ok {
		sess = &memorySession{
			turns:  make(map[string]models.TurnRecord),
			events: make(map[string][]models.Event),
		}
		m.sessions[id] = sess
	}
	return sess
}

// LoadSession returns the stored transcript of sessionID.
func (m *MemoryStore) LoadSession(ctx context.Context, sessionID string) ([]models.TurnRecord, []models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok || len(sess.order) == 0 {
		return nil, nil, ErrSessionNotFound
	}

	records := make([]models.TurnRecord, 0, len(sess.order))
	var events []models.Event
	for _, id := range sess.order {
		records = append(records, sess.turns[id])
		turnEvents := append([]models.Event(nil), sess.events[id]...)
		sort.SliceStable(turnEvents, func(i, j int) bool {
			return turnEvents[i].Sequence < turnEvents[j].Sequence
		})
		for _, ev := range turnEvents {
			events = append(events, cloneEvent(ev))
		}
	}
	return records, events, nil
}

// ListSessions returns session summaries, most recently active first.
func (m *MemoryStore) ListSessions(ctx context.Context, opts ListOptions) ([]SessionSummary, error) {
	m.mu.RLock()
	summaries := make([]SessionSummary, 0, len(m.sessions))
	for id, sess := range m.sessions {
		if len(sess.order) == 0 {
			continue
		}
		summary := SessionSummary{ID: id, Turns: len(sess.order)}
		for _, turnID := range sess.order {
			rec := sess.turns[turnID]
			if summary.StartedAt.IsZero() || rec.StartedAt.Before(summary.StartedAt) {
				summary.StartedAt = rec.StartedAt
			}
			if last := lastActivity(rec); last.After(summary.UpdatedAt) {
				summary.UpdatedAt = last
			}
		}
		summaries = append(summaries, summary)
	}
	m.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].ID < summaries[j].ID
		}
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return paginate(summaries, opts), nil
}

// Prune removes finished turns that started before now-olderThan.
func (m *MemoryStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned int64
	for id, sess := range m.sessions {
		kept := sess.order[:0]
		for _, turnID := range sess.order {
			rec := sess.turns[turnID]
			if terminalStatus(rec.Status) && rec.StartedAt.Before(cutoff) {
				delete(sess.turns, turnID)
				delete(sess.events, turnID)
				pruned++
				continue
			}
			kept = append(kept, turnID)
		}
		sess.order = kept
		if len(sess.order) == 0 {
			delete(m.sessions, id)
		}
	}
	return pruned, nil
}

func lastActivity(rec models.TurnRecord) time.Time {
	if rec.EndedAt.After(rec.StartedAt) {
		return rec.EndedAt
	}
	return rec.StartedAt
}

func paginate(summaries []SessionSummary, opts ListOptions) []SessionSummary {
	if opts.Offset > 0 {
		if opts.Offset >= len(summaries) {
			return []SessionSummary{}
		}
		summaries = summaries[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(summaries) {
		summaries = summaries[:opts.Limit]
	}
	return summaries
}

func cloneEvent(ev models.Event) models.Event {
	if ev.ToolCall != nil {
		call := *ev.ToolCall
		call.Input = append(json.RawMessage(nil), ev.ToolCall.Input...)
		ev.ToolCall = &call
	}
	if ev.Result != nil {
		result := *ev.Result
		ev.Result = &result
	}
	return ev
}
