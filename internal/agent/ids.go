package agent

import "context"

type idKey int

const (
	sessionIDKey idKey = iota
	turnIDKey
)

// WithTurnIDs tags ctx with the session and turn it runs for. Log handlers
// read them back with SessionIDFromContext and TurnIDFromContext.
func WithTurnIDs(ctx context.Context, sessionID, turnID string) context.Context {
	ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	return context.WithValue(ctx, turnIDKey, turnID)
}

func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

func TurnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(turnIDKey).(string)
	return id
}
