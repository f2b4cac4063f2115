package collab

import (
	"context"

	"docsync/backend/internal/model"
)

type EventKind string

const (
	EventOperation  EventKind = "operation"
	EventCursor     EventKind = "cursor"
	EventUserJoined EventKind = "user_joined"
	EventUserLeft   EventKind = "user_left"
)

// Event describes one applied mutation. Listeners are invoked while the
// document is still locked, so events for one document arrive in the order
// the mutations were applied. Listeners must not block or call back into the
// engine for the same document.
type Event struct {
	Kind       EventKind
	DocumentID string
	// Origin is the session that caused a local mutation; empty for
	// mutations delivered over the replication bus.
	Origin string
	Remote bool

	Operation   *model.TextOperation
	Cursor      *model.CursorPosition
	UserID      string
	DisplayName string

	// State is the document right after the mutation.
	State model.DocumentState
}

type Listener interface {
	OnDocumentEvent(evt Event)
}

type ListenerFunc func(evt Event)

func (f ListenerFunc) OnDocumentEvent(evt Event) { f(evt) }

type originKey struct{}

// WithOrigin tags ctx with the id of the session issuing a mutation.
func WithOrigin(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, originKey{}, sessionID)
}

func originFrom(ctx context.Context) string {
	s, _ := ctx.Value(originKey{}).(string)
	return s
}
