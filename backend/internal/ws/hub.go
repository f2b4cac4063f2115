package ws

import (
	"sync"

	"github.com/rs/zerolog"

	"docsync/backend/internal/collab"
)

// Hub tracks connected sessions and the document rooms they joined, and
// turns engine events into outbound messages. Room membership is only
// changed from engine events, which arrive under the document lock, so a
// joining session sees every change made after its snapshot.
type Hub struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	// docID -> set of sessions; one user may hold several sessions
	rooms map[string]map[*Session]struct{}
}

var _ collab.Listener = (*Hub)(nil)

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:   logger.With().Str("component", "hub").Logger(),
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[*Session]struct{}),
	}
}

func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.id] = s
}

// Unregister forgets s and drops it from every room.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.id)
	for docID, room := range h.rooms {
		delete(room, s)
		if len(room) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// RoomSize reports how many local sessions are in docID's room.
func (h *Hub) RoomSize(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}

func (h *Hub) join(docID string, s *Session) {
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Session]struct{})
	}
	h.rooms[docID][s] = struct{}{}
}

func (h *Hub) leave(docID string, s *Session) {
	if room, ok := h.rooms[docID]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// broadcast sends msg to every session in docID's room except the one with
// id exclude.
func (h *Hub) broadcast(docID, exclude string, msg ServerMessage) {
	for s := range h.rooms[docID] {
		if s.id == exclude {
			continue
		}
		s.send(msg)
	}
}

func (h *Hub) OnDocumentEvent(evt collab.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	docID := evt.DocumentID
	switch evt.Kind {
	case collab.EventUserJoined:
		if origin := h.sessions[evt.Origin]; origin != nil {
			h.join(docID, origin)
			origin.send(documentState(evt.State))
		}
		h.broadcast(docID, evt.Origin, ServerMessage{Type: EventUserJoined, Data: UserJoinedPayload{
			DocumentID:  docID,
			UserID:      evt.UserID,
			DisplayName: evt.DisplayName,
		}})

	case collab.EventOperation:
		h.broadcast(docID, evt.Origin, ServerMessage{Type: EventEdit, Data: EditPayload{
			DocumentID: docID,
			Operation:  *evt.Operation,
			Version:    evt.State.Version,
		}})

	case collab.EventCursor:
		h.broadcast(docID, evt.Origin, ServerMessage{Type: EventCursorUpdate, Data: CursorsPayload{
			DocumentID: docID,
			Cursors:    evt.State.Cursors,
		}})

	case collab.EventUserLeft:
		if origin := h.sessions[evt.Origin]; origin != nil {
			h.leave(docID, origin)
		}
		h.broadcast(docID, evt.Origin, ServerMessage{Type: EventUserLeft, Data: UserLeftPayload{
			DocumentID:  docID,
			UserID:      evt.UserID,
			ActiveUsers: evt.State.ActiveUsers,
		}})

	default:
		h.logger.Error().Str("kind", string(evt.Kind)).Str("doc", docID).Msg("unknown document event")
	}
}
