package ws

import (
	"sync"

	"github.com/google/uuid"
)

// Peer delivers outbound messages to one client. Send must not block.
type Peer interface {
	Send(msg ServerMessage) bool
}

// Session is one connected client. It is Joined to at most one document.
type Session struct {
	id   string
	peer Peer
	// verified user id from the auth middleware; empty when auth is off
	identity string

	mu          sync.Mutex
	docID       string
	userID      string
	displayName string
}

func NewSession(peer Peer, identity string) *Session {
	return &Session{id: uuid.NewString(), peer: peer, identity: identity}
}

func (s *Session) ID() string { return s.id }

// Binding returns the joined document and user; docID is empty when the
// session is not joined.
func (s *Session) Binding() (docID, userID, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docID, s.userID, s.displayName
}

func (s *Session) bind(docID, userID, displayName string) {
	s.mu.Lock()
	s.docID, s.userID, s.displayName = docID, userID, displayName
	s.mu.Unlock()
}

func (s *Session) unbind() { s.bind("", "", "") }

func (s *Session) send(msg ServerMessage) {
	s.peer.Send(msg)
}
