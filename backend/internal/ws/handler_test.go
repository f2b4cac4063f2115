package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"docsync/backend/internal/bus"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/model"
	"docsync/backend/internal/store"
)

type fakePeer struct {
	mu   sync.Mutex
	msgs []ServerMessage
}

func (p *fakePeer) Send(msg ServerMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return true
}

func (p *fakePeer) ofType(typ string) []ServerMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ServerMessage
	for _, m := range p.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (p *fakePeer) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	p.msgs = nil
	p.mu.Unlock()
}

type node struct {
	engine  *collab.Engine
	handler *Handler
}

func newNode(t *testing.T, st store.SnapshotStore, b bus.Bus, instanceID string) *node {
	t.Helper()
	e := collab.NewEngine(st, b, collab.Options{InstanceID: instanceID}, zerolog.Nop())
	t.Cleanup(e.Close)
	if b != nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		if err := e.StartReplication(ctx); err != nil {
			t.Fatalf("StartReplication() error = %v", err)
		}
	}
	h := NewHandler(e, NewHub(zerolog.Nop()), 0, zerolog.Nop())
	return &node{engine: e, handler: h}
}

func (n *node) connect(identity string) (*Session, *fakePeer) {
	p := &fakePeer{}
	s := NewSession(p, identity)
	n.handler.Hub().Register(s)
	return s, p
}

func frame(t *testing.T, typ string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s: %v", typ, err)
	}
	b, err := json.Marshal(ClientMessage{Type: typ, Data: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return b
}

func (n *node) send(t *testing.T, s *Session, typ string, data any) {
	t.Helper()
	n.handler.Dispatch(context.Background(), s, frame(t, typ, data))
}

func errorCodes(p *fakePeer) []string {
	var codes []string
	for _, m := range p.ofType(EventError) {
		codes = append(codes, m.Data.(ErrorPayload).Code)
	}
	return codes
}

func TestHandler_TwoSessionsSeeEachOthersEdits(t *testing.T) {
	n := newNode(t, store.NewMemoryStore(), nil, "a")
	s1, p1 := n.connect("")
	s2, p2 := n.connect("")

	n.send(t, s1, EventJoinDocument, JoinDocumentRequest{DocumentID: "d1", UserID: "u1", DisplayName: "Ann"})
	n.send(t, s2, EventJoinDocument, JoinDocumentRequest{DocumentID: "d1", UserID: "u2", DisplayName: "Bob"})

	states := p2.ofType(EventDocumentState)
	if len(states) != 1 {
		t.Fatalf("session 2 got %d document_state, want 1", len(states))
	}
	st := states[0].Data.(DocumentStatePayload)
	if st.Content != "" || st.Version != 0 || len(st.ActiveUsers) != 2 {
		t.Fatalf("document_state = %+v", st)
	}
	joined := p1.ofType(EventUserJoined)
	if len(joined) != 1 || joined[0].Data.(UserJoinedPayload).UserID != "u2" {
		t.Fatalf("session 1 user_joined = %+v", joined)
	}
	if len(p2.ofType(EventUserJoined)) != 0 {
		t.Fatal("joining session got its own user_joined")
	}

	n.send(t, s1, EventEdit, EditRequest{
		DocumentID: "d1",
		UserID:     "u1",
		Operation:  EditOperation{Kind: model.OpInsert, Position: 0, Text: "Hi"},
	})

	edits := p2.ofType(EventEdit)
	if len(edits) != 1 {
		t.Fatalf("session 2 got %d edits, want 1", len(edits))
	}
	edit := edits[0].Data.(EditPayload)
	if edit.Operation.Text != "Hi" || edit.Version != 1 {
		t.Fatalf("edit = %+v", edit)
	}
	if edit.Operation.AuthorID != "u1" || edit.Operation.Timestamp == 0 {
		t.Fatalf("edit not stamped: %+v", edit.Operation)
	}
	applied, err := edit.Operation.ApplyTo(st.Content)
	if err != nil || applied != "Hi" {
		t.Fatalf("replayed content = %q, %v", applied, err)
	}
	if len(p1.ofType(EventEdit)) != 0 {
		t.Fatal("editing session got its own edit back")
	}
	if got := n.engine.Snapshot(context.Background(), "d1"); got.Content != "Hi" || got.Version != 1 {
		t.Fatalf("engine state = %q v%d", got.Content, got.Version)
	}
}

func TestHandler_EditWithCursor(t *testing.T) {
	n := newNode(t, store.NewMemoryStore(), nil, "a")
	s1, _ := n.connect("")
	s2, p2 := n.connect("")
	n.send(t, s1, EventJoinDocument, JoinDocumentRequest{DocumentID: "d1", UserID: "u1", DisplayName: "Ann"})
	n.send(t, s2, EventJoinDocument, JoinDocumentRequest{DocumentID: "d1", UserID: "u2", DisplayName: "Bob"})
	p2.reset()

	pos := 3
	n.send(t, s1, EventEdit, EditRequest{
		DocumentID:     "d1",
		Operation:      EditOperation{Kind: model.OpInsert, Position: 0, Text: "abc"},
		CursorPosition: &pos,
	})
	types := p2.types()
	if len(types) != 2 || types[0] != EventEdit || types[1] != EventCursorUpdate {
		t.Fatalf("session 2 got %v, want [edit cursor_update]", types)
	}
	cursors := p2.ofType(EventCursorUpdate)[0].Data.(CursorsPayload).Cursors
	if len(cursors) != 2 || cursors[0].UserID != "u1" || cursors[0].Position != 3 || cursors[0].DisplayName != "Ann" {
		t.Fatalf("cursors = %+v", cursors)
	}

	p2.reset()
	n.send(t, s1, EventCursorUpdate, CursorUpdateRequest{DocumentID: "d1", UserID: "u1", Position: 1})
	updates := p2.ofType(EventCursorUpdate)
	if len(updates) != 1 || updates[0].Data.(CursorsPayload).Cursors[0].Position != 1 {
		t.Fatalf("cursor_update = %+v", updates)
	}
}

func TestHandler_RejectedEditOnlyReachesSender(t *testing.T) {
	n := newNode(t, store.NewMemoryStore(), nil, "a")
	s1, p1 := n.connect("")
	s2, p2 := n.connect("")
	n.send(t, s1, EventJoinDocument, JoinDocumentRequest{DocumentID: "d1", UserID: "u1"})
	n.send(t, s2, EventJoinDocument, JoinDocumentRequest{DocumentID: "d1", UserID: "u2"})
	p2.reset()

	n.send(t, s1, EventEdit, EditRequest{DocumentID: "d1", Operation: EditOperation{Kind: model.OpDelete, Position: 5, Length: 1}})
	n.send(t, s1, EventEdit, EditRequest{DocumentID: "d1", Operation: EditOperation{Kind: model.OpInsert, Position: 0}})
	n.send(t, s1, EventCursorUpdate, CursorUpdateRequest{DocumentID: "d1", Position: -2})

	codes := errorCodes(p1)
	want := []string{codeOutOfBounds, codeInvalidOperation, codeInvalidCursor}
	if len(codes) != len(want) {
		t.Fatalf("error codes = %v, want %v", codes, want)
	}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("error codes = %v, want %v", codes, want)
		}
	}
	if types := p2.types(); len(types) != 0 {
		t.Fatalf("other session got %v", types)
	}
	if got := n.engine.Snapshot(context.Background(), "d1"); got.Version != 0 {
		t.Fatalf("version = %d after rejected edits", got.Version)
	}
}

func TestHandler_LeaveAndDisconnect(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, store.NewMemoryStore(), nil, "a")
	s1, p1 := n.connect("")
	s2, p2 := n.connect("")
	n.send(t, s1, EventJoinDocument, JoinDocumentRequest{DocumentID: "d1", UserID: "u1"})
	n.send(t, s2, EventJoinDocument, JoinDocumentRequest{DocumentID: "d1", UserID: "u2"})

	n.send(t, s1, EventLeaveDocument, LeaveDocumentRequest{DocumentID: "d1", UserID: "u1"})
	left := p2.ofType(EventUserLeft)
	if len(left) != 1 {
		t.Fatalf("user_left count = %d", len(left))
	}
	payload := left[0].Data.(UserLeftPayload)
	if payload.UserID != "u1" || len(payload.ActiveUsers) != 1 || payload.ActiveUsers[0] != "u2" {
		t.Fatalf("user_left = %+v", payload)
	}
	if docID, _, _ := s1.Binding(); docID != "" {
		t.Fatalf("binding after leave = %q", docID)
	}
	if n.handler.Hub().RoomSize("d1") != 1 {
		t.Fatalf("room size = %d, want 1", n.handler.Hub().RoomSize("d1"))
	}

	// s1 no longer receives room traffic
	p1.reset()
	n.send(t, s2, EventEdit, EditRequest{DocumentID: "d1", Operation: EditOperation{Kind: model.OpInsert, Text: "x"}})
	if types := p1.types(); len(types) != 0 {
		t.Fatalf("departed session got %v", types)
	}

	n.handler.Disconnect(ctx, s2)
	st := n.engine.Snapshot(ctx, "d1")
	if len(st.ActiveUsers) != 0 || len(st.Cursors) != 0 {
		t.Fatalf("after disconnect active=%v cursors=%+v", st.ActiveUsers, st.Cursors)
	}
	if n.handler.Hub().RoomSize("d1") != 0 {
		t.Fatal("disconnected session still in room")
	}

	// disconnecting a session that never joined is a no-op
	s3, _ := n.connect("")
	n.handler.Disconnect(ctx, s3)
}

func TestHandler_SessionStateErrors(t *testing.T) {
	n := newNode(t, store.NewMemoryStore(), nil, "a")
	s, p := n.connect("")

	n.send(t, s, EventEdit, EditRequest{DocumentID: "d1", Operation: EditOperation{Kind: model.OpInsert, Text: "x"}})
	n.send(t, s, EventLeaveDocument, LeaveDocumentRequest{DocumentID: "d1"})
	n.send(t, s, EventJoinDocument, JoinDocumentRequest{DocumentID: "", UserID: "u1"})
	n.send(t, s, EventJoinDocument, JoinDocumentRequest{DocumentID: strings.Repeat("d", model.MaxDocumentIDLength+1), UserID: "u1"})
	n.send(t, s, EventJoinDocument, JoinDocumentRequest{DocumentID: "d1"})
	n.send(t, s, EventJoinDocument, JoinDocumentRequest{DocumentID: "d1", UserID: "u1"})
	n.send(t, s, EventJoinDocument, JoinDocumentRequest{DocumentID: "d2", UserID: "u1"})
	n.send(t, s, EventCursorUpdate, CursorUpdateRequest{DocumentID: "d2", Position: 1})
	n.send(t, s, "shout", map[string]string{})
	n.handler.Dispatch(context.Background(), s, []byte("not json"))
	n.handler.Dispatch(context.Background(), s, []byte(`{"type":"edit"}`))

	want := []string{
		codeNotJoined, codeNotJoined, codeInvalidDocument, codeInvalidDocument, codeInvalidUser,
		codeAlreadyJoined, codeNotJoined, codeUnknownEvent, codeInvalidMessage, codeInvalidMessage,
	}
	codes := errorCodes(p)
	if len(codes) != len(want) {
		t.Fatalf("error codes = %v, want %v", codes, want)
	}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("error codes = %v, want %v", codes, want)
		}
	}

	// re-joining the joined document re-sends the snapshot
	p.reset()
	n.send(t, s, EventJoinDocument, JoinDocumentRequest{DocumentID: "d1", UserID: "u1"})
	if len(p.ofType(EventDocumentState)) != 1 {
		t.Fatalf("re-join got %v", p.types())
	}
}

func TestHandler_VerifiedIdentity(t *testing.T) {
	n := newNode(t, store.NewMemoryStore(), nil, "a")
	s, p := n.connect("u1")

	n.send(t, s, EventJoinDocument, JoinDocumentRequest{DocumentID: "d1", UserID: "u9"})
	if codes := errorCodes(p); len(codes) != 1 || codes[0] != codeForbiddenUser {
		t.Fatalf("error codes = %v", codes)
	}
	n.send(t, s, EventJoinDocument, JoinDocumentRequest{DocumentID: "d1", DisplayName: "Ann"})
	if _, userID, _ := s.Binding(); userID != "u1" {
		t.Fatalf("bound user = %q, want u1", userID)
	}
}

func TestHandler_CrossInstanceDelivery(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	na := newNode(t, st, b, "inst-a")
	nb := newNode(t, st, b, "inst-b")

	s2, p2 := nb.connect("")
	nb.send(t, s2, EventJoinDocument, JoinDocumentRequest{DocumentID: "d1", UserID: "u2", DisplayName: "Bob"})
	s1, p1 := na.connect("")
	na.send(t, s1, EventJoinDocument, JoinDocumentRequest{DocumentID: "d1", UserID: "u1", DisplayName: "Ann"})
	b.Flush()

	if st := p1.ofType(EventDocumentState); len(st) != 1 || len(st[0].Data.(DocumentStatePayload).ActiveUsers) != 2 {
		t.Fatalf("session 1 document_state = %+v", st)
	}
	if joined := p2.ofType(EventUserJoined); len(joined) != 1 || joined[0].Data.(UserJoinedPayload).UserID != "u1" {
		t.Fatalf("session 2 user_joined = %+v", joined)
	}

	na.send(t, s1, EventEdit, EditRequest{DocumentID: "d1", Operation: EditOperation{Kind: model.OpInsert, Position: 0, Text: "Hi"}})
	b.Flush()
	edits := p2.ofType(EventEdit)
	if len(edits) != 1 {
		t.Fatalf("session 2 got %d edits, want 1", len(edits))
	}
	if e := edits[0].Data.(EditPayload); e.Operation.Text != "Hi" || e.Version != 1 {
		t.Fatalf("edit = %+v", e)
	}
	if got := nb.engine.Snapshot(ctx, "d1"); got.Content != "Hi" || got.Version != 1 {
		t.Fatalf("instance b = %q v%d", got.Content, got.Version)
	}

	na.handler.Disconnect(ctx, s1)
	b.Flush()
	left := p2.ofType(EventUserLeft)
	if len(left) != 1 || left[0].Data.(UserLeftPayload).UserID != "u1" {
		t.Fatalf("session 2 user_left = %+v", left)
	}
	if got := nb.engine.Snapshot(ctx, "d1"); len(got.ActiveUsers) != 1 || got.ActiveUsers[0] != "u2" {
		t.Fatalf("instance b active = %v", got.ActiveUsers)
	}
}
