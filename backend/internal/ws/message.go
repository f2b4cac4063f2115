package ws

import (
	"encoding/json"

	"docsync/backend/internal/model"
)

// Inbound and outbound event names.
const (
	EventJoinDocument  = "join_document"
	EventDocumentState = "document_state"
	EventUserJoined    = "user_joined"
	EventEdit          = "edit"
	EventCursorUpdate  = "cursor_update"
	EventLeaveDocument = "leave_document"
	EventUserLeft      = "user_left"
	EventError         = "error"
)

// ClientMessage is the envelope of every inbound frame.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ServerMessage is the envelope of every outbound frame.
type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type JoinDocumentRequest struct {
	DocumentID  string `json:"documentId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// EditOperation is the client's half of a TextOperation; the server fills in
// author and timestamp.
type EditOperation struct {
	Kind     model.OpKind `json:"kind"`
	Position int          `json:"position"`
	Text     string       `json:"text,omitempty"`
	Length   int          `json:"length,omitempty"`
}

type EditRequest struct {
	DocumentID     string        `json:"documentId"`
	Operation      EditOperation `json:"operation"`
	UserID         string        `json:"userId"`
	CursorPosition *int          `json:"cursorPosition,omitempty"`
}

type CursorUpdateRequest struct {
	DocumentID  string `json:"documentId"`
	UserID      string `json:"userId"`
	Position    int    `json:"position"`
	DisplayName string `json:"displayName"`
}

type LeaveDocumentRequest struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

type DocumentStatePayload struct {
	DocumentID  string                 `json:"documentId"`
	Content     string                 `json:"content"`
	Version     uint64                 `json:"version"`
	Cursors     []model.CursorPosition `json:"cursors"`
	ActiveUsers []string               `json:"activeUsers"`
}

type UserJoinedPayload struct {
	DocumentID  string `json:"documentId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type EditPayload struct {
	DocumentID string              `json:"documentId"`
	Operation  model.TextOperation `json:"operation"`
	Version    uint64              `json:"version"`
}

type CursorsPayload struct {
	DocumentID string                 `json:"documentId"`
	Cursors    []model.CursorPosition `json:"cursors"`
}

type UserLeftPayload struct {
	DocumentID  string   `json:"documentId"`
	UserID      string   `json:"userId"`
	ActiveUsers []string `json:"activeUsers"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func documentState(st model.DocumentState) ServerMessage {
	return ServerMessage{Type: EventDocumentState, Data: DocumentStatePayload{
		DocumentID:  st.DocumentID,
		Content:     st.Content,
		Version:     st.Version,
		Cursors:     st.Cursors,
		ActiveUsers: st.ActiveUsers,
	}}
}

func errorMessage(code, msg string) ServerMessage {
	return ServerMessage{Type: EventError, Data: ErrorPayload{Code: code, Message: msg}}
}
