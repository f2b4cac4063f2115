package bus

import (
	"encoding/json"
	"fmt"

	"docsync/backend/internal/model"
)

type MessageType string

const (
	TypeOperation  MessageType = "operation"
	TypeCursor     MessageType = "cursor"
	TypeUserJoined MessageType = "user_joined"
	TypeUserLeft   MessageType = "user_left"
)

// Message is the replication envelope. SourceInstanceID is what receivers
// compare against their own id to drop echoes.
type Message struct {
	Type             MessageType     `json:"type"`
	DocumentID       string          `json:"documentId"`
	SourceInstanceID string          `json:"sourceInstanceId"`
	Data             json.RawMessage `json:"data"`
}

// Data payloads per MessageType. TypeOperation carries model.TextOperation
// and TypeCursor carries model.CursorPosition.
type UserJoinedData struct {
	UserID      string                `json:"userId"`
	DisplayName string                `json:"displayName,omitempty"`
	Cursor      *model.CursorPosition `json:"cursor,omitempty"`
}

type UserLeftData struct {
	UserID string `json:"userId"`
}

func NewMessage(typ MessageType, docID, sourceInstanceID string, data any) (Message, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Message{Type: typ, DocumentID: docID, SourceInstanceID: sourceInstanceID, Data: b}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

func encode(m Message) ([]byte, error) { return json.Marshal(m) }

func decode(b []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(b, &m)
	return m, err
}
