package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/model"
)

var (
	ErrNotJoined     = errors.New("NOT_JOINED")
	ErrAlreadyJoined = errors.New("ALREADY_JOINED")
	ErrForbiddenUser = errors.New("FORBIDDEN_USER")
)

// error codes sent to clients
const (
	codeInvalidMessage   = "invalid_message"
	codeUnknownEvent     = "unknown_event"
	codeInvalidDocument  = "invalid_document"
	codeInvalidUser      = "invalid_user"
	codeNotJoined        = "not_joined"
	codeAlreadyJoined    = "already_joined"
	codeForbiddenUser    = "forbidden_user"
	codeInvalidOperation = "invalid_operation"
	codeOutOfBounds      = "out_of_bounds"
	codeInvalidCursor    = "invalid_cursor"
	codeBusy             = "busy"
	codeInternal         = "internal"
)

const editAcquireTimeout = 200 * time.Millisecond

// Handler maps session events onto engine calls. Broadcasts are produced by
// the Hub from the resulting engine events.
type Handler struct {
	engine *collab.Engine
	hub    *Hub
	// nil means unbounded
	editSem *semaphore.Weighted
	now     func() time.Time
	logger  zerolog.Logger
}

// NewHandler registers hub as an engine listener. maxConcurrentEdits <= 0
// disables the edit limit.
func NewHandler(engine *collab.Engine, hub *Hub, maxConcurrentEdits int64, logger zerolog.Logger) *Handler {
	h := &Handler{
		engine: engine,
		hub:    hub,
		now:    time.Now,
		logger: logger.With().Str("component", "session-handler").Logger(),
	}
	if maxConcurrentEdits > 0 {
		h.editSem = semaphore.NewWeighted(maxConcurrentEdits)
	}
	engine.AddListener(hub)
	return h
}

func (h *Handler) Hub() *Hub { return h.hub }

// Dispatch decodes one inbound frame and runs it.
func (h *Handler) Dispatch(ctx context.Context, s *Session, frame []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		h.reject(s, codeInvalidMessage, err)
		return
	}
	var err error
	switch msg.Type {
	case EventJoinDocument:
		var req JoinDocumentRequest
		if err = decodeData(msg.Data, &req); err == nil {
			err = h.Join(ctx, s, req)
		}
	case EventEdit:
		var req EditRequest
		if err = decodeData(msg.Data, &req); err == nil {
			err = h.Edit(ctx, s, req)
		}
	case EventCursorUpdate:
		var req CursorUpdateRequest
		if err = decodeData(msg.Data, &req); err == nil {
			err = h.CursorUpdate(ctx, s, req)
		}
	case EventLeaveDocument:
		var req LeaveDocumentRequest
		if err = decodeData(msg.Data, &req); err == nil {
			err = h.Leave(ctx, s, req)
		}
	default:
		h.reject(s, codeUnknownEvent, fmt.Errorf("unknown event %q", msg.Type))
		return
	}
	if err != nil {
		h.reject(s, errorCode(err), err)
	}
}

// Join binds s to the document and adds the user. The snapshot reply and
// the user_joined broadcast come from the resulting engine event.
func (h *Handler) Join(ctx context.Context, s *Session, req JoinDocumentRequest) error {
	if !model.ValidDocumentID(req.DocumentID) {
		return fmt.Errorf("%w: id must be 1..%d characters", errInvalidDocument, model.MaxDocumentIDLength)
	}
	cur, curUser, _ := s.Binding()
	if cur != "" && cur != req.DocumentID {
		return fmt.Errorf("%w: joined to %s", ErrAlreadyJoined, cur)
	}
	userID := req.UserID
	if s.identity != "" {
		if userID != "" && userID != s.identity {
			return fmt.Errorf("%w: %s", ErrForbiddenUser, userID)
		}
		userID = s.identity
	}
	if userID == "" {
		return collab.ErrInvalidUser
	}
	if cur != "" && userID != curUser {
		return fmt.Errorf("%w: joined as %s", ErrAlreadyJoined, curUser)
	}

	cursor := &model.CursorPosition{UserID: userID, Position: 0, DisplayName: req.DisplayName}
	if _, err := h.engine.AddUser(collab.WithOrigin(ctx, s.id), req.DocumentID, userID, req.DisplayName, cursor); err != nil {
		return err
	}
	s.bind(req.DocumentID, userID, req.DisplayName)
	h.logger.Debug().Str("doc", req.DocumentID).Str("user", userID).Str("session", s.id).Msg("joined")
	return nil
}

// Edit stamps and applies the operation, then updates the cursor if one was
// sent along.
func (h *Handler) Edit(ctx context.Context, s *Session, req EditRequest) error {
	docID, userID, displayName, err := h.bound(s, req.DocumentID)
	if err != nil {
		return err
	}

	if h.editSem != nil {
		actx, cancel := context.WithTimeout(ctx, editAcquireTimeout)
		err := h.editSem.Acquire(actx, 1)
		cancel()
		if err != nil {
			return errBusy
		}
		defer h.editSem.Release(1)
	}

	op := model.TextOperation{
		Kind:      req.Operation.Kind,
		Position:  req.Operation.Position,
		Text:      req.Operation.Text,
		Length:    req.Operation.Length,
		AuthorID:  userID,
		Timestamp: h.now().UnixMilli(),
	}
	octx := collab.WithOrigin(ctx, s.id)
	if _, err := h.engine.ApplyOperation(octx, docID, op); err != nil {
		return err
	}
	if req.CursorPosition != nil {
		cursor := model.CursorPosition{UserID: userID, Position: *req.CursorPosition, DisplayName: displayName}
		if _, err := h.engine.UpdateCursor(octx, docID, cursor); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) CursorUpdate(ctx context.Context, s *Session, req CursorUpdateRequest) error {
	docID, userID, displayName, err := h.bound(s, req.DocumentID)
	if err != nil {
		return err
	}
	if req.DisplayName != "" {
		displayName = req.DisplayName
	}
	cursor := model.CursorPosition{UserID: userID, Position: req.Position, DisplayName: displayName}
	_, err = h.engine.UpdateCursor(collab.WithOrigin(ctx, s.id), docID, cursor)
	return err
}

func (h *Handler) Leave(ctx context.Context, s *Session, req LeaveDocumentRequest) error {
	docID, userID, _, err := h.bound(s, req.DocumentID)
	if err != nil {
		return err
	}
	return h.leave(ctx, s, docID, userID)
}

// Disconnect runs the leave path for a joined session and forgets it.
func (h *Handler) Disconnect(ctx context.Context, s *Session) {
	defer h.hub.Unregister(s)
	docID, userID, _ := s.Binding()
	if docID == "" {
		return
	}
	if err := h.leave(ctx, s, docID, userID); err != nil {
		h.logger.Warn().Err(err).Str("doc", docID).Str("user", userID).Msg("leave on disconnect failed")
	}
}

func (h *Handler) leave(ctx context.Context, s *Session, docID, userID string) error {
	s.unbind()
	if _, err := h.engine.RemoveUser(collab.WithOrigin(ctx, s.id), docID, userID); err != nil {
		return err
	}
	h.logger.Debug().Str("doc", docID).Str("user", userID).Str("session", s.id).Msg("left")
	return nil
}

// bound returns the session's binding, checking that docID (when given)
// names the joined document.
func (h *Handler) bound(s *Session, docID string) (string, string, string, error) {
	cur, userID, displayName := s.Binding()
	if cur == "" || (docID != "" && docID != cur) {
		return "", "", "", ErrNotJoined
	}
	return cur, userID, displayName, nil
}

func (h *Handler) reject(s *Session, code string, err error) {
	h.logger.Debug().Err(err).Str("session", s.id).Str("code", code).Msg("rejected client event")
	s.send(errorMessage(code, err.Error()))
}

var (
	errInvalidDocument = errors.New("INVALID_DOCUMENT")
	errBusy            = errors.New("BUSY")
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, errMalformed):
		return codeInvalidMessage
	case errors.Is(err, errInvalidDocument):
		return codeInvalidDocument
	case errors.Is(err, collab.ErrInvalidUser):
		return codeInvalidUser
	case errors.Is(err, ErrNotJoined):
		return codeNotJoined
	case errors.Is(err, ErrAlreadyJoined):
		return codeAlreadyJoined
	case errors.Is(err, ErrForbiddenUser):
		return codeForbiddenUser
	case errors.Is(err, model.ErrOutOfBounds):
		return codeOutOfBounds
	case errors.Is(err, model.ErrInvalidOperation):
		return codeInvalidOperation
	case errors.Is(err, collab.ErrInvalidCursor):
		return codeInvalidCursor
	case errors.Is(err, errBusy):
		return codeBusy
	default:
		return codeInternal
	}
}

var errMalformed = errors.New("MALFORMED")

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", errMalformed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}
