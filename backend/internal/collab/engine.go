package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"docsync/backend/internal/bus"
	"docsync/backend/internal/model"
	"docsync/backend/internal/store"
)

const (
	DefaultSnapshotTTL   = 24 * time.Hour
	DefaultRecentOps     = 50
	DefaultSweepInterval = 5 * time.Minute
	DefaultIdleThreshold = 30 * time.Minute

	// bounds how long a mutation can hold its document waiting on the bus
	publishTimeout = 2 * time.Second
)

var (
	ErrInvalidCursor = errors.New("INVALID_CURSOR")
	ErrInvalidUser   = errors.New("INVALID_USER")
)

type Options struct {
	// InstanceID tags every outgoing replication message.
	InstanceID     string
	SnapshotTTL    time.Duration
	RecentOpsLimit int
	// SweepInterval <= 0 disables the background sweeper; Sweep can still be
	// called directly.
	SweepInterval time.Duration
	IdleThreshold time.Duration
	Archiver      Archiver
	Now           func() time.Time
}

func (o *Options) setDefaults() {
	if o.SnapshotTTL <= 0 {
		o.SnapshotTTL = DefaultSnapshotTTL
	}
	if o.RecentOpsLimit <= 0 {
		o.RecentOpsLimit = DefaultRecentOps
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = DefaultIdleThreshold
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// OperationData is the replicated payload of an operation, matching the
// edit broadcast: the operation and the version it produced at the source.
type OperationData struct {
	Operation model.TextOperation `json:"operation"`
	Version   uint64              `json:"version"`
}

// Engine applies mutations to cached documents, persists them, and keeps
// other instances in sync over the bus.
type Engine struct {
	opt    Options
	cache  *Cache
	store  store.SnapshotStore
	bus    bus.Bus
	logger zerolog.Logger

	lmu       sync.RWMutex
	listeners []Listener

	sweeper *Sweeper
}

// NewEngine builds an engine and starts its sweeper. b may be nil for a
// single-instance deployment. Close stops the sweeper.
func NewEngine(st store.SnapshotStore, b bus.Bus, opt Options, logger zerolog.Logger) *Engine {
	opt.setDefaults()
	logger = logger.With().Str("instance", opt.InstanceID).Logger()
	e := &Engine{
		opt:    opt,
		cache:  NewCache(st, opt.SnapshotTTL, opt.Now, logger),
		store:  st,
		bus:    b,
		logger: logger.With().Str("component", "engine").Logger(),
	}
	e.sweeper = newSweeper(e.cache, st, opt, logger)
	e.sweeper.Start()
	return e
}

func (e *Engine) InstanceID() string { return e.opt.InstanceID }

func (e *Engine) Cache() *Cache { return e.cache }

func (e *Engine) AddListener(l Listener) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.listeners = append(e.listeners, l)
}

// StartReplication subscribes to the bus. Delivery stops when ctx ends.
func (e *Engine) StartReplication(ctx context.Context) error {
	if e.bus == nil {
		return nil
	}
	return e.bus.Subscribe(ctx, func(ctx context.Context, msg bus.Message) {
		e.HandleRemote(ctx, msg)
	})
}

// Close stops the sweeper and waits for a running sweep to finish.
func (e *Engine) Close() {
	e.sweeper.Stop()
}

// Sweep runs one eviction pass immediately.
func (e *Engine) Sweep(ctx context.Context) SweepResult {
	return e.sweeper.SweepOnce(ctx)
}

// Snapshot returns a copy of the document's current state.
func (e *Engine) Snapshot(ctx context.Context, docID string) model.DocumentState {
	for {
		d := e.cache.Get(ctx, docID)
		d.mu.Lock()
		if d.evicted.Load() {
			d.mu.Unlock()
			continue
		}
		st := d.stateLocked(d.buf.String())
		d.mu.Unlock()
		return st
	}
}

func (e *Engine) ApplyOperation(ctx context.Context, docID string, op model.TextOperation) (model.DocumentState, error) {
	return e.applyOperation(ctx, docID, op, 0, false)
}

func (e *Engine) UpdateCursor(ctx context.Context, docID string, cursor model.CursorPosition) (model.DocumentState, error) {
	return e.updateCursor(ctx, docID, cursor, false)
}

// AddUser marks userID active on docID, optionally seeding its cursor.
func (e *Engine) AddUser(ctx context.Context, docID, userID, displayName string, cursor *model.CursorPosition) (model.DocumentState, error) {
	return e.addUser(ctx, docID, bus.UserJoinedData{UserID: userID, DisplayName: displayName, Cursor: cursor}, false)
}

// RemoveUser drops userID from the active set and its cursor in one step.
func (e *Engine) RemoveUser(ctx context.Context, docID, userID string) (model.DocumentState, error) {
	return e.removeUser(ctx, docID, userID, false)
}

// HandleRemote applies a replicated mutation from another instance. Messages
// carrying this instance's id are dropped. Reports whether msg was applied.
//
// An operation whose source version is already reached by a document just
// loaded from the shared store is skipped as applied. Versions alone cannot
// tell which writer produced that snapshot, so under concurrent edits the
// skip can drop an operation the snapshot lacks; neither content nor version
// parity across instances is guaranteed then.
func (e *Engine) HandleRemote(ctx context.Context, msg bus.Message) bool {
	if msg.SourceInstanceID == e.opt.InstanceID {
		return false
	}
	log := e.logger.With().Str("doc", msg.DocumentID).Str("source", msg.SourceInstanceID).Str("type", string(msg.Type)).Logger()
	if msg.DocumentID == "" {
		log.Warn().Msg("drop replication message without document id")
		return false
	}

	var err error
	switch msg.Type {
	case bus.TypeOperation:
		var data OperationData
		if err = msg.Decode(&data); err == nil {
			_, err = e.applyOperation(ctx, msg.DocumentID, data.Operation, data.Version, true)
		}
	case bus.TypeCursor:
		var c model.CursorPosition
		if err = msg.Decode(&c); err == nil {
			_, err = e.updateCursor(ctx, msg.DocumentID, c, true)
		}
	case bus.TypeUserJoined:
		var data bus.UserJoinedData
		if err = msg.Decode(&data); err == nil {
			_, err = e.addUser(ctx, msg.DocumentID, data, true)
		}
	case bus.TypeUserLeft:
		var data bus.UserLeftData
		if err = msg.Decode(&data); err == nil {
			_, err = e.removeUser(ctx, msg.DocumentID, data.UserID, true)
		}
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}
	if err != nil {
		if errors.Is(err, errAlreadyApplied) {
			log.Debug().Msg("operation already covered by loaded snapshot")
			return false
		}
		// divergent positions after concurrent edits land here
		log.Warn().Err(err).Msg("drop replication message")
		return false
	}
	return true
}

var errAlreadyApplied = errors.New("already applied")

func (e *Engine) applyOperation(ctx context.Context, docID string, op model.TextOperation, srcVersion uint64, remote bool) (model.DocumentState, error) {
	var out model.DocumentState
	err := e.mutate(ctx, docID, func(d *Document) (*Event, error) {
		// A document freshly loaded from a snapshot persisted by the source
		// instance may already contain this operation.
		if remote && d.appliedSinceLoad == 0 && srcVersion > 0 && d.version >= srcVersion {
			return nil, errAlreadyApplied
		}
		if err := op.Validate(d.buf.Len()); err != nil {
			return nil, err
		}
		switch op.Kind {
		case model.OpInsert:
			d.buf.Insert(op.Position, op.Text)
		case model.OpDelete:
			d.buf.Delete(op.Position, op.Length)
		}
		d.version++
		d.appliedSinceLoad++
		d.appendRecent(op, e.opt.RecentOpsLimit)
		applied := op
		return &Event{Kind: EventOperation, Operation: &applied}, nil
	}, remote, func(evt *Event) (bus.MessageType, any) {
		return bus.TypeOperation, OperationData{Operation: op, Version: evt.State.Version}
	}, &out)
	return out, err
}

func (e *Engine) updateCursor(ctx context.Context, docID string, cursor model.CursorPosition, remote bool) (model.DocumentState, error) {
	if cursor.UserID == "" || cursor.Position < 0 {
		return model.DocumentState{}, fmt.Errorf("%w: user %q position %d", ErrInvalidCursor, cursor.UserID, cursor.Position)
	}
	var out model.DocumentState
	err := e.mutate(ctx, docID, func(d *Document) (*Event, error) {
		d.cursors[cursor.UserID] = cursor
		c := cursor
		return &Event{Kind: EventCursor, Cursor: &c, UserID: cursor.UserID, DisplayName: cursor.DisplayName}, nil
	}, remote, func(*Event) (bus.MessageType, any) {
		return bus.TypeCursor, cursor
	}, &out)
	return out, err
}

func (e *Engine) addUser(ctx context.Context, docID string, data bus.UserJoinedData, remote bool) (model.DocumentState, error) {
	if data.UserID == "" {
		return model.DocumentState{}, fmt.Errorf("%w: empty user id", ErrInvalidUser)
	}
	var out model.DocumentState
	err := e.mutate(ctx, docID, func(d *Document) (*Event, error) {
		d.activeUsers[data.UserID] = struct{}{}
		if data.Cursor != nil {
			c := *data.Cursor
			c.UserID = data.UserID
			d.cursors[data.UserID] = c
		}
		return &Event{Kind: EventUserJoined, UserID: data.UserID, DisplayName: data.DisplayName, Cursor: data.Cursor}, nil
	}, remote, func(*Event) (bus.MessageType, any) {
		return bus.TypeUserJoined, data
	}, &out)
	return out, err
}

func (e *Engine) removeUser(ctx context.Context, docID, userID string, remote bool) (model.DocumentState, error) {
	if userID == "" {
		return model.DocumentState{}, fmt.Errorf("%w: empty user id", ErrInvalidUser)
	}
	var out model.DocumentState
	err := e.mutate(ctx, docID, func(d *Document) (*Event, error) {
		delete(d.activeUsers, userID)
		delete(d.cursors, userID)
		return &Event{Kind: EventUserLeft, UserID: userID}, nil
	}, remote, func(*Event) (bus.MessageType, any) {
		return bus.TypeUserLeft, bus.UserLeftData{UserID: userID}
	}, &out)
	return out, err
}

// mutate runs apply under the document lock, then (still locked) persists,
// publishes locally originated mutations, and notifies listeners. A failed
// apply changes nothing.
func (e *Engine) mutate(
	ctx context.Context,
	docID string,
	apply func(d *Document) (*Event, error),
	remote bool,
	payload func(evt *Event) (bus.MessageType, any),
	out *model.DocumentState,
) error {
	for {
		d := e.cache.Get(ctx, docID)
		d.mu.Lock()
		if d.evicted.Load() {
			// swept between Get and Lock; fetch the replacement
			d.mu.Unlock()
			continue
		}

		evt, err := apply(d)
		if err != nil {
			d.mu.Unlock()
			return err
		}
		d.lastAccessedAt = e.opt.Now()

		content := d.buf.String()
		e.cache.persistContentLocked(ctx, d, content)

		evt.DocumentID = docID
		evt.Remote = remote
		evt.State = d.stateLocked(content)
		if !remote {
			evt.Origin = originFrom(ctx)
			typ, data := payload(evt)
			e.publish(ctx, typ, docID, data)
		}
		*out = evt.State
		e.notify(*evt)
		d.mu.Unlock()
		return nil
	}
}

func (e *Engine) publish(ctx context.Context, typ bus.MessageType, docID string, data any) {
	if e.bus == nil {
		return
	}
	msg, err := bus.NewMessage(typ, docID, e.opt.InstanceID, data)
	if err != nil {
		e.logger.Error().Err(err).Str("doc", docID).Msg("encode replication message")
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := e.bus.Publish(pctx, msg); err != nil {
		// local clients already see the change; other instances miss it
		e.logger.Warn().Err(err).Str("doc", docID).Str("type", string(typ)).Msg("publish failed")
	}
}

func (e *Engine) notify(evt Event) {
	e.lmu.RLock()
	defer e.lmu.RUnlock()
	for _, l := range e.listeners {
		l.OnDocumentEvent(evt)
	}
}
