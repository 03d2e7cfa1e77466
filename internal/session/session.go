// Package session ties one client's view of one board together: the
// reconciliation engine, the change feed adapter, the presence hub and the
// spatial view, behind an explicit open/close lifecycle. There is no global
// connection state; everything a board view needs travels with its Session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"chalkboard/api/internal/board"
	"chalkboard/api/internal/feed"
	"chalkboard/api/internal/presence"
	"chalkboard/api/internal/spatial"
	"chalkboard/api/internal/util"
)

var ErrClosed = errors.New("session closed")

// Persister is the persistence collaborator boundary. Implemented by
// store.ElementStore.
type Persister interface {
	ListElements(ctx context.Context, boardID string) ([]board.Element, error)
	InsertElement(ctx context.Context, boardID string, in board.CreateInput) (board.Element, error)
	UpdateElement(ctx context.Context, id string, patch board.Patch) (board.Element, error)
	DeleteElement(ctx context.Context, id string) error
}

// Publisher fans locally applied operations out to peers ahead of feed
// propagation. Implemented by feed.Broadcast.
type Publisher interface {
	Publish(ctx context.Context, op board.Op) error
}

type EventKind string

const (
	// ElementsChanged fires whenever the element collection mutated.
	ElementsChanged EventKind = "elements"
	// PeersChanged fires on membership or cursor movement.
	PeersChanged EventKind = "peers"
)

type Event struct {
	Kind EventKind
}

// Options configures Open. Store is required; Sources, Broadcast and Hub are
// optional so the engine can run detached (tests, offline tooling).
type Options struct {
	BoardID  string
	UserID   string
	UserName string

	// Origin tags this session's broadcast operations for self-echo
	// suppression. Generated when empty; set it when the broadcast source
	// was created with a specific origin.
	Origin string

	Store     Persister
	Sources   []feed.Source
	Broadcast Publisher
	Hub       *presence.Hub

	GridCellSize  float64
	GridThreshold int

	// OnError receives async persistence failures. Defaults to log.Printf.
	OnError func(error)

	// PersistTimeout bounds each async persistence request. Defaults to 10s.
	PersistTimeout time.Duration
}

type task struct {
	fn   func()
	done chan struct{}
}

// Session owns one cooperative event loop. Every mutation of the element
// collection (local intent, remote delivery, persistence completion) runs
// as a non-overlapping task on that loop, so the engine needs no locks and
// every handler runs to completion. In-flight async completions check the
// liveness flag on re-entry and are dropped after Close.
type Session struct {
	boardID string
	userID  string
	origin  string

	engine *board.Engine
	view   *spatial.View

	store   Persister
	adapter *feed.Adapter
	pub     Publisher
	hub     *presence.Hub

	onError        func(error)
	persistTimeout time.Duration

	tasks  chan task
	quit   chan struct{}
	events chan Event
	closed atomic.Bool
}

// Open subscribes the change feed, joins presence, starts the event loop and
// kicks off the initial snapshot fetch. The returned session serves queries
// immediately from whatever state has already arrived.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.Store == nil {
		return nil, errors.New("session: Store is required")
	}
	origin := opts.Origin
	if origin == "" {
		origin = util.NewID("client")
	}
	s := &Session{
		boardID:        opts.BoardID,
		userID:         opts.UserID,
		origin:         origin,
		engine:         board.NewEngine(opts.BoardID),
		view:           spatial.NewView(opts.GridCellSize, opts.GridThreshold),
		store:          opts.Store,
		pub:            opts.Broadcast,
		hub:            opts.Hub,
		onError:        opts.OnError,
		persistTimeout: opts.PersistTimeout,
		tasks:          make(chan task),
		quit:           make(chan struct{}),
		events:         make(chan Event, 32),
	}
	if s.onError == nil {
		s.onError = func(err error) { log.Printf("session %s: %v", s.boardID, err) }
	}
	if s.persistTimeout <= 0 {
		s.persistTimeout = 10 * time.Second
	}

	if len(opts.Sources) > 0 {
		adapter, err := feed.Open(ctx, opts.BoardID, opts.Sources...)
		if err != nil {
			return nil, err
		}
		s.adapter = adapter
	}
	if s.hub != nil {
		s.hub.OnChange(func() { s.emit(PeersChanged) })
		if err := s.hub.Join(ctx); err != nil {
			if s.adapter != nil {
				_ = s.adapter.Close()
			}
			return nil, err
		}
	}

	go s.loop()
	if s.adapter != nil {
		go s.consumeRemote()
	}
	go s.fetchSnapshot()

	return s, nil
}

// Origin is the id tagged onto this session's broadcast operations.
func (s *Session) Origin() string { return s.origin }

// Done closes when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.quit }

// Events signals state changes to the UI layer. Signals are coalesced and
// best-effort; consumers re-read the current state rather than replaying a
// log. The channel is never closed; select against Done.
func (s *Session) Events() <-chan Event { return s.events }

// Close leaves the board: the feed subscriptions and presence channel are
// torn down synchronously, then the loop stops. Any async completion landing
// afterwards is dropped by the liveness flag.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	if s.adapter != nil {
		if err := s.adapter.Close(); err != nil {
			firstErr = err
		}
	}
	if s.hub != nil {
		if err := s.hub.Leave(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	close(s.quit)
	return firstErr
}

func (s *Session) loop() {
	for {
		select {
		case <-s.quit:
			return
		case t := <-s.tasks:
			t.fn()
			close(t.done)
		}
	}
}

// run executes fn on the event loop and waits for it to finish. It fails
// instead of running once the session is closed.
func (s *Session) run(fn func()) error {
	if s.closed.Load() {
		return ErrClosed
	}
	t := task{fn: fn, done: make(chan struct{})}
	select {
	case s.tasks <- t:
	case <-s.quit:
		return ErrClosed
	}
	select {
	case <-t.done:
		return nil
	case <-s.quit:
		return ErrClosed
	}
}

func (s *Session) emit(kind EventKind) {
	select {
	case s.events <- Event{Kind: kind}:
	default:
	}
}

func (s *Session) consumeRemote() {
	for op := range s.adapter.Ops() {
		op := op
		_ = s.run(func() {
			if s.engine.ApplyRemote(op) {
				s.emit(ElementsChanged)
			}
		})
	}
}

func (s *Session) fetchSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()
	rows, err := s.store.ListElements(ctx, s.boardID)
	if err != nil {
		s.onError(fmt.Errorf("load board snapshot: %w", err))
		return
	}
	_ = s.run(func() {
		s.engine.MergeInitialLoad(rows)
		s.emit(ElementsChanged)
	})
}

func (s *Session) publish(op board.Op) {
	if s.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()
	if err := s.pub.Publish(ctx, op); err != nil {
		// Broadcast is best effort; the change feed still converges peers.
		s.onError(err)
	}
}

// CreateElement applies an optimistic placeholder and returns its temporary
// id without waiting on the network. Persistence runs async: success swaps in
// the canonical row, failure rolls the placeholder back and surfaces through
// OnError. There is no automatic retry.
func (s *Session) CreateElement(in board.CreateInput) (string, error) {
	if in.CreatedBy == "" {
		in.CreatedBy = s.userID
	}
	var tempID string
	if err := s.run(func() {
		tempID = s.engine.ApplyLocalCreate(in)
		s.emit(ElementsChanged)
	}); err != nil {
		return "", err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		defer cancel()
		canonical, err := s.store.InsertElement(ctx, s.boardID, in)
		if err != nil {
			rollbackErr := s.run(func() {
				if s.engine.RollbackCreate(tempID) {
					s.emit(ElementsChanged)
				}
			})
			if rollbackErr == nil {
				s.onError(fmt.Errorf("create element: %w", err))
			}
			return
		}
		var confirmed bool
		if err := s.run(func() {
			confirmed = s.engine.ConfirmCreate(tempID, canonical)
			s.emit(ElementsChanged)
		}); err != nil {
			return
		}
		if !confirmed {
			// The user deleted the element while persistence was in flight;
			// the row exists server-side now, so delete it there too.
			dctx, dcancel := context.WithTimeout(context.Background(), s.persistTimeout)
			defer dcancel()
			if err := s.store.DeleteElement(dctx, canonical.ID); err != nil {
				s.onError(fmt.Errorf("delete unconfirmed element %s: %w", canonical.ID, err))
			}
			s.publish(board.DeleteOp(s.origin, s.boardID, canonical.ID))
			return
		}
		s.publish(board.InsertOp(s.origin, canonical))
	}()

	return tempID, nil
}

// UpdateElement merges the patch immediately (read-your-write) and schedules
// the persistence write without waiting for it. A failed write is not rolled
// back; local state stays at the optimistic value until the next successful
// reconciliation.
func (s *Session) UpdateElement(id string, patch board.Patch) error {
	updated, err := s.applyLocalPatch(id, patch, false)
	if err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		defer cancel()
		if _, err := s.store.UpdateElement(ctx, id, patch); err != nil {
			s.onError(fmt.Errorf("persist update %s: %w", id, err))
		}
	}()
	s.publish(board.UpdateOp(s.origin, s.boardID, id, patch, updated.UpdatedAt))
	return nil
}

// UpdateElementVolatile merges the patch and fans it out to peers but never
// persists: for high-frequency intermediate states (drag, resize) where only
// the final position should hit the store.
func (s *Session) UpdateElementVolatile(id string, patch board.Patch) error {
	updated, err := s.applyLocalPatch(id, patch, true)
	if err != nil {
		return err
	}
	s.publish(board.UpdateOp(s.origin, s.boardID, id, patch, updated.UpdatedAt))
	return nil
}

func (s *Session) applyLocalPatch(id string, patch board.Patch, volatile bool) (board.Element, error) {
	var updated board.Element
	var applyErr error
	err := s.run(func() {
		if volatile {
			updated, applyErr = s.engine.ApplyLocalUpdateVolatile(id, patch)
		} else {
			updated, applyErr = s.engine.ApplyLocalUpdate(id, patch)
		}
		if applyErr == nil {
			s.emit(ElementsChanged)
		}
	})
	if err != nil {
		return board.Element{}, err
	}
	return updated, applyErr
}

// DeleteElement removes the element optimistically and schedules the
// persisted delete. Like updates, a failed delete is not rolled back.
func (s *Session) DeleteElement(id string) error {
	if err := s.run(func() {
		if s.engine.ApplyLocalDelete(id) {
			s.emit(ElementsChanged)
		}
	}); err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		defer cancel()
		if err := s.store.DeleteElement(ctx, id); err != nil {
			s.onError(fmt.Errorf("persist delete %s: %w", id, err))
		}
	}()
	s.publish(board.DeleteOp(s.origin, s.boardID, id))
	return nil
}

// Elements returns the merged collection in render order.
func (s *Session) Elements() ([]board.Element, error) {
	var out []board.Element
	if err := s.run(func() { out = s.engine.Elements() }); err != nil {
		return nil, err
	}
	return out, nil
}

// HitTest returns the ids of non-connector elements under (x, y), topmost
// first. Connector hit-testing stays a caller-side concern.
func (s *Session) HitTest(x, y float64) ([]string, error) {
	var hits []string
	if err := s.run(func() {
		hits = s.view.PointQuery(s.engine.Elements(), s.engine.Version(), x, y)
	}); err != nil {
		return nil, err
	}
	return hits, nil
}

// Marquee returns the ids of non-connector elements intersecting the
// selection rectangle, in render order.
func (s *Session) Marquee(r spatial.Rect) ([]string, error) {
	var hits []string
	if err := s.run(func() {
		hits = s.view.RangeQuery(s.engine.Elements(), s.engine.Version(), r)
	}); err != nil {
		return nil, err
	}
	return hits, nil
}

// Peers returns the current presence list, nil when presence is not wired.
func (s *Session) Peers() []presence.Peer {
	if s.hub == nil {
		return nil
	}
	return s.hub.Peers()
}

// BroadcastCursor forwards to the presence hub's throttled cursor channel.
func (s *Session) BroadcastCursor(ctx context.Context, x, y float64) error {
	if s.hub == nil {
		return nil
	}
	return s.hub.BroadcastCursor(ctx, x, y)
}
