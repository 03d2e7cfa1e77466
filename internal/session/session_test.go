package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"chalkboard/api/internal/board"
	"chalkboard/api/internal/spatial"
)

// fakeStore is an in-memory Persister. Failures are armed per operation so a
// test can fail exactly the write under test without tripping the session's
// startup snapshot fetch. blockInsert, when set, stalls InsertElement until
// the channel is closed.
type fakeStore struct {
	mu          sync.Mutex
	rows        map[string]board.Element
	seq         int
	failInsert  error
	failUpdate  error
	blockInsert chan struct{}
	inserts     int
	updates     int
	deletes     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]board.Element)}
}

func (f *fakeStore) failNextInsert(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failInsert = err
}

func (f *fakeStore) failNextUpdate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUpdate = err
}

func (f *fakeStore) ListElements(ctx context.Context, boardID string) ([]board.Element, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]board.Element, 0, len(f.rows))
	for _, el := range f.rows {
		if el.BoardID == boardID {
			out = append(out, el)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertElement(ctx context.Context, boardID string, in board.CreateInput) (board.Element, error) {
	f.mu.Lock()
	gate := f.blockInsert
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failInsert; err != nil {
		f.failInsert = nil
		return board.Element{}, err
	}
	f.seq++
	f.inserts++
	now := time.Now().UTC()
	el := board.Element{
		ID:      fmt.Sprintf("el_%03d", f.seq),
		BoardID: boardID, Type: in.Type,
		X: in.X, Y: in.Y, Width: in.Width, Height: in.Height,
		Color: in.Color, Text: in.Text, Properties: in.Properties,
		CreatedBy: in.CreatedBy, CreatedAt: now, UpdatedAt: now,
	}
	f.rows[el.ID] = el
	return el, nil
}

func (f *fakeStore) UpdateElement(ctx context.Context, id string, patch board.Patch) (board.Element, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failUpdate; err != nil {
		f.failUpdate = nil
		return board.Element{}, err
	}
	f.updates++
	el := f.rows[id]
	f.rows[id] = el
	return el, nil
}

func (f *fakeStore) DeleteElement(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.rows, id)
	return nil
}

func (f *fakeStore) counts() (inserts, updates, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts, f.updates, f.deletes
}

func (f *fakeStore) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

// fakeBus records published ops.
type fakeBus struct {
	mu  sync.Mutex
	ops []board.Op
}

func (b *fakeBus) Publish(ctx context.Context, op board.Op) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, op)
	return nil
}

func (b *fakeBus) published() []board.Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]board.Op, len(b.ops))
	copy(out, b.ops)
	return out
}

// chanSource feeds ops into the adapter from a test-controlled channel.
type chanSource struct {
	ch chan board.Op
}

func (c *chanSource) Subscribe(ctx context.Context, boardID string) (<-chan board.Op, error) {
	return c.ch, nil
}

func (c *chanSource) Close() error {
	close(c.ch)
	return nil
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func openTestSession(t *testing.T, store *fakeStore, bus *fakeBus, sources ...*chanSource) *Session {
	t.Helper()
	opts := Options{
		BoardID:  "board-1",
		UserID:   "user-1",
		UserName: "Tester",
		Store:    store,
		OnError:  func(error) {},
	}
	if bus != nil {
		opts.Broadcast = bus
	}
	for _, src := range sources {
		opts.Sources = append(opts.Sources, src)
	}
	s, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func elementCount(t *testing.T, s *Session) int {
	t.Helper()
	els, err := s.Elements()
	if err != nil {
		t.Fatalf("elements: %v", err)
	}
	return len(els)
}

func TestCreateConfirmsCanonicalRow(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	s := openTestSession(t, store, bus)

	tempID, err := s.CreateElement(board.CreateInput{
		Type: board.TypeNote, X: 0, Y: 0, Width: 200, Height: 200, Color: "#FFEB3B",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(tempID, "tmp_") {
		t.Fatalf("expected temporary id, got %q", tempID)
	}
	// Placeholder is visible synchronously.
	if n := elementCount(t, s); n != 1 {
		t.Fatalf("expected placeholder immediately, len=%d", n)
	}

	waitFor(t, func() bool {
		els, err := s.Elements()
		return err == nil && len(els) == 1 && !strings.HasPrefix(els[0].ID, "tmp_")
	}, "canonical row to replace placeholder")

	// The canonical insert was fanned out to peers, tagged with our origin.
	waitFor(t, func() bool { return len(bus.published()) == 1 }, "insert broadcast")
	op := bus.published()[0]
	if op.Kind != board.OpInsert || op.Origin != s.Origin() {
		t.Fatalf("unexpected broadcast: %+v", op)
	}
}

func TestCreateFailureRollsBackPlaceholder(t *testing.T) {
	store := newFakeStore()
	var gotErr error
	var mu sync.Mutex
	s, err := Open(context.Background(), Options{
		BoardID: "board-1", UserID: "user-1", Store: store,
		OnError: func(e error) {
			mu.Lock()
			gotErr = e
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close(context.Background())

	store.failNextInsert(errors.New("rls violation"))
	tempID, err := s.CreateElement(board.CreateInput{Type: board.TypeNote, Width: 100, Height: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	waitFor(t, func() bool { return elementCount(t, s) == 0 }, "placeholder rollback")

	// No dangling reference in the derived index either.
	hits, err := s.HitTest(50, 50)
	if err != nil {
		t.Fatalf("hit test: %v", err)
	}
	for _, id := range hits {
		if id == tempID {
			t.Fatal("rolled-back placeholder still hit-testable")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if gotErr == nil {
		t.Fatal("create failure not surfaced")
	}
}

// Deleting an element while its create is still persisting must not bring it
// back when the insert confirms; the session deletes the persisted row too.
func TestDeleteDuringCreateRemovesPersistedRow(t *testing.T) {
	store := newFakeStore()
	store.blockInsert = make(chan struct{})
	bus := &fakeBus{}
	s := openTestSession(t, store, bus)

	tempID, err := s.CreateElement(board.CreateInput{Type: board.TypeNote, Width: 100, Height: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.DeleteElement(tempID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := elementCount(t, s); n != 0 {
		t.Fatalf("element visible after delete, len=%d", n)
	}

	close(store.blockInsert)

	waitFor(t, func() bool { return store.rowCount() == 0 }, "persisted row cleanup")
	if n := elementCount(t, s); n != 0 {
		t.Fatalf("confirm resurrected the deleted element, len=%d", n)
	}

	// Peers hear the delete for the canonical id, not an insert.
	waitFor(t, func() bool {
		for _, op := range bus.published() {
			if op.Kind == board.OpDelete && !strings.HasPrefix(op.ID, "tmp_") {
				return true
			}
		}
		return false
	}, "canonical delete broadcast")
	for _, op := range bus.published() {
		if op.Kind == board.OpInsert {
			t.Fatalf("insert broadcast for a deleted element: %+v", op)
		}
	}
}

func TestVolatileUpdateSkipsPersistence(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	s := openTestSession(t, store, bus)

	_, err := s.CreateElement(board.CreateInput{Type: board.TypeRectangle, Width: 100, Height: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var id string
	waitFor(t, func() bool {
		els, _ := s.Elements()
		if len(els) == 1 && !strings.HasPrefix(els[0].ID, "tmp_") {
			id = els[0].ID
			return true
		}
		return false
	}, "confirmed element")

	// A drag: many volatile moves, one final durable update.
	for i := 0; i < 10; i++ {
		x := float64(i * 10)
		if err := s.UpdateElementVolatile(id, board.Patch{X: &x}); err != nil {
			t.Fatalf("volatile update: %v", err)
		}
	}
	final := 500.0
	if err := s.UpdateElement(id, board.Patch{X: &final}); err != nil {
		t.Fatalf("final update: %v", err)
	}

	els, _ := s.Elements()
	if els[0].X != 500 {
		t.Fatalf("read-your-write broken: x=%v", els[0].X)
	}
	waitFor(t, func() bool {
		_, updates, _ := store.counts()
		return updates == 1
	}, "exactly one persisted update")
	// Give any stray volatile persist a chance to land, then recheck.
	time.Sleep(50 * time.Millisecond)
	if _, updates, _ := store.counts(); updates != 1 {
		t.Fatalf("volatile updates hit the store: %d writes", updates)
	}
}

func TestFailedUpdateKeepsOptimisticState(t *testing.T) {
	store := newFakeStore()
	s := openTestSession(t, store, nil)

	_, err := s.CreateElement(board.CreateInput{Type: board.TypeNote, Width: 100, Height: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var id string
	waitFor(t, func() bool {
		els, _ := s.Elements()
		if len(els) == 1 && !strings.HasPrefix(els[0].ID, "tmp_") {
			id = els[0].ID
			return true
		}
		return false
	}, "confirmed element")

	store.failNextUpdate(errors.New("connection reset"))
	x := 777.0
	if err := s.UpdateElement(id, board.Patch{X: &x}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// The write failed out of band; local state keeps the optimistic value.
	time.Sleep(50 * time.Millisecond)
	els, _ := s.Elements()
	if els[0].X != 777 {
		t.Fatalf("optimistic update reverted: x=%v", els[0].X)
	}
}

func TestRemoteOpsFlowThroughLoop(t *testing.T) {
	store := newFakeStore()
	src := &chanSource{ch: make(chan board.Op, 16)}
	s := openTestSession(t, store, nil, src)

	now := time.Now().UTC()
	src.ch <- board.InsertOp("peer", board.Element{
		ID: "remote-1", BoardID: "board-1", Type: board.TypeCircle,
		X: 10, Y: 10, Width: 50, Height: 50, CreatedAt: now, UpdatedAt: now,
	})
	waitFor(t, func() bool { return elementCount(t, s) == 1 }, "remote insert")

	x := 99.0
	src.ch <- board.UpdateOp("peer", "board-1", "remote-1", board.Patch{X: &x}, now.Add(time.Second))
	waitFor(t, func() bool {
		els, _ := s.Elements()
		return len(els) == 1 && els[0].X == 99
	}, "remote update")
}

func TestCloseDropsInFlightRemoteOps(t *testing.T) {
	store := newFakeStore()
	src := &chanSource{ch: make(chan board.Op, 16)}
	s := openTestSession(t, store, nil, src)

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The source channel is closed by teardown; nothing further applies and
	// API calls report the session gone.
	if _, err := s.Elements(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := s.CreateElement(board.CreateInput{Type: board.TypeNote}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestSnapshotMergeRetainsConcurrentArrivals(t *testing.T) {
	store := newFakeStore()
	// Seed the store before the session opens.
	seed, err := store.InsertElement(context.Background(), "board-1", board.CreateInput{
		Type: board.TypeText, Width: 80, Height: 24,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	src := &chanSource{ch: make(chan board.Op, 16)}
	s := openTestSession(t, store, nil, src)

	// A concurrent remote insert may land before or after the snapshot.
	now := time.Now().UTC()
	src.ch <- board.InsertOp("peer", board.Element{
		ID: "concurrent", BoardID: "board-1", Type: board.TypeNote,
		Width: 100, Height: 100, CreatedAt: now, UpdatedAt: now,
	})

	waitFor(t, func() bool {
		els, _ := s.Elements()
		ids := map[string]bool{}
		for _, el := range els {
			ids[el.ID] = true
		}
		return len(els) == 2 && ids[seed.ID] && ids["concurrent"]
	}, "snapshot merged with concurrent arrival")
}

func TestMarqueeThroughSession(t *testing.T) {
	store := newFakeStore()
	src := &chanSource{ch: make(chan board.Op, 16)}
	s := openTestSession(t, store, nil, src)

	now := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		src.ch <- board.InsertOp("peer", board.Element{
			ID: id, BoardID: "board-1", Type: board.TypeRectangle,
			X: float64(i * 300), Y: 0, Width: 100, Height: 100,
			CreatedAt: now.Add(time.Duration(i) * time.Second), UpdatedAt: now,
		})
	}
	waitFor(t, func() bool { return elementCount(t, s) == 3 }, "inserts")

	hits, err := s.Marquee(spatial.Rect{X: -10, Y: -10, W: 450, H: 200})
	if err != nil {
		t.Fatalf("marquee: %v", err)
	}
	if len(hits) != 2 || hits[0] != "a" || hits[1] != "b" {
		t.Fatalf("marquee = %v, want [a b]", hits)
	}
}
