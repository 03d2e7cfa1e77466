package feed

import (
	"context"
	"testing"
	"time"

	"chalkboard/api/internal/board"
)

type fakeSource struct {
	ch     chan board.Op
	closed bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan board.Op, 16)}
}

func (f *fakeSource) Subscribe(ctx context.Context, boardID string) (<-chan board.Op, error) {
	return f.ch, nil
}

func (f *fakeSource) Close() error {
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
	return nil
}

func insertOp(boardID, id string) board.Op {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return board.InsertOp("", board.Element{
		ID: id, BoardID: boardID, Type: board.TypeNote,
		Width: 100, Height: 100, CreatedAt: now, UpdatedAt: now,
	})
}

func recvOp(t *testing.T, ops <-chan board.Op) board.Op {
	t.Helper()
	select {
	case op, ok := <-ops:
		if !ok {
			t.Fatal("ops stream closed unexpectedly")
		}
		return op
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for op")
	}
	return board.Op{}
}

func TestAdapterMergesSources(t *testing.T) {
	rowFeed := newFakeSource()
	bus := newFakeSource()

	adapter, err := Open(context.Background(), "board-1", rowFeed, bus)
	if err != nil {
		t.Fatalf("open adapter: %v", err)
	}
	defer adapter.Close()

	rowFeed.ch <- insertOp("board-1", "from-feed")
	bus.ch <- insertOp("board-1", "from-bus")

	got := map[string]bool{}
	got[recvOp(t, adapter.Ops()).ID] = true
	got[recvOp(t, adapter.Ops()).ID] = true
	if !got["from-feed"] || !got["from-bus"] {
		t.Fatalf("merged stream missing ops: %v", got)
	}
}

func TestAdapterDropsMalformedAndForeignOps(t *testing.T) {
	src := newFakeSource()
	adapter, err := Open(context.Background(), "board-1", src)
	if err != nil {
		t.Fatalf("open adapter: %v", err)
	}
	defer adapter.Close()

	src.ch <- board.Op{Kind: board.OpInsert, ID: "no-row"}
	src.ch <- board.Op{Kind: "mystery", ID: "x"}
	src.ch <- insertOp("other-board", "foreign")
	src.ch <- insertOp("board-1", "good")

	if op := recvOp(t, adapter.Ops()); op.ID != "good" {
		t.Fatalf("expected only the valid op, got %q", op.ID)
	}
	select {
	case op := <-adapter.Ops():
		t.Fatalf("unexpected extra op: %+v", op)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAdapterTeardownDropsLateOps(t *testing.T) {
	src := newFakeSource()
	adapter, err := Open(context.Background(), "board-1", src)
	if err != nil {
		t.Fatalf("open adapter: %v", err)
	}

	if err := adapter.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !src.closed {
		t.Fatal("close must tear the source down synchronously")
	}

	// The stream drains to closed without delivering anything further.
	select {
	case op, ok := <-adapter.Ops():
		if ok {
			t.Fatalf("op delivered after teardown: %+v", op)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ops stream did not close after teardown")
	}

	if err := adapter.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

// stubbornSource ignores Close and keeps its channel open.
type stubbornSource struct {
	ch chan board.Op
}

func (s *stubbornSource) Subscribe(ctx context.Context, boardID string) (<-chan board.Op, error) {
	return s.ch, nil
}

func (s *stubbornSource) Close() error { return nil }

func TestAdapterLateSourceEmissionsDropped(t *testing.T) {
	// A source that keeps emitting after teardown: the adapter must not
	// forward what arrives late.
	stubborn := &stubbornSource{ch: make(chan board.Op, 16)}
	adapter, err := Open(context.Background(), "board-1", stubborn)
	if err != nil {
		t.Fatalf("open adapter: %v", err)
	}

	_ = adapter.Close()
	stubborn.ch <- insertOp("board-1", "late")
	close(stubborn.ch)

	for op := range adapter.Ops() {
		t.Fatalf("late op forwarded: %+v", op)
	}
}
