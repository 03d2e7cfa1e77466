// Package feed normalizes the two remote event sources, the row-level
// persisted-change feed and the best-effort peer broadcast, into one
// operation stream per board. Neither source carries sequence numbers;
// ordering correctness lives at the element level (each row's own
// timestamps), so the adapter promises nothing beyond per-source delivery
// order.
package feed

import (
	"context"
	"fmt"
	"sync"

	"chalkboard/api/internal/board"
)

// Source is one subscribable origin of board operations. Implementations
// close the returned channel when the subscription ends, whether by Close or
// by transport failure.
type Source interface {
	Subscribe(ctx context.Context, boardID string) (<-chan board.Op, error)
	Close() error
}

// Adapter fans two (or more) sources into a single stream. Close is
// synchronous with respect to the caller's intent to leave: once it returns,
// forwarding has stopped and anything a source still emits is dropped.
type Adapter struct {
	boardID string
	sources []Source
	ops     chan board.Op
	done    chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open subscribes every source for the board and starts forwarding.
func Open(ctx context.Context, boardID string, sources ...Source) (*Adapter, error) {
	a := &Adapter{
		boardID: boardID,
		sources: sources,
		ops:     make(chan board.Op, 64),
		done:    make(chan struct{}),
	}
	for _, src := range sources {
		ch, err := src.Subscribe(ctx, boardID)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("subscribe feed source: %w", err)
		}
		a.wg.Add(1)
		go a.forward(ch)
	}
	go func() {
		a.wg.Wait()
		close(a.ops)
	}()
	return a, nil
}

// Ops is the merged operation stream. It closes once every source has ended.
func (a *Adapter) Ops() <-chan board.Op { return a.ops }

func (a *Adapter) forward(ch <-chan board.Op) {
	defer a.wg.Done()
	for op := range ch {
		if op.Validate() != nil {
			continue // malformed payloads are dropped at the boundary
		}
		if op.BoardID != "" && op.BoardID != a.boardID {
			continue
		}
		select {
		case <-a.done:
			continue // delivered after teardown: dropped, never applied
		default:
		}
		select {
		case a.ops <- op:
		case <-a.done:
		}
	}
}

// Close stops forwarding and unsubscribes every source. Safe to call more
// than once.
func (a *Adapter) Close() error {
	var firstErr error
	a.closeOnce.Do(func() {
		close(a.done)
		for _, src := range a.sources {
			if err := src.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
