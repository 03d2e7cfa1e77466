package board

import (
	"errors"
	"time"

	"chalkboard/api/internal/util"
)

var ErrNotFound = errors.New("element not found")

// CreateInput carries the fields a client supplies when creating an element.
// Geometry is the final top-left position and size.
type CreateInput struct {
	Type       ElementType
	X, Y       float64
	Width      float64
	Height     float64
	Color      string
	Text       string
	Properties map[string]any
	CreatedBy  string
}

// Engine owns the authoritative in-memory element collection for one board
// and reconciles three inputs into it: optimistic local edits, the persisted
// row change feed, and best-effort peer broadcast. It is not safe for
// concurrent use; callers confine it to a single event loop (see the session
// package) so handlers run to completion without locks.
//
// Conflict policy is last-write-wins at whole-operation granularity, keyed by
// each element's own updated_at. There is no field-level merge: an update
// overwrites exactly the fields it carries. Deletes are terminal; an insert
// for an id observed deleted is dropped unless it carries a newer timestamp
// than the delete observation. This mirrors the convergence model the rest of
// the system is built around and is a documented limitation, not a bug.
type Engine struct {
	boardID  string
	elements []*Element
	byID     map[string]*Element

	// placeholders holds temporary ids awaiting persistence confirmation.
	placeholders map[string]struct{}
	// tombstones records delete times for terminal-delete semantics. Remote
	// deletes contribute the sender's timestamp so two clients agree on what
	// a given insert is racing against; local deletes contribute the local
	// observation time. Cleared on snapshot merge.
	tombstones map[string]time.Time
	// pending holds updates that arrived before the insert for their id.
	// Delivery order between the feed and the broadcast channel is not
	// guaranteed, so an early update is stashed (newest updated_at wins) and
	// replayed once the matching insert lands.
	pending map[string]Op

	// version increments on every mutation so derived structures (the
	// spatial index) can detect staleness without being notified eagerly.
	version uint64

	now func() time.Time
}

func NewEngine(boardID string) *Engine {
	return &Engine{
		boardID:      boardID,
		byID:         make(map[string]*Element),
		placeholders: make(map[string]struct{}),
		tombstones:   make(map[string]time.Time),
		pending:      make(map[string]Op),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) BoardID() string { return e.boardID }

// Version identifies the current state of the collection. Any mutation bumps
// it, including ones that only touch placeholders.
func (e *Engine) Version() uint64 { return e.version }

func (e *Engine) Len() int { return len(e.elements) }

// Elements returns the collection in render order, sorted by
// (created_at, id). The returned slice is a copy; the engine retains
// ownership of the underlying elements.
func (e *Engine) Elements() []Element {
	out := make([]Element, len(e.elements))
	for i, el := range e.elements {
		out[i] = *el
	}
	return out
}

func (e *Engine) Get(id string) (Element, bool) {
	el, ok := e.byID[id]
	if !ok {
		return Element{}, false
	}
	return *el, true
}

// IsPlaceholder reports whether id is a local optimistic element still
// awaiting persistence.
func (e *Engine) IsPlaceholder(id string) bool {
	_, ok := e.placeholders[id]
	return ok
}

// ApplyLocalCreate inserts an optimistic placeholder with a fresh temporary
// id and returns that id synchronously. The caller is responsible for
// requesting persistence and then calling ConfirmCreate or RollbackCreate.
func (e *Engine) ApplyLocalCreate(in CreateInput) string {
	now := e.now()
	el := &Element{
		ID:         util.NewID("tmp"),
		BoardID:    e.boardID,
		Type:       in.Type,
		X:          in.X,
		Y:          in.Y,
		Width:      in.Width,
		Height:     in.Height,
		Color:      in.Color,
		Text:       in.Text,
		Properties: in.Properties,
		CreatedBy:  in.CreatedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	e.insert(el)
	e.placeholders[el.ID] = struct{}{}
	return el.ID
}

// ConfirmCreate swaps the placeholder for the canonical persisted row. If the
// canonical row already arrived through the change feed the placeholder is
// simply dropped; if the placeholder is already gone the confirmation is
// idempotent and nothing is duplicated.
//
// It reports whether the canonical row belongs in the collection. When the
// user deleted the placeholder while persistence was in flight, the delete
// wins: the tombstone moves to the canonical id, nothing is inserted, and the
// caller is expected to delete the persisted row.
func (e *Engine) ConfirmCreate(tempID string, canonical Element) bool {
	if deadAt, dead := e.tombstones[tempID]; dead {
		ts := deadAt
		if canonical.UpdatedAt.After(ts) {
			ts = canonical.UpdatedAt
		}
		if cur, ok := e.tombstones[canonical.ID]; !ok || ts.After(cur) {
			e.tombstones[canonical.ID] = ts
		}
		return false
	}

	_, awaiting := e.placeholders[tempID]
	_, present := e.byID[canonical.ID]

	if awaiting {
		delete(e.placeholders, tempID)
		if present {
			// Feed beat the persistence response; keep the canonical row.
			e.remove(tempID)
			return true
		}
		ph, ok := e.byID[tempID]
		if ok {
			// Replace in place, then restore render order in case the
			// canonical created_at differs from the optimistic one.
			delete(e.byID, tempID)
			*ph = canonical
			e.byID[canonical.ID] = ph
			sortElements(e.elements)
			e.version++
			e.replayPending(canonical.ID)
			return true
		}
	}
	if !present {
		e.insert(&canonical)
		e.replayPending(canonical.ID)
	}
	return true
}

// replayPending applies a stashed early update to the element now that its
// insert has landed, subject to the usual last-write-wins comparison.
func (e *Engine) replayPending(id string) {
	p, held := e.pending[id]
	if !held {
		return
	}
	el, ok := e.byID[id]
	if !ok {
		return
	}
	delete(e.pending, id)
	if p.UpdatedAt.After(el.UpdatedAt) {
		el.apply(*p.Patch)
		el.UpdatedAt = p.UpdatedAt
		e.version++
	}
}

// RollbackCreate removes a placeholder after a failed persistence request.
// It reports whether the placeholder was still present; no other element is
// touched either way.
func (e *Engine) RollbackCreate(tempID string) bool {
	if _, ok := e.placeholders[tempID]; !ok {
		return false
	}
	delete(e.placeholders, tempID)
	return e.remove(tempID)
}

// ApplyLocalUpdate shallow-merges fields into the element immediately so the
// caller reads its own write. Persistence scheduling is the caller's concern.
func (e *Engine) ApplyLocalUpdate(id string, patch Patch) (Element, error) {
	el, ok := e.byID[id]
	if !ok {
		return Element{}, ErrNotFound
	}
	el.apply(patch)
	el.UpdatedAt = e.now()
	e.version++
	return *el, nil
}

// ApplyLocalUpdateVolatile is ApplyLocalUpdate for high-frequency transient
// state (drag, resize). The merge is identical; the distinct entry point lets
// the session skip the persistence write for these.
func (e *Engine) ApplyLocalUpdateVolatile(id string, patch Patch) (Element, error) {
	return e.ApplyLocalUpdate(id, patch)
}

// ApplyLocalDelete removes an element optimistically and records a tombstone.
func (e *Engine) ApplyLocalDelete(id string) bool {
	e.tombstones[id] = e.now()
	if _, ok := e.byID[id]; !ok {
		return false
	}
	delete(e.placeholders, id)
	return e.remove(id)
}

// ApplyRemote applies an operation delivered by the change feed or the
// broadcast channel. It is idempotent: re-delivery of an insert for a known
// id, an update that does not advance updated_at, or a delete for a missing
// id all leave state unchanged. It is also order-independent: an update
// racing ahead of its insert is held and replayed, and delete/insert races
// are settled by comparing the operations' own timestamps, so peers applying
// the same set in any order converge. It reports whether the visible
// collection changed.
func (e *Engine) ApplyRemote(op Op) bool {
	if err := op.Validate(); err != nil {
		return false
	}
	switch op.Kind {
	case OpInsert:
		row := *op.Row
		if deadAt, dead := e.tombstones[row.ID]; dead && !row.UpdatedAt.After(deadAt) {
			return false
		}
		if _, ok := e.byID[row.ID]; ok {
			return false
		}
		e.insert(&row)
		e.replayPending(row.ID)
		return true
	case OpUpdate:
		el, ok := e.byID[op.ID]
		if !ok {
			// The insert has not landed yet; keep the newest update so the
			// final state does not depend on delivery order.
			if p, held := e.pending[op.ID]; !held || op.UpdatedAt.After(p.UpdatedAt) {
				e.pending[op.ID] = op
			}
			return false
		}
		if !op.UpdatedAt.After(el.UpdatedAt) {
			return false
		}
		el.apply(*op.Patch)
		el.UpdatedAt = op.UpdatedAt
		e.version++
		return true
	case OpDelete:
		ts := op.UpdatedAt
		if ts.IsZero() {
			ts = e.now()
		}
		if cur, dead := e.tombstones[op.ID]; !dead || ts.After(cur) {
			e.tombstones[op.ID] = ts
		}
		if p, held := e.pending[op.ID]; held && !p.UpdatedAt.After(ts) {
			delete(e.pending, op.ID)
		}
		if _, ok := e.byID[op.ID]; !ok {
			return false
		}
		delete(e.placeholders, op.ID)
		return e.remove(op.ID)
	}
	return false
}

// MergeInitialLoad reconciles a freshly fetched snapshot with whatever
// arrived through remote operations while the fetch was in flight. Rows in
// both are taken from the snapshot; rows only present locally (concurrent
// arrivals and unconfirmed placeholders) are retained. The snapshot is
// authoritative, so tombstones accumulated before it are discarded.
func (e *Engine) MergeInitialLoad(rows []Element) {
	merged := make([]*Element, 0, len(rows)+len(e.elements))
	byID := make(map[string]*Element, len(rows)+len(e.elements))

	for i := range rows {
		row := rows[i]
		if _, dup := byID[row.ID]; dup {
			continue
		}
		merged = append(merged, &row)
		byID[row.ID] = &row
	}
	for _, el := range e.elements {
		if _, ok := byID[el.ID]; ok {
			continue
		}
		merged = append(merged, el)
		byID[el.ID] = el
	}

	sortElements(merged)
	e.elements = merged
	e.byID = byID
	e.tombstones = make(map[string]time.Time)
	e.pending = make(map[string]Op)
	e.version++
}

func (e *Engine) insert(el *Element) {
	e.elements = append(e.elements, el)
	e.byID[el.ID] = el
	sortElements(e.elements)
	e.version++
}

func (e *Engine) remove(id string) bool {
	el, ok := e.byID[id]
	if !ok {
		return false
	}
	delete(e.byID, id)
	for i, cur := range e.elements {
		if cur == el {
			e.elements = append(e.elements[:i], e.elements[i+1:]...)
			break
		}
	}
	e.version++
	return true
}
