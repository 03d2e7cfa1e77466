package board

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

var ErrMalformedOp = errors.New("malformed operation")

// Op is the single operation variant consumed by the engine. Inserts carry a
// full row, updates a partial field set plus the sender's updated_at, deletes
// only the id. Origin identifies the emitting client so broadcast self-echo
// can be suppressed.
type Op struct {
	Kind      OpKind    `json:"op"`
	BoardID   string    `json:"board_id"`
	ID        string    `json:"id"`
	Origin    string    `json:"origin,omitempty"`
	Row       *Element  `json:"row,omitempty"`
	Patch     *Patch    `json:"patch,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Validate rejects operations missing the fields their kind requires. Callers
// at transport boundaries drop invalid operations instead of propagating them.
func (o Op) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing element id", ErrMalformedOp)
	}
	switch o.Kind {
	case OpInsert:
		if o.Row == nil {
			return fmt.Errorf("%w: insert without row", ErrMalformedOp)
		}
		if o.Row.ID != o.ID {
			return fmt.Errorf("%w: insert row id mismatch", ErrMalformedOp)
		}
		if !ValidType(o.Row.Type) {
			return fmt.Errorf("%w: unknown element type %q", ErrMalformedOp, o.Row.Type)
		}
	case OpUpdate:
		if o.Patch == nil || o.Patch.IsZero() {
			return fmt.Errorf("%w: update without fields", ErrMalformedOp)
		}
	case OpDelete:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedOp, o.Kind)
	}
	return nil
}

// DecodeOp parses a wire payload into an Op and validates it.
func DecodeOp(payload []byte) (Op, error) {
	var op Op
	if err := json.Unmarshal(payload, &op); err != nil {
		return Op{}, fmt.Errorf("%w: %v", ErrMalformedOp, err)
	}
	if err := op.Validate(); err != nil {
		return Op{}, err
	}
	return op, nil
}

// InsertOp builds the wire operation announcing a persisted row.
func InsertOp(origin string, row Element) Op {
	return Op{Kind: OpInsert, BoardID: row.BoardID, ID: row.ID, Origin: origin, Row: &row, UpdatedAt: row.UpdatedAt}
}

// UpdateOp builds the wire operation for a partial update.
func UpdateOp(origin, boardID, id string, patch Patch, updatedAt time.Time) Op {
	return Op{Kind: OpUpdate, BoardID: boardID, ID: id, Origin: origin, Patch: &patch, UpdatedAt: updatedAt}
}

// DeleteOp builds the wire operation for a removal.
func DeleteOp(origin, boardID, id string) Op {
	return Op{Kind: OpDelete, BoardID: boardID, ID: id, Origin: origin, UpdatedAt: time.Now().UTC()}
}
