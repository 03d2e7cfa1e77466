package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"chalkboard/api/internal/board"
)

var ErrNotFound = errors.New("element row not found")

// ElementStore is the persistence collaborator for board elements. Every
// write fires the elements table trigger, which publishes the change on the
// board_changes NOTIFY channel; the change feed is driven entirely by those
// notifications, so the store never talks to subscribers directly.
type ElementStore struct {
	db *sql.DB
}

func NewElementStore(db *sql.DB) *ElementStore {
	return &ElementStore{db: db}
}

func (s *ElementStore) DB() *sql.DB { return s.db }

func (s *ElementStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const elementColumns = `id, board_id, type, x, y, width, height, color, text, properties, created_by, created_at, updated_at`

func scanElement(row interface{ Scan(...any) error }) (board.Element, error) {
	var el board.Element
	var props []byte
	err := row.Scan(&el.ID, &el.BoardID, &el.Type, &el.X, &el.Y, &el.Width, &el.Height,
		&el.Color, &el.Text, &props, &el.CreatedBy, &el.CreatedAt, &el.UpdatedAt)
	if err != nil {
		return board.Element{}, err
	}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &el.Properties); err != nil {
			return board.Element{}, fmt.Errorf("decode properties: %w", err)
		}
	}
	return el, nil
}

// ListElements returns every element on the board in render order.
func (s *ElementStore) ListElements(ctx context.Context, boardID string) ([]board.Element, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+elementColumns+`
		FROM elements
		WHERE board_id=$1
		ORDER BY created_at ASC, id ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list elements: %w", err)
	}
	defer rows.Close()

	items := make([]board.Element, 0)
	for rows.Next() {
		el, err := scanElement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan element: %w", err)
		}
		items = append(items, el)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate elements: %w", err)
	}
	return items, nil
}

// InsertElement persists a new element and returns the canonical row,
// including the server-assigned id and timestamps.
func (s *ElementStore) InsertElement(ctx context.Context, boardID string, in board.CreateInput) (board.Element, error) {
	props, err := json.Marshal(in.Properties)
	if err != nil {
		return board.Element{}, fmt.Errorf("encode properties: %w", err)
	}
	if in.Properties == nil {
		props = []byte("{}")
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO elements (board_id, type, x, y, width, height, color, text, properties, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+elementColumns+`
	`, boardID, in.Type, in.X, in.Y, in.Width, in.Height, in.Color, in.Text, props, in.CreatedBy)

	el, err := scanElement(row)
	if err != nil {
		return board.Element{}, fmt.Errorf("insert element: %w", err)
	}
	return el, nil
}

// UpdateElement applies a partial field set to a persisted row. Absent fields
// are untouched; property entries are shallow-merged into the jsonb column.
func (s *ElementStore) UpdateElement(ctx context.Context, id string, patch board.Patch) (board.Element, error) {
	var props []byte
	if len(patch.Properties) > 0 {
		encoded, err := json.Marshal(patch.Properties)
		if err != nil {
			return board.Element{}, fmt.Errorf("encode properties: %w", err)
		}
		props = encoded
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE elements SET
			x          = COALESCE($2, x),
			y          = COALESCE($3, y),
			width      = COALESCE($4, width),
			height     = COALESCE($5, height),
			color      = COALESCE($6, color),
			text       = COALESCE($7, text),
			properties = CASE WHEN $8::jsonb IS NULL THEN properties ELSE properties || $8::jsonb END,
			updated_at = NOW()
		WHERE id=$1
		RETURNING `+elementColumns+`
	`, id, patch.X, patch.Y, patch.Width, patch.Height, patch.Color, patch.Text, props)

	el, err := scanElement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return board.Element{}, ErrNotFound
	}
	if err != nil {
		return board.Element{}, fmt.Errorf("update element: %w", err)
	}
	return el, nil
}

// DeleteElement removes a persisted row. Deleting a missing id is not an
// error; the change feed simply emits nothing.
func (s *ElementStore) DeleteElement(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM elements WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete element: %w", err)
	}
	return nil
}
