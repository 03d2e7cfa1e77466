package board

import (
	"sort"
	"time"
)

type ElementType string

const (
	TypeNote      ElementType = "note"
	TypeRectangle ElementType = "rectangle"
	TypeCircle    ElementType = "circle"
	TypeText      ElementType = "text"
	TypeConnector ElementType = "connector"
)

// ValidType reports whether t belongs to the closed element type set.
func ValidType(t ElementType) bool {
	switch t {
	case TypeNote, TypeRectangle, TypeCircle, TypeText, TypeConnector:
		return true
	}
	return false
}

type Element struct {
	ID         string         `json:"id"`
	BoardID    string         `json:"board_id"`
	Type       ElementType    `json:"type"`
	X          float64        `json:"x"`
	Y          float64        `json:"y"`
	Width      float64        `json:"width"`
	Height     float64        `json:"height"`
	Color      string         `json:"color"`
	Text       string         `json:"text"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedBy  string         `json:"created_by"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ConnectorEndpoints returns the two element ids a connector references.
// ok is false when the element is not a connector or the references are
// missing from its properties.
func (e Element) ConnectorEndpoints() (from, to string, ok bool) {
	if e.Type != TypeConnector {
		return "", "", false
	}
	from, _ = e.Properties["from"].(string)
	to, _ = e.Properties["to"].(string)
	return from, to, from != "" && to != ""
}

// Patch is a partial field set applied over an element. Nil pointers mean
// "leave as is"; Properties entries are shallow-merged key by key.
type Patch struct {
	X          *float64       `json:"x,omitempty"`
	Y          *float64       `json:"y,omitempty"`
	Width      *float64       `json:"width,omitempty"`
	Height     *float64       `json:"height,omitempty"`
	Color      *string        `json:"color,omitempty"`
	Text       *string        `json:"text,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

func (p Patch) IsZero() bool {
	return p.X == nil && p.Y == nil && p.Width == nil && p.Height == nil &&
		p.Color == nil && p.Text == nil && len(p.Properties) == 0
}

func (e *Element) apply(p Patch) {
	if p.X != nil {
		e.X = *p.X
	}
	if p.Y != nil {
		e.Y = *p.Y
	}
	if p.Width != nil {
		e.Width = *p.Width
	}
	if p.Height != nil {
		e.Height = *p.Height
	}
	if p.Color != nil {
		e.Color = *p.Color
	}
	if p.Text != nil {
		e.Text = *p.Text
	}
	if len(p.Properties) > 0 {
		if e.Properties == nil {
			e.Properties = make(map[string]any, len(p.Properties))
		}
		for k, v := range p.Properties {
			e.Properties[k] = v
		}
	}
}

// renderLess orders elements by (created_at, id), the board's render order.
func renderLess(a, b *Element) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortElements(els []*Element) {
	sort.SliceStable(els, func(i, j int) bool { return renderLess(els[i], els[j]) })
}
