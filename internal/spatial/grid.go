// Package spatial provides the fixed-cell grid used to bound hit-test and
// marquee-query cost on dense boards. The grid is derived state: it is built
// in full from the current element collection and thrown away on any
// mutation, with the rebuild deferred until the next query.
package spatial

import (
	"math"

	"chalkboard/api/internal/board"
)

// DefaultCellSize is the edge length of one grid cell in canvas units.
const DefaultCellSize = 250

// DefaultThreshold is the element count above which the grid engages;
// at or below it a linear scan is cheaper than building the index.
const DefaultThreshold = 80

type Rect struct {
	X, Y, W, H float64
}

func (r Rect) intersects(o Rect) bool {
	return r.X < o.X+o.W && r.X+r.W > o.X && r.Y < o.Y+o.H && r.Y+r.H > o.Y
}

func (r Rect) contains(x, y float64) bool {
	return x >= r.X && x <= r.X+r.W && y >= r.Y && y <= r.Y+r.H
}

// Bounds returns the element's bounding box.
func Bounds(el board.Element) Rect {
	return Rect{X: el.X, Y: el.Y, W: el.Width, H: el.Height}
}

type cellKey struct {
	cx, cy int
}

// Grid maps fixed-size square cells to the ids of elements whose bounding
// box intersects them. Connector elements are not registered; hit-testing
// connectors remains a caller-side linear scan.
type Grid struct {
	cell   float64
	cells  map[cellKey][]string
	bounds map[string]Rect
	// order records insertion rank so point queries can return
	// topmost-first (reverse insertion order).
	order map[string]int
}

// Build constructs a grid from the collection in render order, O(n) in the
// number of cell registrations. cellSize <= 0 falls back to DefaultCellSize.
func Build(elements []board.Element, cellSize float64) *Grid {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	g := &Grid{
		cell:   cellSize,
		cells:  make(map[cellKey][]string),
		bounds: make(map[string]Rect, len(elements)),
		order:  make(map[string]int, len(elements)),
	}
	rank := 0
	for _, el := range elements {
		if el.Type == board.TypeConnector {
			continue
		}
		b := Bounds(el)
		g.bounds[el.ID] = b
		g.order[el.ID] = rank
		rank++
		for _, key := range g.keysFor(b) {
			g.cells[key] = append(g.cells[key], el.ID)
		}
	}
	return g
}

func (g *Grid) keysFor(b Rect) []cellKey {
	minX := int(math.Floor(b.X / g.cell))
	maxX := int(math.Floor((b.X + b.W) / g.cell))
	minY := int(math.Floor(b.Y / g.cell))
	maxY := int(math.Floor((b.Y + b.H) / g.cell))
	keys := make([]cellKey, 0, (maxX-minX+1)*(maxY-minY+1))
	for cx := minX; cx <= maxX; cx++ {
		for cy := minY; cy <= maxY; cy++ {
			keys = append(keys, cellKey{cx, cy})
		}
	}
	return keys
}

// PointQuery returns the ids of elements whose bounding box contains (x, y),
// topmost first (most recently inserted among overlapping elements).
func (g *Grid) PointQuery(x, y float64) []string {
	key := cellKey{int(math.Floor(x / g.cell)), int(math.Floor(y / g.cell))}
	members := g.cells[key]
	var hits []string
	for i := len(members) - 1; i >= 0; i-- {
		id := members[i]
		if g.bounds[id].contains(x, y) {
			hits = append(hits, id)
		}
	}
	return hits
}

// RangeQuery returns the ids of elements whose bounding box intersects r.
// Cell membership is the broad phase; actual box intersection narrows it.
// Results come back in insertion (render) order, deduplicated.
func (g *Grid) RangeQuery(r Rect) []string {
	seen := make(map[string]struct{})
	var hits []string
	minX := int(math.Floor(r.X / g.cell))
	maxX := int(math.Floor((r.X + r.W) / g.cell))
	minY := int(math.Floor(r.Y / g.cell))
	maxY := int(math.Floor((r.Y + r.H) / g.cell))
	for cx := minX; cx <= maxX; cx++ {
		for cy := minY; cy <= maxY; cy++ {
			for _, id := range g.cells[cellKey{cx, cy}] {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				if g.bounds[id].intersects(r) {
					hits = append(hits, id)
				}
			}
		}
	}
	sortByRank(hits, g.order)
	return hits
}

func sortByRank(ids []string, order map[string]int) {
	// Insertion sort; result sets are small relative to the board.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && order[ids[j]] < order[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
