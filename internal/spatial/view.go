package spatial

import "chalkboard/api/internal/board"

// View decides per query whether the grid is worth consulting and keeps the
// built grid cached until the collection version moves. Below the engagement
// threshold every query is a direct linear scan. The rebuild completes before
// the grid is published; a partially built grid is never queried.
//
// View is not safe for concurrent use; like the engine it belongs to, it is
// confined to the owning session's event loop.
type View struct {
	cellSize  float64
	threshold int

	grid     *Grid
	builtVer uint64
}

func NewView(cellSize float64, threshold int) *View {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &View{cellSize: cellSize, threshold: threshold}
}

func (v *View) ensure(elements []board.Element, version uint64) *Grid {
	if v.grid == nil || v.builtVer != version {
		g := Build(elements, v.cellSize)
		v.grid = g
		v.builtVer = version
	}
	return v.grid
}

// PointQuery returns non-connector elements under (x, y), topmost first.
// elements must be in render order; version identifies that state so the
// cached grid can be reused across queries between mutations.
func (v *View) PointQuery(elements []board.Element, version uint64, x, y float64) []string {
	if len(elements) <= v.threshold {
		var hits []string
		for i := len(elements) - 1; i >= 0; i-- {
			el := elements[i]
			if el.Type == board.TypeConnector {
				continue
			}
			if Bounds(el).contains(x, y) {
				hits = append(hits, el.ID)
			}
		}
		return hits
	}
	return v.ensure(elements, version).PointQuery(x, y)
}

// RangeQuery returns non-connector elements intersecting r, in render order.
func (v *View) RangeQuery(elements []board.Element, version uint64, r Rect) []string {
	if len(elements) <= v.threshold {
		var hits []string
		for _, el := range elements {
			if el.Type == board.TypeConnector {
				continue
			}
			if Bounds(el).intersects(r) {
				hits = append(hits, el.ID)
			}
		}
		return hits
	}
	return v.ensure(elements, version).RangeQuery(r)
}
