package bulk

import "canvasd/api/internal/canvas"

// SelectKind names a smart-selection heuristic.
type SelectKind string

const (
	SelectSimilar   SelectKind = "similar"
	SelectNearby    SelectKind = "nearby"
	SelectSameType  SelectKind = "same-type"
	SelectSameGroup SelectKind = "same-group"
)

// Select replaces the current selection with the given ids. Unknown
// ids are dropped.
func (e *Engine) Select(ids ...string) {
	e.selection = map[string]struct{}{}
	for _, id := range ids {
		if _, ok := e.layout.Card(id); ok {
			e.selection[id] = struct{}{}
		}
	}
}

// ClearSelection empties the current selection.
func (e *Engine) ClearSelection() {
	e.selection = map[string]struct{}{}
}

// Selection returns the currently selected ids.
func (e *Engine) Selection() map[string]struct{} {
	out := make(map[string]struct{}, len(e.selection))
	for id := range e.selection {
		out[id] = struct{}{}
	}
	return out
}

// StartSelectionBox begins a drag rectangle at (x, y) in canvas
// coordinates.
func (e *Engine) StartSelectionBox(x, y int) {
	e.boxAnchor = canvas.Rect{X: x, Y: y}
	e.box = &canvas.Rect{X: x, Y: y}
}

// UpdateSelectionBox extends the drag rectangle to (x, y).
func (e *Engine) UpdateSelectionBox(x, y int) {
	if e.box == nil {
		return
	}
	rect := canvas.Rect{
		X:      min(e.boxAnchor.X, x),
		Y:      min(e.boxAnchor.Y, y),
		Width:  abs(x - e.boxAnchor.X),
		Height: abs(y - e.boxAnchor.Y),
	}
	e.box = &rect
}

// CardsInSelectionBox returns the ids inside the live drag rectangle.
func (e *Engine) CardsInSelectionBox() map[string]struct{} {
	if e.box == nil {
		return map[string]struct{}{}
	}
	return canvas.CardsInRect(e.layout, *e.box)
}

// EndSelectionBox finishes the drag, replacing the current selection
// with the box membership.
func (e *Engine) EndSelectionBox() map[string]struct{} {
	members := e.CardsInSelectionBox()
	e.selection = members
	e.box = nil
	out := make(map[string]struct{}, len(members))
	for id := range members {
		out[id] = struct{}{}
	}
	return out
}

// SmartSelect returns the ids matching the heuristic, excluding the
// seed card. same-group is reserved pending a grouping data model and
// always returns the empty set.
func (e *Engine) SmartSelect(cardID string, kind SelectKind) map[string]struct{} {
	switch kind {
	case SelectSimilar:
		sameType := canvas.CardsOfSameType(e.layout, cardID)
		sameSize := canvas.CardsOfSameSize(e.layout, cardID, e.sizeTolerance)
		out := map[string]struct{}{}
		for id := range sameType {
			if _, ok := sameSize[id]; ok {
				out[id] = struct{}{}
			}
		}
		return out
	case SelectNearby:
		return canvas.CardsNear(e.layout, cardID, e.nearbyRadius)
	case SelectSameType:
		return canvas.CardsOfSameType(e.layout, cardID)
	case SelectSameGroup:
		return map[string]struct{}{}
	default:
		return map[string]struct{}{}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
