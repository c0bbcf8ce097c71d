package canvas

import "math"

// Rect is a query rectangle in canvas coordinates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// overlaps reports strict interval overlap on both axes. A card exactly
// touching the rectangle boundary is not included.
func overlaps(g Geometry, r Rect) bool {
	if g.X >= r.X+r.Width || r.X >= g.X+g.Width {
		return false
	}
	if g.Y >= r.Y+r.Height || r.Y >= g.Y+g.Height {
		return false
	}
	return true
}

// CardsInRect returns the ids of every card whose bounding box strictly
// overlaps rect. Used for overlap-resolution suggestions and for
// drag-selection box membership.
func CardsInRect(l *Layout, rect Rect) map[string]struct{} {
	out := map[string]struct{}{}
	for _, card := range l.Cards() {
		if overlaps(card.Geometry, rect) {
			out[card.ID] = struct{}{}
		}
	}
	return out
}

// CardsNear returns the ids of cards whose center lies within radius of
// the seed card's center. The seed card is excluded.
func CardsNear(l *Layout, cardID string, radius float64) map[string]struct{} {
	out := map[string]struct{}{}
	seed, ok := l.Card(cardID)
	if !ok {
		return out
	}
	sx, sy := seed.Center()
	for _, card := range l.Cards() {
		if card.ID == cardID {
			continue
		}
		cx, cy := card.Center()
		if math.Hypot(cx-sx, cy-sy) <= radius {
			out[card.ID] = struct{}{}
		}
	}
	return out
}

// CardsOfSameType returns the ids of cards sharing the seed card's
// type, excluding the seed.
func CardsOfSameType(l *Layout, cardID string) map[string]struct{} {
	out := map[string]struct{}{}
	seed, ok := l.Card(cardID)
	if !ok {
		return out
	}
	for _, card := range l.Cards() {
		if card.ID == cardID {
			continue
		}
		if card.Type == seed.Type {
			out[card.ID] = struct{}{}
		}
	}
	return out
}

// CardsOfSameSize returns the ids of cards whose size differs from the
// seed card's by less than tolerance (|Δwidth| + |Δheight|), excluding
// the seed.
func CardsOfSameSize(l *Layout, cardID string, tolerance int) map[string]struct{} {
	out := map[string]struct{}{}
	seed, ok := l.Card(cardID)
	if !ok {
		return out
	}
	for _, card := range l.Cards() {
		if card.ID == cardID {
			continue
		}
		dw := card.Width - seed.Width
		if dw < 0 {
			dw = -dw
		}
		dh := card.Height - seed.Height
		if dh < 0 {
			dh = -dh
		}
		if dw+dh < tolerance {
			out[card.ID] = struct{}{}
		}
	}
	return out
}
