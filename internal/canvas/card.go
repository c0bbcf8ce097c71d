// Package canvas holds the dashboard card model and the spatial
// primitives shared by the layout and bulk engines. Everything here is
// pure data and pure functions; persistence and coordination live in
// their own packages.
package canvas

import (
	"errors"
	"fmt"
)

// Mode is a card's display mode on the canvas.
type Mode string

const (
	ModeNormal     Mode = "normal"
	ModeMinimized  Mode = "minimized"
	ModeHalfScreen Mode = "half-screen"
	ModeExpanded   Mode = "expanded"
)

// ErrValidation marks a persistence failure caused by the payload
// itself (malformed geometry, constraint violation). The layout engine
// treats these as already-successful locally.
var ErrValidation = errors.New("validation failure")

// Geometry is an axis-aligned pixel rectangle. Width and Height are
// always positive for a live card.
type Geometry struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Center returns the geometric center of the rectangle.
func (g Geometry) Center() (float64, float64) {
	return float64(g.X) + float64(g.Width)/2, float64(g.Y) + float64(g.Height)/2
}

// Card is a single canvas item. Type discriminates which widget renders
// inside and is opaque to this subsystem.
type Card struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Geometry
	Mode    Mode   `json:"mode"`
	Locked  bool   `json:"locked"`
	GroupID string `json:"groupId,omitempty"`

	// SavedGeometry is captured on entering a non-normal mode and is the
	// restore target. It is nil exactly when Mode == ModeNormal.
	SavedGeometry *Geometry `json:"savedGeometry,omitempty"`
}

// Layout owns the cards of one region, keyed by card id.
// It is not safe for concurrent use; callers serialize access.
type Layout struct {
	cards map[string]*Card
}

func NewLayout() *Layout {
	return &Layout{cards: map[string]*Card{}}
}

// Add inserts a card. Ids are unique within a layout.
func (l *Layout) Add(card *Card) error {
	if card.ID == "" {
		return fmt.Errorf("%w: card id is empty", ErrValidation)
	}
	if card.Width <= 0 || card.Height <= 0 {
		return fmt.Errorf("%w: card %s has non-positive size", ErrValidation, card.ID)
	}
	if _, exists := l.cards[card.ID]; exists {
		return fmt.Errorf("duplicate card id %s", card.ID)
	}
	l.cards[card.ID] = card
	return nil
}

// Card returns the card with the given id, if present.
func (l *Layout) Card(id string) (*Card, bool) {
	card, ok := l.cards[id]
	return card, ok
}

// Remove deletes a card; idempotent if absent.
func (l *Layout) Remove(id string) {
	delete(l.cards, id)
}

func (l *Layout) Len() int {
	return len(l.cards)
}

// Cards returns the live card pointers in unspecified order.
func (l *Layout) Cards() []*Card {
	out := make([]*Card, 0, len(l.cards))
	for _, card := range l.cards {
		out = append(out, card)
	}
	return out
}

// Snapshot returns value copies of every card, safe to hand across an
// API boundary.
func (l *Layout) Snapshot() []Card {
	out := make([]Card, 0, len(l.cards))
	for _, card := range l.cards {
		copied := *card
		if card.SavedGeometry != nil {
			saved := *card.SavedGeometry
			copied.SavedGeometry = &saved
		}
		out = append(out, copied)
	}
	return out
}
