// Package layout transitions cards between display modes
// (normal/minimized/half-screen/expanded), keeping the saved geometry
// needed to restore and mirroring every geometry change to the
// persistence port.
package layout

import (
	"context"
	"errors"
	"fmt"

	"canvasd/api/internal/canvas"
	"canvasd/api/internal/config"
	"canvasd/api/internal/mirror"
	"canvasd/api/internal/util"
)

// ErrCardNotFound is returned for transitions on unknown card ids.
var ErrCardNotFound = errors.New("card not found")

// Engine is the layout state machine for one region. It is not safe
// for concurrent use; the region dispatcher serializes calls.
type Engine struct {
	tenant string
	region string
	cfg    config.Config

	layout *canvas.Layout
	grid   *canvas.SlotRegistry
	port   canvas.PersistencePort
	mirror *mirror.Writer
}

func New(cfg config.Config, tenant, region string, lay *canvas.Layout, grid *canvas.SlotRegistry, port canvas.PersistencePort, w *mirror.Writer) *Engine {
	return &Engine{
		tenant: tenant,
		region: region,
		cfg:    cfg,
		layout: lay,
		grid:   grid,
		port:   port,
		mirror: w,
	}
}

// Hydrate seeds the layout from persisted cards. Minimized cards are
// re-assigned grid slots in scan order so the registry matches what the
// store reports.
func (e *Engine) Hydrate(cards []canvas.Card) error {
	for i := range cards {
		card := cards[i]
		if err := e.layout.Add(&card); err != nil {
			return fmt.Errorf("hydrate card %s: %w", card.ID, err)
		}
		if card.Mode == canvas.ModeMinimized {
			slot, err := e.grid.FindFreeSlot(e.gridCols(), e.cfg.MaxGridRows)
			if err != nil {
				return fmt.Errorf("hydrate card %s: %w", card.ID, err)
			}
			e.grid.Assign(card.ID, slot)
		}
	}
	return nil
}

// AddCard creates a card with default geometry, or at the caller's
// position when supplied, and mirrors the insert.
func (e *Engine) AddCard(cardType string, position *canvas.Geometry) (string, error) {
	if cardType == "" {
		return "", fmt.Errorf("%w: card type is empty", canvas.ErrValidation)
	}
	geom := canvas.Geometry{
		X:      e.cfg.GridOriginX,
		Y:      e.cfg.GridOriginY,
		Width:  e.cfg.DefaultCardWidth,
		Height: e.cfg.DefaultCardHeight,
	}
	if position != nil {
		geom = *position
		if geom.Width <= 0 {
			geom.Width = e.cfg.DefaultCardWidth
		}
		if geom.Height <= 0 {
			geom.Height = e.cfg.DefaultCardHeight
		}
	}
	card := &canvas.Card{
		ID:       util.NewID("card"),
		Type:     cardType,
		Geometry: geom,
		Mode:     canvas.ModeNormal,
	}
	if err := e.layout.Add(card); err != nil {
		return "", err
	}
	snapshot := *card
	e.mirror.Go("add-card", card.ID, func(ctx context.Context) error {
		return e.port.AddCard(ctx, e.tenant, e.region, snapshot)
	})
	return card.ID, nil
}

// Minimize docks a card into the first free grid slot, saving its
// geometry for restore. A card already minimized is a no-op beyond
// keeping its current slot. If no slot is free the operation aborts
// before any state mutation.
func (e *Engine) Minimize(cardID string) error {
	card, ok := e.layout.Card(cardID)
	if !ok {
		return fmt.Errorf("minimize %s: %w", cardID, ErrCardNotFound)
	}
	if card.Mode == canvas.ModeMinimized {
		if _, has := e.grid.SlotOf(cardID); has {
			return nil
		}
	}

	slot, err := e.grid.FindFreeSlot(e.gridCols(), e.cfg.MaxGridRows)
	if err != nil {
		return fmt.Errorf("minimize %s: %w", cardID, err)
	}

	if card.SavedGeometry == nil {
		saved := card.Geometry
		card.SavedGeometry = &saved
	}
	e.grid.Assign(cardID, slot)
	card.Geometry = canvas.Geometry{
		X:      e.cfg.GridOriginX + slot.Col*e.cfg.GridCellWidth,
		Y:      e.cfg.GridOriginY + slot.Row*e.cfg.GridCellHeight,
		Width:  e.cfg.MinimizedWidth,
		Height: e.cfg.MinimizedHeight,
	}
	card.Mode = canvas.ModeMinimized

	e.mirrorGeometry("minimize", card)
	return nil
}

// Restore returns a card to its saved geometry and normal mode,
// freeing any grid slot it held. Restoring a normal card is a no-op.
func (e *Engine) Restore(cardID string) error {
	card, ok := e.layout.Card(cardID)
	if !ok {
		return fmt.Errorf("restore %s: %w", cardID, ErrCardNotFound)
	}
	if card.Mode == canvas.ModeNormal && card.SavedGeometry == nil {
		return nil
	}
	if card.SavedGeometry == nil {
		return fmt.Errorf("restore %s: no saved geometry", cardID)
	}

	e.grid.Release(cardID)
	card.Geometry = *card.SavedGeometry
	card.SavedGeometry = nil
	card.Mode = canvas.ModeNormal

	e.mirrorGeometry("restore", card)
	return nil
}

// HalfScreen sizes a card to roughly half the canvas, placing it on
// the side opposite an existing half-screen card, defaulting to the
// left. Further half-screen cards go to the right.
func (e *Engine) HalfScreen(cardID string) error {
	card, ok := e.layout.Card(cardID)
	if !ok {
		return fmt.Errorf("half-screen %s: %w", cardID, ErrCardNotFound)
	}
	if card.Mode == canvas.ModeHalfScreen {
		return nil
	}

	if card.SavedGeometry == nil {
		saved := card.Geometry
		card.SavedGeometry = &saved
	}
	e.grid.Release(cardID)

	gap := e.cfg.CanvasWidth * 2 / 100
	width := e.cfg.CanvasWidth * 48 / 100
	height := e.cfg.CanvasHeight * 90 / 100
	if height > halfScreenHeightCap {
		height = halfScreenHeightCap
	}

	leftTaken, rightTaken := e.halfScreenSides(cardID)
	x := gap
	if leftTaken && !rightTaken {
		x = e.cfg.CanvasWidth / 2
	} else if leftTaken && rightTaken {
		x = e.cfg.CanvasWidth / 2
	}

	card.Geometry = canvas.Geometry{X: x, Y: gap, Width: width, Height: height}
	card.Mode = canvas.ModeHalfScreen

	e.mirrorGeometry("half-screen", card)
	return nil
}

// Expand sizes a card to most of the canvas, near the origin.
func (e *Engine) Expand(cardID string) error {
	card, ok := e.layout.Card(cardID)
	if !ok {
		return fmt.Errorf("expand %s: %w", cardID, ErrCardNotFound)
	}
	if card.Mode == canvas.ModeExpanded {
		return nil
	}

	if card.SavedGeometry == nil {
		saved := card.Geometry
		card.SavedGeometry = &saved
	}
	e.grid.Release(cardID)

	width := e.cfg.CanvasWidth * 95 / 100
	if width > expandWidthCap {
		width = expandWidthCap
	}
	height := e.cfg.CanvasHeight * 90 / 100
	if height > expandHeightCap {
		height = expandHeightCap
	}

	card.Geometry = canvas.Geometry{X: expandPadding, Y: expandPadding, Width: width, Height: height}
	card.Mode = canvas.ModeExpanded

	e.mirrorGeometry("expand", card)
	return nil
}

// Close removes a card, freeing its grid slot, and mirrors the delete.
func (e *Engine) Close(cardID string) error {
	if _, ok := e.layout.Card(cardID); !ok {
		return fmt.Errorf("close %s: %w", cardID, ErrCardNotFound)
	}
	e.grid.Release(cardID)
	e.layout.Remove(cardID)
	e.mirror.Go("close", cardID, func(ctx context.Context) error {
		return e.port.RemoveCard(ctx, e.tenant, e.region, cardID)
	})
	return nil
}

// Flush waits for outstanding mirror calls. Test hook.
func (e *Engine) Flush() {
	e.mirror.Flush()
}

const (
	halfScreenHeightCap = 900
	expandWidthCap      = 1600
	expandHeightCap     = 1000
	expandPadding       = 20
)

func (e *Engine) gridCols() int {
	cols := e.cfg.CanvasWidth / e.cfg.GridCellWidth
	if cols < 1 {
		cols = 1
	}
	return cols
}

// halfScreenSides reports whether any other card already occupies the
// left or right half-screen position.
func (e *Engine) halfScreenSides(excludeID string) (left, right bool) {
	mid := e.cfg.CanvasWidth / 2
	for _, card := range e.layout.Cards() {
		if card.ID == excludeID || card.Mode != canvas.ModeHalfScreen {
			continue
		}
		if card.X < mid {
			left = true
		} else {
			right = true
		}
	}
	return left, right
}

func (e *Engine) mirrorGeometry(op string, card *canvas.Card) {
	cardID := card.ID
	geom := card.Geometry
	e.mirror.Go(op, cardID, func(ctx context.Context) error {
		pos := geom
		return e.port.UpdateCardSize(ctx, e.tenant, e.region, cardID, geom.Width, geom.Height, &pos)
	})
}
