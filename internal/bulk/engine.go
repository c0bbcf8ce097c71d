// Package bulk applies one logical action to a set of cards, records
// it in a bounded undo history, and supports drag-box and heuristic
// selection.
package bulk

import (
	"context"
	"log"
	"time"

	"canvasd/api/internal/canvas"
	"canvasd/api/internal/mirror"
	"canvasd/api/internal/util"
)

// Engine executes bulk actions over one region's layout. It is not
// safe for concurrent use; the region dispatcher serializes calls.
type Engine struct {
	tenant string
	region string

	layout *canvas.Layout
	grid   *canvas.SlotRegistry
	port   canvas.PersistencePort
	mirror *mirror.Writer

	capacity      int
	nearbyRadius  float64
	sizeTolerance int

	selection map[string]struct{}
	history   []Operation

	box       *canvas.Rect
	boxAnchor canvas.Rect

	now   func() time.Time
	newID func() string
}

type Options struct {
	HistoryCapacity int
	NearbyRadius    float64
	SizeTolerance   int
}

func New(tenant, region string, lay *canvas.Layout, grid *canvas.SlotRegistry, port canvas.PersistencePort, w *mirror.Writer, opts Options) *Engine {
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = 50
	}
	if opts.NearbyRadius <= 0 {
		opts.NearbyRadius = 300
	}
	if opts.SizeTolerance <= 0 {
		opts.SizeTolerance = 40
	}
	return &Engine{
		tenant:        tenant,
		region:        region,
		layout:        lay,
		grid:          grid,
		port:          port,
		mirror:        w,
		capacity:      opts.HistoryCapacity,
		nearbyRadius:  opts.NearbyRadius,
		sizeTolerance: opts.SizeTolerance,
		selection:     map[string]struct{}{},
		now:           time.Now,
		newID:         func() string { return util.NewID("op") },
	}
}

// resolve returns the live targets for an action: the explicit id set,
// or the current selection when ids is empty.
func (e *Engine) resolve(ids []string) []*canvas.Card {
	if len(ids) == 0 {
		ids = make([]string, 0, len(e.selection))
		for id := range e.selection {
			ids = append(ids, id)
		}
	}
	targets := make([]*canvas.Card, 0, len(ids))
	for _, id := range ids {
		if card, ok := e.layout.Card(id); ok {
			targets = append(targets, card)
		}
	}
	return targets
}

func unlocked(cards []*canvas.Card) []*canvas.Card {
	out := cards[:0:0]
	for _, card := range cards {
		if !card.Locked {
			out = append(out, card)
		}
	}
	return out
}

// Move shifts the target cards by (dx, dy). Locked cards are skipped.
func (e *Engine) Move(ids []string, dx, dy int) {
	targets := unlocked(e.resolve(ids))
	if len(targets) == 0 {
		return
	}
	moved := make([]string, 0, len(targets))
	for _, card := range targets {
		card.X += dx
		card.Y += dy
		moved = append(moved, card.ID)
		e.mirrorPosition(card)
	}
	e.record(Operation{Type: OpMove, CardIDs: moved, Data: OpData{DX: dx, DY: dy}})
}

// Resize grows the target cards by (dw, dh). Locked cards are skipped,
// as is any card the delta would shrink out of existence.
func (e *Engine) Resize(ids []string, dw, dh int) {
	targets := unlocked(e.resolve(ids))
	resized := make([]string, 0, len(targets))
	for _, card := range targets {
		if card.Width+dw <= 0 || card.Height+dh <= 0 {
			continue
		}
		card.Width += dw
		card.Height += dh
		resized = append(resized, card.ID)
		e.mirrorSize(card)
	}
	if len(resized) == 0 {
		return
	}
	e.record(Operation{Type: OpResize, CardIDs: resized, Data: OpData{DW: dw, DH: dh}})
}

// Lock marks the target cards as excluded from move/resize/delete.
func (e *Engine) Lock(ids []string) {
	targets := e.resolve(ids)
	if len(targets) == 0 {
		return
	}
	locked := make([]string, 0, len(targets))
	for _, card := range targets {
		card.Locked = true
		locked = append(locked, card.ID)
	}
	e.record(Operation{Type: OpLock, CardIDs: locked})
}

// Unlock clears the lock flag on the target cards.
func (e *Engine) Unlock(ids []string) {
	targets := e.resolve(ids)
	if len(targets) == 0 {
		return
	}
	unlockedIDs := make([]string, 0, len(targets))
	for _, card := range targets {
		card.Locked = false
		unlockedIDs = append(unlockedIDs, card.ID)
	}
	e.record(Operation{Type: OpUnlock, CardIDs: unlockedIDs})
}

// Group assigns a fresh shared group id to the targets. Fewer than two
// targets is a no-op.
func (e *Engine) Group(ids []string) {
	targets := e.resolve(ids)
	if len(targets) < 2 {
		return
	}
	groupID := util.NewID("grp")
	grouped := make([]string, 0, len(targets))
	for _, card := range targets {
		card.GroupID = groupID
		grouped = append(grouped, card.ID)
	}
	e.record(Operation{Type: OpGroup, CardIDs: grouped, Data: OpData{GroupID: groupID}})
}

// Ungroup clears group membership on the targets.
func (e *Engine) Ungroup(ids []string) {
	targets := e.resolve(ids)
	if len(targets) == 0 {
		return
	}
	ungrouped := make([]string, 0, len(targets))
	for _, card := range targets {
		card.GroupID = ""
		ungrouped = append(ungrouped, card.ID)
	}
	e.record(Operation{Type: OpUngroup, CardIDs: ungrouped})
}

// Duplicate inserts an offset copy of each target card. The copies'
// identities are not retained, so duplicate cannot be undone.
func (e *Engine) Duplicate(ids []string) {
	targets := e.resolve(ids)
	if len(targets) == 0 {
		return
	}
	duplicated := make([]string, 0, len(targets))
	for _, card := range targets {
		copied := *card
		copied.ID = util.NewID("card")
		copied.Locked = false
		copied.GroupID = ""
		copied.SavedGeometry = nil
		copied.Mode = canvas.ModeNormal
		copied.X += duplicateOffset
		copied.Y += duplicateOffset
		if err := e.layout.Add(&copied); err != nil {
			log.Printf("bulk duplicate %s: %v", card.ID, err)
			continue
		}
		duplicated = append(duplicated, card.ID)
		snapshot := copied
		e.mirror.Go("duplicate", snapshot.ID, func(ctx context.Context) error {
			return e.port.AddCard(ctx, e.tenant, e.region, snapshot)
		})
	}
	if len(duplicated) == 0 {
		return
	}
	e.record(Operation{Type: OpDuplicate, CardIDs: duplicated})
}

// Delete removes the target cards, freeing any grid slots they held.
// Locked cards are skipped. The deleted cards' data is not retained,
// so delete cannot be undone.
func (e *Engine) Delete(ids []string) {
	targets := unlocked(e.resolve(ids))
	if len(targets) == 0 {
		return
	}
	deleted := make([]string, 0, len(targets))
	for _, card := range targets {
		cardID := card.ID
		e.grid.Release(cardID)
		e.layout.Remove(cardID)
		delete(e.selection, cardID)
		deleted = append(deleted, cardID)
		e.mirror.Go("delete", cardID, func(ctx context.Context) error {
			return e.port.RemoveCard(ctx, e.tenant, e.region, cardID)
		})
	}
	e.record(Operation{Type: OpDelete, CardIDs: deleted})
}

// Undo pops the newest operation and applies its structural inverse.
// Delete and duplicate are not invertible; undoing them logs, pops the
// entry, and changes nothing else.
func (e *Engine) Undo() (Operation, bool) {
	if len(e.history) == 0 {
		return Operation{}, false
	}
	op := e.history[0]
	e.history = e.history[1:]

	switch op.Type {
	case OpMove:
		for _, card := range e.resolve(op.CardIDs) {
			card.X -= op.Data.DX
			card.Y -= op.Data.DY
			e.mirrorPosition(card)
		}
	case OpResize:
		for _, card := range e.resolve(op.CardIDs) {
			card.Width -= op.Data.DW
			card.Height -= op.Data.DH
			e.mirrorSize(card)
		}
	case OpLock:
		for _, card := range e.resolve(op.CardIDs) {
			card.Locked = false
		}
	case OpUnlock:
		for _, card := range e.resolve(op.CardIDs) {
			card.Locked = true
		}
	case OpGroup:
		for _, card := range e.resolve(op.CardIDs) {
			card.GroupID = ""
		}
	case OpUngroup:
		groupID := util.NewID("grp")
		for _, card := range e.resolve(op.CardIDs) {
			card.GroupID = groupID
		}
	default:
		log.Printf("bulk undo: operation %s (%s) is not invertible, dropping", op.ID, op.Type)
	}
	return op, true
}

// History returns the undo entries, newest first.
func (e *Engine) History() []Operation {
	out := make([]Operation, len(e.history))
	copy(out, e.history)
	return out
}

// ClearHistory drops every undo entry.
func (e *Engine) ClearHistory() {
	e.history = nil
}

// Flush waits for outstanding mirror calls. Test hook.
func (e *Engine) Flush() {
	e.mirror.Flush()
}

const duplicateOffset = 16

func (e *Engine) record(op Operation) {
	op.ID = e.newID()
	op.Timestamp = e.now()
	e.history = append([]Operation{op}, e.history...)
	if len(e.history) > e.capacity {
		e.history = e.history[:e.capacity]
	}
}

func (e *Engine) mirrorPosition(card *canvas.Card) {
	cardID, x, y := card.ID, card.X, card.Y
	e.mirror.Go("move", cardID, func(ctx context.Context) error {
		return e.port.UpdateCardPosition(ctx, e.tenant, e.region, cardID, x, y)
	})
}

func (e *Engine) mirrorSize(card *canvas.Card) {
	cardID, w, h := card.ID, card.Width, card.Height
	e.mirror.Go("resize", cardID, func(ctx context.Context) error {
		return e.port.UpdateCardSize(ctx, e.tenant, e.region, cardID, w, h, nil)
	})
}
