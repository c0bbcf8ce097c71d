package canvas

import "errors"

// ErrGridFull is returned when every slot within the caller-imposed
// row/column bounds is occupied. The caller must surface this before
// mutating any card state.
var ErrGridFull = errors.New("no free grid slot")

// Slot is a discrete grid cell reserved for a minimized card.
type Slot struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// SlotRegistry maps card ids to occupied grid cells. A cell is freed
// exactly when its owning card leaves minimized mode or is deleted.
// Not safe for concurrent use.
type SlotRegistry struct {
	slots map[string]Slot
}

func NewSlotRegistry() *SlotRegistry {
	return &SlotRegistry{slots: map[string]Slot{}}
}

// FindFreeSlot scans row-major from (0,0) and returns the first cell
// not currently occupied. cols and maxRows bound the scan; exhaustion
// returns ErrGridFull.
func (r *SlotRegistry) FindFreeSlot(cols, maxRows int) (Slot, error) {
	if cols < 1 {
		cols = 1
	}
	occupied := make(map[Slot]bool, len(r.slots))
	for _, slot := range r.slots {
		occupied[slot] = true
	}
	for row := 0; row < maxRows; row++ {
		for col := 0; col < cols; col++ {
			slot := Slot{Row: row, Col: col}
			if !occupied[slot] {
				return slot, nil
			}
		}
	}
	return Slot{}, ErrGridFull
}

// Assign records cardID as the occupant of slot, replacing any
// previous assignment for that card.
func (r *SlotRegistry) Assign(cardID string, slot Slot) {
	r.slots[cardID] = slot
}

// Release frees the slot held by cardID; idempotent if absent.
func (r *SlotRegistry) Release(cardID string) {
	delete(r.slots, cardID)
}

// SlotOf returns the slot occupied by cardID, if any.
func (r *SlotRegistry) SlotOf(cardID string) (Slot, bool) {
	slot, ok := r.slots[cardID]
	return slot, ok
}

func (r *SlotRegistry) Len() int {
	return len(r.slots)
}
