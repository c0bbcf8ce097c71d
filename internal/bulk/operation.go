package bulk

import "time"

// OpType tags an undo-history entry.
type OpType string

const (
	OpMove      OpType = "move"
	OpResize    OpType = "resize"
	OpGroup     OpType = "group"
	OpUngroup   OpType = "ungroup"
	OpLock      OpType = "lock"
	OpUnlock    OpType = "unlock"
	OpDuplicate OpType = "duplicate"
	OpDelete    OpType = "delete"
)

// OpData holds the per-type payload needed to invert an operation.
type OpData struct {
	DX      int    `json:"dx,omitempty"`
	DY      int    `json:"dy,omitempty"`
	DW      int    `json:"dw,omitempty"`
	DH      int    `json:"dh,omitempty"`
	GroupID string `json:"groupId,omitempty"`
}

// Operation is one undo-history entry. CardIDs lists the cards the
// action actually changed.
type Operation struct {
	ID        string    `json:"id"`
	Type      OpType    `json:"type"`
	CardIDs   []string  `json:"cardIds"`
	Data      OpData    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}
