// Package intent is the typed command channel between the UI layer and
// the canvas engines. It replaces the ambient event bus the dashboard
// used to dispatch card actions: intents are a closed union consumed by
// one dispatcher per region, and completion/failure notifications flow
// back on an explicit channel.
package intent

import "canvasd/api/internal/canvas"

// Intent is a card-scoped action requested by the UI layer. The set of
// implementations is closed; the dispatcher handler switches
// exhaustively over them.
type Intent interface {
	isIntent()
}

type AddCard struct {
	CardType string
	// Position is optional; nil means default placement.
	Position *canvas.Geometry
}

type Minimize struct {
	CardID string
}

type Restore struct {
	CardID string
}

type HalfScreen struct {
	CardID string
}

type Expand struct {
	CardID string
}

type Close struct {
	CardID string
}

func (AddCard) isIntent()    {}
func (Minimize) isIntent()   {}
func (Restore) isIntent()    {}
func (HalfScreen) isIntent() {}
func (Expand) isIntent()     {}
func (Close) isIntent()      {}

// Result carries the synchronous outcome of an intent. CardID is the
// id the intent acted on (freshly assigned for AddCard).
type Result struct {
	CardID string
}

// Notification reports the asynchronous fate of a mirrored mutation.
// Retryable failures carry the original operation as a Retry closure so
// the consumer can re-issue it verbatim.
type Notification struct {
	Region    string
	CardID    string
	Op        string
	Err       error
	Retryable bool
	Retry     func()
}
