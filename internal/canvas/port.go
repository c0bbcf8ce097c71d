package canvas

import "context"

// PersistencePort mirrors optimistic local mutations to durable
// storage. Calls are fire-and-forget from the engines' perspective but
// return an error the mirror writer classifies: wrap ErrValidation for
// payload-caused failures, return any other error for transport/server
// failures.
type PersistencePort interface {
	AddCard(ctx context.Context, tenant, region string, card Card) error
	UpdateCardPosition(ctx context.Context, tenant, region, cardID string, x, y int) error
	// UpdateCardSize optionally carries a new position when a resize is
	// accompanied by a move (minimize, half-screen, expand).
	UpdateCardSize(ctx context.Context, tenant, region, cardID string, width, height int, position *Geometry) error
	RemoveCard(ctx context.Context, tenant, region, cardID string) error
}
