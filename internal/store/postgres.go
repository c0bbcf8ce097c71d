package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"canvasd/api/internal/canvas"
)

// PostgresStore is the durable side of the card persistence port.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AddCard upserts a card row. Re-inserting the same id is treated as a
// reconciling update, which keeps optimistic retries idempotent.
func (s *PostgresStore) AddCard(ctx context.Context, tenant, region string, card canvas.Card) error {
	var savedX, savedY, savedW, savedH *int
	if saved := card.SavedGeometry; saved != nil {
		savedX, savedY, savedW, savedH = &saved.X, &saved.Y, &saved.Width, &saved.Height
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dashboard_cards
			(tenant_id, region_id, card_id, card_type, x, y, width, height, mode, locked, group_id,
			 saved_x, saved_y, saved_width, saved_height)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (tenant_id, region_id, card_id) DO UPDATE SET
			card_type = EXCLUDED.card_type,
			x = EXCLUDED.x, y = EXCLUDED.y,
			width = EXCLUDED.width, height = EXCLUDED.height,
			mode = EXCLUDED.mode, locked = EXCLUDED.locked, group_id = EXCLUDED.group_id,
			saved_x = EXCLUDED.saved_x, saved_y = EXCLUDED.saved_y,
			saved_width = EXCLUDED.saved_width, saved_height = EXCLUDED.saved_height,
			updated_at = NOW()
	`, tenant, region, card.ID, card.Type, card.X, card.Y, card.Width, card.Height,
		string(card.Mode), card.Locked, card.GroupID, savedX, savedY, savedW, savedH)
	if err != nil {
		return classify("insert card", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCardPosition(ctx context.Context, tenant, region, cardID string, x, y int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dashboard_cards SET x = $4, y = $5, updated_at = NOW()
		WHERE tenant_id = $1 AND region_id = $2 AND card_id = $3
	`, tenant, region, cardID, x, y)
	if err != nil {
		return classify("update card position", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCardSize(ctx context.Context, tenant, region, cardID string, width, height int, position *canvas.Geometry) error {
	var err error
	if position != nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE dashboard_cards SET width = $4, height = $5, x = $6, y = $7, updated_at = NOW()
			WHERE tenant_id = $1 AND region_id = $2 AND card_id = $3
		`, tenant, region, cardID, width, height, position.X, position.Y)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE dashboard_cards SET width = $4, height = $5, updated_at = NOW()
			WHERE tenant_id = $1 AND region_id = $2 AND card_id = $3
		`, tenant, region, cardID, width, height)
	}
	if err != nil {
		return classify("update card size", err)
	}
	return nil
}

func (s *PostgresStore) RemoveCard(ctx context.Context, tenant, region, cardID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM dashboard_cards
		WHERE tenant_id = $1 AND region_id = $2 AND card_id = $3
	`, tenant, region, cardID)
	if err != nil {
		return classify("remove card", err)
	}
	return nil
}

// LoadLayout returns every card of a region for engine hydration.
func (s *PostgresStore) LoadLayout(ctx context.Context, tenant, region string) ([]canvas.Card, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT card_id, card_type, x, y, width, height, mode, locked, group_id,
		       saved_x, saved_y, saved_width, saved_height
		FROM dashboard_cards
		WHERE tenant_id = $1 AND region_id = $2
		ORDER BY created_at
	`, tenant, region)
	if err != nil {
		return nil, fmt.Errorf("load layout: %w", err)
	}
	defer rows.Close()

	var cards []canvas.Card
	for rows.Next() {
		var card canvas.Card
		var mode string
		var savedX, savedY, savedW, savedH sql.NullInt64
		if err := rows.Scan(&card.ID, &card.Type, &card.X, &card.Y, &card.Width, &card.Height,
			&mode, &card.Locked, &card.GroupID, &savedX, &savedY, &savedW, &savedH); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		card.Mode = canvas.Mode(mode)
		if savedX.Valid && savedY.Valid && savedW.Valid && savedH.Valid {
			card.SavedGeometry = &canvas.Geometry{
				X:      int(savedX.Int64),
				Y:      int(savedY.Int64),
				Width:  int(savedW.Int64),
				Height: int(savedH.Int64),
			}
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load layout: %w", err)
	}
	return cards, nil
}

// classify wraps integrity and data errors as validation-class so the
// mirror writer treats the optimistic local state as authoritative.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23") {
			return fmt.Errorf("%s: %w: %s", op, canvas.ErrValidation, pgErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
