package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/charity-auction/internal/auction"
	"github.com/jensholdgaard/charity-auction/internal/clock"
)

// EventRepo implements store.EventRepository with sqlx.
type EventRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewEventRepo returns a new EventRepo.
func NewEventRepo(db *sqlx.DB, clk clock.Clock) *EventRepo {
	return &EventRepo{db: db, clock: clk}
}

func (r *EventRepo) Create(ctx context.Context, e *auction.Event) error {
	e.CreatedAt = r.clock.Now().UTC()
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO events (slug, name, starts_at, ends_at, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		e.Slug, e.Name, e.StartsAt, e.EndsAt, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("creating event: %w", mapError(err))
	}
	return nil
}

func (r *EventRepo) GetByID(ctx context.Context, id string) (*auction.Event, error) {
	var e auction.Event
	err := r.db.GetContext(ctx, &e,
		`SELECT id, slug, name, starts_at, ends_at, created_at FROM events WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("getting event %s: %w", id, mapError(err))
	}
	return &e, nil
}

func (r *EventRepo) Open(ctx context.Context, id string, at time.Time) (int, error) {
	if _, err := r.GetByID(ctx, id); err != nil {
		return 0, fmt.Errorf("opening event: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE items SET status = 'active', updated_at = $1 WHERE event_id = $2 AND status = 'draft'`,
		at, id,
	)
	if err != nil {
		return 0, fmt.Errorf("opening event %s: %w", id, mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return int(n), nil
}
