package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/charity-auction/internal/auction"
	"github.com/jensholdgaard/charity-auction/internal/clock"
)

const itemColumns = `i.id, i.event_id, i.slug, i.title, i.donor_id, i.winner_id,
	i.starting_bid, i.min_increment, i.current_bid, i.buy_now_price, i.market_value,
	i.status, i.bid_count, i.ends_at, e.ends_at AS event_ends_at, i.created_at, i.updated_at`

const itemSelect = `SELECT ` + itemColumns + ` FROM items i JOIN events e ON e.id = i.event_id`

// ItemRepo implements store.ItemRepository with sqlx.
type ItemRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewItemRepo returns a new ItemRepo.
func NewItemRepo(db *sqlx.DB, clk clock.Clock) *ItemRepo {
	return &ItemRepo{db: db, clock: clk}
}

func (r *ItemRepo) Create(ctx context.Context, it *auction.Item) error {
	now := r.clock.Now().UTC()
	it.CreatedAt = now
	it.UpdatedAt = now
	if it.Status == "" {
		it.Status = auction.StatusDraft
	}
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO items (event_id, slug, title, donor_id, starting_bid, min_increment,
		                    current_bid, buy_now_price, market_value, status, ends_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id`,
		it.EventID, it.Slug, it.Title, it.DonorID, it.StartingBid, it.MinIncrement,
		it.CurrentBid, it.BuyNowPrice, it.MarketValue, it.Status, it.EndsAt, it.CreatedAt, it.UpdatedAt,
	).Scan(&it.ID)
	if err != nil {
		return fmt.Errorf("creating item: %w", mapError(err))
	}
	return nil
}

func (r *ItemRepo) GetByID(ctx context.Context, id string) (*auction.Item, error) {
	var it auction.Item
	if err := r.db.GetContext(ctx, &it, itemSelect+` WHERE i.id = $1`, id); err != nil {
		return nil, fmt.Errorf("getting item %s: %w", id, mapError(err))
	}
	return &it, nil
}

func (r *ItemRepo) GetBySlug(ctx context.Context, slug string) (*auction.Item, error) {
	var it auction.Item
	if err := r.db.GetContext(ctx, &it, itemSelect+` WHERE i.slug = $1`, slug); err != nil {
		return nil, fmt.Errorf("getting item by slug %q: %w", slug, mapError(err))
	}
	return &it, nil
}

func (r *ItemRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]auction.Item, error) {
	var items []auction.Item
	err := r.db.SelectContext(ctx, &items,
		itemSelect+`
		 WHERE i.status = 'active' AND COALESCE(i.ends_at, e.ends_at) <= $1
		 ORDER BY COALESCE(i.ends_at, e.ends_at) ASC, i.id ASC
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired items: %w", err)
	}
	return items, nil
}

func (r *ItemRepo) ListUnfinalizedBuyNow(ctx context.Context, limit int) ([]auction.Item, error) {
	var items []auction.Item
	err := r.db.SelectContext(ctx, &items,
		itemSelect+`
		 WHERE i.status = 'ended' AND i.winner_id IS NOT NULL
		   AND NOT EXISTS (SELECT 1 FROM payment_requests p WHERE p.item_id = i.id)
		 ORDER BY i.updated_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unfinalized buy-now items: %w", err)
	}
	return items, nil
}

func (r *ItemRepo) CommitBid(ctx context.Context, bid *auction.Bid, expectedCurrent decimal.Decimal, buyNow bool) error {
	if bid.CreatedAt.IsZero() {
		bid.CreatedAt = r.clock.Now().UTC()
	}
	bid.IsBuyNow = buyNow

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE items
		    SET current_bid = $1,
		        bid_count   = bid_count + 1,
		        updated_at  = $2,
		        status      = CASE WHEN $3::boolean THEN 'ended' ELSE status END,
		        winner_id   = CASE WHEN $3::boolean THEN $4::text ELSE winner_id END
		  WHERE id = $5 AND status = 'active' AND current_bid = $6 AND $1 > current_bid`,
		bid.Amount, bid.CreatedAt, buyNow, bid.UserID, bid.ItemID, expectedCurrent,
	)
	if err != nil {
		return fmt.Errorf("committing bid on item %s: %w", bid.ItemID, mapError(err))
	}
	if err := expectOne(ctx, tx, res, "items", bid.ItemID); err != nil {
		return fmt.Errorf("committing bid: %w", err)
	}

	err = tx.QueryRowxContext(ctx,
		`INSERT INTO bids (item_id, user_id, amount, is_buy_now, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		bid.ItemID, bid.UserID, bid.Amount, bid.IsBuyNow, bid.CreatedAt,
	).Scan(&bid.ID)
	if err != nil {
		return fmt.Errorf("inserting bid: %w", mapError(err))
	}

	return tx.Commit()
}

func (r *ItemRepo) CloseUnsold(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE items SET status = 'ended', updated_at = $1
		  WHERE id = $2 AND status = 'active' AND bid_count = 0`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("closing item %s: %w", id, mapError(err))
	}
	return expectOne(ctx, r.db, res, "items", id)
}

func (r *ItemRepo) CloseWithWinner(ctx context.Context, id string, from auction.Status, pr *auction.PaymentRequest) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE items SET status = 'awaiting_payment', winner_id = $1, updated_at = $2
		  WHERE id = $3 AND status = $4 AND current_bid = $5`,
		pr.WinnerID, pr.CreatedAt, id, from, pr.Amount,
	)
	if err != nil {
		return fmt.Errorf("closing item %s: %w", id, mapError(err))
	}
	if err := expectOne(ctx, tx, res, "items", id); err != nil {
		return fmt.Errorf("closing item: %w", err)
	}

	err = tx.QueryRowxContext(ctx,
		`INSERT INTO payment_requests (item_id, bid_id, winner_id, amount, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		pr.ItemID, pr.BidID, pr.WinnerID, pr.Amount, pr.Status, pr.CreatedAt, pr.UpdatedAt,
	).Scan(&pr.ID)
	if err != nil {
		return fmt.Errorf("creating payment request for item %s: %w", id, mapError(err))
	}

	return tx.Commit()
}

func (r *ItemRepo) SetStatus(ctx context.Context, id string, from, to auction.Status, at time.Time) error {
	if !auction.CanTransition(from, to) {
		return fmt.Errorf("moving item %s: %w: %s -> %s", id, auction.ErrInvalidTransition, from, to)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE items SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, at, id, from,
	)
	if err != nil {
		return fmt.Errorf("moving item %s to %s: %w", id, to, mapError(err))
	}
	return expectOne(ctx, r.db, res, "items", id)
}
