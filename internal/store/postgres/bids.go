package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/charity-auction/internal/auction"
)

// BidRepo implements store.BidRepository with sqlx.
type BidRepo struct {
	db *sqlx.DB
}

// NewBidRepo returns a new BidRepo.
func NewBidRepo(db *sqlx.DB) *BidRepo {
	return &BidRepo{db: db}
}

func (r *BidRepo) Highest(ctx context.Context, itemID string) (*auction.Bid, error) {
	var b auction.Bid
	err := r.db.GetContext(ctx, &b,
		`SELECT id, item_id, user_id, amount, is_buy_now, created_at
		   FROM bids WHERE item_id = $1
		  ORDER BY amount DESC, created_at ASC, id ASC
		  LIMIT 1`, itemID)
	if err != nil {
		return nil, fmt.Errorf("highest bid for item %s: %w", itemID, mapError(err))
	}
	return &b, nil
}

func (r *BidRepo) ListByItem(ctx context.Context, itemID string) ([]auction.Bid, error) {
	var bids []auction.Bid
	err := r.db.SelectContext(ctx, &bids,
		`SELECT id, item_id, user_id, amount, is_buy_now, created_at
		   FROM bids WHERE item_id = $1 ORDER BY created_at ASC, id ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("listing bids for item %s: %w", itemID, mapError(err))
	}
	return bids, nil
}
