package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/charity-auction/internal/auction"
)

const paymentSelect = `SELECT id, item_id, bid_id, winner_id, amount, status,
	gift_aid_claimed, gift_aid_amount, created_at, updated_at FROM payment_requests`

// PaymentRepo implements store.PaymentRepository with sqlx.
type PaymentRepo struct {
	db *sqlx.DB
}

// NewPaymentRepo returns a new PaymentRepo.
func NewPaymentRepo(db *sqlx.DB) *PaymentRepo {
	return &PaymentRepo{db: db}
}

func (r *PaymentRepo) GetByID(ctx context.Context, id string) (*auction.PaymentRequest, error) {
	var pr auction.PaymentRequest
	if err := r.db.GetContext(ctx, &pr, paymentSelect+` WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("getting payment request %s: %w", id, mapError(err))
	}
	return &pr, nil
}

func (r *PaymentRepo) GetByItem(ctx context.Context, itemID string) (*auction.PaymentRequest, error) {
	var pr auction.PaymentRequest
	if err := r.db.GetContext(ctx, &pr, paymentSelect+` WHERE item_id = $1`, itemID); err != nil {
		return nil, fmt.Errorf("payment request for item %s: %w", itemID, mapError(err))
	}
	return &pr, nil
}

func (r *PaymentRepo) SetStatus(ctx context.Context, id string, from, to auction.PaymentStatus, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payment_requests SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, at, id, from,
	)
	if err != nil {
		return fmt.Errorf("moving payment request %s to %s: %w", id, to, mapError(err))
	}
	return expectOne(ctx, r.db, res, "payment_requests", id)
}

func (r *PaymentRepo) RecordGiftAid(ctx context.Context, id string, amount decimal.Decimal, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payment_requests SET gift_aid_claimed = TRUE, gift_aid_amount = $1, updated_at = $2
		  WHERE id = $3`,
		amount, at, id,
	)
	if err != nil {
		return fmt.Errorf("recording gift aid on %s: %w", id, mapError(err))
	}
	return expectOne(ctx, r.db, res, "payment_requests", id)
}
