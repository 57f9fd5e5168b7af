package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/charity-auction/internal/auction"
)

// Errors shared by every driver.
var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrStale is returned when a conditional update matched no row because
	// the row no longer holds the expected price or status.
	ErrStale = errors.New("stale row: state changed concurrently")
	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("duplicate")
)

// ItemRepository persists lots. Every mutation is a conditional update on
// the lot's expected state; the lot row is the unit of mutual exclusion.
type ItemRepository interface {
	Create(ctx context.Context, it *auction.Item) error
	GetByID(ctx context.Context, id string) (*auction.Item, error)
	GetBySlug(ctx context.Context, slug string) (*auction.Item, error)
	// ListExpired returns active lots whose effective deadline (own ends_at,
	// else the event's) is at or before now, oldest deadline first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]auction.Item, error)
	// ListUnfinalizedBuyNow returns ended lots that have a winner but no
	// payment request yet.
	ListUnfinalizedBuyNow(ctx context.Context, limit int) ([]auction.Item, error)
	// CommitBid applies an accepted bid: it moves current_bid from
	// expectedCurrent to bid.Amount, bumps bid_count and appends the bid in
	// one transaction. A buy-now commit also ends the lot and records the
	// winner. ErrStale means the lot was not active at expectedCurrent.
	CommitBid(ctx context.Context, bid *auction.Bid, expectedCurrent decimal.Decimal, buyNow bool) error
	// CloseUnsold moves an active lot with no bids to ended.
	CloseUnsold(ctx context.Context, id string, at time.Time) error
	// CloseWithWinner moves a lot from fromStatus to awaiting_payment, sets
	// the winner and inserts the payment request in one transaction. The lot
	// must still be priced at pr.Amount, so a bid that lands between reading
	// the winner and closing makes the close stale.
	CloseWithWinner(ctx context.Context, id string, from auction.Status, pr *auction.PaymentRequest) error
	// SetStatus moves a lot between two statuses conditionally. Moves the
	// lifecycle does not allow fail with auction.ErrInvalidTransition.
	SetStatus(ctx context.Context, id string, from, to auction.Status, at time.Time) error
}

// BidRepository reads the append-only bid ledger.
type BidRepository interface {
	// Highest returns the winning bid: max amount, earliest created_at,
	// lowest id. ErrNotFound when the lot has no bids.
	Highest(ctx context.Context, itemID string) (*auction.Bid, error)
	ListByItem(ctx context.Context, itemID string) ([]auction.Bid, error)
}

// PaymentRepository persists payment requests.
type PaymentRepository interface {
	GetByID(ctx context.Context, id string) (*auction.PaymentRequest, error)
	GetByItem(ctx context.Context, itemID string) (*auction.PaymentRequest, error)
	SetStatus(ctx context.Context, id string, from, to auction.PaymentStatus, at time.Time) error
	RecordGiftAid(ctx context.Context, id string, amount decimal.Decimal, at time.Time) error
}

// EventRepository persists auction events (occasions).
type EventRepository interface {
	Create(ctx context.Context, e *auction.Event) error
	GetByID(ctx context.Context, id string) (*auction.Event, error)
	// Open activates every draft lot of the event and returns how many moved.
	Open(ctx context.Context, id string, at time.Time) (int, error)
}

// SettingsRepository exposes site-wide switches.
type SettingsRepository interface {
	// AutoPaymentRequests returns the flag and whether it has been set.
	AutoPaymentRequests(ctx context.Context) (enabled bool, ok bool, err error)
	SetAutoPaymentRequests(ctx context.Context, enabled bool) error
}
