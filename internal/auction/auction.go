// Package auction holds the data contracts shared by the bidding engine,
// the closing sweep and the stores: lots, bids, payment requests and the
// lot status state machine.
package auction

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a lot.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusActive          Status = "active"
	StatusEnded           Status = "ended"
	StatusSold            Status = "sold"
	StatusAwaitingPayment Status = "awaiting_payment"
)

// transitions lists the allowed moves out of each status. Nothing ever
// returns to active once it has left it.
var transitions = map[Status][]Status{
	StatusDraft:           {StatusActive},
	StatusActive:          {StatusEnded, StatusAwaitingPayment},
	StatusEnded:           {StatusAwaitingPayment},
	StatusAwaitingPayment: {StatusSold},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusEnded, StatusSold, StatusAwaitingPayment:
		return true
	}
	return false
}

// CanTransition reports whether a lot may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned when a lot is asked to make a status
// change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid lot status transition")

// ErrInvalidItem is returned by NewItem when the lot definition breaks an invariant.
var ErrInvalidItem = errors.New("invalid item")

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Item is a single lot up for auction within an Event.
type Item struct {
	ID           string              `db:"id"`
	EventID      string              `db:"event_id"`
	Slug         string              `db:"slug"`
	Title        string              `db:"title"`
	DonorID      *string             `db:"donor_id"`
	WinnerID     *string             `db:"winner_id"`
	StartingBid  decimal.Decimal     `db:"starting_bid"`
	MinIncrement decimal.Decimal     `db:"min_increment"`
	CurrentBid   decimal.Decimal     `db:"current_bid"`
	BuyNowPrice  decimal.NullDecimal `db:"buy_now_price"`
	MarketValue  decimal.NullDecimal `db:"market_value"`
	Status       Status              `db:"status"`
	BidCount     int                 `db:"bid_count"`
	EndsAt       *time.Time          `db:"ends_at"`
	// EventEndsAt is the parent event's deadline, loaded alongside the lot.
	EventEndsAt *time.Time `db:"event_ends_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// NewItemParams describes a lot submitted by a donor or an admin.
type NewItemParams struct {
	EventID      string
	Slug         string
	Title        string
	DonorID      string
	StartingBid  decimal.Decimal
	MinIncrement decimal.Decimal
	BuyNowPrice  decimal.NullDecimal
	MarketValue  decimal.NullDecimal
	EndsAt       *time.Time
}

// NewItem validates p and returns a draft lot.
func NewItem(p NewItemParams) (*Item, error) {
	slug := strings.TrimSpace(p.Slug)
	switch {
	case p.EventID == "":
		return nil, fmt.Errorf("%w: event id is required", ErrInvalidItem)
	case !slugPattern.MatchString(slug):
		return nil, fmt.Errorf("%w: slug %q is not URL-safe", ErrInvalidItem, p.Slug)
	case strings.TrimSpace(p.Title) == "":
		return nil, fmt.Errorf("%w: title is required", ErrInvalidItem)
	case !p.StartingBid.IsPositive():
		return nil, fmt.Errorf("%w: starting bid must be positive", ErrInvalidItem)
	case !p.MinIncrement.IsPositive():
		return nil, fmt.Errorf("%w: minimum increment must be positive", ErrInvalidItem)
	case p.BuyNowPrice.Valid && !p.BuyNowPrice.Decimal.GreaterThan(p.StartingBid):
		return nil, fmt.Errorf("%w: buy-now price must exceed the starting bid", ErrInvalidItem)
	case p.MarketValue.Valid && p.MarketValue.Decimal.IsNegative():
		return nil, fmt.Errorf("%w: market value must not be negative", ErrInvalidItem)
	}

	it := &Item{
		EventID:      p.EventID,
		Slug:         slug,
		Title:        strings.TrimSpace(p.Title),
		StartingBid:  p.StartingBid,
		MinIncrement: p.MinIncrement,
		CurrentBid:   decimal.Zero,
		BuyNowPrice:  p.BuyNowPrice,
		MarketValue:  p.MarketValue,
		Status:       StatusDraft,
		EndsAt:       p.EndsAt,
	}
	if p.DonorID != "" {
		donor := p.DonorID
		it.DonorID = &donor
	}
	return it, nil
}

// EffectiveEndsAt returns the lot's own deadline when set, otherwise the
// parent event's. ok is false when neither exists.
func (i *Item) EffectiveEndsAt() (t time.Time, ok bool) {
	if i.EndsAt != nil {
		return *i.EndsAt, true
	}
	if i.EventEndsAt != nil {
		return *i.EventEndsAt, true
	}
	return time.Time{}, false
}

// Expired reports whether the lot's effective deadline is at or before now.
func (i *Item) Expired(now time.Time) bool {
	t, ok := i.EffectiveEndsAt()
	return ok && !t.After(now)
}

// HasBids reports whether any bid has moved the price.
func (i *Item) HasBids() bool {
	return i.CurrentBid.IsPositive()
}

// HasBuyNow reports whether the lot offers an immediate-purchase price.
func (i *Item) HasBuyNow() bool {
	return i.BuyNowPrice.Valid && i.BuyNowPrice.Decimal.IsPositive()
}

// IsDonor reports whether userID donated the lot.
func (i *Item) IsDonor(userID string) bool {
	return i.DonorID != nil && *i.DonorID == userID
}

// MinimumNextBid is the smallest amount an ordinary bid may offer.
func (i *Item) MinimumNextBid() decimal.Decimal {
	if !i.HasBids() {
		return i.StartingBid
	}
	return i.CurrentBid.Add(i.MinIncrement)
}

// Event is a named auction occasion containing many lots.
type Event struct {
	ID        string     `db:"id"`
	Slug      string     `db:"slug"`
	Name      string     `db:"name"`
	StartsAt  *time.Time `db:"starts_at"`
	EndsAt    *time.Time `db:"ends_at"`
	CreatedAt time.Time  `db:"created_at"`
}

// Bid is an accepted bid. Bids are never updated once written.
type Bid struct {
	ID        string          `db:"id"`
	ItemID    string          `db:"item_id"`
	UserID    string          `db:"user_id"`
	Amount    decimal.Decimal `db:"amount"`
	IsBuyNow  bool            `db:"is_buy_now"`
	CreatedAt time.Time       `db:"created_at"`
}

// Outranks reports whether a beats b for the win: higher amount first,
// then the earlier bid, then the lower id so the order is total.
func Outranks(a, b Bid) bool {
	if c := a.Amount.Cmp(b.Amount); c != 0 {
		return c > 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// HighestBid returns the winning bid among bids, or nil when there are none.
func HighestBid(bids []Bid) *Bid {
	var best *Bid
	for i := range bids {
		if best == nil || Outranks(bids[i], *best) {
			best = &bids[i]
		}
	}
	return best
}

// PaymentStatus is the state of a payment request.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:   {PaymentCompleted, PaymentFailed},
	PaymentFailed:    {PaymentCompleted},
	PaymentCompleted: {PaymentRefunded},
}

// CanSettle reports whether a payment request may move from one status to another.
func CanSettle(from, to PaymentStatus) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PaymentRequest asks the winner of a lot to pay. There is at most one per lot
// and Amount is fixed at creation.
type PaymentRequest struct {
	ID             string              `db:"id"`
	ItemID         string              `db:"item_id"`
	BidID          string              `db:"bid_id"`
	WinnerID       string              `db:"winner_id"`
	Amount         decimal.Decimal     `db:"amount"`
	Status         PaymentStatus       `db:"status"`
	GiftAidClaimed bool                `db:"gift_aid_claimed"`
	GiftAidAmount  decimal.NullDecimal `db:"gift_aid_amount"`
	CreatedAt      time.Time           `db:"created_at"`
	UpdatedAt      time.Time           `db:"updated_at"`
}

// NewPaymentRequest builds the pending request for a winning bid.
func NewPaymentRequest(winner Bid, at time.Time) *PaymentRequest {
	return &PaymentRequest{
		ItemID:    winner.ItemID,
		BidID:     winner.ID,
		WinnerID:  winner.UserID,
		Amount:    winner.Amount,
		Status:    PaymentPending,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// FormatGBP renders an amount as pounds sterling.
func FormatGBP(d decimal.Decimal) string {
	return "£" + d.StringFixed(2)
}
