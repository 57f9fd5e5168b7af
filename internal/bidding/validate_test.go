package bidding_test

import (
	"errors"
	"testing"

	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/charity-auction/internal/auction"
	"github.com/jensholdgaard/charity-auction/internal/bidding"
)

func gbp(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func activeItem() *auction.Item {
	donor := "donor-1"
	return &auction.Item{
		ID:           "item-1",
		Slug:         "signed-shirt",
		DonorID:      &donor,
		StartingBid:  gbp("50.00"),
		MinIncrement: gbp("1.00"),
		CurrentBid:   decimal.Zero,
		BuyNowPrice:  decimal.NewNullDecimal(gbp("500.00")),
		Status:       auction.StatusActive,
	}
}

var verified = bidding.Bidder{ID: "7", EmailVerified: true}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(it *auction.Item)
		bidder     bidding.Bidder
		amount     string
		buyNow     bool
		wantErr    error
		wantAmount string
	}{
		{name: "starting bid accepted", amount: "50.00", bidder: verified, wantAmount: "50.00"},
		{name: "below starting bid", amount: "49.99", bidder: verified, wantErr: bidding.ErrBelowStartingBid},
		{name: "scenario B", amount: "30.00", bidder: verified, wantErr: bidding.ErrBelowStartingBid},
		{
			name:       "exact increment accepted",
			mutate:     func(it *auction.Item) { it.CurrentBid = gbp("100.00") },
			amount:     "101.00",
			bidder:     verified,
			wantAmount: "101.00",
		},
		{
			name:    "one penny short of increment",
			mutate:  func(it *auction.Item) { it.CurrentBid = gbp("100.00") },
			amount:  "100.99",
			bidder:  verified,
			wantErr: bidding.ErrIncrementTooSmall,
		},
		{
			name:    "equal to current",
			mutate:  func(it *auction.Item) { it.CurrentBid = gbp("100.00") },
			amount:  "100.00",
			bidder:  verified,
			wantErr: bidding.ErrIncrementTooSmall,
		},
		{
			name:    "not active comes first",
			mutate:  func(it *auction.Item) { it.Status = auction.StatusEnded },
			amount:  "1.00",
			bidder:  bidding.Bidder{ID: "donor-1"},
			wantErr: bidding.ErrItemNotActive,
		},
		{name: "draft lot", mutate: func(it *auction.Item) { it.Status = auction.StatusDraft }, amount: "60", bidder: verified, wantErr: bidding.ErrItemNotActive},
		{name: "unverified before self bid", amount: "60", bidder: bidding.Bidder{ID: "donor-1"}, wantErr: bidding.ErrUnverifiedAccount},
		{name: "donor cannot bid", amount: "1000", bidder: bidding.Bidder{ID: "donor-1", EmailVerified: true}, wantErr: bidding.ErrSelfBidForbidden},
		{name: "donor cannot buy now", amount: "0", buyNow: true, bidder: bidding.Bidder{ID: "donor-1", EmailVerified: true}, wantErr: bidding.ErrSelfBidForbidden},
		{name: "buy now at canonical price", amount: "0", buyNow: true, bidder: verified, wantAmount: "500.00"},
		{name: "buy now with matching amount", amount: "500", buyNow: true, bidder: verified, wantAmount: "500.00"},
		{name: "buy now with other amount", amount: "450", buyNow: true, bidder: verified, wantErr: bidding.ErrBuyNowUnavailable},
		{
			name:    "buy now without price",
			mutate:  func(it *auction.Item) { it.BuyNowPrice = decimal.NullDecimal{} },
			amount:  "0",
			buyNow:  true,
			bidder:  verified,
			wantErr: bidding.ErrBuyNowUnavailable,
		},
		{
			name:    "buy now after bidding passed the price",
			mutate:  func(it *auction.Item) { it.CurrentBid = gbp("500.00") },
			amount:  "0",
			buyNow:  true,
			bidder:  verified,
			wantErr: bidding.ErrBuyNowUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := activeItem()
			if tt.mutate != nil {
				tt.mutate(it)
			}
			got, err := bidding.Validate(it, tt.bidder, gbp(tt.amount), tt.buyNow)
			if tt.wantErr != nil {
				check.True(t, errors.Is(err, tt.wantErr))
				var rej *bidding.RejectionError
				check.True(t, errors.As(err, &rej))
				return
			}
			check.NoError(t, err)
			check.Equal(t, tt.wantAmount, got.StringFixed(2))
		})
	}
}

func TestRejectionError_Is(t *testing.T) {
	err := &bidding.RejectionError{Reason: bidding.ReasonIncrementTooSmall, Message: "the minimum bid is £101.00"}
	check.True(t, errors.Is(err, bidding.ErrIncrementTooSmall))
	check.False(t, errors.Is(err, bidding.ErrBelowStartingBid))
	check.Equal(t, "bid rejected (increment_too_small): the minimum bid is £101.00", err.Error())
}
