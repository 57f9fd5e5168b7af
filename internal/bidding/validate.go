package bidding

import (
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/charity-auction/internal/auction"
)

// Bidder is the authenticated caller as reported by the session layer.
type Bidder struct {
	ID            string
	EmailVerified bool
}

// Validate checks a bid against the lot's current state without touching
// any store. Checks run in a fixed order and the first failure wins.
//
// For buy-now a zero amount means "the listed price"; any other amount must
// equal it. The returned amount is the one to commit.
func Validate(it *auction.Item, bidder Bidder, amount decimal.Decimal, buyNow bool) (decimal.Decimal, error) {
	if it.Status != auction.StatusActive {
		return decimal.Zero, reject(ReasonItemNotActive, "lot %s is %s", it.Slug, it.Status)
	}
	if !bidder.EmailVerified {
		return decimal.Zero, reject(ReasonUnverifiedAccount, "verify your email address before bidding")
	}
	if it.IsDonor(bidder.ID) {
		return decimal.Zero, reject(ReasonSelfBidForbidden, "donors cannot bid on their own lots")
	}

	if buyNow {
		if !it.HasBuyNow() {
			return decimal.Zero, reject(ReasonBuyNowUnavailable, "lot %s has no buy-now price", it.Slug)
		}
		price := it.BuyNowPrice.Decimal
		if it.CurrentBid.GreaterThanOrEqual(price) {
			return decimal.Zero, reject(ReasonBuyNowUnavailable, "bidding has passed the buy-now price of %s", auction.FormatGBP(price))
		}
		if !amount.IsZero() && !amount.Equal(price) {
			return decimal.Zero, reject(ReasonBuyNowUnavailable, "buy-now price is %s, not %s", auction.FormatGBP(price), auction.FormatGBP(amount))
		}
		return price, nil
	}

	if !it.HasBids() {
		if amount.LessThan(it.StartingBid) {
			return decimal.Zero, reject(ReasonBelowStartingBid, "bidding starts at %s", auction.FormatGBP(it.StartingBid))
		}
	} else if next := it.CurrentBid.Add(it.MinIncrement); amount.LessThan(next) {
		return decimal.Zero, reject(ReasonIncrementTooSmall, "the minimum bid is %s", auction.FormatGBP(next))
	}
	if !amount.GreaterThan(it.CurrentBid) {
		return decimal.Zero, reject(ReasonBidNotHigher, "bid must exceed %s", auction.FormatGBP(it.CurrentBid))
	}
	return amount, nil
}
