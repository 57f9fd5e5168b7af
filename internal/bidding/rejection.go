package bidding

import "fmt"

// Reason names why a bid was refused. Every reason is user-correctable.
type Reason string

const (
	ReasonItemNotActive     Reason = "item_not_active"
	ReasonUnverifiedAccount Reason = "unverified_account"
	ReasonSelfBidForbidden  Reason = "self_bid_forbidden"
	ReasonBuyNowUnavailable Reason = "buy_now_unavailable"
	ReasonBelowStartingBid  Reason = "below_starting_bid"
	ReasonIncrementTooSmall Reason = "increment_too_small"
	ReasonBidNotHigher      Reason = "bid_not_higher"
)

// RejectionError is returned when a bid fails validation. errors.Is matches
// any RejectionError carrying the same Reason, so callers can test against
// the sentinels below.
type RejectionError struct {
	Reason  Reason
	Message string
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return "bid rejected: " + string(e.Reason)
	}
	return fmt.Sprintf("bid rejected (%s): %s", e.Reason, e.Message)
}

// Is reports whether target is a RejectionError with the same reason.
func (e *RejectionError) Is(target error) bool {
	t, ok := target.(*RejectionError)
	return ok && t.Reason == e.Reason
}

// Sentinel rejections for errors.Is.
var (
	ErrItemNotActive     = &RejectionError{Reason: ReasonItemNotActive}
	ErrUnverifiedAccount = &RejectionError{Reason: ReasonUnverifiedAccount}
	ErrSelfBidForbidden  = &RejectionError{Reason: ReasonSelfBidForbidden}
	ErrBuyNowUnavailable = &RejectionError{Reason: ReasonBuyNowUnavailable}
	ErrBelowStartingBid  = &RejectionError{Reason: ReasonBelowStartingBid}
	ErrIncrementTooSmall = &RejectionError{Reason: ReasonIncrementTooSmall}
	ErrBidNotHigher      = &RejectionError{Reason: ReasonBidNotHigher}
)

func reject(reason Reason, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}
