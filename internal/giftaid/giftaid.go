// Package giftaid computes the UK Gift Aid a charity can reclaim on a
// winning bid and validates the donor's declaration.
package giftaid

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidDeclaration is returned when a declaration cannot be stored.
var ErrInvalidDeclaration = errors.New("invalid gift aid declaration")

// reclaimRate is the basic-rate reclaim: 25p per £1 donated.
var reclaimRate = decimal.RequireFromString("0.25")

// Calculate returns the reclaimable amount on a winning bid. Only the part
// of the bid above the lot's market value counts as a donation.
func Calculate(bid, marketValue decimal.Decimal) decimal.Decimal {
	if bid.LessThanOrEqual(marketValue) {
		return decimal.Zero
	}
	return bid.Sub(marketValue).Mul(reclaimRate).Round(2)
}

// Declaration is a donor's statement that they pay enough UK tax to cover
// the reclaim.
type Declaration struct {
	Name              string    `json:"name"`
	Address           string    `json:"address,omitempty"`
	Postcode          string    `json:"postcode,omitempty"`
	ConfirmedTaxpayer bool      `json:"confirmed_taxpayer"`
	DeclaredAt        time.Time `json:"declared_at"`
}

// Validate checks the declaration can be persisted.
func (d Declaration) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: declarant name is required", ErrInvalidDeclaration)
	}
	if !d.ConfirmedTaxpayer {
		return fmt.Errorf("%w: UK taxpayer status must be confirmed", ErrInvalidDeclaration)
	}
	return nil
}
