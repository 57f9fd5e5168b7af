// Package journal is the append-only audit trail of everything that moves
// money or lot state: accepted bids, lot closures and payment activity.
package journal

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies an entry kind.
type Type string

const (
	BidPlaced         Type = "bid.placed"
	LotClosed         Type = "lot.closed"
	PaymentRequested  Type = "payment.requested"
	PaymentDispatched Type = "payment.dispatched"
	PaymentSettled    Type = "payment.settled"
)

// Entry is a single journal record, keyed by the lot it concerns.
type Entry struct {
	ID        string          `json:"id" db:"id"`
	ItemID    string          `json:"item_id" db:"item_id"`
	Type      Type            `json:"type" db:"type"`
	Data      json.RawMessage `json:"data" db:"data"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// New builds an entry with data marshalled to JSON. Marshalling the payload
// types below cannot fail.
func New(itemID string, t Type, data any) Entry {
	raw, _ := json.Marshal(data)
	return Entry{ItemID: itemID, Type: t, Data: raw}
}

// BidPlacedData is the payload for BidPlaced entries.
type BidPlacedData struct {
	BidID    string          `json:"bid_id"`
	UserID   string          `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	Previous decimal.Decimal `json:"previous"`
	BuyNow   bool            `json:"buy_now"`
}

// LotClosedData is the payload for LotClosed entries.
type LotClosedData struct {
	Status   string          `json:"status"`
	WinnerID string          `json:"winner_id,omitempty"`
	BidID    string          `json:"bid_id,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
}

// PaymentData is the payload for payment entries.
type PaymentData struct {
	PaymentID     string          `json:"payment_id"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	GiftAidAmount decimal.Decimal `json:"gift_aid_amount"`
	Error         string          `json:"error,omitempty"`
}
