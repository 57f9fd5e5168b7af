package mysql

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/charity-auction/internal/auction"
	"github.com/jensholdgaard/charity-auction/internal/journal"
)

type eventRow struct {
	ID        string `gorm:"type:char(36);primaryKey"`
	Slug      string `gorm:"size:191;uniqueIndex;not null"`
	Name      string `gorm:"size:255;not null"`
	StartsAt  *time.Time
	EndsAt    *time.Time
	CreatedAt time.Time
}

func (eventRow) TableName() string { return "events" }

func (r eventRow) toEvent() auction.Event {
	return auction.Event{ID: r.ID, Slug: r.Slug, Name: r.Name, StartsAt: r.StartsAt, EndsAt: r.EndsAt, CreatedAt: r.CreatedAt}
}

type itemRow struct {
	ID           string              `gorm:"type:char(36);primaryKey"`
	EventID      string              `gorm:"type:char(36);index;not null"`
	Slug         string              `gorm:"size:191;uniqueIndex;not null"`
	Title        string              `gorm:"size:255;not null"`
	DonorID      *string             `gorm:"size:191"`
	WinnerID     *string             `gorm:"size:191"`
	StartingBid  decimal.Decimal     `gorm:"type:decimal(12,2);not null"`
	MinIncrement decimal.Decimal     `gorm:"type:decimal(12,2);not null"`
	CurrentBid   decimal.Decimal     `gorm:"type:decimal(12,2);not null;default:0"`
	BuyNowPrice  decimal.NullDecimal `gorm:"type:decimal(12,2)"`
	MarketValue  decimal.NullDecimal `gorm:"type:decimal(12,2)"`
	Status       string              `gorm:"size:32;not null;index:idx_items_status_ends,priority:1"`
	BidCount     int                 `gorm:"not null;default:0"`
	EndsAt       *time.Time          `gorm:"index:idx_items_status_ends,priority:2"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (itemRow) TableName() string { return "items" }

func newItemRow(it *auction.Item) itemRow {
	return itemRow{
		ID:           it.ID,
		EventID:      it.EventID,
		Slug:         it.Slug,
		Title:        it.Title,
		DonorID:      it.DonorID,
		WinnerID:     it.WinnerID,
		StartingBid:  it.StartingBid,
		MinIncrement: it.MinIncrement,
		CurrentBid:   it.CurrentBid,
		BuyNowPrice:  it.BuyNowPrice,
		MarketValue:  it.MarketValue,
		Status:       string(it.Status),
		BidCount:     it.BidCount,
		EndsAt:       it.EndsAt,
		CreatedAt:    it.CreatedAt,
		UpdatedAt:    it.UpdatedAt,
	}
}

// itemWithEvent is an items row joined with its event's deadline.
type itemWithEvent struct {
	itemRow     `gorm:"embedded"`
	EventEndsAt *time.Time
}

func (r itemWithEvent) toItem() auction.Item {
	return auction.Item{
		ID:           r.ID,
		EventID:      r.EventID,
		Slug:         r.Slug,
		Title:        r.Title,
		DonorID:      r.DonorID,
		WinnerID:     r.WinnerID,
		StartingBid:  r.StartingBid,
		MinIncrement: r.MinIncrement,
		CurrentBid:   r.CurrentBid,
		BuyNowPrice:  r.BuyNowPrice,
		MarketValue:  r.MarketValue,
		Status:       auction.Status(r.Status),
		BidCount:     r.BidCount,
		EndsAt:       r.EndsAt,
		EventEndsAt:  r.EventEndsAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type bidRow struct {
	ID        string          `gorm:"type:char(36);primaryKey"`
	ItemID    string          `gorm:"type:char(36);not null;index:idx_bids_rank,priority:1"`
	UserID    string          `gorm:"size:191;not null"`
	Amount    decimal.Decimal `gorm:"type:decimal(12,2);not null;index:idx_bids_rank,priority:2,sort:desc"`
	IsBuyNow  bool            `gorm:"not null;default:false"`
	CreatedAt time.Time       `gorm:"precision:6;index:idx_bids_rank,priority:3"`
}

func (bidRow) TableName() string { return "bids" }

func (r bidRow) toBid() auction.Bid {
	return auction.Bid{ID: r.ID, ItemID: r.ItemID, UserID: r.UserID, Amount: r.Amount, IsBuyNow: r.IsBuyNow, CreatedAt: r.CreatedAt}
}

type paymentRow struct {
	ID             string              `gorm:"type:char(36);primaryKey"`
	ItemID         string              `gorm:"type:char(36);uniqueIndex;not null"`
	BidID          string              `gorm:"type:char(36);not null"`
	WinnerID       string              `gorm:"size:191;not null"`
	Amount         decimal.Decimal     `gorm:"type:decimal(12,2);not null"`
	Status         string              `gorm:"size:32;not null"`
	GiftAidClaimed bool                `gorm:"not null;default:false"`
	GiftAidAmount  decimal.NullDecimal `gorm:"type:decimal(12,2)"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (paymentRow) TableName() string { return "payment_requests" }

func (r paymentRow) toPaymentRequest() auction.PaymentRequest {
	return auction.PaymentRequest{
		ID:             r.ID,
		ItemID:         r.ItemID,
		BidID:          r.BidID,
		WinnerID:       r.WinnerID,
		Amount:         r.Amount,
		Status:         auction.PaymentStatus(r.Status),
		GiftAidClaimed: r.GiftAidClaimed,
		GiftAidAmount:  r.GiftAidAmount,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type settingRow struct {
	Key       string `gorm:"size:64;primaryKey"`
	Value     string `gorm:"size:255;not null"`
	UpdatedAt time.Time
}

func (settingRow) TableName() string { return "settings" }

type journalRow struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	ItemID    string    `gorm:"type:char(36);not null;index:idx_journal_item,priority:1"`
	Type      string    `gorm:"size:64;not null;index:idx_journal_type,priority:1"`
	Data      []byte    `gorm:"type:json;not null"`
	CreatedAt time.Time `gorm:"precision:6;index:idx_journal_item,priority:2;index:idx_journal_type,priority:2"`
}

func (journalRow) TableName() string { return "journal" }

func (r journalRow) toEntry() journal.Entry {
	return journal.Entry{ID: r.ID, ItemID: r.ItemID, Type: journal.Type(r.Type), Data: r.Data, CreatedAt: r.CreatedAt}
}
