package mysql

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jensholdgaard/charity-auction/internal/auction"
	"github.com/jensholdgaard/charity-auction/internal/clock"
	"github.com/jensholdgaard/charity-auction/internal/journal"
	"github.com/jensholdgaard/charity-auction/internal/store"
)

const effectiveEndsAt = "COALESCE(items.ends_at, events.ends_at)"

// ItemRepo implements store.ItemRepository with gorm.
type ItemRepo struct {
	db    *gorm.DB
	clock clock.Clock
}

func (r *ItemRepo) joined(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Table("items").
		Select("items.*, events.ends_at AS event_ends_at").
		Joins("JOIN events ON events.id = items.event_id")
}

func (r *ItemRepo) Create(ctx context.Context, it *auction.Item) error {
	now := r.clock.Now().UTC()
	it.ID = uuid.NewString()
	it.CreatedAt = now
	it.UpdatedAt = now
	if it.Status == "" {
		it.Status = auction.StatusDraft
	}

	var events int64
	if err := r.db.WithContext(ctx).Model(&eventRow{}).Where("id = ?", it.EventID).Count(&events).Error; err != nil {
		return fmt.Errorf("creating item: %w", err)
	}
	if events == 0 {
		return fmt.Errorf("creating item: event %s: %w", it.EventID, store.ErrNotFound)
	}

	row := newItemRow(it)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("creating item: %w", mapError(err))
	}
	return nil
}

func (r *ItemRepo) GetByID(ctx context.Context, id string) (*auction.Item, error) {
	var row itemWithEvent
	if err := r.joined(ctx).Where("items.id = ?", id).Take(&row).Error; err != nil {
		return nil, fmt.Errorf("getting item %s: %w", id, mapError(err))
	}
	it := row.toItem()
	return &it, nil
}

func (r *ItemRepo) GetBySlug(ctx context.Context, slug string) (*auction.Item, error) {
	var row itemWithEvent
	if err := r.joined(ctx).Where("items.slug = ?", slug).Take(&row).Error; err != nil {
		return nil, fmt.Errorf("getting item by slug %q: %w", slug, mapError(err))
	}
	it := row.toItem()
	return &it, nil
}

func (r *ItemRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]auction.Item, error) {
	var rows []itemWithEvent
	err := r.joined(ctx).
		Where("items.status = ? AND "+effectiveEndsAt+" <= ?", auction.StatusActive, now).
		Order(effectiveEndsAt + " ASC, items.id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing expired items: %w", err)
	}
	return toItems(rows), nil
}

func (r *ItemRepo) ListUnfinalizedBuyNow(ctx context.Context, limit int) ([]auction.Item, error) {
	var rows []itemWithEvent
	err := r.joined(ctx).
		Where("items.status = ? AND items.winner_id IS NOT NULL", auction.StatusEnded).
		Where("NOT EXISTS (SELECT 1 FROM payment_requests p WHERE p.item_id = items.id)").
		Order("items.updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing unfinalized buy-now items: %w", err)
	}
	return toItems(rows), nil
}

func toItems(rows []itemWithEvent) []auction.Item {
	items := make([]auction.Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toItem())
	}
	return items
}

func (r *ItemRepo) CommitBid(ctx context.Context, bid *auction.Bid, expectedCurrent decimal.Decimal, buyNow bool) error {
	if bid.CreatedAt.IsZero() {
		bid.CreatedAt = r.clock.Now().UTC()
	}
	bid.IsBuyNow = buyNow

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"current_bid": bid.Amount,
			"bid_count":   gorm.Expr("bid_count + 1"),
			"updated_at":  bid.CreatedAt,
		}
		if buyNow {
			updates["status"] = string(auction.StatusEnded)
			updates["winner_id"] = bid.UserID
		}
		res := tx.Model(&itemRow{}).
			Where("id = ? AND status = ?", bid.ItemID, auction.StatusActive).
			Where("current_bid = CAST(? AS DECIMAL(12,2)) AND current_bid < CAST(? AS DECIMAL(12,2))",
				expectedCurrent.String(), bid.Amount.String()).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("committing bid on item %s: %w", bid.ItemID, mapError(res.Error))
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("committing bid: %w", missingOrStale(tx, &itemRow{}, "items", bid.ItemID))
		}

		row := bidRow{
			ID:        uuid.NewString(),
			ItemID:    bid.ItemID,
			UserID:    bid.UserID,
			Amount:    bid.Amount,
			IsBuyNow:  bid.IsBuyNow,
			CreatedAt: bid.CreatedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("inserting bid: %w", mapError(err))
		}
		bid.ID = row.ID
		return nil
	})
}

func (r *ItemRepo) CloseUnsold(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&itemRow{}).
		Where("id = ? AND status = ? AND bid_count = 0", id, auction.StatusActive).
		Updates(map[string]any{"status": string(auction.StatusEnded), "updated_at": at})
	if res.Error != nil {
		return fmt.Errorf("closing item %s: %w", id, mapError(res.Error))
	}
	if res.RowsAffected == 0 {
		return missingOrStale(r.db.WithContext(ctx), &itemRow{}, "items", id)
	}
	return nil
}

func (r *ItemRepo) CloseWithWinner(ctx context.Context, id string, from auction.Status, pr *auction.PaymentRequest) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&itemRow{}).
			Where("id = ? AND status = ?", id, from).
			Where("current_bid = CAST(? AS DECIMAL(12,2))", pr.Amount.String()).
			Updates(map[string]any{
				"status":     string(auction.StatusAwaitingPayment),
				"winner_id":  pr.WinnerID,
				"updated_at": pr.CreatedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("closing item %s: %w", id, mapError(res.Error))
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("closing item: %w", missingOrStale(tx, &itemRow{}, "items", id))
		}

		row := paymentRow{
			ID:        uuid.NewString(),
			ItemID:    pr.ItemID,
			BidID:     pr.BidID,
			WinnerID:  pr.WinnerID,
			Amount:    pr.Amount,
			Status:    string(pr.Status),
			CreatedAt: pr.CreatedAt,
			UpdatedAt: pr.UpdatedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("creating payment request for item %s: %w", id, mapError(err))
		}
		pr.ID = row.ID
		return nil
	})
}

func (r *ItemRepo) SetStatus(ctx context.Context, id string, from, to auction.Status, at time.Time) error {
	if !auction.CanTransition(from, to) {
		return fmt.Errorf("moving item %s: %w: %s -> %s", id, auction.ErrInvalidTransition, from, to)
	}
	res := r.db.WithContext(ctx).Model(&itemRow{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": string(to), "updated_at": at})
	if res.Error != nil {
		return fmt.Errorf("moving item %s to %s: %w", id, to, mapError(res.Error))
	}
	if res.RowsAffected == 0 {
		return missingOrStale(r.db.WithContext(ctx), &itemRow{}, "items", id)
	}
	return nil
}

// BidRepo implements store.BidRepository with gorm.
type BidRepo struct {
	db *gorm.DB
}

func (r *BidRepo) Highest(ctx context.Context, itemID string) (*auction.Bid, error) {
	var row bidRow
	err := r.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("amount DESC, created_at ASC, id ASC").
		Take(&row).Error
	if err != nil {
		return nil, fmt.Errorf("highest bid for item %s: %w", itemID, mapError(err))
	}
	b := row.toBid()
	return &b, nil
}

func (r *BidRepo) ListByItem(ctx context.Context, itemID string) ([]auction.Bid, error) {
	var rows []bidRow
	err := r.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing bids for item %s: %w", itemID, err)
	}
	bids := make([]auction.Bid, 0, len(rows))
	for _, row := range rows {
		bids = append(bids, row.toBid())
	}
	return bids, nil
}

// PaymentRepo implements store.PaymentRepository with gorm.
type PaymentRepo struct {
	db *gorm.DB
}

func (r *PaymentRepo) GetByID(ctx context.Context, id string) (*auction.PaymentRequest, error) {
	var row paymentRow
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, fmt.Errorf("getting payment request %s: %w", id, mapError(err))
	}
	pr := row.toPaymentRequest()
	return &pr, nil
}

func (r *PaymentRepo) GetByItem(ctx context.Context, itemID string) (*auction.PaymentRequest, error) {
	var row paymentRow
	if err := r.db.WithContext(ctx).Where("item_id = ?", itemID).Take(&row).Error; err != nil {
		return nil, fmt.Errorf("payment request for item %s: %w", itemID, mapError(err))
	}
	pr := row.toPaymentRequest()
	return &pr, nil
}

func (r *PaymentRepo) SetStatus(ctx context.Context, id string, from, to auction.PaymentStatus, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&paymentRow{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": string(to), "updated_at": at})
	if res.Error != nil {
		return fmt.Errorf("moving payment request %s to %s: %w", id, to, mapError(res.Error))
	}
	if res.RowsAffected == 0 {
		return missingOrStale(r.db.WithContext(ctx), &paymentRow{}, "payment_requests", id)
	}
	return nil
}

func (r *PaymentRepo) RecordGiftAid(ctx context.Context, id string, amount decimal.Decimal, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&paymentRow{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"gift_aid_claimed": true,
			"gift_aid_amount":  amount,
			"updated_at":       at,
		})
	if res.Error != nil {
		return fmt.Errorf("recording gift aid on %s: %w", id, mapError(res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("payment request %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// EventRepo implements store.EventRepository with gorm.
type EventRepo struct {
	db    *gorm.DB
	clock clock.Clock
}

func (r *EventRepo) Create(ctx context.Context, e *auction.Event) error {
	e.ID = uuid.NewString()
	e.CreatedAt = r.clock.Now().UTC()
	row := eventRow{ID: e.ID, Slug: e.Slug, Name: e.Name, StartsAt: e.StartsAt, EndsAt: e.EndsAt, CreatedAt: e.CreatedAt}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("creating event: %w", mapError(err))
	}
	return nil
}

func (r *EventRepo) GetByID(ctx context.Context, id string) (*auction.Event, error) {
	var row eventRow
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, fmt.Errorf("getting event %s: %w", id, mapError(err))
	}
	e := row.toEvent()
	return &e, nil
}

func (r *EventRepo) Open(ctx context.Context, id string, at time.Time) (int, error) {
	if _, err := r.GetByID(ctx, id); err != nil {
		return 0, fmt.Errorf("opening event: %w", err)
	}
	res := r.db.WithContext(ctx).Model(&itemRow{}).
		Where("event_id = ? AND status = ?", id, auction.StatusDraft).
		Updates(map[string]any{"status": string(auction.StatusActive), "updated_at": at})
	if res.Error != nil {
		return 0, fmt.Errorf("opening event %s: %w", id, res.Error)
	}
	return int(res.RowsAffected), nil
}

const keyAutoPaymentRequests = "auto_payment_requests"

// SettingsRepo implements store.SettingsRepository with gorm.
type SettingsRepo struct {
	db    *gorm.DB
	clock clock.Clock
}

func (r *SettingsRepo) AutoPaymentRequests(ctx context.Context) (bool, bool, error) {
	var rows []settingRow
	if err := r.db.WithContext(ctx).Where("`key` = ?", keyAutoPaymentRequests).Limit(1).Find(&rows).Error; err != nil {
		return false, false, fmt.Errorf("reading %s: %w", keyAutoPaymentRequests, err)
	}
	if len(rows) == 0 {
		return false, false, nil
	}
	enabled, err := strconv.ParseBool(rows[0].Value)
	if err != nil {
		return false, false, fmt.Errorf("parsing %s=%q: %w", keyAutoPaymentRequests, rows[0].Value, err)
	}
	return enabled, true, nil
}

func (r *SettingsRepo) SetAutoPaymentRequests(ctx context.Context, enabled bool) error {
	row := settingRow{Key: keyAutoPaymentRequests, Value: strconv.FormatBool(enabled), UpdatedAt: r.clock.Now().UTC()}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("writing %s: %w", keyAutoPaymentRequests, err)
	}
	return nil
}

// JournalStore implements journal.Store with gorm.
type JournalStore struct {
	db    *gorm.DB
	clock clock.Clock
}

func (s *JournalStore) Append(ctx context.Context, entries ...journal.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	now := s.clock.Now().UTC()
	rows := make([]journalRow, 0, len(entries))
	for _, e := range entries {
		at := e.CreatedAt
		if at.IsZero() {
			at = now
		}
		data := []byte(e.Data)
		if len(data) == 0 {
			data = []byte("{}")
		}
		rows = append(rows, journalRow{ID: uuid.NewString(), ItemID: e.ItemID, Type: string(e.Type), Data: data, CreatedAt: at})
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("inserting journal entries: %w", err)
	}
	return nil
}

func (s *JournalStore) Load(ctx context.Context, itemID string) ([]journal.Entry, error) {
	return s.find(ctx, "item_id = ?", itemID)
}

func (s *JournalStore) LoadByType(ctx context.Context, t journal.Type) ([]journal.Entry, error) {
	return s.find(ctx, "type = ?", string(t))
}

func (s *JournalStore) find(ctx context.Context, cond string, arg any) ([]journal.Entry, error) {
	var rows []journalRow
	if err := s.db.WithContext(ctx).Where(cond, arg).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading journal: %w", err)
	}
	entries := make([]journal.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toEntry())
	}
	return entries, nil
}
