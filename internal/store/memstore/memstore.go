// Package memstore provides a store.Driver that keeps everything in process
// memory. It honours the same conditional-update contract as the SQL
// drivers, which makes it suitable for local runs and unit tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/charity-auction/internal/auction"
	"github.com/jensholdgaard/charity-auction/internal/clock"
	"github.com/jensholdgaard/charity-auction/internal/config"
	"github.com/jensholdgaard/charity-auction/internal/journal"
	"github.com/jensholdgaard/charity-auction/internal/store"
)

func init() {
	store.Register(config.DriverMemory, func(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
		return New(clk).Repositories(), nil
	})
}

// DB is the shared in-memory state behind all repositories. A single mutex
// plays the part of row locks.
type DB struct {
	mu    sync.Mutex
	clock clock.Clock

	events        map[string]auction.Event
	items         map[string]auction.Item
	slugs         map[string]string
	bids          []auction.Bid
	payments      map[string]auction.PaymentRequest
	paymentByItem map[string]string
	autoPayments  *bool
	entries       []journal.Entry
}

// New returns an empty DB.
func New(clk clock.Clock) *DB {
	return &DB{
		clock:         clk,
		events:        make(map[string]auction.Event),
		items:         make(map[string]auction.Item),
		slugs:         make(map[string]string),
		payments:      make(map[string]auction.PaymentRequest),
		paymentByItem: make(map[string]string),
	}
}

// Repositories returns repositories sharing db.
func (db *DB) Repositories() *store.Repositories {
	return &store.Repositories{
		Items:    &ItemRepo{db: db},
		Bids:     &BidRepo{db: db},
		Payments: &PaymentRepo{db: db},
		Events:   &EventRepo{db: db},
		Settings: &SettingsRepo{db: db},
		Journal:  &JournalStore{db: db},
		Closer:   store.CloserFunc(func() error { return nil }),
		Ping:     func(context.Context) error { return nil },
	}
}

// AppendBid adds b to the ledger without touching the lot. It exists for
// loading fixtures and historical ledgers.
func (db *DB) AppendBid(b auction.Bid) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	db.bids = append(db.bids, b)
}

// withEvent returns a copy of it with the parent event deadline attached.
// Callers hold db.mu.
func (db *DB) withEvent(it auction.Item) auction.Item {
	if ev, ok := db.events[it.EventID]; ok && ev.EndsAt != nil {
		t := *ev.EndsAt
		it.EventEndsAt = &t
	}
	return it
}

// ItemRepo implements store.ItemRepository.
type ItemRepo struct {
	db *DB
}

func (r *ItemRepo) Create(_ context.Context, it *auction.Item) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.events[it.EventID]; !ok {
		return fmt.Errorf("creating item: event %s: %w", it.EventID, store.ErrNotFound)
	}
	if _, taken := db.slugs[it.Slug]; taken {
		return fmt.Errorf("creating item: slug %q: %w", it.Slug, store.ErrDuplicate)
	}

	now := db.clock.Now().UTC()
	it.ID = uuid.NewString()
	it.CreatedAt = now
	it.UpdatedAt = now
	if it.Status == "" {
		it.Status = auction.StatusDraft
	}
	db.items[it.ID] = *it
	db.slugs[it.Slug] = it.ID
	return nil
}

func (r *ItemRepo) GetByID(_ context.Context, id string) (*auction.Item, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()

	it, ok := db.items[id]
	if !ok {
		return nil, fmt.Errorf("getting item %s: %w", id, store.ErrNotFound)
	}
	it = db.withEvent(it)
	return &it, nil
}

func (r *ItemRepo) GetBySlug(ctx context.Context, slug string) (*auction.Item, error) {
	r.db.mu.Lock()
	id, ok := r.db.slugs[slug]
	r.db.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("getting item by slug %q: %w", slug, store.ErrNotFound)
	}
	return r.GetByID(ctx, id)
}

func (r *ItemRepo) ListExpired(_ context.Context, now time.Time, limit int) ([]auction.Item, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []auction.Item
	for _, it := range db.items {
		if it.Status != auction.StatusActive {
			continue
		}
		it = db.withEvent(it)
		if it.Expired(now) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ei, _ := out[i].EffectiveEndsAt()
		ej, _ := out[j].EffectiveEndsAt()
		if !ei.Equal(ej) {
			return ei.Before(ej)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ItemRepo) ListUnfinalizedBuyNow(_ context.Context, limit int) ([]auction.Item, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []auction.Item
	for _, it := range db.items {
		if it.Status != auction.StatusEnded || it.WinnerID == nil {
			continue
		}
		if _, paid := db.paymentByItem[it.ID]; paid {
			continue
		}
		out = append(out, db.withEvent(it))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ItemRepo) CommitBid(_ context.Context, bid *auction.Bid, expectedCurrent decimal.Decimal, buyNow bool) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()

	it, ok := db.items[bid.ItemID]
	if !ok {
		return fmt.Errorf("committing bid: item %s: %w", bid.ItemID, store.ErrNotFound)
	}
	if it.Status != auction.StatusActive ||
		!it.CurrentBid.Equal(expectedCurrent) ||
		!bid.Amount.GreaterThan(it.CurrentBid) {
		return fmt.Errorf("committing bid on item %s: %w", bid.ItemID, store.ErrStale)
	}

	bid.ID = uuid.NewString()
	bid.IsBuyNow = buyNow
	if bid.CreatedAt.IsZero() {
		bid.CreatedAt = db.clock.Now().UTC()
	}

	it.CurrentBid = bid.Amount
	it.BidCount++
	it.UpdatedAt = bid.CreatedAt
	if buyNow {
		winner := bid.UserID
		it.Status = auction.StatusEnded
		it.WinnerID = &winner
	}
	db.items[it.ID] = it
	db.bids = append(db.bids, *bid)
	return nil
}

func (r *ItemRepo) CloseUnsold(_ context.Context, id string, at time.Time) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()

	it, ok := db.items[id]
	if !ok {
		return fmt.Errorf("closing item %s: %w", id, store.ErrNotFound)
	}
	if it.Status != auction.StatusActive || it.BidCount != 0 {
		return fmt.Errorf("closing item %s unsold: %w", id, store.ErrStale)
	}
	it.Status = auction.StatusEnded
	it.UpdatedAt = at
	db.items[id] = it
	return nil
}

func (r *ItemRepo) CloseWithWinner(_ context.Context, id string, from auction.Status, pr *auction.PaymentRequest) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()

	it, ok := db.items[id]
	if !ok {
		return fmt.Errorf("closing item %s: %w", id, store.ErrNotFound)
	}
	if it.Status != from || !it.CurrentBid.Equal(pr.Amount) {
		return fmt.Errorf("closing item %s from %s: %w", id, from, store.ErrStale)
	}
	if _, exists := db.paymentByItem[id]; exists {
		return fmt.Errorf("payment request for item %s: %w", id, store.ErrDuplicate)
	}

	winner := pr.WinnerID
	it.Status = auction.StatusAwaitingPayment
	it.WinnerID = &winner
	it.UpdatedAt = pr.CreatedAt
	db.items[id] = it

	pr.ID = uuid.NewString()
	db.payments[pr.ID] = *pr
	db.paymentByItem[id] = pr.ID
	return nil
}

func (r *ItemRepo) SetStatus(_ context.Context, id string, from, to auction.Status, at time.Time) error {
	if !auction.CanTransition(from, to) {
		return fmt.Errorf("moving item %s: %w: %s -> %s", id, auction.ErrInvalidTransition, from, to)
	}
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()

	it, ok := db.items[id]
	if !ok {
		return fmt.Errorf("updating item %s: %w", id, store.ErrNotFound)
	}
	if it.Status != from {
		return fmt.Errorf("moving item %s from %s to %s: %w", id, from, to, store.ErrStale)
	}
	it.Status = to
	it.UpdatedAt = at
	db.items[id] = it
	return nil
}

// BidRepo implements store.BidRepository.
type BidRepo struct {
	db *DB
}

func (r *BidRepo) Highest(ctx context.Context, itemID string) (*auction.Bid, error) {
	bids, err := r.ListByItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	best := auction.HighestBid(bids)
	if best == nil {
		return nil, fmt.Errorf("highest bid for item %s: %w", itemID, store.ErrNotFound)
	}
	return best, nil
}

func (r *BidRepo) ListByItem(_ context.Context, itemID string) ([]auction.Bid, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []auction.Bid
	for _, b := range db.bids {
		if b.ItemID == itemID {
			out = append(out, b)
		}
	}
	return out, nil
}

// PaymentRepo implements store.PaymentRepository.
type PaymentRepo struct {
	db *DB
}

func (r *PaymentRepo) GetByID(_ context.Context, id string) (*auction.PaymentRequest, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()

	pr, ok := db.payments[id]
	if !ok {
		return nil, fmt.Errorf("getting payment request %s: %w", id, store.ErrNotFound)
	}
	return &pr, nil
}

func (r *PaymentRepo) GetByItem(ctx context.Context, itemID string) (*auction.PaymentRequest, error) {
	r.db.mu.Lock()
	id, ok := r.db.paymentByItem[itemID]
	r.db.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("payment request for item %s: %w", itemID, store.ErrNotFound)
	}
	return r.GetByID(ctx, id)
}

func (r *PaymentRepo) SetStatus(_ context.Context, id string, from, to auction.PaymentStatus, at time.Time) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()

	pr, ok := db.payments[id]
	if !ok {
		return fmt.Errorf("updating payment request %s: %w", id, store.ErrNotFound)
	}
	if pr.Status != from {
		return fmt.Errorf("moving payment request %s from %s: %w", id, from, store.ErrStale)
	}
	pr.Status = to
	pr.UpdatedAt = at
	db.payments[id] = pr
	return nil
}

func (r *PaymentRepo) RecordGiftAid(_ context.Context, id string, amount decimal.Decimal, at time.Time) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()

	pr, ok := db.payments[id]
	if !ok {
		return fmt.Errorf("recording gift aid on %s: %w", id, store.ErrNotFound)
	}
	pr.GiftAidClaimed = true
	pr.GiftAidAmount = decimal.NewNullDecimal(amount)
	pr.UpdatedAt = at
	db.payments[id] = pr
	return nil
}

// EventRepo implements store.EventRepository.
type EventRepo struct {
	db *DB
}

func (r *EventRepo) Create(_ context.Context, e *auction.Event) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, existing := range db.events {
		if existing.Slug == e.Slug {
			return fmt.Errorf("creating event: slug %q: %w", e.Slug, store.ErrDuplicate)
		}
	}
	e.ID = uuid.NewString()
	e.CreatedAt = db.clock.Now().UTC()
	db.events[e.ID] = *e
	return nil
}

func (r *EventRepo) GetByID(_ context.Context, id string) (*auction.Event, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()

	e, ok := db.events[id]
	if !ok {
		return nil, fmt.Errorf("getting event %s: %w", id, store.ErrNotFound)
	}
	return &e, nil
}

func (r *EventRepo) Open(_ context.Context, id string, at time.Time) (int, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.events[id]; !ok {
		return 0, fmt.Errorf("opening event %s: %w", id, store.ErrNotFound)
	}
	n := 0
	for itemID, it := range db.items {
		if it.EventID != id || it.Status != auction.StatusDraft {
			continue
		}
		it.Status = auction.StatusActive
		it.UpdatedAt = at
		db.items[itemID] = it
		n++
	}
	return n, nil
}

// SettingsRepo implements store.SettingsRepository.
type SettingsRepo struct {
	db *DB
}

func (r *SettingsRepo) AutoPaymentRequests(context.Context) (bool, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.autoPayments == nil {
		return false, false, nil
	}
	return *r.db.autoPayments, true, nil
}

func (r *SettingsRepo) SetAutoPaymentRequests(_ context.Context, enabled bool) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.autoPayments = &enabled
	return nil
}

// JournalStore implements journal.Store.
type JournalStore struct {
	db *DB
}

func (s *JournalStore) Append(_ context.Context, entries ...journal.Entry) error {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	now := db.clock.Now().UTC()
	for _, e := range entries {
		e.ID = uuid.NewString()
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		db.entries = append(db.entries, e)
	}
	return nil
}

func (s *JournalStore) Load(_ context.Context, itemID string) ([]journal.Entry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var out []journal.Entry
	for _, e := range s.db.entries {
		if e.ItemID == itemID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *JournalStore) LoadByType(_ context.Context, t journal.Type) ([]journal.Entry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var out []journal.Entry
	for _, e := range s.db.entries {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out, nil
}
