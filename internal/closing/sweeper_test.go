package closing_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/charity-auction/internal/auction"
	"github.com/jensholdgaard/charity-auction/internal/clock"
	"github.com/jensholdgaard/charity-auction/internal/closing"
	"github.com/jensholdgaard/charity-auction/internal/journal"
	"github.com/jensholdgaard/charity-auction/internal/store"
	"github.com/jensholdgaard/charity-auction/internal/store/memstore"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func gbp(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	db    *memstore.DB
	repos *store.Repositories
	clock *clock.Mock
	event *auction.Event
}

// newFixture creates an open event ending in one hour.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))
	db := memstore.New(clk)
	repos := db.Repositories()

	end := clk.Now().Add(time.Hour)
	ev := &auction.Event{Slug: "gala", Name: "Gala", EndsAt: &end}
	if err := repos.Events.Create(context.Background(), ev); err != nil {
		t.Fatalf("Create event: %v", err)
	}
	return &fixture{db: db, repos: repos, clock: clk, event: ev}
}

// lot creates and activates a lot. A nil endsAt inherits the event deadline.
func (f *fixture) lot(t *testing.T, slug string, endsAt *time.Time) *auction.Item {
	t.Helper()
	ctx := context.Background()
	it, err := auction.NewItem(auction.NewItemParams{
		EventID:      f.event.ID,
		Slug:         slug,
		Title:        slug,
		StartingBid:  gbp("50.00"),
		MinIncrement: gbp("1.00"),
		BuyNowPrice:  decimal.NewNullDecimal(gbp("500.00")),
		EndsAt:       endsAt,
	})
	if err != nil {
		t.Fatalf("NewItem: %v", err)
	}
	if err := f.repos.Items.Create(ctx, it); err != nil {
		t.Fatalf("Create item: %v", err)
	}
	if err := f.repos.Items.SetStatus(ctx, it.ID, auction.StatusDraft, auction.StatusActive, f.clock.Now()); err != nil {
		t.Fatalf("activating lot: %v", err)
	}
	return it
}

func (f *fixture) bid(t *testing.T, itemID, user, amount string, buyNow bool) *auction.Bid {
	t.Helper()
	it := f.get(t, itemID)
	b := &auction.Bid{ItemID: itemID, UserID: user, Amount: gbp(amount), CreatedAt: f.clock.Now()}
	if err := f.repos.Items.CommitBid(context.Background(), b, it.CurrentBid, buyNow); err != nil {
		t.Fatalf("CommitBid(%s): %v", amount, err)
	}
	f.clock.Advance(time.Second)
	return b
}

func (f *fixture) get(t *testing.T, id string) *auction.Item {
	t.Helper()
	it, err := f.repos.Items.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return it
}

func (f *fixture) sweeper(t *testing.T, opts closing.Options) *closing.Sweeper {
	t.Helper()
	return newSweeper(t, f.repos, f.clock, opts)
}

func newSweeper(t *testing.T, repos *store.Repositories, clk clock.Clock, opts closing.Options) *closing.Sweeper {
	t.Helper()
	if opts.MaxLots == 0 {
		opts.MaxLots = 50
	}
	sw, err := closing.NewSweeper(repos, opts, discard, noop.NewTracerProvider(), metricnoop.NewMeterProvider(), clk)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	return sw
}

func (f *fixture) expire() {
	f.clock.Advance(time.Hour)
}

func TestSweeper_ClosesLotWithWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.lot(t, "signed-shirt", nil)
	f.bid(t, it.ID, "alice", "60.00", false)
	winner := f.bid(t, it.ID, "bob", "75.00", false)
	f.expire()

	sum := f.sweeper(t, closing.Options{}).ProcessExpired(ctx)
	want := closing.Summary{Examined: 1, AwaitingPayment: 1}
	if sum != want {
		t.Errorf("Summary = %+v, want %+v", sum, want)
	}

	got := f.get(t, it.ID)
	if got.Status != auction.StatusAwaitingPayment {
		t.Errorf("Status = %s, want awaiting_payment", got.Status)
	}
	if got.WinnerID == nil || *got.WinnerID != "bob" {
		t.Errorf("WinnerID = %v, want bob", got.WinnerID)
	}

	pr, err := f.repos.Payments.GetByItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetByItem: %v", err)
	}
	if pr.BidID != winner.ID || pr.WinnerID != "bob" || pr.Status != auction.PaymentPending {
		t.Errorf("payment request = %+v", pr)
	}
	if pr.Amount.StringFixed(2) != "75.00" {
		t.Errorf("Amount = %s, want 75.00", pr.Amount.StringFixed(2))
	}

	entries, err := f.repos.Journal.Load(ctx, it.ID)
	if err != nil {
		t.Fatalf("Load journal: %v", err)
	}
	var types []journal.Type
	for _, e := range entries {
		types = append(types, e.Type)
	}
	if n := len(types); n < 2 || types[n-2] != journal.LotClosed || types[n-1] != journal.PaymentRequested {
		t.Errorf("journal types = %v, want ... lot.closed payment.requested", types)
	}
}

func TestSweeper_ClosesLotWithoutBidsUnsold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.lot(t, "teapot", nil)
	f.expire()

	sum := f.sweeper(t, closing.Options{}).ProcessExpired(ctx)
	if sum.Ended != 1 || sum.AwaitingPayment != 0 {
		t.Errorf("Summary = %+v, want one ended", sum)
	}

	got := f.get(t, it.ID)
	if got.Status != auction.StatusEnded || got.WinnerID != nil {
		t.Errorf("lot = %s winner %v, want ended without winner", got.Status, got.WinnerID)
	}
	if _, err := f.repos.Payments.GetByItem(ctx, it.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetByItem error = %v, want ErrNotFound", err)
	}
}

func TestSweeper_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sold := f.lot(t, "painting", nil)
	unsold := f.lot(t, "vase", nil)
	f.bid(t, sold.ID, "alice", "80.00", false)
	f.expire()

	sw := f.sweeper(t, closing.Options{})
	first := sw.ProcessExpired(ctx)
	if first.Examined != 2 {
		t.Fatalf("first sweep examined %d, want 2", first.Examined)
	}
	firstPR, err := f.repos.Payments.GetByItem(ctx, sold.ID)
	if err != nil {
		t.Fatalf("GetByItem: %v", err)
	}

	for i := 0; i < 3; i++ {
		if sum := sw.ProcessExpired(ctx); sum != (closing.Summary{}) {
			t.Errorf("sweep %d = %+v, want nothing to do", i+2, sum)
		}
	}

	pr, err := f.repos.Payments.GetByItem(ctx, sold.ID)
	if err != nil {
		t.Fatalf("GetByItem: %v", err)
	}
	if pr.ID != firstPR.ID {
		t.Errorf("payment request replaced: %s != %s", pr.ID, firstPR.ID)
	}
	if got := f.get(t, unsold.ID).Status; got != auction.StatusEnded {
		t.Errorf("unsold status = %s, want ended", got)
	}
}

func TestSweeper_EffectiveDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	early := f.clock.Now().Add(10 * time.Minute)
	late := f.clock.Now().Add(2 * time.Hour)
	own := f.lot(t, "own-deadline", &early)
	inherited := f.lot(t, "inherits", nil)
	extended := f.lot(t, "extended", &late)

	sw := f.sweeper(t, closing.Options{})

	f.clock.Advance(10 * time.Minute)
	if sum := sw.ProcessExpired(ctx); sum.Examined != 1 {
		t.Errorf("after 10m examined %d, want 1", sum.Examined)
	}
	if got := f.get(t, own.ID).Status; got != auction.StatusEnded {
		t.Errorf("own-deadline status = %s, want ended", got)
	}
	if got := f.get(t, inherited.ID).Status; got != auction.StatusActive {
		t.Errorf("inherited status = %s, want active", got)
	}

	f.clock.Advance(50 * time.Minute)
	sw.ProcessExpired(ctx)
	if got := f.get(t, inherited.ID).Status; got != auction.StatusEnded {
		t.Errorf("inherited status = %s, want ended", got)
	}
	if got := f.get(t, extended.ID).Status; got != auction.StatusActive {
		t.Errorf("extended status = %s, want active before its own deadline", got)
	}
}

func TestSweeper_TieGoesToEarliestBid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.lot(t, "hamper", nil)
	first := f.bid(t, it.ID, "carol", "90.00", false)
	// A historical bid for the same amount placed later never changes the winner.
	f.db.AppendBid(auction.Bid{ItemID: it.ID, UserID: "dave", Amount: gbp("90.00"), CreatedAt: f.clock.Now()})
	f.expire()

	f.sweeper(t, closing.Options{}).ProcessExpired(ctx)

	pr, err := f.repos.Payments.GetByItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetByItem: %v", err)
	}
	if pr.WinnerID != "carol" || pr.BidID != first.ID {
		t.Errorf("winner = %s (%s), want carol (%s)", pr.WinnerID, pr.BidID, first.ID)
	}
}

func TestSweeper_FinalizesBuyNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.lot(t, "weekend-away", nil)
	buy := f.bid(t, it.ID, "erin", "500.00", true)

	// Buy-now ended the bidding before the deadline; the sweep still issues
	// the payment request.
	sum := f.sweeper(t, closing.Options{}).ProcessExpired(ctx)
	if sum.AwaitingPayment != 1 {
		t.Fatalf("Summary = %+v, want one awaiting payment", sum)
	}

	pr, err := f.repos.Payments.GetByItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetByItem: %v", err)
	}
	if pr.BidID != buy.ID || pr.Amount.StringFixed(2) != "500.00" {
		t.Errorf("payment request = %+v", pr)
	}
	if got := f.get(t, it.ID).Status; got != auction.StatusAwaitingPayment {
		t.Errorf("Status = %s, want awaiting_payment", got)
	}
}

func TestSweeper_RespectsMaxLots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, slug := range []string{"a1", "a2", "a3"} {
		f.lot(t, slug, nil)
	}
	f.expire()

	sw := f.sweeper(t, closing.Options{MaxLots: 2})
	if sum := sw.ProcessExpired(ctx); sum.Examined != 2 {
		t.Errorf("first sweep examined %d, want 2", sum.Examined)
	}
	if sum := sw.ProcessExpired(ctx); sum.Examined != 1 {
		t.Errorf("second sweep examined %d, want 1", sum.Examined)
	}
}

// flakyBids fails or panics for chosen lots.
type flakyBids struct {
	store.BidRepository
	failFor  string
	panicFor string
}

func (b flakyBids) Highest(ctx context.Context, itemID string) (*auction.Bid, error) {
	switch itemID {
	case b.failFor:
		return nil, errors.New("connection reset")
	case b.panicFor:
		panic("corrupt row")
	}
	return b.BidRepository.Highest(ctx, itemID)
}

func TestSweeper_IsolatesLotFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	broken := f.lot(t, "broken", nil)
	panicky := f.lot(t, "panicky", nil)
	healthy := f.lot(t, "healthy", nil)
	f.bid(t, healthy.ID, "frank", "55.00", false)
	f.expire()

	repos := *f.repos
	repos.Bids = flakyBids{BidRepository: f.repos.Bids, failFor: broken.ID, panicFor: panicky.ID}
	sum := newSweeper(t, &repos, f.clock, closing.Options{}).ProcessExpired(ctx)

	want := closing.Summary{Examined: 3, AwaitingPayment: 1, Failed: 2}
	if sum != want {
		t.Errorf("Summary = %+v, want %+v", sum, want)
	}
	if got := f.get(t, healthy.ID).Status; got != auction.StatusAwaitingPayment {
		t.Errorf("healthy status = %s, want awaiting_payment", got)
	}
	for _, id := range []string{broken.ID, panicky.ID} {
		if got := f.get(t, id).Status; got != auction.StatusActive {
			t.Errorf("failed lot %s status = %s, want active for the next sweep", id, got)
		}
	}
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *recordingDispatcher) DispatchRequest(_ context.Context, pr *auction.PaymentRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, pr.ID)
	return d.err
}

func TestSweeper_AutomaticPaymentRequests(t *testing.T) {
	tests := []struct {
		name         string
		setting      *bool
		defaultValue bool
		wantCalls    int
	}{
		{name: "enabled", setting: ptr(true), wantCalls: 1},
		{name: "disabled", setting: ptr(false), defaultValue: true, wantCalls: 0},
		{name: "unset uses default on", defaultValue: true, wantCalls: 1},
		{name: "unset uses default off", wantCalls: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			if tt.setting != nil {
				if err := f.repos.Settings.SetAutoPaymentRequests(ctx, *tt.setting); err != nil {
					t.Fatalf("SetAutoPaymentRequests: %v", err)
				}
			}
			it := f.lot(t, "lot", nil)
			f.bid(t, it.ID, "gina", "70.00", false)
			f.expire()

			d := &recordingDispatcher{}
			f.sweeper(t, closing.Options{AutoRequestDefault: tt.defaultValue, Payments: d}).ProcessExpired(ctx)
			if len(d.calls) != tt.wantCalls {
				t.Errorf("dispatch calls = %d, want %d", len(d.calls), tt.wantCalls)
			}
		})
	}
}

func TestSweeper_DispatchFailureKeepsClosure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.repos.Settings.SetAutoPaymentRequests(ctx, true); err != nil {
		t.Fatalf("SetAutoPaymentRequests: %v", err)
	}
	it := f.lot(t, "bike", nil)
	f.bid(t, it.ID, "hank", "65.00", false)
	f.expire()

	d := &recordingDispatcher{err: errors.New("checkout down")}
	sum := f.sweeper(t, closing.Options{Payments: d}).ProcessExpired(ctx)
	if sum.AwaitingPayment != 1 || sum.Failed != 0 {
		t.Errorf("Summary = %+v, want one awaiting payment and no failures", sum)
	}
	if len(d.calls) != 1 {
		t.Errorf("dispatch calls = %d, want 1", len(d.calls))
	}

	pr, err := f.repos.Payments.GetByItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetByItem: %v", err)
	}
	if pr.Status != auction.PaymentPending {
		t.Errorf("payment status = %s, want pending", pr.Status)
	}
	if got := f.get(t, it.ID).Status; got != auction.StatusAwaitingPayment {
		t.Errorf("lot status = %s, want awaiting_payment", got)
	}
}

func TestSweeper_ConcurrentReplicasCloseOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.lot(t, "guitar", nil)
	f.bid(t, it.ID, "ivan", "120.00", false)
	f.expire()

	const replicas = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total closing.Summary
	)
	for i := 0; i < replicas; i++ {
		sw := f.sweeper(t, closing.Options{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum := sw.ProcessExpired(ctx)
			mu.Lock()
			total.AwaitingPayment += sum.AwaitingPayment
			total.Failed += sum.Failed
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total.AwaitingPayment != 1 || total.Failed != 0 {
		t.Errorf("across replicas: %+v, want exactly one closure", total)
	}
	if _, err := f.repos.Payments.GetByItem(ctx, it.ID); err != nil {
		t.Errorf("GetByItem: %v", err)
	}
}

// blockingBids holds the first sweep inside Highest until released.
type blockingBids struct {
	store.BidRepository
	entered chan struct{}
	release chan struct{}
}

func (b blockingBids) Highest(ctx context.Context, itemID string) (*auction.Bid, error) {
	close(b.entered)
	<-b.release
	return b.BidRepository.Highest(ctx, itemID)
}

func TestSweeper_SingleFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.lot(t, "clock", nil)
	f.expire()

	repos := *f.repos
	bb := blockingBids{BidRepository: f.repos.Bids, entered: make(chan struct{}), release: make(chan struct{})}
	repos.Bids = bb
	sw := newSweeper(t, &repos, f.clock, closing.Options{})

	done := make(chan closing.Summary)
	go func() { done <- sw.ProcessExpired(ctx) }()
	<-bb.entered

	if sum := sw.ProcessExpired(ctx); !sum.Busy {
		t.Errorf("overlapping sweep = %+v, want Busy", sum)
	}
	close(bb.release)
	if sum := <-done; sum.Ended != 1 {
		t.Errorf("first sweep = %+v, want one ended", sum)
	}
	if sw.LastRun().IsZero() {
		t.Error("LastRun not recorded")
	}
}

type recordingAnnouncer struct {
	closures []closing.Closure
}

func (a *recordingAnnouncer) LotClosed(_ context.Context, c closing.Closure) error {
	a.closures = append(a.closures, c)
	return errors.New("discord unavailable")
}

func TestSweeper_Announces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sold := f.lot(t, "sold", nil)
	f.lot(t, "unsold", nil)
	f.bid(t, sold.ID, "jo", "51.00", false)
	f.expire()

	a := &recordingAnnouncer{}
	sum := f.sweeper(t, closing.Options{Announcer: a}).ProcessExpired(ctx)
	if sum.Failed != 0 {
		t.Errorf("announcer failure counted as lot failure: %+v", sum)
	}
	if len(a.closures) != 2 {
		t.Fatalf("closures = %d, want 2", len(a.closures))
	}
	outcomes := map[closing.Outcome]int{}
	for _, c := range a.closures {
		outcomes[c.Outcome]++
		if c.Outcome == closing.OutcomeAwaitingPayment && (c.Winner == nil || c.Payment == nil) {
			t.Errorf("winning closure missing winner or payment: %+v", c)
		}
	}
	if outcomes[closing.OutcomeEnded] != 1 || outcomes[closing.OutcomeAwaitingPayment] != 1 {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func ptr[T any](v T) *T { return &v }
