// Package closing finalizes lots whose bidding window has elapsed. A lot with
// no bids ends unsold; a lot with a winner moves to awaiting_payment together
// with exactly one payment request.
//
// The sweep is safe to run repeatedly and from many replicas at once: every
// transition is a conditional update on the lot's current status, so a lot
// that another sweep already closed is simply skipped.
package closing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/charity-auction/internal/auction"
	"github.com/jensholdgaard/charity-auction/internal/clock"
	"github.com/jensholdgaard/charity-auction/internal/journal"
	"github.com/jensholdgaard/charity-auction/internal/store"
)

const instrumentationName = "github.com/jensholdgaard/charity-auction/internal/closing"

// Outcome is the state a sweep left a lot in.
type Outcome string

const (
	OutcomeEnded           Outcome = "ended"
	OutcomeAwaitingPayment Outcome = "awaiting_payment"
)

// Summary counts what one sweep did.
type Summary struct {
	Examined        int  `json:"examined"`
	Ended           int  `json:"ended"`
	AwaitingPayment int  `json:"awaiting_payment"`
	Skipped         int  `json:"skipped"`
	Failed          int  `json:"failed"`
	Busy            bool `json:"busy,omitempty"`
}

// Closure describes a lot the sweep just closed.
type Closure struct {
	Item    auction.Item
	Outcome Outcome
	Winner  *auction.Bid
	Payment *auction.PaymentRequest
}

// Announcer is told about every lot the sweep closes.
type Announcer interface {
	LotClosed(ctx context.Context, c Closure) error
}

// PaymentDispatcher sends a freshly created payment request to the checkout.
type PaymentDispatcher interface {
	DispatchRequest(ctx context.Context, pr *auction.PaymentRequest) error
}

// Options configures a Sweeper.
type Options struct {
	// MaxLots caps the lots finalized per sweep.
	MaxLots int
	// AutoRequestDefault applies when the settings store holds no value.
	AutoRequestDefault bool
	// Payments may be nil, in which case requests always stay pending.
	Payments PaymentDispatcher
	// Announcer may be nil.
	Announcer Announcer
}

// Sweeper closes expired lots.
type Sweeper struct {
	items    store.ItemRepository
	bids     store.BidRepository
	settings store.SettingsRepository
	journal  journal.Store
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
	clock    clock.Clock

	lotsClosed  metric.Int64Counter
	sweepErrors metric.Int64Counter

	running sync.Mutex

	mu      sync.RWMutex
	lastRun time.Time
}

// NewSweeper creates a new Sweeper.
func NewSweeper(repos *store.Repositories, opts Options, logger *slog.Logger, tp trace.TracerProvider, mp metric.MeterProvider, clk clock.Clock) (*Sweeper, error) {
	if opts.MaxLots <= 0 {
		return nil, fmt.Errorf("max lots must be positive, got %d", opts.MaxLots)
	}

	meter := mp.Meter(instrumentationName)
	closed, err := meter.Int64Counter("auction.lots.closed",
		metric.WithDescription("Lots finalized by the closing sweep, by outcome."))
	if err != nil {
		return nil, fmt.Errorf("creating lots closed counter: %w", err)
	}
	sweepErrors, err := meter.Int64Counter("auction.sweep.errors",
		metric.WithDescription("Lots the closing sweep failed to finalize."))
	if err != nil {
		return nil, fmt.Errorf("creating sweep error counter: %w", err)
	}

	return &Sweeper{
		items:       repos.Items,
		bids:        repos.Bids,
		settings:    repos.Settings,
		journal:     repos.Journal,
		opts:        opts,
		logger:      logger,
		tracer:      tp.Tracer(instrumentationName),
		clock:       clk,
		lotsClosed:  closed,
		sweepErrors: sweepErrors,
	}, nil
}

// LastRun returns when the most recent sweep finished, or the zero time.
func (s *Sweeper) LastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

// ProcessExpired closes every active lot whose effective deadline has
// passed, then finalizes buy-now lots that still lack a payment request.
// It never fails: errors are logged and counted per lot. A call made while
// another sweep is running in this process returns at once with Busy set.
func (s *Sweeper) ProcessExpired(ctx context.Context) Summary {
	if !s.running.TryLock() {
		return Summary{Busy: true}
	}
	defer s.running.Unlock()

	ctx, span := s.tracer.Start(ctx, "Sweeper.ProcessExpired")
	defer span.End()

	var sum Summary
	now := s.clock.Now().UTC()
	auto := s.autoRequests(ctx)

	expired, err := s.items.ListExpired(ctx, now, s.opts.MaxLots)
	if err != nil {
		s.failed(ctx, span, "listing expired lots", "", err)
		return sum
	}
	for i := range expired {
		s.tally(&sum, s.finalize(ctx, &expired[i], auction.StatusActive, auto, now))
	}

	if room := s.opts.MaxLots - len(expired); room > 0 {
		bought, err := s.items.ListUnfinalizedBuyNow(ctx, room)
		if err != nil {
			s.failed(ctx, span, "listing buy-now lots", "", err)
		}
		for i := range bought {
			s.tally(&sum, s.finalize(ctx, &bought[i], auction.StatusEnded, auto, now))
		}
	}

	s.mu.Lock()
	s.lastRun = s.clock.Now().UTC()
	s.mu.Unlock()

	span.SetAttributes(
		attribute.Int("examined", sum.Examined),
		attribute.Int("failed", sum.Failed),
	)
	if sum.Examined > 0 {
		s.logger.InfoContext(ctx, "closing sweep finished",
			slog.Int("examined", sum.Examined),
			slog.Int("ended", sum.Ended),
			slog.Int("awaiting_payment", sum.AwaitingPayment),
			slog.Int("skipped", sum.Skipped),
			slog.Int("failed", sum.Failed),
		)
	}
	return sum
}

type result struct {
	outcome Outcome
	skipped bool
	err     error
}

func (s *Sweeper) tally(sum *Summary, r result) {
	sum.Examined++
	switch {
	case r.err != nil:
		sum.Failed++
	case r.skipped:
		sum.Skipped++
	case r.outcome == OutcomeEnded:
		sum.Ended++
	case r.outcome == OutcomeAwaitingPayment:
		sum.AwaitingPayment++
	}
}

// autoRequests reads the automatic payment request setting once per sweep.
func (s *Sweeper) autoRequests(ctx context.Context) bool {
	enabled, ok, err := s.settings.AutoPaymentRequests(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "reading payment settings, using default",
			slog.Bool("default", s.opts.AutoRequestDefault),
			slog.Any("error", err),
		)
		return s.opts.AutoRequestDefault
	}
	if !ok {
		return s.opts.AutoRequestDefault
	}
	return enabled
}

// finalize closes one lot. A panic is confined to the lot that raised it.
func (s *Sweeper) finalize(ctx context.Context, it *auction.Item, from auction.Status, auto bool, now time.Time) (r result) {
	ctx, span := s.tracer.Start(ctx, "Sweeper.finalize",
		trace.WithAttributes(
			attribute.String("item_id", it.ID),
			attribute.String("from", string(from)),
		),
	)
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			r = result{err: fmt.Errorf("panic closing lot: %v", p)}
			s.failed(ctx, span, "closing lot panicked", it.ID, r.err)
		}
	}()

	r = s.close(ctx, it, from, auto, now)
	switch {
	case r.err != nil:
		s.failed(ctx, span, "closing lot failed", it.ID, r.err)
	case r.skipped:
		s.logger.DebugContext(ctx, "lot already closed elsewhere", slog.String("item_id", it.ID))
	default:
		s.lotsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(r.outcome))))
	}
	return r
}

func (s *Sweeper) close(ctx context.Context, it *auction.Item, from auction.Status, auto bool, now time.Time) result {
	if !auction.CanTransition(from, auction.StatusAwaitingPayment) {
		return result{err: fmt.Errorf("closing lot %s: %w: %s -> %s", it.ID, auction.ErrInvalidTransition, from, auction.StatusAwaitingPayment)}
	}
	winner, err := s.bids.Highest(ctx, it.ID)
	if errors.Is(err, store.ErrNotFound) {
		if from != auction.StatusActive {
			return result{err: fmt.Errorf("lot %s has a winner but no bids", it.ID)}
		}
		return s.closeUnsold(ctx, it, now)
	}
	if err != nil {
		return result{err: fmt.Errorf("finding winning bid: %w", err)}
	}

	pr := auction.NewPaymentRequest(*winner, now)
	err = s.items.CloseWithWinner(ctx, it.ID, from, pr)
	if errors.Is(err, store.ErrStale) || errors.Is(err, store.ErrDuplicate) {
		return result{skipped: true}
	}
	if err != nil {
		return result{err: fmt.Errorf("closing lot with winner: %w", err)}
	}

	s.appendJournal(ctx,
		journal.New(it.ID, journal.LotClosed, journal.LotClosedData{
			Status:   string(auction.StatusAwaitingPayment),
			WinnerID: winner.UserID,
			BidID:    winner.ID,
			Amount:   winner.Amount,
		}),
		journal.New(it.ID, journal.PaymentRequested, journal.PaymentData{
			PaymentID: pr.ID,
			Status:    string(pr.Status),
			Amount:    pr.Amount,
		}),
	)
	s.logger.InfoContext(ctx, "lot closed with winner",
		slog.String("item_id", it.ID),
		slog.String("user_id", winner.UserID),
		slog.String("amount", winner.Amount.StringFixed(2)),
		slog.String("payment_id", pr.ID),
	)

	if auto && s.opts.Payments != nil {
		// The lot is closed either way; a failed dispatch is retried by an admin.
		if err := s.opts.Payments.DispatchRequest(ctx, pr); err != nil {
			s.logger.WarnContext(ctx, "automatic payment request failed",
				slog.String("item_id", it.ID),
				slog.String("payment_id", pr.ID),
				slog.Any("error", err),
			)
		}
	}

	it.Status = auction.StatusAwaitingPayment
	it.WinnerID = &winner.UserID
	s.announce(ctx, Closure{Item: *it, Outcome: OutcomeAwaitingPayment, Winner: winner, Payment: pr})
	return result{outcome: OutcomeAwaitingPayment}
}

func (s *Sweeper) closeUnsold(ctx context.Context, it *auction.Item, now time.Time) result {
	err := s.items.CloseUnsold(ctx, it.ID, now)
	if errors.Is(err, store.ErrStale) {
		return result{skipped: true}
	}
	if err != nil {
		return result{err: fmt.Errorf("closing unsold lot: %w", err)}
	}

	s.appendJournal(ctx, journal.New(it.ID, journal.LotClosed, journal.LotClosedData{
		Status: string(auction.StatusEnded),
	}))
	s.logger.InfoContext(ctx, "lot closed unsold", slog.String("item_id", it.ID))

	it.Status = auction.StatusEnded
	s.announce(ctx, Closure{Item: *it, Outcome: OutcomeEnded})
	return result{outcome: OutcomeEnded}
}

func (s *Sweeper) announce(ctx context.Context, c Closure) {
	if s.opts.Announcer == nil {
		return
	}
	if err := s.opts.Announcer.LotClosed(ctx, c); err != nil {
		s.logger.WarnContext(ctx, "announcing closed lot",
			slog.String("item_id", c.Item.ID),
			slog.Any("error", err),
		)
	}
}

func (s *Sweeper) appendJournal(ctx context.Context, entries ...journal.Entry) {
	if err := s.journal.Append(ctx, entries...); err != nil {
		s.logger.ErrorContext(ctx, "failed to journal lot closure",
			slog.String("item_id", entries[0].ItemID),
			slog.Any("error", err),
		)
	}
}

func (s *Sweeper) failed(ctx context.Context, span trace.Span, msg, itemID string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	s.sweepErrors.Add(ctx, 1)
	s.logger.ErrorContext(ctx, msg,
		slog.String("item_id", itemID),
		slog.Any("error", err),
	)
}
