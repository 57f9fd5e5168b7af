// Package bidding admits bids: it validates a bid against the lot's current
// state and commits it with a conditional update so concurrent bidders can
// never both move the price from the same starting point.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/charity-auction/internal/auction"
	"github.com/jensholdgaard/charity-auction/internal/clock"
	"github.com/jensholdgaard/charity-auction/internal/journal"
	"github.com/jensholdgaard/charity-auction/internal/store"
)

const instrumentationName = "github.com/jensholdgaard/charity-auction/internal/bidding"

// maxAttempts bounds how often Place re-reads a lot after losing a race.
const maxAttempts = 3

// Result describes an accepted bid.
type Result struct {
	BidID  string
	Amount decimal.Decimal
	BuyNow bool
}

// Engine validates and commits bids.
type Engine struct {
	items   store.ItemRepository
	journal journal.Store
	logger  *slog.Logger
	tracer  trace.Tracer
	clock   clock.Clock

	accepted metric.Int64Counter
	rejected metric.Int64Counter
}

// NewEngine creates a new Engine.
func NewEngine(items store.ItemRepository, js journal.Store, logger *slog.Logger, tp trace.TracerProvider, mp metric.MeterProvider, clk clock.Clock) (*Engine, error) {
	meter := mp.Meter(instrumentationName)
	accepted, err := meter.Int64Counter("auction.bids.accepted",
		metric.WithDescription("Bids committed to a lot."))
	if err != nil {
		return nil, fmt.Errorf("creating accepted counter: %w", err)
	}
	rejected, err := meter.Int64Counter("auction.bids.rejected",
		metric.WithDescription("Bids refused, by reason."))
	if err != nil {
		return nil, fmt.Errorf("creating rejected counter: %w", err)
	}

	return &Engine{
		items:    items,
		journal:  js,
		logger:   logger,
		tracer:   tp.Tracer(instrumentationName),
		clock:    clk,
		accepted: accepted,
		rejected: rejected,
	}, nil
}

// Place admits a bid on the lot identified by itemID. A *RejectionError is
// returned when the bid is invalid; any other error is an infrastructure
// failure.
func (e *Engine) Place(ctx context.Context, itemID string, bidder Bidder, amount decimal.Decimal, buyNow bool) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Place",
		trace.WithAttributes(
			attribute.String("item_id", itemID),
			attribute.String("user_id", bidder.ID),
			attribute.String("amount", amount.StringFixed(2)),
			attribute.Bool("buy_now", buyNow),
		),
	)
	defer span.End()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		it, err := e.items.GetByID(ctx, itemID)
		if err != nil {
			return nil, fmt.Errorf("loading item: %w", err)
		}

		now := e.clock.Now().UTC()
		if it.Status == auction.StatusActive && it.Expired(now) {
			// Past the deadline but not yet swept.
			return nil, e.rejectedWith(ctx, span, reject(ReasonItemNotActive, "bidding on lot %s has closed", it.Slug))
		}

		effective, err := Validate(it, bidder, amount, buyNow)
		if err != nil {
			return nil, e.rejectedWith(ctx, span, err)
		}

		bid := &auction.Bid{
			ItemID:    it.ID,
			UserID:    bidder.ID,
			Amount:    effective,
			CreatedAt: now,
		}
		err = e.items.CommitBid(ctx, bid, it.CurrentBid, buyNow)
		if errors.Is(err, store.ErrStale) {
			e.logger.DebugContext(ctx, "lost bid race, retrying",
				slog.String("item_id", itemID),
				slog.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("committing bid: %w", err)
		}

		e.recordAccepted(ctx, it, bid, buyNow)
		return &Result{BidID: bid.ID, Amount: bid.Amount, BuyNow: buyNow}, nil
	}

	return nil, e.rejectedWith(ctx, span,
		reject(ReasonBidNotHigher, "the price changed while your bid was placed, please try again"))
}

func (e *Engine) rejectedWith(ctx context.Context, span trace.Span, err error) error {
	var rej *RejectionError
	if errors.As(err, &rej) {
		span.SetAttributes(attribute.String("rejection", string(rej.Reason)))
		e.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(rej.Reason))))
	}
	return err
}

func (e *Engine) recordAccepted(ctx context.Context, it *auction.Item, bid *auction.Bid, buyNow bool) {
	e.accepted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("buy_now", buyNow)))

	entry := journal.New(it.ID, journal.BidPlaced, journal.BidPlacedData{
		BidID:    bid.ID,
		UserID:   bid.UserID,
		Amount:   bid.Amount,
		Previous: it.CurrentBid,
		BuyNow:   buyNow,
	})
	entry.CreatedAt = bid.CreatedAt
	if err := e.journal.Append(ctx, entry); err != nil {
		e.logger.ErrorContext(ctx, "failed to journal bid",
			slog.String("item_id", it.ID),
			slog.String("bid_id", bid.ID),
			slog.Any("error", err),
		)
	}

	e.logger.InfoContext(ctx, "bid accepted",
		slog.String("item_id", it.ID),
		slog.String("bid_id", bid.ID),
		slog.String("user_id", bid.UserID),
		slog.String("amount", bid.Amount.StringFixed(2)),
		slog.Bool("buy_now", buyNow),
	)
}
