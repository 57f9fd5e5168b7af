// Package payment dispatches payment requests to the hosted checkout and
// applies the checkout's outcome to the payment request and its lot.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/charity-auction/internal/auction"
	"github.com/jensholdgaard/charity-auction/internal/clock"
	"github.com/jensholdgaard/charity-auction/internal/giftaid"
	"github.com/jensholdgaard/charity-auction/internal/journal"
	"github.com/jensholdgaard/charity-auction/internal/store"
)

const instrumentationName = "github.com/jensholdgaard/charity-auction/internal/payment"

var (
	// ErrNotPending is returned when dispatching a request that is no longer pending.
	ErrNotPending = errors.New("payment request is not pending")
	// ErrInvalidTransition is returned when an outcome cannot follow the current status.
	ErrInvalidTransition = errors.New("invalid payment status transition")
)

// Service owns payment requests after the sweep has created them.
type Service struct {
	items      store.ItemRepository
	payments   store.PaymentRepository
	journal    journal.Store
	dispatcher Dispatcher
	logger     *slog.Logger
	tracer     trace.Tracer
	clock      clock.Clock

	dispatchFailures metric.Int64Counter
}

// NewService creates a new Service.
func NewService(repos *store.Repositories, d Dispatcher, logger *slog.Logger, tp trace.TracerProvider, mp metric.MeterProvider, clk clock.Clock) (*Service, error) {
	failures, err := mp.Meter(instrumentationName).Int64Counter("auction.payments.dispatch_failures",
		metric.WithDescription("Payment requests whose checkout dispatch failed."))
	if err != nil {
		return nil, fmt.Errorf("creating dispatch failure counter: %w", err)
	}
	return &Service{
		items:            repos.Items,
		payments:         repos.Payments,
		journal:          repos.Journal,
		dispatcher:       d,
		logger:           logger,
		tracer:           tp.Tracer(instrumentationName),
		clock:            clk,
		dispatchFailures: failures,
	}, nil
}

// Dispatch sends a pending payment request to the checkout. It is the
// manual retry path after a failed or disabled automatic dispatch.
func (s *Service) Dispatch(ctx context.Context, paymentID string) error {
	ctx, span := s.tracer.Start(ctx, "Service.Dispatch",
		trace.WithAttributes(attribute.String("payment_id", paymentID)),
	)
	defer span.End()

	pr, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("loading payment request: %w", err)
	}
	if pr.Status != auction.PaymentPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, pr.ID, pr.Status)
	}
	return s.DispatchRequest(ctx, pr)
}

// DispatchRequest sends pr to the checkout, journaling the attempt and
// counting failures.
func (s *Service) DispatchRequest(ctx context.Context, pr *auction.PaymentRequest) error {
	data := journal.PaymentData{PaymentID: pr.ID, Status: string(pr.Status), Amount: pr.Amount}

	if err := s.dispatcher.Dispatch(ctx, pr); err != nil {
		s.dispatchFailures.Add(ctx, 1)
		data.Error = err.Error()
		s.appendJournal(ctx, journal.New(pr.ItemID, journal.PaymentDispatched, data))
		return fmt.Errorf("dispatching payment request %s: %w", pr.ID, err)
	}

	s.appendJournal(ctx, journal.New(pr.ItemID, journal.PaymentDispatched, data))
	s.logger.InfoContext(ctx, "payment request dispatched",
		slog.String("payment_id", pr.ID),
		slog.String("item_id", pr.ItemID),
	)
	return nil
}

// Settle applies a checkout outcome. A completed payment marks the lot sold
// and, given a valid declaration and a known market value, records the Gift
// Aid reclaim. Repeating an outcome that already applies changes nothing,
// except that a repeated completion finishes a lot left awaiting payment.
func (s *Service) Settle(ctx context.Context, paymentID string, outcome auction.PaymentStatus, decl *giftaid.Declaration) (*auction.PaymentRequest, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Settle",
		trace.WithAttributes(
			attribute.String("payment_id", paymentID),
			attribute.String("outcome", string(outcome)),
		),
	)
	defer span.End()

	if decl != nil && outcome == auction.PaymentCompleted {
		if err := decl.Validate(); err != nil {
			return nil, err
		}
	}

	pr, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("loading payment request: %w", err)
	}
	now := s.clock.Now().UTC()
	if pr.Status == outcome {
		// A repeated completion finishes the lot if the first attempt
		// stopped between the payment and the lot update.
		if outcome == auction.PaymentCompleted {
			if err := s.completeLot(ctx, pr, decl, now); err != nil {
				return nil, err
			}
		}
		return pr, nil
	}
	if !auction.CanSettle(pr.Status, outcome) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, pr.Status, outcome)
	}

	if err := s.payments.SetStatus(ctx, pr.ID, pr.Status, outcome, now); err != nil {
		return nil, fmt.Errorf("updating payment request: %w", err)
	}
	pr.Status = outcome
	pr.UpdatedAt = now

	if outcome == auction.PaymentCompleted {
		if err := s.completeLot(ctx, pr, decl, now); err != nil {
			return nil, err
		}
	}

	data := journal.PaymentData{PaymentID: pr.ID, Status: string(outcome), Amount: pr.Amount}
	if pr.GiftAidAmount.Valid {
		data.GiftAidAmount = pr.GiftAidAmount.Decimal
	}
	s.appendJournal(ctx, journal.New(pr.ItemID, journal.PaymentSettled, data))

	s.logger.InfoContext(ctx, "payment settled",
		slog.String("payment_id", pr.ID),
		slog.String("item_id", pr.ItemID),
		slog.String("status", string(outcome)),
	)
	return pr, nil
}

func (s *Service) completeLot(ctx context.Context, pr *auction.PaymentRequest, decl *giftaid.Declaration, now time.Time) error {
	err := s.items.SetStatus(ctx, pr.ItemID, auction.StatusAwaitingPayment, auction.StatusSold, now)
	switch {
	case errors.Is(err, store.ErrStale):
		// Already sold by an earlier delivery of the same outcome.
		s.logger.DebugContext(ctx, "lot not awaiting payment on completion",
			slog.String("item_id", pr.ItemID),
			slog.String("payment_id", pr.ID),
		)
	case err != nil:
		return fmt.Errorf("marking lot sold: %w", err)
	}

	if decl == nil || pr.GiftAidClaimed {
		return nil
	}
	it, err := s.items.GetByID(ctx, pr.ItemID)
	if err != nil {
		return fmt.Errorf("loading lot for gift aid: %w", err)
	}
	if !it.MarketValue.Valid {
		return nil
	}

	amount := giftaid.Calculate(pr.Amount, it.MarketValue.Decimal)
	if err := s.payments.RecordGiftAid(ctx, pr.ID, amount, now); err != nil {
		return fmt.Errorf("recording gift aid: %w", err)
	}
	pr.GiftAidClaimed = true
	pr.GiftAidAmount.Decimal = amount
	pr.GiftAidAmount.Valid = true
	return nil
}

func (s *Service) appendJournal(ctx context.Context, e journal.Entry) {
	if err := s.journal.Append(ctx, e); err != nil {
		s.logger.ErrorContext(ctx, "failed to journal payment activity",
			slog.String("item_id", e.ItemID),
			slog.String("type", string(e.Type)),
			slog.Any("error", err),
		)
	}
}
