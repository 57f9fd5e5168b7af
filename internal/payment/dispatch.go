package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"

	"github.com/jensholdgaard/charity-auction/internal/auction"
)

// Dispatcher starts a hosted checkout for a payment request. Dispatch is
// best-effort: a failure never undoes the lot's closure.
type Dispatcher interface {
	Dispatch(ctx context.Context, pr *auction.PaymentRequest) error
}

// CheckoutRequested is the message published for each dispatched request.
type CheckoutRequested struct {
	PaymentID   string          `json:"payment_id"`
	ItemID      string          `json:"item_id"`
	BidID       string          `json:"bid_id"`
	WinnerID    string          `json:"winner_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	CheckoutURL string          `json:"checkout_url"`
	RequestedAt time.Time       `json:"requested_at"`
}

// Publisher is the slice of jetstream.JetStream the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSDispatcher publishes CheckoutRequested messages to JetStream. The
// payment id doubles as the message id so JetStream drops re-dispatches
// inside its duplicate window.
type NATSDispatcher struct {
	pub          Publisher
	prefix       string
	checkoutBase string
	now          func() time.Time
}

// NewNATSDispatcher returns a dispatcher publishing under prefix.
func NewNATSDispatcher(pub Publisher, prefix, checkoutBase string, now func() time.Time) *NATSDispatcher {
	return &NATSDispatcher{pub: pub, prefix: prefix, checkoutBase: checkoutBase, now: now}
}

// Subject returns the subject a payment request is published on.
func (d *NATSDispatcher) Subject(paymentID string) string {
	return d.prefix + "." + paymentID
}

func (d *NATSDispatcher) Dispatch(ctx context.Context, pr *auction.PaymentRequest) error {
	data, err := json.Marshal(CheckoutRequested{
		PaymentID:   pr.ID,
		ItemID:      pr.ItemID,
		BidID:       pr.BidID,
		WinnerID:    pr.WinnerID,
		Amount:      pr.Amount,
		Currency:    "GBP",
		CheckoutURL: CheckoutURL(d.checkoutBase, pr),
		RequestedAt: d.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshalling checkout request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := d.pub.Publish(ctx, d.Subject(pr.ID), data, jetstream.WithMsgID(pr.ID)); err != nil {
		return fmt.Errorf("publishing checkout request: %w", err)
	}
	return nil
}

// EnsureStream creates or updates the JetStream stream backing prefix.
func EnsureStream(ctx context.Context, js jetstream.JetStream, prefix string) error {
	name := strings.ToUpper(strings.NewReplacer(".", "_", "*", "", ">", "").Replace(prefix))
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        name,
		Description: "Hosted checkout requests for won lots",
		Subjects:    []string{prefix + ".*"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy,
		Duplicates:  24 * time.Hour,
		MaxAge:      7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", name, err)
	}
	return nil
}

// LogDispatcher only logs the checkout link. It is used when no message
// broker is configured and payments are chased by hand.
type LogDispatcher struct {
	Logger       *slog.Logger
	CheckoutBase string
}

func (d LogDispatcher) Dispatch(ctx context.Context, pr *auction.PaymentRequest) error {
	d.Logger.InfoContext(ctx, "payment request ready",
		slog.String("payment_id", pr.ID),
		slog.String("item_id", pr.ItemID),
		slog.String("winner_id", pr.WinnerID),
		slog.String("amount", pr.Amount.StringFixed(2)),
		slog.String("checkout_url", CheckoutURL(d.CheckoutBase, pr)),
	)
	return nil
}

// CheckoutURL is the hosted checkout link for a payment request.
func CheckoutURL(base string, pr *auction.PaymentRequest) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(pr.ID)
}

// QRCode renders content as a 256px PNG.
func QRCode(content string) ([]byte, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("encoding qr code: %w", err)
	}
	return png, nil
}
