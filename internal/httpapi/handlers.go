package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/charity-auction/internal/auction"
	"github.com/jensholdgaard/charity-auction/internal/bidding"
	"github.com/jensholdgaard/charity-auction/internal/giftaid"
	"github.com/jensholdgaard/charity-auction/internal/payment"
	"github.com/jensholdgaard/charity-auction/internal/store"
)

// maxBody caps request bodies; every payload here is a few fields.
const maxBody = 64 << 10

type itemView struct {
	ID              string     `json:"id"`
	Slug            string     `json:"slug"`
	Title           string     `json:"title"`
	Status          string     `json:"status"`
	StartingBid     string     `json:"starting_bid"`
	MinIncrement    string     `json:"min_increment"`
	CurrentBid      string     `json:"current_bid"`
	MinimumNextBid  string     `json:"minimum_next_bid"`
	BuyNowPrice     string     `json:"buy_now_price,omitempty"`
	BidCount        int        `json:"bid_count"`
	EffectiveEndsAt *time.Time `json:"effective_ends_at,omitempty"`
	WinnerID        string     `json:"winner_id,omitempty"`
}

func newItemView(it *auction.Item) itemView {
	v := itemView{
		ID:             it.ID,
		Slug:           it.Slug,
		Title:          it.Title,
		Status:         string(it.Status),
		StartingBid:    it.StartingBid.StringFixed(2),
		MinIncrement:   it.MinIncrement.StringFixed(2),
		CurrentBid:     it.CurrentBid.StringFixed(2),
		MinimumNextBid: it.MinimumNextBid().StringFixed(2),
		BidCount:       it.BidCount,
	}
	if it.HasBuyNow() {
		v.BuyNowPrice = it.BuyNowPrice.Decimal.StringFixed(2)
	}
	if end, ok := it.EffectiveEndsAt(); ok {
		v.EffectiveEndsAt = &end
	}
	if it.WinnerID != nil {
		v.WinnerID = *it.WinnerID
	}
	return v
}

type paymentView struct {
	ID            string `json:"id"`
	ItemID        string `json:"item_id"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	GiftAidAmount string `json:"gift_aid_amount,omitempty"`
	CheckoutURL   string `json:"checkout_url,omitempty"`
}

func (s *Server) newPaymentView(pr *auction.PaymentRequest) paymentView {
	v := paymentView{
		ID:     pr.ID,
		ItemID: pr.ItemID,
		Status: string(pr.Status),
		Amount: pr.Amount.StringFixed(2),
	}
	if pr.GiftAidAmount.Valid {
		v.GiftAidAmount = pr.GiftAidAmount.Decimal.StringFixed(2)
	}
	if s.opts.CheckoutBaseURL != "" {
		v.CheckoutURL = payment.CheckoutURL(s.opts.CheckoutBaseURL, pr)
	}
	return v
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.repos.Items.GetBySlug(r.Context(), mux.Vars(r)["slug"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newItemView(it))
}

type bidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type bidResponse struct {
	BidID  string `json:"bid_id"`
	Amount string `json:"amount"`
	BuyNow bool   `json:"buy_now"`
}

func (s *Server) placeBid(buyNow bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bidder, err := s.opts.Auth.Authenticate(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}

		var req bidRequest
		if err := decode(r, &req); err != nil && !(buyNow && errors.Is(err, io.EOF)) {
			writeError(w, http.StatusBadRequest, "invalid_body", "request body must be JSON with an amount")
			return
		}
		if !req.Amount.Equal(req.Amount.Round(2)) {
			writeError(w, http.StatusUnprocessableEntity, "invalid_amount", "amounts are whole pence")
			return
		}

		it, err := s.repos.Items.GetBySlug(r.Context(), mux.Vars(r)["slug"])
		if err != nil {
			s.fail(w, r, err)
			return
		}

		res, err := s.engine.Place(r.Context(), it.ID, bidder, req.Amount, buyNow)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, bidResponse{
			BidID:  res.BidID,
			Amount: res.Amount.StringFixed(2),
			BuyNow: res.BuyNow,
		})
	}
}

func (s *Server) paymentQR(w http.ResponseWriter, r *http.Request) {
	pr, err := s.repos.Payments.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	png, err := payment.QRCode(payment.CheckoutURL(s.opts.CheckoutBaseURL, pr))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=300")
	_, _ = w.Write(png)
}

type webhookRequest struct {
	Status      auction.PaymentStatus `json:"status"`
	Declaration *giftaid.Declaration  `json:"declaration,omitempty"`
}

func (s *Server) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be JSON")
		return
	}
	switch req.Status {
	case auction.PaymentCompleted, auction.PaymentFailed, auction.PaymentRefunded:
	default:
		writeError(w, http.StatusBadRequest, "invalid_status", "status must be completed, failed or refunded")
		return
	}
	if req.Declaration != nil && req.Declaration.DeclaredAt.IsZero() {
		req.Declaration.DeclaredAt = s.clock.Now().UTC()
	}

	pr, err := s.service.Settle(r.Context(), mux.Vars(r)["id"], req.Status, req.Declaration)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.newPaymentView(pr))
}

func (s *Server) runSweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sweeper.ProcessExpired(r.Context()))
}

func (s *Server) dispatchPayment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.service.Dispatch(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound), errors.Is(err, payment.ErrNotPending):
		s.fail(w, r, err)
		return
	default:
		s.logger.ErrorContext(r.Context(), "manual dispatch failed",
			slog.String("payment_id", id),
			slog.Any("error", err),
		)
		writeError(w, http.StatusBadGateway, "dispatch_failed", "the checkout did not accept the request")
		return
	}

	pr, err := s.repos.Payments.GetByID(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.newPaymentView(pr))
}

type paymentSettings struct {
	AutoPaymentRequests bool   `json:"auto_payment_requests"`
	Source              string `json:"source,omitempty"`
}

func (s *Server) getPaymentSettings(w http.ResponseWriter, r *http.Request) {
	enabled, ok, err := s.repos.Settings.AutoPaymentRequests(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, paymentSettings{AutoPaymentRequests: s.opts.AutoRequestDefault, Source: "default"})
		return
	}
	writeJSON(w, http.StatusOK, paymentSettings{AutoPaymentRequests: enabled, Source: "stored"})
}

func (s *Server) putPaymentSettings(w http.ResponseWriter, r *http.Request) {
	var req paymentSettings
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be JSON")
		return
	}
	if err := s.repos.Settings.SetAutoPaymentRequests(r.Context(), req.AutoPaymentRequests); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "automatic payment requests changed",
		slog.Bool("enabled", req.AutoPaymentRequests))
	writeJSON(w, http.StatusOK, paymentSettings{AutoPaymentRequests: req.AutoPaymentRequests, Source: "stored"})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// fail maps err to a status code. Unexpected errors are logged and hidden.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var rej *bidding.RejectionError
	switch {
	case errors.As(err, &rej):
		writeError(w, rejectionStatus(rej.Reason), string(rej.Reason), rej.Message)
	case errors.Is(err, ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such resource")
	case errors.Is(err, giftaid.ErrInvalidDeclaration):
		writeError(w, http.StatusUnprocessableEntity, "invalid_declaration", err.Error())
	case errors.Is(err, payment.ErrInvalidTransition), errors.Is(err, payment.ErrNotPending):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "internal", "something went wrong")
	}
}

// rejectionStatus answers 409 when the lot's state refused the bid and 422
// when the bid or bidder did.
func rejectionStatus(reason bidding.Reason) int {
	switch reason {
	case bidding.ReasonItemNotActive, bidding.ReasonBidNotHigher, bidding.ReasonBuyNowUnavailable:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, code int, reason, msg string) {
	writeJSON(w, code, errorBody{Error: reason, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
