// Package httpapi exposes bidding, checkout callbacks and admin operations
// over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/charity-auction/internal/bidding"
	"github.com/jensholdgaard/charity-auction/internal/clock"
	"github.com/jensholdgaard/charity-auction/internal/closing"
	"github.com/jensholdgaard/charity-auction/internal/health"
	"github.com/jensholdgaard/charity-auction/internal/payment"
	"github.com/jensholdgaard/charity-auction/internal/store"
	"github.com/jensholdgaard/charity-auction/internal/telemetry"
)

const headerRequestID = "X-Request-ID"

// Options configures a Server.
type Options struct {
	// Auth resolves bidders; HeaderAuth when nil.
	Auth            Authenticator
	CheckoutBaseURL string
	// AdminToken is the bearer token for /api/ routes.
	AdminToken string
	// WebhookSecret is compared with X-Webhook-Secret on /webhooks/ routes.
	WebhookSecret string
	// AutoRequestDefault is reported when no setting is stored.
	AutoRequestDefault bool
	// Trigger wraps page routes, typically closing.Trigger. Nil disables it.
	Trigger func(http.Handler) http.Handler
	// Health, when set, serves /healthz and /readyz.
	Health *health.Handler
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Server holds the HTTP handlers.
type Server struct {
	repos   *store.Repositories
	engine  *bidding.Engine
	service *payment.Service
	sweeper closing.Sweep
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	clock   clock.Clock
}

// New creates a new Server.
func New(repos *store.Repositories, engine *bidding.Engine, svc *payment.Service, sw closing.Sweep, opts Options, logger *slog.Logger, clk clock.Clock) *Server {
	if opts.Auth == nil {
		opts.Auth = HeaderAuth{}
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	return &Server{
		repos:   repos,
		engine:  engine,
		service: svc,
		sweeper: sw,
		opts:    opts,
		logger:  logger,
		tracer:  opts.TracerProvider.Tracer("github.com/jensholdgaard/charity-auction/internal/httpapi"),
		clock:   clk,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	root := mux.NewRouter()
	root.Use(s.logRequests)

	if s.opts.Health != nil {
		s.opts.Health.Register(root)
	}

	api := root.PathPrefix("/api").Subrouter()
	api.Use(func(next http.Handler) http.Handler {
		return requireSecret("Authorization", "Bearer ", s.opts.AdminToken, next)
	})
	api.HandleFunc("/sweep", s.runSweep).Methods(http.MethodPost)
	api.HandleFunc("/payments/{id}/dispatch", s.dispatchPayment).Methods(http.MethodPost)
	api.HandleFunc("/settings/payments", s.getPaymentSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings/payments", s.putPaymentSettings).Methods(http.MethodPut)

	hooks := root.PathPrefix("/webhooks").Subrouter()
	hooks.Use(func(next http.Handler) http.Handler {
		return requireSecret("X-Webhook-Secret", "", s.opts.WebhookSecret, next)
	})
	hooks.HandleFunc("/payments/{id}", s.paymentWebhook).Methods(http.MethodPost)

	pages := root.NewRoute().Subrouter()
	if s.opts.Trigger != nil {
		pages.Use(s.opts.Trigger)
		// Middleware only runs on matched routes; unmatched requests sweep too.
		root.NotFoundHandler = s.logRequests(s.opts.Trigger(http.NotFoundHandler()))
		root.MethodNotAllowedHandler = s.logRequests(s.opts.Trigger(http.HandlerFunc(methodNotAllowed)))
	}
	pages.HandleFunc("/items/{slug}", s.getItem).Methods(http.MethodGet)
	pages.HandleFunc("/items/{slug}/bids", s.placeBid(false)).Methods(http.MethodPost)
	pages.HandleFunc("/items/{slug}/buy-now", s.placeBid(true)).Methods(http.MethodPost)
	pages.HandleFunc("/payments/{id}/qr.png", s.paymentQR).Methods(http.MethodGet)

	return root
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusMethodNotAllowed)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)

		route := r.URL.Path
		if cr := mux.CurrentRoute(r); cr != nil {
			if tmpl, err := cr.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.Start(ctx, r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("request_id", id),
			),
		)
		defer span.End()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))

		telemetry.LogWithTrace(ctx, s.logger).InfoContext(ctx, "http request",
			slog.String("request_id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
