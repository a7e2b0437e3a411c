// Package api exposes the relay over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/feepayer"
	"solana-gas-relay/internal/observability"
	"solana-gas-relay/internal/quote"
	"solana-gas-relay/internal/relay"
	"solana-gas-relay/internal/storage"
	"solana-gas-relay/internal/treasury"
)

// Quoter issues quotes and answers pricing questions.
type Quoter interface {
	Quote(ctx context.Context, req quote.Request) (*domain.Quote, error)
	HolderTier(ctx context.Context, wallet string) (domain.HolderTier, error)
	BaselineFee(asset *domain.Asset) (amount, lamports uint64, err error)
	Asset(mint string) (*domain.Asset, bool)
	Assets() []*domain.Asset
	Treasury() string
	TTL() time.Duration
}

// Submitter runs the submission path.
type Submitter interface {
	Submit(ctx context.Context, req relay.SubmitRequest) (*relay.SubmitResult, error)
}

// FeePayers reports fee-payer pool state.
type FeePayers interface {
	Status() []domain.FeePayerStatus
	Summary() feepayer.Summary
}

// Endpoints reports RPC pool state.
type Endpoints interface {
	Status() []domain.EndpointStatus
}

// TreasuryReporter assembles the treasury view.
type TreasuryReporter interface {
	Status(ctx context.Context) (*treasury.Status, error)
}

// Deps are the components the handlers read from.
type Deps struct {
	Quotes       Quoter
	Submitter    Submitter
	FeePayers    FeePayers
	Endpoints    Endpoints
	Transactions storage.TransactionStore
	Burns        storage.BurnStore
	Analytics    storage.FeeAnalyticsStore // optional
	Treasury     TreasuryReporter          // optional
}

// Config configures the HTTP surface.
type Config struct {
	// MetricsKey gates /metrics. Empty disables the endpoint.
	MetricsKey string
	// RateLimit is the number of quote and submit requests per minute per client IP.
	// Zero disables limiting.
	RateLimit   int
	CORSOrigins []string
}

type server struct {
	Deps
	cfg Config
	log zerolog.Logger
}

// NewRouter builds the relay HTTP handler.
func NewRouter(deps Deps, cfg Config, log zerolog.Logger) http.Handler {
	s := &server{Deps: deps, cfg: cfg, log: log}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Metrics-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(s.metrics)

	r.Group(func(r chi.Router) {
		if cfg.RateLimit > 0 {
			r.Use(httprate.Limit(cfg.RateLimit, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					writeError(w, domain.NewError(domain.KindExhausted, domain.CodeRateLimited, "too many requests, retry later"))
				}),
			))
		}
		r.Post("/quote", s.handleQuote)
		r.Post("/submit", s.handleSubmit)
	})

	r.Get("/tokens", s.handleTokens)
	r.Get("/tokens/tiers", s.handleTiers)
	r.Get("/tokens/tiers/{wallet}", s.handleWalletTier)
	r.Get("/tokens/{mint}/score", s.handleTokenScore)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/stats/burns", s.handleBurns)
	r.Get("/stats/treasury", s.handleTreasury)

	if cfg.MetricsKey != "" {
		r.With(s.requireMetricsKey).Method(http.MethodGet, "/metrics", observability.Handler())
	}

	return r
}

func (s *server) metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		observability.RecordHTTPRequest(route, r.Method, strconv.Itoa(status), elapsed.Seconds())

		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Msg("http request")
	})
}

func (s *server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panic")
				writeError(w, domain.NewError(domain.KindInternal, domain.CodeInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *server) requireMetricsKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Metrics-Key")
		if key == "" {
			key = r.URL.Query().Get("key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.MetricsKey)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
