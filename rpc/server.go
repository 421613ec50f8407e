package rpc

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"nusd/native/cdp"
	"nusd/native/collateral"
	nativecommon "nusd/native/common"
	"nusd/native/stability"
	"nusd/observability/metrics"
)

// Config captures the dependencies required to construct the HTTP server.
type Config struct {
	Registry        *collateral.Registry
	Ledger          *cdp.Engine
	Pool            *stability.Engine
	Governance      nativecommon.Authority
	GovernanceToken string
	Oracle          *PriceBook
	RateLimit       rate.Limit
	RateBurst       int
	Logger          *slog.Logger

	// Atomic wraps each state transition so that the engines' persistence
	// writes commit or roll back together. Defaults to running the
	// transition directly.
	Atomic func(func() error) error
}

// Server exposes the protocol engines over HTTP. All state transitions are
// serialised through a single mutex; the engines assume one logical caller.
type Server struct {
	registry *collateral.Registry
	ledger   *cdp.Engine
	pool     *stability.Engine
	gov      nativecommon.Authority
	govToken string
	oracle   *PriceBook
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metrics.ProtocolMetrics
	atomic   func(func() error) error

	mu     sync.Mutex
	router http.Handler
}

// New constructs a configured HTTP server around the protocol engines.
func New(cfg Config) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 40
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	atomic := cfg.Atomic
	if atomic == nil {
		atomic = func(fn func() error) error { return fn() }
	}
	srv := &Server{
		registry: cfg.Registry,
		ledger:   cfg.Ledger,
		pool:     cfg.Pool,
		gov:      cfg.Governance,
		govToken: cfg.GovernanceToken,
		oracle:   cfg.Oracle,
		limiter:  rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:   logger,
		metrics:  metrics.Protocol(),
		atomic:   atomic,
	}
	srv.router = srv.buildRouter()
	return srv
}

// runLedgerTxn executes a state transition inside the configured atomic
// wrapper. When the transition fails its durable writes are rolled back, so
// the in-memory ratio ordering is rebuilt from the surviving records.
func (s *Server) runLedgerTxn(fn func() error) error {
	err := s.atomic(fn)
	if err != nil {
		if rebuildErr := s.ledger.RebuildIndexes(); rebuildErr != nil {
			s.logger.Error("rebuild ratio ordering after rollback", "error", rebuildErr)
		}
	}
	return err
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(s.requestID)
	r.Use(s.observeRequests)
	r.Use(chimw.Recoverer)
	r.Use(s.throttle)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Get("/collateral", s.listCollateral)
		api.Get("/collateral/{symbol}", s.getCollateral)
		api.Get("/collateral/{symbol}/lowest-ratio", s.lowestRatio)
		api.Get("/cdps/{id}", s.getPosition)
		api.Get("/pools/{symbol}", s.getPool)
		api.Get("/pools/{symbol}/shares/{owner}", s.getShares)

		api.Post("/cdps", s.openPosition)
		api.Post("/cdps/{id}/adjust", s.adjustPosition)
		api.Post("/cdps/{id}/close", s.closePosition)
		api.Post("/cdps/{id}/leftovers", s.retrieveLeftovers)
		api.Post("/cdps/{id}/link", s.linkPrivileged)
		api.Post("/cdps/{id}/unlink", s.unlinkPrivileged)
		api.Post("/collateral/{symbol}/liquidate", s.liquidate)
		api.Post("/collateral/{symbol}/redeem", s.redeem)
		api.Post("/pools/{symbol}/deposit", s.depositPool)
		api.Post("/pools/{symbol}/withdraw", s.withdrawPool)

		api.Group(func(gov chi.Router) {
			gov.Use(s.requireGovernance)
			gov.Post("/gov/collateral", s.registerCollateral)
			gov.Post("/gov/collateral/{symbol}/params", s.updateCollateralParams)
			gov.Post("/gov/collateral/{symbol}/stops", s.setStop)
			gov.Post("/gov/privileged", s.registerPrivileged)
			gov.Post("/gov/pools", s.createPool)
			gov.Post("/gov/pools/{symbol}/splits", s.setRewardSplits)
			gov.Post("/gov/pools/{symbol}/clear-panic", s.clearPanic)
			gov.Post("/gov/prices", s.setPrice)
		})
	})

	return r
}
