package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"stakegate/auth"
	"stakegate/observability"
	"stakegate/staking"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB       *gorm.DB
	Ledger   *staking.Ledger
	Auth     *auth.Authenticator
	ChainID  uint64
	NonceTTL time.Duration
	Logger   *slog.Logger
}

// Server encapsulates dependencies for the HTTP API. Signed write operations
// forward to the ledger; read paths never consume nonces or require
// signatures.
type Server struct {
	DB       *gorm.DB
	Ledger   *staking.Ledger
	Auth     *auth.Authenticator
	ChainID  uint64
	NonceTTL time.Duration

	logger *slog.Logger
	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		DB:       cfg.DB,
		Ledger:   cfg.Ledger,
		Auth:     cfg.Auth,
		ChainID:  cfg.ChainID,
		NonceTTL: cfg.NonceTTL,
		logger:   logger,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observeLatency)

	r.Get("/healthz", s.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/staking", func(api chi.Router) {
		api.Post("/nonce", s.IssueNonce)
		api.Post("/stake", s.CreateStake)
		api.Post("/unstake", s.Unstake)
		api.Post("/claim", s.ClaimRewards)
		api.Get("/pools", s.ListPools)
		api.Get("/stakes/{stakeID}", s.GetStake)
		api.Get("/agents/{agentID}/stakes", s.ListAgentStakes)
	})
	return r
}

func (s *Server) observeLatency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		observability.Staking().Latency.WithLabelValues(r.Method + " " + route).Observe(time.Since(start).Seconds())
	})
}

// Healthz reports liveness and database reachability.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeLedgerError maps domain failures onto response codes. Authentication
// failures are reported with one generic message: the API must not reveal
// whether the nonce was missing, expired, consumed, mismatched, or the
// signature itself declined.
func (s *Server) writeLedgerError(w http.ResponseWriter, operation string, err error) {
	observability.Staking().Operations.WithLabelValues(operation, "error").Inc()
	var locked *staking.LockedError
	switch {
	case errors.Is(err, auth.ErrNonceNotFound),
		errors.Is(err, auth.ErrSignatureInvalid),
		errors.Is(err, auth.ErrSignatureMalformed):
		observability.Staking().AuthFailures.WithLabelValues(operation).Inc()
		s.writeError(w, http.StatusUnauthorized, "authentication failed")
	case errors.Is(err, staking.ErrNotStakeOwner):
		s.writeError(w, http.StatusForbidden, "stake belongs to another agent")
	case errors.Is(err, staking.ErrStakeNotFound),
		errors.Is(err, staking.ErrPoolNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &locked):
		s.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":        "stake is still time-locked",
			"canUnstakeAt": locked.CanUnstakeAt.UTC().Format(time.RFC3339),
		})
	case errors.Is(err, staking.ErrAlreadyUnstaked),
		errors.Is(err, staking.ErrNoUnclaimedRewards):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, staking.ErrBelowMinimum),
		errors.Is(err, staking.ErrInvalidAddress),
		errors.Is(err, staking.ErrPoolInactive):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("ledger operation failed", "operation", operation, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
