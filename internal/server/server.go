package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mailgate/mailgate/internal/handler"
	"github.com/mailgate/mailgate/internal/ledger"
	"github.com/mailgate/mailgate/internal/server/middleware"
	"github.com/mailgate/mailgate/internal/service"
	"github.com/mailgate/mailgate/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	MaxBodySize     int64 // bytes
	VerifyRateLimit int   // requests per minute per IP on token endpoints
	APIKeyHeader    string
	TLSCertFile     string
	TLSKeyFile      string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		MaxBodySize:     1 << 20,
		VerifyRateLimit: 60,
		APIKeyHeader:    "X-API-Key",
	}
}

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP front of mailgate. It owns the Chi router and the
// services the handlers call.
type Server struct {
	cfg        Config
	router     chi.Router
	gateway    *service.Gateway
	store      *store.Store
	ledger     *ledger.Ledger
	authSvc    *service.AuthService
	checks     map[string]Pinger
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Extra readiness checks (for example a Redis ledger) are
// passed in checks; the SQL store is always checked.
func New(cfg Config, gw *service.Gateway, st *store.Store, l *ledger.Ledger, authSvc *service.AuthService, checks map[string]Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	all := map[string]Pinger{"store": st}
	for name, p := range checks {
		all[name] = p
	}
	s := &Server{
		cfg:     cfg,
		gateway: gw,
		store:   st,
		ledger:  l,
		authSvc: authSvc,
		checks:  all,
		logger:  logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", s.apiKeyHeader(), "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID", middleware.ErrorKindHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.MaxBody(s.cfg.MaxBodySize))

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	cards := handler.NewCardKeyHandler(s.gateway)
	invites := handler.NewInviteHandler(s.gateway)
	pool := handler.NewPoolHandler(s.store, s.gateway.Engine(), s.ledger)
	operator := middleware.Authenticate(s.authSvc, s.apiKeyHeader())
	throttle := middleware.RateLimit(s.cfg.VerifyRateLimit)

	r.Route("/api/v1", func(r chi.Router) {
		// Token endpoints used by end users. Guessing is slowed per IP.
		r.Group(func(r chi.Router) {
			r.Use(throttle)

			r.Post("/card-keys/verify", cards.Verify)
			r.Post("/card-keys/login", cards.Login)
			r.Get("/invites/{token}", invites.Verify)
			r.Post("/invites/redeem", invites.Redeem)
			r.Post("/invites/trial", invites.Trial)
		})

		// Operator endpoints.
		r.Group(func(r chi.Router) {
			r.Use(operator)

			r.Post("/card-keys", cards.Issue)
			r.Post("/invites", invites.Issue)
			r.Post("/allocations", pool.Allocate)

			r.Get("/pool", pool.Stats)
			r.Get("/pool/resources", pool.ListResources)
			r.Post("/pool/resources", pool.AddResources)
			r.Post("/pool/resources/{address}/ban", pool.Ban)
			r.Post("/pool/resources/{address}/unban", pool.Unban)

			r.Get("/ledger/{subject}", pool.LedgerEntries)
		})
	})

	s.router = r
}

func (s *Server) apiKeyHeader() string {
	if s.cfg.APIKeyHeader == "" {
		return "X-API-Key"
	}
	return s.cfg.APIKeyHeader
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when every backing store is
// reachable, or 503 if any is not.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	for _, name := range names {
		if err := s.checks[name].Ping(ctx); err != nil {
			checks[name] = "error: " + err.Error()
			status = "degraded"
		} else {
			checks[name] = "ok"
		}
	}

	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests. Closing the stores is left to the caller.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCertFile != "" {
			s.logger.Info("server starting", "addr", addr, "tls", true)
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			s.logger.Info("server starting", "addr", addr)
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
