// Package server implements the licensing service: signed activation with
// device quotas, replay-resistant heartbeats, tamper-evident configuration
// distribution with rotating tokens, per-endpoint rate limiting and an
// append-only audit trail.
package server

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"net/http"
	"reflect"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goudaren0528/orderinfo-server/internal/config"
	"github.com/goudaren0528/orderinfo-server/internal/infrastructure"
	"github.com/goudaren0528/orderinfo-server/internal/store"
)

// Server holds the request handlers and every piece of shared mutable state:
// the nonce store, rate-limit counters and config-token table are explicit
// injected stores, never ambient globals.
type Server struct {
	store        *store.Store
	log          *slog.Logger
	protocol     config.ProtocolConfig
	adminAPIKey  string
	maxBodyBytes int64

	nonces  *NonceStore
	tokens  *TokenStore
	limiter *RateLimiter
	auditor *Auditor
	metrics *Metrics

	signKey      ed25519.PrivateKey
	publicKeyPEM string

	validate *validator.Validate
	now      func() time.Time
}

// Options bundles the injected collaborators for NewServer.
type Options struct {
	Store        *store.Store
	Logger       *slog.Logger
	Protocol     config.ProtocolConfig
	AdminAPIKey  string
	MaxBodyBytes int64
	SignKey      ed25519.PrivateKey
	PublicKeyPEM string
	Registry     prometheus.Registerer
}

// New assembles a server from its collaborators.
func New(opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.DefaultRegisterer
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Server{
		store:        opts.Store,
		log:          opts.Logger.With(slog.String("component", "server")),
		protocol:     opts.Protocol,
		adminAPIKey:  opts.AdminAPIKey,
		maxBodyBytes: opts.MaxBodyBytes,
		nonces:       NewNonceStore(opts.Protocol.NonceRetention),
		tokens:       NewTokenStore(opts.Protocol.ConfigTokenTTL),
		limiter:      NewRateLimiter(opts.Protocol.RateWindow),
		auditor:      NewAuditor(opts.Store, opts.Logger),
		metrics:      NewMetrics(opts.Registry),
		signKey:      opts.SignKey,
		publicKeyPEM: opts.PublicKeyPEM,
		validate:     v,
		now:          time.Now,
	}
}

// Router builds the chi router with the middleware chain.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestID)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/activate", s.handleActivate)
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Post("/config/fetch", s.handleConfigFetch)
		r.Post("/config/save", s.handleConfigSave)
		r.Get("/public-key", s.handlePublicKey)
	})
	r.Post("/admin/generate", s.handleAdminGenerate)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// RunMaintenance sweeps the in-memory stores until ctx is cancelled.
func (s *Server) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.nonces.Sweep()
			s.tokens.Sweep()
			s.limiter.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := infrastructure.WithTraceID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.InfoContext(r.Context(), "request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("remote_addr", r.RemoteAddr),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// recoverer keeps handler panics from leaking internals to the caller.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				s.log.ErrorContext(r.Context(), "panic recovered",
					slog.Any("panic", rvr),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				renderError(w, r, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
