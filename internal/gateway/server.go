package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/housectl/internal/directory"
	"github.com/markus-barta/housectl/internal/dispatch"
	"github.com/markus-barta/housectl/internal/identity"
	"github.com/markus-barta/housectl/internal/mqttbridge"
	"github.com/markus-barta/housectl/internal/registry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Server is the gateway server.
type Server struct {
	cfg      *Config
	db       *sql.DB
	log      zerolog.Logger
	registry *registry.Registry
	commands *dispatch.Commands
	auth     *identity.Service
	devices  *directory.Store
	bridge   *mqttbridge.Bridge
	router   *chi.Mux
	upgrader websocket.Upgrader

	// active counts controller endpoints still running their read loop.
	active   sync.WaitGroup
	draining atomic.Bool
	drainMu  sync.Mutex
}

// New wires the registry, dispatcher and stores into a gateway server.
func New(cfg *Config, db *sql.DB, log zerolog.Logger) (*Server, error) {
	reg := registry.New(log)
	dispatcher := dispatch.New(reg, log, dispatch.Options{
		SendTimeout: cfg.SendTimeout,
		FanOut:      cfg.FanOutLimit,
	})
	devices := directory.New(db)

	s := &Server{
		cfg:      cfg,
		db:       db,
		log:      log.With().Str("component", "gateway").Logger(),
		registry: reg,
		commands: dispatch.NewCommands(devices, dispatcher, cfg.ScopeMode, log),
		auth: identity.NewService(db, identity.Config{
			SessionDuration: cfg.SessionDuration,
			TOTPSecret:      cfg.TOTPSecret,
			RateLimit:       cfg.RateLimitRequests,
			RateWindow:      cfg.RateLimitWindow,
			SecureCookie:    cfg.SecureCookie,
		}),
		devices: devices,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}

	if cfg.AdminPasswordHash != "" {
		if err := s.auth.EnsureAdmin(context.Background(), cfg.AdminUsername, cfg.AdminPasswordHash); err != nil {
			return nil, fmt.Errorf("seed admin: %w", err)
		}
	}

	if cfg.MQTT.Enabled() {
		s.bridge = mqttbridge.New(mqttbridge.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Scopes:      cfg.BridgeScopes(),
		}, reg, log)
	}

	s.setupRouter()
	return s, nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	// Public routes
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Post("/login", s.handleLogin)

	// Controllers authenticate with an optional Bearer token
	r.Get("/ws", s.handleWebSocket)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.With(s.requireCSRF).Post("/logout", s.handleLogout)

		r.Route("/api", func(r chi.Router) {
			r.Use(s.requireCSRF)

			r.Get("/session", s.handleSession)
			r.Post("/devices/{deviceID}/toggle", s.handleToggle)
			r.Post("/light", s.handleLight)
		})
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth rejects requests without a valid session.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, session, err := s.auth.Identify(r)
		if err != nil {
			if !errors.Is(err, identity.ErrNoSession) {
				s.log.Error().Err(err).Msg("failed to resolve session")
			}
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), who, session)))
	})
}

// requireCSRF validates the CSRF token for state-changing requests.
func (s *Server) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		session := sessionFromContext(r.Context())
		if session == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		token := r.Header.Get("X-CSRF-Token")
		if token == "" {
			token = r.FormValue("csrf_token")
		}
		if !s.auth.ValidateCSRF(session, token) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid csrf token"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then drains every controller
// connection within the shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info().Str("addr", ln.Addr().String()).Str("scope_mode", string(s.cfg.ScopeMode)).Msg("starting gateway server")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	if s.bridge != nil {
		g.Go(func() error {
			return s.bridge.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(srv)
	})
	return g.Wait()
}

func (s *Server) shutdown(srv *http.Server) error {
	s.drainMu.Lock()
	s.draining.Store(true)
	s.drainMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	if err != nil {
		err = fmt.Errorf("shutdown http: %w", err)
	}

	conns := s.registry.All()
	s.log.Info().Int("connections", len(conns)).Msg("draining controller connections")
	for _, c := range conns {
		_ = c.Close()
	}

	drained := make(chan struct{})
	go func() {
		s.active.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		s.log.Info().Msg("gateway stopped")
	case <-ctx.Done():
		_, left := s.registry.Stats()
		s.log.Warn().Int("connections", left).Msg("shutdown timeout, connections still open")
	}
	return err
}

// Registry exposes the connection registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Auth exposes the identity service, used to provision users.
func (s *Server) Auth() *identity.Service {
	return s.auth
}

// Devices exposes the device directory.
func (s *Server) Devices() *directory.Store {
	return s.devices
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
