package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tableside/auth-core/internal/audit"
	"github.com/tableside/auth-core/internal/auth"
	"github.com/tableside/auth-core/internal/events"
	"github.com/tableside/auth-core/internal/identity"
	"github.com/tableside/auth-core/internal/infrastructure/config"
	"github.com/tableside/auth-core/internal/infrastructure/logging"
	"github.com/tableside/auth-core/internal/infrastructure/metrics"
	"github.com/tableside/auth-core/internal/ratelimit"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// throttleSweepInterval is how often idle per-IP buckets are dropped.
const throttleSweepInterval = time.Minute

// HealthChecker is a component reported by GET /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config *config.Config
	Logger *logging.Logger

	Verifier    *auth.CredentialVerifier
	Issuer      *auth.Issuer
	Validator   *auth.Validator
	Access      *auth.RestaurantAccessResolver
	Binding     *auth.DeviceBinding
	Stations    auth.StationRepository
	Members     auth.MembershipRepository
	Revocations auth.RevocationList
	Identity    identity.Provider
	Limiter     *ratelimit.Limiter

	// Optional.
	Events  *events.Dispatcher
	Metrics *metrics.Metrics
	Audit   audit.Repository
	Hub     *Hub

	// Database is required for /health; Components are reported alongside it.
	Database   HealthChecker
	Components map[string]HealthChecker

	Now     func() time.Time
	Version string
}

// Server is the HTTP API of the auth service.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg    *config.Config
	logger *logging.Logger

	verifier    *auth.CredentialVerifier
	issuer      *auth.Issuer
	validator   *auth.Validator
	access      *auth.RestaurantAccessResolver
	binding     *auth.DeviceBinding
	stations    auth.StationRepository
	members     auth.MembershipRepository
	revocations auth.RevocationList
	identity    identity.Provider
	limiter     *ratelimit.Limiter

	events  *events.Dispatcher
	metrics *metrics.Metrics
	audit   audit.Repository

	database   HealthChecker
	components map[string]HealthChecker

	throttle *ipThrottle
	proxies  *trustedProxies
	now      func() time.Time
	version  string

	server  *http.Server
	hub     *Hub
	handler http.Handler
	cancel  context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Config == nil:
		return nil, fmt.Errorf("config is required")
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	case deps.Verifier == nil || deps.Issuer == nil || deps.Validator == nil:
		return nil, fmt.Errorf("verifier, issuer and validator are required")
	case deps.Access == nil || deps.Binding == nil:
		return nil, fmt.Errorf("access resolver and device binding are required")
	case deps.Stations == nil || deps.Members == nil || deps.Revocations == nil:
		return nil, fmt.Errorf("station, membership and revocation stores are required")
	case deps.Identity == nil:
		return nil, fmt.Errorf("identity provider is required")
	case deps.Limiter == nil:
		return nil, fmt.Errorf("rate limiter is required")
	case deps.Database == nil:
		return nil, fmt.Errorf("database health checker is required")
	}

	proxies, err := parseTrustedProxies(deps.Config.API.TrustedProxies)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:         deps.Config,
		logger:      deps.Logger.With("component", "api"),
		verifier:    deps.Verifier,
		issuer:      deps.Issuer,
		validator:   deps.Validator,
		access:      deps.Access,
		binding:     deps.Binding,
		stations:    deps.Stations,
		members:     deps.Members,
		revocations: deps.Revocations,
		identity:    deps.Identity,
		limiter:     deps.Limiter,
		events:      deps.Events,
		metrics:     deps.Metrics,
		audit:       deps.Audit,
		database:    deps.Database,
		components:  deps.Components,
		proxies:     proxies,
		now:         deps.Now,
		version:     deps.Version,
		hub:         deps.Hub,
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if t := deps.Config.API.RateLimit; t.Enabled {
		s.throttle = newIPThrottle(t.RequestsPerMinute, t.Burst)
	}
	if s.hub == nil {
		s.hub = NewHub(deps.Config.WebSocket, s.logger, s.metrics)
	}
	if s.events != nil {
		s.events.SetBroadcaster(s.hub)
	}

	s.handler = s.buildRouter()
	return s, nil
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, the throttle sweeper and the cross-instance
// revocation listener, then launches the HTTP listener in a background
// goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	if s.throttle != nil {
		go s.sweepThrottleLoop(srvCtx)
	}

	// Stations revoked on another instance must lose their sockets here too.
	if s.events != nil {
		if err := s.events.Listen(s.handleRemoteEvent); err != nil {
			s.logger.Warn("failed to subscribe to remote auth events", "error", err)
		}
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.API.Host, s.cfg.API.Port),
		Handler:           s.handler,
		ReadTimeout:       s.cfg.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		WriteTimeout:      s.cfg.GetWriteTimeout(),
		IdleTimeout:       s.cfg.GetIdleTimeout(),
	}

	go func() {
		var err error
		tls := s.cfg.API.TLS
		if tls.Enabled {
			s.logger.Info("API server starting with TLS", "address", s.server.Addr, "cert", tls.CertFile)
			err = s.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

func (s *Server) sweepThrottleLoop(ctx context.Context) {
	ticker := time.NewTicker(throttleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.throttle.Sweep(now, 5*throttleSweepInterval)
		}
	}
}

// handleRemoteEvent reacts to events published by other instances.
func (s *Server) handleRemoteEvent(ev events.Event) {
	if !ev.Revokes() {
		return
	}
	if n := s.hub.CloseStations(ev.TokenIDs()); n > 0 {
		s.logger.Info("closed sockets of remotely revoked stations", "connections", n, "origin", ev.Origin)
	}
}

// emit forwards ev to the dispatcher when one is configured.
func (s *Server) emit(r *http.Request, ev events.Event) {
	if s.events == nil {
		return
	}
	if ev.ClientIP == "" {
		ev.ClientIP = s.clientIP(r)
	}
	s.events.Emit(r.Context(), ev)
}
