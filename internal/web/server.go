// Package web provides the HTTP server for Courier: the REST API for
// conversation lifecycle, the streaming endpoints, and the debug and
// health surfaces.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/inercia/courier/internal/broadcast"
	"github.com/inercia/courier/internal/config"
	"github.com/inercia/courier/internal/execctx"
	"github.com/inercia/courier/internal/task"
	"github.com/inercia/courier/internal/worker"
)

// Server is the Courier web server.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	httpServer *http.Server
	mu         sync.Mutex
	shutdown   bool

	broadcaster   *broadcast.Broadcaster
	contexts      *execctx.Store
	registry      *task.Registry
	runner        *worker.Runner
	conversations *Manager
	heartbeat     *HeartbeatRunner

	auth        *AuthManager
	rateLimiter *IPRateLimiter
	tracker     *ConnectionTracker
	accessLog   *AccessLogger
	proxy       *ProducerProxy

	wsSecurityConfig WebSocketSecurityConfig
}

// NewServer wires the Courier components together.
func NewServer(cfg *config.Config, logger *slog.Logger, accessLog AccessLogConfig) *Server {
	bcfg := broadcast.Config{
		RingCapacity:           cfg.Broadcast.RingCapacity,
		SubscriberBuffer:       cfg.Broadcast.SubscriberBuffer,
		MaxSeenPerConversation: cfg.Broadcast.MaxSeen,
		ConversationTTL:        cfg.Broadcast.ConversationTTL.Std(),
		ReapInterval:           cfg.Broadcast.ReapInterval.Std(),
		DegradedThreshold:      cfg.Broadcast.DegradedThreshold,
		CriticalThreshold:      cfg.Broadcast.CriticalThreshold,
	}

	contexts := execctx.NewStore(logger)
	broadcaster := broadcast.New(bcfg, logger)
	registry := task.NewRegistry(logger)
	runner := worker.NewRunner(broadcaster, contexts, logger)
	manager := NewManager(broadcaster, contexts, registry, cfg.Server.MaxConversations, logger)

	wsCfg := DefaultWebSocketSecurityConfig()

	s := &Server{
		cfg:              cfg,
		logger:           logger,
		broadcaster:      broadcaster,
		contexts:         contexts,
		registry:         registry,
		runner:           runner,
		conversations:    manager,
		auth:             NewAuthManager(cfg.Server.AuthToken),
		tracker:          NewConnectionTracker(wsCfg.MaxConnectionsPerIP),
		accessLog:        NewAccessLogger(accessLog),
		wsSecurityConfig: wsCfg,
	}

	if cfg.Server.RateLimitRPS > 0 {
		rlCfg := DefaultRateLimitConfig()
		rlCfg.RequestsPerSecond = cfg.Server.RateLimitRPS
		rlCfg.BurstSize = cfg.Server.RateLimitBurst
		s.rateLimiter = NewIPRateLimiter(rlCfg)
	}

	if cfg.Server.UpstreamURL != "" {
		s.proxy = NewProducerProxy(cfg.Server.UpstreamURL, logger)
	}

	s.heartbeat = NewHeartbeatRunner(broadcaster, manager, cfg.Broadcast.HeartbeatInterval.Std(), logger)

	return s
}

// Handler returns the fully assembled HTTP handler, middleware included.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/conversations", s.handleConversations)
	mux.HandleFunc("/api/conversations/", s.handleConversationDetail)
	mux.HandleFunc("/debug/session/", s.handleDebugSessionState)
	mux.HandleFunc("/debug/broadcaster/stats", s.handleDebugBroadcasterStats)
	mux.HandleFunc("/health", s.handleHealth)

	var handler http.Handler = mux
	handler = s.authWrapper(handler)
	if s.rateLimiter != nil {
		handler = s.rateLimiter.Middleware(handler)
	}
	handler = s.accessLog.Middleware(handler)
	return handler
}

// authWrapper enforces authentication on /api and /debug paths while
// leaving /health public.
func (s *Server) authWrapper(next http.Handler) http.Handler {
	protected := s.auth.Middleware(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/debug/") {
			protected.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins serving on the configured address. It blocks until the
// server stops.
func (s *Server) Start() error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Unlock()

	s.startBackground()

	if s.logger != nil {
		s.logger.Info("server listening", "addr", s.cfg.Addr())
	}

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// startBackground launches the reaper and the heartbeat loop.
func (s *Server) startBackground() {
	s.broadcaster.StartReaper(
		func(id string) bool { return !s.conversations.ShouldKeep(id) },
		s.conversations.Evict,
	)
	s.heartbeat.Start()
}

// Shutdown gracefully stops the server and all background work.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	srv := s.httpServer
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	s.heartbeat.Stop()
	s.broadcaster.StopReaper()
	s.registry.CloseAll()

	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}
	if s.accessLog != nil {
		s.accessLog.Close()
	}

	if s.logger != nil {
		s.logger.Info("server stopped")
	}
	return err
}

// OnConfigChanged implements config.Subscriber: runtime-tunable settings
// are applied without a restart. Structural settings (address, buffer
// sizes) still require one.
func (s *Server) OnConfigChanged(event config.ChangeEvent) {
	cfg := event.Config
	s.broadcaster.SetThresholds(cfg.Broadcast.DegradedThreshold, cfg.Broadcast.CriticalThreshold)
	s.heartbeat.SetInterval(cfg.Broadcast.HeartbeatInterval.Std())

	if s.logger != nil {
		s.logger.Info("configuration reloaded",
			"degraded_threshold", cfg.Broadcast.DegradedThreshold,
			"critical_threshold", cfg.Broadcast.CriticalThreshold,
			"heartbeat_interval", cfg.Broadcast.HeartbeatInterval.Std())
	}
}
