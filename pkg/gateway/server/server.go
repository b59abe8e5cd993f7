package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/vango-go/vai-voicerag/pkg/gateway/config"
	"github.com/vango-go/vai-voicerag/pkg/gateway/handlers"
	"github.com/vango-go/vai-voicerag/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voicerag/pkg/gateway/metrics"
	"github.com/vango-go/vai-voicerag/pkg/gateway/mw"
	"github.com/vango-go/vai-voicerag/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-voicerag/pkg/gateway/realtime/protocol"
	"github.com/vango-go/vai-voicerag/pkg/gateway/realtime/session"
	"github.com/vango-go/vai-voicerag/pkg/gateway/realtime/sessions"
	"github.com/vango-go/vai-voicerag/pkg/gateway/tools"
)

// Deps are the collaborators a realtime session needs. They are built by the
// caller so that credentials and backends stay out of the HTTP layer.
type Deps struct {
	Upstream   session.UpstreamDialer
	Dispatcher *tools.Dispatcher
	Policy     protocol.Policy
	Recorder   session.Recorder
	Metrics    *metrics.Metrics
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps

	limiter   *ratelimit.Limiter
	lifecycle *lifecycle.Lifecycle
	sessions  *sessions.Tracker
	policy    atomic.Pointer[protocol.Policy]
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(metrics.DefaultNamespace)
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentSessions: cfg.WSMaxSessionsPerPrincipal,
		}),
		lifecycle: &lifecycle.Lifecycle{},
		sessions:  sessions.NewTracker(),
	}
	policy := deps.Policy
	s.policy.Store(&policy)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle, Sessions: s.sessions})
	s.mux.Handle("/metrics", s.deps.Metrics.Handler())

	var realtime http.Handler = handlers.RealtimeHandler{
		Config:       s.cfg,
		Logger:       s.logger,
		Upstream:     s.deps.Upstream,
		Dispatcher:   s.deps.Dispatcher,
		Policy:       s.deps.Policy,
		PolicySource: s.Policy,
		Recorder:     s.deps.Recorder,
		Metrics:      s.deps.Metrics,
		Lifecycle:    s.lifecycle,
		Sessions:     s.sessions,
	}
	realtime = mw.AdmitSessions(s.cfg.TrustProxyHeaders, s.limiter, s.deps.Metrics, realtime)
	realtime = mw.Auth(s.cfg, realtime)
	s.mux.Handle("/realtime", realtime)

	var fallback http.Handler = handlers.NotFoundHandler{}
	if s.cfg.StaticDir != "" {
		fallback = handlers.StaticHandler{Dir: s.cfg.StaticDir, NotFound: fallback}
	}
	s.mux.Handle("/", fallback)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Metrics() *metrics.Metrics { return s.deps.Metrics }

// Policy returns the session policy applied to new sessions.
func (s *Server) Policy() protocol.Policy {
	return *s.policy.Load()
}

// SetPolicy replaces the policy for sessions opened from now on. Running
// sessions keep the policy they started with.
func (s *Server) SetPolicy(p protocol.Policy) {
	s.policy.Store(&p)
}

// SetDraining flips readiness and makes /realtime refuse new sessions.
func (s *Server) SetDraining(draining bool) {
	s.lifecycle.SetDraining(draining)
}

// ActiveSessions lists the relays currently running.
func (s *Server) ActiveSessions() []sessions.Info {
	return s.sessions.Sessions()
}

// WarnSessionsDraining tells connected clients the gateway is going away and
// returns how many were notified.
func (s *Server) WarnSessionsDraining(message string) int {
	return s.sessions.WarnAll("server_draining", message)
}

// WaitSessions blocks until all sessions end or ctx is done. It reports
// whether every session ended.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

// CancelSessions ends every active session and returns how many were
// canceled.
func (s *Server) CancelSessions() int {
	return s.sessions.CancelAll()
}
