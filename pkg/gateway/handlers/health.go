package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-voicerag/pkg/gateway/config"
	"github.com/vango-go/vai-voicerag/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voicerag/pkg/gateway/realtime/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether new realtime sessions can be served.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		DrainingSince  string   `json:"draining_since,omitempty"`
		AuthMode       string   `json:"auth_mode"`
		ActiveSessions int      `json:"active_sessions"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if err := h.Config.RequireRealtime(); err != nil {
		issues = append(issues, err.Error())
	}
	if h.Config.WSMaxSessionsPerPrincipal <= 0 {
		issues = append(issues, "ws max sessions per principal must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	var drainingSince string
	if draining {
		drainingSince = h.Lifecycle.DrainingSince().UTC().Format(time.RFC3339)
	}
	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	switch {
	case len(issues) > 0:
		status = http.StatusInternalServerError
	case draining:
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		Draining:       draining,
		DrainingSince:  drainingSince,
		AuthMode:       string(h.Config.AuthMode),
		ActiveSessions: h.Sessions.Count(),
		Issues:         issues,
	})
}
