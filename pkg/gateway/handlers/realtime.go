package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voicerag/pkg/gateway/apierror"
	"github.com/vango-go/vai-voicerag/pkg/gateway/config"
	"github.com/vango-go/vai-voicerag/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voicerag/pkg/gateway/metrics"
	"github.com/vango-go/vai-voicerag/pkg/gateway/mw"
	"github.com/vango-go/vai-voicerag/pkg/gateway/principal"
	"github.com/vango-go/vai-voicerag/pkg/gateway/realtime/protocol"
	"github.com/vango-go/vai-voicerag/pkg/gateway/realtime/session"
	"github.com/vango-go/vai-voicerag/pkg/gateway/realtime/sessions"
	"github.com/vango-go/vai-voicerag/pkg/gateway/tools"
)

// RealtimeHandler upgrades /realtime to a WebSocket and relays it to the
// upstream realtime model for the life of the connection.
type RealtimeHandler struct {
	Config     config.Config
	Logger     *slog.Logger
	Upstream   session.UpstreamDialer
	Dispatcher *tools.Dispatcher
	Policy     protocol.Policy
	// PolicySource, when set, is consulted per session instead of Policy.
	PolicySource func() protocol.Policy
	Recorder     session.Recorder
	Metrics      *metrics.Metrics
	Lifecycle    *lifecycle.Lifecycle
	Sessions     *sessions.Tracker
}

func (h RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		apierror.Write(w, http.StatusMethodNotAllowed, reqID, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
		return
	}
	if h.Lifecycle.IsDraining() {
		h.Metrics.RecordRejection("draining")
		apierror.Write(w, apierror.StatusOverloaded, reqID, &apierror.Error{Type: apierror.ErrOverloaded, Message: "gateway is draining", Code: "draining"})
		return
	}
	if !h.originAllowed(r) {
		h.Metrics.RecordRejection("origin")
		apierror.Write(w, http.StatusForbidden, reqID, &apierror.Error{Type: apierror.ErrPermission, Message: "origin is not allowed", Param: "Origin"})
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		apierror.Write(w, http.StatusBadRequest, reqID, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "websocket upgrade required", Code: "upgrade_required"})
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.WSHandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("realtime upgrade failed", "request_id", reqID, "error", err)
		return
	}
	defer conn.Close()

	sessionID := "rt_" + uuid.NewString()
	who := principal.Resolve(r, h.Config.TrustProxyHeaders)
	logger = logger.With("session_id", sessionID, "request_id", reqID)

	policy := h.Policy
	if h.PolicySource != nil {
		policy = h.PolicySource()
	}

	deps := session.Dependencies{
		Client:     conn,
		Upstream:   h.Upstream,
		Dispatcher: h.Dispatcher,
		Policy:     policy,
		Recorder:   h.Recorder,
		Logger:     h.Logger,
		SessionID:  sessionID,
		RequestID:  reqID,
		Config: session.Config{
			PingInterval:       h.Config.WSPingInterval,
			WriteTimeout:       h.Config.WSWriteTimeout,
			ReadTimeout:        h.Config.WSReadTimeout,
			MaxSessionDuration: h.Config.WSMaxSessionDuration,
			ToolTimeout:        h.Config.ToolTimeout,
			MaxMessageBytes:    h.Config.WSMaxMessageBytes,
			OutboundQueueSize:  h.Config.WSOutboundQueueSize,
		},
	}
	if h.Metrics != nil {
		deps.Observer = h.Metrics
	}

	s, err := session.Open(r.Context(), deps)
	if err != nil {
		logger.Warn("realtime session failed to open", "error", err)
		h.Metrics.RecordRejection("upstream")
		writeWSError(conn, "upstream_unavailable", "failed to connect to the realtime model")
		return
	}

	start := time.Now()
	h.Metrics.RecordSessionStart()
	unregister := h.Sessions.Register(sessionID, who.Key, s)
	defer unregister()

	logger.Info("realtime session started", "principal_kind", who.Kind)
	runErr := s.Run()

	status := metrics.StatusOK
	var protoErr *session.ProtocolError
	switch {
	case runErr == nil:
	case errors.As(runErr, &protoErr):
		status = metrics.StatusProtocolError
	default:
		status = metrics.StatusError
	}
	elapsed := time.Since(start)
	h.Metrics.RecordSessionEnd(status, elapsed)

	if runErr != nil {
		logger.Warn("realtime session ended with error", "status", status, "duration_ms", elapsed.Milliseconds(), "error", runErr)
		return
	}
	logger.Info("realtime session ended", "duration_ms", elapsed.Milliseconds())
}

// originAllowed accepts requests without an Origin (non-browser clients),
// same-origin requests, and allowlisted origins.
func (h RealtimeHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if mw.OriginAllowed(h.Config.CORSAllowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func writeWSError(conn *websocket.Conn, code, message string) {
	payload, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "server_error",
			"code":    code,
			"message": message,
		},
	})
	deadline := time.Now().Add(time.Second)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, payload)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, code), deadline)
}
