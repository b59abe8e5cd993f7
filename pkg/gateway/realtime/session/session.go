package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voicerag/pkg/gateway/grounding"
	"github.com/vango-go/vai-voicerag/pkg/gateway/realtime/protocol"
	"github.com/vango-go/vai-voicerag/pkg/gateway/tools"
)

const (
	DirectionClient   = "client"
	DirectionUpstream = "upstream"

	outboundPriorityQueueSize = 8
	recordTimeout             = 5 * time.Second
)

var errBackpressure = errors.New("realtime outbound backpressure")

type State int32

const (
	StateRelaying State = iota
	StateAwaitingToolResult
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRelaying:
		return "relaying"
	case StateAwaitingToolResult:
		return "awaiting_tool_result"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Config struct {
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	MaxSessionDuration time.Duration
	ToolTimeout        time.Duration
	MaxMessageBytes    int64
	OutboundQueueSize  int
}

// UpstreamDialer opens the model-side connection for a new session.
type UpstreamDialer interface {
	Dial(ctx context.Context) (*websocket.Conn, error)
}

// Recorder persists grounding reports.
type Recorder interface {
	Record(ctx context.Context, sessionID string, report grounding.Report) error
}

type Observer interface {
	ObserveProtocolError(direction string)
	ObserveGroundingReport(sources int)
}

type Dependencies struct {
	Client     *websocket.Conn
	Upstream   UpstreamDialer
	Dispatcher *tools.Dispatcher
	Policy     protocol.Policy
	Recorder   Recorder
	Observer   Observer
	Logger     *slog.Logger
	SessionID  string
	RequestID  string
	Config     Config
}

// ProtocolError ends a session after a peer sent something the relay
// cannot handle.
type ProtocolError struct {
	Direction string
	Err       error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s protocol error: %v", e.Direction, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// Session relays one client connection to one upstream connection.
type Session struct {
	client     *websocket.Conn
	upstream   *websocket.Conn
	dispatcher *tools.Dispatcher
	policy     protocol.Policy
	recorder   Recorder
	observer   Observer
	logger     *slog.Logger
	id         string
	cfg        Config

	grounding *grounding.Tracker
	pending   *pendingCalls
	state     atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	clientPriority chan outboundFrame
	clientNormal   chan outboundFrame
	upstreamNormal chan outboundFrame

	// Owned by the upstream pump.
	responseID       string
	continueResponse bool

	recordWG sync.WaitGroup
}

// Open dials the upstream model and sends the session configuration before
// any client event can be relayed.
func Open(ctx context.Context, deps Dependencies) (*Session, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("client connection is required")
	}
	if deps.Upstream == nil {
		return nil, fmt.Errorf("upstream dialer is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("tool dispatcher is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 256
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = 5 * time.Second
	}
	if deps.Config.ToolTimeout <= 0 {
		deps.Config.ToolTimeout = 20 * time.Second
	}

	configuration, err := deps.Policy.SessionConfiguration()
	if err != nil {
		return nil, fmt.Errorf("build session configuration: %w", err)
	}

	upstreamConn, err := deps.Upstream.Dial(ctx)
	if err != nil {
		return nil, err
	}
	_ = upstreamConn.SetWriteDeadline(time.Now().Add(deps.Config.WriteTimeout))
	if err := upstreamConn.WriteMessage(websocket.TextMessage, configuration); err != nil {
		_ = upstreamConn.Close()
		return nil, fmt.Errorf("send session configuration: %w", err)
	}
	_ = upstreamConn.SetWriteDeadline(time.Time{})

	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		client:         deps.Client,
		upstream:       upstreamConn,
		dispatcher:     deps.Dispatcher,
		policy:         deps.Policy,
		recorder:       deps.Recorder,
		observer:       deps.Observer,
		logger:         deps.Logger.With("session_id", deps.SessionID, "request_id", deps.RequestID),
		id:             deps.SessionID,
		cfg:            deps.Config,
		grounding:      grounding.NewTracker(),
		pending:        newPendingCalls(),
		ctx:            sessCtx,
		cancel:         cancel,
		clientPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		clientNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		upstreamNormal: make(chan outboundFrame, deps.Config.OutboundQueueSize),
	}
	s.state.Store(int32(StateRelaying))
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Run relays until either side closes, a protocol error occurs, the
// session expires, or Cancel is called. A normal close returns nil.
func (s *Session) Run() error {
	defer s.cancel()

	if s.cfg.MaxMessageBytes > 0 {
		s.client.SetReadLimit(s.cfg.MaxMessageBytes)
		s.upstream.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.client.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.client.SetPongHandler(func(string) error {
			return s.client.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	clientIn := make(chan inboundFrame, 64)
	upstreamIn := make(chan inboundFrame, 64)
	go s.readLoop(s.client, clientIn)
	go s.readLoop(s.upstream, upstreamIn)

	writerErrCh := make(chan error, 2)
	writersDone := make(chan struct{})
	var writers sync.WaitGroup
	writers.Add(2)
	startWriter := func(direction string, w *outboundWriter) {
		defer writers.Done()
		if err := w.Run(); err != nil {
			writerErrCh <- fmt.Errorf("%s write: %w", direction, err)
		}
	}
	go startWriter(DirectionClient, &outboundWriter{
		ws:           s.client,
		ctx:          s.ctx,
		pingInterval: s.cfg.PingInterval,
		writeTimeout: s.cfg.WriteTimeout,
		priority:     s.clientPriority,
		normal:       s.clientNormal,
	})
	go startWriter(DirectionUpstream, &outboundWriter{
		ws:           s.upstream,
		ctx:          s.ctx,
		pingInterval: s.cfg.PingInterval,
		writeTimeout: s.cfg.WriteTimeout,
		normal:       s.upstreamNormal,
	})
	go func() {
		writers.Wait()
		close(writersDone)
	}()

	pumpErrCh := make(chan error, 2)
	go func() { pumpErrCh <- s.clientPump(clientIn) }()
	go func() { pumpErrCh <- s.upstreamPump(upstreamIn) }()

	var expire <-chan time.Time
	if s.cfg.MaxSessionDuration > 0 {
		timer := time.NewTimer(s.cfg.MaxSessionDuration)
		defer timer.Stop()
		expire = timer.C
	}

	pumpsRunning := 2
	var runErr error
	select {
	case runErr = <-pumpErrCh:
		pumpsRunning--
	case runErr = <-writerErrCh:
	case <-expire:
		s.logger.Info("realtime session reached max duration", "max_duration", s.cfg.MaxSessionDuration)
	case <-s.ctx.Done():
	}

	s.state.Store(int32(StateClosed))
	s.cancel()

	flushWait := s.cfg.WriteTimeout + time.Second
	timer := time.NewTimer(flushWait)
	select {
	case <-writersDone:
	case <-timer.C:
	}
	timer.Stop()
	_ = s.client.Close()
	_ = s.upstream.Close()

	for ; pumpsRunning > 0; pumpsRunning-- {
		<-pumpErrCh
	}
	s.recordWG.Wait()

	return normalizeRunError(runErr)
}

func normalizeRunError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	return err
}

// Cancel ends the session. Outstanding tool calls are aborted.
func (s *Session) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// SendWarning queues an out-of-band notice for the client ahead of relayed
// traffic.
func (s *Session) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	payload, err := json.Marshal(map[string]any{
		"type":    "session.warning",
		"code":    code,
		"message": message,
	})
	if err != nil {
		return err
	}
	select {
	case s.clientPriority <- outboundFrame{payload: payload}:
		return nil
	default:
		return errBackpressure
	}
}

func (s *Session) readLoop(conn *websocket.Conn, out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) enqueue(ch chan<- outboundFrame, payload []byte) error {
	select {
	case ch <- outboundFrame{payload: payload}:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Session) sendClient(payload []byte) error {
	return s.enqueue(s.clientNormal, payload)
}

func (s *Session) sendUpstream(payload []byte) error {
	return s.enqueue(s.upstreamNormal, payload)
}

func (s *Session) protocolError(direction string, err error) error {
	if s.observer != nil {
		s.observer.ObserveProtocolError(direction)
	}
	s.logger.Warn("realtime protocol error", "direction", direction, "error", err)
	if direction == DirectionClient {
		code := "protocol_error"
		var de *protocol.DecodeError
		if errors.As(err, &de) && de.Code != "" {
			code = de.Code
		}
		payload, _ := json.Marshal(map[string]any{
			"type": protocol.TypeError,
			"error": map[string]any{
				"type":    "invalid_request_error",
				"code":    code,
				"message": err.Error(),
			},
		})
		select {
		case s.clientPriority <- outboundFrame{payload: payload}:
		default:
		}
	}
	return &ProtocolError{Direction: direction, Err: err}
}

func (s *Session) connectionError(direction string, err error) error {
	if s.ctx.Err() != nil {
		return nil
	}
	if normalizeRunError(err) == nil {
		s.logger.Info("realtime peer closed", "direction", direction)
		return err
	}
	s.logger.Warn("realtime connection error", "direction", direction, "error", err)
	return fmt.Errorf("%s connection: %w", direction, err)
}

func (s *Session) clientPump(in <-chan inboundFrame) error {
	for frame := range in {
		if frame.err != nil {
			return s.connectionError(DirectionClient, frame.err)
		}
		if frame.messageType != websocket.TextMessage {
			return s.protocolError(DirectionClient, &protocol.DecodeError{Code: "bad_request", Message: "binary frames are not supported"})
		}

		ev, err := protocol.DecodeClientEvent(frame.data)
		if err != nil {
			return s.protocolError(DirectionClient, err)
		}

		switch ev.Kind {
		case protocol.KindSessionUpdate:
			payload, err := s.policy.Apply(frame.data)
			if err != nil {
				return s.protocolError(DirectionClient, err)
			}
			if err := s.sendUpstream(payload); err != nil {
				return nil
			}
		case protocol.KindResponseCreate:
			payload, err := s.policy.ApplyResponse(frame.data)
			if err != nil {
				return s.protocolError(DirectionClient, err)
			}
			if err := s.sendUpstream(payload); err != nil {
				return nil
			}
		case protocol.KindPassthrough:
			if err := s.sendUpstream(frame.data); err != nil {
				return nil
			}
		case protocol.KindToolResult:
			return s.protocolError(DirectionClient, fmt.Errorf("unmatched tool result for call_id %q", ev.CallID))
		default:
			return s.protocolError(DirectionClient, fmt.Errorf("unexpected client event %q", ev.Type))
		}
	}
	return nil
}

func (s *Session) upstreamPump(in <-chan inboundFrame) error {
	for frame := range in {
		if frame.err != nil {
			return s.connectionError(DirectionUpstream, frame.err)
		}
		if frame.messageType != websocket.TextMessage {
			return s.protocolError(DirectionUpstream, &protocol.DecodeError{Code: "bad_request", Message: "binary frames are not supported"})
		}

		ev, err := protocol.DecodeUpstreamEvent(frame.data)
		if err != nil {
			return s.protocolError(DirectionUpstream, err)
		}

		switch ev.Kind {
		case protocol.KindPassthrough:
			err = s.sendClient(frame.data)
		case protocol.KindSessionState:
			redacted, rerr := protocol.RedactSessionState(frame.data)
			if rerr != nil {
				return s.protocolError(DirectionUpstream, rerr)
			}
			err = s.sendClient(redacted)
		case protocol.KindToolCallFragment:
			continue
		case protocol.KindResponseCreated:
			s.responseID = ev.ResponseID
			err = s.sendClient(frame.data)
		case protocol.KindToolCall:
			err = s.handleToolCall(*ev.ToolCall)
		case protocol.KindResponseDone:
			err = s.finishResponse(ev)
		default:
			return s.protocolError(DirectionUpstream, fmt.Errorf("unexpected upstream event %q", ev.Type))
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

// handleToolCall blocks the upstream pump until the call's result has been
// queued upstream, so no later upstream event of the turn is relayed first.
func (s *Session) handleToolCall(call protocol.ToolCall) error {
	if err := s.pending.begin(call); err != nil {
		return s.protocolError(DirectionUpstream, err)
	}
	s.state.Store(int32(StateAwaitingToolResult))

	toolCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ToolTimeout)
	defer cancel()

	result, ok := s.dispatcher.Dispatch(toolCtx, tools.Scope{SessionID: s.id, Grounding: s.grounding}, tools.Call{
		ID:        call.CallID,
		Name:      call.Name,
		Arguments: call.Arguments,
	})
	if !ok {
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		result = tools.ErrorResult(call.CallID, tools.CodeToolFailed, fmt.Sprintf("tool %q timed out", call.Name))
	}

	if _, err := s.pending.resolve(result.CallID); err != nil {
		return s.protocolError(DirectionUpstream, err)
	}
	payload, err := protocol.ToolResultEvent(call, result.Output)
	if err != nil {
		return fmt.Errorf("encode tool result: %w", err)
	}
	if call.Dialect == protocol.DialectRealtime {
		s.continueResponse = true
	}
	s.state.CompareAndSwap(int32(StateAwaitingToolResult), int32(StateRelaying))
	s.logger.Debug("tool call answered", "call_id", call.CallID, "tool", call.Name, "error_code", result.ErrorCode)
	return s.sendUpstream(payload)
}

func (s *Session) finishResponse(ev protocol.Event) error {
	responseID := ev.ResponseID
	if responseID == "" {
		responseID = s.responseID
	}
	s.responseID = ""

	report := s.grounding.Flush(responseID)
	event, err := report.MarshalEvent()
	if err != nil {
		return err
	}
	if err := s.sendClient(event); err != nil {
		return err
	}
	if s.observer != nil {
		s.observer.ObserveGroundingReport(len(report.Sources))
	}
	s.record(report)

	completion, removed, err := protocol.StripFunctionCalls(ev.Raw)
	if err != nil {
		completion = ev.Raw
	}
	if removed > 0 {
		s.logger.Debug("removed function calls from completion", "response_id", responseID, "removed", removed)
	}
	if err := s.sendClient(completion); err != nil {
		return err
	}

	if s.continueResponse {
		s.continueResponse = false
		return s.sendUpstream(protocol.ResponseCreateEvent())
	}
	return nil
}

func (s *Session) record(report grounding.Report) {
	if s.recorder == nil || len(report.Sources) == 0 {
		return
	}
	s.recordWG.Add(1)
	go func() {
		defer s.recordWG.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), recordTimeout)
		defer cancel()
		if err := s.recorder.Record(ctx, s.id, report); err != nil {
			s.logger.Warn("grounding report not persisted", "response_id", report.ResponseID, "error", err)
		}
	}()
}
