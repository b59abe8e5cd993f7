package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vango-go/vai-voicerag/pkg/gateway/search"
)

const (
	CodeUnknownTool       = "unknown_tool"
	CodeInvalidArguments  = "invalid_arguments"
	CodeSearchUnavailable = "search_unavailable"
	CodeToolFailed        = "tool_failed"

	OutcomeOK = "ok"
)

// Call is a model-issued tool invocation.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Result is the encoded answer to a Call. ErrorCode is empty on success.
type Result struct {
	CallID    string
	Output    json.RawMessage
	ErrorCode string
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ErrorResult builds an in-band error payload for callID.
func ErrorResult(callID, code, message string) Result {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	b, _ := json.Marshal(body)
	return Result{CallID: callID, Output: b, ErrorCode: code}
}

// Observer receives one notification per completed dispatch.
type Observer interface {
	ObserveToolCall(tool, outcome string, elapsed time.Duration)
}

type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	observer Observer
}

func NewDispatcher(registry *Registry, logger *slog.Logger, observer Observer) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, logger: logger, observer: observer}
}

func (d *Dispatcher) Registry() *Registry {
	if d == nil {
		return nil
	}
	return d.registry
}

// Dispatch runs call and returns its result. Failures are reported in-band
// as error payloads. ok is false when ctx ended before the tool finished, in
// which case the result must be discarded.
func (d *Dispatcher) Dispatch(ctx context.Context, scope Scope, call Call) (result Result, ok bool) {
	start := time.Now()
	toolLabel := call.Name

	defer func() {
		if !ok || d.observer == nil {
			return
		}
		outcome := OutcomeOK
		if result.ErrorCode != "" {
			outcome = result.ErrorCode
		}
		d.observer.ObserveToolCall(toolLabel, outcome, time.Since(start))
	}()

	def, found := d.registry.Lookup(call.Name)
	if !found {
		toolLabel = "unknown"
		d.logger.Warn("unknown tool", "session_id", scope.SessionID, "call_id", call.ID, "tool", call.Name)
		return ErrorResult(call.ID, CodeUnknownTool, fmt.Sprintf("tool %q is not registered", call.Name)), ctx.Err() == nil
	}

	if _, err := def.Parameters.ValidateArguments(call.Arguments); err != nil {
		return ErrorResult(call.ID, CodeInvalidArguments, err.Error()), ctx.Err() == nil
	}

	out, err := d.invoke(ctx, def, scope, call.Arguments)
	if ctx.Err() != nil {
		d.logger.Debug("tool result discarded", "session_id", scope.SessionID, "call_id", call.ID, "tool", def.Name)
		return Result{}, false
	}
	if err != nil {
		code := CodeToolFailed
		var se *search.Error
		if errors.As(err, &se) {
			code = CodeSearchUnavailable
		}
		var ae *ArgumentError
		if errors.As(err, &ae) {
			code = CodeInvalidArguments
		}
		d.logger.Warn("tool failed", "session_id", scope.SessionID, "call_id", call.ID, "tool", def.Name, "code", code, "error", err)
		return ErrorResult(call.ID, code, err.Error()), true
	}

	if def.TracksResults && scope.Grounding != nil {
		scope.Grounding.Observe(out.Results)
	}

	payload := out.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return ErrorResult(call.ID, CodeToolFailed, fmt.Sprintf("encode result: %v", err)), true
	}
	return Result{CallID: call.ID, Output: b}, true
}

func (d *Dispatcher) invoke(ctx context.Context, def Definition, scope Scope, args json.RawMessage) (out Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("tool panic", "session_id", scope.SessionID, "tool", def.Name, "panic", rec)
			err = fmt.Errorf("tool %q panicked", def.Name)
		}
	}()
	return def.Handler(ctx, scope, args)
}

// DecodeArguments decodes validated arguments into dst, rejecting unknown fields.
func DecodeArguments(args json.RawMessage, dst any) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ArgumentError{Message: err.Error()}
	}
	return nil
}
