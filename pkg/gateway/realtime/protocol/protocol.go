package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Event types exchanged with the realtime model endpoint.
const (
	TypeSessionUpdate  = "session.update"
	TypeSessionCreated = "session.created"
	TypeSessionUpdated = "session.updated"

	TypeFunctionCall       = "response.function_call"
	TypeFunctionCallResult = "response.function_call.result"

	TypeOutputItemAdded         = "response.output_item.added"
	TypeOutputItemDone          = "response.output_item.done"
	TypeFunctionCallArgsDelta   = "response.function_call_arguments.delta"
	TypeFunctionCallArgsDone    = "response.function_call_arguments.done"
	TypeConversationItemCreate  = "conversation.item.create"
	TypeConversationItemCreated = "conversation.item.created"
	TypeConversationItemAdded   = "conversation.item.added"
	TypeConversationItemDone    = "conversation.item.done"

	TypeResponseCreate    = "response.create"
	TypeResponseCreated   = "response.created"
	TypeResponseDone      = "response.done"
	TypeResponseCompleted = "response.completed"

	TypeError = "error"

	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"
)

var clientPassthroughPrefixes = []string{
	"input_audio_buffer.",
	"conversation.",
	"response.",
	"output_audio_buffer.",
	"transcription_session.",
}

var upstreamPassthroughPrefixes = append([]string{"rate_limits."}, clientPassthroughPrefixes...)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unknownEvent(typ string) *DecodeError {
	return &DecodeError{Code: "unknown_event", Message: fmt.Sprintf("unknown event type %q", typ), Param: "type"}
}

// Kind tags a decoded event.
type Kind int

const (
	KindUnknown Kind = iota
	KindPassthrough
	KindSessionUpdate
	KindSessionState
	KindToolCall
	KindToolCallFragment
	KindToolResult
	KindResponseCreated
	KindResponseDone
	KindResponseCreate
)

func (k Kind) String() string {
	switch k {
	case KindPassthrough:
		return "passthrough"
	case KindSessionUpdate:
		return "session_update"
	case KindSessionState:
		return "session_state"
	case KindToolCall:
		return "tool_call"
	case KindToolCallFragment:
		return "tool_call_fragment"
	case KindToolResult:
		return "tool_result"
	case KindResponseCreated:
		return "response_created"
	case KindResponseDone:
		return "response_done"
	case KindResponseCreate:
		return "response_create"
	default:
		return "unknown"
	}
}

// Dialect identifies how a tool call was framed, which decides how its
// result is framed.
type Dialect int

const (
	// DialectSimplified is the flat response.function_call event.
	DialectSimplified Dialect = iota
	// DialectRealtime is a function_call item in response.output_item.done.
	DialectRealtime
)

type ToolCall struct {
	CallID     string
	Name       string
	Arguments  json.RawMessage
	ResponseID string
	Dialect    Dialect
}

// Event is one decoded frame. Raw is the original payload and is forwarded
// unmodified for passthrough kinds.
type Event struct {
	Kind       Kind
	Type       string
	Raw        []byte
	ResponseID string
	CallID     string
	ToolCall   *ToolCall
}

type envelope struct {
	Type       string          `json:"type"`
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	ResponseID string          `json:"response_id"`
	Item       *item           `json:"item"`
	Response   *struct {
		ID string `json:"id"`
	} `json:"response"`
}

type item struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if json.Valid(trimmed) {
			return env, badRequest("event must be a JSON object", "")
		}
		return env, badRequest("invalid json frame", "")
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return env, badRequest("invalid json frame", "")
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return env, badRequest("missing type", "type")
	}
	return env, nil
}

func hasPrefix(typ string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

// DecodeClientEvent classifies a text frame received from the client.
func DecodeClientEvent(data []byte) (Event, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return Event{}, err
	}
	ev := Event{Type: env.Type, Raw: data}

	switch {
	case env.Type == TypeSessionUpdate:
		ev.Kind = KindSessionUpdate
	case env.Type == TypeFunctionCallResult:
		ev.Kind = KindToolResult
		ev.CallID = env.CallID
	case env.Type == TypeConversationItemCreate && env.Item != nil && env.Item.Type == ItemTypeFunctionCallOutput:
		ev.Kind = KindToolResult
		ev.CallID = env.Item.CallID
	case env.Type == TypeResponseCreate:
		ev.Kind = KindResponseCreate
	case hasPrefix(env.Type, clientPassthroughPrefixes):
		ev.Kind = KindPassthrough
	default:
		return Event{Type: env.Type}, unknownEvent(env.Type)
	}
	return ev, nil
}

func isFunctionItem(it *item) bool {
	return it != nil && (it.Type == ItemTypeFunctionCall || it.Type == ItemTypeFunctionCallOutput)
}

// DecodeUpstreamEvent classifies a text frame received from the model endpoint.
func DecodeUpstreamEvent(data []byte) (Event, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return Event{}, err
	}
	ev := Event{Type: env.Type, Raw: data}

	switch env.Type {
	case TypeSessionCreated, TypeSessionUpdated:
		ev.Kind = KindSessionState
		return ev, nil
	case TypeFunctionCall:
		ev.Kind = KindToolCall
		ev.CallID = env.CallID
		ev.ResponseID = env.ResponseID
		ev.ToolCall = &ToolCall{
			CallID:     env.CallID,
			Name:       env.Name,
			Arguments:  normalizeArguments(env.Arguments),
			ResponseID: env.ResponseID,
			Dialect:    DialectSimplified,
		}
		return ev, nil
	case TypeOutputItemDone:
		if env.Item != nil && env.Item.Type == ItemTypeFunctionCall {
			ev.Kind = KindToolCall
			ev.CallID = env.Item.CallID
			ev.ResponseID = env.ResponseID
			ev.ToolCall = &ToolCall{
				CallID:     env.Item.CallID,
				Name:       env.Item.Name,
				Arguments:  normalizeArguments(env.Item.Arguments),
				ResponseID: env.ResponseID,
				Dialect:    DialectRealtime,
			}
			return ev, nil
		}
		if isFunctionItem(env.Item) {
			ev.Kind = KindToolCallFragment
			return ev, nil
		}
	case TypeOutputItemAdded, TypeConversationItemCreated, TypeConversationItemAdded, TypeConversationItemDone:
		if isFunctionItem(env.Item) {
			ev.Kind = KindToolCallFragment
			return ev, nil
		}
	case TypeFunctionCallArgsDelta, TypeFunctionCallArgsDone:
		ev.Kind = KindToolCallFragment
		return ev, nil
	case TypeResponseCreated:
		ev.Kind = KindResponseCreated
		if env.Response != nil {
			ev.ResponseID = env.Response.ID
		}
		return ev, nil
	case TypeResponseDone, TypeResponseCompleted:
		ev.Kind = KindResponseDone
		if env.Response != nil {
			ev.ResponseID = env.Response.ID
		}
		return ev, nil
	case TypeError:
		ev.Kind = KindPassthrough
		return ev, nil
	}

	if hasPrefix(env.Type, upstreamPassthroughPrefixes) {
		ev.Kind = KindPassthrough
		return ev, nil
	}
	return Event{Type: env.Type}, unknownEvent(env.Type)
}

// normalizeArguments accepts arguments as a JSON object or as a string
// holding one, and returns the object encoding.
func normalizeArguments(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`)
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return trimmed
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return json.RawMessage(`{}`)
		}
		return json.RawMessage(s)
	}
	return trimmed
}
