package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/vango-go/vai-voicerag/pkg/gateway/tools"
)

const (
	ToolChoiceAuto = "auto"
	ToolChoiceNone = "none"
)

// Policy holds the session fields the server controls. Values sent by the
// client for these fields are always replaced.
type Policy struct {
	Instructions            string
	Voice                   string
	Tools                   []tools.FunctionTool
	Temperature             *float64
	MaxResponseOutputTokens *int
}

func (p Policy) ToolChoice() string {
	if len(p.Tools) > 0 {
		return ToolChoiceAuto
	}
	return ToolChoiceNone
}

func (p Policy) fields() map[string]any {
	toolList := p.Tools
	if toolList == nil {
		toolList = []tools.FunctionTool{}
	}
	out := map[string]any{
		"instructions": p.Instructions,
		"voice":        p.Voice,
		"tools":        toolList,
		"tool_choice":  p.ToolChoice(),
	}
	if p.Temperature != nil {
		out["temperature"] = *p.Temperature
	}
	if p.MaxResponseOutputTokens != nil {
		out["max_response_output_tokens"] = *p.MaxResponseOutputTokens
	}
	return out
}

// SessionConfiguration is the session.update sent upstream when a session opens.
func (p Policy) SessionConfiguration() ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":    TypeSessionUpdate,
		"session": p.fields(),
	})
}

// Apply overwrites the policy fields of a client session.update. Fields
// live on the nested session object when the event carries a session key,
// otherwise at top level. Policy fields on the other level are dropped and
// a session value that is not an object is replaced. Unrelated fields are
// kept.
func (p Policy) Apply(raw []byte) ([]byte, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	fields := p.fields()
	target := obj
	if v, ok := obj["session"]; ok {
		nested, isObj := v.(map[string]any)
		if !isObj {
			nested = make(map[string]any, len(fields))
			obj["session"] = nested
		}
		for k := range fields {
			delete(obj, k)
		}
		target = nested
	}
	for k, v := range fields {
		target[k] = v
	}
	return json.Marshal(obj)
}

// responseOverrideKeys are the response.create fields that would replace
// session policy for a single response.
var responseOverrideKeys = []string{"instructions", "voice", "tools", "tool_choice"}

// ApplyResponse removes per-response overrides of the policy fields from a
// client response.create so the response runs under the session policy.
// Temperature and output token limits are removed only when the policy pins
// them.
func (p Policy) ApplyResponse(raw []byte) ([]byte, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	v, ok := obj["response"]
	if !ok {
		return raw, nil
	}
	resp, isObj := v.(map[string]any)
	if !isObj {
		delete(obj, "response")
		return json.Marshal(obj)
	}
	keys := append([]string(nil), responseOverrideKeys...)
	if p.Temperature != nil {
		keys = append(keys, "temperature")
	}
	if p.MaxResponseOutputTokens != nil {
		keys = append(keys, "max_output_tokens", "max_response_output_tokens")
	}
	changed := false
	for _, k := range keys {
		if _, present := resp[k]; present {
			delete(resp, k)
			changed = true
		}
	}
	if !changed {
		return raw, nil
	}
	return json.Marshal(obj)
}

// RedactSessionState hides server policy in session.created/session.updated
// before the event reaches the client.
func RedactSessionState(raw []byte) ([]byte, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	target := sessionTarget(obj)
	target["instructions"] = ""
	target["tools"] = []any{}
	target["tool_choice"] = ToolChoiceNone
	return json.Marshal(obj)
}

func sessionTarget(obj map[string]any) map[string]any {
	if nested, ok := obj["session"].(map[string]any); ok {
		return nested
	}
	return obj
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, badRequest("event must be a JSON object", "")
	}
	return obj, nil
}

// ToolResultEvent frames a tool output in the dialect the call arrived in.
func ToolResultEvent(call ToolCall, output json.RawMessage) ([]byte, error) {
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	if call.Dialect == DialectRealtime {
		return json.Marshal(map[string]any{
			"type": TypeConversationItemCreate,
			"item": map[string]any{
				"type":    ItemTypeFunctionCallOutput,
				"call_id": call.CallID,
				"output":  string(output),
			},
		})
	}
	return json.Marshal(map[string]any{
		"type":    TypeFunctionCallResult,
		"call_id": call.CallID,
		"result":  output,
	})
}

// ResponseCreateEvent asks the model to continue after tool outputs were added.
func ResponseCreateEvent() []byte {
	return []byte(`{"type":"response.create"}`)
}

// StripFunctionCalls removes function_call items from a response.done
// output list. The original bytes are returned when nothing was removed.
func StripFunctionCalls(raw []byte) ([]byte, int, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, 0, err
	}
	resp, ok := obj["response"].(map[string]any)
	if !ok {
		return raw, 0, nil
	}
	output, ok := resp["output"].([]any)
	if !ok {
		return raw, 0, nil
	}
	kept := make([]any, 0, len(output))
	removed := 0
	for _, entry := range output {
		if m, ok := entry.(map[string]any); ok && m["type"] == ItemTypeFunctionCall {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	if removed == 0 {
		return raw, 0, nil
	}
	resp["output"] = kept
	b, err := json.Marshal(obj)
	return b, removed, err
}
