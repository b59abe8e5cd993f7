package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-voicerag/pkg/gateway/grounding"
	"github.com/vango-go/vai-voicerag/pkg/gateway/search"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) ObserveToolCall(tool, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, tool+":"+outcome)
}

func echoTool(name string) Definition {
	noExtra := false
	return Definition{
		Name: name,
		Parameters: Schema{
			Type:                 "object",
			Properties:           map[string]Schema{"text": {Type: "string"}, "n": {Type: "integer"}},
			Required:             []string{"text"},
			AdditionalProperties: &noExtra,
		},
		Handler: func(_ context.Context, _ Scope, args json.RawMessage) (Output, error) {
			var in struct {
				Text string `json:"text"`
				N    int    `json:"n"`
			}
			if err := DecodeArguments(args, &in); err != nil {
				return Output{}, err
			}
			return Output{Payload: map[string]any{"echo": in.Text}}, nil
		},
	}
}

func mustRegistry(t *testing.T, defs ...Definition) *Registry {
	t.Helper()
	r, err := NewRegistry(defs...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func errorCode(t *testing.T, out json.RawMessage) string {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(out, &body); err != nil {
		t.Fatalf("unmarshal %s: %v", out, err)
	}
	return body.Error.Code
}

func TestNewRegistry_RejectsDuplicateAndEmptyNames(t *testing.T) {
	t.Parallel()

	if _, err := NewRegistry(echoTool("a"), echoTool("a")); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if _, err := NewRegistry(echoTool(" ")); err == nil {
		t.Fatalf("expected empty name error")
	}
	if _, err := NewRegistry(Definition{Name: "x"}); err == nil {
		t.Fatalf("expected missing handler error")
	}
}

func TestRegistry_SchemasInRegistrationOrder(t *testing.T) {
	t.Parallel()

	r := mustRegistry(t, echoTool("zeta"), echoTool("alpha"))
	schemas := r.Schemas()
	if len(schemas) != 2 || schemas[0].Name != "zeta" || schemas[1].Name != "alpha" {
		t.Fatalf("schemas=%+v", schemas)
	}
	b, err := json.Marshal(schemas[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	_ = json.Unmarshal(b, &got)
	if got["type"] != "function" || got["parameters"] == nil {
		t.Fatalf("schema json=%s", b)
	}
}

func TestDispatch_Success(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	d := NewDispatcher(mustRegistry(t, echoTool("echo")), discardLogger(), obs)
	res, ok := d.Dispatch(context.Background(), Scope{}, Call{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)})
	if !ok || res.CallID != "c1" || res.ErrorCode != "" {
		t.Fatalf("res=%+v ok=%v", res, ok)
	}
	if string(res.Output) != `{"echo":"hi"}` {
		t.Fatalf("output=%s", res.Output)
	}
	if len(obs.calls) != 1 || obs.calls[0] != "echo:ok" {
		t.Fatalf("observer=%v", obs.calls)
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(mustRegistry(t, echoTool("echo")), discardLogger(), nil)
	res, ok := d.Dispatch(context.Background(), Scope{}, Call{ID: "c9", Name: "nope"})
	if !ok || res.CallID != "c9" {
		t.Fatalf("res=%+v ok=%v", res, ok)
	}
	if code := errorCode(t, res.Output); code != CodeUnknownTool {
		t.Fatalf("code=%q", code)
	}
}

func TestDispatch_InvalidArguments(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(mustRegistry(t, echoTool("echo")), discardLogger(), nil)
	cases := map[string]string{
		"not json":      `{`,
		"not object":    `["text"]`,
		"missing":       `{}`,
		"wrong type":    `{"text":1}`,
		"unknown field": `{"text":"a","extra":true}`,
		"non integer":   `{"text":"a","n":1.5}`,
	}
	for name, args := range cases {
		res, ok := d.Dispatch(context.Background(), Scope{}, Call{ID: "c", Name: "echo", Arguments: json.RawMessage(args)})
		if !ok {
			t.Fatalf("%s: ok=false", name)
		}
		if code := errorCode(t, res.Output); code != CodeInvalidArguments {
			t.Fatalf("%s: code=%q", name, code)
		}
	}
}

func TestDispatch_HandlerErrorsBecomePayloads(t *testing.T) {
	t.Parallel()

	failing := func(err error) Definition {
		return Definition{
			Name:       "f",
			Parameters: Schema{Type: "object"},
			Handler: func(context.Context, Scope, json.RawMessage) (Output, error) {
				return Output{}, err
			},
		}
	}

	d := NewDispatcher(mustRegistry(t, failing(&search.Error{Kind: search.KindTransient, Status: 503})), discardLogger(), nil)
	res, _ := d.Dispatch(context.Background(), Scope{}, Call{ID: "c", Name: "f"})
	if code := errorCode(t, res.Output); code != CodeSearchUnavailable {
		t.Fatalf("code=%q", code)
	}

	d = NewDispatcher(mustRegistry(t, failing(errors.New("boom"))), discardLogger(), nil)
	res, _ = d.Dispatch(context.Background(), Scope{}, Call{ID: "c", Name: "f"})
	if code := errorCode(t, res.Output); code != CodeToolFailed {
		t.Fatalf("code=%q", code)
	}
}

func TestDispatch_RecoversPanics(t *testing.T) {
	t.Parallel()

	def := Definition{
		Name:       "p",
		Parameters: Schema{Type: "object"},
		Handler: func(context.Context, Scope, json.RawMessage) (Output, error) {
			panic("kaboom")
		},
	}
	d := NewDispatcher(mustRegistry(t, def), discardLogger(), nil)
	res, ok := d.Dispatch(context.Background(), Scope{}, Call{ID: "c", Name: "p"})
	if !ok || errorCode(t, res.Output) != CodeToolFailed {
		t.Fatalf("res=%s ok=%v", res.Output, ok)
	}
}

func TestDispatch_TracksResultsReplacesResultSet(t *testing.T) {
	t.Parallel()

	var next []search.Result
	def := Definition{
		Name:          "s",
		Parameters:    Schema{Type: "object"},
		TracksResults: true,
		Handler: func(context.Context, Scope, json.RawMessage) (Output, error) {
			return Output{Payload: map[string]any{}, Results: next}, nil
		},
	}
	tracker := grounding.NewTracker()
	scope := Scope{SessionID: "s1", Grounding: tracker}
	d := NewDispatcher(mustRegistry(t, def), discardLogger(), nil)

	next = []search.Result{{ID: "doc_1"}}
	d.Dispatch(context.Background(), scope, Call{ID: "c1", Name: "s"})
	if got := tracker.Cite([]string{"doc_1"}); len(got) != 1 {
		t.Fatalf("doc_1 not citable: %v", got)
	}

	next = nil
	d.Dispatch(context.Background(), scope, Call{ID: "c2", Name: "s"})
	if got := tracker.Cite([]string{"doc_1"}); len(got) != 0 {
		t.Fatalf("empty search did not replace result set: %v", got)
	}
}

func TestDispatch_CanceledContextDiscardsResult(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	def := Definition{
		Name:       "slow",
		Parameters: Schema{Type: "object"},
		Handler: func(ctx context.Context, _ Scope, _ json.RawMessage) (Output, error) {
			cancel()
			<-ctx.Done()
			return Output{}, ctx.Err()
		},
	}
	obs := &recordingObserver{}
	d := NewDispatcher(mustRegistry(t, def), discardLogger(), obs)
	if _, ok := d.Dispatch(ctx, Scope{}, Call{ID: "c", Name: "slow"}); ok {
		t.Fatalf("expected ok=false after cancellation")
	}
	if len(obs.calls) != 0 {
		t.Fatalf("observer=%v", obs.calls)
	}
}
