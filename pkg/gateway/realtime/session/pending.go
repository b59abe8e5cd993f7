package session

import (
	"fmt"
	"strings"
	"sync"

	"github.com/vango-go/vai-voicerag/pkg/gateway/realtime/protocol"
)

// pendingCalls tracks tool calls awaiting a result. Each outstanding call
// id receives exactly one result.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[string]protocol.ToolCall
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[string]protocol.ToolCall)}
}

func (p *pendingCalls) begin(call protocol.ToolCall) error {
	id := strings.TrimSpace(call.CallID)
	if id == "" {
		return fmt.Errorf("tool call %q has no call_id", call.Name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.calls[id]; exists {
		return fmt.Errorf("duplicate outstanding call_id %q", id)
	}
	p.calls[id] = call
	return nil
}

func (p *pendingCalls) resolve(callID string) (protocol.ToolCall, error) {
	id := strings.TrimSpace(callID)
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.calls[id]
	if !ok {
		return protocol.ToolCall{}, fmt.Errorf("no outstanding tool call for call_id %q", id)
	}
	delete(p.calls, id)
	return call, nil
}

func (p *pendingCalls) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
