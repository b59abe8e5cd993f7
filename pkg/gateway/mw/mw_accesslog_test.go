package mw

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// hijackableRecorder is an httptest.ResponseRecorder that also implements
// http.Hijacker.
type hijackableRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (w *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

func logRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.Count(line, "\n") != 0 {
		t.Fatalf("expected exactly one record, got %q", line)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	return rec
}

func serveLogged(t *testing.T, w http.ResponseWriter, path string, h http.HandlerFunc) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(WithRequestID(context.Background(), "req_test"))
	AccessLog(logger, h).ServeHTTP(w, req)
	return logRecord(t, &buf)
}

func TestAccessLog_Records(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantMsg   string
		wantLevel string
		status    int
		bytes     float64
	}{
		{
			name:      "implicit 200",
			handler:   func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "ok\n") },
			wantMsg:   "request",
			wantLevel: "INFO",
			status:    http.StatusOK,
			bytes:     3,
		},
		{
			name:      "explicit status",
			handler:   func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) },
			wantMsg:   "request",
			wantLevel: "INFO",
			status:    http.StatusNoContent,
		},
		{
			name:      "server error warns",
			handler:   func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			wantMsg:   "request",
			wantLevel: "WARN",
			status:    http.StatusBadGateway,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveLogged(t, httptest.NewRecorder(), "/healthz", tt.handler)
			if rec["msg"] != tt.wantMsg || rec["level"] != tt.wantLevel {
				t.Fatalf("msg=%v level=%v", rec["msg"], rec["level"])
			}
			if got, _ := rec["status"].(float64); int(got) != tt.status {
				t.Fatalf("status=%v, want %d", rec["status"], tt.status)
			}
			if got, _ := rec["bytes"].(float64); got != tt.bytes {
				t.Fatalf("bytes=%v, want %v", rec["bytes"], tt.bytes)
			}
			if rec["request_id"] != "req_test" || rec["path"] != "/healthz" {
				t.Fatalf("record=%v", rec)
			}
		})
	}
}

func TestAccessLog_HijackIsPreservedAndLoggedAsWebsocket(t *testing.T) {
	w := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}

	rec := serveLogged(t, w, "/realtime", func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatalf("expected http.Hijacker to be preserved")
		}
		if _, _, err := hj.Hijack(); err != nil {
			t.Fatalf("hijack: %v", err)
		}
	})

	if !w.hijacked {
		t.Fatalf("underlying hijacker not invoked")
	}
	if rec["msg"] != "websocket" {
		t.Fatalf("msg=%v", rec["msg"])
	}
	if got, _ := rec["status"].(float64); int(got) != http.StatusSwitchingProtocols {
		t.Fatalf("status=%v, want 101", rec["status"])
	}
	if _, ok := rec["bytes"]; ok {
		t.Fatalf("upgraded connections should not report bytes")
	}
}

func TestAccessLog_DoesNotAdvertiseHijackerItLacks(t *testing.T) {
	serveLogged(t, httptest.NewRecorder(), "/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Hijacker); ok {
			t.Fatalf("did not expect http.Hijacker to be advertised")
		}
	})
}

func TestRequestID_ReplacesInvalidIncomingID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "valid", incoming: "client-123", keep: true},
		{name: "spaces", incoming: "has space", keep: false},
		{name: "too long", incoming: strings.Repeat("a", maxRequestIDLen+1), keep: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen, _ = RequestIDFrom(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("X-Request-ID", tt.incoming)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if tt.keep && seen != tt.incoming {
				t.Fatalf("request id=%q, want %q", seen, tt.incoming)
			}
			if !tt.keep && (seen == tt.incoming || !strings.HasPrefix(seen, "req_")) {
				t.Fatalf("request id=%q, want generated", seen)
			}
			if rr.Header().Get("X-Request-ID") != seen {
				t.Fatalf("response header=%q, want %q", rr.Header().Get("X-Request-ID"), seen)
			}
		})
	}
}
