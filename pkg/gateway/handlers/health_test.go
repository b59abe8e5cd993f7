package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vango-go/vai-voicerag/pkg/gateway/config"
	"github.com/vango-go/vai-voicerag/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voicerag/pkg/gateway/realtime/sessions"
)

func readyConfig() config.Config {
	return config.Config{
		AuthMode:                  config.AuthModeOptional,
		APIKeys:                   map[string]struct{}{},
		WSMaxSessionsPerPrincipal: 2,
		Model:                     config.ModelConfig{Endpoint: "https://aoai.example", Deployment: "gpt-rt"},
		Search:                    config.SearchConfig{Endpoint: "https://search.example", Index: "docs"},
	}
}

func serveReady(t *testing.T, h ReadyHandler) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v body=%q", err, rr.Body.String())
	}
	return rr.Code, resp
}

func TestReadyHandler_RequiredAuthEmptyKeys_NotReady(t *testing.T) {
	cfg := readyConfig()
	cfg.AuthMode = config.AuthModeRequired

	code, resp := serveReady(t, ReadyHandler{Config: cfg})
	if code != http.StatusInternalServerError {
		t.Fatalf("status=%d", code)
	}
	if ok, _ := resp["ok"].(bool); ok {
		t.Fatalf("expected ok=false, got ok=true")
	}
}

func TestReadyHandler_MissingAzureSettings_NotReady(t *testing.T) {
	cfg := readyConfig()
	cfg.Search = config.SearchConfig{}

	code, resp := serveReady(t, ReadyHandler{Config: cfg})
	if code != http.StatusInternalServerError {
		t.Fatalf("status=%d", code)
	}
	issues, _ := resp["issues"].([]any)
	if len(issues) != 1 || !strings.Contains(issues[0].(string), "AZURE_SEARCH_ENDPOINT") {
		t.Fatalf("issues=%v", issues)
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	tracker := sessions.NewTracker()
	unregister := tracker.Register("rt_1", "ip_10.0.0.1", nil)
	defer unregister()

	code, resp := serveReady(t, ReadyHandler{Config: readyConfig(), Lifecycle: &lifecycle.Lifecycle{}, Sessions: tracker})
	if code != http.StatusOK {
		t.Fatalf("status=%d resp=%v", code, resp)
	}
	if got, _ := resp["active_sessions"].(float64); got != 1 {
		t.Fatalf("active_sessions=%v, want 1", resp["active_sessions"])
	}
}

func TestReadyHandler_Draining(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)

	code, resp := serveReady(t, ReadyHandler{Config: readyConfig(), Lifecycle: lc})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", code)
	}
	if draining, _ := resp["draining"].(bool); !draining {
		t.Fatalf("draining=%v", resp["draining"])
	}
	if since, _ := resp["draining_since"].(string); since == "" {
		t.Fatalf("draining_since missing: %v", resp)
	}
}

func TestNotFoundHandler_Envelope(t *testing.T) {
	rr := httptest.NewRecorder()
	NotFoundHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"not_found_error"`) {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

func TestStaticHandler(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>voice</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := StaticHandler{Dir: dir, NotFound: NotFoundHandler{}}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "voice") {
		t.Fatalf("index status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/../../etc/passwd", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("traversal status=%d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("post status=%d", rr.Code)
	}
}
