package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voicerag/pkg/gateway/credential"
)

func TestDialerURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		endpoint string
		want     string
	}{
		{"https://res.openai.azure.com", "wss://res.openai.azure.com/openai/realtime?api-version=v1&deployment=gpt-rt"},
		{"https://res.openai.azure.com/", "wss://res.openai.azure.com/openai/realtime?api-version=v1&deployment=gpt-rt"},
		{"http://127.0.0.1:9000", "ws://127.0.0.1:9000/openai/realtime?api-version=v1&deployment=gpt-rt"},
		{"res.openai.azure.com", "wss://res.openai.azure.com/openai/realtime?api-version=v1&deployment=gpt-rt"},
	}
	for _, tc := range cases {
		got, err := Dialer{Endpoint: tc.endpoint, Deployment: "gpt-rt", APIVersion: "v1"}.URL()
		if err != nil {
			t.Fatalf("%s: err=%v", tc.endpoint, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.endpoint, got, tc.want)
		}
	}

	if _, err := (Dialer{Endpoint: "ftp://x", Deployment: "d"}).URL(); err == nil {
		t.Fatalf("expected scheme error")
	}
	if _, err := (Dialer{Endpoint: "https://x"}).URL(); err == nil {
		t.Fatalf("expected deployment error")
	}
	got, _ := Dialer{Endpoint: "https://x", Deployment: "d"}.URL()
	if !strings.Contains(got, "api-version="+DefaultAPIVersion) {
		t.Fatalf("default api version missing: %s", got)
	}
}

func TestDialer_DialAuthorizesHandshake(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	seen := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/realtime" || r.URL.Query().Get("deployment") != "gpt-rt" {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		seen <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	d := Dialer{Endpoint: srv.URL, Deployment: "gpt-rt", Credential: credential.Key("model-key")}
	conn, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	_ = conn.Close()

	h := <-seen
	if h.Get("api-key") != "model-key" {
		t.Fatalf("api-key=%q", h.Get("api-key"))
	}
}

func TestDialer_DialReportsHandshakeFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid deployment", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := Dialer{Endpoint: srv.URL, Deployment: "x", Credential: credential.Key("k")}
	_, err := d.Dial(context.Background())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("err=%v", err)
	}
}

func TestDialer_DialRequiresCredential(t *testing.T) {
	t.Parallel()

	if _, err := (Dialer{Endpoint: "https://x", Deployment: "d"}).Dial(context.Background()); err == nil {
		t.Fatalf("expected credential error")
	}
}
