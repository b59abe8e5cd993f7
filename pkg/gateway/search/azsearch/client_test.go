package azsearch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/vai-voicerag/pkg/gateway/credential"
	"github.com/vango-go/vai-voicerag/pkg/gateway/search"
)

func newTestClient(t *testing.T, baseURL string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Endpoint:              baseURL,
		Index:                 "kb",
		SemanticConfiguration: "default",
		UseVectorQuery:        true,
		RetryDelay:            time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg, credential.Key("search-key"), nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestSearch_HybridRequestAndMapping(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s", r.Method)
		}
		if r.URL.Path != "/indexes/kb/docs/search" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if got := r.URL.Query().Get("api-version"); got != DefaultAPIVersion {
			t.Errorf("api-version=%q", got)
		}
		if got := r.Header.Get("api-key"); got != "search-key" {
			t.Errorf("api-key=%q", got)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body["search"] != "billing" {
			t.Errorf("search=%v", body["search"])
		}
		if body["top"] != float64(3) {
			t.Errorf("top=%v", body["top"])
		}
		if body["select"] != "chunk_id,chunk,title" {
			t.Errorf("select=%v", body["select"])
		}
		if body["queryType"] != "semantic" || body["semanticConfiguration"] != "default" {
			t.Errorf("semantic fields=%v/%v", body["queryType"], body["semanticConfiguration"])
		}
		vqs, _ := body["vectorQueries"].([]any)
		if len(vqs) != 1 {
			t.Fatalf("vectorQueries=%v", body["vectorQueries"])
		}
		vq := vqs[0].(map[string]any)
		if vq["kind"] != "text" || vq["text"] != "billing" || vq["fields"] != "text_vector" || vq["k"] != float64(50) {
			t.Errorf("vector query=%v", vq)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":[
			{"chunk_id":"doc_1","chunk":"Invoices are sent monthly.","title":"billing.md"},
			{"chunk_id":"doc_2","chunk":"Refunds take 5 days.","title":"refunds.md"},
			{"chunk":"no id, skipped"}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	results, err := c.Search(context.Background(), "billing", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results)=%d", len(results))
	}
	if results[0].ID != "doc_1" || results[0].Title != "billing.md" || results[0].Rank != 1 {
		t.Fatalf("results[0]=%+v", results[0])
	}
	if results[1].ID != "doc_2" || results[1].Content != "Refunds take 5 days." || results[1].Rank != 2 {
		t.Fatalf("results[1]=%+v", results[1])
	}
}

func TestSearch_VectorQueryDisabled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["vectorQueries"]; ok {
			t.Errorf("vectorQueries present: %v", body["vectorQueries"])
		}
		if _, ok := body["queryType"]; ok {
			t.Errorf("queryType present without semantic configuration")
		}
		_, _ = w.Write([]byte(`{"value":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.UseVectorQuery = false
		cfg.SemanticConfiguration = ""
	})
	if _, err := c.Search(context.Background(), "billing", 5); err != nil {
		t.Fatalf("Search: %v", err)
	}
}

func TestSearch_EmptyResults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	results, err := c.Search(context.Background(), "nonexistent-topic-xyz", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("len(results)=%d", len(results))
	}
}

func TestSearch_RetriesTransientOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"value":[{"chunk_id":"a","chunk":"x","title":"t"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	results, err := c.Search(context.Background(), "billing", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || calls.Load() != 2 {
		t.Fatalf("results=%d calls=%d", len(results), calls.Load())
	}
}

func TestSearch_GivesUpAfterOneRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.Search(context.Background(), "billing", 5)
	var se *search.Error
	if !errors.As(err, &se) {
		t.Fatalf("err=%v", err)
	}
	if se.Kind != search.KindTransient || se.Status != http.StatusBadGateway || se.Attempts != 2 {
		t.Fatalf("err=%+v", se)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls=%d", calls.Load())
	}
}

func TestSearch_NoRetryOnClientError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"bad index"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.Search(context.Background(), "billing", 5)
	var se *search.Error
	if !errors.As(err, &se) || se.Kind != search.KindBackend || se.Status != http.StatusBadRequest {
		t.Fatalf("err=%v", err)
	}
	if search.IsTransient(err) {
		t.Fatalf("400 classified as transient")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d", calls.Load())
	}
}

func TestSearch_CanceledContext(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"value":[]}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.Search(ctx, "billing", 5)
	var se *search.Error
	if !errors.As(err, &se) || se.Kind != search.KindCanceled {
		t.Fatalf("err=%v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("calls=%d", calls.Load())
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "http://127.0.0.1:1", nil)
	_, err := c.Search(context.Background(), "   ", 5)
	var se *search.Error
	if !errors.As(err, &se) || se.Kind != search.KindInvalid {
		t.Fatalf("err=%v", err)
	}
}

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(Config{Index: "kb"}, credential.Key("k"), nil); err == nil {
		t.Fatalf("expected endpoint error")
	}
	if _, err := NewClient(Config{Endpoint: "http://x"}, credential.Key("k"), nil); err == nil {
		t.Fatalf("expected index error")
	}
	if _, err := NewClient(Config{Endpoint: "http://x", Index: "kb"}, nil, nil); err == nil {
		t.Fatalf("expected credential error")
	}
}
