package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vango-go/vai-voicerag/pkg/gateway/search"
)

type stubSearcher struct {
	results []search.Result
	err     error
}

func (s stubSearcher) Search(ctx context.Context, query string, topK int) ([]search.Result, error) {
	return s.results, s.err
}

func TestMetrics_SessionLifecycle(t *testing.T) {
	m := New("")
	m.RecordSessionStart()
	m.RecordSessionStart()
	m.RecordSessionEnd(StatusOK, 3*time.Second)

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Fatalf("sessions_active=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues(StatusOK)); got != 1 {
		t.Fatalf("sessions_total{ok}=%v, want 1", got)
	}
}

func TestMetrics_ObserversAndHandler(t *testing.T) {
	m := New("test")
	m.ObserveToolCall("search", "ok", 120*time.Millisecond)
	m.ObserveToolCall("search", "search_unavailable", time.Second)
	m.ObserveProtocolError("client")
	m.ObserveGroundingReport(0)
	m.ObserveGroundingReport(3)
	m.RecordRejection("session_limit")

	if got := testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("search", "ok")); got != 1 {
		t.Fatalf("tool_calls_total{search,ok}=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.GroundingSourcesTotal); got != 3 {
		t.Fatalf("grounding_sources_total=%v, want 3", got)
	}
	if got := testutil.ToFloat64(m.GroundingReportsTotal.WithLabelValues("false")); got != 1 {
		t.Fatalf("grounding_reports_total{false}=%v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`test_tool_calls_total{outcome="search_unavailable",tool="search"} 1`,
		`test_protocol_errors_total{direction="client"} 1`,
		`test_handshake_rejections_total{reason="session_limit"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestInstrumentSearcher_LabelsOutcome(t *testing.T) {
	m := New("")

	ok := m.InstrumentSearcher(stubSearcher{results: []search.Result{{ID: "a"}}})
	results, err := ok.Search(context.Background(), "q", 5)
	if err != nil || len(results) != 1 {
		t.Fatalf("results=%v err=%v", results, err)
	}

	failing := m.InstrumentSearcher(stubSearcher{err: &search.Error{Kind: search.KindTransient}})
	if _, err := failing.Search(context.Background(), "q", 5); !search.IsTransient(err) {
		t.Fatalf("err=%v, want transient passthrough", err)
	}

	if n := testutil.CollectAndCount(m.SearchDuration); n != 2 {
		t.Fatalf("search_duration series=%d, want 2", n)
	}
}

func TestSearchOutcome(t *testing.T) {
	cases := map[string]error{
		"ok":        nil,
		"backend":   &search.Error{Kind: search.KindBackend},
		"canceled":  context.Canceled,
		"error":     errors.New("boom"),
		"transient": &search.Error{Kind: search.KindTransient},
	}
	for want, err := range cases {
		if got := SearchOutcome(err); got != want {
			t.Fatalf("SearchOutcome(%v)=%q, want %q", err, got, want)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordSessionStart()
	m.RecordSessionEnd(StatusError, time.Second)
	m.ObserveToolCall("search", "ok", 0)
	m.ObserveProtocolError("upstream")
	m.ObserveGroundingReport(1)
	if _, ok := m.InstrumentSearcher(stubSearcher{}).(stubSearcher); !ok {
		t.Fatalf("nil metrics should return the searcher unchanged")
	}
}
