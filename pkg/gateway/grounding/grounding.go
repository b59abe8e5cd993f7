package grounding

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/vango-go/vai-voicerag/pkg/gateway/search"
)

// EventType is the client-facing event carrying a turn's citations.
const EventType = "grounding.report"

var sourceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_=\-]+$`)

// ValidSourceID reports whether id uses the index key charset.
func ValidSourceID(id string) bool {
	return sourceIDPattern.MatchString(id)
}

type Source struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Report lists the sources cited during one response turn, in first-cited order.
type Report struct {
	ResponseID string   `json:"response_id"`
	Sources    []Source `json:"sources"`
}

// MarshalEvent encodes the report as the grounding.report client event.
func (r Report) MarshalEvent() ([]byte, error) {
	sources := r.Sources
	if sources == nil {
		sources = []Source{}
	}
	return json.Marshal(struct {
		Type       string   `json:"type"`
		ResponseID string   `json:"response_id"`
		Sources    []Source `json:"sources"`
	}{Type: EventType, ResponseID: r.ResponseID, Sources: sources})
}

// Tracker holds one session's most recent search result set and the
// citations accumulated for the current turn.
type Tracker struct {
	mu      sync.Mutex
	results map[string]search.Result
	cited   []Source
	seen    map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		results: make(map[string]search.Result),
		seen:    make(map[string]struct{}),
	}
}

// Observe replaces the result set citations are validated against.
func (t *Tracker) Observe(results []search.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results = make(map[string]search.Result, len(results))
	for _, r := range results {
		t.results[r.ID] = r
	}
}

// Cite records ids present in the last result set and returns the ones that
// were accepted. Unknown or malformed ids are dropped.
func (t *Tracker) Cite(ids []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	accepted := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if !ValidSourceID(id) {
			continue
		}
		r, known := t.results[id]
		if !known {
			continue
		}
		accepted = append(accepted, id)
		if _, dup := t.seen[id]; dup {
			continue
		}
		t.seen[id] = struct{}{}
		t.cited = append(t.cited, Source{ID: id, Title: r.Title, Content: r.Content})
	}
	return accepted
}

// Len returns the number of distinct sources cited this turn.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cited)
}

// Flush returns the turn's report and clears the citation record. The result
// set survives so later turns can cite it.
func (t *Tracker) Flush(responseID string) Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := Report{ResponseID: responseID, Sources: append([]Source{}, t.cited...)}
	t.cited = nil
	t.seen = make(map[string]struct{})
	return report
}
