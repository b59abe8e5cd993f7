package azsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-voicerag/pkg/gateway/credential"
	"github.com/vango-go/vai-voicerag/pkg/gateway/search"
)

const (
	DefaultAPIVersion        = "2024-07-01"
	DefaultRetryDelay        = 250 * time.Millisecond
	DefaultKNearestNeighbors = 50
)

// Config names the index and the field mapping used to build hybrid queries.
type Config struct {
	Endpoint   string
	Index      string
	APIVersion string

	IdentifierField       string
	ContentField          string
	TitleField            string
	EmbeddingField        string
	SemanticConfiguration string
	UseVectorQuery        bool
	KNearestNeighbors     int

	RetryDelay time.Duration
}

// Client queries an Azure AI Search index over REST.
type Client struct {
	cfg        Config
	credential credential.Credential
	httpClient *http.Client
}

func NewClient(cfg Config, cred credential.Credential, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("search endpoint is required")
	}
	if strings.TrimSpace(cfg.Index) == "" {
		return nil, fmt.Errorf("search index is required")
	}
	if cred == nil {
		return nil, fmt.Errorf("search credential is required")
	}
	if strings.TrimSpace(cfg.APIVersion) == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.IdentifierField == "" {
		cfg.IdentifierField = "chunk_id"
	}
	if cfg.ContentField == "" {
		cfg.ContentField = "chunk"
	}
	if cfg.TitleField == "" {
		cfg.TitleField = "title"
	}
	if cfg.EmbeddingField == "" {
		cfg.EmbeddingField = "text_vector"
	}
	if cfg.KNearestNeighbors <= 0 {
		cfg.KNearestNeighbors = DefaultKNearestNeighbors
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{cfg: cfg, credential: cred, httpClient: httpClient}, nil
}

type vectorQuery struct {
	Kind   string `json:"kind"`
	Text   string `json:"text"`
	K      int    `json:"k"`
	Fields string `json:"fields"`
}

type searchRequest struct {
	Search                string        `json:"search"`
	Top                   int           `json:"top"`
	Select                string        `json:"select"`
	QueryType             string        `json:"queryType,omitempty"`
	SemanticConfiguration string        `json:"semanticConfiguration,omitempty"`
	VectorQueries         []vectorQuery `json:"vectorQueries,omitempty"`
}

func (c *Client) buildRequest(query string, topK int) searchRequest {
	req := searchRequest{
		Search: query,
		Top:    topK,
		Select: strings.Join([]string{c.cfg.IdentifierField, c.cfg.ContentField, c.cfg.TitleField}, ","),
	}
	if c.cfg.SemanticConfiguration != "" {
		req.QueryType = "semantic"
		req.SemanticConfiguration = c.cfg.SemanticConfiguration
	}
	if c.cfg.UseVectorQuery {
		req.VectorQueries = []vectorQuery{{
			Kind:   "text",
			Text:   query,
			K:      c.cfg.KNearestNeighbors,
			Fields: c.cfg.EmbeddingField,
		}}
	}
	return req
}

// Search runs one hybrid query. Transient failures are retried once after
// RetryDelay.
func (c *Client) Search(ctx context.Context, query string, topK int) ([]search.Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &search.Error{Kind: search.KindInvalid, Err: errors.New("query is required")}
	}
	if topK <= 0 {
		topK = search.DefaultTopK
	}

	body, err := json.Marshal(c.buildRequest(query, topK))
	if err != nil {
		return nil, &search.Error{Kind: search.KindInvalid, Err: fmt.Errorf("marshal request: %w", err)}
	}

	var (
		results  []search.Result
		attempts int
		lastErr  *search.Error
	)
	backoff := retry.WithMaxRetries(1, retry.NewConstant(c.cfg.RetryDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		out, serr := c.do(ctx, body)
		if serr == nil {
			results = out
			return nil
		}
		lastErr = serr
		if serr.Kind == search.KindTransient {
			return retry.RetryableError(serr)
		}
		return serr
	})
	if err == nil {
		return results, nil
	}
	if ctx.Err() != nil {
		return nil, &search.Error{Kind: search.KindCanceled, Attempts: attempts, Err: ctx.Err()}
	}
	if lastErr == nil {
		lastErr = &search.Error{Kind: search.KindBackend, Err: err}
	}
	lastErr.Attempts = attempts
	return nil, lastErr
}

func (c *Client) searchURL() string {
	q := url.Values{}
	q.Set("api-version", c.cfg.APIVersion)
	return fmt.Sprintf("%s/indexes/%s/docs/search?%s", c.cfg.Endpoint, url.PathEscape(c.cfg.Index), q.Encode())
}

func (c *Client) do(ctx context.Context, body []byte) ([]search.Result, *search.Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.searchURL(), bytes.NewReader(body))
	if err != nil {
		return nil, &search.Error{Kind: search.KindInvalid, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if err := c.credential.Authorize(ctx, req.Header); err != nil {
		return nil, &search.Error{Kind: search.KindBackend, Err: fmt.Errorf("authorize: %w", err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &search.Error{Kind: search.KindCanceled, Err: ctx.Err()}
		}
		return nil, &search.Error{Kind: search.KindTransient, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		kind := search.KindBackend
		if isTransientStatus(resp.StatusCode) {
			kind = search.KindTransient
		}
		return nil, &search.Error{
			Kind:   kind,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("azure search error: %s", strings.TrimSpace(string(b))),
		}
	}

	var decoded struct {
		Value []map[string]any `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &search.Error{Kind: search.KindBackend, Err: fmt.Errorf("decode response: %w", err)}
	}

	results := make([]search.Result, 0, len(decoded.Value))
	for _, doc := range decoded.Value {
		id := stringField(doc, c.cfg.IdentifierField)
		if id == "" {
			continue
		}
		results = append(results, search.Result{
			ID:      id,
			Content: stringField(doc, c.cfg.ContentField),
			Title:   stringField(doc, c.cfg.TitleField),
			Rank:    len(results) + 1,
		})
	}
	return results, nil
}

func isTransientStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

func stringField(doc map[string]any, field string) string {
	v, ok := doc[field]
	if !ok || v == nil {
		return ""
	}
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return fmt.Sprintf("%v", value)
	default:
		return fmt.Sprint(value)
	}
}
