package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voicerag/pkg/gateway/credential"
)

const (
	DefaultAPIVersion       = "2024-10-01-preview"
	DefaultHandshakeTimeout = 10 * time.Second
	realtimePath            = "/openai/realtime"
)

// Dialer opens websocket connections to the realtime model deployment.
type Dialer struct {
	Endpoint         string
	Deployment       string
	APIVersion       string
	Credential       credential.Credential
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

// URL returns the websocket URL for the configured deployment.
func (d Dialer) URL() (string, error) {
	base := strings.TrimSpace(d.Endpoint)
	if base == "" {
		return "", fmt.Errorf("model endpoint is required")
	}
	if strings.TrimSpace(d.Deployment) == "" {
		return "", fmt.Errorf("model deployment is required")
	}
	if !strings.Contains(base, "://") {
		base = "wss://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid model endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported model endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("model endpoint host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + realtimePath

	apiVersion := strings.TrimSpace(d.APIVersion)
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	q := url.Values{}
	q.Set("api-version", apiVersion)
	q.Set("deployment", strings.TrimSpace(d.Deployment))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects and authorizes the handshake with the configured credential.
func (d Dialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := d.URL()
	if err != nil {
		return nil, err
	}
	if d.Credential == nil {
		return nil, fmt.Errorf("model credential is required")
	}
	header := http.Header{}
	if err := d.Credential.Authorize(ctx, header); err != nil {
		return nil, fmt.Errorf("authorize upstream: %w", err)
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
			if len(body) > 0 {
				return nil, fmt.Errorf("upstream connect (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return nil, fmt.Errorf("upstream connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("upstream connect: %w", err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return conn, nil
}
