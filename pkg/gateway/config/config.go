package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

const (
	DefaultAddr  = ":8765"
	DefaultVoice = "alloy"
)

// DefaultInstructions is used when neither the environment nor a policy file
// sets instructions.
const DefaultInstructions = `You are a helpful assistant. Only answer questions based on information you searched in the knowledge base, accessible with the 'search' tool.
The user is listening to answers with audio, so it's *super* important that answers are as short as possible, a single sentence if at all possible.
Never read file names or source names or keys out loud.
Always use the following step-by-step instructions to respond:
1. Always use the 'search' tool to check the knowledge base before answering a question.
2. Always use the 'report_grounding' tool to report the source of information from the knowledge base.
3. Produce an answer that's as short as possible. If the answer isn't in the knowledge base, say you don't know.`

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the gateway is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// CORS and WebSocket origin allowlist. Empty means same-origin only for /realtime.
	CORSAllowedOrigins map[string]struct{}

	// Directory served at / (the browser client). Empty disables static files.
	StaticDir string

	// Realtime WebSocket mode (/realtime).
	WSMaxSessionDuration      time.Duration
	WSMaxSessionsPerPrincipal int
	WSMaxMessageBytes         int64
	WSPingInterval            time.Duration
	WSWriteTimeout            time.Duration
	WSReadTimeout             time.Duration
	WSHandshakeTimeout        time.Duration
	WSOutboundQueueSize       int
	ToolTimeout               time.Duration

	// Handshake rate limits (per principal).
	LimitRPS   float64
	LimitBurst int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration

	Model     ModelConfig
	Search    SearchConfig
	Policy    PolicyConfig
	Grounding GroundingStoreConfig

	// Selects the Azure developer CLI credential for the given tenant when keys are absent.
	AzureTenantID string
}

// ModelConfig locates the upstream realtime deployment.
type ModelConfig struct {
	Endpoint   string
	Deployment string
	APIVersion string
	APIKey     string
}

type SearchConfig struct {
	Endpoint              string
	Index                 string
	APIKey                string
	APIVersion            string
	IdentifierField       string
	ContentField          string
	TitleField            string
	EmbeddingField        string
	SemanticConfiguration string
	UseVectorQuery        bool
	TopK                  int
	RetryDelay            time.Duration
	CacheTTL              time.Duration
	CacheSize             int
}

// PolicyConfig is the server-owned session policy.
type PolicyConfig struct {
	File                    string
	Instructions            string
	Voice                   string
	Temperature             *float64
	MaxResponseOutputTokens *int
}

// GroundingStoreConfig enables the grounding audit trail when Driver is set.
type GroundingStoreConfig struct {
	Driver string
	DSN    string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                      envOr("VOICERAG_ADDR", DefaultAddr),
		AuthMode:                  AuthMode(envOr("VOICERAG_AUTH_MODE", string(AuthModeDisabled))),
		APIKeys:                   make(map[string]struct{}),
		TrustProxyHeaders:         envBoolOr("VOICERAG_TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins:        make(map[string]struct{}),
		StaticDir:                 envOr("VOICERAG_STATIC_DIR", ""),
		WSMaxSessionDuration:      envDurationOr("VOICERAG_WS_MAX_DURATION", 30*time.Minute),
		WSMaxSessionsPerPrincipal: envIntOr("VOICERAG_WS_MAX_SESSIONS_PER_PRINCIPAL", 2),
		WSMaxMessageBytes:         envInt64Or("VOICERAG_WS_MAX_MESSAGE_BYTES", 1<<20), // 1 MiB
		WSPingInterval:            envDurationOr("VOICERAG_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:            envDurationOr("VOICERAG_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:             envDurationOr("VOICERAG_WS_READ_TIMEOUT", 0),
		WSHandshakeTimeout:        envDurationOr("VOICERAG_WS_HANDSHAKE_TIMEOUT", 10*time.Second),
		WSOutboundQueueSize:       envIntOr("VOICERAG_WS_OUTBOUND_QUEUE", 256),
		ToolTimeout:               envDurationOr("VOICERAG_TOOL_TIMEOUT", 20*time.Second),
		LimitRPS:                  envFloat64Or("VOICERAG_RATE_LIMIT_RPS", 1.0),
		LimitBurst:                envIntOr("VOICERAG_RATE_LIMIT_BURST", 4),
		ReadHeaderTimeout:         envDurationOr("VOICERAG_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:               envDurationOr("VOICERAG_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:       envDurationOr("VOICERAG_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		Model: ModelConfig{
			Endpoint:   envOr("AZURE_OPENAI_ENDPOINT", ""),
			Deployment: envOr("AZURE_OPENAI_DEPLOYMENT", envOr("AZURE_OPENAI_REALTIME_DEPLOYMENT", "")),
			APIVersion: envOr("AZURE_OPENAI_API_VERSION", "2024-10-01-preview"),
			APIKey:     envOr("AZURE_OPENAI_API_KEY", ""),
		},
		Search: SearchConfig{
			Endpoint:              envOr("AZURE_SEARCH_ENDPOINT", ""),
			Index:                 envOr("AZURE_SEARCH_INDEX", ""),
			APIKey:                envOr("AZURE_SEARCH_API_KEY", ""),
			APIVersion:            envOr("AZURE_SEARCH_API_VERSION", "2024-07-01"),
			IdentifierField:       envOr("AZURE_SEARCH_IDENTIFIER_FIELD", "chunk_id"),
			ContentField:          envOr("AZURE_SEARCH_CONTENT_FIELD", "chunk"),
			TitleField:            envOr("AZURE_SEARCH_TITLE_FIELD", "title"),
			EmbeddingField:        envOr("AZURE_SEARCH_EMBEDDING_FIELD", "text_vector"),
			SemanticConfiguration: envOr("AZURE_SEARCH_SEMANTIC_CONFIGURATION", "default"),
			UseVectorQuery:        envBoolOr("AZURE_SEARCH_USE_VECTOR_QUERY", true),
			TopK:                  envIntOr("VOICERAG_SEARCH_TOP_K", 5),
			RetryDelay:            envDurationOr("VOICERAG_SEARCH_RETRY_DELAY", 250*time.Millisecond),
			CacheTTL:              envDurationOr("VOICERAG_SEARCH_CACHE_TTL", 0),
			CacheSize:             envIntOr("VOICERAG_SEARCH_CACHE_SIZE", 256),
		},
		Policy: PolicyConfig{
			File: envOr("VOICERAG_POLICY_FILE", ""),
		},
		Grounding: GroundingStoreConfig{
			Driver: envOr("VOICERAG_GROUNDING_STORE_DRIVER", ""),
			DSN:    envOr("VOICERAG_GROUNDING_STORE_DSN", ""),
		},
		AzureTenantID: envOr("AZURE_TENANT_ID", ""),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VOICERAG_AUTH_MODE must be one of required|optional|disabled")
	}
	if err := checkBoolEnv(boolEnvVars...); err != nil {
		return Config{}, err
	}

	for _, key := range splitCSV(os.Getenv("VOICERAG_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("VOICERAG_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	policy, err := ResolvePolicy(cfg.Policy)
	if err != nil {
		return Config{}, err
	}
	cfg.Policy = policy

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.WSMaxSessionDuration <= 0 {
		return fmt.Errorf("VOICERAG_WS_MAX_DURATION must be > 0")
	}
	if cfg.WSMaxSessionsPerPrincipal <= 0 {
		return fmt.Errorf("VOICERAG_WS_MAX_SESSIONS_PER_PRINCIPAL must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("VOICERAG_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return fmt.Errorf("VOICERAG_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return fmt.Errorf("VOICERAG_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return fmt.Errorf("VOICERAG_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.WSHandshakeTimeout <= 0 {
		return fmt.Errorf("VOICERAG_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSOutboundQueueSize <= 0 {
		return fmt.Errorf("VOICERAG_WS_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.ToolTimeout <= 0 {
		return fmt.Errorf("VOICERAG_TOOL_TIMEOUT must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return fmt.Errorf("VOICERAG_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return fmt.Errorf("VOICERAG_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VOICERAG_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return fmt.Errorf("VOICERAG_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VOICERAG_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.Search.TopK <= 0 {
		return fmt.Errorf("VOICERAG_SEARCH_TOP_K must be > 0")
	}
	if cfg.Search.RetryDelay < 0 {
		return fmt.Errorf("VOICERAG_SEARCH_RETRY_DELAY must be >= 0")
	}
	if cfg.Search.CacheTTL < 0 {
		return fmt.Errorf("VOICERAG_SEARCH_CACHE_TTL must be >= 0")
	}
	if cfg.Search.CacheTTL > 0 && cfg.Search.CacheSize <= 0 {
		return fmt.Errorf("VOICERAG_SEARCH_CACHE_SIZE must be > 0 when the search cache is enabled")
	}
	if err := cfg.Policy.validate(); err != nil {
		return err
	}
	switch cfg.Grounding.Driver {
	case "":
	case "sqlite", "pgx":
		if cfg.Grounding.DSN == "" {
			return fmt.Errorf("VOICERAG_GROUNDING_STORE_DSN must be set when VOICERAG_GROUNDING_STORE_DRIVER is set")
		}
	default:
		return fmt.Errorf("VOICERAG_GROUNDING_STORE_DRIVER must be one of sqlite|pgx")
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return fmt.Errorf("VOICERAG_API_KEYS must be set when VOICERAG_AUTH_MODE=required")
	}
	return nil
}

// RequireRealtime reports the settings missing for serving /realtime.
func (cfg Config) RequireRealtime() error {
	var missing []string
	if cfg.Model.Endpoint == "" {
		missing = append(missing, "AZURE_OPENAI_ENDPOINT")
	}
	if cfg.Model.Deployment == "" {
		missing = append(missing, "AZURE_OPENAI_DEPLOYMENT")
	}
	if err := missingErr(missing); err != nil {
		return err
	}
	return cfg.RequireSearch()
}

// RequireSearch reports the settings missing for querying the knowledge base.
func (cfg Config) RequireSearch() error {
	var missing []string
	if cfg.Search.Endpoint == "" {
		missing = append(missing, "AZURE_SEARCH_ENDPOINT")
	}
	if cfg.Search.Index == "" {
		missing = append(missing, "AZURE_SEARCH_INDEX")
	}
	return missingErr(missing)
}

func missingErr(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
}

func applyPolicyEnv(p *PolicyConfig) error {
	if v := envOr("VOICERAG_INSTRUCTIONS", ""); v != "" {
		p.Instructions = v
	}
	if v := envOr("VOICERAG_VOICE", ""); v != "" {
		p.Voice = v
	}
	if raw := envOr("VOICERAG_TEMPERATURE", ""); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("VOICERAG_TEMPERATURE: %w", err)
		}
		p.Temperature = &f
	}
	if raw := envOr("VOICERAG_MAX_RESPONSE_OUTPUT_TOKENS", ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("VOICERAG_MAX_RESPONSE_OUTPUT_TOKENS: %w", err)
		}
		p.MaxResponseOutputTokens = &n
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

// boolEnvVars are rejected at load time when set to an unrecognized value.
var boolEnvVars = []string{"VOICERAG_TRUST_PROXY_HEADERS", "AZURE_SEARCH_USE_VECTOR_QUERY"}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if v, ok := parseBool(raw); ok {
		return v
	}
	return def
}

func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, true
	case "0", "false", "f", "no", "n", "off":
		return false, true
	default:
		return false, false
	}
}

func checkBoolEnv(keys ...string) error {
	for _, key := range keys {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		if _, ok := parseBool(raw); !ok {
			return fmt.Errorf("%s must be a boolean (true|false), got %q", key, raw)
		}
	}
	return nil
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
