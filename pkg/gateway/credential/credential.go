package credential

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

const (
	HeaderAPIKey        = "api-key"
	HeaderAuthorization = "Authorization"

	ScopeCognitiveServices = "https://cognitiveservices.azure.com/.default"
	ScopeSearch            = "https://search.azure.com/.default"
)

// Credential authorizes outbound requests to the model and search endpoints.
type Credential interface {
	Authorize(ctx context.Context, header http.Header) error
}

// Key authorizes with a static API key.
type Key string

func (k Key) Authorize(_ context.Context, header http.Header) error {
	key := strings.TrimSpace(string(k))
	if key == "" {
		return fmt.Errorf("api key is empty")
	}
	header.Set(HeaderAPIKey, key)
	return nil
}

// Token authorizes with a bearer token obtained from an Azure token credential.
type Token struct {
	Source azcore.TokenCredential
	Scope  string
}

func (t Token) Authorize(ctx context.Context, header http.Header) error {
	if t.Source == nil {
		return fmt.Errorf("token credential is not configured")
	}
	scope := strings.TrimSpace(t.Scope)
	if scope == "" {
		return fmt.Errorf("token scope is empty")
	}
	tok, err := t.Source.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{scope}})
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	header.Set(HeaderAuthorization, "Bearer "+tok.Token)
	return nil
}

// Select prefers a configured key and falls back to the token source.
func Select(key string, fallback azcore.TokenCredential, scope string) (Credential, error) {
	if strings.TrimSpace(key) != "" {
		return Key(strings.TrimSpace(key)), nil
	}
	if fallback == nil {
		return nil, fmt.Errorf("no api key and no token credential available")
	}
	return Token{Source: fallback, Scope: scope}, nil
}
