package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/vango-go/vai-voicerag/pkg/gateway/config"
	"github.com/vango-go/vai-voicerag/pkg/gateway/credential"
	"github.com/vango-go/vai-voicerag/pkg/gateway/grounding/store"
	"github.com/vango-go/vai-voicerag/pkg/gateway/metrics"
	"github.com/vango-go/vai-voicerag/pkg/gateway/realtime/protocol"
	"github.com/vango-go/vai-voicerag/pkg/gateway/realtime/upstream"
	"github.com/vango-go/vai-voicerag/pkg/gateway/search"
	"github.com/vango-go/vai-voicerag/pkg/gateway/search/azsearch"
	gatewayserver "github.com/vango-go/vai-voicerag/pkg/gateway/server"
	"github.com/vango-go/vai-voicerag/pkg/gateway/tools"
	"github.com/vango-go/vai-voicerag/pkg/gateway/tools/ragtools"
)

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}

// tokenSource returns an Azure token credential when some key is missing.
// With a tenant configured the Azure Developer CLI login is used, otherwise
// the default credential chain.
func tokenSource(cfg config.Config, needed bool) (azcore.TokenCredential, error) {
	if !needed {
		return nil, nil
	}
	if tenant := strings.TrimSpace(cfg.AzureTenantID); tenant != "" {
		cred, err := azidentity.NewAzureDeveloperCLICredential(&azidentity.AzureDeveloperCLICredentialOptions{TenantID: tenant})
		if err != nil {
			return nil, fmt.Errorf("azure developer cli credential: %w", err)
		}
		return cred, nil
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("default azure credential: %w", err)
	}
	return cred, nil
}

func newSearcher(_ context.Context, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (search.Searcher, error) {
	tokens, err := tokenSource(cfg, strings.TrimSpace(cfg.Search.APIKey) == "")
	if err != nil {
		return nil, err
	}
	cred, err := credential.Select(cfg.Search.APIKey, tokens, credential.ScopeSearch)
	if err != nil {
		return nil, fmt.Errorf("search credential: %w", err)
	}

	client, err := azsearch.NewClient(azsearch.Config{
		Endpoint:              cfg.Search.Endpoint,
		Index:                 cfg.Search.Index,
		APIVersion:            cfg.Search.APIVersion,
		IdentifierField:       cfg.Search.IdentifierField,
		ContentField:          cfg.Search.ContentField,
		TitleField:            cfg.Search.TitleField,
		EmbeddingField:        cfg.Search.EmbeddingField,
		SemanticConfiguration: cfg.Search.SemanticConfiguration,
		UseVectorQuery:        cfg.Search.UseVectorQuery,
		RetryDelay:            cfg.Search.RetryDelay,
	}, cred, newHTTPClient())
	if err != nil {
		return nil, fmt.Errorf("search client: %w", err)
	}

	var s search.Searcher = client
	s = m.InstrumentSearcher(s)
	if cfg.Search.CacheTTL > 0 {
		logger.Info("search cache enabled", "ttl", cfg.Search.CacheTTL, "size", cfg.Search.CacheSize)
		s = search.NewCached(s, cfg.Search.CacheSize, cfg.Search.CacheTTL)
	}
	return s, nil
}

func buildGatewayDeps(ctx context.Context, cfg config.Config, logger *slog.Logger, searcher search.Searcher, m *metrics.Metrics) (gatewayserver.Deps, func() error, error) {
	registry, err := tools.NewRegistry(ragtools.Definitions(searcher, cfg.Search.TopK)...)
	if err != nil {
		return gatewayserver.Deps{}, nil, fmt.Errorf("tool registry: %w", err)
	}

	tokens, err := tokenSource(cfg, strings.TrimSpace(cfg.Model.APIKey) == "")
	if err != nil {
		return gatewayserver.Deps{}, nil, err
	}
	modelCred, err := credential.Select(cfg.Model.APIKey, tokens, credential.ScopeCognitiveServices)
	if err != nil {
		return gatewayserver.Deps{}, nil, fmt.Errorf("model credential: %w", err)
	}

	deps := gatewayserver.Deps{
		Upstream: upstream.Dialer{
			Endpoint:         cfg.Model.Endpoint,
			Deployment:       cfg.Model.Deployment,
			APIVersion:       cfg.Model.APIVersion,
			Credential:       modelCred,
			HandshakeTimeout: cfg.WSHandshakeTimeout,
			ReadLimit:        cfg.WSMaxMessageBytes,
		},
		Dispatcher: tools.NewDispatcher(registry, logger, m),
		Policy: protocol.Policy{
			Instructions:            cfg.Policy.Instructions,
			Voice:                   cfg.Policy.Voice,
			Tools:                   registry.Schemas(),
			Temperature:             cfg.Policy.Temperature,
			MaxResponseOutputTokens: cfg.Policy.MaxResponseOutputTokens,
		},
		Metrics: m,
	}

	closeFn := func() error { return nil }
	if cfg.Grounding.Driver != "" {
		st, err := store.Open(ctx, cfg.Grounding.Driver, cfg.Grounding.DSN)
		if err != nil {
			return gatewayserver.Deps{}, nil, fmt.Errorf("grounding store: %w", err)
		}
		deps.Recorder = st
		closeFn = st.Close
		logger.Info("grounding store enabled", "driver", cfg.Grounding.Driver)
	}
	return deps, closeFn, nil
}
