package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vango-go/vai-voicerag/pkg/gateway/config"
	"github.com/vango-go/vai-voicerag/pkg/gateway/metrics"
	"github.com/vango-go/vai-voicerag/pkg/gateway/search"
	gatewayserver "github.com/vango-go/vai-voicerag/pkg/gateway/server"
)

type appDeps struct {
	loadConfig   func() (config.Config, error)
	newSearcher  func(context.Context, config.Config, *slog.Logger, *metrics.Metrics) (search.Searcher, error)
	buildGateway func(context.Context, config.Config, *slog.Logger, search.Searcher, *metrics.Metrics) (gatewayserver.Deps, func() error, error)
	newGateway   func(config.Config, *slog.Logger, gatewayserver.Deps) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultAppDeps() appDeps {
	return appDeps{
		loadConfig:   config.LoadFromEnv,
		newSearcher:  newSearcher,
		buildGateway: buildGatewayDeps,
		newGateway:   gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runServe(ctx context.Context, logger *slog.Logger, deps appDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newSearcher == nil || deps.buildGateway == nil || deps.newGateway == nil {
		return errors.New("missing gateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.RequireRealtime(); err != nil {
		return err
	}

	m := metrics.New(metrics.DefaultNamespace)
	searcher, err := deps.newSearcher(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	gwDeps, closeDeps, err := deps.buildGateway(ctx, cfg, logger, searcher, m)
	if err != nil {
		return err
	}
	defer func() {
		if closeDeps == nil {
			return
		}
		if err := closeDeps(); err != nil {
			logger.Warn("close gateway dependencies", "error", err)
		}
	}()

	gw := deps.newGateway(cfg, logger, gwDeps)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if cfg.Policy.File != "" {
		reload := func() { reloadPolicy(gw, cfg.Policy, logger) }
		if err := config.WatchPolicyFile(watchCtx, cfg.Policy.File, logger, reload); err != nil {
			logger.Warn("policy file will not be reloaded", "path", cfg.Policy.File, "error", err)
		}
	}

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"deployment", cfg.Model.Deployment,
		"search_index", cfg.Search.Index,
		"grounding_store", cfg.Grounding.Driver,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining(true)
	warned := gw.WarnSessionsDraining("gateway is shutting down; reconnect shortly")
	logger.Info("draining realtime sessions", "sessions", len(gw.ActiveSessions()), "warned", warned)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitSessions(waitCtx) {
		canceled := gw.CancelSessions()
		logger.Warn("grace period elapsed; canceled realtime sessions", "sessions", canceled)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

// reloadPolicy re-reads the policy file and applies it to new sessions. A
// file that fails to parse leaves the current policy in place.
func reloadPolicy(gw *gatewayserver.Server, base config.PolicyConfig, logger *slog.Logger) {
	next, err := config.ResolvePolicy(base)
	if err != nil {
		logger.Warn("policy reload failed; keeping current policy", "path", base.File, "error", err)
		return
	}
	p := gw.Policy()
	p.Instructions = next.Instructions
	p.Voice = next.Voice
	p.Temperature = next.Temperature
	p.MaxResponseOutputTokens = next.MaxResponseOutputTokens
	gw.SetPolicy(p)
	logger.Info("session policy reloaded", "path", base.File, "voice", p.Voice)
}
