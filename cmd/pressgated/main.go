// Command pressgated runs the access-control and monetization daemon: the
// REST and GraphQL surfaces, the policy engine with its refresh loop, the
// payment ledger and the licensing service, all over one SQLite store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pressgate "github.com/pressgate/pressgate"
	"github.com/pressgate/pressgate/graphqlapi"
	"github.com/pressgate/pressgate/httpapi"
	"github.com/pressgate/pressgate/internal/config"
	"github.com/pressgate/pressgate/l402"
	"github.com/pressgate/pressgate/ledger"
	"github.com/pressgate/pressgate/licensing"
	"github.com/pressgate/pressgate/metrics"
	"github.com/pressgate/pressgate/policy"
	"github.com/pressgate/pressgate/provider/mock"
	"github.com/pressgate/pressgate/provider/restinvoice"
	"github.com/pressgate/pressgate/store/sqlite"
)

func main() {
	configPath := flag.String("config", "pressgate.toml", "path to the TOML configuration")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("pressgated exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := metrics.NewRegistry()

	var provider pressgate.PaymentProvider
	switch cfg.Provider.Kind {
	case "rest":
		provider = restinvoice.New(restinvoice.Config{
			BaseURL: cfg.Provider.URL,
			APIKey:  cfg.Provider.APIKey,
		})
	default:
		provider = mock.New()
	}

	// The licensing service stamps entitlements with the policy version in
	// force at sale time; the engine needs the service as its entitlement
	// probe. The closure breaks the construction cycle.
	var engine *policy.Engine
	lic := licensing.New(store, store, store, store,
		licensing.WithMetrics(registry),
		licensing.WithLogger(logger),
		licensing.WithPolicyVersion(func() string {
			if engine == nil {
				return ""
			}
			return engine.Snapshot().Version
		}))
	engine = policy.NewEngine(policy.Baseline(),
		policy.WithDecisionLog(store),
		policy.WithEntitlementProbe(lic),
		policy.WithLogger(logger))

	refresher := policy.NewRefresher(engine, store, cfg.PolicyRefreshInterval.Duration, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := refresher.RefreshOnce(ctx); err != nil {
		logger.Warn("initial policy refresh failed, serving the baseline", "error", err)
	}
	go refresher.Run(ctx)
	defer refresher.Stop()

	ledgerSvc := ledger.New(store, ledger.WithMetrics(registry), ledger.WithLogger(logger))
	ingestor, err := ledger.NewIngestor(ledgerSvc, store, []byte(cfg.WebhookSecret))
	if err != nil {
		return err
	}
	issuer := l402.NewIssuer(provider, ledgerSvc, lic, []byte(cfg.CredentialSecret), l402.WithLogger(logger))

	gql, err := graphqlapi.New(engine, lic)
	if err != nil {
		return err
	}

	keys := make([]httpapi.APIKey, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, httpapi.APIKey{
			Key:     k.Key,
			AgentID: k.AgentID,
			Scopes:  k.Scopes,
		})
	}

	server := httpapi.NewServer(httpapi.Config{
		Engine:    engine,
		Licensing: lic,
		Issuer:    issuer,
		Ledger:    ledgerSvc,
		Ingestor:  ingestor,
		Content:   echoReader{},
		Metrics:   registry,
		APIKeys:   keys,
		DomainID:  cfg.DomainID,
		Logger:    logger,
		GraphQL:   gql,
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pressgated listening", "addr", cfg.Listen, "provider", provider.Name())
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// echoReader stands in for the CMS content backend, which lives outside
// this subsystem. It returns the resolved reference so the gated read path
// is exercisable end to end without a CMS attached.
type echoReader struct{}

func (echoReader) ReadItem(_ context.Context, domainID, itemID string) (map[string]any, error) {
	return map[string]any{
		"id":       itemID,
		"domainId": domainID,
		"note":     fmt.Sprintf("content item %s (no CMS backend attached)", itemID),
	}, nil
}
