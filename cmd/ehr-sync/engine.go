package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/config"
	"github.com/ehr/ehrsync/internal/platform/db"
	"github.com/ehr/ehrsync/internal/platform/telemetry"
	"github.com/ehr/ehrsync/internal/platform/upstream"
	"github.com/ehr/ehrsync/internal/platform/webhook"
	"github.com/ehr/ehrsync/internal/store"
	"github.com/ehr/ehrsync/internal/syncer"
	"github.com/ehr/ehrsync/internal/syncrun"
)

// engine holds the wired sync components shared by the serve and sync commands.
type engine struct {
	orch    *syncer.Orchestrator
	runs    syncrun.Repository
	metrics *telemetry.Metrics
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// loadConfig loads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "ehr-sync",
	})
}

// tokenSource picks client credentials when a token endpoint is configured.
// Without one, requests go out unauthenticated.
func tokenSource(cfg *config.Config) (upstream.TokenSource, error) {
	if cfg.UpstreamTokenURL == "" {
		return nil, nil
	}
	cc := upstream.ClientCredentialsConfig{
		TokenURL:     cfg.UpstreamTokenURL,
		ClientID:     cfg.UpstreamClientID,
		ClientSecret: cfg.UpstreamClientSecret,
		Scope:        cfg.UpstreamScope,
		KeyID:        cfg.UpstreamKeyID,
		HTTPClient:   &http.Client{Timeout: cfg.UpstreamTimeout},
	}
	if cfg.UsesClientAssertion() {
		key, err := upstream.LoadPrivateKey(cfg.UpstreamPrivateKeyFile)
		if err != nil {
			return nil, err
		}
		cc.PrivateKey = key
	}
	return upstream.NewClientCredentials(cc), nil
}

func buildEngine(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*engine, error) {
	tokens, err := tokenSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("upstream credentials: %w", err)
	}

	client, err := upstream.NewClient(cfg.UpstreamBaseURL, tokens,
		upstream.WithHTTPClient(&http.Client{Timeout: cfg.UpstreamTimeout}),
		upstream.WithRateLimit(cfg.UpstreamRPS),
		upstream.WithMaxRetries(uint64(cfg.UpstreamMaxRetries)),
		upstream.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("upstream client: %w", err)
	}

	fetcher := upstream.NewFetcher(client, cfg.UpstreamPageSize)
	runs := syncrun.NewRepo(pool)
	recorder := syncrun.NewRecorder(runs, cfg.SyncStaleAfter)

	orch := syncer.NewOrchestrator(syncer.NewRegistry(fetcher, store.NewPG(pool)), recorder, logger)
	orch.UseLease(syncrun.NewLeaseRepo(pool), cfg.SyncLeaseTTL)
	metrics := telemetry.NewMetrics()
	orch.UseMetrics(metrics)
	if cfg.SyncWebhookURL != "" {
		orch.UseNotifier(webhook.NewNotifier(cfg.SyncWebhookURL, cfg.SyncWebhookSecret, webhook.WithLogger(logger)))
	}

	return &engine{orch: orch, runs: runs, metrics: metrics}, nil
}

// splitEntities turns "a, b,,c" into [a b c].
func splitEntities(raw []string) []string {
	var out []string
	for _, r := range raw {
		for _, name := range strings.Split(r, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}
