// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-linkproof.
//
// go-linkproof is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-linkproof/internal/config"
	"github.com/jeremyhahn/go-linkproof/internal/rest"
	"github.com/jeremyhahn/go-linkproof/pkg/adapters/logger"
	"github.com/jeremyhahn/go-linkproof/pkg/attestation"
	"github.com/jeremyhahn/go-linkproof/pkg/ledger"
	"github.com/jeremyhahn/go-linkproof/pkg/metrics"
	"github.com/jeremyhahn/go-linkproof/pkg/nonce"
	"github.com/jeremyhahn/go-linkproof/pkg/proof"
	"github.com/jeremyhahn/go-linkproof/pkg/ratelimit"
	"github.com/jeremyhahn/go-linkproof/pkg/registry"
	"github.com/jeremyhahn/go-linkproof/pkg/session"
)

// serveCmd runs the gateway server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway server",
	Long: `Run the link redemption gateway: the protected-link and redemption
endpoints, the receipts read API, and the admin API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if envConfig := os.Getenv("LINKPROOF_CONFIG"); envConfig != "" {
			configFile = envConfig
		}

		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}

		return serve(cfg)
	},
}

// serve wires the gateway together and runs it until a termination
// signal arrives.
func serve(cfg *config.Config) error {
	log := logger.NewSlogAdapter(&logger.SlogConfig{
		Level:  logger.ParseLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
	})

	if cfg.Metrics.Enabled {
		metrics.Enable()
	} else {
		metrics.Disable()
	}

	sessions, err := session.NewManager(&session.Config{
		Secret: []byte(cfg.Session.Secret),
		MaxAge: cfg.Session.MaxAge,
		Secure: cfg.Session.Secure,
	})
	if err != nil {
		return err
	}

	sites := registry.NewMemoryRegistry()
	sites.AllowOriginSuffixes(cfg.Destination.AllowedHostSuffixes)
	if err := seedSites(sites, cfg); err != nil {
		return err
	}

	// The verifier denies everything when no Turnstile secret is
	// configured. Sites without the human-proof requirement are
	// unaffected; sites that require it fail closed rather than open.
	var humans proof.HumanVerifier = proof.StaticVerifier(false)
	if cfg.Turnstile.Secret != "" {
		humans = proof.NewTurnstileVerifier(&proof.TurnstileConfig{
			Secret:   cfg.Turnstile.Secret,
			Endpoint: cfg.Turnstile.Endpoint,
			Timeout:  cfg.Turnstile.Timeout,
			Logger:   log,
		})
	} else {
		log.Warn("no turnstile secret configured; sites requiring human proof will deny all redemptions")
	}

	minter, err := attestation.NewMinter(&attestation.Config{
		Issuer: cfg.Attestation.Issuer,
		TTL:    cfg.Attestation.TTL,
	})
	if err != nil {
		return err
	}

	receipts, err := buildLedger(cfg, log)
	if err != nil {
		return err
	}

	coordinator := nonce.NewCoordinator(&nonce.Config{
		Store:    nonce.NewMemoryStore(),
		Sessions: sessions,
		Humans:   humans,
		Minter:   minter,
		Ledger:   receipts,
		Logger:   log,
		TTL:      cfg.Nonce.TTL,
	})

	limiter := ratelimit.New(&ratelimit.Config{
		Enabled:           cfg.RateLimit.Enabled,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMin,
		Burst:             cfg.RateLimit.Burst,
	})
	defer limiter.Stop()

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}

	server, err := rest.NewServer(&rest.Config{
		Port:             cfg.Server.Port,
		Registry:         sites,
		Sessions:         sessions,
		Coordinator:      coordinator,
		Ledger:           receipts,
		OperatorToken:    cfg.Admin.OperatorToken,
		TurnstileSiteKey: cfg.Turnstile.SiteKey,
		Limiter:          limiter,
		MetricsPath:      metricsPath,
		Version:          Version,
		Logger:           log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := nonce.NewSweeper(coordinator, cfg.Nonce.SweepInterval, log)
	go sweeper.Run(ctx)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

// seedSites restores configured tenants into the registry so sites and
// their token hashes survive a restart.
func seedSites(sites *registry.MemoryRegistry, cfg *config.Config) error {
	if len(cfg.Sites) == 0 {
		return nil
	}

	seeds := make([]registry.SeedSite, 0, len(cfg.Sites))
	for _, s := range cfg.Sites {
		seeds = append(seeds, registry.SeedSite{
			ID:                s.SiteID,
			Hostname:          s.Hostname,
			OriginBaseURL:     s.OriginBaseURL,
			PathAllowlist:     s.PathAllowlist,
			QueryAllowlist:    s.QueryAllowlist,
			RequireHumanProof: s.RequireHumanProof,
			AccessTokenHash:   s.AccessTokenHash,
		})
	}
	return sites.Seed(context.Background(), seeds)
}

// buildLedger constructs the receipts ledger stack: the configured
// backend, wrapped with background retry, and webhook delivery when
// enabled.
func buildLedger(cfg *config.Config, log logger.Logger) (ledger.Ledger, error) {
	var backend ledger.Ledger
	switch cfg.Ledger.Backend {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pg, err := ledger.NewPostgresLedger(ctx, cfg.Ledger.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect receipts ledger: %w", err)
		}
		backend = pg
	default:
		backend = ledger.NewMemoryLedger()
	}

	var receipts ledger.Ledger = ledger.NewRetryingLedger(backend, log)

	if cfg.Delivery.Enabled {
		deliverer := ledger.NewWebhookDeliverer(cfg.Delivery.URL, []byte(cfg.Delivery.Secret), log)
		receipts = ledger.NewDeliveringLedger(receipts, deliverer)
	}

	return receipts, nil
}
