package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"aigateway/internal/billing"
	"aigateway/internal/config"
	"aigateway/internal/crypto"
	"aigateway/internal/database"
	"aigateway/internal/entitlement"
	"aigateway/internal/handler"
	"aigateway/internal/middleware"
	"aigateway/internal/provider"
	"aigateway/internal/repository"
	"aigateway/internal/router"
	"aigateway/internal/service"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 15 * time.Second
	housekeepInterval = 10 * time.Minute
	usageCaptureTTL   = time.Hour
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway, reconciliation worker and period reset schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

// pruner 只有 SQLite 计数需要定期清理，Redis 靠 EXPIRE
type pruner interface {
	Prune(ctx context.Context, window time.Duration, now time.Time)
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer database.Close()
	db := database.GetDB()

	key, err := crypto.ParseKey(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("ENCRYPTION_KEY: %w", err)
	}
	projects := service.NewProjectService(repository.NewProjectRepository(db), key, service.ProjectDefaults{
		ProjectID:      cfg.DefaultProjectID,
		BaseURL:        cfg.DefaultBaseURL,
		APIKey:         cfg.DefaultAPIKey,
		FallbackModels: cfg.FallbackModels,
	})
	if err := projects.SeedFromConfig(ctx, cfg.Projects); err != nil {
		return err
	}

	capture := billing.NewUsageCapture(usageCaptureTTL)
	ledger := newLedger(cfg)
	reporter := billing.NewChainReporter(capture, billing.NewHTTPReporter(provider.NewHTTPClient(), projects.Credentials))
	reconciler := billing.NewReconciler(db, ledger, reporter, billing.ReconcilerOptions{
		Delay:       cfg.ReconcileDelay,
		MaxAttempts: cfg.ReconcileMaxAttempts,
	})
	resetter := billing.NewPeriodResetter(db, cfg.PlanCredits, cfg.MaxRolloverCredits)

	store, cleanup, err := newEntitlementStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	entitlements := entitlement.NewService(store, entitlement.Limits{
		Anonymous:   cfg.AnonymousDailyLimit,
		PerUserType: cfg.UserDailyLimits,
	}, cfg.RateLimitWindow)
	burst := middleware.NewRateLimiter(cfg.RateLimitBurstRPS, int(max(cfg.RateLimitBurstRPS*2, 1)))

	engine := router.Setup(router.Deps{
		Gateway: handler.NewGatewayHandler(handler.GatewayConfig{
			Projects:      projects,
			Backends:      provider.NewClient(nil, capture),
			Ledger:        ledger,
			Usage:         capture,
			Reconciler:    reconciler,
			LenientSchema: cfg.SchemaLenient,
		}),
		Billing:      handler.NewBillingHandler(ledger),
		System:       handler.NewSystemHandler(db),
		Tokens:       service.NewJWTServiceWith(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience),
		Entitlements: entitlements,
		Burst:        burst,
	})

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.ServerPort,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("main: listening on http://%s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("main: shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		reconciler.Start()
		<-gctx.Done()
		reconciler.Stop()
		return nil
	})
	g.Go(func() error {
		if err := resetter.Start(cfg.PeriodResetCron); err != nil {
			return err
		}
		<-gctx.Done()
		resetter.Stop()
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(housekeepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				if p, ok := store.(pruner); ok {
					p.Prune(gctx, cfg.RateLimitWindow, now)
				}
				if n := burst.Cleanup(now); n > 0 {
					log.Debugf("main: dropped %d idle burst limiters", n)
				}
			}
		}
	})

	return g.Wait()
}

func newLedger(cfg *config.Config) *billing.Ledger {
	calc := billing.NewCalculator(billing.Pricing{
		PriceInCentsPerMTok:  cfg.PriceInCentsPerMTok,
		PriceOutCentsPerMTok: cfg.PriceOutCentsPerMTok,
		CentsPerCredit:       cfg.CentsPerCredit,
		MinCreditsPerEvent:   cfg.MinCreditsPerEvent,
	})
	return billing.NewLedger(database.GetDB(), calc, billing.LedgerOptions{
		Estimate: billing.Estimate{
			InputTokens:  cfg.StreamEstimateInputTokens,
			OutputTokens: cfg.StreamEstimateOutputTokens,
		},
		NoiseFloorTokens: cfg.ReconcileNoiseFloorTokens,
		PlanCredits:      cfg.PlanCredits,
	})
}

// newEntitlementStore 配置了 REDIS_CONN_STRING 时多实例共享计数
func newEntitlementStore(ctx context.Context, cfg *config.Config) (entitlement.Store, func(), error) {
	if cfg.RedisConnString == "" {
		log.Info("main: rate limits stored in SQLite")
		return entitlement.NewSQLiteStore(repository.NewRateLimitRepository(database.GetDB())), func() {}, nil
	}
	client, err := entitlement.NewRedisClient(ctx, cfg.RedisConnString)
	if err != nil {
		return nil, nil, err
	}
	log.Info("main: rate limits stored in Redis")
	return entitlement.NewRedisStore(client), func() { client.Close() }, nil
}
