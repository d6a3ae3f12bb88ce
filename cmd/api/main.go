package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"tollgate.dev/internal/analytics"
	"tollgate.dev/internal/auth"
	"tollgate.dev/internal/billing"
	"tollgate.dev/internal/config"
	"tollgate.dev/internal/gate"
	"tollgate.dev/internal/httpapi"
	"tollgate.dev/internal/migrate"
	"tollgate.dev/internal/obs"
	"tollgate.dev/internal/plan"
	"tollgate.dev/internal/quota"
	"tollgate.dev/internal/store/pg"
	"tollgate.dev/internal/store/rdb"
	"tollgate.dev/internal/stream"
	"tollgate.dev/internal/tenant"
	"tollgate.dev/ops/migrations"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("tollgate: %v", err)
	}
	obs.Info("stopped", nil)
}

func run(ctx context.Context, cfg config.Config) error {
	policies, err := plan.LoadFile(cfg.PlansFile)
	if err != nil {
		return err
	}
	plans, err := plan.NewEngine(policies)
	if err != nil {
		return err
	}

	var db *pg.Store
	if cfg.PGDSN != "" {
		db, err = pg.Open(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()
		if cfg.AutoMigrate {
			mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := migrate.NewManager(db.DB(), migrations.SQL(), migrations.Seeds()).Up(mctx)
			cancel()
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
	}

	probe := httpapi.ReadyProbe{}
	if db != nil {
		probe.DB = db.DB()
	}
	counters, err := openCounters(cfg, db, &probe)
	if err != nil {
		return err
	}
	if rs, ok := counters.(*rdb.Store); ok {
		defer rs.Close()
	}

	var tenants tenant.Store = tenant.NewMemoryStore()
	if db != nil {
		tenants = db
	} else {
		obs.Warn("tenant_store_in_memory", map[string]any{"reason": "TOLLGATE_PG_DSN not set"})
	}

	ledger, err := quota.NewLedger(counters, plans,
		quota.WithStoreTimeout(cfg.StoreTimeout),
		quota.WithMaxAttempts(cfg.StoreRetries),
	)
	if err != nil {
		return err
	}
	verifier, err := auth.NewVerifier(cfg.AuthSecret, auth.WithIssuer(cfg.AuthIssuer))
	if err != nil {
		return err
	}
	hub := stream.New(64)
	accessGate, err := gate.New(auth.NewResolver(auth.DefaultRoleTable()), ledger, tenants,
		gate.WithPublisher(hub),
		gate.WithTenantTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return err
	}
	aggregator, err := analytics.NewAggregator(ledger, plans, cfg.NearLimit)
	if err != nil {
		return err
	}
	applier := billing.NewApplier(tenants, plans)

	api := httpapi.New(probe, version, httpapi.Deps{
		Verifier:      verifier,
		Gate:          accessGate,
		Analytics:     aggregator,
		Billing:       applier,
		BillingSecret: cfg.BillingSecret,
		Stream:        hub,
		InviteTTL:     cfg.InviteTTL,
	})
	api.SetRateLimit(cfg.RateBurst, cfg.RatePerSecond)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	health := httpapi.NewGRPCServer(probe)

	var consumer *billing.Consumer
	if cfg.AMQPURL != "" {
		consumer, err = billing.Dial(cfg.AMQPURL, applier)
		if err != nil {
			return err
		}
		defer consumer.Close()
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		obs.Info("http_listening", map[string]any{"addr": srv.Addr, "version": version, "counters": cfg.CounterBackend})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		obs.Info("grpc_listening", map[string]any{"addr": cfg.GRPCAddr})
		if err := health.Server().Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		health.Watch(gctx)
		return nil
	})
	if consumer != nil {
		eg.Go(func() error { return consumer.Run(gctx) })
	}
	eg.Go(func() error {
		<-gctx.Done()
		obs.Info("shutting_down", nil)
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		health.Server().GracefulStop()
		return srv.Shutdown(sctx)
	})
	return eg.Wait()
}

// openCounters selects the counter backend and registers it with the
// readiness probe.
func openCounters(cfg config.Config, db *pg.Store, probe *httpapi.ReadyProbe) (quota.Store, error) {
	switch cfg.CounterBackend {
	case config.BackendPostgres:
		if db == nil {
			return nil, errors.New("postgres counters need TOLLGATE_PG_DSN")
		}
		return db, nil
	case config.BackendRedis:
		store, err := rdb.Dial(rdb.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, err
		}
		probe.Counters = store
		return store, nil
	default:
		obs.Warn("counters_in_memory", map[string]any{"reason": "single instance only"})
		return quota.NewMemoryStore(), nil
	}
}
