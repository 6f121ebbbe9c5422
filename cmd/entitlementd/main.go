// Command entitlementd runs the tenant entitlement lifecycle engine: the
// billing webhooks, the promotion purchase API and the maintenance janitor.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/entitlements/admission"
	"github.com/GoCodeAlone/entitlements/billing"
	"github.com/GoCodeAlone/entitlements/config"
	"github.com/GoCodeAlone/entitlements/entitlement"
	"github.com/GoCodeAlone/entitlements/events"
	"github.com/GoCodeAlone/entitlements/metrics"
	"github.com/GoCodeAlone/entitlements/notify"
	"github.com/GoCodeAlone/entitlements/promotion"
	"github.com/GoCodeAlone/entitlements/store"
	"github.com/GoCodeAlone/entitlements/tenant"
	"github.com/GoCodeAlone/entitlements/tracing"
)

var (
	configFile = flag.String("config", "", "Path to configuration YAML file")
	envFile    = flag.String("env-file", ".env", "Optional .env file loaded before the configuration")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// app holds the wired components and the resources to release on exit.
type app struct {
	mux     *http.ServeMux
	metrics *metrics.Collector
	ctrl    *admission.Controller
	rec     *entitlement.Reconciler
	orch    *promotion.Orchestrator
	limiter *tenant.PurchaseLimiter
	closers []func() error
}

func (a *app) close(logger *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("Close failed", "error", err)
		}
	}
}

// build opens the backends and wires every component. A nil provider
// selects Stripe when a secret key is configured and the mock otherwise.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, provider billing.Provider) (*app, error) {
	a := &app{mux: http.NewServeMux()}
	a.metrics = metrics.NewWithConfig(cfg.Metrics.Config)

	if dir := filepath.Dir(cfg.Database.SQLitePath); cfg.Database.SQLitePath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := store.OpenSQLite(ctx, cfg.Database.SQLitePath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	ledger, err := a.openLedger(ctx, cfg, db, logger)
	if err != nil {
		a.close(logger)
		return nil, err
	}
	counter, err := a.openCounter(ctx, cfg, db, logger)
	if err != nil {
		a.close(logger)
		return nil, err
	}
	publisher, err := a.openPublisher(cfg, logger)
	if err != nil {
		a.close(logger)
		return nil, err
	}

	if provider == nil {
		if cfg.Stripe.SecretKey != "" {
			provider = billing.NewStripeProvider(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
		} else {
			logger.Warn("No Stripe secret key configured, using the mock payment provider")
			provider = billing.NewMockProvider()
		}
	}

	retries := notify.NewRetryManager(cfg.Notify.Retry, notify.NewDeadLetterStore(cfg.Notify.DeadLetterLimit))
	sink := notify.MultiSink{notify.NewLogSink(logger)}
	if cfg.Notify.WebhookURL != "" {
		sink = append(sink, notify.NewWebhookSink(cfg.Notify.WebhookURL, retries, a.metrics, logger))
	}

	subs := store.NewSQLiteSubscriptionStore(db)
	tenants := store.NewSQLiteTenantDirectory(db)
	accounts := store.NewSQLiteEmailAccountStore(db)
	features := store.NewSQLiteFeatureStore(db)
	cascadeRetries := store.NewSQLiteCascadeRetryStore(db)
	units := store.NewSQLiteUnitStore(db)

	dispatcher := entitlement.NewDispatcher(entitlement.DispatcherConfig{
		Accounts:      accounts,
		Features:      features,
		Retries:       cascadeRetries,
		Tenants:       tenants,
		Publisher:     publisher,
		Sink:          sink,
		Metrics:       a.metrics,
		Logger:        logger,
		NotifyTimeout: cfg.Notify.Timeout,
	})
	a.rec = entitlement.NewReconciler(entitlement.ReconcilerConfig{
		Provider:   provider,
		Ledger:     ledger,
		Subs:       subs,
		Tenants:    tenants,
		Retries:    cascadeRetries,
		Dispatcher: dispatcher,
		Metrics:    a.metrics,
		Logger:     logger,
	})

	a.ctrl = admission.New(counter, units, cfg.Admission, logger, admission.WithMetrics(a.metrics))
	if err := a.ctrl.Resync(ctx); err != nil {
		a.close(logger)
		return nil, err
	}

	a.limiter = tenant.NewPurchaseLimiter(cfg.RateLimit.PurchasesPerMinute, cfg.RateLimit.Burst)
	a.orch = promotion.New(promotion.Config{
		Provider:  provider,
		Admission: a.ctrl,
		Units:     units,
		Tenants:   tenants,
		Ledger:    ledger,
		Limiter:   a.limiter,
		Pricing:   cfg.Pricing,
		Metrics:   a.metrics,
		Logger:    logger,
	})

	iso := tenant.NewIsolation()
	billing.NewHandler(provider, a.rec, a.orch, logger).RegisterRoutes(a.mux)
	entitlement.NewHandler(subs, accounts, features, cascadeRetries, a.rec, logger).RegisterRoutes(a.mux, iso)
	promotion.NewHandler(a.orch, logger).RegisterRoutes(a.mux, iso)
	notify.NewHandler(retries).RegisterRoutes(a.mux)
	a.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return a, nil
}

func (a *app) openLedger(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (store.EventLedger, error) {
	if cfg.Database.Postgres.URL == "" {
		return store.NewSQLiteEventLedger(db), nil
	}
	pool, err := store.NewPGPool(ctx, cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, closeFunc(pool))
	logger.Info("Event ledger on PostgreSQL")
	return store.NewPGEventLedger(pool), nil
}

func closeFunc(pool *pgxpool.Pool) func() error {
	return func() error {
		pool.Close()
		return nil
	}
}

func (a *app) openCounter(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (store.CapacityCounter, error) {
	if cfg.Redis.Addr == "" {
		return store.NewSQLiteCapacityCounter(db), nil
	}
	client, err := store.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	logger.Info("Capacity counter on Redis", "addr", cfg.Redis.Addr)
	return store.NewRedisCapacityCounter(client, cfg.Redis.Prefix), nil
}

func (a *app) openPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, error) {
	if cfg.NATS.URL == "" {
		return events.NewMemoryPublisher(), nil
	}
	p, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject, logger)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	a.closers = append(a.closers, p.Close)
	return p, nil
}

// run serves until ctx is done. When ready is non-nil it receives the API
// listener address once serving has started.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, ready chan<- string) error {
	tp, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Tracer shutdown failed", "error", err)
		}
	}()

	a, err := build(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.close(logger)

	apiLn, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	api := &http.Server{
		Handler:      tracing.Middleware(a.metrics.Middleware(a.mux), "entitlementd"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	servers := []*http.Server{api}
	listeners := []net.Listener{apiLn}

	if cfg.Metrics.Enabled {
		metricsLn, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			apiLn.Close()
			return fmt.Errorf("listen %s: %w", cfg.Metrics.Addr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("GET "+a.metrics.Path(), a.metrics.Handler())
		servers = append(servers, &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second})
		listeners = append(listeners, metricsLn)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		ln := listeners[i]
		g.Go(func() error {
			logger.Info("Starting server", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		janitor(gctx, a, cfg.Janitor, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	if ready != nil {
		ready <- apiLn.Addr().String()
	}
	return g.Wait()
}

// janitor expires due units, retries failed cascades and drops idle rate
// limiters until ctx is done.
func janitor(ctx context.Context, a *app, cfg config.JanitorConfig, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := a.orch.ExpireDue(ctx); err != nil {
			logger.Error("Expiring units failed", "error", err)
		} else if n > 0 {
			logger.Info("Expired units", "count", n)
		}
		if n, err := a.rec.RetryPending(ctx); err != nil {
			logger.Error("Cascade retry failed", "error", err)
		} else if n > 0 {
			logger.Info("Retried cascades", "count", n)
		}
		if cfg.LimiterIdle > 0 {
			a.limiter.Prune(cfg.LimiterIdle)
		}
	}
}
