package main

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/universoinfantilbr/hotmart-webhook-base44/internal/platform/auth"
	"github.com/universoinfantilbr/hotmart-webhook-base44/internal/platform/config"
	"github.com/universoinfantilbr/hotmart-webhook-base44/internal/platform/db"
	"github.com/universoinfantilbr/hotmart-webhook-base44/internal/platform/httpserver"
	"github.com/universoinfantilbr/hotmart-webhook-base44/internal/platform/logging"
	"github.com/universoinfantilbr/hotmart-webhook-base44/internal/platform/natsconn"
	"github.com/universoinfantilbr/hotmart-webhook-base44/internal/platform/run"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/base44"
	relayconfig "github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/config"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/handlers"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/hotmart"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/idempotency"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/metrics"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/publisher"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	relayCfg, err := relayconfig.Load()
	if err != nil {
		log.Error("relay config", zap.Error(err))
		run.Exit(1)
	}
	logFeatures(log, relayCfg)

	ctx := context.Background()
	pool := initPool(ctx, log, relayCfg.DatabaseURL)

	processed, backend := idempotency.NewStore(relayCfg.RedisDSN, pool, relayCfg.IdempotencyTTL)
	if err := idempotency.EnsureSchema(ctx, processed); err != nil {
		log.Error("processed events schema", zap.Error(err))
		run.Exit(1)
	}
	log.Info("processed set initialised", zap.String("backend", backend))

	nc := initNATS(log, cfg.ServiceName, relayCfg.NATSURL)
	pub, err := publisher.New(nc, log)
	if err != nil {
		log.Warn("NATS JetStream unavailable, relay events will not be published", zap.Error(err))
		pub = publisher.NewStub(log)
	}

	var journal scheduler.Journal
	if pool != nil {
		pj := scheduler.NewPostgresJournal(pool)
		if err := pj.EnsureSchema(ctx); err != nil {
			log.Error("pending unlocks schema", zap.Error(err))
			run.Exit(1)
		}
		journal = pj
	}

	// The unlock job needs the metrics, the metrics need the scheduler's
	// pending count; wire through a late-bound pointer.
	var sched *scheduler.Scheduler
	m := metrics.New(func() int { return sched.Len() })
	unlocker := base44.New(relayCfg.Base44URL, relayCfg.Base44APIKey, relayCfg.ClientTimeout)
	sched = scheduler.New(scheduler.Options{
		Delay:   relayCfg.UnlockDelay,
		Fire:    handlers.NewUnlockJob(unlocker, pub, m, log),
		Journal: journal,
		Logger:  log,
	})
	if n, err := sched.Restore(ctx); err != nil {
		log.Error("restore pending unlocks", zap.Error(err))
	} else if n > 0 {
		log.Info("pending unlocks restored", zap.Int("count", n))
	}

	webhook := handlers.NewWebhookHandler(handlers.WebhookDeps{
		Secret:    relayCfg.WebhookSecret,
		Log:       log,
		Processed: processed,
		Confirmer: hotmart.New(relayCfg.HotmartAPIURL, relayCfg.HotmartToken, relayCfg.ClientTimeout),
		Scheduler: sched,
		Publisher: pub,
		Metrics:   m,
	})

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		Logger:    log,
		ReadyFunc: readyFunc(processed),
	})
	r.Get("/", handlers.Liveness)
	r.Post("/hotmart/webhook", webhook.ServeHTTP)
	r.Handle("/metrics", m.Handler())
	if relayCfg.AdminJWTSecret != "" {
		handlers.NewAdminHandler(sched, log).Mount(r, auth.Verifier{Secret: []byte(relayCfg.AdminJWTSecret)})
	}

	srv := httpserver.New(httpserver.Options{Addr: cfg.HTTP.Addr, ServiceName: cfg.ServiceName, Logger: log, Router: r})

	runner := run.New(log)
	code := runner.WithSignals(func(context.Context) error {
		return srv.Start(log)
	})
	// Timers stop after the server so in-flight webhooks can still schedule;
	// journaled unlocks are re-armed on the next start.
	runner.Graceful(srv.Shutdown, sched.Shutdown, func(context.Context) error {
		if nc != nil {
			if err := nc.Drain(); err != nil {
				return err
			}
		}
		if c, ok := processed.(io.Closer); ok {
			_ = c.Close()
		}
		if pool != nil {
			pool.Close()
		}
		return nil
	})

	log.Info("exit", zap.Int("code", code))
	_ = log.Sync()
	run.Exit(code)
}

func logFeatures(log *zap.Logger, c relayconfig.Config) {
	log.Info("relay configured",
		zap.Bool("hotmart_confirmation", c.HotmartToken != ""),
		zap.Bool("webhook_secret", c.WebhookSecret != ""),
		zap.Bool("base44_unlock", c.Base44URL != ""),
		zap.Bool("base44_api_key", c.Base44APIKey != ""),
		zap.Bool("admin_api", c.AdminJWTSecret != ""),
		zap.Duration("unlock_delay", c.UnlockDelay),
	)
	if c.Base44URL == "" {
		log.Warn("BASE44_API_URL not set, approved purchases will be acknowledged but not unlocked")
	}
}

// initPool connects to Postgres when DATABASE_URL is set. Failure degrades
// to in-memory state instead of stopping the relay.
func initPool(ctx context.Context, log *zap.Logger, dsn string) *pgxpool.Pool {
	if dsn == "" {
		log.Warn("DATABASE_URL not set, processed events and pending unlocks are kept in memory")
		return nil
	}
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		log.Warn("postgres unavailable, falling back to in-memory state", zap.Error(err))
		return nil
	}
	log.Info("postgres connected for relay")
	return pool
}

func initNATS(log *zap.Logger, name, url string) *nats.Conn {
	if url == "" {
		return nil
	}
	nc, err := natsconn.Connect(natsconn.Options{URL: url, Name: name})
	if err != nil {
		if !errors.Is(err, natsconn.ErrNoURL) {
			log.Warn("NATS unavailable, relay events will not be published", zap.Error(err))
		}
		return nil
	}
	return nc
}

func readyFunc(processed idempotency.Store) func() error {
	p, ok := processed.(idempotency.Pinger)
	if !ok {
		return nil
	}
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return p.Ping(ctx)
	}
}
