package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/mmynk/tontine/internal/config"
	"github.com/mmynk/tontine/internal/contribution"
	"github.com/mmynk/tontine/internal/cycle"
	"github.com/mmynk/tontine/internal/draw"
	"github.com/mmynk/tontine/internal/lock"
	"github.com/mmynk/tontine/internal/membership"
	"github.com/mmynk/tontine/internal/metrics"
	"github.com/mmynk/tontine/internal/notify"
	"github.com/mmynk/tontine/internal/storage/sqlite"
	"github.com/mmynk/tontine/pkg/logging"
)

// app holds the engines shared by serve and tick.
type app struct {
	cfg       *config.Config
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	store     *sqlite.SQLiteStore
	notifier  *notify.Async
	redis     *redis.Client
	members   *membership.Registry
	processor *contribution.Processor
	draws     *draw.Engine
	scheduler *cycle.Scheduler
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logging.Setup(cfg.Log.Level)
	return cfg, nil
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.store = store
	slog.Info("Storage initialized", "database", cfg.Database.Path)

	var sender notify.Sender = notify.Log{}
	if cfg.Webhook.URL != "" {
		sender = notify.NewWebhook(cfg.Webhook.URL,
			&http.Client{Timeout: cfg.Webhook.Timeout},
			notify.WithMaxTries(cfg.Webhook.MaxTries),
		)
		slog.Info("Webhook notifications enabled", "url", cfg.Webhook.URL)
	}
	a.notifier = notify.NewAsync(sender, cfg.Webhook.QueueSize, a.metrics)

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locker = lock.NewRedis(a.redis, lock.DefaultOptions())
		slog.Info("Redis lock enabled", "addr", cfg.Redis.Addr)
	}

	a.members = membership.New(store, a.notifier)
	a.processor = contribution.New(store, a.notifier, a.metrics)
	a.draws = draw.New(store, a.notifier, a.metrics, draw.WithLocker(locker))
	a.scheduler = cycle.New(store, a.draws, a.notifier, a.metrics,
		cycle.WithLocker(locker),
		cycle.WithConcurrency(cfg.Server.TickConcurrency),
	)
	return a, nil
}

// Close flushes queued notifications and closes connections.
func (a *app) Close() {
	a.notifier.Close()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("Failed to close redis client", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("Failed to close storage", "error", err)
	}
}
