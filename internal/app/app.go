package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"price-tracker/internal/alert"
	"price-tracker/internal/config"
	"price-tracker/internal/extract"
	"price-tracker/internal/proxy"
	"price-tracker/internal/realtime"
	"price-tracker/internal/scheduler"
	"price-tracker/internal/service"
	"price-tracker/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newPublisher() *realtime.Publisher {
	publisher, err := realtime.NewPublisher(a.Config.Redis, a.Logger)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("redis unavailable; realtime publishing disabled")
		return nil
	}
	return publisher
}

func (a *App) newChannels() []alert.Channel {
	var channels []alert.Channel
	if a.Config.Alerting.Email.Enabled {
		channels = append(channels, alert.NewEmailChannel(a.Config.Alerting.Email, a.Logger))
	}
	if a.Config.Alerting.Webhook.Enabled {
		webhook := a.Config.Alerting.Webhook
		channels = append(channels, alert.NewWebhookChannel(webhook.URL, webhook.Timeout, a.Logger))
	}
	return channels
}

func (a *App) newProxyPool() *proxy.Pool {
	if len(a.Config.Proxy.Endpoints) == 0 {
		return nil
	}
	return proxy.NewPool(proxy.Options{
		Endpoints:      a.Config.Proxy.Endpoints,
		BlockCooldown:  a.Config.Proxy.BlockCooldown,
		FailureRate:    a.Config.Proxy.FailureRate,
		MinSampleCount: a.Config.Proxy.MinSampleCount,
		SweepInterval:  a.Config.Proxy.SweepInterval,
		ProbeTimeout:   a.Config.Proxy.ProbeTimeout,
		ProbeTargets:   a.Config.Proxy.ProbeTargets,
	}, a.Logger)
}

// buildService assembles the scraping service and its collaborators. The
// returned pool is nil when no proxy endpoints are configured, which means
// direct connections.
func (a *App) buildService(store *storage.Store) (*service.Service, *proxy.Pool) {
	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	publisher := a.newPublisher()
	dispatcher := alert.NewDispatcher(store, a.newChannels(), a.Config.Alerting.ChannelTimeout, publisher, a.Logger)
	pool := a.newProxyPool()

	var poolSource service.ProxySource
	if pool != nil {
		poolSource = pool
	} else {
		a.Logger.Warn().Msg("proxy.endpoints not configured; scraping with direct connections")
	}

	registry := extract.DefaultRegistry(a.Config.Scraper.UserAgents...)
	svc := service.New(a.Config, sched, store, poolSource, registry, dispatcher, publisher, a.Logger)
	return svc, pool
}

// Run executes the long-running scraping service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, pool := a.buildService(store)
	if pool != nil {
		go func() {
			if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("proxy health sweep stopped")
			}
		}()
	}

	a.Logger.Info().Msg("starting scraping service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("scraping service stopped")
	return nil
}

// ExportOptions hold parameters for exporting an item's price history.
type ExportOptions struct {
	ItemID    int64
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ScrapeOptions configure the one-shot scrape command.
type ScrapeOptions struct {
	ItemID int64
}
