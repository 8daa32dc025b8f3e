// Package app wires configuration into the running service. Both binaries
// build an App and then pick the parts they run.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/booking-notifier/internal/channel"
	"github.com/jwalitptl/booking-notifier/internal/config"
	"github.com/jwalitptl/booking-notifier/internal/handler/booking"
	"github.com/jwalitptl/booking-notifier/internal/handler/health"
	"github.com/jwalitptl/booking-notifier/internal/handler/notification"
	promhandler "github.com/jwalitptl/booking-notifier/internal/handler/prometheus"
	realtimehandler "github.com/jwalitptl/booking-notifier/internal/handler/realtime"
	"github.com/jwalitptl/booking-notifier/internal/handler/webhook"
	"github.com/jwalitptl/booking-notifier/internal/middleware"
	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/internal/realtime"
	"github.com/jwalitptl/booking-notifier/internal/repository"
	"github.com/jwalitptl/booking-notifier/internal/repository/memory"
	"github.com/jwalitptl/booking-notifier/internal/repository/postgres"
	"github.com/jwalitptl/booking-notifier/internal/router"
	bookingservice "github.com/jwalitptl/booking-notifier/internal/service/booking"
	"github.com/jwalitptl/booking-notifier/internal/service/delivery"
	"github.com/jwalitptl/booking-notifier/internal/service/risk"
	"github.com/jwalitptl/booking-notifier/internal/service/scheduler"
	"github.com/jwalitptl/booking-notifier/internal/service/strategy"
	internalworker "github.com/jwalitptl/booking-notifier/internal/worker"
	"github.com/jwalitptl/booking-notifier/pkg/auth"
	"github.com/jwalitptl/booking-notifier/pkg/logger"
	"github.com/jwalitptl/booking-notifier/pkg/messaging"
	"github.com/jwalitptl/booking-notifier/pkg/messaging/redis"
	"github.com/jwalitptl/booking-notifier/pkg/metrics"
	"github.com/jwalitptl/booking-notifier/pkg/worker"
)

// Bus is the messaging surface the service needs: fan-out for outbox
// events and realtime changes, a work queue for booking events.
type Bus interface {
	messaging.Broker
	Enqueue(ctx context.Context, queue string, message interface{}) error
	Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
}

type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	db  *sqlx.DB
	bus Bus

	notifications repository.NotificationRepository
	outbox        repository.OutboxRepository
	history       repository.HistoryRepository
	appointments  repository.AppointmentRepository

	Scheduler *scheduler.Service
	Tracker   *delivery.Tracker
	Senders   *channel.Registry
	Bridge    *realtime.Bridge

	checks map[string]health.Checker
}

// New connects storage and messaging and builds the services. Close
// releases what New opened.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{
		Config:   cfg,
		Logger:   log,
		Registry: reg,
		Metrics:  metrics.New(cfg.Metrics.Namespace, reg),
		checks:   make(map[string]health.Checker),
	}

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.openBus(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildServices(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	switch a.Config.Storage.Driver {
	case config.StorageMemory:
		a.Logger.Warn("Using in-memory storage, data is lost on restart")
		store := memory.NewStore()
		a.notifications = store
		a.outbox = store
		a.history = store
		a.appointments = store
		return nil
	default:
		db, err := postgres.NewDB(ctx, a.Config.Database)
		if err != nil {
			return err
		}
		if a.Config.Database.AutoMigrate {
			if err := postgres.Migrate(ctx, db, a.Config.Realtime.Channel); err != nil {
				db.Close()
				return err
			}
		}
		a.db = db
		base := postgres.NewBaseRepository(db)
		a.notifications = postgres.NewNotificationRepository(base)
		a.outbox = postgres.NewOutboxRepository(base)
		a.history = postgres.NewHistoryRepository(base)
		a.appointments = postgres.NewAppointmentRepository(base)
		a.checks["database"] = health.CheckFunc(base.Ping)
		return nil
	}
}

func (a *App) openBus() error {
	if a.Config.Redis.URL == "" {
		a.Logger.Warn("No redis url configured, using the in-process broker")
		a.bus = messaging.NewMemoryBroker(256)
		return nil
	}
	broker, err := redis.NewRedisBroker(a.Config.Redis.ToBrokerConfig(), a.Logger)
	if err != nil {
		return err
	}
	a.bus = broker
	a.checks["redis"] = health.CheckFunc(func(ctx context.Context) error {
		return broker.Client().Ping(ctx).Err()
	})
	return nil
}

func (a *App) buildServices() error {
	cfg := a.Config

	table, err := strategyTable(cfg.Strategy)
	if err != nil {
		return err
	}
	selector, err := strategy.NewSelector(cfg.Strategy.Version, table)
	if err != nil {
		return fmt.Errorf("invalid strategy: %w", err)
	}
	classifier := risk.NewClassifier(risk.Policy{
		RedNoShowRate:          cfg.Risk.RedNoShowRate,
		RedNoShowCount:         cfg.Risk.RedNoShowCount,
		YellowCancellationRate: cfg.Risk.YellowCancellationRate,
		NewCustomerBookings:    cfg.Risk.NewCustomerBookings,
		LapsedDays:             cfg.Risk.LapsedDays,
	}, risk.WithLogger(a.Logger))

	var history scheduler.HistoryProvider = a.history
	if cfg.Scheduler.HistoryCacheTTL > 0 {
		history = scheduler.NewCachedHistory(a.history, cfg.Scheduler.HistoryCacheTTL)
	}

	a.Scheduler = scheduler.NewService(a.notifications, history, classifier, selector, scheduler.Config{
		StatsCacheTTL: cfg.Scheduler.StatsCacheTTL,
		HistoryLimit:  cfg.Scheduler.HistoryLimit,
	}, a.Logger, a.Metrics)
	a.Tracker = delivery.NewTracker(a.notifications, delivery.Config{MaxRetries: cfg.Delivery.MaxRetries}, a.Logger, a.Metrics)
	a.Senders = a.buildSenders()

	if cfg.Realtime.Enabled {
		transport, err := a.buildTransport()
		if err != nil {
			return err
		}
		a.Bridge = realtime.NewBridge(transport, a.appointments, realtime.Config{
			Table:          cfg.Realtime.Table,
			BarbershopID:   cfg.Realtime.BarbershopID,
			TransportName:  cfg.Realtime.Transport,
			BackoffInitial: cfg.Realtime.BackoffInitial,
			BackoffMax:     cfg.Realtime.BackoffMax,
		}, a.Logger, a.Metrics)
	}
	return nil
}

func strategyTable(cfg config.StrategyConfig) (strategy.Table, error) {
	table := make(strategy.Table, len(cfg.Tiers))
	for name, tps := range cfg.Tiers {
		tier := model.RiskTier(strings.ToLower(name))
		if !tier.Valid() {
			return nil, fmt.Errorf("invalid strategy: unknown risk tier %q", name)
		}
		for _, tp := range tps {
			table[tier] = append(table[tier], model.Touchpoint{
				Offset:     tp.Offset,
				Channel:    model.Channel(strings.ToLower(tp.Channel)),
				TemplateID: tp.TemplateID,
			})
		}
	}
	return table, nil
}

// buildSenders registers a sender for every configured provider. Tasks on
// a channel without a sender fail permanently at delivery time.
func (a *App) buildSenders() *channel.Registry {
	p := a.Config.Providers
	renderer := channel.NewRenderer(time.UTC)
	reg := channel.NewRegistry()

	for ch, hc := range map[model.Channel]config.HTTPProviderConfig{
		model.ChannelSMS:  p.SMS,
		model.ChannelPush: p.Push,
		model.ChannelCall: p.Call,
	} {
		if hc.BaseURL == "" {
			a.Logger.Warn("No provider configured for channel", "channel", ch)
			continue
		}
		reg.Register(channel.NewHTTPSender(ch, channel.HTTPConfig{
			BaseURL: hc.BaseURL,
			Token:   hc.Token,
			Timeout: hc.Timeout,
		}, renderer, a.Logger))
	}

	if p.SMTP.Host == "" {
		a.Logger.Warn("No provider configured for channel", "channel", model.ChannelEmail)
	} else {
		reg.Register(channel.NewEmailSender(channel.SMTPConfig{
			Host:     p.SMTP.Host,
			Port:     p.SMTP.Port,
			User:     p.SMTP.User,
			Password: p.SMTP.Password,
			From:     p.SMTP.From,
		}, renderer, a.Logger))
	}
	return reg
}

func (a *App) buildTransport() (realtime.Transport, error) {
	rc := a.Config.Realtime
	switch rc.Transport {
	case config.TransportPostgres:
		return realtime.NewPostgresTransport(a.Config.Database.DSN(), rc.Channel, a.Logger), nil
	case config.TransportRedis:
		return realtime.NewRedisTransport(a.bus, a.Logger), nil
	case config.TransportPolling:
		return realtime.NewPollingTransport(a.appointments, rc.BarbershopID, rc.PollInterval, a.Logger), nil
	default:
		return nil, fmt.Errorf("invalid realtime transport %q", rc.Transport)
	}
}

// APIRouter builds the public HTTP surface.
func (a *App) APIRouter() (*router.Router, error) {
	cfg := a.Config

	webhookAuth := middleware.WebhookAuth(nil)
	if cfg.Webhook.Secret == "" {
		a.Logger.Warn("Webhook secret is empty, delivery webhooks are unauthenticated")
	} else {
		webhookAuth = middleware.WebhookAuth(auth.NewTokenService(cfg.Webhook.Secret, ""))
	}

	var bridge realtimehandler.Bridge
	if a.Bridge != nil {
		bridge = a.Bridge
	}

	rc := router.RouterConfig{RequestTimeout: cfg.Server.RequestTimeout}
	if cfg.RateLimit.Enabled {
		rc.RateLimit = rate.Limit(cfg.RateLimit.RequestsPerSecond)
		rc.RateBurst = cfg.RateLimit.Burst
	}

	return router.NewRouter(router.Routes{
		Health:  health.NewHandler(a.checks),
		Metrics: promhandler.New(a.Registry, cfg.Metrics.Path),
		API: []router.Handler{
			notification.NewHandler(a.Scheduler),
			webhook.NewHandler(a.Tracker, webhookAuth, a.Logger),
			booking.NewHandler(bookingservice.NewPublisher(a.bus, cfg.Queue.Channel, a.Metrics)),
			realtimehandler.NewHandler(bridge),
		},
	}, rc, a.Logger, a.Metrics)
}

// WorkerRouter serves probes and metrics for the standalone worker.
func (a *App) WorkerRouter() (*router.Router, error) {
	return router.NewRouter(router.Routes{
		Health:  health.NewHandler(a.checks),
		Metrics: promhandler.New(a.Registry, a.Config.Metrics.Path),
	}, router.RouterConfig{RequestTimeout: a.Config.Server.RequestTimeout}, a.Logger, a.Metrics)
}

// RunWorkers runs delivery, the booking consumer, the outbox processor and
// retention until ctx is cancelled.
func (a *App) RunWorkers(ctx context.Context) error {
	cfg := a.Config

	deliveryWorker := internalworker.NewDeliveryWorker(a.notifications, a.Tracker, a.Senders, internalworker.DeliveryConfig{
		SendTimeout:  cfg.Delivery.SendTimeout,
		PollInterval: cfg.Delivery.PollInterval,
		Lease:        cfg.Delivery.Lease,
		BatchSize:    cfg.Delivery.BatchSize,
		Concurrency:  cfg.Delivery.Concurrency,
	}, a.Logger, a.Metrics)
	consumer := bookingservice.NewConsumer(a.bus, a.Scheduler, bookingservice.ConsumerConfig{
		Queue:   cfg.Queue.Channel,
		Workers: cfg.Queue.Workers,
	}, a.Logger, a.Metrics)
	outbox := worker.NewOutboxProcessor(a.outbox, a.bus, cfg.Outbox.ToWorkerConfig(), a.Logger, a.Metrics)
	retention := internalworker.NewRetentionWorker(a.notifications, a.outbox, cfg.Cleanup.RetentionDays, cfg.Cleanup.Interval, a.Logger)

	g, ctx := errgroup.WithContext(ctx)
	for _, start := range []func(context.Context){
		deliveryWorker.Start,
		consumer.Start,
		outbox.Start,
		retention.Start,
	} {
		start := start
		g.Go(func() error {
			start(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Close stops the bridge and releases connections.
func (a *App) Close() error {
	var result *multierror.Error
	if a.Bridge != nil {
		if err := a.Bridge.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("realtime bridge: %w", err))
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("messaging: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("database: %w", err))
		}
	}
	return result.ErrorOrNil()
}
