package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/relay-api/internal/config"
	"github.com/phrazzld/relay-api/internal/credential"
	"github.com/phrazzld/relay-api/internal/events"
	"github.com/phrazzld/relay-api/internal/finalize"
	"github.com/phrazzld/relay-api/internal/lock"
	"github.com/phrazzld/relay-api/internal/metrics"
	"github.com/phrazzld/relay-api/internal/platform/freepik"
	"github.com/phrazzld/relay-api/internal/platform/kafka"
	"github.com/phrazzld/relay-api/internal/platform/objectstore"
	"github.com/phrazzld/relay-api/internal/platform/postgres"
	"github.com/phrazzld/relay-api/internal/platform/qstash"
	"github.com/phrazzld/relay-api/internal/platform/redis"
	"github.com/phrazzld/relay-api/internal/platform/telemetry"
	"github.com/phrazzld/relay-api/internal/poll"
	"github.com/phrazzld/relay-api/internal/proxy"
	"github.com/phrazzld/relay-api/internal/registry"
	"github.com/phrazzld/relay-api/internal/scheduler"
	"github.com/phrazzld/relay-api/internal/service"
	"github.com/phrazzld/relay-api/internal/service/auth"
	"github.com/phrazzld/relay-api/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
)

// application holds the wired components and everything that needs closing
// on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	db          *sql.DB
	redis       *goredis.Client
	kafka       *kafka.Publisher
	runner      *scheduler.Runner
	telemetry   telemetry.ShutdownFunc
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	authn       *auth.Authenticator
	tasks       service.TaskService
	poller      *poll.Service
	receiver    *webhook.Receiver
	relay       *proxy.Relay
	archive     *objectstore.Store
	verifier    *qstash.Verifier
	registerer  prometheus.Registerer
	sweepOnBoot time.Duration
}

// newApplication connects the backing services and builds the component
// graph. On error, whatever was already opened is closed.
func newApplication(ctx context.Context, cfg *config.Config, log *slog.Logger) (app *application, err error) {
	app = &application{
		config:      cfg,
		logger:      log,
		registerer:  prometheus.DefaultRegisterer,
		gatherer:    prometheus.DefaultGatherer,
		sweepOnBoot: cfg.Poll.SweepMinFirst,
	}
	defer func() {
		if err != nil {
			app.cleanup()
			app = nil
		}
	}()

	if app.telemetry, err = telemetry.Setup(ctx, cfg.Telemetry, nil); err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	app.metrics = metrics.New(app.registerer)

	if app.db, err = openDatabase(ctx, cfg.Database, log); err != nil {
		return nil, err
	}

	locker, sched, queue, err := app.coordination(ctx)
	if err != nil {
		return nil, err
	}

	emitter := events.NewInMemoryEventEmitter(log)
	if len(cfg.Events.Brokers) > 0 {
		if app.kafka, err = kafka.Dial(cfg.Events.Brokers, cfg.Events.Topic, log); err != nil {
			return nil, fmt.Errorf("failed to connect to kafka: %w", err)
		}
		emitter.RegisterHandler(app.kafka)
	}

	taskStore := postgres.NewPostgresTaskStore(app.db, log)
	credStore := postgres.NewPostgresCredentialStore(app.db, log)

	var reg registry.Registry = registry.NewStore(postgres.NewPostgresModelStore(app.db, log))
	if cfg.Provider.Mock {
		reg = registry.NewStatic(registry.Defaults()...)
	}

	provider := freepik.New(cfg.Provider, reg, log, freepik.WithMetrics(app.metrics))
	selector := credential.NewSelector(credStore, log, credential.WithMetrics(app.metrics))

	finalizerOpts := []finalize.Option{
		finalize.WithAssetRecorder(postgres.NewPostgresAssetStore(app.db)),
		finalize.WithEmitter(emitter),
		finalize.WithMetrics(app.metrics),
	}
	if cfg.Archive.Enabled {
		if app.archive, err = objectstore.New(cfg.Archive, log, objectstore.WithMetrics(app.metrics)); err != nil {
			return nil, fmt.Errorf("failed to create object store: %w", err)
		}
		finalizerOpts = append(finalizerOpts, finalize.WithArchiver(app.archive))
	}
	finalizer := finalize.NewFinalizer(
		cfg.Finalize,
		locker,
		taskStore,
		postgres.NewFinalizationRecorder(app.db, log),
		finalize.NewHTTPNotifier(nil),
		log,
		finalizerOpts...,
	)

	app.poller, err = poll.NewService(cfg.Poll, poll.Deps{
		Tasks:     taskStore,
		Resolver:  provider,
		Secrets:   selector,
		Finalizer: finalizer,
		Scheduler: sched,
		Guard:     postgres.NewPostgresSchedulerStateStore(app.db),
		Locker:    locker,
		Metrics:   app.metrics,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create poll service: %w", err)
	}

	if queue != nil {
		cfgRunner := scheduler.DefaultRunnerConfig()
		cfgRunner.WorkerCount = cfg.Scheduler.Workers
		cfgRunner.TickInterval = cfg.Scheduler.TickInterval
		cfgRunner.BatchSize = cfg.Scheduler.BatchSize
		cfgRunner.RetryDelay = cfg.Scheduler.RetryDelay
		cfgRunner.MaxRetries = cfg.Scheduler.MaxRetries
		app.runner = scheduler.NewRunner(queue, app.poller.Handle, cfgRunner, app.metrics, log)
	}

	webhookURL := cfg.WebhookURL()
	app.tasks, err = service.NewTaskService(service.TaskServiceDeps{
		Tasks:       taskStore,
		Models:      reg,
		Credentials: selector,
		Dispatcher:  provider,
		Finalizer:   finalizer,
		Poller:      app.poller,
		Locker:      locker,
		Metrics:     app.metrics,
	}, webhookURL, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create task service: %w", err)
	}

	signer := webhook.NewSigner(cfg.Webhook.SigningSecret, cfg.Webhook.ContextTTL)
	app.receiver = webhook.NewReceiver(
		taskStore,
		postgres.NewPostgresWebhookStore(app.db, log),
		finalizer,
		signer,
		app.metrics,
		log,
	)

	app.authn = auth.NewAuthenticator(postgres.NewPostgresProxyKeyStore(app.db), auth.NewBcryptVerifier(), log)
	relayOpts := proxy.Options{
		UpstreamBaseURL: cfg.Provider.BaseURL,
		WebhookURL:      webhookURL,
		WebhookMode:     cfg.Proxy.WebhookMode,
	}
	if cfg.Proxy.Stateless {
		relayOpts.Signer = signer
	}
	app.relay, err = proxy.NewRelay(relayOpts, proxy.Deps{
		Auth:        app.authn,
		Credentials: selector,
		Registry:    reg,
		Tasks:       taskStore,
		Poller:      app.poller,
		Metrics:     app.metrics,
		Client: &http.Client{
			Timeout:   cfg.Provider.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy relay: %w", err)
	}

	app.verifier = qstash.NewVerifier(cfg.Scheduler.CurrentSigningKey, cfg.Scheduler.NextSigningKey)
	return app, nil
}

// coordination builds the lock and the scheduler. queue is non-nil only for
// the redis backend, where this process drains it.
func (app *application) coordination(ctx context.Context) (lock.Locker, scheduler.Scheduler, scheduler.Queue, error) {
	cfg := app.config

	var locker lock.Locker = lock.Noop{}
	if cfg.Redis.URL != "" {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		app.redis = client
		locker = lock.NewDegrading(redis.NewLocker(client, cfg.Redis.KeyPrefix), app.metrics, app.logger)
	} else {
		app.logger.Warn("redis not configured, running without distributed locks")
	}

	switch cfg.Scheduler.Backend {
	case "redis":
		if app.redis == nil {
			return nil, nil, nil, errors.New("redis scheduler requires a redis connection")
		}
		queue := redis.NewQueue(app.redis, cfg.Redis.KeyPrefix)
		return locker, scheduler.NewQueued(queue), queue, nil
	case "qstash":
		pub := qstash.NewPublisher(cfg.Scheduler.QStashURL, cfg.Scheduler.QStashToken, cfg.Server.PublicURL, app.logger)
		return locker, pub, nil, nil
	default:
		app.logger.Warn("no scheduler backend, tasks rely on webhooks and manual sweeps")
		return locker, scheduler.Noop{Logger: app.logger}, nil, nil
	}
}

// start launches background work: the scheduler runner and the first sweep.
func (app *application) start(ctx context.Context) {
	if app.runner != nil {
		app.runner.Start()
	}
	scheduled, err := app.poller.ScheduleSweep(ctx, app.sweepOnBoot)
	if err != nil {
		app.logger.Warn("failed to schedule startup sweep", "error", err)
		return
	}
	app.logger.Info("startup sweep", "scheduled", scheduled, "delay", app.sweepOnBoot.String())
}

// cleanup releases resources in reverse order of acquisition. It is safe on
// a partially built application.
func (app *application) cleanup() {
	if app.tasks != nil {
		app.tasks.Wait()
	}
	if app.runner != nil {
		app.runner.Stop()
	}
	if app.kafka != nil {
		if err := app.kafka.Close(); err != nil {
			app.logger.Error("failed to close kafka producer", "error", err)
		}
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("failed to close redis client", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database connection", "error", err)
		}
	}
	if app.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.telemetry(ctx); err != nil {
			app.logger.Error("failed to flush traces", "error", err)
		}
	}
}
