package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/idler/pkg/config"
	"github.com/openfroyo/idler/pkg/drivers"
	awsdrivers "github.com/openfroyo/idler/pkg/drivers/aws"
	"github.com/openfroyo/idler/pkg/drivers/sim"
	"github.com/openfroyo/idler/pkg/engine"
	"github.com/openfroyo/idler/pkg/notify"
	"github.com/openfroyo/idler/pkg/orchestrator"
	"github.com/openfroyo/idler/pkg/policy"
	"github.com/openfroyo/idler/pkg/stores"
	"github.com/openfroyo/idler/pkg/telemetry"
)

// app is the wired process: store, engine, drivers, policy, notifications
// and the orchestrator service.
type app struct {
	cfg        *config.Config
	telemetry  *telemetry.Telemetry
	logger     zerolog.Logger
	store      *stores.SQLiteStore
	engine     *engine.Engine
	policy     *policy.Engine
	dispatcher *notify.Dispatcher
	service    *orchestrator.Service
}

type appOptions struct {
	// daemon selects production telemetry defaults.
	daemon bool
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	tel, err := telemetry.NewTelemetry(telemetryConfig(cfg, opts.daemon))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, telemetry: tel, logger: tel.Logger.Zerolog()}

	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:     a.cfg.Store.Path,
		StateTTL: a.cfg.Store.StateTTL.D(),
	})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	a.store = store
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	t := a.cfg.Timing
	a.engine = engine.New(store, a.logger,
		engine.WithObserver(a.telemetry.Metrics),
		engine.WithTracer(a.telemetry.Tracer.Tracer()),
		engine.WithRetryPolicy(engine.RetryPolicy{
			MaxAttempts:     t.RetryAttempts,
			InitialInterval: t.RetryBaseDelay.D(),
			MaxInterval:     t.RetryMaxDelay.D(),
		}),
	)

	pol, err := policy.NewEngine(a.logger)
	if err != nil {
		return err
	}
	if len(a.cfg.Policy.Paths) > 0 {
		if err := pol.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
	}
	a.policy = pol

	registry, err := a.drivers(ctx)
	if err != nil {
		return err
	}

	a.dispatcher = a.notifier()

	a.service, err = orchestrator.New(orchestrator.Deps{
		Config:   a.cfg,
		Store:    store,
		Engine:   a.engine,
		Drivers:  registry,
		Policy:   pol,
		Notifier: a.dispatcher,
		Metrics:  a.telemetry.Metrics,
		Logger:   a.logger,
	})
	return err
}

// drivers builds the cloud drivers, each wrapped with metrics and tracing.
func (a *app) drivers(ctx context.Context) (*drivers.Registry, error) {
	var raw []drivers.Driver
	switch a.cfg.Driver {
	case "aws":
		awsCfg, err := awsdrivers.LoadConfig(ctx, awsdrivers.Config{
			Region:         a.cfg.AWS.Region,
			Profile:        a.cfg.AWS.Profile,
			MaxSDKAttempts: a.cfg.AWS.MaxSDKAttempts,
		})
		if err != nil {
			return nil, err
		}
		raw = awsdrivers.NewDrivers(awsCfg, a.logger)
	default:
		a.logger.Warn().Msg("Using the in-memory simulated cloud")
		raw = simCloud(a.cfg).Drivers()
	}

	registry := drivers.NewRegistry()
	for _, d := range raw {
		registry.Register(telemetry.InstrumentDriver(d, a.telemetry.Metrics, a.telemetry.Tracer))
	}
	return registry, nil
}

// simCloud seeds a simulated cloud with every configured resource running.
func simCloud(cfg *config.Config) *sim.Cloud {
	cloud := sim.New()
	for _, st := range cfg.Stages {
		r := st.Resources
		if r.DBCluster != nil {
			cloud.Seed(drivers.DBCluster, r.DBCluster.ID, drivers.StatusAvailable)
		}
		if r.Cache != nil {
			cloud.Seed(drivers.CacheCluster, r.Cache.ID, drivers.StatusAvailable)
		}
		for _, svc := range r.Services {
			cloud.SeedService(svc.Name, svc.DesiredCount)
		}
		if r.Gateway != nil {
			cloud.SeedGateway(r.Gateway.Name, r.Gateway.AllocationIDs...)
		}
	}
	return cloud
}

func (a *app) notifier() *notify.Dispatcher {
	n := a.cfg.Notify
	d := notify.NewDispatcher(notify.DispatcherConfig{
		BufferSize: n.BufferSize,
		OnDrop:     func(notify.Message) { a.telemetry.Metrics.RecordNotificationDropped() },
	}, a.logger)

	if n.Log {
		d.AddSink(notify.NewLogNotifier(a.logger), nil)
	}
	if n.Webhook != nil {
		var opts []notify.WebhookOption
		for k, v := range n.Webhook.Headers {
			opts = append(opts, notify.WithHeader(k, v))
		}
		d.AddSink(notify.NewWebhookNotifier(n.Webhook.URL, opts...), nil)
	}
	if n.Redis != nil {
		r, err := notify.NewRedisNotifier(n.Redis.URL, n.Redis.Channel)
		if err != nil {
			a.logger.Error().Err(err).Msg("Redis notifications disabled")
		} else {
			d.AddSink(r, nil)
		}
	}
	if n.Kafka != nil {
		d.AddSink(notify.NewKafkaNotifier(n.Kafka.Brokers, n.Kafka.Topic), nil)
	}
	return d
}

// Close parks running executions, flushes notifications and releases the
// store and telemetry.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if a.engine != nil {
		a.engine.Close()
	}
	if a.dispatcher != nil {
		errs = append(errs, a.dispatcher.Close(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("Shutdown incomplete")
	}
	_ = a.telemetry.Shutdown(ctx)
}

// telemetryConfig maps the config file's telemetry section onto the
// telemetry package.
func telemetryConfig(cfg *config.Config, daemon bool) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if daemon {
		tc = telemetry.ProductionConfig()
	}
	tc.ServiceVersion = buildVersion

	t := cfg.Telemetry
	if t.LogLevel != "" {
		tc.Logging.Level = t.LogLevel
	}
	if t.LogFormat != "" {
		tc.Logging.Format = t.LogFormat
	}
	if daemon && t.LogOutput != "" {
		tc.Logging.Output = t.LogOutput
	}
	if r := t.LogRotation; r != nil {
		tc.Logging.Rotation = &telemetry.RotationConfig{
			MaxSizeMB:  r.MaxSizeMB,
			MaxBackups: r.MaxBackups,
			MaxAgeDays: r.MaxAgeDays,
			Compress:   r.Compress,
		}
	}

	switch t.Tracing.Exporter {
	case "", "none":
		tc.Tracing.Enabled = false
		tc.Tracing.Exporter = "none"
	default:
		tc.Tracing.Enabled = true
		tc.Tracing.Exporter = t.Tracing.Exporter
		tc.Tracing.Endpoint = t.Tracing.Endpoint
		tc.Tracing.SamplingRate = t.Tracing.SamplingRate
		tc.Tracing.Insecure = t.Tracing.Insecure
	}

	tc.Metrics.Enabled = t.Metrics.Enabled
	if t.Metrics.Namespace != "" {
		tc.Metrics.Namespace = t.Metrics.Namespace
	}
	return tc
}
