package commands

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/openfroyo/idler/pkg/api"
	"github.com/openfroyo/idler/pkg/autorestart"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		Long: `Run the orchestrator daemon.

The daemon:
  - resumes executions left running or waiting by a previous process
  - serves the HTTP API (triggers, approval links, audit event intake)
  - exposes /metrics on the API or on telemetry.metrics.listen
  - consumes audit events from Kafka when autorestart.kafka is configured
  - prunes expired state rows on store.prune_interval
  - reloads policy files when policy.watch is set`,
		Example: `  # Serve with a config file
  idler serve --config idler.yaml

  # Override the listen address through the environment
  IDLER_LISTEN=:9090 idler serve -c idler.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg, appOptions{daemon: true})
			if err != nil {
				return err
			}
			defer a.Close()
			logger := a.logger

			detector, err := autorestart.New(cfg, a.store, a.service, a.dispatcher, logger)
			if err != nil {
				return err
			}

			deps := api.Deps{
				Orchestrator: a.service,
				Executions:   a.engine,
				States:       a.store,
				Events:       detector,
				Logger:       logger,
			}
			if addr := cfg.Telemetry.Metrics.Listen; addr != "" {
				a.telemetry.Metrics.ServeMetrics(ctx, addr, logger)
			} else {
				deps.Metrics = a.telemetry.Metrics.Handler()
			}
			server, err := api.NewServer(deps)
			if err != nil {
				return err
			}

			resumed, err := a.engine.Resume(ctx)
			if err != nil {
				return err
			}
			logger.Info().Int("count", len(resumed)).Strs("executions", resumed).Msg("Resumed executions")

			if cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
				loader, err := a.policy.Watch(ctx, cfg.Policy.Paths)
				if err != nil {
					return err
				}
				defer loader.StopWatching()
			}

			g := pool.New().WithContext(ctx).WithCancelOnError()
			g.Go(func(ctx context.Context) error {
				return server.ListenAndServe(ctx, cfg.API.Listen)
			})
			g.Go(func(ctx context.Context) error {
				a.pruneLoop(ctx, cfg.Store.PruneInterval.D())
				return nil
			})
			if k := cfg.AutoRestart.Kafka; k != nil {
				consumer := autorestart.NewConsumer(*k, detector, logger)
				g.Go(func(ctx context.Context) error {
					return consumer.Run(ctx)
				})
			}

			logger.Info().
				Str("listen", cfg.API.Listen).
				Str("driver", cfg.Driver).
				Int("stages", len(cfg.Stages)).
				Msg("idler started")

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info().Msg("idler stopped")
			return nil
		},
	}

	cmd.Flags().String("listen", "", "API listen address (overrides api.listen)")

	return cmd
}

func (a *app) pruneLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := a.store.PruneExpired(ctx, time.Now())
			if err != nil {
				a.logger.Error().Err(err).Msg("Prune failed")
				continue
			}
			a.logger.Debug().
				Int64("states", res.States).
				Int64("approvals", res.Approvals).
				Int64("events", res.Events).
				Int64("audit", res.AuditLog).
				Int64("executions", res.Executions).
				Msg("Pruned expired rows")
		}
	}
}
