package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/gateway"
)

func newServeCommand(version string) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the provisioning API",
		Long: `Run the HTTP API and the job scheduler.

On start the service:
  - Migrates the database
  - Fails jobs a previous process left running
  - Loads admission policies (and watches them when configured)
  - Starts the retention reaper

On SIGINT/SIGTERM it stops accepting requests and waits for running jobs
up to server.shutdown_timeout. A second signal exits immediately.`,
		Example: `  # Serve with defaults on :8000
  provisioner serve

  # Serve with a config file on another port
  provisioner serve --config provisioner.yaml --address :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}

			// The telemetry logger carries its own level.
			zerolog.SetGlobalLevel(zerolog.TraceLevel)

			svc, err := newService(cmd.Context(), cfg, serviceOptions{version: version})
			if err != nil {
				return err
			}
			return serve(cmd.Context(), svc, version)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "listen address (overrides server.address)")

	return cmd
}

// serve runs the API until ctx is cancelled, then drains running jobs.
func serve(ctx context.Context, svc *service, version string) error {
	cfg := svc.cfg
	logger := svc.logger

	recovered, err := svc.scheduler.Recover(ctx)
	if err != nil {
		svc.Close(context.Background())
		return err
	}
	if recovered > 0 {
		logger.Warn().Int("jobs", recovered).Msg("Failed jobs interrupted by the previous shutdown")
	}

	validator, err := gateway.NewRequestValidator(cfg.Validation.KubernetesVersions)
	if err != nil {
		svc.Close(context.Background())
		return err
	}

	hcfg := gateway.HandlersConfig{
		Scheduler: svc.scheduler,
		Validator: validator,
		Health:    svc.store,
		Metrics:   svc.telemetry.Metrics,
		Events:    svc.telemetry.Events,
		Logger:    logger,
		Version:   version,
		TailLines: cfg.Server.LogTailLines,
	}
	if svc.policy != nil {
		hcfg.Admitter = svc.policy
		go func() {
			if err := svc.policy.Watch(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("Policy watcher stopped")
			}
		}()
	}

	handlers, err := gateway.NewHandlers(hcfg)
	if err != nil {
		svc.Close(context.Background())
		return err
	}

	if cfg.Reaper.Enabled {
		reaper := engine.NewReaper(svc.scheduler, engine.RetentionPolicy{
			DryRunRetention: cfg.Reaper.DryRunRetention,
		})
		go reaper.Run(ctx, cfg.Reaper.Interval)
	}

	server := gateway.NewServer(gateway.ServerConfig{
		Address:      cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, handlers, svc.telemetry.Metrics)

	serveErr := server.Run(ctx, cfg.Server.WriteTimeout)

	logger.Info().Dur("timeout", cfg.Server.ShutdownTimeout).Msg("Waiting for running jobs")
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	drainErr := svc.scheduler.Shutdown(drainCtx)
	if drainErr != nil {
		logger.Error().Err(drainErr).Msg("Shutdown timed out with jobs still running")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := svc.Close(closeCtx); err != nil {
		logger.Warn().Err(err).Msg("Failed to release resources")
	}

	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	return drainErr
}
