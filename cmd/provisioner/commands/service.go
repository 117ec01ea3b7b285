package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/config"
	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/kube"
	"github.com/openfroyo/provisioner/pkg/policy"
	"github.com/openfroyo/provisioner/pkg/render"
	"github.com/openfroyo/provisioner/pkg/stores"
	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/openfroyo/provisioner/pkg/tool"
	"github.com/openfroyo/provisioner/pkg/transports/ssh"
	"github.com/openfroyo/provisioner/pkg/workflow"
)

// service holds the wired components of a provisioner process.
type service struct {
	cfg        *config.Config
	telemetry  *telemetry.Telemetry
	logger     zerolog.Logger
	store      *stores.SQLiteStore
	partitions engine.PartitionStore
	scheduler  *engine.Scheduler

	// policy is nil when admission policies are disabled.
	policy *policy.Engine

	// builder is set when the tool runs on a remote host.
	builder *ssh.SSHClient
}

// serviceOptions adjusts wiring for commands that never run the tool.
type serviceOptions struct {
	version string

	// offline skips connecting to the remote builder.
	offline bool
}

// loadConfig reads the config file named by --config and applies --verbose.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// openStore opens the SQLite database and brings its schema up to date.
func openStore(ctx context.Context, cfg config.SQLiteConfig) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         cfg.Path,
		MaxOpenConns: cfg.MaxOpenConns,
		BusyTimeout:  cfg.BusyTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// newService wires stores, executor, workflow runner, renderer, scheduler
// and policy engine from cfg.
func newService(ctx context.Context, cfg *config.Config, opts serviceOptions) (svc *service, err error) {
	if opts.version != "" && cfg.Telemetry.ServiceVersion == "dev" {
		cfg.Telemetry.ServiceVersion = opts.version
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	svc = &service{
		cfg:       cfg,
		telemetry: tel,
		logger:    tel.Logger.Zerolog(),
	}
	defer func() {
		if err != nil {
			svc.Close(context.Background())
			svc = nil
		}
	}()

	svc.store, err = openStore(ctx, cfg.Store.SQLite)
	if err != nil {
		return svc, err
	}

	svc.partitions, err = svc.partitionStore(ctx)
	if err != nil {
		return svc, err
	}

	executor, err := svc.executor(ctx, opts.offline)
	if err != nil {
		return svc, err
	}

	runner, err := workflow.NewRunner(workflow.Options{
		Config: workflow.Config{
			TemplateDir:      cfg.Workflow.TemplateDir,
			ArenaRoot:        cfg.Workflow.ArenaRoot,
			Region:           cfg.Workflow.Region,
			Timeout:          cfg.Workflow.Timeout,
			SettlePeriod:     cfg.Workflow.SettlePeriod,
			RequiredOutputs:  cfg.Workflow.RequiredOutputs,
			KubeconfigOutput: cfg.Workflow.KubeconfigOutput,
			PassEnv:          cfg.Workflow.PassEnv,
		},
		Tool:       tool.NewTerraform(cfg.Workflow.ToolBinary, executor),
		Cleaner:    kube.NewCleaner(kube.Options{WaitTimeout: cfg.Workflow.LoadBalancerWait}, svc.logger),
		Partitions: svc.partitions,
		Logger:     svc.logger,
		Metrics:    tel.Metrics,
		Tracer:     tel.Tracer,
	})
	if err != nil {
		return svc, fmt.Errorf("failed to create workflow runner: %w", err)
	}

	renderer, err := render.NewRenderer(render.Config{
		TemplatePath: cfg.Render.Template,
		HookPath:     cfg.Render.Hook,
		HookTimeout:  cfg.Render.HookTimeout,
	}, svc.logger)
	if err != nil {
		return svc, fmt.Errorf("failed to load render template: %w", err)
	}

	svc.scheduler, err = engine.NewScheduler(engine.SchedulerConfig{
		Jobs:       svc.store,
		Partitions: svc.partitions,
		Audit:      svc.store,
		Runner:     runner,
		Renderer:   renderer,
		Region:     cfg.Workflow.Region,
		Logger:     svc.logger,
		Metrics:    tel.Metrics,
		Events:     tel.Events,
		Tracer:     tel.Tracer,
	})
	if err != nil {
		return svc, fmt.Errorf("failed to create scheduler: %w", err)
	}

	if cfg.Policy.Enabled {
		svc.policy, err = policy.NewEngine(ctx, policy.Config{
			Paths:    cfg.Policy.Paths,
			Disabled: cfg.Policy.Disabled,
			Watch:    cfg.Policy.Watch,
		}, svc.logger)
		if err != nil {
			return svc, fmt.Errorf("failed to load policies: %w", err)
		}
	}

	return svc, nil
}

// partitionStore returns the configured partition backend.
func (s *service) partitionStore(ctx context.Context) (engine.PartitionStore, error) {
	if s.cfg.Store.Backend != "s3" {
		return s.store, nil
	}

	c := s.cfg.Store.S3
	partitions, err := stores.NewS3PartitionStore(ctx, stores.S3Config{
		Bucket:       c.Bucket,
		Prefix:       c.Prefix,
		Region:       c.Region,
		Endpoint:     c.Endpoint,
		UsePathStyle: c.UsePathStyle,
	}, c.AccessKeyID, c.SecretAccessKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 partition store: %w", err)
	}
	s.logger.Info().Str("bucket", c.Bucket).Str("prefix", c.Prefix).Msg("Using S3 partition store")
	return partitions, nil
}

// executor returns a local executor, or a remote one connected to the
// configured builder host.
func (s *service) executor(ctx context.Context, offline bool) (tool.Executor, error) {
	wf := s.cfg.Workflow
	if !wf.Remote.Enabled || offline {
		return tool.NewLocalExecutor(wf.KillGrace, s.logger), nil
	}

	client, err := ssh.NewSSHClient(sshConfig(wf.Remote), s.logger)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to builder %s: %w", wf.Remote.Host, err)
	}
	s.builder = client

	return tool.NewRemoteExecutor(client, wf.Remote.Root, wf.KillGrace, s.logger), nil
}

// sshConfig maps the remote builder settings onto the SSH transport.
func sshConfig(r config.RemoteConfig) *ssh.Config {
	cfg := ssh.DefaultConfig(r.Host, r.User)
	if r.Port > 0 {
		cfg.Port = r.Port
	}
	if r.ConnectTimeout > 0 {
		cfg.ConnectionTimeout = r.ConnectTimeout
	}
	if r.KnownHostsPath != "" {
		cfg.KnownHostsPath = r.KnownHostsPath
	}
	cfg.StrictHostKeyChecking = r.StrictHostKeyChecking

	if r.Password != "" && r.PrivateKeyPath == "" {
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = r.Password
	} else {
		cfg.PrivateKeyPath = r.PrivateKeyPath
		cfg.PrivateKeyPassphrase = r.PrivateKeyPassphrase
	}
	return cfg
}

// Close releases the builder connection, the database and telemetry.
func (s *service) Close(ctx context.Context) error {
	var errs []error
	if s.builder != nil {
		errs = append(errs, s.builder.Disconnect())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.telemetry != nil {
		errs = append(errs, s.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
