package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/openfroyo/provisioner/pkg/tool"
)

// Defaults for Config.
const (
	DefaultTimeout          = 45 * time.Minute
	DefaultSettlePeriod     = 60 * time.Second
	DefaultKubeconfigOutput = "kubeconfig"
)

// DefaultRequiredOutputs must be present and non-empty after an apply.
var DefaultRequiredOutputs = []string{"cluster_id", "region", "kubeconfig_command"}

// Tool is the provisioning tool as the runner drives it.
type Tool interface {
	Init(ctx context.Context, inv tool.Invocation) error
	Plan(ctx context.Context, inv tool.Invocation, destroy bool) (engine.PlanOutcome, error)
	Apply(ctx context.Context, inv tool.Invocation) error
	Outputs(ctx context.Context, inv tool.Invocation) (map[string]tool.OutputValue, error)
}

// LoadBalancerCleaner removes cluster workloads that own cloud load balancers.
type LoadBalancerCleaner interface {
	RemoveLoadBalancers(ctx context.Context, kubeconfig []byte) (int, error)
}

// Config controls how runs are executed.
type Config struct {
	// TemplateDir is the module copied into every arena.
	TemplateDir string

	// ArenaRoot holds one arena per resource.
	ArenaRoot string

	// Region is used when a request carries none.
	Region string

	// Timeout bounds a whole run.
	Timeout time.Duration

	// SettlePeriod is waited after load balancers are removed and before
	// the destroy plan.
	SettlePeriod time.Duration

	RequiredOutputs []string

	// KubeconfigOutput names the output holding the cluster kubeconfig.
	KubeconfigOutput string

	// PassEnv lists service environment variables handed to the tool.
	PassEnv []string
}

// Options wires a Runner.
type Options struct {
	Config     Config
	Tool       Tool
	Cleaner    LoadBalancerCleaner
	Partitions engine.PartitionStore

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer

	// Now, LookupEnv and Sleep override process facilities in tests.
	Now       func() time.Time
	LookupEnv func(string) (string, bool)
	Sleep     func(ctx context.Context, d time.Duration) error
}

// Runner executes provisioning workflows in per-resource arenas.
type Runner struct {
	cfg        Config
	tool       Tool
	cleaner    LoadBalancerCleaner
	partitions engine.PartitionStore

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	now       func() time.Time
	lookupEnv func(string) (string, bool)
	sleep     func(ctx context.Context, d time.Duration) error
}

var _ engine.Runner = (*Runner)(nil)

// NewRunner creates a Runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Tool == nil {
		return nil, fmt.Errorf("tool is required")
	}
	if opts.Partitions == nil {
		return nil, fmt.Errorf("partition store is required")
	}

	cfg := opts.Config
	if cfg.TemplateDir == "" || cfg.ArenaRoot == "" {
		return nil, fmt.Errorf("template dir and arena root are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SettlePeriod < 0 {
		cfg.SettlePeriod = 0
	}
	if cfg.RequiredOutputs == nil {
		cfg.RequiredOutputs = DefaultRequiredOutputs
	}
	if cfg.KubeconfigOutput == "" {
		cfg.KubeconfigOutput = DefaultKubeconfigOutput
	}

	r := &Runner{
		cfg:        cfg,
		tool:       opts.Tool,
		cleaner:    opts.Cleaner,
		partitions: opts.Partitions,
		logger:     opts.Logger.With().Str("component", "workflow").Logger(),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		now:        opts.Now,
		lookupEnv:  opts.LookupEnv,
		sleep:      opts.Sleep,
	}
	if r.tracer == nil {
		r.tracer = telemetry.NoopTracer()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.lookupEnv == nil {
		r.lookupEnv = os.LookupEnv
	}
	if r.sleep == nil {
		r.sleep = sleepContext
	}

	return r, nil
}

// run is the state of one attempt.
type run struct {
	spec       engine.RunSpec
	arena      arena
	env        []string
	checkpoint *Checkpoint
	hash       string

	// store is used for partition writes, which must happen even after
	// the run context expired.
	store  context.Context
	logger zerolog.Logger
	result engine.TerminalResult
}

func (rn *run) enter(stage engine.Stage) {
	rn.result.Stage = stage
	if rn.spec.Progress != nil {
		rn.spec.Progress(stage)
	}
}

func (rn *run) skip(stage engine.Stage) {
	rn.result.SkippedStages = append(rn.result.SkippedStages, stage)
	rn.logger.Info().Str("stage", string(stage)).Msg("Skipping stage completed by an earlier attempt")
}

func (rn *run) invocation(log *stageLog) tool.Invocation {
	return tool.Invocation{Dir: rn.arena.dir, Env: rn.env, Stdout: log, Stderr: log}
}

// fail folds err into the result accumulated so far.
func (rn *run) fail(err error) engine.TerminalResult {
	failed := engine.FailedResult(rn.result.Stage, err)
	if pe, ok := engine.AsProvisionError(err); ok && pe.Stage != "" {
		failed.Stage = pe.Stage
	}
	failed.PlanOutcome = rn.result.PlanOutcome
	failed.Outputs = rn.result.Outputs
	failed.SkippedStages = rn.result.SkippedStages
	failed.LoadBalancersRemoved = rn.result.LoadBalancersRemoved
	return failed
}

// Run executes one attempt of spec. It never returns an error; failures
// are reported in the result.
func (r *Runner) Run(ctx context.Context, spec engine.RunSpec) engine.TerminalResult {
	start := r.now()
	store := context.WithoutCancel(ctx)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	rn := &run{
		spec:  spec,
		arena: newArena(r.cfg.ArenaRoot, spec.ResourceName),
		env:   r.environment(spec),
		store: store,
		logger: r.logger.With().
			Str("resource", spec.ResourceName).
			Str("job_id", spec.JobID).
			Str("mode", string(spec.Mode)).
			Logger(),
	}

	result := r.execute(ctx, rn)
	result.DurationSeconds = r.now().Sub(start).Seconds()

	if result.Succeeded() {
		rn.logger.Info().Float64("duration_seconds", result.DurationSeconds).Msg("Workflow succeeded")
	} else {
		rn.logger.Error().
			Str("stage", string(result.Stage)).
			Str("error_code", result.ErrorCode).
			Str("error", result.ErrorMessage).
			Msg("Workflow failed")
	}
	return result
}

func (r *Runner) execute(ctx context.Context, rn *run) engine.TerminalResult {
	if err := r.prepare(ctx, rn); err != nil {
		return rn.fail(err)
	}
	if err := r.initialize(ctx, rn); err != nil {
		return rn.fail(err)
	}

	var err error
	switch rn.spec.Mode {
	case engine.ModeDestroy:
		err = r.destroy(ctx, rn)
	case engine.ModeApply, engine.ModeDryRun:
		err = r.provision(ctx, rn)
	default:
		err = engine.NewInternalError(fmt.Sprintf("unsupported mode %q", rn.spec.Mode), nil)
	}
	if err != nil {
		return rn.fail(err)
	}

	r.finish(rn)
	rn.result.Phase = engine.PhaseSucceeded
	return rn.result
}

// prepare builds the arena and loads the checkpoint.
func (r *Runner) prepare(ctx context.Context, rn *run) error {
	return r.stage(ctx, rn, engine.StagePrepare, func(ctx context.Context, log *stageLog) error {
		name := rn.spec.ResourceName

		state, err := r.partitions.LoadState(rn.store, name)
		if err != nil {
			return engine.NewInternalError("failed to load working state", err)
		}

		digest, err := rn.arena.prepare(r.cfg.TemplateDir, rn.spec.RenderedConfig, state)
		if err != nil {
			return engine.NewInternalError("failed to prepare arena", err)
		}
		rn.hash = configHash(digest, rn.spec.RenderedConfig)

		data, err := r.partitions.LoadCheckpoint(rn.store, name)
		if err != nil {
			return engine.NewInternalError("failed to load checkpoint", err)
		}
		prev, err := DecodeCheckpoint(data)
		if err != nil {
			rn.logger.Warn().Err(err).Msg("Ignoring unreadable checkpoint")
		}
		rn.checkpoint = resume(prev, rn.hash, rn.spec.Mode)
		rn.checkpoint.JobID = rn.spec.JobID

		log.Printf("attempt %d in %s (state: %d bytes)", rn.spec.Attempt, rn.arena.dir, len(state))
		return nil
	})
}

func (r *Runner) initialize(ctx context.Context, rn *run) error {
	if rn.checkpoint.Initialized && rn.arena.initializedFor(rn.hash) {
		rn.skip(engine.StageInit)
		return nil
	}
	rn.checkpoint.Initialized = false

	return r.stage(ctx, rn, engine.StageInit, func(ctx context.Context, log *stageLog) error {
		if err := rn.arena.clearInitialized(); err != nil {
			return engine.NewInternalError("failed to reset arena", err)
		}
		if err := r.tool.Init(ctx, rn.invocation(log)); err != nil {
			return stageError(ctx, engine.ErrCodeInitializationFailed, engine.StageInit, "initialization failed", err)
		}
		if err := rn.arena.markInitialized(rn.hash); err != nil {
			return engine.NewInternalError("failed to record initialization", err)
		}

		rn.checkpoint.Initialized = true
		r.saveCheckpoint(rn)
		return nil
	})
}

// provision runs dry_run and apply jobs.
func (r *Runner) provision(ctx context.Context, rn *run) error {
	outcome, err := r.plan(ctx, rn, false, engine.ErrCodePlanError)
	if err != nil {
		return err
	}
	if rn.spec.Mode == engine.ModeDryRun {
		return nil
	}

	if outcome.Kind == engine.PlanChangesPending {
		if err := r.apply(ctx, rn, engine.StageApply, engine.ErrCodeApplyFailed); err != nil {
			return err
		}
	}

	return r.outputs(ctx, rn)
}

// destroy removes workload load balancers, lets the cloud settle and then
// destroys the resource.
func (r *Runner) destroy(ctx context.Context, rn *run) error {
	var kubeconfig []byte
	err := r.stage(ctx, rn, engine.StageOutputs, func(ctx context.Context, log *stageLog) error {
		outputs, err := r.tool.Outputs(ctx, rn.invocation(log))
		if err != nil {
			return stageError(ctx, engine.ErrCodeDestroyFailed, engine.StageOutputs, "failed to read outputs", err)
		}
		if out, ok := outputs[r.cfg.KubeconfigOutput]; ok && out.Value != "" {
			kubeconfig = []byte(out.Value)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = r.stage(ctx, rn, engine.StageLoadBalancers, func(ctx context.Context, log *stageLog) error {
		if kubeconfig == nil || r.cleaner == nil {
			log.Printf("output %q not available, skipping load balancer removal", r.cfg.KubeconfigOutput)
			rn.logger.Warn().Str("output", r.cfg.KubeconfigOutput).Msg("No kubeconfig, skipping load balancer removal")
			return nil
		}

		removed, err := r.cleaner.RemoveLoadBalancers(ctx, kubeconfig)
		rn.result.LoadBalancersRemoved = removed
		r.metrics.RecordLoadBalancersRemoved(removed)
		log.Printf("removed %d load balancer exposures", removed)
		if err != nil {
			return stageError(ctx, engine.ErrCodeDestroyFailed, engine.StageLoadBalancers, "failed to remove load balancers", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = r.stage(ctx, rn, engine.StageSettle, func(ctx context.Context, log *stageLog) error {
		log.Printf("waiting %s for cloud resources to settle", r.cfg.SettlePeriod)
		if err := r.sleep(ctx, r.cfg.SettlePeriod); err != nil {
			return stageError(ctx, engine.ErrCodeDestroyFailed, engine.StageSettle, "settle interrupted", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	outcome, err := r.plan(ctx, rn, true, engine.ErrCodeDestroyFailed)
	if err != nil {
		return err
	}
	if outcome.Kind != engine.PlanChangesPending {
		return nil
	}
	return r.apply(ctx, rn, engine.StageDestroy, engine.ErrCodeDestroyFailed)
}

// plan computes a plan, or resumes the one saved by an earlier attempt.
// Plans of mutating jobs are saved in the checkpoint before they are applied.
func (r *Runner) plan(ctx context.Context, rn *run, destroy bool, failCode string) (engine.PlanOutcome, error) {
	if rn.checkpoint.hasPlan() {
		if err := rn.arena.writePlan(rn.checkpoint.Plan); err != nil {
			return engine.PlanOutcome{}, engine.NewInternalError("failed to restore saved plan", err)
		}
		outcome := *rn.checkpoint.PlanOutcome
		rn.result.PlanOutcome = &outcome
		rn.skip(engine.StagePlan)
		return outcome, nil
	}

	var outcome engine.PlanOutcome
	err := r.stage(ctx, rn, engine.StagePlan, func(ctx context.Context, log *stageLog) error {
		var err error
		outcome, err = r.tool.Plan(ctx, rn.invocation(log), destroy)
		if err != nil {
			return stageError(ctx, failCode, engine.StagePlan, "plan failed", err)
		}
		rn.result.PlanOutcome = &outcome
		telemetry.AnnotatePlan(ctx, string(outcome.Kind), outcome.ExitCode)
		log.Printf("plan outcome: %s", outcome)

		switch outcome.Kind {
		case engine.PlanFailed:
			exitErr := &tool.ExitError{Subcommand: "plan", Code: outcome.ExitCode, Stderr: outcome.Stderr}
			return engine.NewStageError(failCode, engine.StagePlan, "plan failed", exitErr).
				WithDetail("exit_code", outcome.ExitCode)
		case engine.PlanChangesPending:
			if !rn.spec.Mode.IsMutating() {
				return nil
			}
			plan, err := rn.arena.readPlan()
			if err != nil {
				return engine.NewInternalError("failed to read saved plan", err)
			}
			if plan != nil {
				rn.checkpoint.savePlan(plan, outcome)
				r.saveCheckpoint(rn)
			}
		}
		return nil
	})
	return outcome, err
}

// apply applies the saved plan in stage. Working state is written back to
// the partition whatever the outcome, and the saved plan is discarded once
// the tool has seen it.
func (r *Runner) apply(ctx context.Context, rn *run, stage engine.Stage, failCode string) error {
	return r.stage(ctx, rn, stage, func(ctx context.Context, log *stageLog) error {
		// The saved plan stays in the checkpoint if the run ends before
		// the tool gets to see it.
		if err := ctx.Err(); err != nil {
			return stageError(ctx, failCode, stage, string(stage)+" not started", err)
		}

		applyErr := r.tool.Apply(ctx, rn.invocation(log))
		persistErr := r.persistState(rn)

		rn.checkpoint.discardPlan()
		r.saveCheckpoint(rn)

		switch {
		case applyErr != nil && tool.IsStalePlan(applyErr):
			log.Printf("saved plan is stale and was discarded, the next attempt plans again")
			return engine.NewStageError(failCode, stage, "saved plan is stale", applyErr)
		case applyErr != nil:
			if persistErr != nil {
				rn.logger.Error().Err(persistErr).Msg("Failed to persist partial state")
			}
			return stageError(ctx, failCode, stage, string(stage)+" failed", applyErr)
		case persistErr != nil:
			return engine.NewInternalError("failed to persist working state", persistErr)
		}
		return nil
	})
}

// outputs reads the outputs of an applied configuration and checks that
// the required ones are present.
func (r *Runner) outputs(ctx context.Context, rn *run) error {
	return r.stage(ctx, rn, engine.StageOutputs, func(ctx context.Context, log *stageLog) error {
		outputs, err := r.tool.Outputs(ctx, rn.invocation(log))
		if err != nil {
			return stageError(ctx, engine.ErrCodeIncompleteOutputs, engine.StageOutputs, "failed to read outputs", err)
		}

		// Required outputs end up in the job summary, so a sensitive one
		// counts as missing rather than being exposed.
		rn.result.Outputs = publicOutputs(outputs)
		if missing := missingOutputs(rn.result.Outputs, r.cfg.RequiredOutputs); len(missing) > 0 {
			log.Printf("required outputs missing: %s", strings.Join(missing, ", "))
			stageErr := engine.NewStageError(engine.ErrCodeIncompleteOutputs, engine.StageOutputs,
				"required outputs missing: "+strings.Join(missing, ", "), nil).
				WithDetail("missing", missing)
			if sensitive := sensitiveOutputs(outputs, missing); len(sensitive) > 0 {
				log.Printf("required outputs marked sensitive: %s", strings.Join(sensitive, ", "))
				stageErr = stageErr.WithDetail("sensitive", sensitive)
			}
			return stageErr
		}
		return nil
	})
}

// finish clears the progress of a successful run. The arena is removed so
// the next job of the resource starts from the stored state.
func (r *Runner) finish(rn *run) {
	if err := r.partitions.SaveCheckpoint(rn.store, rn.spec.ResourceName, nil); err != nil {
		rn.logger.Warn().Err(err).Msg("Failed to clear checkpoint")
	}
	if err := rn.arena.remove(); err != nil {
		rn.logger.Warn().Err(err).Msg("Failed to remove arena")
	}
}

// stage runs fn as one traced, timed and logged workflow stage.
func (r *Runner) stage(ctx context.Context, rn *run, stage engine.Stage, fn func(ctx context.Context, log *stageLog) error) error {
	rn.enter(stage)

	ctx, span := r.tracer.StartStageSpan(ctx, string(stage))
	defer span.End()

	log := newStageLog(rn.store, r.partitions, rn.spec, stage, r.now, rn.logger)
	start := r.now()
	rn.logger.Debug().Str("stage", string(stage)).Msg("Stage started")

	err := fn(ctx, log)
	log.Close()

	result := "success"
	if err != nil {
		result = "failure"
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	r.metrics.RecordStage(string(stage), result, r.now().Sub(start))

	return err
}

// persistState copies the arena state into the partition. Dry runs never
// reach this.
func (r *Runner) persistState(rn *run) error {
	state, err := rn.arena.readState()
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	return r.partitions.SaveState(rn.store, rn.spec.ResourceName, state)
}

func (r *Runner) saveCheckpoint(rn *run) {
	rn.checkpoint.UpdatedAt = r.now()
	data, err := rn.checkpoint.Encode()
	if err == nil {
		err = r.partitions.SaveCheckpoint(rn.store, rn.spec.ResourceName, data)
	}
	if err != nil {
		rn.logger.Warn().Err(err).Msg("Failed to save checkpoint")
	}
}

// environment is the complete tool environment of a run. Only variables
// listed in PassEnv are taken from the service process.
func (r *Runner) environment(spec engine.RunSpec) []string {
	req := spec.Request
	region := req.Region
	if region == "" {
		region = r.cfg.Region
	}

	env := []string{
		"CLUSTER_NAME=" + req.ResourceName,
		"KUBERNETES_VERSION=" + req.VersionSpec,
		"INSTANCE_TYPE=" + req.SizeClass,
		"IP_FAMILY=" + string(req.NetworkMode),
		"DRY_RUN=" + strconv.FormatBool(spec.Mode == engine.ModeDryRun),
		"AWS_DEFAULT_REGION=" + region,
		"TF_IN_AUTOMATION=1",
		"TF_INPUT=0",
	}
	for _, name := range r.cfg.PassEnv {
		if value, ok := r.lookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	return env
}

// stageError classifies a stage failure. A run that ran out of time or was
// cancelled reports that instead of the stage's own failure code.
func stageError(ctx context.Context, code string, stage engine.Stage, message string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return engine.NewStageError(engine.ErrCodeTimeout, stage, "workflow timed out", err)
	case errors.Is(ctx.Err(), context.Canceled):
		return engine.NewStageError(engine.ErrCodeInterrupted, stage, "workflow interrupted", err)
	}
	return engine.NewStageError(code, stage, message, err)
}

func publicOutputs(outputs map[string]tool.OutputValue) map[string]string {
	public := make(map[string]string, len(outputs))
	for name, out := range outputs {
		if out.Sensitive {
			continue
		}
		public[name] = out.Value
	}
	return public
}

func missingOutputs(public map[string]string, required []string) []string {
	var missing []string
	for _, name := range required {
		if strings.TrimSpace(public[name]) == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func sensitiveOutputs(outputs map[string]tool.OutputValue, names []string) []string {
	var sensitive []string
	for _, name := range names {
		if out, ok := outputs[name]; ok && out.Sensitive {
			sensitive = append(sensitive, name)
		}
	}
	return sensitive
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
