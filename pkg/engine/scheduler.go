package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/telemetry"
)

// SchedulerConfig wires the scheduler to its stores, runner and telemetry.
type SchedulerConfig struct {
	Jobs       JobStore
	Partitions PartitionStore
	Audit      AuditLog
	Runner     Runner
	Renderer   Renderer

	// Region is stamped on requests that do not carry one.
	Region string

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
	Tracer  *telemetry.Tracer

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Scheduler accepts requests, turns them into jobs and dispatches each job
// to a runner on its own goroutine. It is the only place that decides
// whether a resource may start a new job.
type Scheduler struct {
	jobs       JobStore
	partitions PartitionStore
	audit      AuditLog
	runner     Runner
	renderer   Renderer
	region     string

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	tracer  *telemetry.Tracer
	now     func() time.Time

	// claims holds one entry per resource with a job or maintenance action in progress
	claims *claimSet

	wg      sync.WaitGroup
	closing atomic.Bool
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Jobs == nil || cfg.Partitions == nil {
		return nil, fmt.Errorf("job and partition stores are required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.NoopTracer()
	}

	return &Scheduler{
		jobs:       cfg.Jobs,
		partitions: cfg.Partitions,
		audit:      cfg.Audit,
		runner:     cfg.Runner,
		renderer:   cfg.Renderer,
		region:     cfg.Region,
		logger:     cfg.Logger.With().Str("component", "scheduler").Logger(),
		metrics:    cfg.Metrics,
		events:     cfg.Events,
		tracer:     cfg.Tracer,
		now:        cfg.Now,
		claims:     newClaimSet(),
	}, nil
}

// Submit accepts a dry_run or apply request. It returns as soon as the job
// is recorded as Pending; the workflow runs in the background.
func (s *Scheduler) Submit(ctx context.Context, req ProvisionRequest) (*Job, error) {
	if req.Mode != ModeDryRun && req.Mode != ModeApply {
		return nil, NewValidationError(fmt.Sprintf("mode must be %s or %s", ModeDryRun, ModeApply), nil).
			WithResource(req.ResourceName)
	}
	return s.submit(ctx, req, AuditJobSubmitted)
}

// Teardown submits a destroy job for a resource that has working state.
// A busy resource is reported as in flight before its state is looked at,
// since a first apply has not written any yet.
func (s *Scheduler) Teardown(ctx context.Context, resourceName string) (*Job, error) {
	if holder, busy := s.claims.holder(resourceName); busy {
		s.metrics.RecordJobRejected(string(ModeDestroy), ErrCodeAlreadyInFlight)
		return nil, NewAlreadyInFlightError(resourceName, holder)
	}
	if active := s.activeJobID(ctx, resourceName); active != "" {
		s.metrics.RecordJobRejected(string(ModeDestroy), ErrCodeAlreadyInFlight)
		return nil, NewAlreadyInFlightError(resourceName, active)
	}

	partition, err := s.partitions.GetPartition(ctx, resourceName)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, NewNotFoundError(resourceName, "no state partition exists for resource")
	}
	if err != nil {
		return nil, NewInternalError("failed to read partition", err).WithResource(resourceName)
	}
	if !partition.HasState {
		return nil, NewNotFoundError(resourceName, "resource has no working state to destroy")
	}

	// Destroy renders the same configuration the resource was provisioned with.
	provision, err := s.jobs.GetJob(ctx, JobID(ModeApply, resourceName))
	if errors.Is(err, ErrRecordNotFound) {
		return nil, NewNotFoundError(resourceName, "no provisioning record exists for resource")
	}
	if err != nil {
		return nil, NewInternalError("failed to read provisioning job", err).WithResource(resourceName)
	}

	req := provision.Request
	req.Mode = ModeDestroy
	return s.submit(ctx, req, AuditTeardown)
}

func (s *Scheduler) submit(ctx context.Context, req ProvisionRequest, action string) (*Job, error) {
	if s.closing.Load() {
		return nil, NewInternalError("scheduler is not accepting jobs", ErrSchedulerShutdown)
	}
	if err := req.Validate(); err != nil {
		return nil, NewValidationError("invalid request", err).WithResource(req.ResourceName)
	}
	if req.Region == "" {
		req.Region = s.region
	}

	jobID := JobID(req.Mode, req.ResourceName)
	log := s.logger.With().Str("resource", req.ResourceName).Str("job_id", jobID).Logger()

	holder, ok := s.claims.acquire(req.ResourceName, jobID)
	if !ok {
		s.metrics.RecordJobRejected(string(req.Mode), ErrCodeAlreadyInFlight)
		log.Info().Str("holder", holder).Msg("Rejected submission, resource busy")
		return nil, NewAlreadyInFlightError(req.ResourceName, holder)
	}
	dispatched := false
	defer func() {
		if !dispatched {
			s.claims.release(req.ResourceName, jobID)
		}
	}()

	rendered, err := s.renderer.Render(ctx, req)
	if err != nil {
		s.metrics.RecordJobRejected(string(req.Mode), ErrCodeValidation)
		if pe, ok := AsProvisionError(err); ok {
			return nil, pe.WithResource(req.ResourceName)
		}
		return nil, NewValidationError("failed to render configuration", err).WithResource(req.ResourceName)
	}

	if _, err := s.partitions.EnsurePartition(ctx, req.ResourceName); err != nil {
		return nil, NewInternalError("failed to create state partition", err).WithResource(req.ResourceName)
	}

	attempt := 1
	if previous, err := s.jobs.GetJob(ctx, jobID); err == nil {
		attempt = previous.Attempt + 1
	}

	job := &Job{
		ID:           jobID,
		ResourceName: req.ResourceName,
		Mode:         req.Mode,
		Phase:        PhasePending,
		Request:      req,
		Labels:       JobLabels(req.Mode, req.ResourceName),
		Attempt:      attempt,
		CreatedAt:    s.now().UTC(),
	}

	if err := s.jobs.CreateJob(ctx, job); err != nil {
		if errors.Is(err, ErrActiveJobExists) {
			// Another process sharing the store holds the resource.
			active := s.activeJobID(ctx, req.ResourceName)
			s.metrics.RecordJobRejected(string(req.Mode), ErrCodeAlreadyInFlight)
			return nil, NewAlreadyInFlightError(req.ResourceName, active)
		}
		return nil, NewInternalError("failed to create job", err).WithResource(req.ResourceName)
	}

	s.recordAudit(ctx, action, job, map[string]interface{}{
		"mode":    string(job.Mode),
		"attempt": job.Attempt,
	})
	s.metrics.RecordJobSubmitted(string(job.Mode))
	_ = s.events.PublishJobSubmitted(job.ID, job.ResourceName, string(job.Mode))
	log.Info().Str("mode", string(job.Mode)).Int("attempt", job.Attempt).Msg("Job submitted")

	spec := RunSpec{
		JobID:          job.ID,
		ResourceName:   job.ResourceName,
		Mode:           job.Mode,
		Request:        req,
		RenderedConfig: rendered,
		Attempt:        job.Attempt,
	}

	dispatched = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.claims.release(req.ResourceName, jobID)
		// The job outlives the request that created it.
		s.execute(context.Background(), spec, job.CreatedAt)
	}()

	snapshot := *job
	return &snapshot, nil
}

// execute runs one job to completion and records its terminal phase.
func (s *Scheduler) execute(ctx context.Context, spec RunSpec, createdAt time.Time) {
	log := s.logger.With().Str("resource", spec.ResourceName).Str("job_id", spec.JobID).Logger()

	ctx, span := s.tracer.StartJobSpan(ctx, spec.JobID, spec.ResourceName, string(spec.Mode))
	defer span.End()
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		log = log.With().Str("trace_id", traceID).Logger()
	}

	started := s.now().UTC()
	if err := s.jobs.MarkRunning(ctx, spec.JobID, started); err != nil {
		log.Error().Err(err).Msg("Failed to mark job running")
		result := FailedResult(StagePrepare, NewInternalError("failed to start job", err))
		s.finish(ctx, spec, result, createdAt, log)
		return
	}
	_ = s.events.PublishJobStarted(spec.JobID, spec.ResourceName)
	log.Info().Msg("Job running")

	spec.Progress = func(stage Stage) {
		if err := s.jobs.UpdateStage(ctx, spec.JobID, stage); err != nil {
			log.Warn().Err(err).Str("stage", string(stage)).Msg("Failed to record stage")
		}
		_ = s.events.PublishStageStarted(spec.JobID, spec.ResourceName, string(stage))
	}

	result := s.runSafely(ctx, spec)
	if result.Succeeded() {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, &ProvisionError{
			Class:   ErrorClassExecution,
			Code:    result.ErrorCode,
			Message: result.ErrorMessage,
			Stage:   result.Stage,
		})
	}
	s.finish(ctx, spec, result, createdAt, log)
}

func (s *Scheduler) runSafely(ctx context.Context, spec RunSpec) (result TerminalResult) {
	defer func() {
		if r := recover(); r != nil {
			result = FailedResult(StagePrepare, NewInternalError("runner panicked", fmt.Errorf("%v", r)))
		}
	}()

	result = s.runner.Run(ctx, spec)
	if !result.Phase.IsTerminal() {
		if result.ErrorCode == "" {
			result.Phase = PhaseSucceeded
		} else {
			result.Phase = PhaseFailed
		}
	}
	return result
}

func (s *Scheduler) finish(ctx context.Context, spec RunSpec, result TerminalResult, createdAt time.Time, log zerolog.Logger) {
	finished := s.now().UTC()
	if err := s.jobs.FinishJob(ctx, spec.JobID, result, finished); err != nil {
		log.Error().Err(err).Msg("Failed to record job result")
	}

	duration := finished.Sub(createdAt)
	s.metrics.RecordJobCompleted(string(spec.Mode), string(result.Phase), result.ErrorCode, duration)
	_ = s.events.PublishJobFinished(spec.JobID, spec.ResourceName, result.Succeeded(), result.ErrorCode, duration)

	if result.Succeeded() {
		log.Info().Dur("duration", duration).Msg("Job succeeded")
		return
	}
	log.Error().
		Str("code", result.ErrorCode).
		Str("stage", string(result.Stage)).
		Str("error", result.ErrorMessage).
		Msg("Job failed")
}

// Status returns the most recent job of a resource.
func (s *Scheduler) Status(ctx context.Context, resourceName string) (*Job, error) {
	job, err := s.jobs.LatestJob(ctx, resourceName)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, NewNotFoundError(resourceName, "no jobs found for resource")
	}
	if err != nil {
		return nil, NewInternalError("failed to read job", err).WithResource(resourceName)
	}
	return job, nil
}

// Job returns a job by its ID.
func (s *Scheduler) Job(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, NewNotFoundError("", fmt.Sprintf("job %s not found", jobID))
	}
	if err != nil {
		return nil, NewInternalError("failed to read job", err)
	}
	return job, nil
}

// Logs returns the stage-tagged logs of a resource, limited to the last
// tail lines when tail is positive.
func (s *Scheduler) Logs(ctx context.Context, resourceName string, tail int) ([]*LogEntry, error) {
	if _, err := s.partitions.GetPartition(ctx, resourceName); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, NewNotFoundError(resourceName, "no state partition exists for resource")
		}
		return nil, NewInternalError("failed to read partition", err).WithResource(resourceName)
	}

	entries, err := s.partitions.ReadLogs(ctx, resourceName)
	if err != nil {
		return nil, NewInternalError("failed to read logs", err).WithResource(resourceName)
	}
	return TailLogs(entries, tail), nil
}

// List returns the most recent job of every resource.
func (s *Scheduler) List(ctx context.Context) ([]*Job, error) {
	jobs, err := s.jobs.LatestJobs(ctx)
	if err != nil {
		return nil, NewInternalError("failed to list jobs", err)
	}
	return jobs, nil
}

// AuditTrail returns recorded actions, optionally for one resource.
func (s *Scheduler) AuditTrail(ctx context.Context, resourceName string, limit int) ([]*AuditEntry, error) {
	if s.audit == nil {
		return []*AuditEntry{}, nil
	}
	entries, err := s.audit.ListAudit(ctx, resourceName, limit)
	if err != nil {
		return nil, NewInternalError("failed to read audit trail", err)
	}
	return entries, nil
}

// Cleanup removes the partition and job records of a resource. Unless force
// is set, a resource whose working state was not destroyed is refused.
func (s *Scheduler) Cleanup(ctx context.Context, resourceName string, force bool) (*CleanupReport, error) {
	holder := "cleanup-" + resourceName
	if current, ok := s.claims.acquire(resourceName, holder); !ok {
		return nil, NewAlreadyInFlightError(resourceName, current)
	}
	defer s.claims.release(resourceName, holder)

	if active := s.activeJobID(ctx, resourceName); active != "" {
		return nil, NewAlreadyInFlightError(resourceName, active)
	}

	partition, err := s.partitions.GetPartition(ctx, resourceName)
	hasPartition := err == nil
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, NewInternalError("failed to read partition", err).WithResource(resourceName)
	}

	jobs, err := s.jobs.ListJobs(ctx, resourceName)
	if err != nil {
		return nil, NewInternalError("failed to list jobs", err).WithResource(resourceName)
	}
	if !hasPartition && len(jobs) == 0 {
		return nil, NewNotFoundError(resourceName, "nothing to clean up for resource")
	}

	if hasPartition && partition.HasState && !force && !destroyedAfterLastApply(jobs) {
		return nil, NewStateNotDestroyedError(resourceName)
	}

	report := &CleanupReport{ResourceName: resourceName, Forced: force}
	if hasPartition {
		if err := s.partitions.DeletePartition(ctx, resourceName); err != nil {
			return nil, NewInternalError("failed to delete partition", err).WithResource(resourceName)
		}
		report.PartitionDeleted = true
	}
	deleted, err := s.jobs.DeleteJobs(ctx, resourceName)
	if err != nil {
		return nil, NewInternalError("failed to delete jobs", err).WithResource(resourceName)
	}
	report.JobsDeleted = deleted

	s.recordAudit(ctx, AuditCleanup, &Job{ResourceName: resourceName}, map[string]interface{}{
		"forced":       force,
		"jobs_deleted": deleted,
	})
	_ = s.events.PublishPartitionCleaned(resourceName, force)
	s.logger.Info().
		Str("resource", resourceName).
		Bool("forced", force).
		Int64("jobs_deleted", deleted).
		Msg("Cleaned up resource")

	return report, nil
}

// destroyedAfterLastApply reports whether the most recent mutating job is a
// successful destroy. jobs must be ordered newest first.
func destroyedAfterLastApply(jobs []*Job) bool {
	for _, job := range jobs {
		if !job.Mode.IsMutating() {
			continue
		}
		return job.Mode == ModeDestroy && job.Phase == PhaseSucceeded
	}
	return false
}

// Recover fails every job a previous process left Pending or Running.
// It must run before the scheduler accepts work.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	active, err := s.jobs.ActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active jobs: %w", err)
	}

	recovered := 0
	for _, job := range active {
		if _, held := s.claims.holder(job.ResourceName); held {
			continue
		}
		result := TerminalResult{
			Phase:        PhaseFailed,
			Stage:        job.Stage,
			ErrorCode:    ErrCodeInterrupted,
			ErrorMessage: "job was still active when the service restarted",
		}
		if err := s.jobs.FinishJob(ctx, job.ID, result, s.now().UTC()); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return recovered, fmt.Errorf("failed to fail interrupted job %s: %w", job.ID, err)
		}
		recovered++
		s.recordAudit(ctx, AuditInterrupted, job, nil)
		_ = s.events.PublishJobInterrupted(job.ID, job.ResourceName)
		s.logger.Warn().
			Str("resource", job.ResourceName).
			Str("job_id", job.ID).
			Str("stage", string(job.Stage)).
			Msg("Marked interrupted job as failed")
	}
	return recovered, nil
}

// Shutdown stops accepting jobs and waits for running jobs until ctx ends.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.closing.Store(true)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobs still running at shutdown: %w", ctx.Err())
	}
}

// Wait blocks until every dispatched job has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// activeJobID returns the ID of the resource's non-terminal job, if any.
func (s *Scheduler) activeJobID(ctx context.Context, resourceName string) string {
	jobs, err := s.jobs.ListJobs(ctx, resourceName)
	if err != nil {
		return ""
	}
	for _, job := range jobs {
		if job.Phase.IsActive() {
			return job.ID
		}
	}
	return ""
}

func (s *Scheduler) recordAudit(ctx context.Context, action string, job *Job, details map[string]interface{}) {
	if s.audit == nil {
		return
	}
	entry := &AuditEntry{
		ID:           uuid.New().String(),
		Action:       action,
		Actor:        ActorFromContext(ctx),
		ResourceName: job.ResourceName,
		JobID:        job.ID,
		Details:      details,
		Timestamp:    s.now().UTC(),
	}
	if err := s.audit.RecordAudit(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("Failed to record audit entry")
	}
}

type actorContextKey struct{}

// ContextWithActor attaches the identity recorded in audit entries.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the actor attached to ctx, or "system".
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorContextKey{}).(string); ok && actor != "" {
		return actor
	}
	return "system"
}
