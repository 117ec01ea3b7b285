package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RetentionPolicy decides how long finished records are kept.
type RetentionPolicy struct {
	// DryRunRetention is how long a successful dry-run job is kept after it finished.
	DryRunRetention time.Duration `yaml:"dry_run_retention" json:"dry_run_retention"`
}

// DefaultRetentionPolicy keeps successful dry runs for a day.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{DryRunRetention: 24 * time.Hour}
}

// Expired reports whether job may be reaped at now.
func (p RetentionPolicy) Expired(job *Job, now time.Time) bool {
	if job == nil || job.Mode != ModeDryRun || job.Phase != PhaseSucceeded {
		return false
	}
	finished := job.CreatedAt
	if job.FinishedAt != nil {
		finished = *job.FinishedAt
	}
	return now.Sub(finished) > p.DryRunRetention
}

// ReapReport summarizes one sweep.
type ReapReport struct {
	JobsDeleted       int      `json:"jobs_deleted"`
	PartitionsDeleted int      `json:"partitions_deleted"`
	Skipped           []string `json:"skipped,omitempty"`
}

// Reaper reclaims expired dry-run jobs and the partitions only they used.
// It shares the scheduler's claims, so it never touches a busy resource.
type Reaper struct {
	scheduler *Scheduler
	policy    RetentionPolicy
	logger    zerolog.Logger
}

// NewReaper creates a reaper bound to the scheduler's stores.
func NewReaper(s *Scheduler, policy RetentionPolicy) *Reaper {
	if policy.DryRunRetention <= 0 {
		policy = DefaultRetentionPolicy()
	}
	return &Reaper{
		scheduler: s,
		policy:    policy,
		logger:    s.logger.With().Str("component", "reaper").Logger(),
	}
}

// Sweep runs one reclamation pass.
func (r *Reaper) Sweep(ctx context.Context) (*ReapReport, error) {
	s := r.scheduler
	report := &ReapReport{}

	latest, err := s.jobs.LatestJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	now := s.now().UTC()
	for _, job := range latest {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !r.policy.Expired(job, now) {
			continue
		}

		jobsDeleted, partitionDeleted, err := r.reap(ctx, job.ResourceName, now)
		switch {
		case IsAlreadyInFlight(err):
			report.Skipped = append(report.Skipped, job.ResourceName)
			continue
		case err != nil:
			r.logger.Error().Err(err).Str("resource", job.ResourceName).Msg("Failed to reap resource")
			continue
		}

		report.JobsDeleted += jobsDeleted
		if partitionDeleted {
			report.PartitionsDeleted++
		}
	}

	s.metrics.RecordReaped("job", report.JobsDeleted)
	s.metrics.RecordReaped("partition", report.PartitionsDeleted)
	if report.JobsDeleted > 0 || len(report.Skipped) > 0 {
		r.logger.Info().
			Int("jobs_deleted", report.JobsDeleted).
			Int("partitions_deleted", report.PartitionsDeleted).
			Strs("skipped", report.Skipped).
			Msg("Reaper sweep finished")
	}
	return report, nil
}

// reap removes one expired resource under its claim. Expiry is rechecked
// after claiming because a job may have been submitted since the listing.
func (r *Reaper) reap(ctx context.Context, resourceName string, now time.Time) (int, bool, error) {
	s := r.scheduler
	holder := "reaper-" + uuid.New().String()
	if current, ok := s.claims.acquire(resourceName, holder); !ok {
		return 0, false, NewAlreadyInFlightError(resourceName, current)
	}
	defer s.claims.release(resourceName, holder)

	job, err := s.jobs.LatestJob(ctx, resourceName)
	if errors.Is(err, ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !r.policy.Expired(job, now) {
		return 0, false, nil
	}

	partition, err := s.partitions.GetPartition(ctx, resourceName)
	hasPartition := err == nil
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return 0, false, err
	}

	history, err := s.jobs.ListJobs(ctx, resourceName)
	if err != nil {
		return 0, false, err
	}

	// Only expired dry runs go. Apply, destroy and failed jobs stay with
	// their logs, and so does the partition holding them.
	deleted, remaining := 0, 0
	for _, j := range history {
		if !r.policy.Expired(j, now) {
			remaining++
			continue
		}
		if err := s.jobs.DeleteJob(ctx, j.ID); err != nil {
			return deleted, false, err
		}
		deleted++
		s.recordAudit(ctx, AuditJobReaped, j, nil)
	}

	// The partition stays while it holds state or any job still refers to it.
	if !hasPartition || partition.HasState || remaining > 0 {
		_ = s.events.PublishPartitionReaped(resourceName, false)
		return deleted, false, nil
	}

	if err := s.partitions.DeletePartition(ctx, resourceName); err != nil {
		return deleted, false, err
	}
	s.recordAudit(ctx, AuditReaped, &Job{ResourceName: resourceName}, map[string]interface{}{
		"jobs_deleted": deleted,
	})
	_ = s.events.PublishPartitionReaped(resourceName, true)
	return deleted, true, nil
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("Reaper sweep failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Policy returns the reaper's retention policy.
func (r *Reaper) Policy() RetentionPolicy {
	return r.policy
}
