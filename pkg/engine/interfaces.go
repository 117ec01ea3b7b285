package engine

import (
	"context"
	"time"
)

// JobStore persists job records. Implementations must enforce that a
// resource has at most one job in Pending or Running, returning an error
// wrapping ErrActiveJobExists from CreateJob when it already has one.
type JobStore interface {
	// CreateJob inserts a pending job, replacing a terminal job of the same ID.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob returns a job by ID or an error wrapping ErrRecordNotFound.
	GetJob(ctx context.Context, id string) (*Job, error)

	// LatestJob returns the most recently created job of a resource.
	LatestJob(ctx context.Context, resourceName string) (*Job, error)

	// ListJobs returns every job of a resource, newest first.
	ListJobs(ctx context.Context, resourceName string) ([]*Job, error)

	// LatestJobs returns the most recent job of every resource.
	LatestJobs(ctx context.Context) ([]*Job, error)

	// ActiveJobs returns all jobs in Pending or Running.
	ActiveJobs(ctx context.Context) ([]*Job, error)

	// MarkRunning moves a pending job to Running.
	MarkRunning(ctx context.Context, id string, startedAt time.Time) error

	// UpdateStage records the stage a running job entered.
	UpdateStage(ctx context.Context, id string, stage Stage) error

	// FinishJob moves an active job to the result's terminal phase.
	// It returns an error wrapping ErrInvalidTransition for terminal jobs.
	FinishJob(ctx context.Context, id string, result TerminalResult, finishedAt time.Time) error

	// DeleteJob removes a single job record.
	DeleteJob(ctx context.Context, id string) error

	// DeleteJobs removes all job records of a resource.
	DeleteJobs(ctx context.Context, resourceName string) (int64, error)
}

// PartitionStore persists per-resource working state, checkpoints and logs.
type PartitionStore interface {
	// EnsurePartition creates the partition if missing and reports whether it did.
	EnsurePartition(ctx context.Context, resourceName string) (bool, error)

	// GetPartition returns partition metadata or an error wrapping ErrRecordNotFound.
	GetPartition(ctx context.Context, resourceName string) (*Partition, error)

	// ListPartitions returns metadata for every partition.
	ListPartitions(ctx context.Context) ([]*Partition, error)

	// LoadState returns the working state, or nil when none was saved.
	LoadState(ctx context.Context, resourceName string) ([]byte, error)

	// SaveState replaces the working state.
	SaveState(ctx context.Context, resourceName string, state []byte) error

	// LoadCheckpoint returns the stage checkpoint, or nil when none was saved.
	LoadCheckpoint(ctx context.Context, resourceName string) ([]byte, error)

	// SaveCheckpoint replaces the checkpoint. A nil checkpoint clears it.
	SaveCheckpoint(ctx context.Context, resourceName string, data []byte) error

	// AppendLog appends a stage-tagged log entry.
	AppendLog(ctx context.Context, entry *LogEntry) error

	// ReadLogs returns every log entry of a resource in append order.
	ReadLogs(ctx context.Context, resourceName string) ([]*LogEntry, error)

	// DeletePartition removes the partition with its state, checkpoint and logs.
	DeletePartition(ctx context.Context, resourceName string) error
}

// AuditLog records operator-visible actions.
type AuditLog interface {
	RecordAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, resourceName string, limit int) ([]*AuditEntry, error)
}

// RunSpec is everything a runner needs for one attempt.
type RunSpec struct {
	JobID          string
	ResourceName   string
	Mode           Mode
	Request        ProvisionRequest
	RenderedConfig []byte
	Attempt        int

	// Progress is called whenever the run enters a stage. It may be nil.
	Progress func(stage Stage)
}

// Runner executes one workflow attempt. Run never returns execution errors;
// failures are reported in the result.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) TerminalResult
}

// Renderer turns a request into the configuration payload the tool consumes.
type Renderer interface {
	Render(ctx context.Context, req ProvisionRequest) ([]byte, error)
}
