package engine

import (
	"bytes"
	"fmt"
	"time"
)

// NetworkMode selects the IP family of the provisioned cluster.
type NetworkMode string

const (
	NetworkIPv4 NetworkMode = "ipv4"
	NetworkIPv6 NetworkMode = "ipv6"
)

// ProvisionRequest is an accepted cluster-configuration request.
// It is immutable once a job has been created from it.
type ProvisionRequest struct {
	// ResourceName is the DNS-safe cluster name and the key of every job and partition.
	ResourceName string `json:"cluster_name"`

	// VersionSpec is the Kubernetes version to provision.
	VersionSpec string `json:"kubernetes_version"`

	// SizeClass is the node instance type.
	SizeClass string `json:"instance_type"`

	// NetworkMode is the cluster IP family.
	NetworkMode NetworkMode `json:"ip_family"`

	// Mode is dry_run or apply for submitted requests, destroy for teardown.
	Mode Mode `json:"mode"`

	// Region is filled in by the service, never by the client.
	Region string `json:"region,omitempty"`
}

// Validate performs the structural checks the scheduler relies on.
// Field syntax is checked at the gateway before a request gets here.
func (r ProvisionRequest) Validate() error {
	if r.ResourceName == "" {
		return fmt.Errorf("resource name is required")
	}
	if err := r.Mode.Validate(); err != nil {
		return err
	}
	return nil
}

// JobID returns the deterministic job name for a mode and resource.
func JobID(mode Mode, resourceName string) string {
	return mode.JobPrefix() + "-" + resourceName
}

// Job is a uniquely named unit of work bound to one resource.
type Job struct {
	// ID is derived from the mode and resource name (see JobID).
	ID string `json:"job_id"`

	// ResourceName is the resource this job operates on.
	ResourceName string `json:"resource_name"`

	// Mode is what the job does.
	Mode Mode `json:"mode"`

	// Phase is the current lifecycle phase.
	Phase Phase `json:"phase"`

	// Stage is the workflow stage the runner last entered.
	Stage Stage `json:"stage,omitempty"`

	// Request is the request the job was created from.
	Request ProvisionRequest `json:"request"`

	// Labels identify the job the same way across stores and logs.
	Labels map[string]string `json:"labels,omitempty"`

	// Attempt counts submissions under this job name.
	Attempt int `json:"attempt"`

	// CreatedAt is when the job was accepted.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the runner picked the job up.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt is when the job reached a terminal phase.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Result is set once the job is terminal.
	Result *TerminalResult `json:"result_summary,omitempty"`
}

// JobLabels returns the labels recorded on every job.
func JobLabels(mode Mode, resourceName string) map[string]string {
	return map[string]string{
		"app":       "cluster-provisioner",
		"cluster":   resourceName,
		"operation": mode.Operation(),
	}
}

// PlanOutcome is the typed result of the plan stage.
type PlanOutcome struct {
	Kind     PlanOutcomeKind `json:"kind"`
	ExitCode int             `json:"exit_code"`
	Stderr   string          `json:"stderr,omitempty"`
}

// NoOpOutcome returns a plan outcome for an unchanged configuration.
func NoOpOutcome() PlanOutcome {
	return PlanOutcome{Kind: PlanNoOp, ExitCode: 0}
}

// ChangesPendingOutcome returns a plan outcome with pending changes.
func ChangesPendingOutcome(exitCode int) PlanOutcome {
	return PlanOutcome{Kind: PlanChangesPending, ExitCode: exitCode}
}

// ErrorOutcome returns a plan outcome for a failed plan.
func ErrorOutcome(exitCode int, stderr string) PlanOutcome {
	return PlanOutcome{Kind: PlanFailed, ExitCode: exitCode, Stderr: stderr}
}

// String renders the outcome for logs.
func (o PlanOutcome) String() string {
	if o.Kind == PlanFailed {
		return fmt.Sprintf("%s(exit=%d)", o.Kind, o.ExitCode)
	}
	return string(o.Kind)
}

// TerminalResult is what a workflow run reports when it ends.
type TerminalResult struct {
	// Phase is Succeeded or Failed.
	Phase Phase `json:"phase"`

	// Stage is the last stage entered; for failures, the stage that failed.
	Stage Stage `json:"stage,omitempty"`

	// PlanOutcome is present whenever the plan stage ran or was resumed.
	PlanOutcome *PlanOutcome `json:"plan_outcome,omitempty"`

	// Outputs holds the non-sensitive outputs read after apply.
	Outputs map[string]string `json:"outputs,omitempty"`

	// SkippedStages lists stages a resumed run did not need to repeat.
	SkippedStages []Stage `json:"skipped_stages,omitempty"`

	// LoadBalancersRemoved counts workload exposures removed before destroy.
	LoadBalancersRemoved int `json:"load_balancers_removed,omitempty"`

	// ErrorCode and ErrorMessage describe a failure.
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// DurationSeconds is the wall-clock runtime of the run.
	DurationSeconds float64 `json:"duration_seconds"`
}

// Succeeded returns true if the run finished without error.
func (r *TerminalResult) Succeeded() bool {
	return r != nil && r.Phase == PhaseSucceeded
}

// Output returns a named output or the empty string.
func (r *TerminalResult) Output(key string) string {
	if r == nil || r.Outputs == nil {
		return ""
	}
	return r.Outputs[key]
}

// FailedResult builds a failed result from an error raised in stage.
func FailedResult(stage Stage, err error) TerminalResult {
	result := TerminalResult{Phase: PhaseFailed, Stage: stage}
	if pe, ok := AsProvisionError(err); ok {
		result.ErrorCode = pe.Code
		result.ErrorMessage = pe.Error()
		return result
	}
	result.ErrorCode = ErrCodeInternal
	if err != nil {
		result.ErrorMessage = err.Error()
	}
	return result
}

// Partition describes the stored state partition of one resource.
type Partition struct {
	ResourceName string    `json:"resource_name"`
	HasState     bool      `json:"has_state"`
	StateSize    int64     `json:"state_size"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LogEntry is one stage-tagged chunk of tool output.
type LogEntry struct {
	Seq          int64     `json:"seq"`
	ResourceName string    `json:"resource_name"`
	JobID        string    `json:"job_id"`
	Stage        Stage     `json:"stage"`
	Content      []byte    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditEntry records an operator-visible action.
type AuditEntry struct {
	ID           string                 `json:"id"`
	Action       string                 `json:"action"`
	Actor        string                 `json:"actor"`
	ResourceName string                 `json:"resource_name"`
	JobID        string                 `json:"job_id,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Audit actions.
const (
	AuditJobSubmitted = "job.submitted"
	AuditTeardown     = "job.teardown"
	AuditCleanup      = "partition.cleanup"
	AuditReaped       = "partition.reaped"
	AuditJobReaped    = "job.reaped"
	AuditInterrupted  = "job.interrupted"
)

// CleanupReport summarises what an explicit cleanup removed.
type CleanupReport struct {
	ResourceName     string `json:"cluster_name"`
	JobsDeleted      int64  `json:"jobs_deleted"`
	PartitionDeleted bool   `json:"partition_deleted"`
	Forced           bool   `json:"forced"`
}

// TailLogs keeps the last n lines across entries, trimming the oldest kept
// entry when it straddles the cut. n <= 0 keeps everything.
func TailLogs(entries []*LogEntry, n int) []*LogEntry {
	if n <= 0 {
		return entries
	}

	remaining := n
	start := len(entries)
	var partial *LogEntry
	for i := len(entries) - 1; i >= 0 && remaining > 0; i-- {
		content := bytes.TrimSuffix(entries[i].Content, []byte("\n"))
		lines := bytes.Count(content, []byte("\n")) + 1
		if len(content) == 0 {
			lines = 0
		}
		start = i
		if lines <= remaining {
			remaining -= lines
			continue
		}

		// Keep only the last remaining lines of this entry.
		parts := bytes.Split(content, []byte("\n"))
		trimmed := *entries[i]
		trimmed.Content = append(bytes.Join(parts[len(parts)-remaining:], []byte("\n")), '\n')
		partial = &trimmed
		remaining = 0
	}

	out := make([]*LogEntry, 0, len(entries)-start)
	for i := start; i < len(entries); i++ {
		if i == start && partial != nil {
			out = append(out, partial)
			continue
		}
		out = append(out, entries[i])
	}
	return out
}
