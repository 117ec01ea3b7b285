package engine

import (
	"encoding/json"
	"fmt"
)

// Phase represents the coarse lifecycle status of a job.
type Phase string

const (
	// PhasePending indicates the job is accepted but its runner has not started.
	PhasePending Phase = "Pending"

	// PhaseRunning indicates the runner is executing the job.
	PhaseRunning Phase = "Running"

	// PhaseSucceeded indicates the job completed successfully.
	PhaseSucceeded Phase = "Succeeded"

	// PhaseFailed indicates the job reached a terminal failure.
	PhaseFailed Phase = "Failed"
)

// IsTerminal returns true if the phase represents a final state.
func (p Phase) IsTerminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// IsActive returns true if the job still holds its resource (pending or running).
func (p Phase) IsActive() bool {
	return p == PhasePending || p == PhaseRunning
}

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	switch p {
	case PhasePending, PhaseRunning, PhaseSucceeded, PhaseFailed:
		return nil
	default:
		return fmt.Errorf("invalid job phase: %s", p)
	}
}

// CanTransitionTo reports whether moving from p to next keeps the phase order
// Pending -> Running -> {Succeeded, Failed}. A pending job may fail directly
// when its runner never starts.
func (p Phase) CanTransitionTo(next Phase) bool {
	switch p {
	case PhasePending:
		return next == PhaseRunning || next == PhaseFailed
	case PhaseRunning:
		return next == PhaseSucceeded || next == PhaseFailed
	default:
		return false
	}
}

// ClientStatus maps the phase to the lowercase status reported to API clients.
func (p Phase) ClientStatus() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseRunning:
		return "running"
	case PhaseSucceeded:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(p))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*p = Phase(str)
	return p.Validate()
}

// Mode selects what a job does to its resource.
type Mode string

const (
	// ModeDryRun plans against the working state without applying anything.
	ModeDryRun Mode = "dry_run"

	// ModeApply plans and applies pending changes.
	ModeApply Mode = "apply"

	// ModeDestroy removes workload exposures and destroys the resource.
	ModeDestroy Mode = "destroy"
)

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeDryRun, ModeApply, ModeDestroy:
		return nil
	default:
		return fmt.Errorf("invalid job mode: %s", m)
	}
}

// IsMutating returns true if jobs of this mode may change working state.
func (m Mode) IsMutating() bool {
	return m == ModeApply || m == ModeDestroy
}

// JobPrefix returns the prefix used when naming jobs of this mode.
func (m Mode) JobPrefix() string {
	switch m {
	case ModeDryRun:
		return "test"
	case ModeApply:
		return "provision"
	case ModeDestroy:
		return "destroy"
	default:
		return string(m)
	}
}

// Operation returns the operation label recorded on jobs of this mode.
func (m Mode) Operation() string {
	return m.JobPrefix()
}

// Stage identifies a sub-stage of a workflow run.
type Stage string

const (
	StagePrepare       Stage = "prepare"
	StageInit          Stage = "init"
	StagePlan          Stage = "plan"
	StageApply         Stage = "apply"
	StageOutputs       Stage = "outputs"
	StageLoadBalancers Stage = "lb_cleanup"
	StageSettle        Stage = "settle"
	StageDestroy       Stage = "destroy"
)

// Validate checks if the stage is valid.
func (s Stage) Validate() error {
	switch s {
	case StagePrepare, StageInit, StagePlan, StageApply, StageOutputs,
		StageLoadBalancers, StageSettle, StageDestroy:
		return nil
	default:
		return fmt.Errorf("invalid stage: %s", s)
	}
}

// PlanOutcomeKind is the classification of a plan stage result.
type PlanOutcomeKind string

const (
	// PlanNoOp means working state already matches the configuration.
	PlanNoOp PlanOutcomeKind = "NoOp"

	// PlanChangesPending means the plan contains changes to apply.
	PlanChangesPending PlanOutcomeKind = "ChangesPending"

	// PlanFailed means the tool could not compute a plan.
	PlanFailed PlanOutcomeKind = "Error"
)

// Validate checks if the plan outcome kind is valid.
func (k PlanOutcomeKind) Validate() error {
	switch k {
	case PlanNoOp, PlanChangesPending, PlanFailed:
		return nil
	default:
		return fmt.Errorf("invalid plan outcome: %s", k)
	}
}
