package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// Checkpoint records how far the last attempt of a resource got so a retry
// of the same configuration can resume instead of starting over.
type Checkpoint struct {
	// ConfigHash identifies the rendered configuration and template.
	ConfigHash string `json:"config_hash"`

	// Mode is the mode of the attempt that wrote the checkpoint.
	Mode engine.Mode `json:"mode"`

	// JobID is the job that wrote the checkpoint.
	JobID string `json:"job_id,omitempty"`

	// Initialized is set once init completed for ConfigHash.
	Initialized bool `json:"initialized"`

	// Plan is the saved plan file awaiting apply.
	Plan []byte `json:"plan,omitempty"`

	// PlanOutcome is the outcome that produced Plan.
	PlanOutcome *engine.PlanOutcome `json:"plan_outcome,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DecodeCheckpoint parses a stored checkpoint. Nil data yields nil.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &cp, nil
}

// Encode serializes the checkpoint.
func (c *Checkpoint) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return data, nil
}

// resume returns the checkpoint an attempt for configHash and mode starts
// from. Progress recorded for another configuration is dropped, and a
// saved plan is only kept for the mode that produced it.
func resume(prev *Checkpoint, configHash string, mode engine.Mode) *Checkpoint {
	next := &Checkpoint{ConfigHash: configHash, Mode: mode}
	if prev == nil || prev.ConfigHash != configHash {
		return next
	}

	next.Initialized = prev.Initialized
	if prev.Mode == mode && prev.hasPlan() {
		next.Plan = prev.Plan
		outcome := *prev.PlanOutcome
		next.PlanOutcome = &outcome
	}
	return next
}

// hasPlan reports whether a saved plan is waiting to be applied.
func (c *Checkpoint) hasPlan() bool {
	return c != nil && len(c.Plan) > 0 &&
		c.PlanOutcome != nil && c.PlanOutcome.Kind == engine.PlanChangesPending
}

func (c *Checkpoint) savePlan(plan []byte, outcome engine.PlanOutcome) {
	c.Plan = plan
	c.PlanOutcome = &outcome
}

func (c *Checkpoint) discardPlan() {
	c.Plan = nil
	c.PlanOutcome = nil
}
