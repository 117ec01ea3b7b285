package policy

import (
	"time"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are reported but never block a request.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the request.
	SeverityError Severity = "error"

	// SeverityCritical blocks the request.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Operations a request can be admitted for.
const (
	OperationTest      = "test"
	OperationProvision = "provision"
	OperationDestroy   = "destroy"
	OperationCleanup   = "cleanup"
)

// OperationForMode maps a job mode to its admission operation.
func OperationForMode(mode engine.Mode) string {
	switch mode {
	case engine.ModeDryRun:
		return OperationTest
	case engine.ModeDestroy:
		return OperationDestroy
	default:
		return OperationProvision
	}
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the service.
	Builtin bool `json:"builtin"`

	// Source is the file a loaded policy came from.
	Source string `json:"source,omitempty"`
}

// Input is the document policies see as input.
type Input struct {
	// Operation is one of the Operation constants.
	Operation string `json:"operation"`

	// ResourceName is the cluster the operation targets.
	ResourceName string `json:"cluster_name"`

	// Request is the submitted request. Destroy and cleanup carry none.
	Request *engine.ProvisionRequest `json:"request,omitempty"`

	// Force is set for forced cleanups.
	Force bool `json:"force,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// Violation is a single deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Field names the request field at fault, when the policy says.
	Field string `json:"field,omitempty"`
}

// Decision is the outcome of evaluating every enabled policy.
type Decision struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations are blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking findings and policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Messages returns the violation messages prefixed by policy name.
func (d *Decision) Messages() []string {
	out := make([]string, len(d.Violations))
	for i, v := range d.Violations {
		out[i] = v.Policy + ": " + v.Message
	}
	return out
}
