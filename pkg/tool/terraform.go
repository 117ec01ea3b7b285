package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// PlanFile is the saved plan written by Plan and consumed by Apply.
const PlanFile = "tfplan"

// Plan exit codes under -detailed-exitcode.
const (
	planExitNoChanges = 0
	planExitChanges   = 2
)

// Invocation carries what every subcommand needs besides its arguments.
type Invocation struct {
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// ExitError reports a subcommand that exited non-zero.
type ExitError struct {
	Subcommand string
	Code       int
	Stderr     string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Subcommand, e.Code)
	if line := errorSummary(e.Stderr); line != "" {
		msg += ": " + line
	}
	return msg
}

// IsStalePlan reports whether err is an apply rejected because the saved
// plan no longer matches the working state.
func IsStalePlan(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && strings.Contains(exitErr.Stderr, "Saved plan is stale")
}

// OutputValue is one root module output.
type OutputValue struct {
	// Value is the output rendered as a string. Non-string values are JSON.
	Value     string
	Sensitive bool
}

// Terraform drives a Terraform-compatible binary (terraform or tofu).
type Terraform struct {
	binary string
	exec   Executor
}

// NewTerraform wraps binary, running it through exec.
func NewTerraform(binary string, exec Executor) *Terraform {
	return &Terraform{binary: binary, exec: exec}
}

// Binary returns the configured binary name.
func (t *Terraform) Binary() string {
	return t.binary
}

// Init prepares the working directory.
func (t *Terraform) Init(ctx context.Context, inv Invocation) error {
	result, err := t.run(ctx, inv, "init", "-input=false", "-no-color")
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return &ExitError{Subcommand: "init", Code: result.ExitCode, Stderr: result.Stderr}
	}
	return nil
}

// Plan computes a plan into PlanFile and classifies the exit code. The error
// is only set when the process could not run to completion.
func (t *Terraform) Plan(ctx context.Context, inv Invocation, destroy bool) (engine.PlanOutcome, error) {
	args := []string{"plan", "-input=false", "-no-color", "-detailed-exitcode", "-out=" + PlanFile}
	if destroy {
		args = append(args, "-destroy")
	}

	result, err := t.run(ctx, inv, args...)
	if err != nil {
		return engine.PlanOutcome{}, err
	}
	return ClassifyPlanExit(result.ExitCode, result.Stderr), nil
}

// ClassifyPlanExit maps a -detailed-exitcode status to a plan outcome.
// Exit 1 is always an error, even though some tool versions use it for
// plans that are merely empty after a refresh.
func ClassifyPlanExit(code int, stderr string) engine.PlanOutcome {
	switch code {
	case planExitNoChanges:
		return engine.NoOpOutcome()
	case planExitChanges:
		return engine.ChangesPendingOutcome(code)
	default:
		return engine.ErrorOutcome(code, strings.TrimSpace(stderr))
	}
}

// Apply applies the saved plan.
func (t *Terraform) Apply(ctx context.Context, inv Invocation) error {
	result, err := t.run(ctx, inv, "apply", "-input=false", "-no-color", PlanFile)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return &ExitError{Subcommand: "apply", Code: result.ExitCode, Stderr: result.Stderr}
	}
	return nil
}

// Outputs reads the root module outputs. Their values never reach the
// invocation's Stdout, which usually feeds the job log.
func (t *Terraform) Outputs(ctx context.Context, inv Invocation) (map[string]OutputValue, error) {
	var stdout bytes.Buffer
	inv.Stdout = &stdout

	result, err := t.run(ctx, inv, "output", "-json", "-no-color")
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, &ExitError{Subcommand: "output", Code: result.ExitCode, Stderr: result.Stderr}
	}

	return ParseOutputs(stdout.Bytes())
}

// ParseOutputs decodes `output -json`.
func ParseOutputs(data []byte) (map[string]OutputValue, error) {
	var raw map[string]struct {
		Sensitive bool            `json:"sensitive"`
		Value     json.RawMessage `json:"value"`
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]OutputValue{}, nil
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode outputs: %w", err)
	}

	outputs := make(map[string]OutputValue, len(raw))
	for name, out := range raw {
		// Strings and null decode directly; anything else stays JSON.
		value := string(out.Value)
		var s string
		if err := json.Unmarshal(out.Value, &s); err == nil {
			value = s
		}
		outputs[name] = OutputValue{Value: value, Sensitive: out.Sensitive}
	}

	return outputs, nil
}

func (t *Terraform) run(ctx context.Context, inv Invocation, args ...string) (Result, error) {
	return t.exec.Execute(ctx, Command{
		Dir:    inv.Dir,
		Args:   append([]string{t.binary}, args...),
		Env:    inv.Env,
		Stdout: inv.Stdout,
		Stderr: inv.Stderr,
	})
}

// errorSummary picks the most useful line of tool stderr: the first
// "Error:" line if there is one, otherwise the last non-empty line.
func errorSummary(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Error:") {
			return line
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
