package runner

import "context"

// Backend is the external task-execution contract. Implementations call the
// reasoning service and perform the actual actions; the runner only drives
// their lifecycle. A backend call, once issued, runs to completion — there is
// no hard-cancellation primitive, and the runner never relies on the context
// being honored.
type Backend interface {
	// Name returns the backend identifier (e.g. "operator").
	Name() string

	// Execute runs one task to completion, streaming progress through the
	// callbacks in opts. It returns the terminal result or a transport-level
	// error.
	Execute(ctx context.Context, opts ExecuteOptions) (*Result, error)
}

// StepStatus classifies a step's outcome.
type StepStatus string

const (
	// StepOK marks a step that completed normally.
	StepOK StepStatus = "ok"
	// StepWarn marks a step that completed with a caveat.
	StepWarn StepStatus = "warn"
	// StepFail marks a failed step.
	StepFail StepStatus = "fail"
)

// ExecuteOptions carries everything a backend needs for one task.
type ExecuteOptions struct {
	// Credential authenticates against the reasoning service.
	Credential string

	// TaskText is the natural-language task.
	TaskText string

	// History is prior conversation/run context, already serialized.
	History string

	// RulesText is the user's standing rules for the agent.
	RulesText string

	// WorkingRoot is the directory the backend operates in.
	WorkingRoot string

	// ArtifactsRoot is where result artifacts are written.
	ArtifactsRoot string

	// OnLog receives each log line as it is produced.
	OnLog func(line string)

	// OnStep receives each completed step. Proof is an optional reference
	// (screenshot path, URL) backing the step.
	OnStep func(title string, status StepStatus, proof string)
}

// Result is the terminal outcome of a backend execution.
type Result struct {
	// OK is true when the task completed successfully.
	OK bool

	// Answer is the final answer text.
	Answer string

	// ArtifactPath points at the produced artifact, if any.
	ArtifactPath string

	// Err describes the failure when OK is false.
	Err string
}
