// Package runner drives one agent task end to end: start, pause, resume,
// stop, report. At most one task runs at a time. Stop is optimistic: the
// in-flight backend call is not interrupted, its late result is discarded.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/logging"
)

// Phase is the runner's lifecycle state.
type Phase string

const (
	// PhaseIdle means no task has run yet, or the last outcome was consumed.
	PhaseIdle Phase = "idle"
	// PhaseRunning means a task is in flight.
	PhaseRunning Phase = "running"
	// PhaseDone means the last task completed successfully.
	PhaseDone Phase = "done"
	// PhaseFailed means the last task failed.
	PhaseFailed Phase = "failed"
	// PhaseStopped means the last task was stopped by request.
	PhaseStopped Phase = "stopped"
)

// Validation and state-conflict errors. The message doubles as the error code
// surfaced to the presentation layer.
var (
	ErrEmptyTask      = errors.New("EMPTY_TASK")
	ErrNoAPIKey       = errors.New("NO_API_KEY")
	ErrAlreadyRunning = errors.New("ALREADY_RUNNING")
	ErrNotRunning     = errors.New("NOT_RUNNING")
)

// Step is one unit of visible progress within a run. Append-only within a
// run, cleared at the start of the next run.
type Step struct {
	Timestamp time.Time  `json:"timestamp"`
	Title     string     `json:"title"`
	Status    StepStatus `json:"status"`
	Proof     string     `json:"proof,omitempty"`
}

// State is an observable snapshot of the runner.
type State struct {
	Running       bool   `json:"running"`
	Paused        bool   `json:"paused"`
	Phase         Phase  `json:"phase"`
	StopRequested bool   `json:"stop_requested"`
	RunID         string `json:"run_id,omitempty"`
	TaskText      string `json:"task_text,omitempty"`
	Steps         []Step `json:"steps,omitempty"`
	Error         string `json:"error,omitempty"`
	NextAction    string `json:"next_action,omitempty"`
	LastReport    string `json:"last_report,omitempty"`
	ArtifactPath  string `json:"artifact_path,omitempty"`
}

// StartRequest carries the inputs for one run.
type StartRequest struct {
	TaskText   string
	Credential string
	History    string
	RulesText  string
}

// Journal persists run progress for the dashboard. All calls are best-effort;
// the runner logs and continues on journal errors.
type Journal interface {
	RecordRunStart(runID, taskText string) error
	RecordStep(runID string, step Step) error
	RecordLog(runID, line string) error
	RecordRunEnd(runID string, phase Phase, errText, report, artifactPath string) error
}

// Runner owns the task-run state machine. All state mutations are serialized
// behind one mutex so arm/disarm and pause/stop sequences appear atomic to
// observers.
type Runner struct {
	backend       Backend
	bus           *events.Bus
	chain         *audit.Chain
	journal       Journal
	log           *slog.Logger
	reportSteps   int
	workingRoot   string
	artifactsRoot string

	mu            sync.Mutex
	phase         Phase
	paused        bool
	stopRequested bool
	runID         string
	taskText      string
	steps         []Step
	errText       string
	nextAction    string
	lastReport    string
	artifactPath  string
}

// Option configures a Runner.
type Option func(*Runner)

// WithJournal attaches a run journal.
func WithJournal(j Journal) Option {
	return func(r *Runner) { r.journal = j }
}

// WithRoots sets the working and artifacts directories passed to the backend.
func WithRoots(workingRoot, artifactsRoot string) Option {
	return func(r *Runner) {
		r.workingRoot = workingRoot
		r.artifactsRoot = artifactsRoot
	}
}

// WithReportSteps caps how many trailing steps a report includes.
func WithReportSteps(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.reportSteps = n
		}
	}
}

// NewRunner creates an idle runner.
func NewRunner(backend Backend, bus *events.Bus, chain *audit.Chain, opts ...Option) *Runner {
	r := &Runner{
		backend:     backend,
		bus:         bus,
		chain:       chain,
		log:         logging.WithComponent("runner"),
		reportSteps: defaultReportSteps,
		phase:       PhaseIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start validates and launches a run. The backend call happens in a goroutine;
// the caller gets an immediate acknowledgment, not the eventual result.
func (r *Runner) Start(ctx context.Context, req StartRequest) error {
	if req.TaskText == "" {
		return ErrEmptyTask
	}
	if req.Credential == "" {
		return ErrNoAPIKey
	}

	r.mu.Lock()
	if r.phase == PhaseRunning {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}

	runID := uuid.New().String()
	r.phase = PhaseRunning
	r.paused = false
	r.stopRequested = false
	r.runID = runID
	r.taskText = req.TaskText
	r.steps = nil
	r.errText = ""
	r.nextAction = ""
	r.lastReport = ""
	r.artifactPath = ""
	r.mu.Unlock()

	r.log.Info("run started", slog.String("run_id", runID))
	r.audit("run_started", map[string]any{"run_id": runID, "task": req.TaskText})
	if r.journal != nil {
		if err := r.journal.RecordRunStart(runID, req.TaskText); err != nil {
			r.log.Warn("journal write failed", slog.Any("error", err))
		}
	}

	r.appendLog(runID, "Task accepted: "+req.TaskText)
	r.appendStep(runID, "Task accepted", StepOK, "")
	r.publishState()

	go r.execute(ctx, runID, req)

	return nil
}

// execute runs the backend call and routes its resolution.
func (r *Runner) execute(ctx context.Context, runID string, req StartRequest) {
	log := logging.WithRun(runID)
	log.Debug("backend execution started")

	result, err := r.backend.Execute(ctx, ExecuteOptions{
		Credential:    req.Credential,
		TaskText:      req.TaskText,
		History:       req.History,
		RulesText:     req.RulesText,
		WorkingRoot:   r.workingRoot,
		ArtifactsRoot: r.artifactsRoot,
		OnLog: func(line string) {
			r.appendLog(runID, line)
		},
		OnStep: func(title string, status StepStatus, proof string) {
			r.appendStep(runID, title, status, proof)
		},
	})
	r.resolve(runID, result, err)
}

// resolve handles the asynchronous completion. If stop was requested the
// result — success or failure — is discarded: the stop report already went
// out and the run is already presented as stopped.
func (r *Runner) resolve(runID string, result *Result, err error) {
	r.mu.Lock()

	if r.runID != runID {
		// A later run superseded this one; nothing to do.
		r.mu.Unlock()
		r.log.Debug("stale run resolution ignored", slog.String("run_id", runID))
		return
	}

	if r.stopRequested {
		r.mu.Unlock()
		r.log.Info("late result discarded after stop", slog.String("run_id", runID))
		r.audit("late_result_discarded", map[string]any{"run_id": runID})
		return
	}

	if err != nil || result == nil || !result.OK {
		errText := "execution failed"
		if err != nil {
			errText = err.Error()
		} else if result != nil && result.Err != "" {
			errText = result.Err
		}
		r.phase = PhaseFailed
		r.errText = errText
		r.nextAction = "Review the error and retry the task"
		report := r.buildReportLocked()
		r.lastReport = report
		r.mu.Unlock()

		r.log.Warn("run failed", slog.String("run_id", runID), slog.String("error", errText))
		r.audit("run_failed", map[string]any{"run_id": runID, "error": errText})
		r.journalEnd(runID, PhaseFailed, errText, report, "")
		r.bus.Emit(events.TypeReport, report)
		r.bus.Emit(events.TypeNotify, "Task failed: "+errText)
		r.publishState()
		return
	}

	r.phase = PhaseDone
	r.artifactPath = result.ArtifactPath
	report := r.buildReportLocked()
	r.lastReport = report
	r.mu.Unlock()

	r.log.Info("run completed", slog.String("run_id", runID))
	r.audit("run_completed", map[string]any{"run_id": runID, "artifact": result.ArtifactPath})
	r.journalEnd(runID, PhaseDone, "", report, result.ArtifactPath)
	r.bus.Emit(events.TypeAnswer, result.Answer)
	r.bus.Emit(events.TypeReport, report)
	r.publishState()
}

// Pause sets the advisory paused flag. The in-flight backend call is not
// suspended; pause only changes what observers see.
func (r *Runner) Pause() error {
	r.mu.Lock()
	if r.phase != PhaseRunning {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.paused = true
	runID := r.runID
	r.mu.Unlock()

	r.log.Info("run paused", slog.String("run_id", runID))
	r.audit("runner_paused", map[string]any{"run_id": runID})
	r.publishState()
	return nil
}

// Resume clears the paused flag.
func (r *Runner) Resume() error {
	r.mu.Lock()
	if r.phase != PhaseRunning {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.paused = false
	runID := r.runID
	r.mu.Unlock()

	r.log.Info("run resumed", slog.String("run_id", runID))
	r.audit("runner_resumed", map[string]any{"run_id": runID})
	r.publishState()
	return nil
}

// Stop requests a stop and immediately presents the run as stopped, without
// waiting for the backend. The eventual backend result is discarded by
// resolve. Stopping an idle runner still produces a stop report.
func (r *Runner) Stop(reason string) {
	if reason == "" {
		reason = "stopped by user"
	}

	r.mu.Lock()
	wasRunning := r.phase == PhaseRunning
	runID := r.runID
	r.stopRequested = true
	if wasRunning {
		r.phase = PhaseStopped
		r.paused = false
		if r.errText == "" {
			r.errText = reason
		}
		if r.nextAction == "" {
			r.nextAction = "Restart the task when ready"
		}
	}
	report := r.buildReportLocked()
	r.lastReport = report
	r.mu.Unlock()

	if wasRunning {
		r.log.Info("run stopped", slog.String("run_id", runID), slog.String("reason", reason))
		r.audit("run_stopped", map[string]any{"run_id": runID, "reason": reason})
		r.journalEnd(runID, PhaseStopped, reason, report, "")
	} else {
		r.log.Info("stop requested while idle")
	}

	r.bus.Emit(events.TypeReport, report)
	r.bus.Emit(events.TypeNotify, "Task stopped: "+reason)
	r.publishState()
}

// State returns an observable snapshot.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	steps := make([]Step, len(r.steps))
	copy(steps, r.steps)

	return State{
		Running:       r.phase == PhaseRunning,
		Paused:        r.paused,
		Phase:         r.phase,
		StopRequested: r.stopRequested,
		RunID:         r.runID,
		TaskText:      r.taskText,
		Steps:         steps,
		Error:         r.errText,
		NextAction:    r.nextAction,
		LastReport:    r.lastReport,
		ArtifactPath:  r.artifactPath,
	}
}

// appendLog emits a run log line to the bus and the journal.
func (r *Runner) appendLog(runID, line string) {
	r.bus.Emit(events.TypeLog, line)
	if r.journal != nil {
		if err := r.journal.RecordLog(runID, line); err != nil {
			r.log.Warn("journal write failed", slog.Any("error", err))
		}
	}
}

// appendStep records a step on the current run and emits it.
func (r *Runner) appendStep(runID, title string, status StepStatus, proof string) {
	step := Step{Timestamp: time.Now(), Title: title, Status: status, Proof: proof}

	r.mu.Lock()
	if r.runID == runID {
		r.steps = append(r.steps, step)
	}
	r.mu.Unlock()

	r.bus.Emit(events.TypeStep, step)
	if r.journal != nil {
		if err := r.journal.RecordStep(runID, step); err != nil {
			r.log.Warn("journal write failed", slog.Any("error", err))
		}
	}
}

// publishState emits a fresh state snapshot.
func (r *Runner) publishState() {
	r.bus.Emit(events.TypeState, r.State())
}

// audit writes a best-effort audit record.
func (r *Runner) audit(recordType string, data map[string]any) {
	if r.chain != nil {
		r.chain.Append(recordType, data)
	}
}

// journalEnd records a terminal transition, best-effort.
func (r *Runner) journalEnd(runID string, phase Phase, errText, report, artifactPath string) {
	if r.journal == nil {
		return
	}
	if err := r.journal.RecordRunEnd(runID, phase, errText, report, artifactPath); err != nil {
		r.log.Warn("journal write failed", slog.Any("error", err))
	}
}
