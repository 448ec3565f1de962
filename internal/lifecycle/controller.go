// Package lifecycle drives a reconciliation run through its state machine,
// persisting every transition with a compare-and-set and a step log entry.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/service"
)

// Step names recorded in the run log besides the status transitions.
const (
	StepCreated  = "CREATED"
	StepFailure  = "FAILURE"
	StepCancel   = "CANCEL"
	StepIncident = "INCIDENT"
	StepMatching = "MATCHING"
)

// createAttempts bounds the run id clashes Create steps past.
const createAttempts = 50

// cancelAttempts bounds how often Cancel chases a run that keeps advancing.
const cancelAttempts = 5

var transitions = map[model.RunStatus][]model.RunStatus{
	model.RunPending:          {model.RunInProgress},
	model.RunInProgress:       {model.RunExtractingSource},
	model.RunExtractingSource: {model.RunExtractingTarget},
	model.RunExtractingTarget: {model.RunComparing},
	model.RunComparing: {
		model.RunGeneratingReport,
		model.RunCompleted,
		model.RunCompletedWithDiscrepancies,
	},
	model.RunGeneratingReport: {
		model.RunCompleted,
		model.RunCompletedWithDiscrepancies,
	},
}

// CanTransition reports whether a run may move from one status to another.
// Any non-terminal status may fail or be cancelled.
func CanTransition(from, to model.RunStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == model.RunFailed || to == model.RunCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Controller owns run state. It holds no per-run state itself; each run is
// driven through the Run handle returned by Create.
type Controller struct {
	store  service.RunStore
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the controller clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger overrides the controller logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// NewController creates a controller persisting through store.
func NewController(store service.RunStore, opts ...Option) *Controller {
	c := &Controller{
		store:  store,
		logger: common.Component("lifecycle"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the controller's current time.
func (c *Controller) Now() time.Time {
	return c.now()
}

// Create persists a new PENDING run for cfg.
func (c *Controller) Create(ctx context.Context, cfg *model.ReconciliationConfig, triggeredBy string, scheduled bool) (*Run, error) {
	if cfg == nil {
		return nil, common.NewValidationError("config", "config is required")
	}
	now := c.now()
	run := &model.ReconciliationRun{
		ConfigID:    cfg.ID,
		ConfigCode:  cfg.Code,
		ConfigName:  cfg.Name,
		Status:      model.RunPending,
		TriggeredBy: triggeredBy,
		Scheduled:   scheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	// Run ids carry millisecond timestamps; a clash moves the id forward.
	var err error
	for attempt := 0; attempt < createAttempts; attempt++ {
		run.RunID = model.NewRunID(cfg.Code, now.Add(time.Duration(attempt)*time.Millisecond))
		if err = c.store.CreateRun(ctx, run); !errors.Is(err, common.ErrDuplicateEntry) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	r := &Run{c: c, run: run, phaseStart: now}
	r.log(ctx, model.LogInfo, StepCreated, fmt.Sprintf("Run created for %s by %s", cfg.Code, triggeredBy), "", 0, 0)
	return r, nil
}

// Cancel moves a non-terminal run to CANCELLED. The pipeline notices at its
// next transition and stops.
func (c *Controller) Cancel(ctx context.Context, runID, actor, reason string) error {
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return &common.InvalidTransitionError{
				Entity: "run", ID: runID, From: string(run.Status), To: string(model.RunCancelled),
				Reason: "has already finished",
			}
		}

		now := c.now()
		ok, err := c.store.TransitionRun(ctx, service.RunTransition{
			RunID:        runID,
			From:         run.Status,
			To:           model.RunCancelled,
			At:           now,
			ErrorMessage: cancelMessage(actor, reason),
		})
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		c.addLog(ctx, &model.RunLog{
			RunID:     runID,
			Level:     model.LogWarn,
			Step:      StepCancel,
			Message:   cancelMessage(actor, reason),
			Details:   fmt.Sprintf("cancelled while %s", run.Status),
			Timestamp: now,
		})
		c.logger.Info("run cancelled", "run_id", runID, "actor", actor, "previous_status", run.Status)
		return nil
	}
	return &common.ConflictError{Resource: "run", ID: runID}
}

func cancelMessage(actor, reason string) string {
	if reason == "" {
		return "Cancelled by " + actor
	}
	return fmt.Sprintf("Cancelled by %s: %s", actor, reason)
}

// StuckRuns returns non-terminal runs that have not changed state within threshold.
func (c *Controller) StuckRuns(ctx context.Context, threshold time.Duration) ([]model.ReconciliationRun, error) {
	if threshold <= 0 {
		return nil, common.NewValidationError("threshold", "must be positive")
	}
	return c.store.StuckRuns(ctx, c.now().Add(-threshold))
}

// Purge deletes finished runs created more than olderThan ago.
func (c *Controller) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, common.NewValidationError("older_than", "must be positive")
	}
	n, err := c.store.PurgeRuns(ctx, c.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	c.logger.Info("purged runs", "count", n, "older_than", olderThan)
	return n, nil
}

// addLog writes a step log entry. A log write failure never changes the run outcome.
func (c *Controller) addLog(ctx context.Context, entry *model.RunLog) {
	if err := c.store.AddRunLog(ctx, entry); err != nil {
		c.logger.Warn("failed to write run log", "run_id", entry.RunID, "step", entry.Step, "error", err)
	}
}

// Step describes the work finished by the phase a transition leaves.
type Step struct {
	Message  string
	Details  string
	Records  int64
	Duration time.Duration
}

// Run is the handle through which one pipeline advances its run. It is not
// safe for concurrent use.
type Run struct {
	// Durations is filled in by the pipeline and persisted on the terminal transition.
	Durations  model.RunDurations
	phaseStart time.Time
	c          *Controller
	run        *model.ReconciliationRun
}

// ID returns the run id.
func (r *Run) ID() string { return r.run.RunID }

// Status returns the last status this handle persisted.
func (r *Run) Status() model.RunStatus { return r.run.Status }

// Snapshot returns a copy of the run as last persisted by this handle.
func (r *Run) Snapshot() model.ReconciliationRun { return *r.run }

// Advance persists the transition to next and appends a step log entry.
// It returns ErrRunCancelled when the run was cancelled underneath the pipeline.
func (r *Run) Advance(ctx context.Context, next model.RunStatus, step Step) error {
	if next == model.RunFailed {
		return common.NewValidationError("status", "use Fail to fail a run")
	}
	return r.transition(ctx, next, step, model.LogInfo, "", "")
}

// Complete moves the run to its terminal success status, recording the total duration.
func (r *Run) Complete(ctx context.Context, withDiscrepancies bool, step Step) error {
	status := model.RunCompleted
	if withDiscrepancies {
		status = model.RunCompletedWithDiscrepancies
	}
	return r.transition(ctx, status, step, model.LogInfo, "", "")
}

// Fail records cause with a bounded trace and moves the run to FAILED. The
// run is not retried. A run already cancelled keeps its CANCELLED status.
func (r *Run) Fail(ctx context.Context, cause error) error {
	return r.fail(ctx, cause, nil)
}

// FailPanic fails the run for a recovered panic, keeping its stack in the trace.
func (r *Run) FailPanic(ctx context.Context, recovered any, stack []byte) error {
	return r.fail(ctx, fmt.Errorf("panic: %v", recovered), stack)
}

func (r *Run) fail(ctx context.Context, cause error, stack []byte) error {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	if r.run.Status.IsTerminal() {
		return nil
	}
	message := Truncate(cause.Error(), MaxTraceLength)
	trace := Trace(cause, stack)
	err := r.transition(ctx, model.RunFailed, Step{Message: message, Details: trace}, model.LogError, message, trace)
	if err == nil {
		r.c.logger.Error("run failed", "run_id", r.run.RunID, "error", cause)
	}
	return err
}

// Warn appends a WARN step log entry without changing status.
func (r *Run) Warn(ctx context.Context, step, message, details string) {
	r.log(ctx, model.LogWarn, step, message, details, 0, 0)
}

// Info appends an INFO step log entry without changing status.
func (r *Run) Info(ctx context.Context, step, message string, records int64) {
	r.log(ctx, model.LogInfo, step, message, "", 0, records)
}

func (r *Run) log(ctx context.Context, level model.LogLevel, step, message, details string, d time.Duration, records int64) {
	r.c.addLog(ctx, &model.RunLog{
		RunID:            r.run.RunID,
		Level:            level,
		Step:             step,
		Message:          message,
		Details:          details,
		Duration:         d,
		RecordsProcessed: records,
		Timestamp:        r.c.now(),
	})
}

func (r *Run) transition(ctx context.Context, next model.RunStatus, step Step, level model.LogLevel, errMsg, errTrace string) error {
	from := r.run.Status
	if !CanTransition(from, next) {
		return &common.InvalidTransitionError{
			Entity: "run", ID: r.run.RunID, From: string(from), To: string(next),
		}
	}

	now := r.c.now()
	tr := service.RunTransition{
		RunID:        r.run.RunID,
		From:         from,
		To:           next,
		At:           now,
		ErrorMessage: errMsg,
		ErrorTrace:   errTrace,
	}
	if next.IsTerminal() {
		start := r.run.CreatedAt
		if r.run.StartedAt != nil {
			start = *r.run.StartedAt
		}
		r.Durations.Total = now.Sub(start)
		durations := r.Durations
		tr.Durations = &durations
	}

	ok, err := r.c.store.TransitionRun(ctx, tr)
	if err != nil {
		return fmt.Errorf("failed to persist %s transition: %w", next, err)
	}
	if !ok {
		current, getErr := r.c.store.GetRun(ctx, r.run.RunID)
		if getErr != nil {
			return fmt.Errorf("failed to reload run after lost transition: %w", getErr)
		}
		r.run.Status = current.Status
		if current.Status == model.RunCancelled {
			r.c.logger.Info("run cancelled externally", "run_id", r.run.RunID, "attempted", next)
			return common.ErrRunCancelled
		}
		return &common.InvalidTransitionError{
			Entity: "run", ID: r.run.RunID, From: string(current.Status), To: string(next),
			Reason: "changed status concurrently",
		}
	}

	elapsed := step.Duration
	if elapsed == 0 {
		elapsed = now.Sub(r.phaseStart)
	}
	r.run.Status = next
	r.run.UpdatedAt = now
	if next == model.RunInProgress && r.run.StartedAt == nil {
		started := now
		r.run.StartedAt = &started
	}
	if next.IsTerminal() {
		completed := now
		r.run.CompletedAt = &completed
		r.run.Durations = r.Durations
		r.run.ErrorMessage = errMsg
		r.run.ErrorTrace = errTrace
	}
	r.phaseStart = now

	message := step.Message
	if message == "" {
		message = fmt.Sprintf("%s -> %s", from, next)
	}
	stepName := string(next)
	if next == model.RunFailed {
		stepName = StepFailure
	}
	r.log(ctx, level, stepName, message, step.Details, elapsed, step.Records)
	r.c.logger.Debug("run transition", "run_id", r.run.RunID, "from", from, "to", next)
	return nil
}
