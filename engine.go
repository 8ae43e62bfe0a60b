package invoiceflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/invoiceflow/retry"
)

// EngineOptions configures a new Engine.
type EngineOptions struct {
	Registry      *Registry
	Store         Store
	Audit         AuditSink
	Logger        *slog.Logger
	Callbacks     Callbacks
	Retry         RetryPolicy
	StageTimeout  time.Duration
	ReviewBaseURL string
	Now           func() time.Time
}

// Engine drives invoice runs through the stage pipeline. Runs execute
// synchronously on the caller's goroutine. Distinct runs may be driven
// concurrently; operations on the same run are serialized.
type Engine struct {
	registry      *Registry
	store         Store
	auditSink     AuditSink
	logger        *slog.Logger
	callbacks     Callbacks
	retry         RetryPolicy
	stageTimeout  time.Duration
	reviewBaseURL string
	now           func() time.Time
	locks         *runLocks
}

// NewEngine validates options and fills defaults for the optional ones.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Audit == nil {
		opts.Audit = NewNullAuditSink()
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = BaseCallbacks{}
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if opts.Retry.Backoff == "" {
		opts.Retry.Backoff = retry.BackoffLinear
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		registry:      opts.Registry,
		store:         opts.Store,
		auditSink:     opts.Audit,
		logger:        opts.Logger,
		callbacks:     opts.Callbacks,
		retry:         opts.Retry,
		stageTimeout:  opts.StageTimeout,
		reviewBaseURL: opts.ReviewBaseURL,
		now:           func() time.Time { return opts.Now().UTC() },
		locks:         newRunLocks(),
	}, nil
}

// Start validates the invoice, creates a run and executes stages until the
// run completes, fails or pauses for review. A ValidationError is returned
// before any run exists. When a stage fails for good the outcome is returned
// alongside a *StageError and the FAILED run remains readable via GetRun.
func (e *Engine) Start(ctx context.Context, invoice Invoice) (*Outcome, error) {
	if err := invoice.Validate(); err != nil {
		e.audit(ctx, &AuditEvent{
			Type:    EventRequestRejected,
			Message: "Invoice payload rejected",
			Details: map[string]any{"invoice_id": invoice.InvoiceID, "error": err.Error()},
		})
		return nil, err
	}

	now := e.now()
	run := &Run{
		ID:        NewRunID(),
		InvoiceID: invoice.InvoiceID,
		Status:    RunStatusPending,
		State:     State{Invoice: invoice.Clone()},
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	unlock := e.locks.lock(run.ID)
	defer unlock()

	run.Status = RunStatusRunning
	run.CurrentStage = StageIntake
	if err := e.save(ctx, run); err != nil {
		return e.fail(ctx, run, StageIntake, 0, err, e.logger.With("run_id", run.ID))
	}
	e.audit(ctx, &AuditEvent{
		RunID:   run.ID,
		Stage:   StageIntake,
		Type:    EventWorkflowStarted,
		Message: fmt.Sprintf("Workflow started for invoice %s", run.InvoiceID),
		Details: map[string]any{"amount": invoice.Amount, "currency": invoice.Currency, "vendor": invoice.VendorName},
	})
	return e.drive(ctx, run, false)
}

// Resume applies a reviewer's decision to a paused run. ACCEPT continues at
// RECONCILE; REJECT skips straight to COMPLETE and ends in MANUAL_HANDOFF.
func (e *Engine) Resume(ctx context.Context, checkpointID string, res Resolution) (*Outcome, error) {
	if err := res.Validate(); err != nil {
		e.rejectResume(ctx, "", checkpointID, err)
		return nil, err
	}
	cp, err := e.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		e.rejectResume(ctx, "", checkpointID, err)
		return nil, err
	}

	unlock := e.locks.lock(cp.RunID)
	defer unlock()

	// Another resume may have finished while we waited for the lock.
	if cp, err = e.store.GetCheckpoint(ctx, checkpointID); err != nil {
		e.rejectResume(ctx, "", checkpointID, err)
		return nil, err
	}
	if cp.Resolved {
		err := fmt.Errorf("checkpoint %s: %w", checkpointID, ErrCheckpointAlreadyResolved)
		e.rejectResume(ctx, cp.RunID, checkpointID, err)
		return nil, err
	}
	run, err := e.store.GetRun(ctx, cp.RunID)
	if err != nil {
		e.rejectResume(ctx, cp.RunID, checkpointID, err)
		return nil, err
	}
	if run.Status != RunStatusPaused {
		err := &InvalidTransitionError{RunID: run.ID, Status: run.Status, Operation: "resume"}
		e.rejectResume(ctx, run.ID, checkpointID, err)
		return nil, err
	}

	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = e.now()
	}
	resolved, err := e.store.ResolveCheckpoint(ctx, checkpointID, res)
	if err != nil {
		e.rejectResume(ctx, run.ID, checkpointID, err)
		return nil, err
	}

	// The checkpoint is closed. From here the run is either stored in its
	// resumed form or marked FAILED.
	persistCtx := context.WithoutCancel(ctx)
	logger := e.logger.With("run_id", run.ID, "invoice_id", run.InvoiceID)

	state := resolved.State.Clone()
	state.Merge(State{Decision: &HumanDecision{
		CheckpointID: resolved.ID,
		Decision:     res.Decision,
		ReviewerID:   res.ReviewerID,
		Notes:        res.Notes,
		DecidedAt:    res.ResolvedAt,
	}})
	run.State = state
	run.Status = ResumeStatus(res.Decision)

	e.audit(persistCtx, &AuditEvent{
		RunID:     run.ID,
		Stage:     StageHITLDecision,
		Type:      EventHumanDecision,
		Message:   fmt.Sprintf("Reviewer %s decided %s", res.ReviewerID, res.Decision),
		Details:   map[string]any{"checkpoint_id": checkpointID, "decision": string(res.Decision), "notes": res.Notes},
		ActorType: ActorHuman,
		ActorID:   res.ReviewerID,
	})

	run.CurrentStage = StageHITLDecision
	next, err := Next(StageHITLDecision, &run.State)
	if err != nil {
		return e.fail(persistCtx, run, StageHITLDecision, 1, Permanent(err), logger)
	}
	e.audit(persistCtx, &AuditEvent{
		RunID:   run.ID,
		Stage:   StageHITLDecision,
		Type:    EventBranchDecision,
		Message: fmt.Sprintf("Resuming at %s", next),
		Details: map[string]any{"decision": string(res.Decision), "next_stage": string(next)},
	})
	run.CurrentStage = next
	if err := e.save(persistCtx, run); err != nil {
		run.CurrentStage = StageHITLDecision
		return e.fail(persistCtx, run, StageHITLDecision, 1, err, logger)
	}
	return e.drive(ctx, run, true)
}

// GetRun returns a snapshot of a run.
func (e *Engine) GetRun(ctx context.Context, runID string) (*Run, error) {
	return e.store.GetRun(ctx, runID)
}

// ListRuns returns runs oldest first, optionally filtered by status.
func (e *Engine) ListRuns(ctx context.Context, opts ListOptions) ([]*Run, error) {
	return e.store.ListRuns(ctx, opts)
}

// ListPendingCheckpoints returns unresolved checkpoints oldest first.
func (e *Engine) ListPendingCheckpoints(ctx context.Context, limit, offset int) ([]*Checkpoint, error) {
	return e.store.ListPendingCheckpoints(ctx, limit, offset)
}

// GetCheckpoint returns a checkpoint by id.
func (e *Engine) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	return e.store.GetCheckpoint(ctx, id)
}

// History returns the audit trail of a run.
func (e *Engine) History(ctx context.Context, runID string) ([]*AuditEvent, error) {
	return e.auditSink.History(ctx, runID)
}

func (e *Engine) drive(ctx context.Context, run *Run, resumed bool) (*Outcome, error) {
	logger := e.logger.With("run_id", run.ID, "invoice_id", run.InvoiceID)
	ctx = WithLogger(WithRunID(ctx, run.ID), logger)

	startTime := e.now()
	e.callbacks.BeforeRun(ctx, &RunEvent{
		RunID:     run.ID,
		InvoiceID: run.InvoiceID,
		Status:    run.Status,
		Stage:     run.CurrentStage,
		Resumed:   resumed,
		StartTime: startTime,
	})
	logger.Info("driving run", "stage", run.CurrentStage, "resumed", resumed)

	outcome, err := e.loop(ctx, run, logger)

	endTime := e.now()
	e.callbacks.AfterRun(ctx, &RunEvent{
		RunID:     run.ID,
		InvoiceID: run.InvoiceID,
		Status:    run.Status,
		Stage:     run.CurrentStage,
		Resumed:   resumed,
		StartTime: startTime,
		EndTime:   endTime,
		Duration:  endTime.Sub(startTime),
		Error:     err,
	})
	return outcome, err
}

func (e *Engine) loop(ctx context.Context, run *Run, logger *slog.Logger) (*Outcome, error) {
	for {
		stage := run.CurrentStage
		if stage == StageCheckpointHITL {
			return e.pause(ctx, run, logger)
		}

		patch, attempts, err := e.execute(ctx, run, stage, logger)
		if err != nil {
			return e.fail(ctx, run, stage, attempts, err, logger)
		}
		run.State.Merge(patch)

		if stage == StageComplete {
			return e.finish(ctx, run, logger)
		}

		next, err := Next(stage, &run.State)
		if err != nil {
			return e.fail(ctx, run, stage, attempts, Permanent(err), logger)
		}
		if stage == StageMatchTwoWay {
			ev := run.State.Match
			e.audit(ctx, &AuditEvent{
				RunID:   run.ID,
				Stage:   stage,
				Type:    EventBranchDecision,
				Message: fmt.Sprintf("Match verdict %s, routing to %s", ev.Verdict, next),
				Details: map[string]any{
					"score":      ev.Score,
					"threshold":  ev.Threshold,
					"verdict":    string(ev.Verdict),
					"next_stage": string(next),
				},
			})
			logger.Info("branch decided", "verdict", ev.Verdict, "score", ev.Score, "next", next)
		}

		run.CurrentStage = next
		if err := e.save(ctx, run); err != nil {
			run.CurrentStage = stage
			return e.fail(ctx, run, stage, attempts, err, logger)
		}
	}
}

// execute runs a stage handler under the retry policy and returns the patch
// along with the number of attempts made.
func (e *Engine) execute(ctx context.Context, run *Run, stage StageID, logger *slog.Logger) (State, int, error) {
	handler, err := e.registry.Handler(stage)
	if err != nil {
		return State{}, 0, Permanent(err)
	}
	e.audit(ctx, &AuditEvent{
		RunID:   run.ID,
		Stage:   stage,
		Type:    EventStageStarted,
		Message: fmt.Sprintf("Stage %s started", stage),
	})

	var (
		patch    State
		attempts int
		started  = e.now()
	)
	err = retry.Do(ctx, func() error {
		attempts++
		p, err := e.attempt(ctx, run, stage, handler, attempts, logger)
		if err != nil {
			if ClassifyStageError(err) == StageErrorFatal {
				return Permanent(err)
			}
			return retry.NewRecoverableError(err)
		}
		patch = p
		return nil
	},
		retry.WithMaxRetries(e.retry.MaxAttempts-1),
		retry.WithBaseWait(e.retry.BaseDelay),
		retry.WithBackoff(e.retry.Backoff),
		retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
			run.RetryCount++
			logger.Warn("stage failed, retrying", "stage", stage, "attempt", attempt, "wait", wait, "error", err)
			e.audit(ctx, &AuditEvent{
				RunID:   run.ID,
				Stage:   stage,
				Type:    EventStageRetry,
				Message: fmt.Sprintf("Stage %s attempt %d failed, retrying", stage, attempt),
				Details: map[string]any{"attempt": attempt, "error": err.Error(), "wait_ms": wait.Milliseconds()},
			})
			if err := e.save(ctx, run); err != nil {
				logger.Error("failed to persist retry count", "error", err)
			}
		}),
	)
	if err != nil {
		return State{}, attempts, err
	}

	e.audit(ctx, &AuditEvent{
		RunID:   run.ID,
		Stage:   stage,
		Type:    EventStageCompleted,
		Message: fmt.Sprintf("Stage %s completed", stage),
		Details: map[string]any{"attempts": attempts, "duration_ms": e.now().Sub(started).Milliseconds()},
	})
	return patch, attempts, nil
}

func (e *Engine) attempt(ctx context.Context, run *Run, stage StageID, handler Handler, attempt int, logger *slog.Logger) (State, error) {
	stageCtx := ctx
	if e.stageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, e.stageTimeout)
		defer cancel()
	}
	stageLogger := logger.With("stage", stage, "attempt", attempt)
	stageCtx = WithLogger(stageCtx, stageLogger)

	event := &StageEvent{
		RunID:     run.ID,
		InvoiceID: run.InvoiceID,
		Stage:     stage,
		Attempt:   attempt,
		StartTime: e.now(),
	}
	e.callbacks.BeforeStage(stageCtx, event)

	patch, err := invoke(stageCtx, handler, &StageInput{
		RunID:   run.ID,
		Stage:   stage,
		Attempt: attempt,
		State:   run.State.Clone(),
		Logger:  stageLogger,
	})

	event.EndTime = e.now()
	event.Duration = event.EndTime.Sub(event.StartTime)
	event.Error = err
	e.callbacks.AfterStage(stageCtx, event)
	return patch, err
}

func invoke(ctx context.Context, handler Handler, in *StageInput) (patch State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("panic in stage %s: %v", in.Stage, r))
		}
	}()
	return handler.Handle(ctx, in)
}

func (e *Engine) pause(ctx context.Context, run *Run, logger *slog.Logger) (*Outcome, error) {
	var score, threshold float64
	if ev := run.State.Match; ev != nil {
		score, threshold = ev.Score, ev.Threshold
	}
	cp := &Checkpoint{
		ID:        NewCheckpointID(),
		RunID:     run.ID,
		Stage:     StageCheckpointHITL,
		State:     run.State.Clone(),
		Reason:    PauseReason(score, threshold),
		CreatedAt: e.now(),
	}
	cp.ReviewURL = ReviewURL(e.reviewBaseURL, cp.ID)
	if err := e.store.CreateCheckpoint(ctx, cp); err != nil {
		return e.fail(ctx, run, StageCheckpointHITL, 1, fmt.Errorf("failed to create checkpoint: %w", err), logger)
	}

	run.Status = RunStatusPaused
	if err := e.save(ctx, run); err != nil {
		return e.fail(ctx, run, StageCheckpointHITL, 1, err, logger)
	}
	e.audit(ctx, &AuditEvent{
		RunID:   run.ID,
		Stage:   StageCheckpointHITL,
		Type:    EventCheckpointCreated,
		Message: cp.Reason,
		Details: map[string]any{"checkpoint_id": cp.ID, "review_url": cp.ReviewURL, "score": score, "threshold": threshold},
	})
	e.callbacks.OnPause(ctx, &PauseEvent{
		RunID:        run.ID,
		InvoiceID:    run.InvoiceID,
		CheckpointID: cp.ID,
		Reason:       cp.Reason,
		MatchScore:   score,
	})
	logger.Info("run paused for review", "checkpoint_id", cp.ID, "reason", cp.Reason)
	return outcomeOf(run, cp.ID), nil
}

func (e *Engine) finish(ctx context.Context, run *Run, logger *slog.Logger) (*Outcome, error) {
	if run.Status == RunStatusRunning {
		run.Status = RunStatusCompleted
	}
	run.CompletedAt = e.now()
	if err := e.save(ctx, run); err != nil {
		return e.fail(ctx, run, StageComplete, 1, err, logger)
	}
	e.audit(ctx, &AuditEvent{
		RunID:   run.ID,
		Stage:   StageComplete,
		Type:    EventWorkflowCompleted,
		Message: fmt.Sprintf("Workflow finished with status %s", run.Status),
		Details: map[string]any{"status": string(run.Status), "retry_count": run.RetryCount},
	})
	logger.Info("run finished", "status", run.Status, "duration", run.CompletedAt.Sub(run.StartedAt))
	return outcomeOf(run, ""), nil
}

func (e *Engine) fail(ctx context.Context, run *Run, stage StageID, attempts int, cause error, logger *slog.Logger) (*Outcome, error) {
	stageErr := &StageError{
		Kind:     StageErrorFatal,
		RunID:    run.ID,
		Stage:    stage,
		Attempts: attempts,
		Cause:    cause.Error(),
		Wrapped:  cause,
	}
	// Record the failure even when the caller's context is already done.
	ctx = context.WithoutCancel(ctx)

	run.Status = RunStatusFailed
	run.Error = stageErr.Error()
	run.CompletedAt = e.now()
	saveErr := e.save(ctx, run)

	e.audit(ctx, &AuditEvent{
		RunID:   run.ID,
		Stage:   stage,
		Type:    EventStageFailed,
		Message: fmt.Sprintf("Stage %s failed after %d attempt(s)", stage, attempts),
		Details: map[string]any{
			"error":          cause.Error(),
			"attempts":       attempts,
			"classification": string(ClassifyStageError(cause)),
		},
	})
	logger.Error("run failed", "stage", stage, "attempts", attempts, "error", cause)

	if saveErr != nil {
		return outcomeOf(run, ""), errors.Join(stageErr, saveErr)
	}
	return outcomeOf(run, ""), stageErr
}

func (e *Engine) rejectResume(ctx context.Context, runID, checkpointID string, err error) {
	e.audit(ctx, &AuditEvent{
		RunID:   runID,
		Stage:   StageHITLDecision,
		Type:    EventRequestRejected,
		Message: "Resume request rejected",
		Details: map[string]any{"checkpoint_id": checkpointID, "error": err.Error()},
	})
	e.logger.Warn("resume rejected", "checkpoint_id", checkpointID, "run_id", runID, "error", err)
}

func (e *Engine) save(ctx context.Context, run *Run) error {
	run.UpdatedAt = e.now()
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to persist run %s: %w", run.ID, err)
	}
	return nil
}

func (e *Engine) audit(ctx context.Context, event *AuditEvent) {
	if event.ID == "" {
		event.ID = NewEventID()
	}
	if event.ActorType == "" {
		event.ActorType = ActorSystem
		event.ActorID = SystemActorID
	}
	event.Timestamp = e.now()
	if err := e.auditSink.Record(ctx, event); err != nil {
		e.logger.Error("failed to record audit event", "event_type", event.Type, "run_id", event.RunID, "error", err)
	}
}
