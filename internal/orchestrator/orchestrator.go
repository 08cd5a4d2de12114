// Package orchestrator implements the Orchestrator component: the single
// writer of instance and step-execution state, driven by events consumed
// from orchestration_queue. Grounded on spec.md §4.1 for control flow and
// on original_source/src/orchestration/application/orchestration_service.py
// for method-level naming and ordering conventions, translated from the
// older history-array model to the canonical normalized-table model
// spec.md's Open Questions section designates current. Idioms (zap
// logging via .With, metrics call sites) are
// carried from the teacher's internal/engine/workflow_engine.go.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	ffclock "github.com/flowforge/engine/internal/clock"
	"github.com/flowforge/engine/internal/lock"
	"github.com/flowforge/engine/internal/models"
	"github.com/flowforge/engine/internal/observability"
	"github.com/flowforge/engine/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config tunes the Orchestrator's locking and default retry behavior.
type Config struct {
	LockLease             time.Duration
	DefaultMaxAttempts    int
	DefaultRetryDelaySecs int
}

// Orchestrator consumes Events and advances the instance state machine.
type Orchestrator struct {
	store   store.Transactor
	locks   lock.Service
	clk     ffclock.Clock
	logger  *zap.Logger
	metrics *observability.Metrics
	cfg     Config
}

// New constructs an Orchestrator.
func New(st store.Transactor, locks lock.Service, clk ffclock.Clock, logger *zap.Logger, metrics *observability.Metrics, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:   st,
		locks:   locks,
		clk:     clk,
		logger:  logger.With(zap.String("component", "orchestrator")),
		metrics: metrics,
		cfg:     cfg,
	}
}

// ProcessEvent is the Orchestrator's sole entry point: it acquires the
// instance lock, runs the event to completion inside one transaction, and
// releases the lock. A models.Retryable error means the caller (the
// broker consumer loop) should requeue the event; models.NonRetryable
// means dead-letter it.
func (o *Orchestrator) ProcessEvent(ctx context.Context, ev models.Event) error {
	if ev.RequestID == "" {
		ev.RequestID = uuid.New().String()
	}
	log := o.logger.With(
		zap.String("request_id", ev.RequestID),
		zap.String("instance_id", ev.InstanceID),
		zap.String("event_type", string(ev.Type)),
	)

	lease := o.cfg.LockLease
	if lease <= 0 {
		lease = 30 * time.Second
	}

	acquired, err := o.locks.Acquire(ctx, ev.InstanceID, lease)
	if err != nil {
		o.recordLockOutcome("error")
		return models.NewRetryable(fmt.Errorf("acquiring lock for instance %s: %w", ev.InstanceID, err))
	}
	if !acquired {
		o.recordLockOutcome("contended")
		log.Debug("instance locked elsewhere, requeueing")
		return models.NewRetryable(fmt.Errorf("%w: instance %s", models.ErrLockNotAcquired, ev.InstanceID))
	}
	o.recordLockOutcome("acquired")
	held := o.clk.Now()
	defer func() {
		o.metrics.LockHeldSeconds.Observe(o.clk.Now().Sub(held).Seconds())
		if relErr := o.locks.Release(context.Background(), ev.InstanceID); relErr != nil {
			log.Warn("failed to release instance lock", zap.Error(relErr))
		}
	}()

	err = o.store.WithTx(ctx, func(tx store.TxOps) error {
		return o.handleEvent(ctx, tx, log, ev)
	})
	if err != nil {
		log.Error("processing event failed", zap.Error(err))
	}
	return err
}

func (o *Orchestrator) recordLockOutcome(outcome string) {
	if o.metrics != nil {
		o.metrics.LockAcquireTotal.WithLabelValues(outcome).Inc()
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, tx store.TxOps, log *zap.Logger, ev models.Event) error {
	switch ev.Type {
	case models.EventStartWorkflow:
		return o.handleStartWorkflow(ctx, tx, log, ev)
	case models.EventStepComplete, models.EventStepFailed:
		return o.handleStepOutcome(ctx, tx, log, ev)
	default:
		return models.NewNonRetryable(fmt.Errorf("unknown event type %q", ev.Type))
	}
}

func (o *Orchestrator) handleStartWorkflow(ctx context.Context, tx store.TxOps, log *zap.Logger, ev models.Event) error {
	versionID, inst := ev.VersionID, (*models.Instance)(nil)
	if ev.InstanceID != "" {
		existing, err := tx.GetInstanceForUpdate(ctx, ev.InstanceID)
		if err != nil {
			return classifyLookupErr(err, "instance")
		}
		if existing.Status != models.InstanceStatusPending {
			log.Debug("dropping START_WORKFLOW for an instance that already started")
			return nil
		}
		versionID, inst = existing.VersionID, existing
	}

	version, err := tx.GetVersion(ctx, versionID)
	if err != nil {
		return classifyLookupErr(err, "version")
	}
	def, err := version.ParseDefinition()
	if err != nil {
		return models.NewNonRetryable(fmt.Errorf("parsing definition for version %s: %w", versionID, err))
	}

	var data json.RawMessage
	if len(ev.Data) > 0 {
		data = ev.Data
	}

	if inst == nil {
		if inst, err = tx.CreateInstance(ctx, versionID, data); err != nil {
			return models.NewRetryable(err)
		}
	}

	if o.metrics != nil {
		o.metrics.InstancesStarted.WithLabelValues(version.WorkflowID).Inc()
	}

	inst.Status = models.InstanceStatusRunning
	return o.transitionToStep(ctx, tx, log, inst, def, def.StartAt, ev.RequestID)
}

func (o *Orchestrator) handleStepOutcome(ctx context.Context, tx store.TxOps, log *zap.Logger, ev models.Event) error {
	inst, err := tx.GetInstanceForUpdate(ctx, ev.InstanceID)
	if err != nil {
		return classifyLookupErr(err, "instance")
	}

	if inst.Status.IsTerminal() {
		log.Debug("dropping event for terminal instance")
		return nil
	}

	if inst.CurrentStep == nil || *inst.CurrentStep != ev.StepName {
		log.Debug("dropping stale event",
			zap.Stringp("current_step", inst.CurrentStep),
			zap.String("event_step", ev.StepName))
		return nil
	}

	version, err := tx.GetVersion(ctx, inst.VersionID)
	if err != nil {
		return classifyLookupErr(err, "version")
	}
	def, err := version.ParseDefinition()
	if err != nil {
		return models.NewNonRetryable(fmt.Errorf("parsing definition for version %s: %w", inst.VersionID, err))
	}

	step, ok := def.Step(ev.StepName)
	if !ok {
		return models.NewNonRetryable(fmt.Errorf("%w: %s", models.ErrStepNotFound, ev.StepName))
	}

	if ev.Type == models.EventStepFailed {
		return o.handleStepFailure(ctx, tx, log, inst, def, step, ev)
	}

	if len(ev.Data) > 0 {
		inst.Data, err = mergeData(inst.Data, ev.Data)
		if err != nil {
			return models.NewNonRetryable(fmt.Errorf("merging step output into instance data: %w", err))
		}
	}
	inst.CurrentStepAttempts = 1

	// Branch steps never sit as current_step (transitionToStep recurses past
	// them), so a STEP_COMPLETE can only land here for a non-branch step.
	next := step.Next
	if next == nil {
		return models.NewNonRetryable(fmt.Errorf("step %q completed with no next step configured", ev.StepName))
	}

	return o.transitionToStep(ctx, tx, log, inst, def, *next, ev.RequestID)
}

func (o *Orchestrator) handleStepFailure(ctx context.Context, tx store.TxOps, log *zap.Logger, inst *models.Instance, def *models.Definition, step models.StepSpec, ev models.Event) error {
	maxAttempts := o.cfg.DefaultMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if step.Retry != nil && step.Retry.MaxAttempts > 0 {
		maxAttempts = step.Retry.MaxAttempts
	}

	if inst.CurrentStepAttempts < maxAttempts {
		inst.CurrentStepAttempts++
		delaySecs := o.cfg.DefaultRetryDelaySecs
		if step.Retry != nil && step.Retry.DelaySeconds > 0 {
			delaySecs = step.Retry.DelaySeconds
		}
		log.Info("retrying step",
			zap.String("step", ev.StepName),
			zap.Int("attempt", inst.CurrentStepAttempts),
			zap.Int("max_attempts", maxAttempts),
		)
		if err := tx.UpdateInstance(ctx, inst); err != nil {
			return models.NewRetryable(err)
		}
		return o.dispatchAction(ctx, tx, inst, ev.StepName, step, inst.CurrentStepAttempts, ev.RequestID, time.Duration(delaySecs)*time.Second)
	}

	log.Warn("step exhausted retries, failing instance",
		zap.String("step", ev.StepName),
		zap.Int("attempts", inst.CurrentStepAttempts),
	)
	inst.Status = models.InstanceStatusFailed
	if err := tx.UpdateInstance(ctx, inst); err != nil {
		return models.NewRetryable(err)
	}
	if o.metrics != nil {
		o.metrics.InstancesFinished.WithLabelValues(inst.VersionID, string(models.InstanceStatusFailed)).Inc()
	}
	return nil
}

// transitionToStep moves inst onto stepName, recording its kind-specific
// side effect (dispatch an action, self-schedule a delay completion,
// recurse into a branch's chosen target, or simply wait for an external
// event), or finalizes the instance if stepName is "end".
func (o *Orchestrator) transitionToStep(ctx context.Context, tx store.TxOps, log *zap.Logger, inst *models.Instance, def *models.Definition, stepName string, requestID string) error {
	if stepName == models.EndStep {
		inst.Status = models.InstanceStatusCompleted
		inst.CurrentStep = nil
		inst.CurrentStepAttempts = 1
		if err := tx.UpdateInstance(ctx, inst); err != nil {
			return models.NewRetryable(err)
		}
		if o.metrics != nil {
			o.metrics.InstancesFinished.WithLabelValues(inst.VersionID, string(models.InstanceStatusCompleted)).Inc()
		}
		log.Info("instance completed")
		return nil
	}

	step, ok := def.Step(stepName)
	if !ok {
		return models.NewNonRetryable(fmt.Errorf("%w: %s", models.ErrStepNotFound, stepName))
	}

	// Branch steps transition immediately; they never sit as current_step.
	// The evaluation is still recorded as a completed StepExecution so the
	// decision is visible in execution history and to the Sweeper.
	if step.Type == models.StepTypeBranch {
		result := models.EvaluateCondition(inst.Data, *step.Condition)
		next := step.OnFalse
		if result {
			next = step.OnTrue
		}
		output, err := json.Marshal(map[string]interface{}{"branch_result": result, "next_step": next})
		if err != nil {
			return models.NewNonRetryable(fmt.Errorf("marshaling branch output for step %q: %w", stepName, err))
		}
		if err := tx.CreateStepExecution(ctx, &models.StepExecution{
			InstanceID: inst.ID, StepName: stepName, Status: models.StepStatusCompleted, Attempt: 1, Output: output,
		}); err != nil {
			return models.NewRetryable(err)
		}
		return o.transitionToStep(ctx, tx, log, inst, def, *next, requestID)
	}

	inst.CurrentStep = &stepName
	inst.CurrentStepAttempts = 1
	inst.Status = models.InstanceStatusRunning
	if err := tx.UpdateInstance(ctx, inst); err != nil {
		return models.NewRetryable(err)
	}

	switch step.Type {
	case models.StepTypeAction:
		return o.dispatchAction(ctx, tx, inst, stepName, step, 1, requestID, 0)

	case models.StepTypeDelay:
		if err := tx.CreateStepExecution(ctx, &models.StepExecution{
			InstanceID: inst.ID, StepName: stepName, Status: models.StepStatusRunning, Attempt: 1,
		}); err != nil {
			return models.NewRetryable(err)
		}
		completion := models.Event{
			Type:       models.EventStepComplete,
			InstanceID: inst.ID,
			StepName:   stepName,
			RequestID:  requestID,
		}
		publishAt := o.clk.Now().Add(time.Duration(*step.DurationSeconds) * time.Second)
		return o.enqueueOrchestrationEvent(ctx, tx, completion, publishAt)

	case models.StepTypeWaitForEvent:
		if err := tx.CreateStepExecution(ctx, &models.StepExecution{
			InstanceID: inst.ID, StepName: stepName, Status: models.StepStatusRunning, Attempt: 1,
		}); err != nil {
			return models.NewRetryable(err)
		}
		if step.TimeoutSeconds != nil && *step.TimeoutSeconds > 0 {
			timeoutEv := models.Event{
				Type:       models.EventStepFailed,
				InstanceID: inst.ID,
				StepName:   stepName,
				Error:      "wait_for_event timed out",
				RequestID:  requestID,
			}
			publishAt := o.clk.Now().Add(time.Duration(*step.TimeoutSeconds) * time.Second)
			return o.enqueueOrchestrationEvent(ctx, tx, timeoutEv, publishAt)
		}
		return nil

	default:
		return models.NewNonRetryable(fmt.Errorf("step %q has unsupported type %q", stepName, step.Type))
	}
}

func (o *Orchestrator) dispatchAction(ctx context.Context, tx store.TxOps, inst *models.Instance, stepName string, step models.StepSpec, attempt int, requestID string, delay time.Duration) error {
	msg := models.ActionMessage{
		InstanceID:   inst.ID,
		StepName:     stepName,
		ActionID:     step.ActionID,
		Config:       step.Config,
		ConnectionID: step.ConnectionID,
		Attempt:      attempt,
		RequestID:    requestID,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return models.NewNonRetryable(fmt.Errorf("marshaling action message: %w", err))
	}

	// Input persists the dispatched message so the Recovery Sweeper can
	// re-dispatch an identical action for a step that went stuck.
	if err := tx.CreateStepExecution(ctx, &models.StepExecution{
		InstanceID: inst.ID, StepName: stepName, Status: models.StepStatusRunning, Attempt: attempt, Input: json.RawMessage(payload),
	}); err != nil {
		return models.NewRetryable(err)
	}

	return o.enqueueOutbox(ctx, tx, models.DestinationActions, payload, o.clk.Now().Add(delay), requestID)
}

func (o *Orchestrator) enqueueOrchestrationEvent(ctx context.Context, tx store.TxOps, ev models.Event, publishAt time.Time) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return models.NewNonRetryable(fmt.Errorf("marshaling event: %w", err))
	}
	return o.enqueueOutbox(ctx, tx, models.DestinationOrchestration, payload, publishAt, ev.RequestID)
}

func (o *Orchestrator) enqueueOutbox(ctx context.Context, tx store.TxOps, destination string, payload []byte, publishAt time.Time, requestID string) error {
	if err := tx.EnqueueOutbox(ctx, destination, payload, publishAt, requestID); err != nil {
		return models.NewRetryable(err)
	}
	return nil
}

func classifyLookupErr(err error, what string) error {
	if err == models.ErrInstanceNotFound || err == models.ErrVersionNotFound {
		return models.NewNonRetryable(fmt.Errorf("%s lookup: %w", what, err))
	}
	return models.NewRetryable(err)
}

func mergeData(existing, update json.RawMessage) (json.RawMessage, error) {
	var base map[string]interface{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &base); err != nil {
			return nil, err
		}
	}
	if base == nil {
		base = map[string]interface{}{}
	}
	var patch map[string]interface{}
	if err := json.Unmarshal(update, &patch); err != nil {
		return nil, err
	}
	for k, v := range patch {
		base[k] = v
	}
	return json.Marshal(base)
}
