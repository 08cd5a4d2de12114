// Package worker implements the Action Worker: it consumes actions_queue,
// runs the named handler with bounded concurrency and a per-action-type
// circuit breaker, and writes the outcome back to the outbox as a
// STEP_COMPLETE/STEP_FAILED event. The transaction procedure (idempotency
// check, then instance load, then connection merge, then handler lookup)
// is grounded on original_source/src/worker/application/worker_service.py,
// preserved in that exact order per SPEC_FULL's supplemented-features
// section. Concurrency idioms (bounded semaphore, timeout-wrapped
// execution) are carried from the teacher's internal/engine/executor.go.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	ffclock "github.com/flowforge/engine/internal/clock"
	"github.com/flowforge/engine/internal/handlers"
	"github.com/flowforge/engine/internal/models"
	"github.com/flowforge/engine/internal/observability"
	"github.com/flowforge/engine/internal/resilience"
	"github.com/flowforge/engine/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Config tunes the Worker's concurrency and handler timeout.
type Config struct {
	Concurrency    int64
	HandlerTimeout time.Duration
}

// Worker executes actions dispatched by the Orchestrator.
type Worker struct {
	store    store.Transactor
	registry handlers.Registry
	clk      ffclock.Clock
	logger   *zap.Logger
	metrics  *observability.Metrics
	cfg      Config

	sem      *semaphore.Weighted
	breakers *resilience.CircuitBreakerManager
}

// New constructs a Worker.
func New(st store.Transactor, registry handlers.Registry, clk ffclock.Clock, logger *zap.Logger, metrics *observability.Metrics, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	log := logger.With(zap.String("component", "worker"))
	return &Worker{
		store:    st,
		registry: registry,
		clk:      clk,
		logger:   log,
		metrics:  metrics,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.Concurrency),
		breakers: resilience.NewCircuitBreakerManager(log),
	}
}

// HandleActionMessage is the Worker's entry point, invoked per delivery
// from the broker's actions_queue consumer.
func (w *Worker) HandleActionMessage(ctx context.Context, requestID string, body []byte) error {
	var msg models.ActionMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return models.NewNonRetryable(fmt.Errorf("decoding action message: %w", err))
	}
	if msg.RequestID == "" {
		msg.RequestID = requestID
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return models.NewRetryable(fmt.Errorf("acquiring worker capacity: %w", err))
	}
	defer w.sem.Release(1)

	log := w.logger.With(
		zap.String("request_id", msg.RequestID),
		zap.String("instance_id", msg.InstanceID),
		zap.String("step_name", msg.StepName),
		zap.String("action_id", msg.ActionID),
	)

	return w.store.WithTx(ctx, func(tx store.TxOps) error {
		return w.executeAction(ctx, tx, log, msg)
	})
}

func (w *Worker) executeAction(ctx context.Context, tx store.TxOps, log *zap.Logger, msg models.ActionMessage) error {
	// 1. Idempotency: if the latest execution for this step already
	// completed, this is a redelivery of an already-handled message.
	latest, err := tx.LatestStepExecution(ctx, msg.InstanceID, msg.StepName)
	if err != nil {
		return models.NewRetryable(err)
	}
	if latest != nil && latest.Status == models.StepStatusCompleted {
		log.Debug("step already completed, dropping redelivered action")
		return nil
	}

	// 2. Load instance data. A missing instance means the message is
	// unrecoverable: dead-letter it rather than retry forever.
	inst, err := tx.GetInstanceForUpdate(ctx, msg.InstanceID)
	if err != nil {
		if err == models.ErrInstanceNotFound {
			return models.NewNonRetryable(fmt.Errorf("action for unknown instance %s: %w", msg.InstanceID, err))
		}
		return models.NewRetryable(err)
	}

	// 3. Merge connection config under the inline step config; inline
	// wins on key collision. A missing connection is logged and the
	// worker proceeds with inline config only.
	config := msg.Config
	if config == nil {
		config = map[string]interface{}{}
	}
	if msg.ConnectionID != nil {
		conn, connErr := tx.GetConnection(ctx, *msg.ConnectionID)
		if connErr != nil {
			return models.NewRetryable(connErr)
		}
		if conn == nil {
			log.Warn("connection not found, proceeding with inline config only", zap.String("connection_id", *msg.ConnectionID))
		} else {
			merged := map[string]interface{}{}
			var stored map[string]interface{}
			if err := json.Unmarshal(conn.Config, &stored); err == nil {
				for k, v := range stored {
					merged[k] = v
				}
			}
			for k, v := range config {
				merged[k] = v
			}
			config = merged
		}
	}
	config = models.ResolveConfig(inst.Data, config)

	// 4. Handler lookup.
	handler, ok := w.registry.Lookup(msg.ActionID)
	if !ok {
		return w.writeResult(ctx, tx, msg, models.ActionResult{
			Status:       models.ActionStatusFailure,
			ErrorMessage: fmt.Sprintf("%v: %s", models.ErrHandlerNotFound, msg.ActionID),
		})
	}

	// 5. Execute with a bounded timeout and a per-action-type circuit
	// breaker, converting panics/errors into a FAILURE result rather than
	// propagating them as broker-level delivery errors.
	result := w.invoke(ctx, log, handler, msg, config)

	if w.metrics != nil {
		w.metrics.StepExecutionsTotal.WithLabelValues(string(models.StepTypeAction), string(result.Status)).Inc()
	}

	return w.writeResult(ctx, tx, msg, result)
}

func (w *Worker) invoke(ctx context.Context, log *zap.Logger, handler handlers.Handler, msg models.ActionMessage, config map[string]interface{}) (result models.ActionResult) {
	breaker := w.breakers.GetOrCreate(msg.ActionID, resilience.CircuitBreakerConfig{
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
	})

	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", zap.Any("panic", r))
			result = models.ActionResult{Status: models.ActionStatusFailure, ErrorMessage: fmt.Sprintf("panic: %v", r)}
		}
	}()

	start := w.clk.Now()
	out, err := breaker.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
		timeoutCtx, cancel := context.WithTimeout(ctx, w.cfg.HandlerTimeout)
		defer cancel()
		return handler.Execute(timeoutCtx, config)
	})
	if w.metrics != nil {
		w.metrics.StepExecutionSeconds.WithLabelValues(msg.ActionID).Observe(w.clk.Now().Sub(start).Seconds())
	}

	if err != nil {
		log.Warn("action handler failed", zap.Error(err))
		return models.ActionResult{Status: models.ActionStatusFailure, ErrorMessage: err.Error()}
	}

	output, _ := out.(map[string]interface{})
	return models.ActionResult{Status: models.ActionStatusSuccess, Output: output}
}

func (w *Worker) writeResult(ctx context.Context, tx store.TxOps, msg models.ActionMessage, result models.ActionResult) error {
	se, err := tx.LatestStepExecution(ctx, msg.InstanceID, msg.StepName)
	if err != nil {
		return models.NewRetryable(err)
	}

	if se != nil {
		status := models.StepStatusCompleted
		var errMsg *string
		var output json.RawMessage
		if result.Status == models.ActionStatusFailure {
			status = models.StepStatusFailed
			errMsg = &result.ErrorMessage
		} else if result.Output != nil {
			output, _ = json.Marshal(result.Output)
		}
		if err := tx.CompleteStepExecution(ctx, se.ID, status, output, errMsg); err != nil {
			return models.NewRetryable(err)
		}
	}

	ev := models.Event{
		InstanceID: msg.InstanceID,
		StepName:   msg.StepName,
		RequestID:  msg.RequestID,
	}
	if result.Status == models.ActionStatusSuccess {
		ev.Type = models.EventStepComplete
		if result.Output != nil {
			ev.Data, _ = json.Marshal(result.Output)
		}
	} else {
		ev.Type = models.EventStepFailed
		ev.Error = result.ErrorMessage
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return models.NewNonRetryable(fmt.Errorf("marshaling result event: %w", err))
	}
	if err := tx.EnqueueOutbox(ctx, models.DestinationOrchestration, payload, w.clk.Now(), msg.RequestID); err != nil {
		return models.NewRetryable(err)
	}
	return nil
}
