// Package sweeper implements the Recovery Sweeper: a periodic scan for
// instances whose intent was lost to a crash between a state write and its
// relay, a broker loss, or a worker crash before commit. Each re-emission
// is a fresh outbox row; the Orchestrator's staleness check and the
// Worker's completion check make redelivery safe. The three-way decision
// (pending/stuck-after-completion/stuck-mid-action) is grounded on
// spec.md §4.4 and the teacher's internal/engine reconciliation loop shape.
package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	ffclock "github.com/flowforge/engine/internal/clock"
	"github.com/flowforge/engine/internal/models"
	"github.com/flowforge/engine/internal/observability"
	"github.com/flowforge/engine/internal/store"
	"go.uber.org/zap"
)

// Config tunes the Sweeper's cadence and staleness threshold.
type Config struct {
	Interval     time.Duration
	StaleSeconds int
	BatchSize    int
}

// Sweeper re-activates stuck instances.
type Sweeper struct {
	store   store.Transactor
	clk     ffclock.Clock
	logger  *zap.Logger
	metrics *observability.Metrics
	cfg     Config
}

// New constructs a Sweeper.
func New(st store.Transactor, clk ffclock.Clock, logger *zap.Logger, metrics *observability.Metrics, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleSeconds <= 0 {
		cfg.StaleSeconds = 60
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		store:   st,
		clk:     clk,
		logger:  logger.With(zap.String("component", "sweeper")),
		metrics: metrics,
		cfg:     cfg,
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clk.Ticker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs one recovery pass and returns the number of instances
// re-emitted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	recovered := 0
	cutoff := s.clk.Now().Add(-time.Duration(s.cfg.StaleSeconds) * time.Second)

	err := s.store.WithTx(ctx, func(tx store.TxOps) error {
		stale, err := tx.StaleInstances(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return err
		}

		for i := range stale {
			inst := &stale[i]
			if err := s.recover(ctx, tx, inst); err != nil {
				return err
			}
			recovered++
			s.logger.Warn("recovered stuck instance",
				zap.String("instance_id", inst.ID),
				zap.String("status", string(inst.Status)),
			)
		}
		return nil
	})

	if err == nil && s.metrics != nil && recovered > 0 {
		s.metrics.SweeperRecoveredTotal.Add(float64(recovered))
	}
	return recovered, err
}

func (s *Sweeper) recover(ctx context.Context, tx store.TxOps, inst *models.Instance) error {
	if inst.Status == models.InstanceStatusPending {
		ev := models.Event{Type: models.EventStartWorkflow, InstanceID: inst.ID, VersionID: inst.VersionID, Data: inst.Data}
		return s.enqueueEvent(ctx, tx, ev)
	}

	if inst.CurrentStep == nil {
		// Running with no current step is not a state the state machine
		// produces; nothing to re-emit.
		return nil
	}
	stepName := *inst.CurrentStep

	latest, err := tx.LatestStepExecution(ctx, inst.ID, stepName)
	if err != nil {
		return err
	}

	if latest != nil && latest.Status == models.StepStatusCompleted {
		// The worker finished and wrote its result, but the orchestration
		// intent that should have followed never landed. Re-emit it from
		// the stored output.
		ev := models.Event{Type: models.EventStepComplete, InstanceID: inst.ID, StepName: stepName, Data: latest.Output}
		return s.enqueueEvent(ctx, tx, ev)
	}

	if latest != nil && latest.Status == models.StepStatusFailed {
		ev := models.Event{Type: models.EventStepFailed, InstanceID: inst.ID, StepName: stepName}
		if latest.Error != nil {
			ev.Error = *latest.Error
		}
		return s.enqueueEvent(ctx, tx, ev)
	}

	if latest == nil || latest.Input == nil {
		// No dispatched action on record for this step (e.g. a delay or
		// wait_for_event, whose self-scheduled completion/timeout outbox
		// row is still pending in the relay). Nothing productive to
		// re-dispatch; the existing outbox row will eventually fire.
		return nil
	}

	var msg models.ActionMessage
	if err := json.Unmarshal(latest.Input, &msg); err != nil {
		return fmt.Errorf("decoding stored action message for instance %s step %s: %w", inst.ID, stepName, err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling re-dispatched action message: %w", err)
	}
	return tx.EnqueueOutbox(ctx, models.DestinationActions, payload, s.clk.Now(), msg.RequestID)
}

func (s *Sweeper) enqueueEvent(ctx context.Context, tx store.TxOps, ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling recovered event: %w", err)
	}
	return tx.EnqueueOutbox(ctx, models.DestinationOrchestration, payload, s.clk.Now(), ev.RequestID)
}
