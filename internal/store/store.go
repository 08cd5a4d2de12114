// Package store is the persistence layer: a transactional Postgres
// repository over the six tables an instance's lifecycle touches, built
// on sqlx + lib/pq following the teacher's internal/repo/repository.go
// connection-pool setup and NamedExec/Get/Select query style.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowforge/engine/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// TxOps is the set of operations available inside a transaction. It lets
// callers (Orchestrator, Relay, Worker, Sweeper) depend on an interface
// instead of the concrete *Tx, so unit tests can substitute an in-memory
// fake instead of a live Postgres connection.
type TxOps interface {
	GetVersion(ctx context.Context, id string) (*models.Version, error)
	GetInstanceForUpdate(ctx context.Context, id string) (*models.Instance, error)
	CreateInstance(ctx context.Context, versionID string, data json.RawMessage) (*models.Instance, error)
	UpdateInstance(ctx context.Context, inst *models.Instance) error
	LatestStepExecution(ctx context.Context, instanceID, stepName string) (*models.StepExecution, error)
	CreateStepExecution(ctx context.Context, se *models.StepExecution) error
	CompleteStepExecution(ctx context.Context, id string, status models.StepExecutionStatus, output json.RawMessage, errMsg *string) error
	EnqueueOutbox(ctx context.Context, destination string, payload []byte, publishAt time.Time, requestID string) error
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
	DueOutboxMessages(ctx context.Context, limit int) ([]models.OutboxMessage, error)
	MarkOutboxProcessed(ctx context.Context, ids []string) error
	StaleInstances(ctx context.Context, cutoff time.Time, limit int) ([]models.Instance, error)
	CreateWorkflow(ctx context.Context, name string) (*models.Workflow, error)
	CreateVersion(ctx context.Context, workflowID string, definition json.RawMessage, active bool) (*models.Version, error)
	ActiveVersion(ctx context.Context, workflowID string) (*models.Version, error)
}

// Transactor runs fn inside a single transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(TxOps) error) error
}

// Store is the engine's persistence surface. Every mutating method that
// needs more than one statement does so inside WithTx.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn and configures the pool the way the teacher's
// Repository does (bounded open/idle conns, bounded connection lifetime).
func Open(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Tx implements TxOps on top of one database transaction.
type Tx struct {
	tx *sqlx.Tx
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back if fn returns an error or panics.
func (s *Store) WithTx(ctx context.Context, fn func(TxOps) error) (err error) {
	sqlxTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			sqlxTx.Rollback()
			panic(p)
		}
		if err != nil {
			sqlxTx.Rollback()
			return
		}
		err = sqlxTx.Commit()
	}()

	err = fn(&Tx{tx: sqlxTx})
	return err
}

// GetVersion loads a Version by id.
func (t *Tx) GetVersion(ctx context.Context, id string) (*models.Version, error) {
	var v models.Version
	err := t.tx.GetContext(ctx, &v, `SELECT id, workflow_id, definition, active, created_at FROM versions WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, models.ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading version %s: %w", id, err)
	}
	return &v, nil
}

// GetInstanceForUpdate loads an Instance, row-locked for the duration of
// the transaction.
func (t *Tx) GetInstanceForUpdate(ctx context.Context, id string) (*models.Instance, error) {
	var inst models.Instance
	err := t.tx.GetContext(ctx, &inst, `
		SELECT id, version_id, status, current_step, current_step_attempts, data, created_at, updated_at
		FROM instances WHERE id = $1 FOR UPDATE`, id)
	if err == sql.ErrNoRows {
		return nil, models.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading instance %s: %w", id, err)
	}
	return &inst, nil
}

// CreateInstance inserts a new pending instance for versionID.
func (t *Tx) CreateInstance(ctx context.Context, versionID string, data json.RawMessage) (*models.Instance, error) {
	inst := &models.Instance{
		ID:        uuid.New().String(),
		VersionID: versionID,
		Status:    models.InstanceStatusPending,
		Data:      data,
	}
	if inst.Data == nil {
		inst.Data = json.RawMessage(`{}`)
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO instances (id, version_id, status, current_step, current_step_attempts, data, created_at, updated_at)
		VALUES ($1, $2, $3, NULL, 0, $4, now(), now())`,
		inst.ID, inst.VersionID, inst.Status, inst.Data)
	if err != nil {
		return nil, fmt.Errorf("creating instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance persists the mutable fields of inst.
func (t *Tx) UpdateInstance(ctx context.Context, inst *models.Instance) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE instances
		SET status = $1, current_step = $2, current_step_attempts = $3, data = $4, updated_at = now()
		WHERE id = $5`,
		inst.Status, inst.CurrentStep, inst.CurrentStepAttempts, inst.Data, inst.ID)
	if err != nil {
		return fmt.Errorf("updating instance %s: %w", inst.ID, err)
	}
	return nil
}

// LatestStepExecution returns the most recent StepExecution for
// (instanceID, stepName), or nil if none exists.
func (t *Tx) LatestStepExecution(ctx context.Context, instanceID, stepName string) (*models.StepExecution, error) {
	var se models.StepExecution
	err := t.tx.GetContext(ctx, &se, `
		SELECT id, instance_id, step_name, status, attempt, input, output, error, started_at, completed_at
		FROM step_executions
		WHERE instance_id = $1 AND step_name = $2
		ORDER BY started_at DESC LIMIT 1`, instanceID, stepName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest step execution for %s/%s: %w", instanceID, stepName, err)
	}
	return &se, nil
}

// CreateStepExecution inserts a new step execution row.
func (t *Tx) CreateStepExecution(ctx context.Context, se *models.StepExecution) error {
	if se.ID == "" {
		se.ID = uuid.New().String()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO step_executions (id, instance_id, step_name, status, attempt, input, output, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), $9)`,
		se.ID, se.InstanceID, se.StepName, se.Status, se.Attempt, se.Input, se.Output, se.Error, se.CompletedAt)
	if err != nil {
		return fmt.Errorf("creating step execution: %w", err)
	}
	return nil
}

// CompleteStepExecution marks a step execution terminal with status/output/error.
func (t *Tx) CompleteStepExecution(ctx context.Context, id string, status models.StepExecutionStatus, output json.RawMessage, errMsg *string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE step_executions SET status = $1, output = $2, error = $3, completed_at = now() WHERE id = $4`,
		status, output, errMsg, id)
	if err != nil {
		return fmt.Errorf("completing step execution %s: %w", id, err)
	}
	return nil
}

// EnqueueOutbox inserts a durable intent for the Relay to publish.
func (t *Tx) EnqueueOutbox(ctx context.Context, destination string, payload []byte, publishAt time.Time, requestID string) error {
	var reqID *string
	if requestID != "" {
		reqID = &requestID
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO outbox (id, destination, payload, publish_at, processed_at, created_at, request_id)
		VALUES ($1, $2, $3, $4, NULL, now(), $5)`,
		uuid.New().String(), destination, payload, publishAt, reqID)
	if err != nil {
		return fmt.Errorf("enqueueing outbox message to %s: %w", destination, err)
	}
	return nil
}

// GetConnection loads a Connection by id.
func (t *Tx) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	var c models.Connection
	err := t.tx.GetContext(ctx, &c, `SELECT id, connector_id, name, config, created_at FROM connections WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading connection %s: %w", id, err)
	}
	return &c, nil
}

// DueOutboxMessages selects up to limit unprocessed rows whose publish_at
// has elapsed, locking them FOR UPDATE SKIP LOCKED so concurrent relay
// instances never double-publish.
func (t *Tx) DueOutboxMessages(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	var rows []models.OutboxMessage
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT id, destination, payload, publish_at, processed_at, created_at, request_id
		FROM outbox
		WHERE processed_at IS NULL AND publish_at <= now()
		ORDER BY publish_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting due outbox messages: %w", err)
	}
	return rows, nil
}

// MarkOutboxProcessed marks the given outbox rows as processed.
func (t *Tx) MarkOutboxProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE outbox SET processed_at = now() WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("building mark-processed query: %w", err)
	}
	query = t.tx.Rebind(query)
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("marking outbox messages processed: %w", err)
	}
	return nil
}

// StaleInstances returns pending/running instances whose updated_at is
// older than the given cutoff, for the Recovery Sweeper.
func (t *Tx) StaleInstances(ctx context.Context, cutoff time.Time, limit int) ([]models.Instance, error) {
	var rows []models.Instance
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT id, version_id, status, current_step, current_step_attempts, data, created_at, updated_at
		FROM instances
		WHERE status IN ('pending', 'running') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting stale instances: %w", err)
	}
	return rows, nil
}
