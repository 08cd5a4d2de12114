package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/flowforge/engine/internal/models"
	"github.com/google/uuid"
)

// CreateWorkflow inserts a new named workflow.
func (t *Tx) CreateWorkflow(ctx context.Context, name string) (*models.Workflow, error) {
	wf := &models.Workflow{ID: uuid.New().String(), Name: name}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO workflows (id, name, created_at, updated_at) VALUES ($1, $2, now(), now())`,
		wf.ID, wf.Name)
	if err != nil {
		return nil, fmt.Errorf("creating workflow %q: %w", name, err)
	}
	return wf, nil
}

// CreateVersion inserts a new, already-validated definition as a version
// of workflowID. If active is true, any previously active version of the
// same workflow is deactivated first.
func (t *Tx) CreateVersion(ctx context.Context, workflowID string, definition json.RawMessage, active bool) (*models.Version, error) {
	if active {
		if _, err := t.tx.ExecContext(ctx, `UPDATE versions SET active = false WHERE workflow_id = $1`, workflowID); err != nil {
			return nil, fmt.Errorf("deactivating prior versions of %s: %w", workflowID, err)
		}
	}

	v := &models.Version{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Definition: definition,
		Active:     active,
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO versions (id, workflow_id, definition, active, created_at) VALUES ($1, $2, $3, $4, now())`,
		v.ID, v.WorkflowID, v.Definition, v.Active)
	if err != nil {
		return nil, fmt.Errorf("creating version for workflow %s: %w", workflowID, err)
	}
	return v, nil
}

// ActiveVersion returns the active version of workflowID.
func (t *Tx) ActiveVersion(ctx context.Context, workflowID string) (*models.Version, error) {
	var v models.Version
	err := t.tx.GetContext(ctx, &v, `
		SELECT id, workflow_id, definition, active, created_at FROM versions
		WHERE workflow_id = $1 AND active = true`, workflowID)
	if err == sql.ErrNoRows {
		return nil, models.ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading active version for workflow %s: %w", workflowID, err)
	}
	return &v, nil
}
