package definition_test

import (
	"testing"

	"github.com/flowforge/engine/internal/definition"
	"github.com/flowforge/engine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }
func intp(n int) *int       { return &n }

func TestValidate_ValidLinearDefinition(t *testing.T) {
	def := &models.Definition{
		StartAt: "send_email",
		Steps: map[string]models.StepSpec{
			"send_email": {Type: models.StepTypeAction, ActionID: "email.send", Next: strp("end")},
		},
	}
	assert.NoError(t, definition.Validate(def))
}

func TestValidate_BranchRequiresBothTargets(t *testing.T) {
	def := &models.Definition{
		StartAt: "check",
		Steps: map[string]models.StepSpec{
			"check": {
				Type:      models.StepTypeBranch,
				Condition: &models.Condition{Field: "x", Operator: models.OpEq, Value: "y"},
				OnTrue:    strp("end"),
			},
		},
	}
	err := definition.Validate(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "on_false")
}

func TestValidate_DanglingNextIsRejected(t *testing.T) {
	def := &models.Definition{
		StartAt: "a",
		Steps: map[string]models.StepSpec{
			"a": {Type: models.StepTypeAction, ActionID: "x", Next: strp("nowhere")},
		},
	}
	err := definition.Validate(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nowhere")
}

func TestValidate_DelayRequiresPositiveDuration(t *testing.T) {
	def := &models.Definition{
		StartAt: "wait",
		Steps: map[string]models.StepSpec{
			"wait": {Type: models.StepTypeDelay, DurationSeconds: intp(0), Next: strp("end")},
		},
	}
	err := definition.Validate(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duration_seconds")
}

func TestValidate_StartAtMustResolve(t *testing.T) {
	def := &models.Definition{
		StartAt: "missing",
		Steps: map[string]models.StepSpec{
			"a": {Type: models.StepTypeAction, ActionID: "x", Next: strp("end")},
		},
	}
	err := definition.Validate(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start_at")
}
