// Package definition validates the structural shape of a workflow
// definition before it is accepted as a new Version: every step the
// graph references must exist (or be the sentinel "end"), and every step
// carries the fields its type requires. It deliberately does not check
// that an action_id or connector_id is registered anywhere — per
// spec.md §6, that existence check is an external collaborator's
// concern. Grounded on the validator shape buildbeaver-buildbeaver's
// server/dto package uses: accumulate every violation with
// hashicorp/go-multierror instead of failing on the first one.
package definition

import (
	"fmt"

	"github.com/flowforge/engine/internal/models"
	"github.com/hashicorp/go-multierror"
)

// Validate checks def's structural well-formedness, returning a
// multierror.Error (via errors.As) aggregating every violation found.
func Validate(def *models.Definition) error {
	var result *multierror.Error

	if def.StartAt == "" {
		result = multierror.Append(result, fmt.Errorf("start_at is required"))
	} else if !stepExists(def, def.StartAt) {
		result = multierror.Append(result, fmt.Errorf("start_at %q does not resolve to a defined step", def.StartAt))
	}

	if len(def.Steps) == 0 {
		result = multierror.Append(result, fmt.Errorf("definition must declare at least one step"))
	}

	for name, step := range def.Steps {
		if err := validateStep(def, name, step); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func stepExists(def *models.Definition, name string) bool {
	if name == models.EndStep {
		return true
	}
	_, ok := def.Steps[name]
	return ok
}

func validateStep(def *models.Definition, name string, step models.StepSpec) error {
	var errs *multierror.Error

	switch step.Type {
	case models.StepTypeAction:
		if step.ActionID == "" {
			errs = multierror.Append(errs, fmt.Errorf("step %q: action steps require action_id", name))
		}
		if step.Retry != nil && step.Retry.MaxAttempts < 1 {
			errs = multierror.Append(errs, fmt.Errorf("step %q: retry.max_attempts must be >= 1", name))
		}
		errs = checkNext(def, name, step.Next, errs)

	case models.StepTypeDelay:
		if step.DurationSeconds == nil || *step.DurationSeconds <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("step %q: delay steps require a positive duration_seconds", name))
		}
		errs = checkNext(def, name, step.Next, errs)

	case models.StepTypeBranch:
		if step.Condition == nil {
			errs = multierror.Append(errs, fmt.Errorf("step %q: branch steps require a condition", name))
		} else if step.Condition.Field == "" {
			errs = multierror.Append(errs, fmt.Errorf("step %q: branch condition requires a field", name))
		}
		if step.OnTrue == nil {
			errs = multierror.Append(errs, fmt.Errorf("step %q: branch steps require on_true", name))
		} else if !stepExists(def, *step.OnTrue) {
			errs = multierror.Append(errs, fmt.Errorf("step %q: on_true %q does not resolve to a defined step", name, *step.OnTrue))
		}
		if step.OnFalse == nil {
			errs = multierror.Append(errs, fmt.Errorf("step %q: branch steps require on_false", name))
		} else if !stepExists(def, *step.OnFalse) {
			errs = multierror.Append(errs, fmt.Errorf("step %q: on_false %q does not resolve to a defined step", name, *step.OnFalse))
		}

	case models.StepTypeWaitForEvent:
		errs = checkNext(def, name, step.Next, errs)

	default:
		errs = multierror.Append(errs, fmt.Errorf("step %q: unknown step type %q", name, step.Type))
	}

	return errs.ErrorOrNil()
}

func checkNext(def *models.Definition, name string, next *string, errs *multierror.Error) *multierror.Error {
	if next == nil {
		return multierror.Append(errs, fmt.Errorf("step %q: next is required (use \"end\" to terminate)", name))
	}
	if !stepExists(def, *next) {
		return multierror.Append(errs, fmt.Errorf("step %q: next %q does not resolve to a defined step", name, *next))
	}
	return errs
}
