package saga

import (
	"context"
	"fmt"
	"time"
)

// Definition is a registered saga template: an ordered list of steps plus
// terminal hooks
type Definition struct {
	Type  string
	Steps []Step
	// DataVersion is the payload version new instances are started with
	DataVersion int

	// OnComplete runs after every step succeeded, before the saga is marked Completed
	OnComplete func(ctx context.Context, state State) error
	// OnFailure runs after compensation, before the saga is marked Failed
	OnFailure func(ctx context.Context, state State, cause error) error

	leaseHold time.Duration
}

func (d *Definition) validate() error {
	if d.Type == "" {
		return fmt.Errorf("saga type is empty")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %s has no steps", d.Type)
	}

	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step == nil {
			return fmt.Errorf("saga %s step %d is nil", d.Type, i)
		}
		name := step.Name()
		if name == "" {
			return fmt.Errorf("saga %s step %d has no name", d.Type, i)
		}
		if seen[name] {
			return fmt.Errorf("saga %s has duplicate step %s", d.Type, name)
		}
		if p := step.Policy(); p.MaxRetries < 0 || p.Timeout < 0 {
			return fmt.Errorf("saga %s step %s has an invalid policy", d.Type, name)
		}
		seen[name] = true
	}
	return nil
}

func (d *Definition) stepIndex(name string) int {
	for i, step := range d.Steps {
		if step.Name() == name {
			return i
		}
	}
	return -1
}

func (d *Definition) step(name string) Step {
	if i := d.stepIndex(name); i >= 0 {
		return d.Steps[i]
	}
	return nil
}
