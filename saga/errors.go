package saga

import "fmt"

// ResourceBusyError is raised when the worker cannot acquire every lock a
// saga's resource set needs (§4.7 step 1). Classified retryable at
// quarantine time on the "other transaction" substring (§7.1).
type ResourceBusyError struct {
	Resources []string
}

func (e *ResourceBusyError) Error() string {
	return fmt.Sprintf("other transaction in progress on %v", e.Resources)
}

// StepFunctionNotFoundError is raised when a persisted step name has no
// registry entry at execution time (§4.1, §7.2), typically because of
// deploy skew. Classified retryable at quarantine time.
type StepFunctionNotFoundError struct {
	Name string
}

func (e *StepFunctionNotFoundError) Error() string {
	return fmt.Sprintf("step function not found: %s", e.Name)
}

// StepExecutionError wraps any error a step's execute action returns
// (§7.3). Compensation of the success trail has already run by the time
// this is surfaced.
type StepExecutionError struct {
	StepName string
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.StepName, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }
