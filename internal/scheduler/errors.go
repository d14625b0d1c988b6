package scheduler

import "fmt"

// DataError marks a stored task that cannot be acted on: empty schedule,
// no DTSTART, or a due task without a delivery target or prompt. Such
// tasks are skipped and never marked fired.
type DataError struct {
	TaskID string
	Reason string
	Err    error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task %s: %s: %v", e.TaskID, e.Reason, e.Err)
	}
	return fmt.Sprintf("task %s: %s", e.TaskID, e.Reason)
}

func (e *DataError) Unwrap() error { return e.Err }
