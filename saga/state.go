package saga

import (
	"time"
)

// Status is the lifecycle state of a saga
type Status string

const (
	StatusRunning      Status = "RUNNING"
	StatusCompensating Status = "COMPENSATING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCancelled    Status = "CANCELLED"
)

// Terminal reports whether no further transition can happen without an
// operator retry
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus is the outcome recorded for a step in the history
type StepStatus string

const (
	StepStarted     StepStatus = "started"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// StepRecord is one entry of a saga's step history
type StepRecord struct {
	Step   string     `json:"step"`
	Status StepStatus `json:"status"`
	// Attempt is the saga run attempt, StepAttempt the try within that run
	Attempt     int       `json:"attempt"`
	StepAttempt int       `json:"step_attempt"`
	Timestamp   time.Time `json:"timestamp"`
	Error       string    `json:"error,omitempty"`
}

// State is the persisted state of one saga instance. It is mutated only by
// the orchestrator driving that instance.
type State struct {
	SagaID          string       `json:"saga_id"`
	SagaType        string       `json:"saga_type"`
	AggregateID     string       `json:"aggregate_id"`
	CurrentStep     string       `json:"current_step"`
	StepHistory     []StepRecord `json:"step_history"`
	Data            Data         `json:"data"`
	CorrelationID   string       `json:"correlation_id"`
	TenantID        string       `json:"tenant_id"`
	Status          Status       `json:"status"`
	Attempt         int          `json:"attempt"`
	Revision        int64        `json:"revision"`
	CancelRequested bool         `json:"cancel_requested"`
	LastError       string       `json:"last_error,omitempty"`
	// DriverID names the process driving the saga until LeaseUntil. Every
	// save by the driver extends the lease; terminal sagas carry none.
	DriverID   string    `json:"driver_id,omitempty"`
	LeaseUntil time.Time `json:"lease_until,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Leased reports whether a driver other than driverID holds a live lease at now
func (s State) Leased(driverID string, now time.Time) bool {
	return s.DriverID != "" && s.DriverID != driverID && now.Before(s.LeaseUntil)
}

// Clone returns a deep copy
func (s State) Clone() State {
	c := s
	c.StepHistory = append([]StepRecord(nil), s.StepHistory...)
	c.Data = s.Data.Clone()
	return c
}

func (s *State) record(step string, status StepStatus, stepAttempt int, at time.Time, err error) {
	entry := StepRecord{
		Step:        step,
		Status:      status,
		Attempt:     s.Attempt,
		StepAttempt: stepAttempt,
		Timestamp:   at,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.StepHistory = append(s.StepHistory, entry)
}

// attemptHistory returns the entries of the current run attempt
func (s State) attemptHistory() []StepRecord {
	var entries []StepRecord
	for _, entry := range s.StepHistory {
		if entry.Attempt == s.Attempt {
			entries = append(entries, entry)
		}
	}
	return entries
}

// pendingCompensation lists the steps completed in the current attempt that
// have not been compensated yet, most recent first
func (s State) pendingCompensation() []string {
	compensated := make(map[string]bool)
	var completed []string
	for _, entry := range s.attemptHistory() {
		switch entry.Status {
		case StepCompleted:
			completed = append(completed, entry.Step)
		case StepCompensated:
			compensated[entry.Step] = true
		}
	}

	pending := make([]string, 0, len(completed))
	for i := len(completed) - 1; i >= 0; i-- {
		if !compensated[completed[i]] {
			pending = append(pending, completed[i])
		}
	}
	return pending
}

// stepAttempts counts the attempts started for step in the current run
func (s State) stepAttempts(step string) int {
	n := 0
	for _, entry := range s.attemptHistory() {
		if entry.Step == step && entry.Status == StepStarted {
			n++
		}
	}
	return n
}

// StepsWithStatus returns the step names of the current attempt with the given status, in order
func (s State) StepsWithStatus(status StepStatus) []string {
	var steps []string
	for _, entry := range s.attemptHistory() {
		if entry.Status == status {
			steps = append(steps, entry.Step)
		}
	}
	return steps
}
