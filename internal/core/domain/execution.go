package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries is the retry budget applied when none is configured.
const DefaultMaxRetries = 3

// ErrInvalidTransition is returned when a state change violates the
// execution state machine. Callers must report it, never swallow it:
// it indicates a race or a bug.
var ErrInvalidTransition = errors.New("invalid state transition")

// ExecutionState represents where an execution is in its lifecycle.
type ExecutionState string

const (
	StateCreated        ExecutionState = "CREATED"
	StateQueued         ExecutionState = "QUEUED"
	StateRunning        ExecutionState = "RUNNING"
	StateSucceeded      ExecutionState = "SUCCEEDED"
	StateFailed         ExecutionState = "FAILED"
	StateRetryExhausted ExecutionState = "RETRY_EXHAUSTED"
)

// allowedTransitions is the execution state machine. SUCCEEDED and
// RETRY_EXHAUSTED are terminal.
var allowedTransitions = map[ExecutionState][]ExecutionState{
	StateCreated: {StateQueued},
	StateQueued:  {StateRunning},
	StateRunning: {StateSucceeded, StateFailed},
	StateFailed:  {StateCreated, StateRetryExhausted},
}

// CanTransitionTo reports whether the machine allows moving to next.
func (s ExecutionState) CanTransitionTo(next ExecutionState) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s ExecutionState) Terminal() bool {
	return s == StateSucceeded || s == StateRetryExhausted
}

// Execution is one attempt-tracked unit of work targeting a node.
//
// The record lives in shared storage and is mutated by several independent
// worker processes. Version is the optimistic-concurrency token: every
// state-changing write bumps it, and all writes go through a conditional
// update keyed on (state, version).
type Execution struct {
	ID           string
	NodeID       string
	State        ExecutionState
	Spec         map[string]any
	RetryCount   int
	MaxRetries   int
	ErrorMessage string
	CreatedAt    time.Time
	QueuedAt     *time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Version      int64
}

// NewExecution creates an execution in CREATED state targeting the given
// node. A maxRetries of 0 applies DefaultMaxRetries.
func NewExecution(nodeID string, spec map[string]any, maxRetries int) *Execution {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if spec == nil {
		spec = make(map[string]any)
	}
	return &Execution{
		ID:         uuid.New().String(),
		NodeID:     nodeID,
		State:      StateCreated,
		Spec:       spec,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}
}

// CanRetry reports whether the execution still has retry budget left.
func (e *Execution) CanRetry() bool {
	return e.State == StateFailed && e.RetryCount < e.MaxRetries
}

func (e *Execution) transition(next ExecutionState) error {
	if !e.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s (execution %s)", ErrInvalidTransition, e.State, next, e.ID)
	}
	e.State = next
	e.Version++
	return nil
}

// Queue admits the execution (CREATED -> QUEUED).
func (e *Execution) Queue(now time.Time) error {
	if err := e.transition(StateQueued); err != nil {
		return err
	}
	e.QueuedAt = &now
	return nil
}

// Claim takes exclusive ownership of a queued execution (QUEUED -> RUNNING).
// The claim only becomes effective once the conditional update that carries
// it succeeds.
func (e *Execution) Claim(now time.Time) error {
	if err := e.transition(StateRunning); err != nil {
		return err
	}
	e.StartedAt = &now
	return nil
}

// Succeed records a successful attempt (RUNNING -> SUCCEEDED).
func (e *Execution) Succeed(now time.Time) error {
	if err := e.transition(StateSucceeded); err != nil {
		return err
	}
	e.FinishedAt = &now
	e.ErrorMessage = ""
	return nil
}

// Fail records a failed attempt (RUNNING -> FAILED).
func (e *Execution) Fail(message string, now time.Time) error {
	if err := e.transition(StateFailed); err != nil {
		return err
	}
	e.FinishedAt = &now
	e.ErrorMessage = message
	return nil
}

// Requeue resets a failed execution for another attempt (FAILED -> CREATED).
// It consumes one unit of retry budget and clears the previous attempt.
func (e *Execution) Requeue(now time.Time) error {
	if !e.CanRetry() {
		return fmt.Errorf("%w: FAILED -> CREATED with retry budget spent (execution %s, retry %d/%d)",
			ErrInvalidTransition, e.ID, e.RetryCount, e.MaxRetries)
	}
	if err := e.transition(StateCreated); err != nil {
		return err
	}
	e.RetryCount++
	e.ErrorMessage = ""
	e.QueuedAt = nil
	e.StartedAt = nil
	e.FinishedAt = nil
	return nil
}

// Exhaust terminally marks a failed execution (FAILED -> RETRY_EXHAUSTED).
func (e *Execution) Exhaust(now time.Time) error {
	if err := e.transition(StateRetryExhausted); err != nil {
		return err
	}
	if e.FinishedAt == nil {
		e.FinishedAt = &now
	}
	return nil
}
