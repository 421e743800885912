package models

import (
	"fmt"
	"time"
)

// JobState represents the current state of a scheduled execution.
type JobState string

const (
	// StateArmed means the timer is set and the job has not fired yet.
	StateArmed JobState = "armed"
	// StateRefreshing means the job fired and is rebuilding the market snapshot.
	StateRefreshing JobState = "refreshing"
	// StateMatching means candidate quotes are being fetched and matched.
	StateMatching JobState = "matching"
	// StateExecuting means a pair was matched and leg orders are being placed.
	StateExecuting JobState = "executing"
	// StateReporting means no pair matched and the similarity report is being emitted.
	StateReporting JobState = "reporting_no_match"
	// StateDone is the successful terminal state.
	StateDone JobState = "done"
	// StateError is the failure terminal state, reachable from any non-terminal state.
	StateError JobState = "error"
)

// StateTransition defines one valid job state transition.
type StateTransition struct {
	From        JobState
	To          JobState
	Condition   string
	Description string
}

// ValidTransitions enumerates every legal job state transition.
var ValidTransitions = []StateTransition{
	{StateArmed, StateRefreshing, "timer_fired", "Scheduled instant reached"},
	{StateRefreshing, StateMatching, "snapshot_built", "Market snapshot rebuilt"},
	{StateMatching, StateExecuting, "match_found", "Target premium matched on both sides"},
	{StateMatching, StateReporting, "no_match", "No contract trading near target"},
	{StateExecuting, StateDone, "orders_submitted", "Both leg submissions attempted"},
	{StateReporting, StateDone, "report_emitted", "Similarity report emitted"},

	{StateArmed, StateError, "job_failed", "Job failed before firing"},
	{StateRefreshing, StateError, "job_failed", "Spot quote fetch failed"},
	{StateMatching, StateError, "job_failed", "Candidate quote fetch failed"},
	{StateExecuting, StateError, "job_failed", "Matched strike could not be resolved"},
	{StateReporting, StateError, "job_failed", "Similarity report failed"},
}

// JobStateMachine tracks one job's progress through the execution sequence.
// It is not safe for concurrent use; each job runs on a single goroutine.
type JobStateMachine struct {
	transitionTime time.Time
	currentState   JobState
	previousState  JobState
}

// NewJobStateMachine creates a state machine in the armed state.
func NewJobStateMachine() *JobStateMachine {
	return &JobStateMachine{
		currentState:   StateArmed,
		previousState:  StateArmed,
		transitionTime: time.Now().UTC(),
	}
}

// GetCurrentState returns the current state.
func (sm *JobStateMachine) GetCurrentState() JobState {
	return sm.currentState
}

// GetPreviousState returns the previous state.
func (sm *JobStateMachine) GetPreviousState() JobState {
	return sm.previousState
}

// IsTerminal returns true once the job has reached done or error.
func (sm *JobStateMachine) IsTerminal() bool {
	return sm.currentState == StateDone || sm.currentState == StateError
}

// IsValidTransition checks whether moving to the given state under the given
// condition is legal from the current state.
func (sm *JobStateMachine) IsValidTransition(to JobState, condition string) error {
	for _, tr := range ValidTransitions {
		if tr.From == sm.currentState && tr.To == to && tr.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition %q",
		sm.currentState, to, condition)
}

// Transition moves to a new state.
func (sm *JobStateMachine) Transition(to JobState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	return nil
}

// GetStateDescription returns a human-readable description of the current state.
func (sm *JobStateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StateArmed:
		return "Armed: waiting for the scheduled instant"
	case StateRefreshing:
		return "Refreshing: rebuilding market snapshot from a fresh spot quote"
	case StateMatching:
		return "Matching: fetching candidate quotes and matching the target premium"
	case StateExecuting:
		return "Executing: placing stop-loss-market sell orders on both legs"
	case StateReporting:
		return "Reporting: no match found, listing pairs with similar premiums"
	case StateDone:
		return "Done: execution complete"
	case StateError:
		return "Error: job aborted, operator must resubmit"
	default:
		return "Unknown state"
	}
}
