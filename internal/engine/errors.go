package engine

import (
	"fmt"
	"strings"
)

// Every public operation validates all preconditions before any mutation and
// returns one of these kinds on the first violation, leaving zero state
// change. Kinds are matched with errors.As so callers can render precise
// guidance.

// NotAuthorizedError indicates the caller is not the owner of the target
// entity or lacks the required role.
type NotAuthorizedError struct {
	Principal string
	Action    string
}

func (e NotAuthorizedError) Error() string {
	return fmt.Sprintf("principal %s not authorized to %s", e.Principal, e.Action)
}

// InvalidStateError indicates an operation attempted from a status that does
// not permit it.
type InvalidStateError struct {
	Entity string
	ID     string
	Status string
	Op     string
	Reason string
}

func (e InvalidStateError) Error() string {
	msg := fmt.Sprintf("%s %s in status %s does not permit %s", e.Entity, e.ID, e.Status, e.Op)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// CapabilityMismatchError indicates the agent lacks a required capability.
type CapabilityMismatchError struct {
	AgentID  string
	Required []string
}

func (e CapabilityMismatchError) Error() string {
	return fmt.Sprintf("agent %s lacks required capability (need one of: %s)", e.AgentID, strings.Join(e.Required, ", "))
}

type AgentInactiveError struct {
	AgentID string
}

func (e AgentInactiveError) Error() string {
	return fmt.Sprintf("agent %s is not active", e.AgentID)
}

// InsufficientStakeError indicates a registration, withdrawal, or
// reactivation would leave the stake below the configured minimum.
type InsufficientStakeError struct {
	Have int64
	Min  int64
}

func (e InsufficientStakeError) Error() string {
	return fmt.Sprintf("stake %d below minimum %d", e.Have, e.Min)
}

// AmountTooLowError indicates a reward or budget below the configured floor.
type AmountTooLowError struct {
	What   string
	Amount int64
	Min    int64
}

func (e AmountTooLowError) Error() string {
	return fmt.Sprintf("%s %d below minimum %d", e.What, e.Amount, e.Min)
}

// BudgetExceededError indicates a step reward would exceed the workflow's
// remaining budget.
type BudgetExceededError struct {
	WorkflowID string
	Requested  int64
	Remaining  int64
}

func (e BudgetExceededError) Error() string {
	return fmt.Sprintf("workflow %s budget exceeded: step reward %d, remaining %d", e.WorkflowID, e.Requested, e.Remaining)
}

// UnknownDependencyError indicates a step references a dependency that does
// not exist in its workflow.
type UnknownDependencyError struct {
	WorkflowID   string
	DependencyID string
}

func (e UnknownDependencyError) Error() string {
	return fmt.Sprintf("dependency %s does not exist in workflow %s", e.DependencyID, e.WorkflowID)
}

// DeadlineInvalidError indicates a deadline not strictly in the future.
type DeadlineInvalidError struct {
	Deadline string
}

func (e DeadlineInvalidError) Error() string {
	return fmt.Sprintf("deadline %s must be strictly in the future", e.Deadline)
}

// TimeoutNotReachedError indicates an auto-release attempted before the
// release time.
type TimeoutNotReachedError struct {
	ReleaseAt string
}

func (e TimeoutNotReachedError) Error() string {
	return fmt.Sprintf("auto-release not available before %s", e.ReleaseAt)
}

// EmptyInputError indicates a required name, title, or set was empty.
type EmptyInputError struct {
	Field string
}

func (e EmptyInputError) Error() string {
	return fmt.Sprintf("%s is required", e.Field)
}
