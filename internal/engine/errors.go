package engine

import "fmt"

// ValidationError marks caller input that can be corrected and resent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// InvalidTransitionError reports a rejected status-graph edge.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// ConflictError reports a concurrent modification detected by an
// optimistic-concurrency check. The operation is safe to retry.
type ConflictError struct {
	Op string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("conflicting state: %s", e.Op)
}
