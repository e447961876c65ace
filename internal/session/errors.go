package session

import "fmt"

// IllegalTransitionError reports an input rejected because it is not
// valid in the connection's current state (spec.md §7, kind 2).
type IllegalTransitionError struct {
	Input string
	State State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s is not valid while %s", e.Input, e.State)
}
