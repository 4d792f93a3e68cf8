package types

import "fmt"

// InvariantError signals a programming error such as queue corruption.
// It is raised with panic and must never be silently recovered.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Msg
}

// Invariantf panics with a formatted InvariantError.
func Invariantf(format string, args ...any) {
	panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
}
