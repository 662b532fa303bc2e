package engine

import "fmt"

// ValidationError rejects malformed input before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Reason) }

// ForbiddenError rejects callers whose account is not active.
type ForbiddenError struct {
	AccountID string
	Status    string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("account %s is %s", e.AccountID, e.Status)
}
