package registry

import (
	"errors"
	"fmt"
)

// ErrEmptyServiceType and ErrNilService are sentinel errors for the two
// Register precondition failures, matching the "errors.New for fixed
// precondition failures" pattern used throughout this module.
var (
	ErrEmptyServiceType = errors.New("service type must not be empty")
	ErrNilService       = errors.New("service must not be nil")
)

// NotFoundError reports an operation against an ID the registry does not
// recognize (never registered, or already unregistered).
type NotFoundError struct {
	ID ID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("service %d not found", e.ID)
}

// IsNotFound reports whether err is, or wraps, a *NotFoundError.
func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}
