// Package errors defines error kinds for the Aurora restore pipeline.
package errors

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

var (
	// ErrValidation indicates a malformed or out-of-range input value.
	ErrValidation = errors.New("validation failed")
	// ErrPreconditionFailed indicates a prior step failed or required state is absent.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrConfigMissing indicates a required configuration key is unresolved.
	ErrConfigMissing = errors.New("required configuration missing")
	// ErrSnapshotNotFound indicates the snapshot does not exist.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrClusterNotFound indicates the cluster does not exist.
	ErrClusterNotFound = errors.New("cluster not found")
	// ErrNotFound is a generic not found error.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates the resource to create already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrTransient indicates a retryable cloud failure (throttle, 5xx).
	ErrTransient = errors.New("transient cloud error")
	// ErrCloud indicates a non-retryable cloud failure.
	ErrCloud = errors.New("cloud operation failed")
	// ErrSQL indicates a database connection or statement failure.
	ErrSQL = errors.New("sql operation failed")
	// ErrWaitTimeout indicates a polling step exhausted its attempt budget.
	ErrWaitTimeout = errors.New("wait timeout")
)

// IsNotFound returns true if the error is any kind of "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSnapshotNotFound) ||
		errors.Is(err, ErrClusterNotFound)
}

// IsTransient returns true if the error should be retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsAlreadyExists returns true if the resource to create already exists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// HTTPStatus maps an error to the response envelope status code. Validation
// and precondition failures are caller errors; missing resources are 404;
// everything else is a server-side failure.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrPreconditionFailed),
		errors.Is(err, ErrConfigMissing):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
