// Package apperr defines the sentinel errors shared across the pipeline.
package apperr

import "errors"

var (
	// ErrNotFound is returned by lookups for unknown runs, subjects, or artifacts.
	ErrNotFound = errors.New("not found")

	// ErrInputMissing means a required input channel or artifact role is absent.
	ErrInputMissing = errors.New("input missing")

	// ErrDuplicateRole means an artifact is already committed for a (subject, role)
	// pair and overwrite was not requested.
	ErrDuplicateRole = errors.New("duplicate role")

	// ErrSpaceMismatch means artifacts in different coordinate spaces were combined.
	ErrSpaceMismatch = errors.New("coordinate space mismatch")

	// ErrExternalTool means an external tool exited nonzero.
	ErrExternalTool = errors.New("external tool failed")

	// ErrTimeout means an external invocation exceeded its deadline and was killed.
	ErrTimeout = errors.New("timeout")

	// ErrResourceUnavailable means a GPU slot or the segmentation gate could not
	// be acquired before the run was cancelled.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrInvocation means a subprocess or container could not be launched at all.
	ErrInvocation = errors.New("invocation failed")

	// ErrCancelled means the run was cancelled before reaching a terminal stage.
	ErrCancelled = errors.New("cancelled")

	// ErrConflict means the request collides with an active run or an
	// existing record.
	ErrConflict = errors.New("conflict")
)

// Kind maps err to the stable failure-kind string recorded on runs and
// failure reports. Errors outside the taxonomy classify as "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInputMissing):
		return "input-missing"
	case errors.Is(err, ErrDuplicateRole):
		return "duplicate-role"
	case errors.Is(err, ErrSpaceMismatch):
		return "space-mismatch"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrExternalTool):
		return "external-tool"
	case errors.Is(err, ErrResourceUnavailable):
		return "resource-unavailable"
	case errors.Is(err, ErrInvocation):
		return "invocation"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not-found"
	}
	return "internal"
}
