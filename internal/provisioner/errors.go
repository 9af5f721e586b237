package provisioner

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by a provisioner matches exactly one of them.
var (
	// ErrBackendUnavailable is transient; the contract can be retried next tick.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrInsufficientResources needs operator intervention before a retry.
	ErrInsufficientResources = errors.New("insufficient resources")
	// ErrTimeout is ambiguous: the resource may or may not exist.
	ErrTimeout = errors.New("operation timed out")
	// ErrInvalidRequest is a request or configuration error.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound is returned by internal lookups when a resource is absent.
	ErrNotFound = errors.New("instance not found")
	// ErrManualIntervention means a human has been asked to act.
	ErrManualIntervention = errors.New("manual intervention required")
)

var kinds = []error{
	ErrBackendUnavailable,
	ErrInsufficientResources,
	ErrTimeout,
	ErrInvalidRequest,
	ErrNotFound,
	ErrManualIntervention,
}

// Error is a classified provisioner failure.
type Error struct {
	Kind error
	Op   string
	// ExternalID is the best-known backend identifier, set when a resource
	// may have been partially created.
	ExternalID string
	Err        error
}

// Errorf creates a classified error with a formatted cause.
func Errorf(kind error, op, externalID, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, ExternalID: externalID, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. An err that is already classified keeps its kind.
func Wrap(kind error, op, externalID string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		if pe.ExternalID == "" {
			pe.ExternalID = externalID
		}
		return pe
	}
	return &Error{Kind: kind, Op: op, ExternalID: externalID, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.ExternalID != "" {
		b.WriteString(" ")
		b.WriteString(e.ExternalID)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the kind sentinel err matches, defaulting to ErrBackendUnavailable.
func KindOf(err error) error {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind != nil {
		return pe.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrBackendUnavailable
}

// KindName returns a short snake_case name for the kind of err.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrInsufficientResources:
		return "insufficient_resources"
	case ErrTimeout:
		return "timeout"
	case ErrInvalidRequest:
		return "invalid_request"
	case ErrNotFound:
		return "not_found"
	case ErrManualIntervention:
		return "manual_intervention"
	default:
		return "backend_unavailable"
	}
}

// RetryPossible reports whether the marketplace may retry the contract.
// Only transient backend failures are retryable; a timeout needs reconciliation first.
func RetryPossible(err error) bool {
	return KindOf(err) == ErrBackendUnavailable
}

// ExternalIDOf returns the best-known backend identifier carried by err.
func ExternalIDOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.ExternalID
	}
	return ""
}

// ReportMessage is the failure text sent to the marketplace: the cause without
// the operation prefix, e.g. "clone task failed".
func ReportMessage(err error) string {
	var pe *Error
	if errors.As(err, &pe) && pe.Err != nil {
		return pe.Err.Error()
	}
	return err.Error()
}
