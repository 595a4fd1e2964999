package fleet

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the failures the orchestrators report.
type ErrorKind int

const (
	// ErrorKindUnknown represents an unclassified error
	ErrorKindUnknown ErrorKind = iota
	// ErrorKindCorruptRegistry means the durable registry could not be parsed.
	ErrorKindCorruptRegistry
	// ErrorKindArtifactResolution means no verified binary could be produced for the requested version.
	ErrorKindArtifactResolution
	// ErrorKindAllocation means ports or names could not be allocated.
	ErrorKindAllocation
	// ErrorKindServiceRegistration means the host service entry could not be created.
	ErrorKindServiceRegistration
	// ErrorKindAmbiguousSelection means both a service name and a peer id were given.
	ErrorKindAmbiguousSelection
	// ErrorKindNotFound means the selection matched no registry record.
	ErrorKindNotFound
	// ErrorKindServiceStart means the service backend failed to start the instance.
	ErrorKindServiceStart
	// ErrorKindServiceStop means the service backend failed to stop or uninstall the instance.
	ErrorKindServiceStop
	// ErrorKindHealthCheckTimeout means the instance never answered its control-plane query.
	ErrorKindHealthCheckTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindCorruptRegistry:
		return "CorruptRegistry"
	case ErrorKindArtifactResolution:
		return "ArtifactResolutionError"
	case ErrorKindAllocation:
		return "AllocationError"
	case ErrorKindServiceRegistration:
		return "ServiceRegistrationError"
	case ErrorKindAmbiguousSelection:
		return "AmbiguousSelection"
	case ErrorKindNotFound:
		return "NotFound"
	case ErrorKindServiceStart:
		return "ServiceStartError"
	case ErrorKindServiceStop:
		return "ServiceStopError"
	case ErrorKindHealthCheckTimeout:
		return "HealthCheckTimeout"
	default:
		return "Unknown"
	}
}

// Error is a classified failure, optionally attributed to one instance.
type Error struct {
	Kind     ErrorKind
	Instance string
	Message  string
	Cause    error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if e.Instance != "" {
		msg = fmt.Sprintf("%s: %s", e.Instance, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error of the given kind that is not tied to an instance.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewInstanceError creates an Error attributed to the named instance.
func NewInstanceError(kind ErrorKind, instance, message string, cause error) *Error {
	return &Error{Kind: kind, Instance: instance, Message: message, Cause: cause}
}

// KindOf returns the kind of the first *Error found in err's chain, or
// ErrorKindUnknown.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ErrorKindUnknown
}

// IsKind reports whether any *Error in err's tree has the given kind. It
// descends into errors.Join results, so a keep-going batch can be queried
// for a specific failure.
func IsKind(err error, kind ErrorKind) bool {
	if err == nil {
		return false
	}
	if fe, ok := err.(*Error); ok && fe.Kind == kind {
		return true
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range x.Unwrap() {
			if IsKind(e, kind) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return IsKind(x.Unwrap(), kind)
	}
	return false
}
