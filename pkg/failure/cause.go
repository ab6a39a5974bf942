// Package failure defines the typed failure-cause taxonomy that every
// fallible operation in the simulator surfaces, either attached to a
// terminal event delivered to a controller or wrapped in a Go error
// returned synchronously from an RPC-shaped call.
package failure

import "fmt"

// Kind enumerates the failure taxonomy from the simulator's error design.
type Kind string

const (
	FatalFailure              Kind = "FATAL_FAILURE"
	NoStorageServiceForFile   Kind = "NO_STORAGE_SERVICE_FOR_FILE"
	NoScratchSpace            Kind = "NO_SCRATCH_SPACE"
	FileNotFound              Kind = "FILE_NOT_FOUND"
	FileAlreadyThere          Kind = "FILE_ALREADY_THERE"
	FileAlreadyBeingCopied    Kind = "FILE_ALREADY_BEING_COPIED"
	StorageNotEnoughSpace     Kind = "STORAGE_NOT_ENOUGH_SPACE"
	ServiceDown               Kind = "SERVICE_DOWN"
	JobTypeNotSupported       Kind = "JOB_TYPE_NOT_SUPPORTED"
	NotEnoughComputeResources Kind = "NOT_ENOUGH_COMPUTE_RESOURCES"
	NetworkError              Kind = "NETWORK_ERROR"
	NetworkTimeout            Kind = "NETWORK_TIMEOUT"
	JobKilled                 Kind = "JOB_KILLED"
	JobTimeout                Kind = "JOB_TIMEOUT"
	JobCannotBeTerminated     Kind = "JOB_CANNOT_BE_TERMINATED"
	JobCannotBeForgotten      Kind = "JOB_CANNOT_BE_FORGOTTEN"
	FunctionalityNotAvailable Kind = "FUNCTIONALITY_NOT_AVAILABLE"
	ComputeThreadHasDied      Kind = "COMPUTE_THREAD_HAS_DIED"
	InvalidArgument           Kind = "INVALID_ARGUMENT"
)

// Cause is a terminal, typed failure. It is attached to Action/Job terminal
// states and to *FailedEvent values; RPC-shaped calls that fail
// synchronously return it as an error (it implements error).
type Cause struct {
	Kind    Kind
	Message string
	// Err, if set, is the underlying Go error that triggered this cause
	// (e.g. a storage RPC's wrapped I/O-shaped error). Optional.
	Err error
}

// New creates a Cause of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Cause {
	return &Cause{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a Cause of the given kind, retaining the original error for
// Unwrap/debugging while presenting the typed kind to the controller.
func Wrap(kind Kind, err error, format string, args ...any) *Cause {
	return &Cause{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (c *Cause) Error() string {
	if c.Message == "" {
		return string(c.Kind)
	}
	return fmt.Sprintf("%s: %s", c.Kind, c.Message)
}

func (c *Cause) Unwrap() error { return c.Err }

// Is reports whether err carries the given Kind, following wrapped errors.
func Is(err error, kind Kind) bool {
	var c *Cause
	for err != nil {
		if cc, ok := err.(*Cause); ok {
			c = cc
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return c != nil && c.Kind == kind
}
