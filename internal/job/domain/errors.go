package domain

import "errors"

var (
	// ErrNotFound is returned when no job exists for an identifier
	ErrNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when a job identifier is already in use
	ErrDuplicateJob = errors.New("duplicate job identifier")

	// ErrAlreadyTerminal is returned when a transition is attempted on a COMPLETED or ERROR job
	ErrAlreadyTerminal = errors.New("job already in terminal state")

	// ErrRecordRejected is returned when the store refuses the content of a record.
	// Writing the same record again fails the same way.
	ErrRecordRejected = errors.New("job record rejected by store")

	// ErrInvalidDescriptor is returned when a job descriptor is missing required fields
	ErrInvalidDescriptor = errors.New("invalid job descriptor")

	// ErrMalformedResponse is returned when a response message cannot be decoded
	ErrMalformedResponse = errors.New("malformed response message")

	// ErrInputNotFound is returned when the input file of a job does not exist
	ErrInputNotFound = errors.New("input file not found")

	// ErrUnknownOperation is returned for operations the workers do not provide
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrInvalidOutputType is returned for an unsupported output set
	ErrInvalidOutputType = errors.New("invalid output type")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// ShouldRequeue decides whether a message whose handling failed with err goes back to the queue
func ShouldRequeue(err error) bool {
	if errors.Is(err, ErrMalformedResponse) {
		return false
	}

	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
