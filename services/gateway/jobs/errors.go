package jobs

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a job failure for the retry policy. Transport,
// timeout, and opaque upstream failures are retryable; everything the
// caller can only fix by changing the request is not.
type ErrorKind string

const (
	KindTransport  ErrorKind = "transport"
	KindTimeout    ErrorKind = "timeout"
	KindUpstream   ErrorKind = "upstream"
	KindCredit     ErrorKind = "credit"
	KindValidation ErrorKind = "validation"
	KindAuth       ErrorKind = "auth"
	KindTokenLimit ErrorKind = "token_limit"
	KindWorkflow   ErrorKind = "workflow"
	KindInternal   ErrorKind = "internal"
)

// Retryable reports whether the Dispatcher may re-enqueue a job that
// failed with this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransport, KindTimeout, KindUpstream:
		return true
	default:
		return false
	}
}

// JobError wraps a processor failure with its classification so the
// Dispatcher never has to string-match error messages.
type JobError struct {
	Kind ErrorKind
	Err  error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// NewJobError tags err with kind. Processors return these so the retry
// policy stays a pure function of the kind.
func NewJobError(kind ErrorKind, err error) *JobError {
	return &JobError{Kind: kind, Err: err}
}

// Classify resolves an arbitrary error to its ErrorKind. Tagged errors
// win; untagged timeouts and net errors are recognized; everything else
// is an opaque upstream failure, retryable under the same attempt cap
// as the other retryable kinds.
func Classify(err error) ErrorKind {
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindTransport
	}
	return KindUpstream
}
