package flow

import (
	"errors"
	"fmt"
)

// Kind enumerates the error kinds from the error handling design: each
// captures a distinct propagation policy (fatal-before-start,
// captured-and-routed-to-fail-queue, or logged-and-skipped).
type Kind int

const (
	// KindConfiguration covers invalid options, execution/stage mode, and
	// log level errors. Raised at graph construction; fatal before start.
	KindConfiguration Kind = iota
	// KindUserFunction wraps any error returned by a stage's user
	// function. Captured, classified as retryable or terminal.
	KindUserFunction
	// KindRemoteWorker is reported by TaskRedisAck on a status="error"
	// response. Treated as KindUserFunction by callers.
	KindRemoteWorker
	// KindTimeout is raised by Redis source/ack stages on timeout.
	// Treated as KindUserFunction; can be retryable if configured.
	KindTimeout
	// KindQueue marks an unexpected error while probing a queue
	// endpoint; logged, and the endpoint is skipped for one sweep.
	KindQueue
	// KindRuntimeFatal marks worker-pool corruption: the stage
	// terminates abnormally but still propagates a Termination downstream.
	KindRuntimeFatal
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindUserFunction:
		return "UserFunctionError"
	case KindRemoteWorker:
		return "RemoteWorkerError"
	case KindTimeout:
		return "TimeoutError"
	case KindQueue:
		return "QueueError"
	case KindRuntimeFatal:
		return "RuntimeFatal"
	default:
		return "UnknownError"
	}
}

// FlowError is the single error type used across the runtime. It carries
// a Kind for classification (retry policy, fail-queue routing, fatality)
// and wraps the underlying cause.
type FlowError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *FlowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FlowError) Unwrap() error { return e.Cause }

func newErr(kind Kind, msg string, cause error) *FlowError {
	return &FlowError{Kind: kind, Message: msg, Cause: cause}
}

// NewConfigurationError builds a KindConfiguration error.
func NewConfigurationError(msg string, cause error) *FlowError {
	return newErr(KindConfiguration, msg, cause)
}

// InvalidOptionError reports a field set to a value outside its allowed
// set.
func InvalidOptionError(field string, value any, allowed []string) *FlowError {
	return newErr(KindConfiguration, fmt.Sprintf("invalid %s %v, allowed: %v", field, value, allowed), nil)
}

// ExecutionModeError reports an invalid execution_mode.
func ExecutionModeError(mode string) *FlowError {
	return InvalidOptionError("execution_mode", mode, []string{"serial", "thread", "async"})
}

// StageModeError reports an invalid stage_mode.
func StageModeError(mode string) *FlowError {
	return InvalidOptionError("stage_mode", mode, []string{"serial", "process"})
}

// NewUserFunctionError wraps an error returned by a stage's user
// function.
func NewUserFunctionError(cause error) *FlowError {
	return newErr(KindUserFunction, "user function failed", cause)
}

// NewRemoteWorkerError wraps a status="error" response from a remote
// worker, as reported by TaskRedisAck.
func NewRemoteWorkerError(reason string) *FlowError {
	return newErr(KindRemoteWorker, reason, nil)
}

// NewTimeoutError marks a Redis source/ack timeout.
func NewTimeoutError(msg string) *FlowError {
	return newErr(KindTimeout, msg, nil)
}

// NewQueueError marks an unexpected error while probing a queue
// endpoint.
func NewQueueError(cause error) *FlowError {
	return newErr(KindQueue, "queue endpoint probe failed", cause)
}

// NewRuntimeFatal marks worker-pool corruption.
func NewRuntimeFatal(cause error) *FlowError {
	return newErr(KindRuntimeFatal, "runtime fatal", cause)
}

// KindOf returns the Kind of err if it is (or wraps) a *FlowError, and
// ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}
