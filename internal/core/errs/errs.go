// Package errs defines the CORE pipeline's error taxonomy (§7): a small
// set of kinds (not Go types) that the queue worker and callers use to
// decide retry vs. drop vs. fallback, each carrying a machine-readable
// code and a safe, log-friendly message.
package errs

import "fmt"

// Kind is one of the six error categories from §7.
type Kind string

const (
	KindTransientUpstream   Kind = "TRANSIENT_UPSTREAM"
	KindPermanentClient     Kind = "PERMANENT_CLIENT"
	KindParse               Kind = "PARSE"
	KindValidation          Kind = "VALIDATION"
	KindInfrastructure      Kind = "INFRASTRUCTURE"
	KindInvariantViolation  Kind = "INVARIANT_VIOLATION"
)

// Well-known codes referenced throughout §4 and §6.
const (
	CodeValueError          = "VALUE_ERROR"
	CodeRuntimeError         = "RUNTIME_ERROR"
	CodeDetectorUnavailable = "DETECTOR_UNAVAILABLE"
	CodeLLMTimeout          = "LLM_TIMEOUT"
	CodeLLMConnectionError  = "LLM_CONNECTION_ERROR"
	CodeLLMServerError      = "LLM_SERVER_ERROR"
	CodeBatchNotFound       = "BATCH_NOT_FOUND"
	CodeNoDetections        = "NO_DETECTIONS"
	CodeCancelled           = "CANCELLED"
	CodeInternalError       = "INTERNAL_ERROR"
)

// CoreError is the step-error shape used across the core: a kind for
// routing, a code for callers/telemetry, and a sanitized message safe to
// log (per §7 "errors are sanitized before logging").
type CoreError struct {
	Kind        Kind
	Code        string
	SafeMessage string
	Err         error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Code, e.SafeMessage, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.SafeMessage)
}

func (e *CoreError) Unwrap() error { return e.Err }

// Retryable reports whether the AnalysisQueueWorker should requeue with
// backoff (§4.6) rather than log-and-drop.
func (e *CoreError) Retryable() bool {
	return e.Kind == KindTransientUpstream
}

func New(kind Kind, code, msg string, err error) *CoreError {
	return &CoreError{Kind: kind, Code: code, SafeMessage: msg, Err: err}
}

func ValueError(msg string, err error) *CoreError {
	return New(KindPermanentClient, CodeValueError, msg, err)
}

func RuntimeError(msg string, err error) *CoreError {
	return New(KindInfrastructure, CodeRuntimeError, msg, err)
}

func DetectorUnavailable(err error) *CoreError {
	return New(KindTransientUpstream, CodeDetectorUnavailable, "detector service unavailable", err)
}

func LLMTimeout(err error) *CoreError {
	return New(KindTransientUpstream, CodeLLMTimeout, "LLM request timed out", err)
}

func LLMConnectionError(err error) *CoreError {
	return New(KindTransientUpstream, CodeLLMConnectionError, "LLM connection failed", err)
}

func LLMServerError(err error) *CoreError {
	return New(KindTransientUpstream, CodeLLMServerError, "LLM returned a server error", err)
}

func BatchNotFound(batchID string) *CoreError {
	return New(KindPermanentClient, CodeBatchNotFound, fmt.Sprintf("batch %q not found", batchID), nil)
}

func NoDetections(batchID string) *CoreError {
	return New(KindPermanentClient, CodeNoDetections, fmt.Sprintf("batch %q has no detections", batchID), nil)
}

// AsCoreError extracts a *CoreError from err, if present anywhere in its
// wrap chain.
func AsCoreError(err error) (*CoreError, bool) {
	for err != nil {
		if ce, ok := err.(*CoreError); ok {
			return ce, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
