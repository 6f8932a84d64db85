package worker

import "errors"

// Reason codes recorded with every processing attempt.
const (
	ReasonIdempotentSkip        = "IDEMPOTENT_SKIP"
	ReasonProcessed             = "PROCESSED"
	ReasonInvalidEnvelope       = "INVALID_ENVELOPE"
	ReasonUnsupportedEventType  = "UNSUPPORTED_EVENT_TYPE"
	ReasonInvalidPaymentPayload = "INVALID_PAYMENT_PAYLOAD"
	ReasonInjectedFailure       = "INJECTED_FAILURE"
	ReasonTransientError        = "TRANSIENT_ERROR"
	ReasonRetryExhausted        = "RETRY_EXHAUSTED"
)

// Failure is a classified processing error. Retryable failures go through
// the retry queue; the rest dead-letter immediately.
type Failure struct {
	ReasonCode string
	Retryable  bool
	Message    string
}

// NewFailure builds a classified failure.
func NewFailure(reasonCode string, retryable bool, message string) *Failure {
	return &Failure{ReasonCode: reasonCode, Retryable: retryable, Message: message}
}

func (f *Failure) Error() string {
	return f.Message
}

// Classify maps an arbitrary error to a Failure. Anything not already
// classified is assumed transient and retried; only known-permanent defects
// skip the retry queue.
func Classify(err error) *Failure {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}

	message := "unknown worker error"
	if err != nil {
		message = err.Error()
	}

	return &Failure{ReasonCode: ReasonTransientError, Retryable: true, Message: message}
}
