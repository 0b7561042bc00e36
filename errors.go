package ratewise

import (
	"errors"
	"fmt"
	"time"
)

// Error type constants used by ClientError.Type.
const (
	ErrorTypeCircuitOpen      = "CircuitOpen"
	ErrorTypeRateLimit        = "RateLimitExceeded"
	ErrorTypeRetriesExhausted = "RetriesExhausted"
	ErrorTypeServer           = "Server"
	ErrorTypeTransport        = "Transport"
	ErrorTypeThrottled        = "Throttled"
	ErrorTypeCanceled         = "Canceled"
)

// Sentinel errors for common failure scenarios. ClientError matches these
// through errors.Is.
var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a request.
	ErrCircuitOpen = errors.New("ratewise: circuit open")

	// ErrRateLimitExceeded is returned when retries are exhausted and the last
	// response was a 429.
	ErrRateLimitExceeded = errors.New("ratewise: rate limit exceeded")

	// ErrRetriesExhausted is returned when a retryable failure outlasts the
	// configured attempt budget.
	ErrRetriesExhausted = errors.New("ratewise: retries exhausted")

	// ErrThrottled is returned when the local token bucket denies a request.
	ErrThrottled = errors.New("ratewise: request throttled")
)

// ClientError carries enough context to answer "how many attempts, what was
// the last status or failure, what is the breaker state" without log digging.
type ClientError struct {
	Type         string
	Message      string
	Method       Method
	URL          string
	Attempts     int
	MaxAttempts  int
	StatusCode   int
	BreakerState CircuitState
	RetryAfter   time.Duration
	Timestamp    time.Time
	Cause        error
}

// Error implements error.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempts, e.MaxAttempts)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches sentinel errors and other ClientErrors by type.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrCircuitOpen:
		return e.Type == ErrorTypeCircuitOpen
	case ErrRateLimitExceeded:
		return e.Type == ErrorTypeRateLimit
	case ErrRetriesExhausted:
		return e.Type == ErrorTypeRetriesExhausted
	case ErrThrottled:
		return e.Type == ErrorTypeThrottled
	}
	if other, ok := target.(*ClientError); ok {
		return e.Type == other.Type
	}
	return false
}

// IsTransient reports whether an error represents a failure that might
// succeed on retry: transient transport errors, throttling, open circuits
// and rate limiting. Permanent transport errors and plain response errors
// are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Transient()
	}

	var ce *ClientError
	if errors.As(err, &ce) {
		switch ce.Type {
		case ErrorTypeCircuitOpen, ErrorTypeRateLimit, ErrorTypeRetriesExhausted, ErrorTypeThrottled:
			return true
		case ErrorTypeTransport:
			return IsTransient(ce.Cause)
		}
		return false
	}

	return false
}
