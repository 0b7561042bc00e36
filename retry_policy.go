package ratewise

import (
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/commiterr/RateWise/internal/backoff"
)

// RetryConfig controls the retry decision policy. Use DefaultRetryConfig and
// override fields as needed; Validate rejects inconsistent values.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget including the first call.
	MaxAttempts int

	// RetryOnStatus are the response codes eligible for retry.
	RetryOnStatus []int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	JitterRatio  float64

	// RespectRetryAfter honors the Retry-After header on 429 responses,
	// capped at MaxRetryAfter.
	RespectRetryAfter bool
	MaxRetryAfter     time.Duration
}

// DefaultRetryConfig returns the documented defaults: 3 attempts,
// {429,500,502,503,504}, 1s initial delay doubling up to 60s with 10% jitter,
// Retry-After honored up to 300s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		RetryOnStatus:     []int{429, 500, 502, 503, 504},
		InitialDelay:      1 * time.Second,
		MaxDelay:          60 * time.Second,
		Multiplier:        2.0,
		Jitter:            true,
		JitterRatio:       0.1,
		RespectRetryAfter: true,
		MaxRetryAfter:     300 * time.Second,
	}
}

// Validate reports configuration errors. These are programmer errors and
// fail client construction.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("ratewise: MaxAttempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.InitialDelay < 0 {
		return fmt.Errorf("ratewise: InitialDelay must be >= 0, got %v", c.InitialDelay)
	}
	if c.InitialDelay > c.MaxDelay {
		return fmt.Errorf("ratewise: InitialDelay %v exceeds MaxDelay %v", c.InitialDelay, c.MaxDelay)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("ratewise: Multiplier must be >= 1, got %g", c.Multiplier)
	}
	if c.JitterRatio < 0 || c.JitterRatio > 1 {
		return fmt.Errorf("ratewise: JitterRatio must be in [0,1], got %g", c.JitterRatio)
	}
	if c.MaxRetryAfter < 0 {
		return fmt.Errorf("ratewise: MaxRetryAfter must be >= 0, got %v", c.MaxRetryAfter)
	}
	return nil
}

func (c RetryConfig) backoffConfig() backoff.Config {
	return backoff.Config{
		Initial:     c.InitialDelay,
		Max:         c.MaxDelay,
		Multiplier:  c.Multiplier,
		Jitter:      c.Jitter,
		JitterRatio: c.JitterRatio,
	}
}

// Outcome is the result of one completed transport attempt: a response or a
// transport failure, never both.
type Outcome struct {
	Response *Response
	Err      *TransportError
}

// Decision is a retry verdict for one attempt.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// DecisionPolicy decides whether an attempt outcome warrants a retry and
// after what delay. Rules, in order: an exhausted attempt budget never
// retries; a 429 retries regardless of method, honoring Retry-After when
// configured; a retryable 5xx retries only for idempotent methods; a
// transient transport failure retries only for idempotent methods; anything
// else is terminal.
type DecisionPolicy struct {
	config   RetryConfig
	statuses map[int]struct{}
	backoff  backoff.Strategy
}

// NewDecisionPolicy builds a policy from a validated config. A nil source
// seeds the jitter generator from the current time.
func NewDecisionPolicy(config RetryConfig, source rand.Source) (*DecisionPolicy, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	statuses := make(map[int]struct{}, len(config.RetryOnStatus))
	for _, code := range config.RetryOnStatus {
		statuses[code] = struct{}{}
	}

	return &DecisionPolicy{
		config:   config,
		statuses: statuses,
		backoff:  backoff.NewExponential(config.backoffConfig(), source),
	}, nil
}

// Config returns the policy configuration.
func (p *DecisionPolicy) Config() RetryConfig { return p.config }

// Decide evaluates one attempt outcome. attempt is 1-indexed.
func (p *DecisionPolicy) Decide(outcome Outcome, attempt int, method Method) Decision {
	if attempt >= p.config.MaxAttempts {
		return Decision{Reason: "attempts exhausted"}
	}

	if resp := outcome.Response; resp != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			// 429 is always safe to retry, whatever the method.
			delay := p.backoff.Delay(attempt)
			reason := "rate limited (429)"
			if p.config.RespectRetryAfter {
				if ra, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
					if ra > p.config.MaxRetryAfter {
						ra = p.config.MaxRetryAfter
					}
					delay = ra
					reason = "rate limited (429), Retry-After honored"
				}
			}
			return Decision{Retry: true, Delay: delay, Reason: reason}
		}

		if p.retryableStatus(resp.StatusCode) && resp.StatusCode >= 500 && resp.StatusCode <= 599 {
			if !method.IsIdempotent() {
				return Decision{Reason: fmt.Sprintf("server error (%d), method %s not idempotent", resp.StatusCode, method)}
			}
			return Decision{
				Retry:  true,
				Delay:  p.backoff.Delay(attempt),
				Reason: fmt.Sprintf("server error (%d)", resp.StatusCode),
			}
		}

		return Decision{Reason: "response not retryable"}
	}

	if te := outcome.Err; te != nil && te.Transient() {
		if !method.IsIdempotent() {
			return Decision{Reason: fmt.Sprintf("transient %s, method %s not idempotent", te.Kind, method)}
		}
		return Decision{
			Retry:  true,
			Delay:  p.backoff.Delay(attempt),
			Reason: fmt.Sprintf("transient %s", te.Kind),
		}
	}

	return Decision{Reason: "failure not retryable"}
}

func (p *DecisionPolicy) retryableStatus(code int) bool {
	_, ok := p.statuses[code]
	return ok
}

// parseRetryAfter parses a Retry-After header value. Delta-seconds is the
// primary form; an HTTP-date is accepted as an extension and converted to a
// delay relative to now. Unparseable or non-positive values report false.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}

	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
	}

	return 0, false
}
