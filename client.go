package ratewise

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/commiterr/RateWise/internal/singleflight"
)

// Client is a resilient HTTP client that layers caching, circuit breaking,
// rate limiting, de-duplication, retries, middleware and metrics around a
// pluggable transport. It is safe for concurrent use; the breaker, the cache
// table and the in-flight registry are the only state shared across callers,
// each behind its own lock.
type Client struct {
	transport  Transport
	chain      Transport
	middleware []Middleware

	baseURL string

	retryConfig RetryConfig
	randSource  rand.Source

	policy  *DecisionPolicy
	breaker *CircuitBreaker
	limiter *RateLimiter

	cache          Cache
	cacheTTL       time.Duration
	cacheCondition CacheCondition
	keyHeaders     []string

	inflight       *singleflight.Group
	dedupCondition DedupCondition

	metrics *MetricsCollector
	logger  Logger
	stats   *StatsTracker

	// sleep is the retry suspension point; swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	retryDelays []time.Duration
}

// Get performs a GET request against the resolved URL.
func (c *Client) Get(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.call(ctx, MethodGet, url, opts...)
}

// Head performs a HEAD request.
func (c *Client) Head(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.call(ctx, MethodHead, url, opts...)
}

// Options performs an OPTIONS request.
func (c *Client) Options(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.call(ctx, MethodOptions, url, opts...)
}

// Put performs a PUT request.
func (c *Client) Put(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.call(ctx, MethodPut, url, opts...)
}

// Post performs a POST request.
func (c *Client) Post(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.call(ctx, MethodPost, url, opts...)
}

// Patch performs a PATCH request.
func (c *Client) Patch(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.call(ctx, MethodPatch, url, opts...)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.call(ctx, MethodDelete, url, opts...)
}

func (c *Client) call(ctx context.Context, method Method, rawURL string, opts ...RequestOption) (*Response, error) {
	req, err := NewRequest(method, c.resolveURL(rawURL), opts...)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

func (c *Client) resolveURL(endpoint string) string {
	if c.baseURL == "" || strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

// Do executes one logical call: cache lookup, circuit breaker permission,
// de-duplication join, then the attempt/decide retry loop. A cache hit
// returns before the breaker or transport is consulted.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	method := req.Method()
	endpoint := req.Endpoint()

	c.metrics.RecordRequestStart(method, endpoint)
	defer c.metrics.RecordRequestEnd(method, endpoint)

	cacheable := c.cache != nil && c.cacheCondition(req)
	dedupable := c.inflight != nil && c.dedupCondition(req)

	var key string
	if cacheable || dedupable {
		key = req.Key(c.keyHeaders...)
	}

	var stale *CacheEntry
	if cacheable {
		entry, found := c.cache.Get(key)
		if found {
			c.metrics.RecordCacheHit(method, endpoint)
			c.metrics.RecordRequest(method, endpoint, entry.Value.StatusCode, time.Since(start))
			c.debug("cache hit", "key", key, "endpoint", endpoint)
			return entry.Value, nil
		}
		stale = entry
		c.metrics.RecordCacheMiss(method, endpoint)
		c.debug("cache miss", "key", key, "endpoint", endpoint)
	}

	if c.limiter != nil {
		if !c.limiter.Allow() {
			c.metrics.RecordError(ErrorTypeThrottled, method, endpoint)
			return nil, c.newError(ErrorTypeThrottled, "client-side rate limit exceeded", req, 0, 0, nil)
		}
		c.metrics.RecordRateLimiterTokens("default", c.limiter.Tokens())
	}

	if !c.breaker.Allow() {
		c.stats.recordBreakerTrip()
		c.metrics.RecordError(ErrorTypeCircuitOpen, method, endpoint)
		c.debug("circuit open, request rejected", "endpoint", endpoint)
		return nil, c.newError(ErrorTypeCircuitOpen, "circuit breaker is open", req, 0, 0, nil)
	}

	var resp *Response
	var err error
	if dedupable {
		v, shared, jerr := c.inflight.Do(ctx, key, func() (interface{}, error) {
			r, e := c.execute(ctx, req, key, cacheable, stale)
			return r, e
		})
		if r, ok := v.(*Response); ok {
			resp = r
			if shared {
				// Followers get their own copy of the leader's result.
				resp = resp.clone()
			}
		}
		err = jerr
		if shared {
			c.metrics.RecordDeduplicationHit(method, endpoint)
			c.debug("deduplication hit", "key", key, "endpoint", endpoint)
		}
	} else {
		resp, err = c.execute(ctx, req, key, cacheable, stale)
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	c.metrics.RecordRequest(method, endpoint, status, time.Since(start))
	return resp, err
}

// execute runs the attempt/decide loop for one logical call. It reports the
// final outcome to the circuit breaker exactly once, fills the cache on
// cacheable success and updates statistics. Cancellation aborts the retry
// wait or the in-flight attempt, still records a breaker failure, and
// surfaces the context error as the cause.
func (c *Client) execute(ctx context.Context, req *Request, key string, cacheable bool, stale *CacheEntry) (*Response, error) {
	method := req.Method()
	endpoint := req.Endpoint()

	attemptReq := req
	if stale != nil && stale.ETag != "" {
		attemptReq = req.withHeader("If-None-Match", stale.ETag)
	}

	delays := make([]time.Duration, 0, c.policy.Config().MaxAttempts-1)
	defer func() { c.setRetryDelays(delays) }()

	attempt := 0
	var outcome Outcome
	for {
		attempt++
		resp, err := c.chain.RoundTrip(ctx, attemptReq)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, c.abort(req, attempt, len(delays), err)
			}
			outcome = Outcome{Err: classifyTransportError(err)}
		} else {
			outcome = Outcome{Response: resp}
		}

		decision := c.policy.Decide(outcome, attempt, method)
		if !decision.Retry {
			break
		}

		delays = append(delays, decision.Delay)
		c.metrics.RecordRetry(method, endpoint, attempt, decision.Delay)
		c.debug("scheduling retry",
			"attempt", attempt+1,
			"maxAttempts", c.policy.Config().MaxAttempts,
			"delay", decision.Delay,
			"reason", decision.Reason,
			"endpoint", endpoint)

		if err := c.sleep(ctx, decision.Delay); err != nil {
			return nil, c.abort(req, attempt, len(delays), err)
		}
	}

	return c.finalize(req, key, cacheable, stale, outcome, attempt, len(delays))
}

// abort handles cancellation: the breaker still learns about the permitted
// call before the error unwinds.
func (c *Client) abort(req *Request, attempt, retries int, cause error) error {
	c.breaker.Record(false)
	c.stats.recordFailure(retries)
	c.metrics.RecordError(ErrorTypeCanceled, req.Method(), req.Endpoint())
	c.metrics.RecordCircuitBreakerState("default", c.breaker.State())
	return c.newError(ErrorTypeCanceled, "request canceled", req, attempt, 0, cause)
}

func (c *Client) finalize(req *Request, key string, cacheable bool, stale *CacheEntry, outcome Outcome, attempt, retries int) (*Response, error) {
	method := req.Method()
	endpoint := req.Endpoint()
	defer c.metrics.RecordCircuitBreakerState("default", c.breaker.State())

	if resp := outcome.Response; resp != nil {
		if stale != nil && resp.StatusCode == http.StatusNotModified {
			// Revalidated: refresh the stored entry without replacing its body.
			refreshed := stale.clone()
			refreshed.StoredAt = time.Now()
			c.cache.Set(key, refreshed, refreshed.TTL)
			c.breaker.Record(true)
			c.stats.recordSuccess(retries)
			c.metrics.RecordCacheHit(method, endpoint)
			c.debug("cache entry revalidated", "key", key, "endpoint", endpoint)
			return refreshed.Value, nil
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			c.breaker.Record(false)
			c.stats.recordFailure(retries)
			c.metrics.RecordError(ErrorTypeRateLimit, method, endpoint)
			clientErr := c.newError(ErrorTypeRateLimit, "rate limit exceeded after retries", req, attempt, resp.StatusCode, nil)
			if ra, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				clientErr.RetryAfter = ra
			}
			return nil, clientErr
		}

		if c.policy.retryableStatus(resp.StatusCode) && resp.StatusCode >= 500 && resp.StatusCode <= 599 {
			c.breaker.Record(false)
			c.stats.recordFailure(retries)
			if !method.IsIdempotent() {
				c.metrics.RecordError(ErrorTypeServer, method, endpoint)
				return nil, c.newError(ErrorTypeServer, "server error on non-idempotent method", req, attempt, resp.StatusCode, nil)
			}
			c.metrics.RecordError(ErrorTypeRetriesExhausted, method, endpoint)
			return nil, c.newError(ErrorTypeRetriesExhausted, "server error persisted through all attempts", req, attempt, resp.StatusCode, nil)
		}

		// Everything else, 4xx included, is a completed exchange.
		c.breaker.Record(true)
		c.stats.recordSuccess(retries)
		if cacheable && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.cache.Set(key, &CacheEntry{
				Value:    resp,
				StoredAt: time.Now(),
				ETag:     resp.ETag(),
			}, c.cacheTTL)
			if mem, ok := c.cache.(*InMemoryCache); ok {
				c.metrics.RecordCacheSize("default", mem.Size())
			}
			c.debug("response cached", "key", key, "ttl", c.cacheTTL, "endpoint", endpoint)
		}
		return resp, nil
	}

	te := outcome.Err
	c.breaker.Record(false)
	c.stats.recordFailure(retries)

	if te.Transient() && method.IsIdempotent() {
		c.metrics.RecordError(ErrorTypeRetriesExhausted, method, endpoint)
		return nil, c.newError(ErrorTypeRetriesExhausted, "transient transport failure persisted through all attempts", req, attempt, 0, te)
	}
	c.metrics.RecordError(ErrorTypeTransport, method, endpoint)
	return nil, c.newError(ErrorTypeTransport, "transport failure", req, attempt, 0, te)
}

func (c *Client) newError(errorType, message string, req *Request, attempts, statusCode int, cause error) *ClientError {
	return &ClientError{
		Type:         errorType,
		Message:      message,
		Method:       req.Method(),
		URL:          req.URL(),
		Attempts:     attempts,
		MaxAttempts:  c.policy.Config().MaxAttempts,
		StatusCode:   statusCode,
		BreakerState: c.breaker.State(),
		Timestamp:    time.Now(),
		Cause:        cause,
	}
}

// RetryDelays returns the literal delays applied during the most recently
// completed logical call, in order. Concurrent calls overwrite each other;
// the trace is a diagnostics aid, not an audit log.
func (c *Client) RetryDelays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.retryDelays...)
}

func (c *Client) setRetryDelays(delays []time.Duration) {
	c.mu.Lock()
	c.retryDelays = append(c.retryDelays[:0], delays...)
	c.mu.Unlock()
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	return c.stats.Snapshot()
}

// ResetStats zeroes client counters. Nothing resets them implicitly.
func (c *Client) ResetStats() {
	c.stats.Reset()
}

// BreakerSnapshot returns an immutable view of the circuit breaker.
func (c *Client) BreakerSnapshot() CircuitBreakerSnapshot {
	return c.breaker.Snapshot()
}

// CacheStats returns cache effectiveness counters, or zeroes when no cache
// is configured.
func (c *Client) CacheStats() CacheStats {
	if c.cache == nil {
		return CacheStats{}
	}
	return c.cache.Stats()
}

func (c *Client) debug(msg string, keysAndValues ...interface{}) {
	if c.logger != nil {
		c.logger.Debug(msg, keysAndValues...)
	}
}

func (r *Request) withHeader(key, value string) *Request {
	derived := *r
	derived.header = r.header.Clone()
	derived.header.Set(key, value)
	return &derived
}

func buildChain(transport Transport, middleware []Middleware) Transport {
	chain := transport
	for i := len(middleware) - 1; i >= 0; i-- {
		mw := middleware[i]
		next := chain
		chain = TransportFunc(func(ctx context.Context, req *Request) (*Response, error) {
			return mw(ctx, req, next)
		})
	}
	return chain
}

// ctxSleep is the default suspension point for retry delays: a timer wait
// that aborts on context cancellation, never a busy wait.
func ctxSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
