package ratewise

import (
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/commiterr/RateWise/internal/singleflight"
)

// Option configures a Client during construction.
type Option func(*Client) error

// New constructs a Client from functional options. Configuration is
// validated eagerly: an invalid retry config or option fails construction
// rather than the first request.
func New(options ...Option) (*Client, error) {
	c := &Client{
		retryConfig:    DefaultRetryConfig(),
		breaker:        NewCircuitBreaker(CircuitBreakerConfig{}),
		cacheTTL:       300 * time.Second,
		cacheCondition: DefaultCacheCondition,
		dedupCondition: DefaultDedupCondition,
		stats:          NewStatsTracker(),
		sleep:          ctxSleep,
	}

	for _, option := range options {
		if err := option(c); err != nil {
			return nil, err
		}
	}

	policy, err := NewDecisionPolicy(c.retryConfig, c.randSource)
	if err != nil {
		return nil, err
	}
	c.policy = policy

	if c.transport == nil {
		c.transport = NewHTTPTransport(nil)
	}
	c.chain = buildChain(c.transport, c.middleware)

	return c, nil
}

// WithBaseURL sets the base URL that relative endpoints resolve against.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) error {
		c.baseURL = baseURL
		return nil
	}
}

// WithTransport sets a custom transport.
func WithTransport(transport Transport) Option {
	return func(c *Client) error {
		if transport == nil {
			return fmt.Errorf("ratewise: transport must not be nil")
		}
		c.transport = transport
		return nil
	}
}

// WithHTTPClient uses the given *http.Client as the transport.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.transport = NewHTTPTransport(client)
		return nil
	}
}

// WithMiddleware appends middleware around the transport, outermost first.
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) error {
		c.middleware = append(c.middleware, middleware...)
		return nil
	}
}

// WithRetryConfig replaces the whole retry configuration.
func WithRetryConfig(config RetryConfig) Option {
	return func(c *Client) error {
		c.retryConfig = config
		return nil
	}
}

// WithMaxAttempts sets the total attempt budget including the first call.
func WithMaxAttempts(n int) Option {
	return func(c *Client) error {
		c.retryConfig.MaxAttempts = n
		return nil
	}
}

// WithRetryOnStatus replaces the set of retryable status codes.
func WithRetryOnStatus(codes ...int) Option {
	return func(c *Client) error {
		c.retryConfig.RetryOnStatus = append([]int(nil), codes...)
		return nil
	}
}

// WithInitialDelay sets the first backoff delay.
func WithInitialDelay(d time.Duration) Option {
	return func(c *Client) error {
		c.retryConfig.InitialDelay = d
		return nil
	}
}

// WithMaxDelay caps backoff delays.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Client) error {
		c.retryConfig.MaxDelay = d
		return nil
	}
}

// WithBackoffMultiplier sets the exponential growth factor.
func WithBackoffMultiplier(f float64) Option {
	return func(c *Client) error {
		c.retryConfig.Multiplier = f
		return nil
	}
}

// WithJitter enables or disables backoff jitter.
func WithJitter(enabled bool) Option {
	return func(c *Client) error {
		c.retryConfig.Jitter = enabled
		return nil
	}
}

// WithJitterRatio sets the jitter spread in [0,1].
func WithJitterRatio(ratio float64) Option {
	return func(c *Client) error {
		c.retryConfig.JitterRatio = ratio
		return nil
	}
}

// WithRespectRetryAfter toggles honoring the Retry-After header.
func WithRespectRetryAfter(enabled bool) Option {
	return func(c *Client) error {
		c.retryConfig.RespectRetryAfter = enabled
		return nil
	}
}

// WithMaxRetryAfter caps the delay taken from a Retry-After header.
func WithMaxRetryAfter(d time.Duration) Option {
	return func(c *Client) error {
		c.retryConfig.MaxRetryAfter = d
		return nil
	}
}

// WithRandSource seeds the jitter generator, for deterministic tests.
func WithRandSource(source rand.Source) Option {
	return func(c *Client) error {
		c.randSource = source
		return nil
	}
}

// WithCircuitBreaker replaces the circuit breaker configuration.
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) error {
		c.breaker = NewCircuitBreaker(config)
		return nil
	}
}

// WithCache sets a custom cache backend.
func WithCache(cache Cache) Option {
	return func(c *Client) error {
		if cache == nil {
			return fmt.Errorf("ratewise: cache must not be nil")
		}
		c.cache = cache
		return nil
	}
}

// WithInMemoryCache enables the reference in-memory cache. ttl 0 keeps the
// 300s default, maxSize 0 keeps 1000.
func WithInMemoryCache(ttl time.Duration, maxSize int, namespace string) Option {
	return func(c *Client) error {
		if ttl == 0 {
			ttl = c.cacheTTL
		}
		if ttl < 0 {
			return fmt.Errorf("ratewise: cache ttl must be >= 0, got %v", ttl)
		}
		c.cache = NewInMemoryCache(ttl, maxSize, namespace)
		c.cacheTTL = ttl
		return nil
	}
}

// WithCacheTTL sets the TTL used when storing responses.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		if ttl < 0 {
			return fmt.Errorf("ratewise: cache ttl must be >= 0, got %v", ttl)
		}
		c.cacheTTL = ttl
		return nil
	}
}

// WithCacheCondition overrides which requests are cacheable.
func WithCacheCondition(condition CacheCondition) Option {
	return func(c *Client) error {
		c.cacheCondition = condition
		return nil
	}
}

// WithCacheKeyHeaders names the headers folded into request identity for
// caching and de-duplication. Default is none, so volatile auth headers do
// not fragment the cache.
func WithCacheKeyHeaders(names ...string) Option {
	return func(c *Client) error {
		c.keyHeaders = append([]string(nil), names...)
		return nil
	}
}

// WithDeduplication collapses concurrent identical requests into a single
// in-flight execution.
func WithDeduplication() Option {
	return func(c *Client) error {
		c.inflight = singleflight.New()
		return nil
	}
}

// WithDedupCondition overrides which requests join in-flight groups.
func WithDedupCondition(condition DedupCondition) Option {
	return func(c *Client) error {
		c.dedupCondition = condition
		return nil
	}
}

// WithRateLimiter enables a client-side token bucket.
func WithRateLimiter(maxTokens int, refillRate time.Duration) Option {
	return func(c *Client) error {
		if maxTokens <= 0 {
			return fmt.Errorf("ratewise: rate limiter maxTokens must be > 0, got %d", maxTokens)
		}
		c.limiter = NewRateLimiter(maxTokens, refillRate)
		return nil
	}
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics() Option {
	return func(c *Client) error {
		c.metrics = NewMetricsCollector()
		return nil
	}
}

// WithMetricsRegistry enables Prometheus metrics on the given registerer.
func WithMetricsRegistry(registry prometheus.Registerer) Option {
	return func(c *Client) error {
		c.metrics = NewMetricsCollectorWithRegistry(registry)
		return nil
	}
}

// WithLogger sets a logger for debug output.
func WithLogger(logger Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithSimpleLogger enables the console logger.
func WithSimpleLogger() Option {
	return func(c *Client) error {
		c.logger = NewSimpleLogger()
		return nil
	}
}
