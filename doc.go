// Package ratewise provides a resilient HTTP client built around composable
// reliability primitives:
//
//   - Retries with exponential backoff + jitter and Retry-After awareness
//   - Circuit breaker (closed / open / half-open states)
//   - Response caching with TTL + LRU eviction (in-memory or Redis backends)
//   - Request de-duplication (merges concurrent identical in-flight requests)
//   - Optional client-side rate limiting (token bucket)
//   - Middleware chain for cross-cutting concerns (auth, tracing, etc.)
//   - Prometheus metrics and lightweight structured debug logging
//
// Design goals:
//   - Small surface area: functional options configure everything
//   - Safe concurrent use of a single *Client instance
//   - Extensibility via pluggable transport, cache, backoff and middleware
//
// Typical usage:
//
//	client, err := ratewise.New(
//	    ratewise.WithBaseURL("https://api.example.com"),
//	    ratewise.WithMaxAttempts(3),
//	    ratewise.WithInMemoryCache(5*time.Minute, 1000, ""),
//	    ratewise.WithDeduplication(),
//	    ratewise.WithCircuitBreaker(ratewise.CircuitBreakerConfig{}),
//	)
//	if err != nil { ... }
//	resp, err := client.Get(ctx, "/data")
//
// Only GET requests are cached and de-duplicated by default; POST and PATCH
// are never retried on server errors so side-effecting operations cannot be
// duplicated. Override conditions via WithCacheCondition / WithDedupCondition.
package ratewise
