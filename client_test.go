package ratewise

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedTransport returns canned outcomes in order and counts calls. The
// last outcome repeats once the script runs out.
type scriptedTransport struct {
	mu       sync.Mutex
	calls    int
	outcomes []Outcome
	lastReq  *Request
}

func (s *scriptedTransport) RoundTrip(_ context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastReq = req

	i := s.calls - 1
	if i >= len(s.outcomes) {
		i = len(s.outcomes) - 1
	}
	out := s.outcomes[i]
	if out.Err != nil {
		return nil, out.Err
	}
	return out.Response, nil
}

func (s *scriptedTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func status(code int, header http.Header, body string) Outcome {
	if header == nil {
		header = make(http.Header)
	}
	return Outcome{Response: &Response{StatusCode: code, Header: header, Body: []byte(body)}}
}

func transportFailure(kind TransportErrorKind) Outcome {
	return Outcome{Err: &TransportError{Kind: kind, Message: kind.String()}}
}

// newTestClient builds a client with jitter disabled and retry sleeps
// replaced by an instant no-op, so tests observe scheduled delays without
// waiting for them.
func newTestClient(t *testing.T, transport Transport, opts ...Option) *Client {
	t.Helper()
	options := append([]Option{WithTransport(transport), WithJitter(false)}, opts...)
	c, err := New(options...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestClientSuccessFirstAttempt(t *testing.T) {
	transport := &scriptedTransport{outcomes: []Outcome{status(200, nil, "ok")}}
	c := newTestClient(t, transport)

	resp, err := c.Get(context.Background(), "https://api.example.com/users")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(resp.Body) != "ok" {
		t.Errorf("body = %q, want ok", resp.Body)
	}
	if transport.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1", transport.callCount())
	}

	stats := c.Stats()
	if stats.TotalRequests != 1 || stats.Successful != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 1 request, 1 success", stats)
	}
}

func TestClientRetriesExhaustedOn503(t *testing.T) {
	transport := &scriptedTransport{outcomes: []Outcome{status(503, nil, "")}}
	c := newTestClient(t, transport)

	_, err := c.Get(context.Background(), "https://api.example.com/users")
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("error = %v, want ErrRetriesExhausted", err)
	}
	if transport.callCount() != 3 {
		t.Errorf("transport calls = %d, want 3 (max attempts)", transport.callCount())
	}

	var ce *ClientError
	if !errors.As(err, &ce) {
		t.Fatalf("error %T is not *ClientError", err)
	}
	if ce.Attempts != 3 || ce.MaxAttempts != 3 || ce.StatusCode != 503 {
		t.Errorf("ClientError = %+v, want attempts 3/3, status 503", ce)
	}

	delays := c.RetryDelays()
	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("retry delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delays[%d] = %v, want %v", i, delays[i], want[i])
		}
	}

	stats := c.Stats()
	if stats.Failed != 1 || stats.TotalRetries != 2 {
		t.Errorf("stats = %+v, want 1 failure, 2 retries", stats)
	}
}

func TestClientServerErrorNotRetriedForPost(t *testing.T) {
	transport := &scriptedTransport{outcomes: []Outcome{status(503, nil, "")}}
	c := newTestClient(t, transport)

	_, err := c.Post(context.Background(), "https://api.example.com/orders", WithBody([]byte("{}")))
	if err == nil {
		t.Fatal("expected error")
	}
	if transport.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1 for non-idempotent method", transport.callCount())
	}

	var ce *ClientError
	if !errors.As(err, &ce) || ce.Type != ErrorTypeServer {
		t.Errorf("error = %v, want type %s", err, ErrorTypeServer)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Error("a single non-retried failure must not match ErrRetriesExhausted")
	}
}

func TestClientRecoversAfterRetry(t *testing.T) {
	transport := &scriptedTransport{outcomes: []Outcome{
		status(503, nil, ""),
		status(200, nil, "recovered"),
	}}
	c := newTestClient(t, transport)

	resp, err := c.Get(context.Background(), "https://api.example.com/users")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(resp.Body) != "recovered" {
		t.Errorf("body = %q, want recovered", resp.Body)
	}
	if transport.callCount() != 2 {
		t.Errorf("transport calls = %d, want 2", transport.callCount())
	}

	stats := c.Stats()
	if stats.Successful != 1 || stats.TotalRetries != 1 {
		t.Errorf("stats = %+v, want 1 success with 1 retry", stats)
	}
}

func TestClientRateLimitHonorsRetryAfter(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "120")
	transport := &scriptedTransport{outcomes: []Outcome{status(429, header, "")}}
	c := newTestClient(t, transport)

	_, err := c.Get(context.Background(), "https://api.example.com/users")
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("error = %v, want ErrRateLimitExceeded", err)
	}
	if transport.callCount() != 3 {
		t.Errorf("transport calls = %d, want 3", transport.callCount())
	}

	for i, d := range c.RetryDelays() {
		if d != 120*time.Second {
			t.Errorf("delays[%d] = %v, want the literal Retry-After 120s", i, d)
		}
	}

	var ce *ClientError
	if !errors.As(err, &ce) {
		t.Fatalf("error %T is not *ClientError", err)
	}
	if ce.RetryAfter != 120*time.Second {
		t.Errorf("RetryAfter = %v, want 120s", ce.RetryAfter)
	}
}

func TestClientRetries429ForNonIdempotentMethod(t *testing.T) {
	transport := &scriptedTransport{outcomes: []Outcome{
		status(429, nil, ""),
		status(201, nil, "created"),
	}}
	c := newTestClient(t, transport)

	resp, err := c.Post(context.Background(), "https://api.example.com/orders", WithBody([]byte("{}")))
	if err != nil {
		t.Fatalf("Post() error: %v", err)
	}
	if resp.StatusCode != 201 {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	if transport.callCount() != 2 {
		t.Errorf("transport calls = %d, want 2: 429 retries regardless of method", transport.callCount())
	}
}

func TestClientNonRetryableStatusReturnsResponse(t *testing.T) {
	transport := &scriptedTransport{outcomes: []Outcome{status(404, nil, "not found")}}
	c := newTestClient(t, transport)

	resp, err := c.Get(context.Background(), "https://api.example.com/users/42")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Errorf("status = %d, want 404 passed through", resp.StatusCode)
	}
	if transport.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1", transport.callCount())
	}

	// A completed exchange counts as success for the breaker and stats.
	if stats := c.Stats(); stats.Successful != 1 {
		t.Errorf("stats = %+v, want 1 success", stats)
	}
}

func TestClientTransientTransportFailureRetried(t *testing.T) {
	transport := &scriptedTransport{outcomes: []Outcome{
		transportFailure(KindTimeout),
		status(200, nil, "ok"),
	}}
	c := newTestClient(t, transport)

	_, err := c.Get(context.Background(), "https://api.example.com/users")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if transport.callCount() != 2 {
		t.Errorf("transport calls = %d, want 2", transport.callCount())
	}
}

func TestClientPermanentTransportFailureTerminal(t *testing.T) {
	transport := &scriptedTransport{outcomes: []Outcome{transportFailure(KindDNS)}}
	c := newTestClient(t, transport)

	_, err := c.Get(context.Background(), "https://api.example.com/users")
	if err == nil {
		t.Fatal("expected error")
	}
	if transport.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1 for a permanent failure", transport.callCount())
	}

	var ce *ClientError
	if !errors.As(err, &ce) || ce.Type != ErrorTypeTransport {
		t.Errorf("error = %v, want type %s", err, ErrorTypeTransport)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Kind != KindDNS {
		t.Errorf("expected the DNS transport error as the cause, got %v", err)
	}
}

func TestClientCacheHitSkipsTransport(t *testing.T) {
	transport := &scriptedTransport{outcomes: []Outcome{status(200, nil, "cached body")}}
	c := newTestClient(t, transport, WithInMemoryCache(time.Minute, 10, ""))

	first, err := c.Get(context.Background(), "https://api.example.com/users")
	if err != nil {
		t.Fatalf("first Get() error: %v", err)
	}
	second, err := c.Get(context.Background(), "https://api.example.com/users")
	if err != nil {
		t.Fatalf("second Get() error: %v", err)
	}

	if transport.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1: second Get must be served from cache", transport.callCount())
	}
	if string(first.Body) != string(second.Body) {
		t.Error("cached response differs from the original")
	}

	cacheStats := c.CacheStats()
	if cacheStats.Hits != 1 || cacheStats.Misses != 1 {
		t.Errorf("cache stats = %+v, want 1 hit, 1 miss", cacheStats)
	}
	// The cache hit bypasses the attempt loop entirely.
	if stats := c.Stats(); stats.TotalRequests != 1 {
		t.Errorf("stats = %+v, want 1 logical request through the executor", stats)
	}
}

func TestClientCacheNotUsedForPost(t *testing.T) {
	transport := &scriptedTransport{outcomes: []Outcome{status(200, nil, "ok")}}
	c := newTestClient(t, transport, WithInMemoryCache(time.Minute, 10, ""))

	for i := 0; i < 2; i++ {
		if _, err := c.Post(context.Background(), "https://api.example.com/orders"); err != nil {
			t.Fatalf("Post() error: %v", err)
		}
	}
	if transport.callCount() != 2 {
		t.Errorf("transport calls = %d, want 2: POST is never cached", transport.callCount())
	}
}

func TestClientRevalidatesExpiredEntryWithETag(t *testing.T) {
	header := http.Header{}
	header.Set("ETag", `"v1"`)
	transport := &scriptedTransport{outcomes: []Outcome{
		status(200, header, "etag body"),
		status(304, nil, ""),
	}}

	// Entries are stamped with the wall clock, so the fake clock starts there
	// and jumps forward past the TTL.
	cache := NewInMemoryCache(10*time.Second, 10, "")
	now := time.Now()
	cache.now = func() time.Time { return now }

	c := newTestClient(t, transport, WithCache(cache), WithCacheTTL(10*time.Second))

	if _, err := c.Get(context.Background(), "https://api.example.com/users"); err != nil {
		t.Fatalf("first Get() error: %v", err)
	}

	now = now.Add(11 * time.Second)

	resp, err := c.Get(context.Background(), "https://api.example.com/users")
	if err != nil {
		t.Fatalf("revalidating Get() error: %v", err)
	}
	if string(resp.Body) != "etag body" {
		t.Errorf("body = %q, want the revalidated cached body", resp.Body)
	}
	if transport.callCount() != 2 {
		t.Fatalf("transport calls = %d, want 2", transport.callCount())
	}
	if got := transport.lastReq.Header().Get("If-None-Match"); got != `"v1"` {
		t.Errorf("If-None-Match = %q, want the stored validator", got)
	}

	// The refresh stamped a new wall-clock StoredAt; bring the fake clock back
	// alongside it so the entry reads as fresh.
	now = time.Now()

	// The refreshed entry serves the next call without a transport round trip.
	if _, err := c.Get(context.Background(), "https://api.example.com/users"); err != nil {
		t.Fatalf("third Get() error: %v", err)
	}
	if transport.callCount() != 2 {
		t.Errorf("transport calls = %d after revalidation, want still 2", transport.callCount())
	}
}

func TestClientCircuitOpenRejectsBeforeTransport(t *testing.T) {
	transport := &scriptedTransport{outcomes: []Outcome{transportFailure(KindDNS)}}
	c := newTestClient(t, transport, WithCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Hour,
	}))

	if _, err := c.Get(context.Background(), "https://api.example.com/users"); err == nil {
		t.Fatal("expected the seeding failure")
	}
	if snap := c.BreakerSnapshot(); snap.State != StateOpen {
		t.Fatalf("breaker state = %v, want open", snap.State)
	}

	_, err := c.Get(context.Background(), "https://api.example.com/users")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrCircuitOpen", err)
	}
	if transport.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1: open breaker must short-circuit", transport.callCount())
	}

	stats := c.Stats()
	if stats.CircuitBreakerTrips != 1 {
		t.Errorf("breaker trips = %d, want 1", stats.CircuitBreakerTrips)
	}
	// Rejected calls never reach the attempt loop, so request counters are
	// untouched beyond the seeding failure.
	if stats.TotalRequests != 1 {
		t.Errorf("total requests = %d, want 1", stats.TotalRequests)
	}
}

func TestClientDeduplicatesConcurrentGets(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int32

	transport := TransportFunc(func(ctx context.Context, req *Request) (*Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(entered)
		}
		<-release
		return &Response{StatusCode: 200, Header: make(http.Header), Body: []byte("shared")}, nil
	})

	c := newTestClient(t, transport, WithDeduplication())

	const callers = 5
	results := make(chan *Response, callers)
	errs := make(chan error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Get(context.Background(), "https://api.example.com/users")
			results <- resp
			errs <- err
		}()
	}

	<-entered
	// Give the remaining callers time to join the in-flight group.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)
	close(errs)

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("transport calls = %d, want 1", got)
	}
	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	for resp := range results {
		if resp == nil || string(resp.Body) != "shared" {
			t.Errorf("response = %+v, want the shared body", resp)
		}
	}
}

func TestClientDedupFollowersGetIndependentCopies(t *testing.T) {
	release := make(chan struct{})
	transport := TransportFunc(func(ctx context.Context, req *Request) (*Response, error) {
		<-release
		return &Response{StatusCode: 200, Header: make(http.Header), Body: []byte("body")}, nil
	})

	c := newTestClient(t, transport, WithDeduplication())

	results := make(chan *Response, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Get(context.Background(), "https://api.example.com/users")
			if err != nil {
				t.Errorf("Get() error: %v", err)
			}
			results <- resp
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	var collected []*Response
	for resp := range results {
		collected = append(collected, resp)
	}
	if len(collected) == 2 {
		collected[0].Body[0] = 'X'
		if collected[1].Body[0] == 'X' {
			t.Error("dedup callers must not share one body slice")
		}
	}
}

func TestClientCancellationAbortsRetryWait(t *testing.T) {
	transport := &scriptedTransport{outcomes: []Outcome{status(503, nil, "")}}
	c := newTestClient(t, transport)
	c.sleep = func(ctx context.Context, d time.Duration) error { return context.Canceled }

	_, err := c.Get(context.Background(), "https://api.example.com/users")
	if err == nil {
		t.Fatal("expected error")
	}

	var ce *ClientError
	if !errors.As(err, &ce) || ce.Type != ErrorTypeCanceled {
		t.Fatalf("error = %v, want type %s", err, ErrorTypeCanceled)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("the context error must remain matchable through the chain")
	}
	if transport.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1", transport.callCount())
	}

	// The permitted call still reported its outcome to the breaker.
	if snap := c.BreakerSnapshot(); snap.FailureCount != 1 {
		t.Errorf("breaker failure count = %d, want 1", snap.FailureCount)
	}
	if stats := c.Stats(); stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 failure", stats)
	}
}

func TestClientCancellationDuringAttempt(t *testing.T) {
	transport := TransportFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return nil, context.DeadlineExceeded
	})
	c := newTestClient(t, transport)

	_, err := c.Get(context.Background(), "https://api.example.com/users")
	var ce *ClientError
	if !errors.As(err, &ce) || ce.Type != ErrorTypeCanceled {
		t.Fatalf("error = %v, want type %s", err, ErrorTypeCanceled)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("the deadline error must remain matchable through the chain")
	}
}

func TestClientThrottledByLocalRateLimiter(t *testing.T) {
	transport := &scriptedTransport{outcomes: []Outcome{status(200, nil, "ok")}}
	c := newTestClient(t, transport, WithRateLimiter(1, time.Hour))

	if _, err := c.Get(context.Background(), "https://api.example.com/users"); err != nil {
		t.Fatalf("first Get() error: %v", err)
	}

	_, err := c.Get(context.Background(), "https://api.example.com/other")
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("error = %v, want ErrThrottled", err)
	}
	if transport.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1", transport.callCount())
	}
}

func TestClientBaseURLResolution(t *testing.T) {
	transport := &scriptedTransport{outcomes: []Outcome{status(200, nil, "ok")}}
	c := newTestClient(t, transport, WithBaseURL("https://api.example.com/v1/"))

	if _, err := c.Get(context.Background(), "/users"); err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got := transport.lastReq.URL(); got != "https://api.example.com/v1/users" {
		t.Errorf("url = %q, want base-resolved path", got)
	}

	if _, err := c.Get(context.Background(), "https://other.example.com/abs"); err != nil {
		t.Fatalf("absolute Get() error: %v", err)
	}
	if got := transport.lastReq.URL(); got != "https://other.example.com/abs" {
		t.Errorf("url = %q, want the absolute URL untouched", got)
	}
}

func TestClientMiddlewareOrderAndPerAttempt(t *testing.T) {
	transport := &scriptedTransport{outcomes: []Outcome{
		status(503, nil, ""),
		status(200, nil, "ok"),
	}}

	var order []string
	var mu sync.Mutex
	record := func(name string) Middleware {
		return func(ctx context.Context, req *Request, next Transport) (*Response, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return next.RoundTrip(ctx, req)
		}
	}

	c := newTestClient(t, transport, WithMiddleware(record("outer"), record("inner")))

	if _, err := c.Get(context.Background(), "https://api.example.com/users"); err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	want := []string{"outer", "inner", "outer", "inner"}
	if len(order) != len(want) {
		t.Fatalf("middleware invocations = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestClientCustomRetryStatusSet(t *testing.T) {
	transport := &scriptedTransport{outcomes: []Outcome{status(500, nil, "")}}
	c := newTestClient(t, transport, WithRetryOnStatus(503))

	resp, err := c.Get(context.Background(), "https://api.example.com/users")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if resp.StatusCode != 500 {
		t.Errorf("status = %d, want 500 passed through", resp.StatusCode)
	}
	if transport.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1: 500 is not in the custom retry set", transport.callCount())
	}
}

func TestClientResetStats(t *testing.T) {
	transport := &scriptedTransport{outcomes: []Outcome{status(200, nil, "ok")}}
	c := newTestClient(t, transport)

	if _, err := c.Get(context.Background(), "https://api.example.com/users"); err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if stats := c.Stats(); stats.TotalRequests != 1 {
		t.Fatalf("stats = %+v, want 1 request", stats)
	}

	c.ResetStats()
	if stats := c.Stats(); stats != (Stats{}) {
		t.Errorf("stats after reset = %+v, want zeroes", stats)
	}
}
