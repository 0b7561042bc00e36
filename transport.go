package ratewise

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Transport executes a single HTTP exchange. Implementations must be safe for
// concurrent use. The client treats the transport as a black box: connection
// pooling, TLS and encoding live behind this interface.
type Transport interface {
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
}

// Middleware wraps a transport call for cross-cutting concerns. Middleware
// runs once per transport attempt, inside the retry loop.
type Middleware func(ctx context.Context, req *Request, next Transport) (*Response, error)

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// RoundTrip implements Transport.
func (f TransportFunc) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Response is an immutable snapshot of an HTTP response. The body is fully
// buffered; cached and de-duplicated callers each receive their own copy.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ETag returns the response validator token, if any.
func (r *Response) ETag() string {
	if r == nil {
		return ""
	}
	return r.Header.Get("ETag")
}

func (r *Response) clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       append([]byte(nil), r.Body...),
	}
}

// TransportErrorKind classifies transport failures.
type TransportErrorKind int

const (
	// KindTimeout covers deadline-style failures; transient.
	KindTimeout TransportErrorKind = iota
	// KindConnReset covers connection resets and refusals; transient.
	KindConnReset
	// KindDNS covers name resolution failures; permanent.
	KindDNS
	// KindTLS covers certificate and handshake failures; permanent.
	KindTLS
	// KindOther covers everything else; permanent.
	KindOther
)

// String returns a label for the kind.
func (k TransportErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnReset:
		return "connection_reset"
	case KindDNS:
		return "dns"
	case KindTLS:
		return "tls"
	default:
		return "other"
	}
}

// TransportError is a failed HTTP exchange. Only transient kinds (timeout,
// connection reset) are eligible for retry.
type TransportError struct {
	Kind    TransportErrorKind
	Message string
	Cause   error
}

// Error implements error.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error { return e.Cause }

// Transient reports whether the failure is worth retrying.
func (e *TransportError) Transient() bool {
	return e.Kind == KindTimeout || e.Kind == KindConnReset
}

// classifyTransportError maps an error from the underlying transport to a
// TransportError. Context cancellation is passed through unchanged so callers
// can match it with errors.Is.
func classifyTransportError(err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}

	kind := KindOther
	var dnsErr *net.DNSError
	var certErr *tls.CertificateVerificationError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		kind = KindDNS
	case errors.As(err, &certErr):
		kind = KindTLS
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrUnexpectedEOF):
		kind = KindConnReset
	}

	return &TransportError{Kind: kind, Message: err.Error(), Cause: err}
}

// HTTPTransport is the default Transport on top of net/http.
type HTTPTransport struct {
	client *http.Client

	// MaxBodySize bounds how much of a response body is buffered.
	maxBodySize int64
}

const defaultMaxBodySize = 10 * 1024 * 1024

// NewHTTPTransport wraps an *http.Client; a nil client gets a 30s timeout
// default.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{client: client, maxBodySize: defaultMaxBodySize}
}

// RoundTrip implements Transport.
func (t *HTTPTransport) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if b := req.Body(); b != nil {
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method()), req.URL(), body)
	if err != nil {
		return nil, &TransportError{Kind: KindOther, Message: err.Error(), Cause: err}
	}
	for k, vs := range req.Header() {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyTransportError(err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	buf, err := io.ReadAll(io.LimitReader(httpResp.Body, t.maxBodySize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyTransportError(err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       buf,
	}, nil
}
