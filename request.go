package ratewise

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Method is an HTTP request method.
type Method string

// Supported HTTP methods.
const (
	MethodGet     Method = "GET"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodPost    Method = "POST"
	MethodPatch   Method = "PATCH"
)

// Valid reports whether m is one of the supported methods.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodHead, MethodOptions, MethodPut, MethodDelete, MethodPost, MethodPatch:
		return true
	}
	return false
}

// IsIdempotent reports whether the method is safe to retry without risking a
// duplicated side effect. POST and PATCH are not idempotent.
func (m Method) IsIdempotent() bool {
	switch m {
	case MethodGet, MethodHead, MethodOptions, MethodPut, MethodDelete:
		return true
	}
	return false
}

type queryParam struct {
	key   string
	value string
}

// Request describes a single logical HTTP call. It is immutable once built;
// construct one with NewRequest and per-field options. Identity for caching
// and de-duplication is derived from method, normalized URL, sorted query
// parameters and a configured subset of headers (none by default, so volatile
// auth headers never leak into cache keys).
type Request struct {
	method Method
	url    *url.URL
	query  []queryParam
	header http.Header
	body   []byte
}

// RequestOption customizes a Request during construction.
type RequestOption func(*Request)

// WithQueryParam appends a query parameter, preserving insertion order.
func WithQueryParam(key, value string) RequestOption {
	return func(r *Request) {
		r.query = append(r.query, queryParam{key: key, value: value})
	}
}

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(r *Request) {
		r.header.Set(key, value)
	}
}

// WithBody sets the request body.
func WithBody(body []byte) RequestOption {
	return func(r *Request) {
		r.body = append([]byte(nil), body...)
	}
}

// NewRequest builds an immutable Request. The URL must be absolute.
func NewRequest(method Method, rawURL string, opts ...RequestOption) (*Request, error) {
	if !method.Valid() {
		return nil, fmt.Errorf("ratewise: unsupported method %q", string(method))
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("ratewise: invalid url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ratewise: url %q must be absolute", rawURL)
	}

	r := &Request{
		method: method,
		url:    u,
		header: make(http.Header),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Method returns the request method.
func (r *Request) Method() Method { return r.method }

// URL returns the request URL including encoded query parameters.
func (r *Request) URL() string {
	if len(r.query) == 0 {
		return r.url.String()
	}
	u := *r.url
	values := u.Query()
	for _, p := range r.query {
		values.Add(p.key, p.value)
	}
	u.RawQuery = values.Encode()
	return u.String()
}

// Header returns a copy of the request headers.
func (r *Request) Header() http.Header {
	return r.header.Clone()
}

// Body returns a copy of the request body, or nil.
func (r *Request) Body() []byte {
	if r.body == nil {
		return nil
	}
	return append([]byte(nil), r.body...)
}

// Endpoint returns host+path for metrics labels.
func (r *Request) Endpoint() string {
	var b strings.Builder
	b.WriteString(r.url.Host)
	if r.url.Path != "" && r.url.Path != "/" {
		b.WriteString(r.url.Path)
	} else {
		b.WriteByte('/')
	}
	return b.String()
}

// Key derives the canonical identity of the request for caching and
// de-duplication: method, normalized URL, canonicalized (sorted) query
// parameters and the named headers, hashed with SHA-256. Two requests that
// differ only in query parameter order produce the same key.
func (r *Request) Key(includeHeaders ...string) string {
	parts := []string{string(r.method), r.normalizedURL()}

	if q := r.canonicalQuery(); q != "" {
		parts = append(parts, q)
	}

	if len(includeHeaders) > 0 {
		names := append([]string(nil), includeHeaders...)
		sort.Strings(names)
		for _, name := range names {
			if v := r.header.Get(name); v != "" {
				parts = append(parts, http.CanonicalHeaderKey(name)+"="+v)
			}
		}
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func (r *Request) normalizedURL() string {
	u := *r.url
	u.RawQuery = ""
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

func (r *Request) canonicalQuery() string {
	merged := r.url.Query()
	for _, p := range r.query {
		merged.Add(p.key, p.value)
	}
	if len(merged) == 0 {
		return ""
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := merged[k]
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
