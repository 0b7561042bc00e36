package ratewise

// DedupCondition decides whether a request may join an in-flight group.
// De-duplication only ever applies to side-effect-free methods: collapsing a
// POST would silently drop a mutation.
type DedupCondition func(req *Request) bool

// DefaultDedupCondition de-duplicates GET requests only.
func DefaultDedupCondition(req *Request) bool {
	return req.Method() == MethodGet
}
