package http

import "sync"

// Request is a zero-allocation HTTP request structure.
// String fields point into the read buffer and are only valid until the
// buffer is reused.
type Request struct {
	Method string
	Path   string // raw path, query removed
	Query  string // raw query without '?'
	Proto  string

	// Predefined header fields the server acts on
	Host             string
	Connection       string
	TransferEncoding string
	ContentLength    int64

	// HeaderLen is the size of the request line plus headers, terminator included
	HeaderLen int

	KeepAlive bool
	Chunked   bool
}

var requestPool = sync.Pool{
	New: func() any {
		return &Request{}
	},
}

// AcquireRequest returns an empty Request from the pool
func AcquireRequest() *Request {
	return requestPool.Get().(*Request)
}

// Reset resets the request for reuse
func (r *Request) Reset() {
	*r = Request{}
}

// ReleaseRequest resets req and returns it to the pool
func ReleaseRequest(req *Request) {
	req.Reset()
	requestPool.Put(req)
}

// setHeader records the headers the server cares about, names compared case-insensitively
func (r *Request) setHeader(key, value []byte) error {
	switch {
	case equalFold(key, "host"):
		r.Host = unsafeString(value)
	case equalFold(key, "connection"):
		r.Connection = unsafeString(value)
	case equalFold(key, "transfer-encoding"):
		r.TransferEncoding = unsafeString(value)
	case equalFold(key, "content-length"):
		n, ok := parseUint(value)
		if !ok {
			return ErrMalformedRequest
		}
		if r.ContentLength > 0 && r.ContentLength != n {
			return ErrMalformedRequest
		}
		r.ContentLength = n
	}
	return nil
}
