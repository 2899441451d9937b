package core

import (
	"errors"
	"log"
	"time"

	"github.com/searchktools/hello-server/core/http"
	"github.com/searchktools/hello-server/core/observability"
	"github.com/searchktools/hello-server/core/router"
)

// Outcome describes what ConnHandler.Process did with its input
type Outcome struct {
	// Consumed is the number of input bytes fully handled
	Consumed int
	// Discard is the number of request body bytes still expected on the
	// stream that must be dropped before the next request starts
	Discard int64
	// Close asks the transport to close once the output is flushed
	Close bool
}

// ConnHandler turns raw request bytes into response bytes using the Router.
// It keeps no state between calls and is safe for concurrent use.
type ConnHandler struct {
	router         *router.Router
	maxHeaderBytes int
	recorder       observability.Recorder
}

// NewConnHandler creates a connection handler. A nil recorder disables metrics.
func NewConnHandler(r *router.Router, maxHeaderBytes int, recorder observability.Recorder) *ConnHandler {
	if r == nil {
		r = router.New()
	}
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = http.DefaultMaxHeaderBytes
	}
	if recorder == nil {
		recorder = observability.Nop{}
	}
	return &ConnHandler{
		router:         r,
		maxHeaderBytes: maxHeaderBytes,
		recorder:       recorder,
	}
}

// Process handles every complete request at the start of in (pipelining) and
// appends one response per request to out. Parse failures become a 4xx
// response followed by Close.
func (h *ConnHandler) Process(in, out []byte) (result []byte, o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[handler] recovered from fault: %v", r)
			result = http.AppendResponse(out, 400, router.ContentType, http.StatusText(400), false)
			o = Outcome{Consumed: len(in), Close: true}
		}
	}()

	req := http.AcquireRequest()
	defer http.ReleaseRequest(req)

	for o.Consumed < len(in) {
		req.Reset()
		err := http.ParseRequest(in[o.Consumed:], h.maxHeaderBytes, req)
		if err != nil {
			if errors.Is(err, http.ErrIncomplete) {
				return out, o
			}
			out = h.fault(out, err)
			o.Consumed = len(in)
			o.Close = true
			return out, o
		}

		start := time.Now()
		res, resp := h.router.Route(req.Path)

		// a chunked body cannot be skipped without decoding it
		keep := req.KeepAlive && !req.Chunked
		if req.Method == "HEAD" {
			out = http.AppendHeader(out, resp.Status, resp.ContentType, len(resp.Body), keep)
		} else {
			out = http.AppendResponse(out, resp.Status, resp.ContentType, resp.Body, keep)
		}
		h.recorder.ObserveRequest(res.Kind, resp.Status, time.Since(start))

		o.Consumed += req.HeaderLen
		if req.ContentLength > 0 {
			avail := int64(len(in) - o.Consumed)
			if avail >= req.ContentLength {
				o.Consumed += int(req.ContentLength)
			} else {
				o.Consumed = len(in)
				o.Discard = req.ContentLength - avail
			}
		}

		if !keep {
			o.Close = true
			return out, o
		}
		if o.Discard > 0 {
			return out, o
		}
	}

	return out, o
}

// fault appends the 4xx response for a parse error
func (h *ConnHandler) fault(out []byte, err error) []byte {
	code := 400
	if errors.Is(err, http.ErrHeaderTooLarge) {
		code = 431
	}
	h.recorder.ObserveRequest(router.NotFound, code, 0)
	return http.AppendResponse(out, code, router.ContentType, http.StatusText(code), false)
}
