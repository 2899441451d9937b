// Package stdhttp serves the router through net/http on a shared listening
// descriptor, with optional HTTP/2 cleartext (h2c).
package stdhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sys/unix"

	"github.com/searchktools/hello-server/core/observability"
	"github.com/searchktools/hello-server/core/router"
)

// Config contains std transport configuration
type Config struct {
	// H2C enables HTTP/2 cleartext alongside HTTP/1.1
	H2C                  bool
	MaxConcurrentStreams uint32

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration

	Recorder observability.Recorder
	// OnBusy is called with true when the first request in flight starts and
	// with false when the last one finishes
	OnBusy func(busy bool)
}

// Server is a net/http transport for one worker
type Server struct {
	config  Config
	handler http.Handler
	h2      *http2.Server

	inflight atomic.Int64
}

// NewServer creates a std transport answering with r
func NewServer(r *router.Router, cfg Config) *Server {
	if r == nil {
		r = router.New()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = observability.Nop{}
	}
	if cfg.OnBusy == nil {
		cfg.OnBusy = func(bool) {}
	}
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 250
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{config: cfg}

	var h http.Handler = s.track(Handler(r, cfg.Recorder))
	if cfg.H2C {
		s.h2 = &http2.Server{
			MaxConcurrentStreams: cfg.MaxConcurrentStreams,
			IdleTimeout:          cfg.IdleTimeout,
		}
		h = h2c.NewHandler(h, s.h2)
	}
	s.handler = h

	return s
}

// Handler answers every request with the router's response for its raw path
func Handler(r *router.Router, rec observability.Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		res, resp := r.Route(req.URL.EscapedPath())

		h := w.Header()
		h.Set("Content-Type", resp.ContentType)
		h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
		w.WriteHeader(resp.Status)
		io.WriteString(w, resp.Body)

		rec.ObserveRequest(res.Kind, resp.Status, time.Since(start))
	})
}

func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if s.inflight.Add(1) == 1 {
			s.config.OnBusy(true)
		}
		defer func() {
			if s.inflight.Add(-1) == 0 {
				s.config.OnBusy(false)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

// Serve accepts on the listening descriptor lfd until ctx is done, then shuts
// down within ShutdownTimeout. lfd is left open.
func (s *Server) Serve(ctx context.Context, lfd int) error {
	nfd, err := unix.FcntlInt(uintptr(lfd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("stdhttp: dup listener: %w", err)
	}
	f := os.NewFile(uintptr(nfd), "stdhttp-listener")
	ln, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("stdhttp: %w", err)
	}

	server := &http.Server{
		Handler:        s.handler,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("stdhttp: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		server.Close()
	}
	<-errCh
	return nil
}
