// Package admin is the supervisor's opt-in introspection endpoint.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/searchktools/hello-server/core/pools"
	"github.com/searchktools/hello-server/prefork"
)

// WorkerLister reports the current worker pool
type WorkerLister interface {
	Workers() []prefork.WorkerRecord
}

type workersResponse struct {
	PID     int                    `json:"pid"`
	Alive   int                    `json:"alive"`
	Workers []prefork.WorkerRecord `json:"workers"`
	// GC is the supervisor process's runtime; in thread mode it includes
	// every worker
	GC pools.GCStats `json:"gc"`
}

// NewRouter builds the admin routes:
//
//	GET /healthz  200 "ok" while at least one worker is alive, 503 otherwise
//	GET /workers  worker records and supervisor GC stats as JSON
//	GET /metrics  Prometheus exposition of gatherer
func NewRouter(pid int, workers WorkerLister, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if alive(workers.Workers()) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("no workers\n"))
			return
		}
		w.Write([]byte("ok\n"))
	})

	r.Get("/workers", func(w http.ResponseWriter, _ *http.Request) {
		records := workers.Workers()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(workersResponse{
			PID:     pid,
			Alive:   alive(records),
			Workers: records,
			GC:      pools.GetGCStats(),
		})
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func alive(records []prefork.WorkerRecord) int {
	n := 0
	for _, r := range records {
		if r.Alive {
			n++
		}
	}
	return n
}

// Server serves the admin router
type Server struct {
	ln     net.Listener
	server *http.Server
}

// Listen binds addr for the admin endpoint
func Listen(addr string, handler http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("admin: listen %s: %w", addr, err)
	}
	return &Server{
		ln: ln,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Addr returns the bound address
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve runs until ctx is done
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(s.ln)
	}()

	log.Printf("🔧 Admin endpoint on http://%s", s.ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.server.Shutdown(shutdownCtx)
	<-errCh
	return nil
}
