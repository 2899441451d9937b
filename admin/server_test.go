package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/hello-server/core/observability"
	"github.com/searchktools/hello-server/core/router"
	"github.com/searchktools/hello-server/prefork"
)

type staticWorkers []prefork.WorkerRecord

func (s staticWorkers) Workers() []prefork.WorkerRecord { return s }

func do(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthz(t *testing.T) {
	up := NewRouter(1, staticWorkers{{Slot: 0, Alive: true}}, nil)
	w := do(up, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok\n", w.Body.String())

	down := NewRouter(1, staticWorkers{{Slot: 0, Alive: false}}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(down, "/healthz").Code)
}

func TestWorkers(t *testing.T) {
	records := staticWorkers{
		{Slot: 0, Generation: 1, ID: "101", PID: 101, Alive: true, State: prefork.StateAccepting},
		{Slot: 1, Generation: 3, ID: "107", PID: 107, Alive: false, State: prefork.StateTerminating, Restarts: 2, LastExit: "signal: killed"},
	}
	w := do(NewRouter(42, records, nil), "/workers")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got struct {
		PID     int `json:"pid"`
		Alive   int `json:"alive"`
		Workers []struct {
			Slot     int    `json:"slot"`
			State    string `json:"state"`
			LastExit string `json:"last_exit"`
		} `json:"workers"`
		GC struct {
			NumGoroutine int `json:"num_goroutine"`
		} `json:"gc"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 42, got.PID)
	assert.Equal(t, 1, got.Alive)
	require.Len(t, got.Workers, 2)
	assert.Equal(t, "accepting", got.Workers[0].State)
	assert.Equal(t, "terminating", got.Workers[1].State)
	assert.Equal(t, "signal: killed", got.Workers[1].LastExit)
	assert.Positive(t, got.GC.NumGoroutine)
}

func TestMetrics(t *testing.T) {
	m := observability.NewMetrics()
	m.WorkerStarted()
	m.ObserveRequest(router.Index, 200, time.Microsecond)

	w := do(NewRouter(1, staticWorkers{}, m.Gatherer()), "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "hello_workers_alive 1")
	assert.Contains(t, body, `hello_requests_total{route="index",status="200"} 1`)

	assert.Equal(t, http.StatusNotFound, do(NewRouter(1, staticWorkers{}, nil), "/metrics").Code)
}

func TestServe(t *testing.T) {
	s, err := Listen("127.0.0.1:0", NewRouter(1, staticWorkers{{Alive: true}}, nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	resp, err := http.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok\n", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("admin server did not stop")
	}
}
