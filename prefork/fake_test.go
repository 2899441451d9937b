package prefork

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// fakeHandle is a worker driven by the test
type fakeHandle struct {
	id    string
	slot  int
	ready chan struct{}
	done  chan struct{}

	once   sync.Once
	status ExitStatus

	// ignoreTerminate makes Terminate a no-op, only Kill stops the worker
	ignoreTerminate bool
	terminated      atomic.Bool
	killed          atomic.Bool
}

func (h *fakeHandle) exit(status ExitStatus) {
	h.once.Do(func() {
		h.status = status
		close(h.done)
	})
}

func (h *fakeHandle) ID() string             { return h.id }
func (h *fakeHandle) PID() int               { return 0 }
func (h *fakeHandle) State() State           { return StateAccepting }
func (h *fakeHandle) Ready() <-chan struct{} { return h.ready }
func (h *fakeHandle) Done() <-chan struct{}  { return h.done }
func (h *fakeHandle) Status() ExitStatus     { return h.status }

func (h *fakeHandle) Terminate() error {
	h.terminated.Store(true)
	if !h.ignoreTerminate {
		h.exit(ExitStatus{})
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.killed.Store(true)
	h.exit(ExitStatus{Code: -1, Signal: "killed"})
	return nil
}

// fakeSpawner records every spawn and hands out fakeHandles
type fakeSpawner struct {
	mu      sync.Mutex
	handles []*fakeHandle
	times   []time.Time
	spawned chan *fakeHandle

	// failAt makes the n-th spawn (0-based) fail
	failAt int
	// failFrom makes every spawn from the n-th on fail
	failFrom int
	attempts atomic.Int64
	// notReady leaves handles without a Ready signal
	notReady        bool
	ignoreTerminate bool
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{failAt: -1, failFrom: -1, spawned: make(chan *fakeHandle, 64)}
}

func (f *fakeSpawner) Spawn(_ context.Context, slot int) (Handle, error) {
	f.attempts.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failFrom >= 0 && len(f.handles) >= f.failFrom {
		return nil, fmt.Errorf("spawn refused")
	}
	if len(f.handles) == f.failAt {
		f.failAt = -1
		return nil, fmt.Errorf("spawn refused")
	}

	h := &fakeHandle{
		id:              fmt.Sprintf("fake-%d", len(f.handles)),
		slot:            slot,
		ready:           make(chan struct{}),
		done:            make(chan struct{}),
		ignoreTerminate: f.ignoreTerminate,
	}
	if !f.notReady {
		close(h.ready)
	}
	f.handles = append(f.handles, h)
	f.times = append(f.times, time.Now())
	f.spawned <- h
	return h, nil
}

func (f *fakeSpawner) all() []*fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeHandle(nil), f.handles...)
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

type lifecycleCounter struct {
	started, restarted atomic.Int64
	mu                 sync.Mutex
	exits              []string
}

func (c *lifecycleCounter) WorkerStarted()   { c.started.Add(1) }
func (c *lifecycleCounter) WorkerRestarted() { c.restarted.Add(1) }
func (c *lifecycleCounter) WorkerExited(cause string) {
	c.mu.Lock()
	c.exits = append(c.exits, cause)
	c.mu.Unlock()
}
