package prefork

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/searchktools/hello-server/listener"
)

// ThreadSpawner runs each worker as a goroutine locked to its own OS thread,
// with its own descriptor for the shared socket
type ThreadSpawner struct {
	Socket    *listener.Socket
	Transport TransportFactory
	GCPercent int

	seq atomic.Uint64
}

// Spawn starts a worker goroutine
func (s *ThreadSpawner) Spawn(_ context.Context, slot int) (Handle, error) {
	if s.Socket == nil || s.Transport == nil {
		return nil, fmt.Errorf("thread spawner: socket and transport are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &threadHandle{
		id:     fmt.Sprintf("thread-%d", s.seq.Add(1)),
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	h.worker = NewWorker(WorkerOptions{
		Slot:      slot,
		Attach:    s.Socket.Dup,
		Transport: s.Transport,
		Notify:    h.notify,
		GCPercent: s.GCPercent,
	})

	go h.run(ctx)
	return h, nil
}

type threadHandle struct {
	id     string
	worker *Worker
	cancel context.CancelFunc

	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
	status    ExitStatus
}

func (h *threadHandle) run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			h.status = ExitStatus{Code: exitPanic, Err: fmt.Errorf("%v", r)}
		}
	}()

	if err := h.worker.Run(ctx); err != nil {
		h.status = ExitStatus{Code: exitError, Err: err}
	}
}

func (h *threadHandle) notify(m StatusMessage) {
	if m.Type == TypeReady {
		h.readyOnce.Do(func() { close(h.ready) })
	}
}

func (h *threadHandle) ID() string             { return h.id }
func (h *threadHandle) PID() int               { return os.Getpid() }
func (h *threadHandle) State() State           { return h.worker.State() }
func (h *threadHandle) Ready() <-chan struct{} { return h.ready }
func (h *threadHandle) Done() <-chan struct{}  { return h.done }
func (h *threadHandle) Status() ExitStatus     { return h.status }

func (h *threadHandle) Terminate() error {
	h.cancel()
	return nil
}

// Kill cannot preempt a goroutine; it cancels like Terminate
func (h *threadHandle) Kill() error {
	h.cancel()
	return nil
}
