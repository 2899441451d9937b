// Package prefork runs a pool of workers that share one listening socket,
// either as child processes or as goroutines locked to their own OS threads,
// and keeps the pool populated according to a restart policy.
package prefork

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/searchktools/hello-server/core/pools"
)

// State is a worker lifecycle state
type State int32

const (
	StateStarting State = iota
	StateListening
	StateAccepting
	StateHandling
	StateTerminating
)

var stateNames = [...]string{
	StateStarting:    "starting",
	StateListening:   "listening",
	StateAccepting:   "accepting",
	StateHandling:    "handling",
	StateTerminating: "terminating",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseState is the inverse of State.String. Unknown names map to
// StateStarting.
func ParseState(name string) State {
	for i, n := range stateNames {
		if n == name {
			return State(i)
		}
	}
	return StateStarting
}

// Transport is a per-worker accept loop over a listening descriptor
type Transport interface {
	Serve(ctx context.Context, fd int) error
}

// TransportFactory builds a worker's transport. onBusy must be called with
// true when request handling starts and false when the loop is idle again.
type TransportFactory func(onBusy func(busy bool)) Transport

// WorkerOptions configures a Worker
type WorkerOptions struct {
	Slot int
	// Attach returns a descriptor for the shared socket owned by the worker.
	// It must never bind.
	Attach    func() (int, error)
	Transport TransportFactory
	// Notify receives lifecycle transitions; may be nil
	Notify    func(StatusMessage)
	GCPercent int
}

// Worker runs one transport against the shared socket
type Worker struct {
	opts  WorkerOptions
	name  string
	state atomic.Int32
}

// NewWorker creates a worker in StateStarting
func NewWorker(opts WorkerOptions) *Worker {
	if opts.Notify == nil {
		opts.Notify = func(StatusMessage) {}
	}
	return &Worker{
		opts: opts,
		name: fmt.Sprintf("[worker %d]", opts.Slot),
	}
}

// State returns the current lifecycle state
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Run attaches to the socket and serves until ctx is done or the transport
// fails. A nil return is a clean exit.
func (w *Worker) Run(ctx context.Context) (err error) {
	w.transition(StateStarting, "")
	defer func() {
		if r := recover(); r != nil {
			w.transition(StateTerminating, fmt.Sprint("panic: ", r))
			panic(r)
		}
		detail := "clean"
		if err != nil {
			detail = err.Error()
		}
		w.transition(StateTerminating, detail)
	}()

	fd, err := w.opts.Attach()
	if err != nil {
		return fmt.Errorf("attach socket: %w", err)
	}
	defer unix.Close(fd)

	if w.opts.GCPercent > 0 {
		prev := pools.ApplyGCPercent(w.opts.GCPercent)
		log.Printf("%s GOGC %d (was %d)", w.name, w.opts.GCPercent, prev)
	}

	transport := w.opts.Transport(w.busy)

	w.transition(StateListening, "")
	w.opts.Notify(StatusMessage{Type: TypeReady, Slot: w.opts.Slot, PID: os.Getpid(), State: StateListening})
	w.transition(StateAccepting, "")

	if err := transport.Serve(ctx, fd); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// transition records and logs a lifecycle change. Accepting and Handling
// alternate per event batch and are only recorded, see busy.
func (w *Worker) transition(s State, detail string) {
	w.state.Store(int32(s))
	if detail != "" {
		log.Printf("%s %s (%s)", w.name, s, detail)
	} else {
		log.Printf("%s %s", w.name, s)
	}
	if s != StateListening {
		w.opts.Notify(StatusMessage{Type: TypeState, Slot: w.opts.Slot, PID: os.Getpid(), State: s, Detail: detail})
	}
}

func (w *Worker) busy(on bool) {
	if on {
		w.state.CompareAndSwap(int32(StateAccepting), int32(StateHandling))
	} else {
		w.state.CompareAndSwap(int32(StateHandling), int32(StateAccepting))
	}
}
