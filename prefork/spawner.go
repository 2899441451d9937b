package prefork

import (
	"context"
	"fmt"
)

// ExitStatus describes how a worker ended
type ExitStatus struct {
	// Code is the exit code, -1 when killed by a signal
	Code   int
	Signal string
	Err    error
}

// Clean reports a zero exit without signal or error
func (s ExitStatus) Clean() bool {
	return s.Code == 0 && s.Signal == "" && s.Err == nil
}

// Cause is a short label for logs and metrics
func (s ExitStatus) Cause() string {
	switch {
	case s.Signal != "":
		return "signal: " + s.Signal
	case s.Err != nil && s.Code == exitPanic:
		return "panic"
	case s.Err != nil:
		return "error"
	default:
		return fmt.Sprintf("exit status %d", s.Code)
	}
}

func (s ExitStatus) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s: %v", s.Cause(), s.Err)
	}
	return s.Cause()
}

const (
	exitError = 1
	exitPanic = 2
)

// Handle controls one running worker
type Handle interface {
	// ID names the worker in logs: its pid for processes
	ID() string
	PID() int
	State() State
	// Ready is closed once the worker is attached and accepting
	Ready() <-chan struct{}
	// Done is closed when the worker has exited
	Done() <-chan struct{}
	// Status is valid after Done is closed
	Status() ExitStatus
	// Terminate asks the worker to stop
	Terminate() error
	// Kill stops the worker without waiting for it to finish
	Kill() error
}

// Spawner starts workers for the supervisor
type Spawner interface {
	Spawn(ctx context.Context, slot int) (Handle, error)
}
