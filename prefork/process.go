package prefork

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/searchktools/hello-server/listener"
)

// ProcessSpawner runs each worker as a child process that inherits the
// shared socket as fd 3 and reports status on fd 4
type ProcessSpawner struct {
	Socket *listener.Socket
	// Path is the worker executable, default os.Executable()
	Path string
	// Args are passed before --slot=<n>
	Args []string
	// Env is appended to the supervisor's environment
	Env []string

	Stdout io.Writer
	Stderr io.Writer
}

// Spawn starts a worker process
func (s *ProcessSpawner) Spawn(ctx context.Context, slot int) (Handle, error) {
	if s.Socket == nil {
		return nil, errors.New("process spawner: socket is required")
	}

	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("process spawner: %w", err)
		}
		path = exe
	}

	statusR, statusW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("process spawner: status pipe: %w", err)
	}

	args := append(append([]string(nil), s.Args...), "--slot="+strconv.Itoa(slot))
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	// ExtraFiles[i] becomes fd 3+i in the child
	cmd.ExtraFiles = []*os.File{s.Socket.File(), statusW}
	cmd.SysProcAttr = sysProcAttr()
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		statusR.Close()
		statusW.Close()
		return nil, fmt.Errorf("start worker %d: %w", slot, err)
	}
	statusW.Close()

	h := &processHandle{
		cmd:   cmd,
		pid:   cmd.Process.Pid,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	h.state.Store(int32(StateStarting))

	statusDone := make(chan struct{})
	go h.readStatus(statusR, statusDone)
	go h.wait(statusDone)

	return h, nil
}

type processHandle struct {
	cmd   *exec.Cmd
	pid   int
	state atomic.Int32

	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
	status    ExitStatus
}

func (h *processHandle) readStatus(r *os.File, done chan<- struct{}) {
	defer close(done)
	defer r.Close()

	for {
		m, err := ReadStatus(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Printf("[supervisor] worker %d status: %v", h.pid, err)
			}
			return
		}

		if m.Type == TypeReady {
			h.state.Store(int32(StateAccepting))
			h.readyOnce.Do(func() { close(h.ready) })
			continue
		}
		h.state.Store(int32(m.State))
	}
}

func (h *processHandle) wait(statusDone <-chan struct{}) {
	err := h.cmd.Wait()
	// the pipe hits EOF once the child is gone; drain it before publishing
	<-statusDone
	h.status = exitStatus(h.cmd.ProcessState, err)
	close(h.done)
}

func exitStatus(ps *os.ProcessState, err error) ExitStatus {
	if ps == nil {
		return ExitStatus{Code: -1, Err: err}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal().String()}
	}
	return ExitStatus{Code: ps.ExitCode()}
}

func (h *processHandle) ID() string             { return strconv.Itoa(h.pid) }
func (h *processHandle) PID() int               { return h.pid }
func (h *processHandle) State() State           { return State(h.state.Load()) }
func (h *processHandle) Ready() <-chan struct{} { return h.ready }
func (h *processHandle) Done() <-chan struct{}  { return h.done }
func (h *processHandle) Status() ExitStatus     { return h.status }

// Terminate sends SIGTERM to the worker's process group
func (h *processHandle) Terminate() error {
	return h.signal(unix.SIGTERM)
}

// Kill sends SIGKILL to the worker's process group
func (h *processHandle) Kill() error {
	return h.signal(unix.SIGKILL)
}

func (h *processHandle) signal(sig unix.Signal) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	err := unix.Kill(-h.pid, sig)
	if err == nil || err == unix.ESRCH {
		return nil
	}

	// not a group leader after all
	errSingle := unix.Kill(h.pid, sig)
	if errSingle == nil || errSingle == unix.ESRCH {
		return nil
	}
	return fmt.Errorf("signal worker %d: group: %v, single: %w", h.pid, err, errSingle)
}
