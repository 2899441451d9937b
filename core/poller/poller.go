package poller

import "errors"

// ErrUnsupported is returned by NewPoller on platforms without epoll or kqueue
var ErrUnsupported = errors.New("poller: no epoll/kqueue on this platform")

// Event is a readiness notification for one descriptor
type Event struct {
	FD       int
	Readable bool
	Writable bool
	// Hangup is set when the peer closed or the descriptor errored
	Hangup bool
}

// Poller is the I/O multiplexing interface. Interest is level-triggered.
type Poller interface {
	// AddListener watches a listening socket for readability. Where the
	// platform supports it only one of the pollers sharing the socket is woken.
	AddListener(fd int) error
	// Add watches a connection for readability
	Add(fd int) error
	// SetWrite switches a watched connection to write interest (on) or
	// back to read interest. Reads are paused while write interest is on.
	SetWrite(fd int, on bool) error
	Remove(fd int) error
	Wait(timeout int) ([]Event, error)
	Close() error
}
