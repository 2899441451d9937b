//go:build darwin || freebsd

package poller

import (
	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
}

// NewPoller creates a new Poller (BSD/macOS)
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kqfd)

	return &KqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, 1024),
	}, nil
}

func (p *KqueuePoller) change(fd int, filter int16, flags uint16) error {
	var ev unix.Kevent_t
	unix.SetKevent(&ev, fd, int(filter), int(flags))
	_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

// AddListener adds the listen fd. kqueue has no exclusive wakeup; losers of
// the accept race see EAGAIN.
func (p *KqueuePoller) AddListener(fd int) error {
	return p.Add(fd)
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd int) error {
	// Use level-triggered (default) for reliability
	// EV_CLEAR (edge-triggered) can miss events if not handled carefully
	return p.change(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE)
}

// SetWrite swaps the read filter for the write filter while a partial
// write is pending
func (p *KqueuePoller) SetWrite(fd int, on bool) error {
	if on {
		if err := p.change(fd, unix.EVFILT_READ, unix.EV_DISABLE); err != nil {
			return err
		}
		return p.change(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE)
	}
	if err := p.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE); err != nil {
		return err
	}
	return p.change(fd, unix.EVFILT_READ, unix.EV_ENABLE)
}

// Remove removes a file descriptor from the watch list. Closing the fd
// drops its filters too, so errors for the write filter are ignored.
func (p *KqueuePoller) Remove(fd int) error {
	_ = p.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	return p.change(fd, unix.EVFILT_READ, unix.EV_DELETE)
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(timeout int) ([]Event, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout) * 1000000)
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil && err != unix.EINTR {
		return nil, err
	}

	if n <= 0 {
		return nil, nil
	}

	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		kev := p.events[i]
		events = append(events, Event{
			FD:       int(kev.Ident),
			Readable: kev.Filter == unix.EVFILT_READ,
			Writable: kev.Filter == unix.EVFILT_WRITE,
			Hangup:   kev.Flags&unix.EV_ERROR != 0,
		})
	}

	return events, nil
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}
