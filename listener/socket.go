// Package listener owns the single TCP listening socket shared by every worker.
//
// The supervisor binds once with Listen. Thread workers get their own
// descriptor with Dup; process workers receive File as fd 3 and rebuild the
// socket with Inherit. Workers never bind.
package listener

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// InheritedFD is the descriptor a process worker finds the socket on
const InheritedFD = 3

// BindError reports that the listen address could not be bound
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// Socket is a bound, listening TCP socket
type Socket struct {
	file *os.File
	addr *net.TCPAddr
	ln   net.Listener
}

// Listen binds host:port exactly once. Port 0 picks a free port.
func Listen(ctx context.Context, host string, port int) (*Socket, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}

	tcp := ln.(*net.TCPListener)
	file, err := dupFile(tcp)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("listener: dup %s: %w", addr, err)
	}

	return &Socket{
		file: file,
		addr: tcp.Addr().(*net.TCPAddr),
		ln:   ln,
	}, nil
}

// dupFile duplicates the listener descriptor into an *os.File that stays in
// non-blocking mode. TCPListener.File would hand out a file whose Fd() flips
// the shared open file description to blocking, stalling sibling accept loops
// whenever a process worker is spawned.
func dupFile(tcp *net.TCPListener) (*os.File, error) {
	raw, err := tcp.SyscallConn()
	if err != nil {
		return nil, err
	}

	nfd := -1
	var dupErr error
	err = raw.Control(func(fd uintptr) {
		nfd, dupErr = unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	})
	if err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, dupErr
	}
	return os.NewFile(uintptr(nfd), "listener:"+tcp.Addr().String()), nil
}

// Inherit adopts a listening socket passed in by the parent process.
// The socket takes ownership of fd.
func Inherit(fd uintptr) (*Socket, error) {
	if err := unix.SetNonblock(int(fd), true); err != nil {
		return nil, fmt.Errorf("listener: fd %d: %w", fd, err)
	}

	file := os.NewFile(fd, "listener:inherited")
	if file == nil {
		return nil, fmt.Errorf("listener: invalid fd %d", fd)
	}

	sa, err := unix.Getsockname(int(fd))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("listener: fd %d is not a socket: %w", fd, err)
	}

	return &Socket{file: file, addr: tcpAddr(sa)}, nil
}

func tcpAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]).To16(), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	}
	return &net.TCPAddr{}
}

// Addr returns the bound address
func (s *Socket) Addr() *net.TCPAddr {
	return s.addr
}

// Port returns the bound port
func (s *Socket) Port() int {
	return s.addr.Port
}

// File returns the descriptor to pass to a child process. The socket keeps
// ownership.
func (s *Socket) File() *os.File {
	return s.file
}

// FD returns the raw descriptor
func (s *Socket) FD() int {
	return int(s.file.Fd())
}

// Dup returns a new close-on-exec descriptor for the same socket. The caller
// owns it.
func (s *Socket) Dup() (int, error) {
	fd, err := unix.FcntlInt(s.file.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("listener: dup: %w", err)
	}
	return fd, nil
}

// Close releases the socket. Duplicates and inherited copies in other
// processes keep it open until they close too.
func (s *Socket) Close() error {
	err := s.file.Close()
	if s.ln != nil {
		if lerr := s.ln.Close(); err == nil {
			err = lerr
		}
	}
	return err
}
