package core

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/searchktools/hello-server/core/poller"
	"github.com/searchktools/hello-server/core/pools"
)

// Connection represents an active connection
type Connection struct {
	fd         int
	readBuf    []byte
	readOffset int
	outBuf     []byte
	discard    int64
	lastActive time.Time
	writing    bool
	closeAfter bool
}

// Reset implements pools.Poolable
func (c *Connection) Reset() {
	c.fd = -1
	c.readBuf = nil
	c.readOffset = 0
	c.outBuf = nil
	c.discard = 0
	c.lastActive = time.Time{}
	c.writing = false
	c.closeAfter = false
}

// SetFD implements pools.Poolable
func (c *Connection) SetFD(fd int) {
	c.fd = fd
	c.lastActive = time.Now()
}

// EngineConfig configures an Engine
type EngineConfig struct {
	MaxHeaderBytes int
	MaxConnections int

	// ReadTimeout bounds how long a partially received request may stall
	ReadTimeout time.Duration
	// WriteTimeout bounds how long a pending response may stall
	WriteTimeout time.Duration
	// IdleTimeout closes keep-alive connections with nothing in flight
	IdleTimeout time.Duration

	// OnBusy is called with true before a batch of ready events is handled
	// and with false once the loop goes back to waiting
	OnBusy func(busy bool)
}

func (c *EngineConfig) defaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.OnBusy == nil {
		c.OnBusy = func(bool) {}
	}
}

// Engine is a single-threaded epoll/kqueue HTTP/1.1 event loop. Several
// engines, one per worker, share one listening socket.
type Engine struct {
	handler *ConnHandler
	config  EngineConfig
	running atomic.Bool

	poller      poller.Poller
	connections map[int]*Connection

	bytePool       *pools.BytePool
	connectionPool *pools.ConnectionPool[*Connection]

	accepted atomic.Uint64
	closed   atomic.Uint64
	active   atomic.Int64
}

// NewEngine creates a new engine instance
func NewEngine(handler *ConnHandler, config EngineConfig) *Engine {
	if handler == nil {
		handler = NewConnHandler(nil, config.MaxHeaderBytes, nil)
	}
	config.MaxHeaderBytes = handler.maxHeaderBytes
	config.defaults()

	return &Engine{
		handler:  handler,
		config:   config,
		bytePool: pools.NewBytePool(),
		connectionPool: pools.NewConnectionPool(func() *Connection {
			return &Connection{fd: -1}
		}),
	}
}

// Serve runs the event loop on the listening descriptor lfd until ctx is
// done. Open connections are closed on return; lfd is left open.
func (e *Engine) Serve(ctx context.Context, lfd int) error {
	if lfd < 0 {
		return ErrBadListener
	}
	if !e.running.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}
	defer e.running.Store(false)

	// os/exec may have flipped the shared description to blocking
	if err := unix.SetNonblock(lfd, true); err != nil {
		return fmt.Errorf("engine: set non-blocking: %w", err)
	}

	p, err := poller.NewPoller()
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer p.Close()

	if err := p.AddListener(lfd); err != nil {
		return fmt.Errorf("engine: watch listener: %w", err)
	}

	e.poller = p
	e.connections = make(map[int]*Connection, 1024)
	defer func() {
		e.closeAll()
		log.Printf("[engine] stopped: %s", e.Stats())
	}()

	lastSweep := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}

		events, err := p.Wait(pollTimeout)
		if err != nil {
			return fmt.Errorf("engine: wait: %w", err)
		}

		if len(events) > 0 {
			e.config.OnBusy(true)
			for _, ev := range events {
				if ev.FD == lfd {
					e.acceptConnections(lfd)
				} else {
					e.handleConnectionEvent(ev)
				}
			}
			e.config.OnBusy(false)
		}

		if now := time.Now(); now.Sub(lastSweep) >= sweepInterval {
			e.sweep(now)
			lastSweep = now
		}
	}
}

// acceptConnections drains the accept queue
func (e *Engine) acceptConnections(lfd int) {
	for {
		nfd, err := accept(lfd)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.EINTR:
				// EAGAIN: queue empty or a sibling worker won the race
			case unix.ECONNABORTED:
				continue
			default:
				log.Printf("[engine] accept error: %v", err)
			}
			return
		}

		if len(e.connections) >= e.config.MaxConnections {
			unix.Close(nfd)
			continue
		}

		// Disable Nagle: responses are a single small write
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		conn := e.connectionPool.Get(nfd)
		conn.readBuf = e.bytePool.Get(e.config.MaxHeaderBytes)

		if err := e.poller.Add(nfd); err != nil {
			e.bytePool.Put(conn.readBuf)
			e.connectionPool.Put(conn)
			unix.Close(nfd)
			continue
		}

		e.connections[nfd] = conn
		e.accepted.Add(1)
		e.active.Add(1)
	}
}

// handleConnectionEvent handles events on a connection
func (e *Engine) handleConnectionEvent(ev poller.Event) {
	conn, ok := e.connections[ev.FD]
	if !ok {
		return
	}

	if ev.Writable && len(conn.outBuf) > 0 {
		if !e.flush(conn) {
			return
		}
	}

	// reads stay paused until pending output drains
	if ev.Readable && !conn.writing {
		e.handleRead(conn)
		return
	}

	if ev.Hangup {
		e.closeConnection(conn)
	}
}

// handleRead reads and answers every complete request in the buffer
func (e *Engine) handleRead(conn *Connection) {
	n, err := unix.Read(conn.fd, conn.readBuf[conn.readOffset:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		e.closeConnection(conn)
		return
	}
	if n == 0 {
		e.closeConnection(conn)
		return
	}
	conn.lastActive = time.Now()

	// drop the unread tail of a request body answered earlier
	if conn.discard > 0 {
		skip := n
		if int64(skip) > conn.discard {
			skip = int(conn.discard)
		}
		conn.discard -= int64(skip)
		start := conn.readOffset
		copy(conn.readBuf[start:], conn.readBuf[start+skip:start+n])
		n -= skip
	}

	conn.readOffset += n
	if conn.readOffset == 0 {
		return
	}

	out, o := e.handler.Process(conn.readBuf[:conn.readOffset], conn.outBuf)
	conn.outBuf = out
	conn.readOffset = copy(conn.readBuf, conn.readBuf[o.Consumed:conn.readOffset])
	conn.discard = o.Discard
	if o.Close || conn.readOffset == len(conn.readBuf) {
		conn.closeAfter = true
	}

	e.flush(conn)
}

// flush writes pending output. It reports false if the connection was closed.
func (e *Engine) flush(conn *Connection) bool {
	for len(conn.outBuf) > 0 {
		n, err := unix.Write(conn.fd, conn.outBuf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				if !conn.writing {
					conn.writing = true
					e.poller.SetWrite(conn.fd, true)
				}
				return true
			}
			e.closeConnection(conn)
			return false
		}
		conn.lastActive = time.Now()
		conn.outBuf = conn.outBuf[:copy(conn.outBuf, conn.outBuf[n:])]
	}

	if conn.writing {
		conn.writing = false
		e.poller.SetWrite(conn.fd, false)
	}
	if conn.closeAfter {
		e.closeConnection(conn)
		return false
	}
	return true
}

// closeConnection closes and cleans up a connection
func (e *Engine) closeConnection(conn *Connection) {
	fd := conn.fd
	if _, ok := e.connections[fd]; !ok {
		return
	}
	delete(e.connections, fd)

	e.poller.Remove(fd)
	unix.Close(fd)

	if conn.readBuf != nil {
		e.bytePool.Put(conn.readBuf)
	}
	e.connectionPool.Put(conn)

	e.closed.Add(1)
	e.active.Add(-1)
}

// sweep closes connections that stalled mid-request, mid-response or idle
func (e *Engine) sweep(now time.Time) {
	var stale []*Connection
	for _, conn := range e.connections {
		idle := now.Sub(conn.lastActive)
		switch {
		case len(conn.outBuf) > 0:
			if idle > e.config.WriteTimeout {
				stale = append(stale, conn)
			}
		case conn.readOffset > 0 || conn.discard > 0:
			if idle > e.config.ReadTimeout {
				stale = append(stale, conn)
			}
		case idle > e.config.IdleTimeout:
			stale = append(stale, conn)
		}
	}

	for _, conn := range stale {
		e.closeConnection(conn)
	}
}

func (e *Engine) closeAll() {
	for _, conn := range e.connections {
		e.closeConnection(conn)
	}
}
