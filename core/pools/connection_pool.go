package pools

import (
	"sync"
	"sync/atomic"
)

// Poolable is implemented by per-connection state recycled between accepts
type Poolable interface {
	Reset()
	SetFD(fd int)
}

// ConnectionPool recycles per-connection state objects
type ConnectionPool[T Poolable] struct {
	pool sync.Pool
	gets atomic.Uint64
	puts atomic.Uint64
}

// NewConnectionPool creates a pool that builds new objects with newFunc
func NewConnectionPool[T Poolable](newFunc func() T) *ConnectionPool[T] {
	cp := &ConnectionPool[T]{}
	cp.pool.New = func() any {
		return newFunc()
	}
	return cp
}

// Get returns a connection object bound to fd
func (cp *ConnectionPool[T]) Get(fd int) T {
	cp.gets.Add(1)
	c := cp.pool.Get().(T)
	c.SetFD(fd)
	return c
}

// Put resets c and returns it to the pool
func (cp *ConnectionPool[T]) Put(c T) {
	c.Reset()
	cp.puts.Add(1)
	cp.pool.Put(c)
}

// Stats returns the number of Get and Put calls. gets-puts is the number of
// objects currently checked out.
func (cp *ConnectionPool[T]) Stats() (gets, puts uint64) {
	return cp.gets.Load(), cp.puts.Load()
}
