package core

import (
	"fmt"

	"github.com/searchktools/hello-server/core/pools"
)

// EngineStats is a snapshot of an engine's connection counters
type EngineStats struct {
	Accepted uint64              `json:"accepted"`
	Closed   uint64              `json:"closed"`
	Active   int64               `json:"active"`
	ConnGets uint64              `json:"conn_gets"`
	ConnPuts uint64              `json:"conn_puts"`
	BytePool pools.BytePoolStats `json:"byte_pool"`
}

// Stats returns the engine counters. Safe to call from any goroutine.
func (e *Engine) Stats() EngineStats {
	gets, puts := e.connectionPool.Stats()
	return EngineStats{
		Accepted: e.accepted.Load(),
		Closed:   e.closed.Load(),
		Active:   e.active.Load(),
		ConnGets: gets,
		ConnPuts: puts,
		BytePool: e.bytePool.Stats(),
	}
}

// String renders the stats as one log line
func (s EngineStats) String() string {
	return fmt.Sprintf("accepted=%d closed=%d active=%d buffers(get=%d put=%d oversized=%d)",
		s.Accepted, s.Closed, s.Active,
		s.BytePool.Gets, s.BytePool.Puts, s.BytePool.Oversized)
}
