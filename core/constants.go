package core

import (
	"errors"
	"time"
)

// Engine defaults
const (
	DefaultMaxConnections = 100000
	DefaultReadTimeout    = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultIdleTimeout    = 5 * time.Second

	// pollTimeout bounds how long a worker can miss a cancellation (ms)
	pollTimeout   = 100
	sweepInterval = time.Second
)

// Error definitions
var (
	ErrEngineRunning = errors.New("engine: already serving")
	ErrBadListener   = errors.New("engine: invalid listen descriptor")
)
