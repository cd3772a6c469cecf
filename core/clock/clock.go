// Package clock provides timestamp generation for announces and link
// handshakes: strictly increasing UNIX-epoch values even when called
// more than once within the same wall-clock second.
package clock

import (
	"sync"
	"time"
)

// Clock issues strictly increasing uint64 UNIX epoch timestamps.
type Clock struct {
	mu         sync.Mutex
	lastUnique uint64
	nowFn      func() uint64 // overridable for testing
}

// New creates a Clock backed by the system clock.
func New() *Clock {
	return &Clock{
		nowFn: func() uint64 {
			return uint64(time.Now().Unix())
		},
	}
}

// Now returns the current UNIX epoch time.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowFn()
}

// NowUnique returns a strictly increasing timestamp. If the wall clock
// hasn't advanced past the last value returned, the internal counter is
// bumped by one instead of returning a duplicate.
func (c *Clock) NowUnique() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.nowFn()
	if t <= c.lastUnique {
		c.lastUnique++
		return c.lastUnique
	}
	c.lastUnique = t
	return t
}
