// Package event provides channel-based condition-variable substitutes that
// are safe to use with internal/lockd.Lock, whose Unlock runs deferred
// actions and so cannot be used as the backing lock for sync.Cond (sync.Cond
// calls back into the locker from inside the runtime's wait queue in ways
// that would run those actions at the wrong time).
package event

import (
	"sync"

	"github.com/Zorvalt/dlan/internal/lockd"
)

// Event is a broadcast-only condition variable: any number of goroutines can
// Wait, and a single Broadcast wakes all of them. Used by the scheduler to
// announce "a chunk became available" or "a download slot freed up".
type Event struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// Wait releases clientMu, blocks until the next Broadcast, then re-acquires
// clientMu before returning.
func (e *Event) Wait(clientMu sync.Locker) {
	e.mu.Lock()
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	e.mu.Unlock()

	clientMu.Unlock()
	<-ch
	clientMu.Lock()
}

// Broadcast wakes every goroutine currently blocked in Wait.
func (e *Event) Broadcast() {
	e.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// Cond is a sync.Cond-compatible condition variable with LIFO wakeup order,
// implemented without sync.Cond so it can special-case *lockd.Lock and
// bypass its deferred-action queue across the Wait.
type Cond struct {
	L sync.Locker

	mu      sync.Mutex
	waiters []chan struct{}
}

// NewCond returns a Cond associated with l. Panics if l is nil, mirroring
// sync.NewCond.
func NewCond(l sync.Locker) *Cond {
	if l == nil {
		panic("nil Locker passed to NewCond")
	}
	return &Cond{L: l}
}

// Wait atomically unlocks c.L and suspends the caller, which must already
// hold c.L. On resume, c.L is re-locked before Wait returns.
func (c *Cond) Wait() {
	ch := make(chan struct{})

	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	if l, ok := c.L.(*lockd.Lock); ok {
		l.SafeUnlock()
		<-ch
		l.SafeLock()
	} else {
		c.L.Unlock()
		<-ch
		c.L.Lock()
	}
}

// Signal wakes the most recently blocked waiter (LIFO), if any.
func (c *Cond) Signal() {
	c.mu.Lock()
	n := len(c.waiters)
	if n > 0 {
		ch := c.waiters[n-1]
		c.waiters = c.waiters[:n-1]
		close(ch)
	}
	c.mu.Unlock()
}

// Broadcast wakes every waiter blocked in Wait.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	for _, ch := range c.waiters {
		close(ch)
	}
	c.waiters = nil
	c.mu.Unlock()
}
