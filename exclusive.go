package mvdb

import (
	"context"
	"sync/atomic"
)

// ExclusiveCoordinator holds the single process-wide exclusive slot. A session
// holding it is the only one allowed to start mutating work.
type ExclusiveCoordinator struct {
	holder atomic.Pointer[exclusiveClaim]
}

type exclusiveClaim struct {
	session  *Session
	released chan struct{}
}

// SetExclusiveSession claims (exclusive=true) or releases the slot for s.
// A claim fails without any state change when another session holds the slot;
// claiming a slot s already holds succeeds.
func (c *ExclusiveCoordinator) SetExclusiveSession(s *Session, exclusive bool) bool {
	if !exclusive {
		c.UnsetExclusiveSession(s)
		return true
	}
	claim := &exclusiveClaim{session: s, released: make(chan struct{})}
	if c.holder.CompareAndSwap(nil, claim) {
		return true
	}
	cur := c.holder.Load()
	return cur != nil && cur.session == s
}

// UnsetExclusiveSession releases the slot if s holds it, and is a no-op otherwise.
func (c *ExclusiveCoordinator) UnsetExclusiveSession(s *Session) {
	cur := c.holder.Load()
	if cur != nil && cur.session == s && c.holder.CompareAndSwap(cur, nil) {
		close(cur.released)
	}
}

// ExclusiveSession returns the current holder, or nil.
func (c *ExclusiveCoordinator) ExclusiveSession() *Session {
	if cur := c.holder.Load(); cur != nil {
		return cur.session
	}
	return nil
}

// Wait blocks until no session other than s holds the slot.
func (c *ExclusiveCoordinator) Wait(ctx context.Context, s *Session) error {
	for {
		cur := c.holder.Load()
		if cur == nil || cur.session == s {
			return nil
		}
		select {
		case <-cur.released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
