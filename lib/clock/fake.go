// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock pinned to initial. Time moves only when
// Advance is called; pending After, AfterFunc, and Sleep operations fire
// when the clock passes their deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	pending []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time // nil for AfterFunc waiters
	fn       func()         // nil for After/Sleep waiters
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0 it receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.pending = append(c.pending, &waiter{deadline: c.current.Add(d), ch: ch})
	c.changed.Broadcast()
	return ch
}

// AfterFunc schedules f to run when the clock advances past the
// deadline. The callback runs synchronously inside Advance. If d <= 0,
// f runs before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stopFunc:  func() bool { return false },
			resetFunc: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	w := &waiter{deadline: c.current.Add(d), fn: f}
	c.pending = append(c.pending, w)
	c.changed.Broadcast()
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w.stopped || w.fired {
				return false
			}
			w.stopped = true
			return true
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !w.stopped && !w.fired
			w.stopped = false
			w.fired = false
			w.deadline = c.current.Add(d)
			if !active {
				c.pending = append(c.pending, w)
				c.changed.Broadcast()
			}
			return active
		},
	}
}

// Sleep blocks the calling goroutine until the clock advances past the
// deadline.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires everything whose
// deadline falls within the new time, in deadline order. AfterFunc
// callbacks run synchronously in the calling goroutine.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current

	var fire []*waiter
	var keep []*waiter
	for _, w := range c.pending {
		switch {
		case w.stopped:
		case !w.deadline.After(target):
			w.fired = true
			fire = append(fire, w)
		default:
			keep = append(keep, w)
		}
	}
	c.pending = keep
	c.mu.Unlock()

	sort.Slice(fire, func(i, j int) bool { return fire[i].deadline.Before(fire[j].deadline) })
	for _, w := range fire {
		if w.fn != nil {
			w.fn()
		} else {
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

// WaitForTimers blocks until at least n operations are pending. This
// removes the race between a goroutine registering a timer and the test
// advancing the clock:
//
//	go func() { fake.Sleep(5 * time.Second) }()
//	fake.WaitForTimers(1)
//	fake.Advance(5 * time.Second)
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of pending operations.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	n := 0
	for _, w := range c.pending {
		if !w.stopped {
			n++
		}
	}
	return n
}
