// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code injects
// Real(); tests inject Fake() and advance time deterministically, which
// is how the channel's reconnect backoff and idle watchdog are tested
// without a live connection.
package clock

import "time"

// Clock is the time surface used by chatwire components. Any code that
// would call time.Now, time.After, time.AfterFunc, or time.Sleep takes a
// Clock instead.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed. If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for d, then calls f in its own goroutine. The
	// returned Timer cancels the pending call with Stop.
	AfterFunc(d time.Duration, f func()) *Timer

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Timer is a scheduled AfterFunc call.
type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the timer from firing. Returns false if it already
// fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset reschedules the timer to fire after d. Returns true if the
// timer was still pending.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }
