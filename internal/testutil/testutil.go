// Package testutil holds small helpers shared by the fuzz targets and
// the asynchronous event tests.
package testutil

import (
	"testing"
	"time"
)

const (
	// DefaultMaxFuzzBytes bounds fuzz inputs so a single case cannot
	// allocate an arbitrarily large frame.
	DefaultMaxFuzzBytes = 1 << 16
	DefaultFuzzTimeout  = 100 * time.Millisecond
)

// CapBytes truncates b to max bytes. max <= 0 means unbounded.
func CapBytes(b []byte, max int) []byte {
	if max <= 0 || len(b) <= max {
		return b
	}
	return b[:max]
}

// WithTimeout fails the test if fn does not return within d. Used by
// fuzz targets to catch decode paths that loop or block.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("timeout after %s", d)
	}
}

// WaitUntil polls cond until it holds or the deadline passes. The event
// dispatch is asynchronous, so tests observe effects rather than
// ordering.
func WaitUntil(t testing.TB, limit time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(limit)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
