// Package packlock implements the ".keep" lock lifecycle guarding a
// just-received pack file until the Receive Engine decides to keep or
// discard it, plus the throttled side-band progress reporters used while
// a pack is generated or received.
package packlock

import (
	"fmt"
	"sync"
)

// Lock is a single-shot, idempotent-on-failure lock on a pack file.
// Unlock may be called any number of times; only the first call actually
// releases the resource, and every call after the first returns the first
// call's result. This satisfies "PackLock.unlock() is called exactly once
// in total" even when a caller's scoped-release discipline double-calls
// it on an error path.
type Lock struct {
	mu       sync.Mutex
	released bool
	err      error
	release  func() error

	// message is the content written into the ".keep" file, identifying
	// why the pack is held (e.g. "receive-pack incoming pack").
	message string
}

// New wraps release (the actual unlink/rename of the ".keep" file) in a
// single-shot Lock. message is the reason recorded in the ".keep" file,
// retrievable via Message for logging or diagnostics.
func New(message string, release func() error) *Lock {
	return &Lock{release: release, message: message}
}

// Message returns the reason this lock was taken, as passed to New.
func (l *Lock) Message() string {
	return l.message
}

// Unlock releases the lock. Safe to call multiple times or concurrently;
// only the first call's release function actually runs.
func (l *Lock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return l.err
	}
	l.released = true
	if l.release != nil {
		l.err = l.release()
	}
	return l.err
}

// Released reports whether Unlock has already been called.
func (l *Lock) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// ErrDoubleUnlock is a sentinel implementations may compare against when
// they want to distinguish "already released" from a genuine I/O failure;
// New's default wrapping never returns it itself, since double-calling
// Unlock is defined as a no-op rather than an error.
var ErrDoubleUnlock = fmt.Errorf("packlock: pack lock already released")
