// Package scheduler runs the agent's periodic tasks and carries the
// cooperative pause signal an update session raises while it owns the
// network and the flash.
package scheduler

import (
	"context"
	"sync"
)

// PauseToken is an advisory flag. Holders poll Paused at their own safe
// points or block in Wait; nothing is suspended preemptively.
type PauseToken struct {
	mu      sync.Mutex
	paused  bool
	reason  string
	resumed chan struct{} // closed while not paused
}

func NewPauseToken() *PauseToken {
	t := &PauseToken{resumed: make(chan struct{})}
	close(t.resumed)
	return t
}

// Pause raises the flag. Pausing an already paused token only updates the
// reason.
func (t *PauseToken) Pause(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		t.paused = true
		t.resumed = make(chan struct{})
	}
	t.reason = reason
}

// Resume clears the flag and wakes every Wait.
func (t *PauseToken) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		return
	}
	t.paused = false
	t.reason = ""
	close(t.resumed)
}

func (t *PauseToken) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

func (t *PauseToken) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Wait blocks until the token is resumed or ctx is done.
func (t *PauseToken) Wait(ctx context.Context) error {
	t.mu.Lock()
	ch := t.resumed
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
