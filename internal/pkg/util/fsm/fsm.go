// Package fsm holds small helpers around looplab/fsm.
package fsm

import (
	"context"
	"errors"
	"sort"

	"github.com/looplab/fsm"
)

// WrapEvent adapts a callback that returns an error; the error is stored on
// the event and returned by FSM.Event.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}

// Fire triggers event on m. Staying in the same state is not an error.
func Fire(ctx context.Context, m *fsm.FSM, event string) error {
	err := m.Event(ctx, event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

// States lists every state named by events, sorted.
func States(events fsm.Events) []string {
	seen := map[string]struct{}{}
	for _, e := range events {
		seen[e.Dst] = struct{}{}
		for _, s := range e.Src {
			seen[s] = struct{}{}
		}
	}
	states := make([]string, 0, len(seen))
	for s := range seen {
		states = append(states, s)
	}
	sort.Strings(states)
	return states
}
