package session

import (
	"fmt"

	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/events"
)

// =============================================================================
// State machine
// =============================================================================

// State is the lifecycle state of a session.
type State int32

const (
	StateInitializing State = iota
	StateConnected
	StateDegraded
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

type stateTransition struct {
	from State
	to   State
}

// validTransitions defines all allowed state transitions.
var validTransitions = map[stateTransition]bool{
	// From Initializing
	{StateInitializing, StateConnected}: true,
	{StateInitializing, StateClosed}:    true,

	// From Connected
	{StateConnected, StateDegraded}: true,
	{StateConnected, StateClosed}:   true,

	// From Degraded
	{StateDegraded, StateConnected}: true,
	{StateDegraded, StateClosed}:    true,
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// transitionTo moves to newState from whatever the current state is, if
// the table allows it.
func (s *Session) transitionTo(newState State) (State, error) {
	for {
		oldState := s.State()
		if !validTransitions[stateTransition{from: oldState, to: newState}] {
			return oldState, fmt.Errorf("%w: %s -> %s", errors.ErrInvalidTransition, oldState, newState)
		}
		if s.state.CompareAndSwap(int32(oldState), int32(newState)) {
			s.stateChanged(oldState, newState)
			return oldState, nil
		}
	}
}

// transitionFrom moves from a specific state only.
func (s *Session) transitionFrom(from, to State) bool {
	if !validTransitions[stateTransition{from: from, to: to}] {
		return false
	}
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	s.stateChanged(from, to)
	return true
}

func (s *Session) stateChanged(from, to State) {
	s.metrics.State(int(to))
	s.log.Debug("state changed", "from", from.String(), "to", to.String())
	s.publish(events.TypeStateChanged, "", map[string]any{
		"from": from.String(),
		"to":   to.String(),
	})
}
