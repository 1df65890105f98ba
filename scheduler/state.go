package scheduler

import "fmt"

// State is the scheduler's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateConfigRefresh
	StateFingerprintCheck
	StatePublish
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateConfigRefresh:
		return "CONFIG_REFRESH"
	case StateFingerprintCheck:
		return "FINGERPRINT_CHECK"
	case StatePublish:
		return "PUBLISH"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(s State) bool {
	return s == StateShutdown
}

// isAllowedTransition encodes
//
//	Idle -> Running -> {ConfigRefresh, FingerprintCheck, Publish} -> Running -> Idle
//
// with Shutdown reachable only from Idle.
func isAllowedTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateRunning || to == StateShutdown
	case StateRunning:
		return to == StateConfigRefresh || to == StateFingerprintCheck || to == StatePublish || to == StateIdle
	case StateConfigRefresh, StateFingerprintCheck, StatePublish:
		return to == StateRunning
	default:
		return false
	}
}

// transition performs a validated state change. A disallowed transition is a
// bug in the scheduler and panics.
func (s *Scheduler) transition(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !isAllowedTransition(s.state, to) {
		panic(fmt.Sprintf("scheduler: disallowed transition %s -> %s", s.state, to))
	}
	s.state = to
}
