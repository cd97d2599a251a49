package controller

import "fmt"

// State is the network lifecycle state. The controller owns the only legal
// mutation path; everything else reads it through Controller.State.
type State int

const (
	Uninitialized State = iota
	Starting
	Running
	Stopping
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateError reports a command that is not legal in the current network state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s while network is %s", e.Op, e.State)
}

// RadioError wraps a failure from the underlying radio session.
type RadioError struct {
	Op  string
	Err error
}

func (e *RadioError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RadioError) Unwrap() error { return e.Err }
