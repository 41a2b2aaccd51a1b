package transcription

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Session
type State int

const (
	StateUninitialized State = iota
	StateModelChecking
	StateModelDownloading
	StateReady
	StateStreaming
	StateFinalizing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateModelChecking:
		return "model_checking"
	case StateModelDownloading:
		return "model_downloading"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsTerminal reports whether no further transitions are possible
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}

// transitions lists the allowed non-failure moves. Failed is reachable from
// every non-terminal state.
var transitions = map[State][]State{
	StateUninitialized:    {StateModelChecking, StateClosed},
	StateModelChecking:    {StateModelDownloading, StateReady, StateClosed},
	StateModelDownloading: {StateReady, StateClosed},
	StateReady:            {StateStreaming, StateClosed},
	StateStreaming:        {StateFinalizing, StateClosed},
	StateFinalizing:       {StateClosed},
}

func canTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	// ErrLocaleNotSupported means the engine cannot recognize the requested locale
	ErrLocaleNotSupported = errors.New("locale not supported")
	// ErrModelDownloadFailed means the model for the locale could not be installed
	ErrModelDownloadFailed = errors.New("model download failed")
	// ErrEngineUnavailable means the recognizer could not be queried or opened
	ErrEngineUnavailable = errors.New("recognizer engine unavailable")
	// ErrStreamInterrupted means the engine stopped producing results mid-session
	ErrStreamInterrupted = errors.New("recognition stream interrupted")
	// ErrInvalidState is returned when an operation is not allowed in the current state
	ErrInvalidState = errors.New("invalid session state")
)

// FailureError is the terminal error of a failed session. Reason is one of the
// package sentinels; Err carries the underlying cause when there is one.
type FailureError struct {
	Reason error
	Err    error
}

func (e *FailureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transcription failed: %v", e.Reason)
	}
	return fmt.Sprintf("transcription failed: %v: %v", e.Reason, e.Err)
}

func (e *FailureError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}
