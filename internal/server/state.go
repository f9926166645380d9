package server

import (
	"fmt"
	"time"
)

// RequestState is the progress of a single analyze request.
type RequestState string

const (
	StateReceived  RequestState = "RECEIVED"
	StateValidated RequestState = "VALIDATED"
	StateDecoded   RequestState = "DECODED"
	StateInferred  RequestState = "INFERRED"
	StateResponded RequestState = "RESPONDED"
	StateError     RequestState = "ERROR"
)

var transitions = map[RequestState]RequestState{
	StateReceived:  StateValidated,
	StateValidated: StateDecoded,
	StateDecoded:   StateInferred,
	StateInferred:  StateResponded,
}

// requestState tracks one request through the pipeline. ERROR is reachable
// from any state before RESPONDED and is terminal.
type requestState struct {
	id      string
	current RequestState
	// failedIn is the last state reached before ERROR.
	failedIn RequestState
	started  time.Time
}

func newRequestState(id string) *requestState {
	return &requestState{id: id, current: StateReceived, started: time.Now()}
}

func (s *requestState) advance(next RequestState) error {
	if want, ok := transitions[s.current]; !ok || want != next {
		return fmt.Errorf("invalid request state transition %s -> %s", s.current, next)
	}
	s.current = next
	return nil
}

func (s *requestState) fail() {
	if s.current == StateError || s.current == StateResponded {
		return
	}
	s.failedIn = s.current
	s.current = StateError
}

func (s *requestState) elapsed() time.Duration {
	return time.Since(s.started)
}
