// Package turn implements the per-session turn state machine.
//
// Transition is a pure function over (state, event, guard). Machine adds the bookkeeping a
// session needs on top of it: the current turn, the signal sequence, and the pending
// synchronous action count that guards THINKING -> SPEAKING.
package turn

import (
	"errors"
	"fmt"
)

type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

type Event int

const (
	EventSessionStart Event = iota
	// EventUtteranceStart is a VAD onset.
	EventUtteranceStart
	// EventUtteranceEnd is trailing silence or a client end-of-utterance with a usable transcript.
	EventUtteranceEnd
	// EventUtteranceDiscarded closes an utterance that produced no transcript.
	EventUtteranceDiscarded
	EventActionsPending
	EventResponseReady
	EventNoResponse
	EventSynthesisDone
	EventBargeIn
	EventSessionEnd
)

func (e Event) String() string {
	switch e {
	case EventSessionStart:
		return "session_start"
	case EventUtteranceStart:
		return "utterance_start"
	case EventUtteranceEnd:
		return "utterance_end"
	case EventUtteranceDiscarded:
		return "utterance_discarded"
	case EventActionsPending:
		return "actions_pending"
	case EventResponseReady:
		return "response_ready"
	case EventNoResponse:
		return "no_response"
	case EventSynthesisDone:
		return "synthesis_done"
	case EventBargeIn:
		return "barge_in"
	case EventSessionEnd:
		return "session_end"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

var (
	ErrEnded                = errors.New("turn: session ended")
	ErrActionsPending       = errors.New("turn: synchronous actions pending")
	ErrBargeInNotNegotiated = errors.New("turn: barge-in not negotiated")
)

// InvalidTransitionError reports an event that has no edge from the current state.
type InvalidTransitionError struct {
	From  State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("turn: no transition from %s on %s", e.From, e.Event)
}

// Guard carries the facts transitions depend on.
type Guard struct {
	BargeIn     bool
	PendingSync int
}

// Transition returns the next state and whether the move emits a turn signal.
func Transition(from State, ev Event, g Guard) (State, bool, error) {
	if from == StateEnded {
		if ev == EventSessionEnd {
			return StateEnded, false, nil
		}
		return StateEnded, false, ErrEnded
	}
	if ev == EventSessionEnd {
		return StateEnded, true, nil
	}

	switch from {
	case StateIdle:
		switch ev {
		case EventSessionStart, EventUtteranceStart:
			return StateListening, true, nil
		}
	case StateListening:
		switch ev {
		case EventUtteranceStart:
			return StateListening, false, nil
		case EventUtteranceEnd:
			return StateThinking, true, nil
		case EventUtteranceDiscarded:
			return StateListening, true, nil
		}
	case StateThinking:
		switch ev {
		case EventActionsPending:
			return StateThinking, false, nil
		case EventResponseReady:
			if g.PendingSync > 0 {
				return StateThinking, false, ErrActionsPending
			}
			return StateSpeaking, true, nil
		case EventNoResponse:
			return StateListening, true, nil
		}
	case StateSpeaking:
		switch ev {
		case EventSynthesisDone:
			return StateListening, true, nil
		case EventBargeIn:
			if !g.BargeIn {
				return StateSpeaking, false, ErrBargeInNotNegotiated
			}
			return StateListening, true, nil
		}
	}
	return from, false, &InvalidTransitionError{From: from, Event: ev}
}

// Signal is one emitted turn signal.
type Signal struct {
	Seq   int64
	Turn  int64
	State State
}

// Turn is the in-flight unit of conversation.
type Turn struct {
	ID          int64
	Partial     string
	PendingSync int
	// Interrupted is set when the turn left SPEAKING through barge-in.
	Interrupted bool
}

// Machine is owned by a single goroutine and is not safe for concurrent use.
type Machine struct {
	state   State
	seq     int64
	turn    Turn
	bargeIn bool
}

func NewMachine(bargeIn bool) *Machine {
	return &Machine{state: StateIdle, bargeIn: bargeIn}
}

func (m *Machine) State() State { return m.state }

func (m *Machine) Turn() Turn { return m.turn }

func (m *Machine) BargeInAllowed() bool { return m.bargeIn }

func (m *Machine) SetPartial(text string) { m.turn.Partial = text }

func (m *Machine) SetPendingSync(n int) {
	if n < 0 {
		n = 0
	}
	m.turn.PendingSync = n
}

// Fire applies ev. Entering LISTENING from any other state, or re-entering it after a
// discarded utterance, starts a new turn.
func (m *Machine) Fire(ev Event) (Signal, bool, error) {
	next, emits, err := Transition(m.state, ev, Guard{BargeIn: m.bargeIn, PendingSync: m.turn.PendingSync})
	if err != nil {
		return Signal{}, false, err
	}
	prev := m.state
	m.state = next
	if next == StateListening && emits {
		m.turn = Turn{ID: m.turn.ID + 1}
		if prev == StateSpeaking && ev == EventBargeIn {
			m.turn.Interrupted = true
		}
	}
	if !emits {
		return Signal{}, false, nil
	}
	m.seq++
	return Signal{Seq: m.seq, Turn: m.turn.ID, State: next}, true, nil
}

var allowedNext = map[State][]State{
	StateListening: {StateThinking, StateListening, StateEnded},
	StateThinking:  {StateSpeaking, StateListening, StateEnded},
	StateSpeaking:  {StateListening, StateEnded},
}

// ValidateSequence checks a client-observed signal stream: sequence numbers strictly
// increase, the first signal is LISTENING or ENDED, and every step follows a permitted edge.
func ValidateSequence(signals []Signal) error {
	for i, s := range signals {
		if i == 0 {
			if s.State != StateListening && s.State != StateEnded {
				return fmt.Errorf("signal 0: first signal is %s", s.State)
			}
			continue
		}
		prev := signals[i-1]
		if s.Seq <= prev.Seq {
			return fmt.Errorf("signal %d: seq %d after %d", i, s.Seq, prev.Seq)
		}
		ok := false
		for _, allowed := range allowedNext[prev.State] {
			if allowed == s.State {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("signal %d: %s after %s", i, s.State, prev.State)
		}
		switch s.State {
		case StateThinking, StateSpeaking:
			if s.Turn != prev.Turn {
				return fmt.Errorf("signal %d: %s moved from turn %d to %d", i, s.State, prev.Turn, s.Turn)
			}
		case StateListening:
			if s.Turn <= prev.Turn {
				return fmt.Errorf("signal %d: LISTENING did not open a new turn", i)
			}
		}
	}
	return nil
}
