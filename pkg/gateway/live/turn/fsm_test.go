package turn

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from  State
		ev    Event
		guard Guard
		want  State
		emits bool
		err   error
	}{
		{StateIdle, EventSessionStart, Guard{}, StateListening, true, nil},
		{StateIdle, EventUtteranceStart, Guard{}, StateListening, true, nil},
		{StateListening, EventUtteranceStart, Guard{}, StateListening, false, nil},
		{StateListening, EventUtteranceEnd, Guard{}, StateThinking, true, nil},
		{StateListening, EventUtteranceDiscarded, Guard{}, StateListening, true, nil},
		{StateThinking, EventActionsPending, Guard{PendingSync: 1}, StateThinking, false, nil},
		{StateThinking, EventResponseReady, Guard{PendingSync: 1}, StateThinking, false, ErrActionsPending},
		{StateThinking, EventResponseReady, Guard{}, StateSpeaking, true, nil},
		{StateThinking, EventNoResponse, Guard{}, StateListening, true, nil},
		{StateSpeaking, EventSynthesisDone, Guard{}, StateListening, true, nil},
		{StateSpeaking, EventBargeIn, Guard{BargeIn: true}, StateListening, true, nil},
		{StateSpeaking, EventBargeIn, Guard{}, StateSpeaking, false, ErrBargeInNotNegotiated},
		{StateSpeaking, EventSessionEnd, Guard{}, StateEnded, true, nil},
		{StateEnded, EventSessionEnd, Guard{}, StateEnded, false, nil},
		{StateEnded, EventSessionStart, Guard{}, StateEnded, false, ErrEnded},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			got, emits, err := Transition(tt.from, tt.ev, tt.guard)
			if !errors.Is(err, tt.err) {
				t.Fatalf("err=%v, want %v", err, tt.err)
			}
			if got != tt.want || emits != tt.emits {
				t.Fatalf("got=(%s,%v), want (%s,%v)", got, emits, tt.want, tt.emits)
			}
		})
	}
}

func TestTransition_InvalidEdges(t *testing.T) {
	invalid := []struct {
		from State
		ev   Event
	}{
		{StateIdle, EventUtteranceEnd},
		{StateListening, EventResponseReady},
		{StateListening, EventBargeIn},
		{StateThinking, EventSynthesisDone},
		{StateSpeaking, EventUtteranceEnd},
	}
	for _, tt := range invalid {
		_, _, err := Transition(tt.from, tt.ev, Guard{BargeIn: true})
		var invalidErr *InvalidTransitionError
		if !errors.As(err, &invalidErr) {
			t.Fatalf("%s/%s err=%v, want *InvalidTransitionError", tt.from, tt.ev, err)
		}
	}
}

func fire(t *testing.T, m *Machine, ev Event) (Signal, bool) {
	t.Helper()
	sig, ok, err := m.Fire(ev)
	if err != nil {
		t.Fatalf("Fire(%s) in %s: %v", ev, m.State(), err)
	}
	return sig, ok
}

func TestMachine_FullTurnSignals(t *testing.T) {
	m := NewMachine(false)
	var got []Signal
	for _, ev := range []Event{EventSessionStart, EventUtteranceStart, EventUtteranceEnd, EventActionsPending, EventResponseReady, EventSynthesisDone} {
		if sig, ok := fire(t, m, ev); ok {
			got = append(got, sig)
		}
	}
	want := []State{StateListening, StateThinking, StateSpeaking, StateListening}
	if len(got) != len(want) {
		t.Fatalf("signals=%+v, want %v", got, want)
	}
	for i := range want {
		if got[i].State != want[i] || got[i].Seq != int64(i+1) {
			t.Fatalf("signal[%d]=%+v, want %s seq %d", i, got[i], want[i], i+1)
		}
	}
	if got[0].Turn != 1 || got[2].Turn != 1 || got[3].Turn != 2 {
		t.Fatalf("turn ids=%d,%d,%d", got[0].Turn, got[2].Turn, got[3].Turn)
	}
	if err := ValidateSequence(got); err != nil {
		t.Fatalf("ValidateSequence: %v", err)
	}
}

func TestMachine_PendingSyncBlocksSpeaking(t *testing.T) {
	m := NewMachine(false)
	fire(t, m, EventSessionStart)
	fire(t, m, EventUtteranceEnd)
	m.SetPendingSync(2)
	if _, _, err := m.Fire(EventResponseReady); !errors.Is(err, ErrActionsPending) {
		t.Fatalf("err=%v, want ErrActionsPending", err)
	}
	if m.State() != StateThinking {
		t.Fatalf("state=%s", m.State())
	}
	m.SetPendingSync(0)
	if sig, ok := fire(t, m, EventResponseReady); !ok || sig.State != StateSpeaking {
		t.Fatalf("sig=%+v ok=%v", sig, ok)
	}
}

func TestMachine_BargeIn(t *testing.T) {
	m := NewMachine(true)
	fire(t, m, EventSessionStart)
	fire(t, m, EventUtteranceEnd)
	fire(t, m, EventResponseReady)
	sig, ok := fire(t, m, EventBargeIn)
	if !ok || sig.State != StateListening || sig.Turn != 2 {
		t.Fatalf("sig=%+v ok=%v", sig, ok)
	}
	if !m.Turn().Interrupted {
		t.Fatalf("turn not marked interrupted")
	}

	off := NewMachine(false)
	fire(t, off, EventSessionStart)
	fire(t, off, EventUtteranceEnd)
	fire(t, off, EventResponseReady)
	if _, _, err := off.Fire(EventBargeIn); !errors.Is(err, ErrBargeInNotNegotiated) {
		t.Fatalf("err=%v", err)
	}
	if off.State() != StateSpeaking {
		t.Fatalf("state=%s, want SPEAKING", off.State())
	}
}

func TestMachine_EndIsTerminal(t *testing.T) {
	m := NewMachine(false)
	fire(t, m, EventSessionStart)
	if sig, ok := fire(t, m, EventSessionEnd); !ok || sig.State != StateEnded {
		t.Fatalf("sig=%+v", sig)
	}
	if _, ok := fire(t, m, EventSessionEnd); ok {
		t.Fatalf("second end emitted a signal")
	}
	if _, _, err := m.Fire(EventUtteranceStart); !errors.Is(err, ErrEnded) {
		t.Fatalf("err=%v", err)
	}
}

func TestValidateSequence_Rejects(t *testing.T) {
	tests := map[string][]Signal{
		"starts thinking": {{1, 1, StateThinking}},
		"reordered":       {{1, 1, StateListening}, {2, 1, StateSpeaking}},
		"seq regress":     {{2, 1, StateListening}, {2, 1, StateThinking}},
		"same turn":       {{1, 1, StateListening}, {2, 1, StateThinking}, {3, 1, StateListening}},
		"after end":       {{1, 1, StateListening}, {2, 1, StateEnded}, {3, 2, StateListening}},
	}
	for name, seq := range tests {
		t.Run(name, func(t *testing.T) {
			if err := ValidateSequence(seq); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	ok := []Signal{{1, 1, StateListening}, {2, 2, StateListening}, {3, 2, StateThinking}, {4, 3, StateListening}, {5, 3, StateEnded}}
	if err := ValidateSequence(ok); err != nil {
		t.Fatalf("ValidateSequence: %v", err)
	}
}
