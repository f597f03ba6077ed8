package sessions

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

// Session is a negotiated session. Everything except the STT binding is fixed at
// negotiation; the binding changes only through Reroute.
type Session struct {
	id        string
	createdAt time.Time
	request   types.NegotiationRequest
	response  types.NegotiationResponse

	bindings   atomic.Pointer[types.Bindings]
	lastActive atomic.Int64

	endOnce   sync.Once
	done      chan struct{}
	mu        sync.Mutex
	endReason string
	onEnd     []func()
}

func newSession(id string, now time.Time, req types.NegotiationRequest, resp types.NegotiationResponse) *Session {
	resp.SessionID = id
	s := &Session{
		id:        id,
		createdAt: now,
		request:   req,
		response:  resp,
		done:      make(chan struct{}),
	}
	b := resp.Bindings
	s.bindings.Store(&b)
	s.lastActive.Store(now.UnixNano())
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) AudioProfile() types.AudioProfile { return s.response.AudioProfile }

func (s *Session) Capabilities() types.Capabilities { return s.response.Capabilities }

func (s *Session) LanguageHints() []types.LanguageHint {
	return slices.Clone(s.response.LanguageHints)
}

// PrimaryLanguage is the first negotiated language hint.
func (s *Session) PrimaryLanguage() string {
	if len(s.response.LanguageHints) == 0 {
		return ""
	}
	return s.response.LanguageHints[0].Tag
}

func (s *Session) Residency() types.DataResidency { return s.response.Residency }

func (s *Session) Script() types.ScriptPreference { return s.response.Script }

func (s *Session) Preferences() types.BackendPreferences { return s.request.Preferences }

func (s *Session) CallerID() string { return s.request.CallerID }

func (s *Session) Degraded() []types.DegradedCapability {
	return slices.Clone(s.response.Degraded)
}

// Bindings returns the current backend bindings.
func (s *Session) Bindings() types.Bindings { return *s.bindings.Load() }

// Response returns the negotiation response with the current bindings.
func (s *Session) Response() types.NegotiationResponse {
	resp := s.response
	resp.LanguageHints = slices.Clone(resp.LanguageHints)
	resp.Degraded = slices.Clone(resp.Degraded)
	resp.Bindings = s.Bindings()
	return resp
}

// Reroute replaces the STT binding. It reports false if stt is already bound or the
// session has ended.
func (s *Session) Reroute(stt string) bool {
	if s.Ended() {
		return false
	}
	for {
		cur := s.bindings.Load()
		if cur.STT == stt {
			return false
		}
		next := *cur
		next.STT = stt
		if s.bindings.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

func (s *Session) touch(now time.Time) { s.lastActive.Store(now.UnixNano()) }

func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// OnEnd registers f to run once when the session ends. If it already ended f runs now.
func (s *Session) OnEnd(f func()) {
	s.mu.Lock()
	if !s.Ended() {
		s.onEnd = append(s.onEnd, f)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	f()
}

func (s *Session) end(reason string) bool {
	ended := false
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.endReason = reason
		hooks := s.onEnd
		s.onEnd = nil
		close(s.done)
		s.mu.Unlock()
		for _, f := range hooks {
			f()
		}
		ended = true
	})
	return ended
}
