// Package sessions owns the table of negotiated sessions.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/codec"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/registry"
)

// Degradation reasons reported in negotiation responses.
const (
	ReasonInvalidTag          = "invalid_tag"
	ReasonUnsupportedLanguage = "unsupported_language"
	ReasonDuplicate           = "duplicate"
	ReasonDisabled            = "disabled_by_gateway"
	ReasonBackendUnsupported  = "backend_unsupported"
	ReasonNoDialectModels     = "no_dialect_models"
	ReasonNoTools             = "no_tools_registered"
	ReasonPreferenceFallback  = "preferred_backend_unavailable"
	ReasonNotRegistered       = "not_registered"
)

const EndReasonIdle = "idle_timeout"

// Handle is how the manager reaches the goroutine driving a session.
type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
}

type ManagerConfig struct {
	// SupportedProfiles is the gateway's codec list, best first.
	SupportedProfiles []types.AudioProfile
	// Enabled gates every capability a client may request.
	Enabled          types.Capabilities
	DefaultResidency types.DataResidency
	DefaultScript    types.ScriptPreference
	IdleTimeout      time.Duration
	MaxSessions      int
	Now              func() time.Time
}

type entry struct {
	sess     *Session
	handle   Handle
	attached bool
	once     sync.Once
}

// Manager is safe for concurrent use. The session table lock guards insertion, removal,
// and handle attachment only; sessions themselves are read without locking.
type Manager struct {
	cfg    ManagerConfig
	reg    *registry.Registry
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
}

func NewManager(cfg ManagerConfig, reg *registry.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultResidency == "" {
		cfg.DefaultResidency = types.ResidencyIndiaOnly
	}
	if cfg.DefaultScript == "" {
		cfg.DefaultScript = types.ScriptNative
	}
	if len(cfg.SupportedProfiles) == 0 {
		cfg.SupportedProfiles = []types.AudioProfile{types.MinimumViableProfile()}
	}
	return &Manager{
		cfg:      cfg,
		reg:      reg,
		logger:   logger,
		sessions: make(map[string]*entry),
	}
}

// Negotiate validates req, binds backends, and registers a new session.
func (m *Manager) Negotiate(ctx context.Context, req types.NegotiationRequest) (*Session, types.NegotiationResponse, error) {
	resp, err := m.Preview(ctx, req)
	if err != nil {
		return nil, types.NegotiationResponse{}, err
	}

	id := "sess_" + uuid.NewString()
	sess := newSession(id, m.cfg.Now(), req, resp)

	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, types.NegotiationResponse{}, core.NewOverloadedError("session capacity reached")
	}
	m.sessions[id] = &entry{sess: sess}
	m.mu.Unlock()

	m.logger.Info("session negotiated",
		"session_id", id,
		"codec", resp.AudioProfile.Codec,
		"languages", hintTags(resp.LanguageHints),
		"stt", resp.Bindings.STT,
		"llm", resp.Bindings.LLM,
		"tts", resp.Bindings.TTS,
		"degraded", len(resp.Degraded),
	)
	return sess, sess.Response(), nil
}

// Preview runs negotiation without creating a session.
func (m *Manager) Preview(ctx context.Context, req types.NegotiationRequest) (types.NegotiationResponse, error) {
	if err := ctx.Err(); err != nil {
		return types.NegotiationResponse{}, err
	}
	n := negotiation{snap: m.reg.Snapshot(), cfg: m.cfg}
	return n.run(req)
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Touch marks a session active for idle reaping.
func (m *Manager) Touch(id string) {
	if s, ok := m.Get(id); ok {
		s.touch(m.cfg.Now())
	}
}

// End removes a session and releases it. Ending an unknown or already ended session is a
// no-op that returns false.
func (m *Manager) End(id, reason string) bool {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if !e.sess.end(reason) {
		return false
	}
	if e.handle.Cancel != nil {
		e.handle.Cancel()
	}
	m.logger.Info("session ended", "session_id", id, "reason", reason, "duration", m.cfg.Now().Sub(e.sess.CreatedAt()))
	return true
}

// Attach registers the driver of a session for shutdown coordination. The returned func
// must be called when the driver exits; Wait blocks until every attached driver has.
func (m *Manager) Attach(id string, h Handle) (detach func(), err error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("sessions: unknown session %q", id)
	}
	if e.attached {
		m.mu.Unlock()
		return nil, fmt.Errorf("sessions: session %q already attached", id)
	}
	e.attached = true
	e.handle = h
	m.wg.Add(1)
	m.mu.Unlock()

	return func() {
		e.once.Do(func() {
			m.End(id, "stream_closed")
			m.wg.Done()
		})
	}, nil
}

// Reap ends sessions idle for longer than the idle timeout.
func (m *Manager) Reap(now time.Time) []string {
	if m.cfg.IdleTimeout <= 0 {
		return nil
	}
	var idle []string
	m.mu.Lock()
	for id, e := range m.sessions {
		if now.Sub(e.sess.LastActive()) > m.cfg.IdleTimeout {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	ended := idle[:0]
	for _, id := range idle {
		if m.End(id, EndReasonIdle) {
			ended = append(ended, id)
		}
	}
	return ended
}

func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ended := m.Reap(m.cfg.Now()); len(ended) > 0 {
				m.logger.Info("reaped idle sessions", "count", len(ended))
			}
		}
	}
}

func (m *Manager) handles() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handle, 0, len(m.sessions))
	for _, e := range m.sessions {
		if e.attached {
			out = append(out, e.handle)
		}
	}
	return out
}

func (m *Manager) WarnAll(code, message string) (sent int) {
	for _, h := range m.handles() {
		if h.Warn == nil {
			continue
		}
		_ = h.Warn(code, message)
		sent++
	}
	return sent
}

func (m *Manager) CancelAll() (canceled int) {
	for _, h := range m.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every attached driver has detached or ctx is done.
func (m *Manager) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func hintTags(hints []types.LanguageHint) []string {
	out := make([]string, 0, len(hints))
	for _, h := range hints {
		out = append(out, h.Tag)
	}
	return out
}

// negotiation resolves one request against a registry snapshot.
type negotiation struct {
	snap     *registry.Snapshot
	cfg      ManagerConfig
	degraded []types.DegradedCapability
}

func (n *negotiation) degrade(capability, requested, granted, reason string) {
	n.degraded = append(n.degraded, types.DegradedCapability{
		Capability: capability,
		Requested:  requested,
		Granted:    granted,
		Reason:     reason,
	})
}

func (n *negotiation) run(req types.NegotiationRequest) (types.NegotiationResponse, error) {
	residency := req.Residency
	if residency == "" {
		residency = n.cfg.DefaultResidency
	}
	if !residency.Valid() {
		return types.NegotiationResponse{}, core.NewInvalidRequestErrorWithParam("unsupported data residency "+string(residency), "data_residency")
	}
	script := req.Script
	if script == "" {
		script = n.cfg.DefaultScript
	}
	if !script.Valid() {
		return types.NegotiationResponse{}, core.NewInvalidRequestErrorWithParam("unsupported script preference "+string(script), "script_preference")
	}

	hints, err := n.languageHints(req.LanguageHints, residency)
	if err != nil {
		return types.NegotiationResponse{}, err
	}

	requested := req.AudioProfile
	if requested.Codec == "" {
		requested.Codec = types.CodecPCM16K16
	}
	profile, codecDegraded := codec.Negotiate(requested, n.cfg.SupportedProfiles)
	n.degraded = append(n.degraded, codecDegraded...)

	primary := hints[0].Tag
	var bindings types.Bindings
	for _, stage := range []types.Stage{types.StageSTT, types.StageLLM, types.StageTTS} {
		id, err := n.bind(stage, req.Preferences.For(stage), primary, residency, profile)
		if err != nil {
			return types.NegotiationResponse{}, err
		}
		switch stage {
		case types.StageSTT:
			bindings.STT = id
		case types.StageLLM:
			bindings.LLM = id
		case types.StageTTS:
			bindings.TTS = id
		}
	}
	n.checkOptionalPreferences(req.Preferences, residency)

	caps := n.capabilities(req.Capabilities, bindings, primary)
	if caps.ActionExecution {
		if id, err := n.bind(types.StageAction, nil, "", residency, profile); err == nil {
			bindings.Action = id
		}
	}

	return types.NegotiationResponse{
		LanguageHints: hints,
		AudioProfile:  profile,
		Capabilities:  caps,
		Degraded:      n.degraded,
		Bindings:      bindings,
		Residency:     residency,
		Script:        script,
	}, nil
}

func (n *negotiation) languageHints(in []types.LanguageHint, residency types.DataResidency) ([]types.LanguageHint, error) {
	if len(in) == 0 {
		return nil, core.NewInvalidRequestErrorWithParam("at least one language hint is required", "language_hints")
	}
	seen := map[string]bool{}
	var out []types.LanguageHint
	for i, h := range in {
		if h.Confidence < 0 || h.Confidence > 1 {
			return nil, core.NewInvalidRequestErrorWithParam("language hint confidence must be in [0,1]", fmt.Sprintf("language_hints[%d].confidence", i))
		}
		tag, err := language.Parse(strings.TrimSpace(h.Tag))
		if err != nil {
			n.degrade("language_hint", h.Tag, "", ReasonInvalidTag)
			continue
		}
		canonical := tag.String()
		if seen[canonical] {
			n.degrade("language_hint", h.Tag, canonical, ReasonDuplicate)
			continue
		}
		if !n.languageServed(canonical, residency) {
			n.degrade("language_hint", canonical, "", ReasonUnsupportedLanguage)
			continue
		}
		seen[canonical] = true
		out = append(out, types.LanguageHint{Tag: canonical, Confidence: h.Confidence})
	}
	if len(out) == 0 {
		return nil, core.NewInvalidRequestErrorWithParam("no requested language is supported", "language_hints")
	}
	return out, nil
}

// languageServed reports whether some reachable STT backend allowed by residency handles tag.
func (n *negotiation) languageServed(tag string, residency types.DataResidency) bool {
	for _, b := range n.snap.Backends(types.StageSTT) {
		d := b.Describe()
		if d.Region.AllowedUnder(residency) && n.snap.Reachable(d.ID) && d.SupportsLanguage(tag) {
			return true
		}
	}
	return false
}

func (n *negotiation) eligible(d core.Descriptor, stage types.Stage, language string, residency types.DataResidency, profile types.AudioProfile) bool {
	if d.Stage != stage || !d.Region.AllowedUnder(residency) || !n.snap.Reachable(d.ID) {
		return false
	}
	if language != "" && !d.SupportsLanguage(language) {
		return false
	}
	if stage == types.StageSTT && len(d.Features.Codecs) > 0 {
		ok := false
		for _, c := range d.Features.Codecs {
			if strings.EqualFold(c, string(profile.Codec)) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// bind walks the stage preferences, then the stage default, then every registered backend.
// Skipping the first preference records a degradation.
func (n *negotiation) bind(stage types.Stage, prefs []string, language string, residency types.DataResidency, profile types.AudioProfile) (string, error) {
	all := n.snap.Backends(stage)
	var candidates []core.Descriptor
	for _, p := range prefs {
		for _, b := range all {
			d := b.Describe()
			if strings.EqualFold(d.ID, p) || strings.EqualFold(d.Vendor, p) {
				candidates = append(candidates, d)
			}
		}
	}
	if def, ok := n.snap.Backend(n.snap.Default(stage)); ok {
		candidates = append(candidates, def.Describe())
	}
	for _, b := range all {
		candidates = append(candidates, b.Describe())
	}

	for _, d := range candidates {
		if !n.eligible(d, stage, language, residency, profile) {
			continue
		}
		if len(prefs) > 0 && !strings.EqualFold(d.ID, prefs[0]) && !strings.EqualFold(d.Vendor, prefs[0]) {
			n.degrade("backend."+string(stage), prefs[0], d.ID, ReasonPreferenceFallback)
		}
		return d.ID, nil
	}
	return "", &core.Error{
		Type:    core.ErrInvalidRequest,
		Message: fmt.Sprintf("no %s backend serves %q under %s residency", stage, language, residency),
		Param:   "backend_preferences." + string(stage),
		Code:    "no_eligible_backend",
	}
}

func (n *negotiation) checkOptionalPreferences(prefs types.BackendPreferences, residency types.DataResidency) {
	for _, p := range prefs.NMT {
		found := false
		for _, b := range n.snap.Backends(types.StageNMT) {
			d := b.Describe()
			if (strings.EqualFold(d.ID, p) || strings.EqualFold(d.Vendor, p)) && d.Region.AllowedUnder(residency) {
				found = true
				break
			}
		}
		if !found {
			n.degrade("backend.nmt", p, "", ReasonNotRegistered)
		}
	}
	if uri := strings.TrimSpace(prefs.CustomBackendURI); uri != "" {
		n.degrade("custom_backend_uri", uri, "", ReasonNotRegistered)
	}
}

func (n *negotiation) capabilities(req types.Capabilities, b types.Bindings, primary string) types.Capabilities {
	var stt, llm, tts core.Features
	if be, ok := n.snap.Backend(b.STT); ok {
		stt = be.Describe().Features
	}
	if be, ok := n.snap.Backend(b.LLM); ok {
		llm = be.Describe().Features
	}
	if be, ok := n.snap.Backend(b.TTS); ok {
		tts = be.Describe().Features
	}
	enabled := n.cfg.Enabled

	grant := func(name string, requested, gatewayOK, backendOK bool, backendReason string) bool {
		if !requested {
			return false
		}
		switch {
		case !gatewayOK:
			n.degrade(name, "true", "false", ReasonDisabled)
			return false
		case !backendOK:
			n.degrade(name, "true", "false", backendReason)
			return false
		}
		return true
	}

	return types.Capabilities{
		CodeSwitch:      grant("code_switch_detection", req.CodeSwitch, enabled.CodeSwitch, stt.CodeSwitch, ReasonBackendUnsupported),
		DialectRouting:  grant("dialect_routing", req.DialectRouting, enabled.DialectRouting, len(n.snap.DialectsFor(primary)) > 0, ReasonNoDialectModels),
		ActionExecution: grant("action_execution", req.ActionExecution, enabled.ActionExecution, llm.Tools && len(n.snap.Tools()) > 0, n.actionReason(llm)),
		BargeIn:         grant("barge_in", req.BargeIn, enabled.BargeIn, true, ""),
		Transliteration: grant("transliteration_output", req.Transliteration, enabled.Transliteration, stt.Transliteration, ReasonBackendUnsupported),
		StreamingTTS:    grant("streaming_tts", req.StreamingTTS, enabled.StreamingTTS, tts.Streaming, ReasonBackendUnsupported),
		Diarization:     grant("speaker_diarization", req.Diarization, enabled.Diarization, stt.Diarization, ReasonBackendUnsupported),
	}
}

func (n *negotiation) actionReason(llm core.Features) string {
	if !llm.Tools {
		return ReasonBackendUnsupported
	}
	return ReasonNoTools
}
