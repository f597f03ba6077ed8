// Package dialect classifies a session's dialect and swaps its STT binding to a
// dialect-specific model when one is registered and usable.
package dialect

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/registry"
)

const (
	ReasonNotRegistered = "not_registered"
	ReasonUnreachable   = "unreachable"
	ReasonNotPreferred  = "not_preferred"
	ReasonResidency     = "residency"
	ReasonAlreadyBound  = "already_bound"
	ReasonNoDialect     = "no_dialect"
)

// Session is the part of a negotiated session the router reads and reroutes.
type Session interface {
	ID() string
	Capabilities() types.Capabilities
	Residency() types.DataResidency
	Preferences() types.BackendPreferences
	Bindings() types.Bindings
	Reroute(stt string) bool
}

type Config struct {
	// Continuous reclassifies every utterance instead of only the first eligible one.
	Continuous bool
}

// Features are the observations classification runs on.
type Features struct {
	Language string
	Text     string
	// Tag is a dialect tag reported by the STT backend, if any.
	Tag string
}

type Decision struct {
	Tag        string
	Classified bool
	Backend    string
	Rerouted   bool
	Reason     string
}

// Router is owned by one session's driver goroutine.
type Router struct {
	cfg     Config
	reg     *registry.Registry
	sess    Session
	logger  *slog.Logger
	done    bool
	tag     string
	pending string
}

func NewRouter(cfg Config, reg *registry.Registry, sess Session, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{cfg: cfg, reg: reg, sess: sess, logger: logger}
}

// Enabled reports whether dialect routing was negotiated.
func (r *Router) Enabled() bool {
	return r != nil && r.sess.Capabilities().DialectRouting
}

// Tag is the session's current dialect tag, "" before the first classification.
func (r *Router) Tag() string { return r.tag }

// Classify maps features to a registered dialect tag, types.DialectStandard when the
// language has dialect models but none matched, or types.DialectUnknown when the language
// has none.
func Classify(snap *registry.Snapshot, f Features) string {
	models := snap.DialectsFor(f.Language)
	if tag := strings.TrimSpace(f.Tag); tag != "" {
		if m, ok := snap.Dialect(tag); ok {
			return m.Tag
		}
		if len(models) > 0 {
			return tag
		}
	}
	if len(models) == 0 {
		return types.DialectUnknown
	}

	words := strings.FieldsFunc(strings.ToLower(f.Text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsMark(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]int, len(words))
	for _, w := range words {
		seen[w]++
	}
	best, bestHits := "", 0
	for _, m := range models {
		hits := 0
		for _, marker := range m.Markers {
			hits += seen[strings.ToLower(marker)]
		}
		if hits > bestHits {
			best, bestHits = m.Tag, hits
		}
	}
	if best == "" {
		return types.DialectStandard
	}
	return best
}

// Observe classifies an utterance when the session is eligible and records any reroute to
// apply at the next ApplyPending. Ineligible utterances keep the session's current tag.
func (r *Router) Observe(f Features) Decision {
	if !r.Enabled() {
		return Decision{}
	}
	if r.done && !r.cfg.Continuous {
		return Decision{Tag: r.tag}
	}
	tag := Classify(r.reg.Snapshot(), f)
	r.done = true
	r.tag = tag
	if tag != types.DialectStandard && tag != types.DialectUnknown {
		r.pending = tag
	}
	r.logger.Debug("dialect classified", "session_id", r.sess.ID(), "dialect", tag, "language", f.Language)
	return Decision{Tag: tag, Classified: true}
}

// ApplyPending performs a reroute deferred by Observe. It is called once the utterance that
// was classified has reached THINKING.
func (r *Router) ApplyPending() (Decision, bool) {
	if r == nil || r.pending == "" {
		return Decision{}, false
	}
	tag := r.pending
	r.pending = ""
	return r.MaybeReroute(tag), true
}

// MaybeReroute switches the session's STT binding to the backend serving tag if it is
// registered, reachable, preferred, and allowed by the session's residency. Otherwise it
// does nothing and reports why.
func (r *Router) MaybeReroute(tag string) Decision {
	d := Decision{Tag: tag}
	if tag == "" || tag == types.DialectStandard || tag == types.DialectUnknown {
		d.Reason = ReasonNoDialect
		return d
	}
	snap := r.reg.Snapshot()
	model, ok := snap.Dialect(tag)
	if !ok {
		d.Reason = ReasonNotRegistered
		return d
	}
	d.Backend = model.Backend
	backend, ok := snap.STT(model.Backend)
	if !ok {
		d.Reason = ReasonNotRegistered
		return d
	}
	if !snap.Reachable(model.Backend) {
		d.Reason = ReasonUnreachable
		return d
	}
	desc := backend.Describe()
	if !desc.Region.AllowedUnder(r.sess.Residency()) {
		d.Reason = ReasonResidency
		return d
	}
	if prefs := r.sess.Preferences().STT; len(prefs) > 0 && !permitted(prefs, desc.ID, desc.Vendor) {
		d.Reason = ReasonNotPreferred
		return d
	}
	if r.sess.Bindings().STT == model.Backend {
		d.Reason = ReasonAlreadyBound
		return d
	}
	if !r.sess.Reroute(model.Backend) {
		d.Reason = ReasonAlreadyBound
		return d
	}
	d.Rerouted = true
	r.logger.Info("dialect reroute", "session_id", r.sess.ID(), "dialect", tag, "stt", model.Backend)
	return d
}

func permitted(prefs []string, id, vendor string) bool {
	for _, p := range prefs {
		if strings.EqualFold(p, id) || strings.EqualFold(p, vendor) {
			return true
		}
	}
	return false
}
