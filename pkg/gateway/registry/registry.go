// Package registry holds the process-wide backend, tool, and dialect-model catalog.
//
// The catalog is built at startup and read by every session. Writers never mutate a
// published snapshot: Update clones the current snapshot, applies the change, and swaps the
// pointer, so a reader holding a snapshot sees a consistent view for as long as it keeps it.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

var (
	ErrDuplicate = errors.New("registry: duplicate entry")
	ErrNotFound  = errors.New("registry: not found")
)

// DialectModel is a dialect-specific recognition model served by an STT backend.
type DialectModel struct {
	Tag      string   `json:"tag" yaml:"tag"`
	Language string   `json:"language" yaml:"language"`
	Backend  string   `json:"backend" yaml:"backend"`
	Markers  []string `json:"markers,omitempty" yaml:"markers"`
}

// Snapshot is an immutable view of the registry once published.
type Snapshot struct {
	version     uint64
	backends    map[string]core.Backend
	order       []string
	tools       map[string]types.ToolSchema
	dialects    []DialectModel
	defaults    map[types.Stage]string
	unreachable map[string]bool
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		backends:    map[string]core.Backend{},
		tools:       map[string]types.ToolSchema{},
		defaults:    map[types.Stage]string{},
		unreachable: map[string]bool{},
	}
}

func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		version:     s.version + 1,
		backends:    make(map[string]core.Backend, len(s.backends)),
		order:       slices.Clone(s.order),
		tools:       make(map[string]types.ToolSchema, len(s.tools)),
		dialects:    slices.Clone(s.dialects),
		defaults:    make(map[types.Stage]string, len(s.defaults)),
		unreachable: make(map[string]bool, len(s.unreachable)),
	}
	for k, v := range s.backends {
		next.backends[k] = v
	}
	for k, v := range s.tools {
		next.tools[k] = v
	}
	for k, v := range s.defaults {
		next.defaults[k] = v
	}
	for k, v := range s.unreachable {
		next.unreachable[k] = v
	}
	return next
}

func (s *Snapshot) Version() uint64 { return s.version }

// AddBackend registers b under its descriptor id.
func (s *Snapshot) AddBackend(b core.Backend) error {
	if b == nil {
		return errors.New("registry: nil backend")
	}
	d := b.Describe()
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return errors.New("registry: backend id is required")
	}
	switch d.Stage {
	case types.StageSTT:
		if _, ok := b.(core.STTBackend); !ok {
			return fmt.Errorf("registry: backend %q declares stage stt but does not transcribe", id)
		}
	case types.StageLLM:
		if _, ok := b.(core.LLMBackend); !ok {
			return fmt.Errorf("registry: backend %q declares stage llm but does not respond", id)
		}
	case types.StageTTS:
		if _, ok := b.(core.TTSBackend); !ok {
			return fmt.Errorf("registry: backend %q declares stage tts but does not synthesize", id)
		}
	case types.StageAction:
		if _, ok := b.(core.ActionServer); !ok {
			return fmt.Errorf("registry: backend %q declares stage action but does not invoke", id)
		}
	case types.StageNMT:
	default:
		return fmt.Errorf("registry: backend %q has unknown stage %q", id, d.Stage)
	}
	if _, exists := s.backends[id]; exists {
		return fmt.Errorf("%w: backend %q", ErrDuplicate, id)
	}
	s.backends[id] = b
	s.order = append(s.order, id)
	return nil
}

// AddTool registers a tool schema.
func (s *Snapshot) AddTool(t types.ToolSchema) error {
	if err := CheckToolSchema(t); err != nil {
		return err
	}
	if _, exists := s.tools[t.Name]; exists {
		return fmt.Errorf("%w: tool %q", ErrDuplicate, t.Name)
	}
	s.tools[t.Name] = t
	return nil
}

// AddDialect registers a dialect model. The serving backend must already be registered.
func (s *Snapshot) AddDialect(m DialectModel) error {
	if strings.TrimSpace(m.Tag) == "" || strings.TrimSpace(m.Language) == "" {
		return errors.New("registry: dialect tag and language are required")
	}
	b, ok := s.backends[m.Backend]
	if !ok {
		return fmt.Errorf("%w: dialect %q backend %q", ErrNotFound, m.Tag, m.Backend)
	}
	if b.Describe().Stage != types.StageSTT {
		return fmt.Errorf("registry: dialect %q backend %q is not an stt backend", m.Tag, m.Backend)
	}
	for _, existing := range s.dialects {
		if strings.EqualFold(existing.Tag, m.Tag) {
			return fmt.Errorf("%w: dialect %q", ErrDuplicate, m.Tag)
		}
	}
	s.dialects = append(s.dialects, m)
	return nil
}

// SetDefault makes id the default backend of a stage.
func (s *Snapshot) SetDefault(stage types.Stage, id string) error {
	b, ok := s.backends[id]
	if !ok {
		return fmt.Errorf("%w: default %s backend %q", ErrNotFound, stage, id)
	}
	if b.Describe().Stage != stage {
		return fmt.Errorf("registry: default %s backend %q serves %s", stage, id, b.Describe().Stage)
	}
	s.defaults[stage] = id
	return nil
}

func (s *Snapshot) Backend(id string) (core.Backend, bool) {
	b, ok := s.backends[id]
	return b, ok
}

// Backends returns the backends of a stage in registration order.
func (s *Snapshot) Backends(stage types.Stage) []core.Backend {
	var out []core.Backend
	for _, id := range s.order {
		b := s.backends[id]
		if b.Describe().Stage == stage {
			out = append(out, b)
		}
	}
	return out
}

// All returns every backend in registration order.
func (s *Snapshot) All() []core.Backend {
	out := make([]core.Backend, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.backends[id])
	}
	return out
}

func (s *Snapshot) Default(stage types.Stage) string { return s.defaults[stage] }

func (s *Snapshot) STT(id string) (core.STTBackend, bool) {
	b, ok := s.backends[id].(core.STTBackend)
	return b, ok
}

func (s *Snapshot) LLM(id string) (core.LLMBackend, bool) {
	b, ok := s.backends[id].(core.LLMBackend)
	return b, ok
}

func (s *Snapshot) TTS(id string) (core.TTSBackend, bool) {
	b, ok := s.backends[id].(core.TTSBackend)
	return b, ok
}

func (s *Snapshot) ActionServer(id string) (core.ActionServer, bool) {
	b, ok := s.backends[id].(core.ActionServer)
	return b, ok
}

func (s *Snapshot) Tool(name string) (types.ToolSchema, bool) {
	t, ok := s.tools[name]
	return t, ok
}

// Tools returns every tool schema sorted by name.
func (s *Snapshot) Tools() []types.ToolSchema {
	out := make([]types.ToolSchema, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Snapshot) Dialects() []DialectModel { return slices.Clone(s.dialects) }

// DialectsFor returns the dialect models of a language, matched on the primary subtag.
func (s *Snapshot) DialectsFor(language string) []DialectModel {
	base := primary(language)
	var out []DialectModel
	for _, m := range s.dialects {
		if primary(m.Language) == base {
			out = append(out, m)
		}
	}
	return out
}

func (s *Snapshot) Dialect(tag string) (DialectModel, bool) {
	for _, m := range s.dialects {
		if strings.EqualFold(m.Tag, tag) {
			return m, true
		}
	}
	return DialectModel{}, false
}

// Reachable reports whether the last probe of id succeeded. Backends that were never
// probed are considered reachable.
func (s *Snapshot) Reachable(id string) bool {
	if _, ok := s.backends[id]; !ok {
		return false
	}
	return !s.unreachable[id]
}

func primary(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		return tag[:i]
	}
	return tag
}

// Registry publishes snapshots.
type Registry struct {
	mu  sync.Mutex
	cur atomic.Pointer[Snapshot]
}

func New() *Registry {
	r := &Registry{}
	r.cur.Store(emptySnapshot())
	return r
}

// Snapshot returns the current snapshot. It never changes after being returned.
func (r *Registry) Snapshot() *Snapshot {
	return r.cur.Load()
}

// Update applies fn to a private copy of the current snapshot and publishes it if fn
// succeeds. Concurrent updates are serialized.
func (r *Registry) Update(fn func(*Snapshot) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.cur.Load().clone()
	if err := fn(next); err != nil {
		return err
	}
	r.cur.Store(next)
	return nil
}

func (r *Registry) RegisterBackend(b core.Backend) error {
	return r.Update(func(s *Snapshot) error { return s.AddBackend(b) })
}

func (r *Registry) RegisterTool(t types.ToolSchema) error {
	return r.Update(func(s *Snapshot) error { return s.AddTool(t) })
}

func (r *Registry) RegisterDialect(m DialectModel) error {
	return r.Update(func(s *Snapshot) error { return s.AddDialect(m) })
}

func (r *Registry) SetDefault(stage types.Stage, id string) error {
	return r.Update(func(s *Snapshot) error { return s.SetDefault(stage, id) })
}

// SetReachable records a probe outcome. Unchanged outcomes do not publish a new snapshot.
func (r *Registry) SetReachable(id string, reachable bool) {
	snap := r.Snapshot()
	if _, ok := snap.backends[id]; !ok || snap.unreachable[id] == !reachable {
		return
	}
	_ = r.Update(func(s *Snapshot) error {
		if reachable {
			delete(s.unreachable, id)
		} else {
			s.unreachable[id] = true
		}
		return nil
	})
}
