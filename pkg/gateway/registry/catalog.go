package registry

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

// BackendSpec is the catalog entry a backend is built from.
type BackendSpec struct {
	ID        string            `yaml:"id" json:"id"`
	Vendor    string            `yaml:"vendor" json:"vendor"`
	Stage     types.Stage       `yaml:"stage" json:"stage"`
	Model     string            `yaml:"model" json:"model,omitempty"`
	Region    core.Region       `yaml:"region" json:"region"`
	Languages []string          `yaml:"languages" json:"languages,omitempty"`
	Endpoint  string            `yaml:"endpoint" json:"endpoint,omitempty"`
	APIKeyEnv string            `yaml:"api_key_env" json:"api_key_env,omitempty"`
	Timeout   time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
	Features  core.Features     `yaml:"features" json:"features"`
	Options   map[string]string `yaml:"options" json:"options,omitempty"`
}

// Descriptor returns the registry descriptor of the spec.
func (s BackendSpec) Descriptor() core.Descriptor {
	return core.Descriptor{
		ID:        s.ID,
		Vendor:    s.Vendor,
		Stage:     s.Stage,
		Model:     s.Model,
		Languages: s.Languages,
		Region:    s.Region,
		Features:  s.Features,
	}
}

// APIKey resolves the credential named by APIKeyEnv.
func (s BackendSpec) APIKey() string {
	if s.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(s.APIKeyEnv))
}

// Catalog is the YAML document describing everything the registry holds at startup.
type Catalog struct {
	Defaults map[types.Stage]string `yaml:"defaults" json:"defaults"`
	Backends []BackendSpec          `yaml:"backends" json:"backends"`
	Dialects []DialectModel         `yaml:"dialects" json:"dialects,omitempty"`
	Tools    []types.ToolSchema     `yaml:"tools" json:"tools,omitempty"`
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	cat, err := ParseCatalog(raw)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return cat, nil
}

// ParseCatalog decodes a catalog document. Unknown keys are rejected.
func ParseCatalog(raw []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var cat Catalog
	if err := dec.Decode(&cat); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Validate checks the catalog for internal consistency without building any backend.
func (c *Catalog) Validate() error {
	var errs []error
	ids := map[string]types.Stage{}
	for i, b := range c.Backends {
		if strings.TrimSpace(b.ID) == "" {
			errs = append(errs, fmt.Errorf("backends[%d]: id is required", i))
			continue
		}
		if _, dup := ids[b.ID]; dup {
			errs = append(errs, fmt.Errorf("backends[%d]: duplicate id %q", i, b.ID))
		}
		ids[b.ID] = b.Stage
		switch b.Stage {
		case types.StageSTT, types.StageLLM, types.StageTTS, types.StageNMT, types.StageAction:
		default:
			errs = append(errs, fmt.Errorf("backend %q: invalid stage %q", b.ID, b.Stage))
		}
		switch b.Region {
		case core.RegionIndia, core.RegionGlobal, core.RegionOnPrem:
		default:
			errs = append(errs, fmt.Errorf("backend %q: invalid region %q", b.ID, b.Region))
		}
		if strings.TrimSpace(b.Vendor) == "" {
			errs = append(errs, fmt.Errorf("backend %q: vendor is required", b.ID))
		}
		if b.Timeout < 0 {
			errs = append(errs, fmt.Errorf("backend %q: timeout must be >= 0", b.ID))
		}
	}
	for stage, id := range c.Defaults {
		got, ok := ids[id]
		if !ok {
			errs = append(errs, fmt.Errorf("defaults.%s: unknown backend %q", stage, id))
			continue
		}
		if got != stage {
			errs = append(errs, fmt.Errorf("defaults.%s: backend %q serves %s", stage, id, got))
		}
	}
	for _, d := range c.Dialects {
		if ids[d.Backend] != types.StageSTT {
			errs = append(errs, fmt.Errorf("dialect %q: backend %q is not a registered stt backend", d.Tag, d.Backend))
		}
	}
	hasActionServer := false
	for _, stage := range ids {
		if stage == types.StageAction {
			hasActionServer = true
		}
	}
	for _, t := range c.Tools {
		if err := CheckToolSchema(t); err != nil {
			errs = append(errs, err)
		}
		if t.Executor == types.ExecutorServer && !hasActionServer {
			errs = append(errs, fmt.Errorf("tool %q: server executor requires an action backend", t.Name))
		}
	}
	return errors.Join(errs...)
}

// BuildFunc constructs a live backend from its catalog entry.
type BuildFunc func(BackendSpec) (core.Backend, error)

// Apply builds every backend and publishes the whole catalog as one snapshot.
func (c *Catalog) Apply(r *Registry, build BuildFunc) error {
	built := make([]core.Backend, 0, len(c.Backends))
	for _, spec := range c.Backends {
		b, err := build(spec)
		if err != nil {
			return fmt.Errorf("build backend %q: %w", spec.ID, err)
		}
		built = append(built, b)
	}
	return r.Update(func(s *Snapshot) error {
		for _, b := range built {
			if err := s.AddBackend(b); err != nil {
				return err
			}
		}
		for stage, id := range c.Defaults {
			if err := s.SetDefault(stage, id); err != nil {
				return err
			}
		}
		for _, d := range c.Dialects {
			if err := s.AddDialect(d); err != nil {
				return err
			}
		}
		for _, t := range c.Tools {
			if err := s.AddTool(t); err != nil {
				return err
			}
		}
		return nil
	})
}
