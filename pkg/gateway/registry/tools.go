package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,63}$`)

var propertyTypes = map[string]struct{}{
	"string":  {},
	"number":  {},
	"integer": {},
	"boolean": {},
	"object":  {},
	"array":   {},
}

// CheckToolSchema rejects malformed schemas before they reach the registry.
func CheckToolSchema(t types.ToolSchema) error {
	if !toolNamePattern.MatchString(t.Name) {
		return fmt.Errorf("registry: invalid tool name %q", t.Name)
	}
	switch t.Sensitivity {
	case types.SensitivityPublic, types.SensitivityPersonal, types.SensitivityFinancial:
	default:
		return fmt.Errorf("registry: tool %q has invalid sensitivity %q", t.Name, t.Sensitivity)
	}
	switch t.Executor {
	case types.ExecutorClient, types.ExecutorServer:
	default:
		return fmt.Errorf("registry: tool %q has invalid executor %q", t.Name, t.Executor)
	}
	if t.Timeout < 0 {
		return fmt.Errorf("registry: tool %q timeout must be >= 0", t.Name)
	}
	for name, p := range t.Properties {
		if _, ok := propertyTypes[p.Type]; !ok {
			return fmt.Errorf("registry: tool %q property %q has invalid type %q", t.Name, name, p.Type)
		}
		if p.Pattern != "" {
			if _, err := regexp.Compile(p.Pattern); err != nil {
				return fmt.Errorf("registry: tool %q property %q pattern: %w", t.Name, name, err)
			}
		}
	}
	for _, req := range t.Required {
		if _, ok := t.Properties[req]; !ok {
			return fmt.Errorf("registry: tool %q requires undeclared property %q", t.Name, req)
		}
	}
	return nil
}

// InputError lists every problem found in a tool input.
type InputError struct {
	Tool     string
	Problems []string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input for tool %q: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// ValidateInput checks input against the tool's declared properties and required fields.
// Undeclared fields are rejected.
func ValidateInput(t types.ToolSchema, input map[string]any) error {
	var problems []string
	for _, req := range t.Required {
		if v, ok := input[req]; !ok || v == nil {
			problems = append(problems, fmt.Sprintf("missing required field %q", req))
		}
	}

	names := make([]string, 0, len(input))
	for name := range input {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := input[name]
		p, ok := t.Properties[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown field %q", name))
			continue
		}
		if v == nil {
			continue
		}
		if err := checkValue(p, v); err != nil {
			problems = append(problems, fmt.Sprintf("field %q: %v", name, err))
		}
	}
	if len(problems) > 0 {
		return &InputError{Tool: t.Name, Problems: problems}
	}
	return nil
}

func checkValue(p types.PropertySchema, v any) error {
	switch p.Type {
	case "string":
		s, ok := v.(string)
		if !ok {
			return errors.New("must be a string")
		}
		if len(p.Enum) > 0 && !slices.Contains(p.Enum, s) {
			return fmt.Errorf("must be one of %s", strings.Join(p.Enum, ", "))
		}
		if p.Pattern != "" {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return err
			}
			if !re.MatchString(s) {
				return fmt.Errorf("does not match %s", p.Pattern)
			}
		}
	case "number":
		if _, ok := asFloat(v); !ok {
			return errors.New("must be a number")
		}
	case "integer":
		f, ok := asFloat(v)
		if !ok || f != math.Trunc(f) {
			return errors.New("must be an integer")
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return errors.New("must be a boolean")
		}
	case "object":
		if _, ok := v.(map[string]any); !ok {
			return errors.New("must be an object")
		}
	case "array":
		if _, ok := v.([]any); !ok {
			return errors.New("must be an array")
		}
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
