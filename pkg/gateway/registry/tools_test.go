package registry

import (
	"errors"
	"strings"
	"testing"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

func panTool() types.ToolSchema {
	return types.ToolSchema{
		Name:        "pan_validate",
		Sensitivity: types.SensitivityFinancial,
		Executor:    types.ExecutorClient,
		Properties: map[string]types.PropertySchema{
			"pan":    {Type: "string", Pattern: `^[A-Z]{5}[0-9]{4}[A-Z]$`},
			"strict": {Type: "boolean"},
			"count":  {Type: "integer"},
			"mode":   {Type: "string", Enum: []string{"fast", "full"}},
		},
		Required: []string{"pan"},
	}
}

func TestValidateInput(t *testing.T) {
	tests := []struct {
		name    string
		input   map[string]any
		wantErr string
	}{
		{name: "ok", input: map[string]any{"pan": "ABCDE1234F"}},
		{name: "ok all fields", input: map[string]any{"pan": "ABCDE1234F", "strict": true, "count": float64(2), "mode": "fast"}},
		{name: "missing required", input: map[string]any{}, wantErr: `missing required field "pan"`},
		{name: "pattern", input: map[string]any{"pan": "abc"}, wantErr: "does not match"},
		{name: "wrong type", input: map[string]any{"pan": "ABCDE1234F", "strict": "yes"}, wantErr: "must be a boolean"},
		{name: "fractional integer", input: map[string]any{"pan": "ABCDE1234F", "count": 1.5}, wantErr: "must be an integer"},
		{name: "enum", input: map[string]any{"pan": "ABCDE1234F", "mode": "slow"}, wantErr: "must be one of"},
		{name: "unknown field", input: map[string]any{"pan": "ABCDE1234F", "x": 1}, wantErr: `unknown field "x"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInput(panTool(), tt.input)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("err=%v, want nil", err)
				}
				return
			}
			var inputErr *InputError
			if !errors.As(err, &inputErr) {
				t.Fatalf("err=%v, want *InputError", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestCheckToolSchema(t *testing.T) {
	good := panTool()
	if err := CheckToolSchema(good); err != nil {
		t.Fatalf("CheckToolSchema: %v", err)
	}

	bad := panTool()
	bad.Required = []string{"missing"}
	if err := CheckToolSchema(bad); err == nil {
		t.Fatalf("expected error for undeclared required property")
	}

	bad = panTool()
	bad.Name = "bad name"
	if err := CheckToolSchema(bad); err == nil {
		t.Fatalf("expected error for invalid name")
	}

	bad = panTool()
	bad.Sensitivity = "secret"
	if err := CheckToolSchema(bad); err == nil {
		t.Fatalf("expected error for invalid sensitivity")
	}
}
