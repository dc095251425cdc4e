package providers

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/jackzampolin/billfold/internal/fault"
)

func TestExtractStructuredSpec(t *testing.T) {
	t.Run("json_schema envelope", func(t *testing.T) {
		spec, err := extractStructuredSpec(json.RawMessage(testTypeSchema))
		if err != nil {
			t.Fatalf("extractStructuredSpec() error = %v", err)
		}
		if spec.Name != "invoice_type" {
			t.Errorf("Name = %q, want invoice_type", spec.Name)
		}
		if !spec.Strict {
			t.Error("Strict = false, want true")
		}
		if !strings.Contains(string(spec.Schema), `"invoice_type"`) {
			t.Errorf("Schema missing property: %s", spec.Schema)
		}
	})

	t.Run("bare wrapper", func(t *testing.T) {
		raw := json.RawMessage(`{"name":"thing","strict":false,"schema":{"type":"object"}}`)
		spec, err := extractStructuredSpec(raw)
		if err != nil {
			t.Fatalf("extractStructuredSpec() error = %v", err)
		}
		if spec.Name != "thing" || spec.Strict {
			t.Errorf("spec = %+v", spec)
		}
	})

	t.Run("raw schema document", func(t *testing.T) {
		raw := json.RawMessage(`{"type":"object","properties":{"x":{"type":"string"}}}`)
		spec, err := extractStructuredSpec(raw)
		if err != nil {
			t.Fatalf("extractStructuredSpec() error = %v", err)
		}
		if spec.Name != "response" {
			t.Errorf("Name = %q, want response", spec.Name)
		}
		if string(spec.Schema) != string(raw) {
			t.Errorf("Schema = %s, want passthrough", spec.Schema)
		}
	})
}

func TestParseStructuredJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{"clean object", `{"a":1}`, `{"a":1}`, false},
		{"code fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"surrounding prose", "Here you go: {\"a\":1} hope that helps", `{"a":1}`, false},
		{"empty", "", "", true},
		{"not json", "certainly!", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseStructuredJSON(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseStructuredJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && string(got) != tt.want {
				t.Errorf("parseStructuredJSON() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidateStructuredJSON(t *testing.T) {
	schema := json.RawMessage(testTypeSchema)

	if err := validateStructuredJSON(schema, json.RawMessage(`{"invoice_type":"general"}`)); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}
	if err := validateStructuredJSON(schema, json.RawMessage(`{"invoice_type":"other"}`)); err == nil {
		t.Error("enum violation accepted")
	}
	if err := validateStructuredJSON(schema, json.RawMessage(`{"invoice_type":"tax","extra":1}`)); err == nil {
		t.Error("unknown top-level field accepted")
	}
	if err := validateStructuredJSON(schema, json.RawMessage(`{}`)); err == nil {
		t.Error("missing required field accepted")
	}
}

func TestParseAndValidate(t *testing.T) {
	rf := &ResponseFormat{Type: "json_schema", JSONSchema: json.RawMessage(testTypeSchema)}

	t.Run("violation carries truncated sample", func(t *testing.T) {
		long := strings.Repeat("x", 2*maxSampleBytes)
		_, err := parseAndValidate(rf, long)
		if err == nil {
			t.Fatal("expected error")
		}
		if got := fault.KindOf(err); got != fault.Validation {
			t.Errorf("KindOf(err) = %v, want %v", got, fault.Validation)
		}
		if !strings.Contains(err.Error(), "...[truncated]") {
			t.Error("expected truncation marker in error")
		}
		if len(err.Error()) > maxSampleBytes+256 {
			t.Errorf("error message too long: %d bytes", len(err.Error()))
		}
	})

	t.Run("valid output normalized", func(t *testing.T) {
		parsed, err := parseAndValidate(rf, "  {\"invoice_type\": \"utility\"}  ")
		if err != nil {
			t.Fatalf("parseAndValidate() error = %v", err)
		}
		if string(parsed) != `{"invoice_type":"utility"}` {
			t.Errorf("parsed = %s", parsed)
		}
	})
}
