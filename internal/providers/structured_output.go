package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jackzampolin/billfold/internal/fault"
)

// maxStructuredRepairAttempts limits provider-side self-repair loops when
// structured output parsing/validation fails and the provider has no native
// schema enforcement.
const maxStructuredRepairAttempts = 2

// maxSampleBytes bounds the output sample embedded in VALIDATION errors.
const maxSampleBytes = 512

// structuredSpec is the provider-independent decomposition of a structured
// output request: schema name, strictness flag, and the bare JSON Schema
// document used for validation.
type structuredSpec struct {
	Name   string
	Strict bool
	Schema json.RawMessage
}

// extractStructuredSpec unwraps a {"type":"json_schema","json_schema":{...}}
// envelope, or a bare {"name","strict","schema"} wrapper, into its parts.
// A document with neither wrapper is treated as the schema itself.
func extractStructuredSpec(raw json.RawMessage) (*structuredSpec, error) {
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("invalid structured schema JSON: %w", err)
	}

	wrapper := root
	if inner, ok := root["json_schema"].(map[string]any); ok {
		wrapper = inner
	}

	spec := &structuredSpec{Name: "response", Strict: true}
	if name, ok := wrapper["name"].(string); ok && name != "" {
		spec.Name = name
	}
	if strict, ok := wrapper["strict"].(bool); ok {
		spec.Strict = strict
	}

	schemaDoc, ok := wrapper["schema"]
	if !ok {
		// Assume raw schema document.
		spec.Schema = raw
		return spec, nil
	}

	b, err := json.Marshal(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize inner schema: %w", err)
	}
	spec.Schema = b
	return spec, nil
}

// parseAndValidate parses model output into normalized JSON and validates it
// against the requested response format. Protocol violations surface as
// VALIDATION faults carrying a truncated sample of the offending output.
func parseAndValidate(rf *ResponseFormat, content string) (json.RawMessage, error) {
	parsed, err := parseStructuredJSON(content)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, fault.StageLLM, err,
			"model output is not a JSON object; sample: %s", truncateSample(content))
	}

	if rf != nil && len(rf.JSONSchema) > 0 {
		if err := validateStructuredJSON(rf.JSONSchema, parsed); err != nil {
			return nil, fault.Wrap(fault.Validation, fault.StageLLM, err,
				"model output failed schema validation; sample: %s", truncateSample(content))
		}
	}

	return parsed, nil
}

func truncateSample(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxSampleBytes {
		return s
	}
	return s[:maxSampleBytes] + "...[truncated]"
}

// parseStructuredJSON parses JSON from model output, with lightweight recovery
// for markdown code fences and surrounding text.
func parseStructuredJSON(content string) (json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty structured output")
	}

	candidates := []string{content}
	if stripped := stripCodeFences(content); stripped != "" && stripped != content {
		candidates = append(candidates, stripped)
	}
	if extracted := extractJSONCandidate(content); extracted != "" && extracted != content {
		candidates = append(candidates, extracted)
	}

	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}

		var parsed any
		if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
			normalized, mErr := json.Marshal(parsed)
			if mErr != nil {
				return nil, fmt.Errorf("failed to normalize structured output: %w", mErr)
			}
			return normalized, nil
		}
	}

	return nil, fmt.Errorf("failed to parse structured JSON")
}

func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return ""
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return ""
	}

	// Drop first fence line.
	lines = lines[1:]
	// Drop trailing fence if present.
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func extractJSONCandidate(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ""
	}

	objectStart := strings.Index(trimmed, "{")
	arrayStart := strings.Index(trimmed, "[")

	start := -1
	closeChar := ""
	switch {
	case objectStart >= 0 && arrayStart >= 0:
		if objectStart < arrayStart {
			start = objectStart
			closeChar = "}"
		} else {
			start = arrayStart
			closeChar = "]"
		}
	case objectStart >= 0:
		start = objectStart
		closeChar = "}"
	case arrayStart >= 0:
		start = arrayStart
		closeChar = "]"
	default:
		return ""
	}

	end := strings.LastIndex(trimmed, closeChar)
	if end < start {
		return ""
	}
	return strings.TrimSpace(trimmed[start : end+1])
}

// validateStructuredJSON validates parsed JSON against the canonical schema.
func validateStructuredJSON(schemaRaw, parsed json.RawMessage) error {
	if len(schemaRaw) == 0 || len(parsed) == 0 {
		return nil
	}

	spec, err := extractStructuredSpec(schemaRaw)
	if err != nil {
		return err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(spec.Schema)); err != nil {
		return fmt.Errorf("failed to load structured schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("failed to compile structured schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(parsed, &doc); err != nil {
		return fmt.Errorf("failed to decode structured JSON for validation: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("structured output does not match schema: %w", err)
	}
	return nil
}

func structuredRepairPrompt(schemaRaw json.RawMessage, lastOutput string, issue error) string {
	schemaText := string(schemaRaw)
	lastOutput = strings.TrimSpace(lastOutput)
	if len(lastOutput) > 12000 {
		lastOutput = lastOutput[:12000] + "\n...[truncated]"
	}

	return fmt.Sprintf(`Return ONLY valid JSON (no markdown, no commentary) that strictly conforms to this schema.

Schema:
%s

Your previous output:
%s

Validation issue:
%v`, schemaText, lastOutput, issue)
}
