package invoice

import (
	"testing"
)

func unwrapSchema(t *testing.T, wrapped map[string]any) map[string]any {
	t.Helper()
	js, ok := wrapped["json_schema"].(map[string]any)
	if !ok {
		t.Fatal("missing json_schema wrapper")
	}
	schema, ok := js["schema"].(map[string]any)
	if !ok {
		t.Fatal("missing inner schema")
	}
	return schema
}

func TestSchemaForPinsInvoiceType(t *testing.T) {
	schema := unwrapSchema(t, SchemaFor(TypeUtility))
	props := schema["properties"].(map[string]any)
	it := props["invoice_type"].(map[string]any)
	enum := it["enum"].([]string)
	if len(enum) != 1 || enum[0] != "utility" {
		t.Fatalf("invoice_type enum = %v, want [utility]", enum)
	}
}

func TestSchemaForTypeSpecificFields(t *testing.T) {
	tests := []struct {
		typ      Type
		present  []string
		required []string
		optional []string
	}{
		{TypeGeneral, nil, nil, nil},
		{TypeInsurance,
			[]string{"policy_start_date", "policy_end_date", "policy_number", "service_termination"},
			[]string{"policy_number"},
			[]string{"service_termination"}},
		{TypeUtility,
			[]string{"service_start_date", "service_end_date", "service_termination"},
			[]string{"service_start_date"},
			[]string{"service_termination"}},
		{TypeTax,
			[]string{"tax_year", "property_id"},
			[]string{"tax_year", "property_id"},
			nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			schema := unwrapSchema(t, SchemaFor(tt.typ))
			props := schema["properties"].(map[string]any)
			required := schema["required"].([]string)

			reqSet := make(map[string]bool, len(required))
			for _, r := range required {
				reqSet[r] = true
			}

			// The 17 base keys are always required.
			for _, key := range []string{"invoice_type", "invoice_date", "total_amount_due", "reasoning", "valid_input"} {
				if !reqSet[key] {
					t.Errorf("base key %q not required", key)
				}
			}

			for _, key := range tt.present {
				if _, ok := props[key]; !ok {
					t.Errorf("property %q missing", key)
				}
			}
			for _, key := range tt.required {
				if !reqSet[key] {
					t.Errorf("key %q should be required", key)
				}
			}
			for _, key := range tt.optional {
				if reqSet[key] {
					t.Errorf("key %q should be optional", key)
				}
			}
		})
	}
}

func TestValidationSchemaRelaxesReasonCode(t *testing.T) {
	strict := unwrapSchema(t, SchemaFor(TypeGeneral))
	vendorStrict := strict["properties"].(map[string]any)["vendor_name"].(map[string]any)
	rcStrict := vendorStrict["properties"].(map[string]any)["reason_code"].(map[string]any)
	if _, ok := rcStrict["enum"]; !ok {
		t.Error("provider-facing schema missing reason_code enum")
	}

	relaxed := ValidationSchemaFor(TypeGeneral)
	vendorRelaxed := relaxed["properties"].(map[string]any)["vendor_name"].(map[string]any)
	rcRelaxed := vendorRelaxed["properties"].(map[string]any)["reason_code"].(map[string]any)
	if _, ok := rcRelaxed["enum"]; ok {
		t.Error("validation schema should not enumerate reason_code")
	}
}

func TestReasonedFieldSchemaCaps(t *testing.T) {
	schema := ValidationSchemaFor(TypeGeneral)
	vendor := schema["properties"].(map[string]any)["vendor_name"].(map[string]any)
	props := vendor["properties"].(map[string]any)

	evidence := props["evidence_snippet"].(map[string]any)
	if evidence["maxLength"] != MaxEvidenceSnippetLen {
		t.Errorf("evidence_snippet maxLength = %v, want %d", evidence["maxLength"], MaxEvidenceSnippetLen)
	}
	reasoning := props["reasoning"].(map[string]any)
	if reasoning["maxLength"] != MaxReasoningLen {
		t.Errorf("reasoning maxLength = %v, want %d", reasoning["maxLength"], MaxReasoningLen)
	}
	if vendor["additionalProperties"] != false {
		t.Error("reasoned field schema must forbid unknown keys")
	}
}
