package invoice

import "fmt"

// ClassificationResult is the parsed output of the classification stage.
type ClassificationResult struct {
	InvoiceType string `json:"invoice_type"`
}

// ClassificationSchema is the provider-facing schema for the classification
// stage: a single invoice_type key constrained to the four types.
var ClassificationSchema = map[string]any{
	"type": "json_schema",
	"json_schema": map[string]any{
		"name":   "invoice_classification",
		"strict": true,
		"schema": classificationObjectSchema(),
	},
}

func classificationObjectSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"invoice_type": map[string]any{
				"type":        "string",
				"enum":        []string{"general", "insurance", "utility", "tax"},
				"description": "Invoice category based on the document indicators",
			},
		},
		"required":             []string{"invoice_type"},
		"additionalProperties": false,
	}
}

// SchemaFor returns the provider-facing extraction schema for an invoice
// type, wrapped for a structured-output request. The reason_code enum is
// advertised here to steer the model.
func SchemaFor(t Type) map[string]any {
	return map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name":   fmt.Sprintf("invoice_%s", t),
			"strict": true,
			"schema": objectSchemaFor(t, true),
		},
	}
}

// ValidationSchemaFor returns the schema used to validate model output
// locally. reason_code is relaxed to a plain string here: out-of-enum codes
// are downgraded during sanitization rather than failing the job.
func ValidationSchemaFor(t Type) map[string]any {
	return objectSchemaFor(t, false)
}

func objectSchemaFor(t Type, enumReasonCodes bool) map[string]any {
	props, required := basePropertySchemas(t, enumReasonCodes)

	switch t {
	case TypeInsurance:
		props["policy_start_date"] = reasonedFieldSchema("string", enumReasonCodes,
			"Policy coverage start date (YYYY-MM-DD)")
		props["policy_end_date"] = reasonedFieldSchema("string", enumReasonCodes,
			"Policy coverage end date (YYYY-MM-DD)")
		props["policy_number"] = reasonedFieldSchema("string", enumReasonCodes,
			"Insurance policy number")
		props["service_termination"] = reasonedFieldSchema("boolean", enumReasonCodes,
			"Whether the document indicates coverage termination")
		required = append(required, "policy_start_date", "policy_end_date", "policy_number")
	case TypeUtility:
		props["service_start_date"] = reasonedFieldSchema("string", enumReasonCodes,
			"Service period start date (YYYY-MM-DD)")
		props["service_end_date"] = reasonedFieldSchema("string", enumReasonCodes,
			"Service period end date (YYYY-MM-DD)")
		props["service_termination"] = reasonedFieldSchema("boolean", enumReasonCodes,
			"Whether the document indicates service termination")
		required = append(required, "service_start_date", "service_end_date")
	case TypeTax:
		props["tax_year"] = reasonedFieldSchema("string", enumReasonCodes,
			"Tax year as a 4-digit string")
		props["property_id"] = reasonedFieldSchema("string", enumReasonCodes,
			"Parcel or property identifier, distinct from account_number")
		required = append(required, "tax_year", "property_id")
	}

	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

func basePropertySchemas(t Type, enumReasonCodes bool) (map[string]any, []string) {
	props := map[string]any{
		"invoice_type": map[string]any{
			"type": "string",
			"enum": []string{string(t)},
		},
		"invoice_date": reasonedFieldSchema("string", enumReasonCodes,
			"Invoice issue date (YYYY-MM-DD)"),
		"invoice_due_date": reasonedFieldSchema("string", enumReasonCodes,
			"Payment due date (YYYY-MM-DD)"),
		"invoice_number": reasonedFieldSchema("string", enumReasonCodes,
			"Invoice identifier as printed"),
		"account_number": reasonedFieldSchema("string", enumReasonCodes,
			"Customer account identifier"),
		"vendor_name": reasonedFieldSchema("string", enumReasonCodes,
			"Entity that issued the invoice"),
		"community_name": reasonedFieldSchema("string", enumReasonCodes,
			"Community or property the invoice bills for"),
		"payment_remittance_entity": reasonedFieldSchema("string", enumReasonCodes,
			"Entity payment is made out to"),
		"payment_remittance_entity_care_of": reasonedFieldSchema("string", enumReasonCodes,
			"Care-of line of the remittance entity"),
		"payment_remittance_address": reasonedFieldSchema("string", enumReasonCodes,
			"Mailing address payment is sent to"),
		"total_amount_due": reasonedFieldSchema("number", enumReasonCodes,
			"Total amount due including past due and fees"),
		"invoice_current_due_amount": reasonedFieldSchema("number", enumReasonCodes,
			"Current period charges"),
		"invoice_past_due_amount": reasonedFieldSchema("number", enumReasonCodes,
			"Past due balance"),
		"invoice_late_fee_amount": reasonedFieldSchema("number", enumReasonCodes,
			"Late fee charged"),
		"credit_amount": reasonedFieldSchema("number", enumReasonCodes,
			"Credit applied (negative balances allowed)"),
		"reasoning": map[string]any{
			"type":        "string",
			"description": "Overall extraction notes",
		},
		"valid_input": map[string]any{
			"type":        "boolean",
			"description": "Whether the document is a readable invoice",
		},
	}

	required := []string{
		"invoice_type",
		"invoice_date", "invoice_due_date",
		"invoice_number", "account_number",
		"vendor_name", "community_name",
		"payment_remittance_entity", "payment_remittance_entity_care_of", "payment_remittance_address",
		"total_amount_due", "invoice_current_due_amount", "invoice_past_due_amount",
		"invoice_late_fee_amount", "credit_amount",
		"reasoning", "valid_input",
	}
	return props, required
}

func reasonedFieldSchema(valueType string, enumReasonCodes bool, description string) map[string]any {
	reasonCode := map[string]any{"type": "string"}
	if enumReasonCodes {
		reasonCode["enum"] = []string{
			string(ReasonExplicitLabel),
			string(ReasonNearbyHeader),
			string(ReasonInferredLayout),
			string(ReasonConflict),
			string(ReasonMissing),
		}
	}
	return map[string]any{
		"type":        "object",
		"description": description,
		"properties": map[string]any{
			"value": map[string]any{
				"type": []string{valueType, "null"},
			},
			"confidence": map[string]any{
				"type": "string",
				"enum": []string{"low", "medium", "high"},
			},
			"reason_code": reasonCode,
			"evidence_snippet": map[string]any{
				"type":      []string{"string", "null"},
				"maxLength": MaxEvidenceSnippetLen,
			},
			"reasoning": map[string]any{
				"type":      []string{"string", "null"},
				"maxLength": MaxReasoningLen,
			},
			"assumptions": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required":             []string{"value", "confidence", "reason_code"},
		"additionalProperties": false,
	}
}
