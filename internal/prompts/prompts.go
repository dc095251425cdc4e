// Package prompts holds the immutable rule fragments that compose the
// classification and extraction prompts. Fragments are embedded data and are
// concatenated in a fixed order; the order is part of the prompt's behaviour
// and is covered by tests.
package prompts

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"strings"
	"text/template"

	"github.com/jackzampolin/billfold/internal/invoice"
)

//go:embed fragments/core_disambiguation.tmpl
var coreDisambiguation string

//go:embed fragments/output_structure.tmpl
var outputStructure string

//go:embed fragments/community_bill_to.tmpl
var communityBillTo string

//go:embed fragments/vendor_remittance.tmpl
var vendorRemittance string

//go:embed fragments/financial_mapping.tmpl
var financialMapping string

//go:embed fragments/date_rules.tmpl
var dateRules string

//go:embed fragments/identifier_rules.tmpl
var identifierRules string

//go:embed fragments/remittance_address.tmpl
var remittanceAddress string

//go:embed fragments/document_validity.tmpl
var documentValidity string

//go:embed fragments/reasoning_guidance.tmpl
var reasoningGuidance string

//go:embed fragments/confidence_guidance.tmpl
var confidenceGuidance string

//go:embed fragments/emission_policy.tmpl
var emissionPolicy string

//go:embed fragments/reason_codes.tmpl
var reasonCodes string

//go:embed fragments/type_insurance.tmpl
var typeInsurance string

//go:embed fragments/type_utility.tmpl
var typeUtility string

//go:embed fragments/type_tax.tmpl
var typeTax string

//go:embed fragments/classify_system.tmpl
var classifySystem string

//go:embed fragments/classify_user.tmpl
var classifyUserTmpl string

//go:embed fragments/extract_user.tmpl
var extractUserTmpl string

var (
	classifyUserTemplate = template.Must(template.New("classify_user").Parse(classifyUserTmpl))
	extractUserTemplate  = template.Must(template.New("extract_user").Parse(extractUserTmpl))
)

// Message is one prompt message.
type Message struct {
	Role    string
	Content string
}

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// OCRStartMarker and OCREndMarker delimit document content inside user
// messages so OCR text cannot be read as instructions.
const (
	OCRStartMarker = "--- OCR START ---"
	OCREndMarker   = "--- OCR END ---"
)

// Prompt keys recorded with every LLM call.
const (
	ClassifyKey      = "stages.classify"
	extractKeyPrefix = "stages.extract."
)

// ExtractKey returns the audit key for an extraction prompt.
func ExtractKey(t invoice.Type) string {
	return extractKeyPrefix + string(t)
}

// sharedFragments returns the shared rule fragments in composition order.
func sharedFragments() []string {
	return []string{
		coreDisambiguation,
		outputStructure,
		communityBillTo,
		vendorRemittance,
		financialMapping,
		dateRules,
		identifierRules,
		remittanceAddress,
		documentValidity,
		reasoningGuidance,
		confidenceGuidance,
		emissionPolicy,
		reasonCodes,
	}
}

func typeFragment(t invoice.Type) string {
	switch t {
	case invoice.TypeInsurance:
		return typeInsurance
	case invoice.TypeUtility:
		return typeUtility
	case invoice.TypeTax:
		return typeTax
	}
	return ""
}

// ExtractSystem composes the extraction system prompt for an invoice type:
// the shared fragments in order, then the type-specific block.
func ExtractSystem(t invoice.Type) string {
	parts := sharedFragments()
	if tf := typeFragment(t); tf != "" {
		parts = append(parts, tf)
	}
	trimmed := make([]string, len(parts))
	for i, p := range parts {
		trimmed[i] = strings.TrimSpace(p)
	}
	return strings.Join(trimmed, "\n\n")
}

// ClassifySystem returns the classification system prompt.
func ClassifySystem() string {
	return strings.TrimSpace(classifySystem)
}

// ClassifyUser wraps the OCR markdown for the classification stage.
func ClassifyUser(markdown string) string {
	return renderUser(classifyUserTemplate, markdown)
}

// ExtractUser wraps the OCR markdown for the extraction stage.
func ExtractUser(markdown string) string {
	return renderUser(extractUserTemplate, markdown)
}

func renderUser(tmpl *template.Template, markdown string) string {
	var buf bytes.Buffer
	data := struct{ Markdown string }{Markdown: markdown}
	if err := tmpl.Execute(&buf, data); err != nil {
		// Static templates with one variable cannot fail; fall back to bare
		// markers if they somehow do.
		return OCRStartMarker + "\n" + markdown + "\n" + OCREndMarker
	}
	return buf.String()
}

// ClassifyPrompt builds the messages for the classification stage.
func ClassifyPrompt(markdown string) []Message {
	return []Message{
		{Role: RoleSystem, Content: ClassifySystem()},
		{Role: RoleUser, Content: ClassifyUser(markdown)},
	}
}

// ExtractPrompt builds the messages for the extraction stage of an invoice
// type.
func ExtractPrompt(t invoice.Type, markdown string) []Message {
	return []Message{
		{Role: RoleSystem, Content: ExtractSystem(t)},
		{Role: RoleUser, Content: ExtractUser(markdown)},
	}
}

// HashText returns a SHA256 hash of a composed prompt for audit records.
func HashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
