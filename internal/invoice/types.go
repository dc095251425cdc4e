// Package invoice defines the extraction payload types: the four invoice
// variants, the ReasonedField wrapper around every extracted scalar, and the
// JSON schemas the LLM output is validated against.
package invoice

// Type discriminates the four invoice payload variants.
type Type string

const (
	TypeGeneral   Type = "general"
	TypeInsurance Type = "insurance"
	TypeUtility   Type = "utility"
	TypeTax       Type = "tax"
)

// AllTypes lists every invoice type in classification order.
func AllTypes() []Type {
	return []Type{TypeGeneral, TypeInsurance, TypeUtility, TypeTax}
}

// ParseType validates a raw classification string.
func ParseType(s string) (Type, bool) {
	switch Type(s) {
	case TypeGeneral, TypeInsurance, TypeUtility, TypeTax:
		return Type(s), true
	}
	return "", false
}

// Confidence is the per-field confidence level.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ReasonCode explains how a field value was determined.
type ReasonCode string

const (
	ReasonExplicitLabel  ReasonCode = "explicit_label"
	ReasonNearbyHeader   ReasonCode = "nearby_header"
	ReasonInferredLayout ReasonCode = "inferred_layout"
	ReasonConflict       ReasonCode = "conflict"
	ReasonMissing        ReasonCode = "missing"
)

// ValidReasonCode reports whether c is in the reason-code enum.
func ValidReasonCode(c ReasonCode) bool {
	switch c {
	case ReasonExplicitLabel, ReasonNearbyHeader, ReasonInferredLayout, ReasonConflict, ReasonMissing:
		return true
	}
	return false
}

const (
	// MaxEvidenceSnippetLen caps evidence_snippet.
	MaxEvidenceSnippetLen = 240
	// MaxReasoningLen caps per-field reasoning.
	MaxReasoningLen = 120
)

// ReasonedField wraps an extracted scalar with the evidence trail the model
// produced for it. Value is nil when the document does not contain the field.
type ReasonedField[T any] struct {
	Value           *T         `json:"value"`
	Confidence      Confidence `json:"confidence"`
	ReasonCode      ReasonCode `json:"reason_code"`
	EvidenceSnippet *string    `json:"evidence_snippet,omitempty"`
	Reasoning       *string    `json:"reasoning,omitempty"`
	Assumptions     []string   `json:"assumptions,omitempty"`
}

// StringField holds dates (YYYY-MM-DD), identifiers, and entity names.
type StringField = ReasonedField[string]

// NumberField holds monetary amounts. Negative values are allowed.
type NumberField = ReasonedField[float64]

// BoolField holds boolean flags such as service_termination.
type BoolField = ReasonedField[bool]

// Field is the uniform view over a ReasonedField regardless of value type.
// Sanitization and confidence scoring iterate fields through it.
type Field interface {
	GetConfidence() Confidence
	GetReasonCode() ReasonCode
	HasValue() bool
	// Normalize downgrades an out-of-enum reason code to missing with low
	// confidence. Returns true if a change was made.
	Normalize() bool
	// StripNotes clears evidence_snippet and reasoning for high-confidence
	// populated fields.
	StripNotes()
}

func (f *ReasonedField[T]) GetConfidence() Confidence { return f.Confidence }
func (f *ReasonedField[T]) GetReasonCode() ReasonCode { return f.ReasonCode }
func (f *ReasonedField[T]) HasValue() bool            { return f.Value != nil }

func (f *ReasonedField[T]) Normalize() bool {
	if ValidReasonCode(f.ReasonCode) {
		return false
	}
	f.ReasonCode = ReasonMissing
	f.Confidence = ConfidenceLow
	return true
}

func (f *ReasonedField[T]) StripNotes() {
	if f.Confidence == ConfidenceHigh && f.Value != nil {
		f.EvidenceSnippet = nil
		f.Reasoning = nil
	}
}

// Ptr returns a pointer to v. Convenience for building field literals.
func Ptr[T any](v T) *T { return &v }

// Base carries the fields shared by every invoice type. invoice_type is the
// union discriminator and is persisted with the payload.
type Base struct {
	InvoiceType Type `json:"invoice_type"`

	InvoiceDate    StringField `json:"invoice_date"`
	InvoiceDueDate StringField `json:"invoice_due_date"`

	InvoiceNumber StringField `json:"invoice_number"`
	AccountNumber StringField `json:"account_number"`

	VendorName    StringField `json:"vendor_name"`
	CommunityName StringField `json:"community_name"`

	PaymentRemittanceEntity       StringField `json:"payment_remittance_entity"`
	PaymentRemittanceEntityCareOf StringField `json:"payment_remittance_entity_care_of"`
	PaymentRemittanceAddress      StringField `json:"payment_remittance_address"`

	TotalAmountDue          NumberField `json:"total_amount_due"`
	InvoiceCurrentDueAmount NumberField `json:"invoice_current_due_amount"`
	InvoicePastDueAmount    NumberField `json:"invoice_past_due_amount"`
	InvoiceLateFeeAmount    NumberField `json:"invoice_late_fee_amount"`
	CreditAmount            NumberField `json:"credit_amount"`

	Reasoning  string `json:"reasoning"`
	ValidInput bool   `json:"valid_input"`
}

// Fields returns every ReasonedField of the base payload.
func (b *Base) Fields() []Field {
	return []Field{
		&b.InvoiceDate, &b.InvoiceDueDate,
		&b.InvoiceNumber, &b.AccountNumber,
		&b.VendorName, &b.CommunityName,
		&b.PaymentRemittanceEntity, &b.PaymentRemittanceEntityCareOf, &b.PaymentRemittanceAddress,
		&b.TotalAmountDue, &b.InvoiceCurrentDueAmount, &b.InvoicePastDueAmount,
		&b.InvoiceLateFeeAmount, &b.CreditAmount,
	}
}

// Insurance extends Base with policy coverage fields.
type Insurance struct {
	Base
	PolicyStartDate    StringField `json:"policy_start_date"`
	PolicyEndDate      StringField `json:"policy_end_date"`
	PolicyNumber       StringField `json:"policy_number"`
	ServiceTermination BoolField   `json:"service_termination"`
}

func (i *Insurance) Fields() []Field {
	return append(i.Base.Fields(),
		&i.PolicyStartDate, &i.PolicyEndDate, &i.PolicyNumber, &i.ServiceTermination)
}

// Utility extends Base with service period fields.
type Utility struct {
	Base
	ServiceStartDate   StringField `json:"service_start_date"`
	ServiceEndDate     StringField `json:"service_end_date"`
	ServiceTermination BoolField   `json:"service_termination"`
}

func (u *Utility) Fields() []Field {
	return append(u.Base.Fields(),
		&u.ServiceStartDate, &u.ServiceEndDate, &u.ServiceTermination)
}

// Tax extends Base with property tax fields. property_id identifies the
// parcel and is distinct from account_number.
type Tax struct {
	Base
	TaxYear    StringField `json:"tax_year"`
	PropertyID StringField `json:"property_id"`
}

func (t *Tax) Fields() []Field {
	return append(t.Base.Fields(), &t.TaxYear, &t.PropertyID)
}
