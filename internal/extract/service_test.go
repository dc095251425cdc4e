package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/jackzampolin/billfold/internal/fault"
	"github.com/jackzampolin/billfold/internal/invoice"
	"github.com/jackzampolin/billfold/internal/prompts"
	"github.com/jackzampolin/billfold/internal/providers"
)

// stubLLM replays scripted replies in order and records every request.
type stubLLM struct {
	mu      sync.Mutex
	replies []reply
	calls   []*providers.ChatRequest
}

type reply struct {
	json   json.RawMessage
	tokens int
	err    error
}

func (s *stubLLM) GenerateObject(_ context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.replies) == 0 {
		return nil, fmt.Errorf("unexpected call %d", len(s.calls))
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	if r.err != nil {
		return &providers.ChatResult{
			Provider:     "stub",
			ModelUsed:    req.Model,
			Attempts:     1,
			TotalTokens:  r.tokens,
			ErrorMessage: r.err.Error(),
		}, r.err
	}
	return &providers.ChatResult{
		Content:     string(r.json),
		ParsedJSON:  r.json,
		TotalTokens: r.tokens,
		Provider:    "stub",
		ModelUsed:   req.Model,
		Attempts:    1,
		Success:     true,
	}, nil
}

func (s *stubLLM) Name() string               { return "stub" }
func (s *stubLLM) RequestsPerSecond() float64 { return 100 }

var _ providers.LLMClient = (*stubLLM)(nil)

func newTestService(client providers.LLMClient) *Service {
	return NewService(Config{Client: client, Model: "test-model"})
}

func stringField(v string) invoice.StringField {
	return invoice.StringField{
		Value:      invoice.Ptr(v),
		Confidence: invoice.ConfidenceHigh,
		ReasonCode: invoice.ReasonExplicitLabel,
	}
}

func numberField(v float64) invoice.NumberField {
	return invoice.NumberField{
		Value:      invoice.Ptr(v),
		Confidence: invoice.ConfidenceHigh,
		ReasonCode: invoice.ReasonExplicitLabel,
	}
}

func baseFields(t invoice.Type) invoice.Base {
	return invoice.Base{
		InvoiceType:                   t,
		InvoiceDate:                   stringField("2026-07-01"),
		InvoiceDueDate:                stringField("2026-07-31"),
		InvoiceNumber:                 stringField("INV-1001"),
		AccountNumber:                 stringField("ACCT-204"),
		VendorName:                    stringField("City Power & Light"),
		CommunityName:                 stringField("Willow Creek HOA"),
		PaymentRemittanceEntity:       stringField("City Power & Light"),
		PaymentRemittanceEntityCareOf: stringField("Payment Processing"),
		PaymentRemittanceAddress:      stringField("PO Box 120, Austin, TX 78701"),
		TotalAmountDue:                numberField(412.50),
		InvoiceCurrentDueAmount:       numberField(380.00),
		InvoicePastDueAmount:          numberField(32.50),
		InvoiceLateFeeAmount:          numberField(0),
		CreditAmount:                  numberField(0),
		Reasoning:                     "clearly labelled statement",
		ValidInput:                    true,
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal test payload: %v", err)
	}
	return b
}

func classifyReply(t invoice.Type, tokens int) reply {
	return reply{json: json.RawMessage(fmt.Sprintf(`{"invoice_type":%q}`, t)), tokens: tokens}
}

func TestExtractTwoStage(t *testing.T) {
	payload := &invoice.Extraction{Utility: &invoice.Utility{
		Base:             baseFields(invoice.TypeUtility),
		ServiceStartDate: stringField("2026-06-01"),
		ServiceEndDate:   stringField("2026-06-30"),
	}}

	stub := &stubLLM{replies: []reply{
		classifyReply(invoice.TypeUtility, 100),
		{json: mustJSON(t, payload), tokens: 250},
	}}
	svc := newTestService(stub)

	res, err := svc.Extract(context.Background(), "job-1", "# Utility Bill\n\nTotal due $412.50")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if res.InvoiceType != invoice.TypeUtility {
		t.Errorf("Extract() type = %v, want %v", res.InvoiceType, invoice.TypeUtility)
	}
	if res.TokensUsed != 350 {
		t.Errorf("Extract() tokens = %d, want 350", res.TokensUsed)
	}
	if res.Confidence == nil || *res.Confidence != 1.0 {
		t.Errorf("Extract() confidence = %v, want 1.0 for an all-high payload", res.Confidence)
	}

	var stored invoice.Extraction
	if err := json.Unmarshal(res.Data, &stored); err != nil {
		t.Fatalf("stored payload does not decode: %v", err)
	}
	if stored.Type() != invoice.TypeUtility {
		t.Errorf("stored invoice_type = %v, want utility", stored.Type())
	}

	if len(stub.calls) != 2 {
		t.Fatalf("llm called %d times, want 2", len(stub.calls))
	}
	if !strings.Contains(string(stub.calls[0].ResponseFormat.JSONSchema), "invoice_classification") {
		t.Error("first call should use the classification schema")
	}
	if !strings.Contains(string(stub.calls[1].ResponseFormat.JSONSchema), "invoice_utility") {
		t.Error("second call should use the utility schema")
	}
	userMsg := stub.calls[1].Messages[len(stub.calls[1].Messages)-1]
	if userMsg.Role != providers.RoleUser {
		t.Errorf("last message role = %q, want user", userMsg.Role)
	}
	if !strings.Contains(userMsg.Content, prompts.OCRStartMarker) ||
		!strings.Contains(userMsg.Content, prompts.OCREndMarker) {
		t.Error("user message should fence the markdown with OCR markers")
	}
}

func TestExtractTaxInvoice(t *testing.T) {
	payload := &invoice.Extraction{Tax: &invoice.Tax{
		Base:       baseFields(invoice.TypeTax),
		TaxYear:    stringField("2026"),
		PropertyID: stringField("APN-5521-003"),
	}}

	stub := &stubLLM{replies: []reply{
		classifyReply(invoice.TypeTax, 80),
		{json: mustJSON(t, payload), tokens: 300},
	}}
	svc := newTestService(stub)

	res, err := svc.Extract(context.Background(), "job-1", "# Property Tax Statement\n\nParcel # APN-5521-003")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.InvoiceType != invoice.TypeTax {
		t.Errorf("Extract() type = %v, want %v", res.InvoiceType, invoice.TypeTax)
	}
	if !strings.Contains(string(stub.calls[1].ResponseFormat.JSONSchema), "invoice_tax") {
		t.Error("second call should use the tax schema")
	}

	var stored invoice.Extraction
	if err := json.Unmarshal(res.Data, &stored); err != nil {
		t.Fatalf("stored payload does not decode: %v", err)
	}
	tax := stored.Tax
	if tax == nil {
		t.Fatal("stored payload is missing the tax envelope")
	}
	if got := *tax.TaxYear.Value; got != "2026" {
		t.Errorf("tax_year = %q, want 2026", got)
	}
	// The parcel identifier and the account number are separate fields and
	// must survive as such.
	if *tax.PropertyID.Value == *tax.AccountNumber.Value {
		t.Error("property_id collapsed into account_number")
	}
	if got := *tax.PropertyID.Value; got != "APN-5521-003" {
		t.Errorf("property_id = %q, want APN-5521-003", got)
	}
}

func TestExtractClassifyValidationDefaultsToGeneral(t *testing.T) {
	payload := &invoice.Extraction{General: invoice.Ptr(baseFields(invoice.TypeGeneral))}

	stub := &stubLLM{replies: []reply{
		{err: fault.New(fault.Validation, fault.StageLLM, "model output is not a JSON object"), tokens: 40},
		{json: mustJSON(t, payload), tokens: 200},
	}}
	svc := newTestService(stub)

	res, err := svc.Extract(context.Background(), "job-1", "# Invoice")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.InvoiceType != invoice.TypeGeneral {
		t.Errorf("Extract() type = %v, want general after classify rejection", res.InvoiceType)
	}
	if res.TokensUsed != 240 {
		t.Errorf("Extract() tokens = %d, want 240 (rejected classify still counted)", res.TokensUsed)
	}
	if len(stub.calls) != 2 {
		t.Fatalf("llm called %d times, want 2", len(stub.calls))
	}
	if !strings.Contains(string(stub.calls[1].ResponseFormat.JSONSchema), "invoice_general") {
		t.Error("fallback extraction should use the general schema")
	}
}

func TestExtractClassifyUnknownTypeDefaultsToGeneral(t *testing.T) {
	payload := &invoice.Extraction{General: invoice.Ptr(baseFields(invoice.TypeGeneral))}

	stub := &stubLLM{replies: []reply{
		{json: json.RawMessage(`{"invoice_type":"receipt"}`), tokens: 50},
		{json: mustJSON(t, payload), tokens: 200},
	}}
	svc := newTestService(stub)

	res, err := svc.Extract(context.Background(), "job-1", "# Invoice")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.InvoiceType != invoice.TypeGeneral {
		t.Errorf("Extract() type = %v, want general for out-of-enum classification", res.InvoiceType)
	}
}

func TestExtractClassifyHardErrorPropagates(t *testing.T) {
	stub := &stubLLM{replies: []reply{
		{err: fault.New(fault.Auth, fault.StageLLM, "invalid api key")},
	}}
	svc := newTestService(stub)

	_, err := svc.Extract(context.Background(), "job-1", "# Invoice")
	if err == nil {
		t.Fatal("Extract() = nil, want auth error")
	}
	if got := fault.KindOf(err); got != fault.Auth {
		t.Errorf("Extract() kind = %v, want %v", got, fault.Auth)
	}
	if len(stub.calls) != 1 {
		t.Errorf("llm called %d times, want 1 (no extraction after hard classify failure)", len(stub.calls))
	}
}

func TestExtractStageErrorPropagates(t *testing.T) {
	stub := &stubLLM{replies: []reply{
		classifyReply(invoice.TypeGeneral, 50),
		{err: fault.New(fault.Transient, fault.StageLLM, "upstream 503")},
	}}
	svc := newTestService(stub)

	_, err := svc.Extract(context.Background(), "job-1", "# Invoice")
	if err == nil {
		t.Fatal("Extract() = nil, want transient error")
	}
	if got := fault.KindOf(err); got != fault.Transient {
		t.Errorf("Extract() kind = %v, want %v", got, fault.Transient)
	}
}

func TestExtractEmptyMarkdown(t *testing.T) {
	stub := &stubLLM{}
	svc := newTestService(stub)

	_, err := svc.Extract(context.Background(), "job-1", "   \n  ")
	if err == nil {
		t.Fatal("Extract() = nil, want validation error for empty markdown")
	}
	if got := fault.KindOf(err); got != fault.Validation {
		t.Errorf("Extract() kind = %v, want %v", got, fault.Validation)
	}
	if len(stub.calls) != 0 {
		t.Errorf("llm called %d times for empty markdown, want 0", len(stub.calls))
	}
}

func TestExtractSanitizesPayload(t *testing.T) {
	base := baseFields(invoice.TypeGeneral)
	// Due date before the invoice date, and a made-up reason code.
	base.InvoiceDate = stringField("2026-07-15")
	base.InvoiceDueDate = stringField("2026-07-01")
	base.VendorName.ReasonCode = invoice.ReasonCode("vibes")
	payload := &invoice.Extraction{General: &base}

	stub := &stubLLM{replies: []reply{
		classifyReply(invoice.TypeGeneral, 50),
		{json: mustJSON(t, payload), tokens: 200},
	}}
	svc := newTestService(stub)

	res, err := svc.Extract(context.Background(), "job-1", "# Invoice")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	got := res.Extraction.Payload()
	if got.InvoiceDate.Value != nil || got.InvoiceDueDate.Value != nil {
		t.Error("conflicting dates should both be nulled")
	}
	if got.InvoiceDate.ReasonCode != invoice.ReasonConflict {
		t.Errorf("invoice_date reason = %q, want conflict", got.InvoiceDate.ReasonCode)
	}
	if got.VendorName.ReasonCode != invoice.ReasonMissing {
		t.Errorf("vendor_name reason = %q, want missing after downgrade", got.VendorName.ReasonCode)
	}
	if got.VendorName.Confidence != invoice.ConfidenceLow {
		t.Errorf("vendor_name confidence = %q, want low after downgrade", got.VendorName.Confidence)
	}
}

func TestVerify(t *testing.T) {
	t.Run("clean payload yields no notes", func(t *testing.T) {
		base := baseFields(invoice.TypeGeneral)
		ext := &invoice.Extraction{General: &base}
		invoice.Sanitize(ext)

		if notes := Verify(ext); len(notes) != 0 {
			t.Errorf("Verify() notes = %v, want none", notes)
		}
	})

	t.Run("reports invalid input flag", func(t *testing.T) {
		base := baseFields(invoice.TypeGeneral)
		base.ValidInput = false
		ext := &invoice.Extraction{General: &base}
		invoice.Sanitize(ext)

		notes := Verify(ext)
		if len(notes) != 1 || !strings.Contains(notes[0], "not a valid invoice") {
			t.Errorf("Verify() notes = %v, want the valid_input note", notes)
		}
	})

	t.Run("nil payload", func(t *testing.T) {
		if notes := Verify(nil); len(notes) != 1 {
			t.Errorf("Verify(nil) notes = %v, want one note", notes)
		}
	})
}
