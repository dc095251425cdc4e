// Package extract runs the two LLM stages that turn OCR markdown into a typed
// invoice payload: classify the invoice, then extract with the matching
// schema.
package extract

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/jackzampolin/billfold/internal/fault"
	"github.com/jackzampolin/billfold/internal/invoice"
	"github.com/jackzampolin/billfold/internal/llmcall"
	"github.com/jackzampolin/billfold/internal/metrics"
	"github.com/jackzampolin/billfold/internal/prompts"
	"github.com/jackzampolin/billfold/internal/providers"
)

// DefaultTemperature keeps generation near-deterministic.
const DefaultTemperature = 0.1

var (
	classifyFormat = mustFormat(invoice.ClassificationSchema)
	extractFormats = map[invoice.Type]*providers.ResponseFormat{
		invoice.TypeGeneral:   mustFormat(invoice.SchemaFor(invoice.TypeGeneral)),
		invoice.TypeInsurance: mustFormat(invoice.SchemaFor(invoice.TypeInsurance)),
		invoice.TypeUtility:   mustFormat(invoice.SchemaFor(invoice.TypeUtility)),
		invoice.TypeTax:       mustFormat(invoice.SchemaFor(invoice.TypeTax)),
	}
)

func mustFormat(envelope map[string]any) *providers.ResponseFormat {
	raw, err := json.Marshal(envelope)
	if err != nil {
		panic(err)
	}
	return &providers.ResponseFormat{Type: "json_schema", JSONSchema: raw}
}

// Config holds extraction service settings.
type Config struct {
	Client      providers.LLMClient
	Model       string
	Temperature float64
	MaxTokens   int
	Calls       *llmcall.Recorder
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
}

// Service drives classification and extraction against one LLM client. Safe
// for concurrent use.
type Service struct {
	client      providers.LLMClient
	model       string
	temperature float64
	maxTokens   int
	calls       *llmcall.Recorder
	metrics     *metrics.Recorder
	logger      *slog.Logger
}

// NewService creates an extraction service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	temp := cfg.Temperature
	if temp <= 0 {
		temp = DefaultTemperature
	}
	return &Service{
		client:      cfg.Client,
		model:       cfg.Model,
		temperature: temp,
		maxTokens:   cfg.MaxTokens,
		calls:       cfg.Calls,
		metrics:     cfg.Metrics,
		logger:      logger,
	}
}

// Result is a finished extraction: the typed payload, its serialized form, and
// the token total across both stages.
type Result struct {
	Extraction  *invoice.Extraction
	InvoiceType invoice.Type
	Data        json.RawMessage
	Confidence  *float64
	TokensUsed  int
}

// Extract classifies the document and extracts the matching payload. A
// classification failure classified VALIDATION falls back to the general
// schema; any other stage error propagates.
func (s *Service) Extract(ctx context.Context, jobID, markdown string) (*Result, error) {
	if strings.TrimSpace(markdown) == "" {
		return nil, fault.New(fault.Validation, fault.StageLLM, "ocr markdown is empty")
	}

	invoiceType, classifyTokens, err := s.classify(ctx, jobID, markdown)
	if err != nil {
		return nil, err
	}

	ext, extractTokens, err := s.extractPayload(ctx, jobID, invoiceType, markdown)
	if err != nil {
		return nil, err
	}

	if notes := invoice.Sanitize(ext); len(notes) > 0 {
		s.logger.Info("post-checks adjusted extracted payload",
			"job_id", jobID,
			"invoice_type", string(invoiceType),
			"notes", strings.Join(notes, "; "))
	}

	data, err := json.Marshal(ext)
	if err != nil {
		return nil, fault.Wrap(fault.Unknown, fault.StageLLM, err, "encode extracted payload")
	}

	return &Result{
		Extraction:  ext,
		InvoiceType: ext.Type(),
		Data:        data,
		Confidence:  invoice.OverallConfidence(ext),
		TokensUsed:  classifyTokens + extractTokens,
	}, nil
}

// classify runs stage 1. Validation-class failures (unparseable or
// out-of-enum output) fall back to the general type so a noisy document still
// gets extracted; every other error kind propagates and fails the job.
func (s *Service) classify(ctx context.Context, jobID, markdown string) (invoice.Type, int, error) {
	result, err := s.generate(ctx, jobID, prompts.ClassifyKey, prompts.ClassifyPrompt(markdown), classifyFormat)
	if err != nil {
		if fault.KindOf(err) != fault.Validation {
			return "", tokensOf(result), err
		}
		s.logger.Warn("classification output rejected, defaulting to general",
			"job_id", jobID, "error", fault.PersistableMessage(err))
		return invoice.TypeGeneral, tokensOf(result), nil
	}

	var cls invoice.ClassificationResult
	if uErr := json.Unmarshal(result.ParsedJSON, &cls); uErr != nil {
		s.logger.Warn("classification output rejected, defaulting to general",
			"job_id", jobID, "error", uErr)
		return invoice.TypeGeneral, result.TotalTokens, nil
	}
	t, ok := invoice.ParseType(cls.InvoiceType)
	if !ok {
		s.logger.Warn("classification returned unknown type, defaulting to general",
			"job_id", jobID, "invoice_type", cls.InvoiceType)
		return invoice.TypeGeneral, result.TotalTokens, nil
	}
	return t, result.TotalTokens, nil
}

func (s *Service) extractPayload(ctx context.Context, jobID string, t invoice.Type, markdown string) (*invoice.Extraction, int, error) {
	result, err := s.generate(ctx, jobID, prompts.ExtractKey(t), prompts.ExtractPrompt(t, markdown), extractFormats[t])
	if err != nil {
		return nil, tokensOf(result), err
	}

	ext, err := invoice.ParseExtraction(result.ParsedJSON)
	if err != nil {
		return nil, result.TotalTokens, fault.Wrap(fault.Validation, fault.StageLLM, err,
			"model output does not decode into the %s payload", t)
	}
	return ext, result.TotalTokens, nil
}

// generate performs one recorded LLM call.
func (s *Service) generate(ctx context.Context, jobID, promptKey string, messages []prompts.Message, format *providers.ResponseFormat) (*providers.ChatResult, error) {
	req := &providers.ChatRequest{
		Messages:       toProviderMessages(messages),
		Model:          s.model,
		Temperature:    s.temperature,
		MaxTokens:      s.maxTokens,
		ResponseFormat: format,
	}
	result, err := s.client.GenerateObject(ctx, req)
	s.calls.Record(ctx, result, llmcall.RecordOptions{
		JobID:       jobID,
		PromptKey:   promptKey,
		Temperature: s.temperature,
	})
	stage := metrics.StageExtract
	if promptKey == prompts.ClassifyKey {
		stage = metrics.StageClassify
	}
	s.metrics.RecordChat(ctx, jobID, stage, result)
	return result, err
}

func toProviderMessages(msgs []prompts.Message) []providers.Message {
	out := make([]providers.Message, len(msgs))
	for i, m := range msgs {
		out[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func tokensOf(r *providers.ChatResult) int {
	if r == nil {
		return 0
	}
	return r.TotalTokens
}

// Verify re-runs the deterministic post-checks on a payload about to be
// completed. A clean payload yields no notes; valid_input=false is reported
// but does not fail the job, the flag travels with the stored record.
func Verify(ext *invoice.Extraction) []string {
	if ext == nil {
		return []string{"no payload to verify"}
	}
	notes := invoice.Sanitize(ext)
	if p := ext.Payload(); p != nil && !p.ValidInput {
		notes = append(notes, "model flagged document as not a valid invoice")
	}
	return notes
}
