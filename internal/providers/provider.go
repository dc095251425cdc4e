package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// Message roles understood by LLM providers.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message represents a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat specifies structured output requirements for a request.
// JSONSchema carries the full {"type":"json_schema","json_schema":{...}}
// envelope; clients unwrap it for their wire format and validate returned
// JSON against the inner schema before handing it back.
type ResponseFormat struct {
	Type       string          `json:"type"` // "json_schema"
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// ChatRequest is a provider-agnostic structured generation request.
type ChatRequest struct {
	Messages       []Message       `json:"messages"`
	Model          string          `json:"model,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	// RequestID for tracking (not sent to provider)
	RequestID string `json:"-"`
}

// ChatResult contains the response from a generation request.
type ChatResult struct {
	Content    string          `json:"content"`
	ParsedJSON json.RawMessage `json:"parsed_json,omitempty"`

	// Token usage
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// Cost tracking
	CostUSD float64 `json:"cost_usd"`

	// Timing
	ExecutionTime time.Duration `json:"execution_time"`

	// Request metadata
	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`
	RequestID string `json:"request_id"`
	Attempts  int    `json:"attempts"`

	// Error info (if failed)
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// LLMClient is the interface for hosted structured-output chat models.
type LLMClient interface {
	// GenerateObject requests a JSON object conforming to the request's
	// response format. Implementations parse and validate the returned
	// content against the schema before returning it; content that fails
	// validation surfaces as a VALIDATION error with a truncated sample.
	GenerateObject(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// Name returns the provider identifier.
	Name() string

	// RequestsPerSecond returns the rate limit.
	RequestsPerSecond() float64
}

// OCRResult contains the markdown extracted from one PDF.
type OCRResult struct {
	Markdown   string  `json:"markdown"`
	Pages      *int    `json:"pages,omitempty"`
	DurationMS int     `json:"duration_ms"`
	Provider   string  `json:"provider"`
	CostUSD    float64 `json:"cost_usd"`
	Attempts   int     `json:"attempts"`
}

// OCRProvider is the interface for PDF text extraction.
type OCRProvider interface {
	// Extract runs OCR against a PDF reference. The reference is either an
	// https URL or an inline data reference (data:application/pdf;base64,...).
	Extract(ctx context.Context, pdfRef string) (*OCRResult, error)

	// Name returns the provider identifier.
	Name() string

	// RequestsPerSecond returns the rate limit.
	RequestsPerSecond() float64
}

// PDFDataURLPrefix is the inline data reference prefix for PDF bytes.
const PDFDataURLPrefix = "data:application/pdf;base64,"

// PDFDataURL encodes raw PDF bytes as an inline data reference.
func PDFDataURL(pdf []byte) string {
	return PDFDataURLPrefix + base64.StdEncoding.EncodeToString(pdf)
}

// IsDataURL reports whether a PDF reference inlines the document bytes
// rather than pointing at a remote URL.
func IsDataURL(ref string) bool {
	return strings.HasPrefix(ref, "data:")
}
