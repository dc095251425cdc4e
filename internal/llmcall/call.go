// Package llmcall records every LLM API call for traceability. Each
// classify or extract call lands as one row with its prompt key, token
// usage, latency, and outcome.
package llmcall

import (
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/billfold/internal/providers"
)

// Call is a recorded LLM API call.
type Call struct {
	ID string `json:"id"`

	// Attribution
	JobID     string `json:"job_id"`
	PromptKey string `json:"prompt_key"`

	// Model info
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`

	// Token usage and cost
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`

	// Timing and retries
	DurationMS int `json:"duration_ms"`
	Attempts   int `json:"attempts"`

	// Status
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RecordOptions provides context for recording an LLM call.
type RecordOptions struct {
	JobID       string
	PromptKey   string
	Temperature float64
}

// FromChatResult creates a Call from a ChatResult. Returns nil if result is
// nil.
func FromChatResult(result *providers.ChatResult, opts RecordOptions) *Call {
	if result == nil {
		return nil
	}

	call := &Call{
		ID:               uuid.New().String(),
		JobID:            opts.JobID,
		PromptKey:        opts.PromptKey,
		Provider:         result.Provider,
		Model:            result.ModelUsed,
		Temperature:      opts.Temperature,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.TotalTokens,
		CostUSD:          result.CostUSD,
		DurationMS:       int(result.ExecutionTime.Milliseconds()),
		Attempts:         result.Attempts,
		Success:          result.Success,
	}
	if !result.Success {
		call.Error = result.ErrorMessage
	}
	return call
}
