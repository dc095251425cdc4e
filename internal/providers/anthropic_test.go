package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jackzampolin/billfold/internal/fault"
)

func anthropicMessageJSON(content string, inputTokens, outputTokens int) map[string]any {
	return map[string]any{
		"id":          "msg_test",
		"type":        "message",
		"role":        "assistant",
		"model":       "claude-sonnet-4-20250514",
		"stop_reason": "end_turn",
		"content": []map[string]any{
			{"type": "text", "text": content},
		},
		"usage": map[string]any{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		},
	}
}

func TestAnthropicClient_GenerateObject(t *testing.T) {
	t.Run("schema embedded in system prompt", func(t *testing.T) {
		var gotBody map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(anthropicMessageJSON(`{"invoice_type":"insurance"}`, 200, 12))
		}))
		defer server.Close()

		client := NewAnthropicClient(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL})

		result, err := client.GenerateObject(context.Background(), &ChatRequest{
			Messages: []Message{
				{Role: RoleSystem, Content: "classify the invoice"},
				{Role: RoleUser, Content: "some markdown"},
			},
			ResponseFormat: &ResponseFormat{
				Type:       "json_schema",
				JSONSchema: json.RawMessage(testTypeSchema),
			},
		})
		if err != nil {
			t.Fatalf("GenerateObject() error = %v", err)
		}
		if string(result.ParsedJSON) != `{"invoice_type":"insurance"}` {
			t.Errorf("ParsedJSON = %s", result.ParsedJSON)
		}
		if result.PromptTokens != 200 || result.CompletionTokens != 12 {
			t.Errorf("tokens = %d/%d, want 200/12", result.PromptTokens, result.CompletionTokens)
		}

		raw, _ := json.Marshal(gotBody["system"])
		system := string(raw)
		if !strings.Contains(system, "classify the invoice") {
			t.Error("system prompt missing caller content")
		}
		if !strings.Contains(system, "JSON Schema") {
			t.Error("system prompt missing schema instruction")
		}
		if _, hasRF := gotBody["response_format"]; hasRF {
			t.Error("anthropic request must not carry response_format")
		}
	})

	t.Run("repair loop recovers invalid output", func(t *testing.T) {
		var calls atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				json.NewEncoder(w).Encode(anthropicMessageJSON(`{"invoice_type":"not-a-type"}`, 100, 10))
				return
			}
			json.NewEncoder(w).Encode(anthropicMessageJSON(`{"invoice_type":"tax"}`, 150, 8))
		}))
		defer server.Close()

		client := NewAnthropicClient(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL})

		result, err := client.GenerateObject(context.Background(), &ChatRequest{
			Messages: []Message{{Role: RoleUser, Content: "markdown"}},
			ResponseFormat: &ResponseFormat{
				Type:       "json_schema",
				JSONSchema: json.RawMessage(testTypeSchema),
			},
		})
		if err != nil {
			t.Fatalf("GenerateObject() error = %v", err)
		}
		if calls.Load() != 2 {
			t.Errorf("calls = %d, want 2", calls.Load())
		}
		if string(result.ParsedJSON) != `{"invoice_type":"tax"}` {
			t.Errorf("ParsedJSON = %s", result.ParsedJSON)
		}
		// Usage accumulates across the repair round trip.
		if result.PromptTokens != 250 {
			t.Errorf("PromptTokens = %d, want 250", result.PromptTokens)
		}
	})

	t.Run("persistent violation surfaces validation error", func(t *testing.T) {
		var calls atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			json.NewEncoder(w).Encode(anthropicMessageJSON("not json at all", 10, 4))
		}))
		defer server.Close()

		client := NewAnthropicClient(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL})

		_, err := client.GenerateObject(context.Background(), &ChatRequest{
			Messages: []Message{{Role: RoleUser, Content: "markdown"}},
			ResponseFormat: &ResponseFormat{
				Type:       "json_schema",
				JSONSchema: json.RawMessage(testTypeSchema),
			},
		})
		if err == nil {
			t.Fatal("expected validation error")
		}
		if got := fault.KindOf(err); got != fault.Validation {
			t.Errorf("KindOf(err) = %v, want %v", got, fault.Validation)
		}
		// Initial call plus bounded repair attempts.
		if calls.Load() != int64(1+maxStructuredRepairAttempts) {
			t.Errorf("calls = %d, want %d", calls.Load(), 1+maxStructuredRepairAttempts)
		}
	})

	t.Run("quota error classified", func(t *testing.T) {
		var calls atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"type":  "error",
				"error": map[string]any{"type": "rate_limit_error", "message": "rate limited"},
			})
		}))
		defer server.Close()

		client := NewAnthropicClient(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL})

		_, err := client.GenerateObject(context.Background(), &ChatRequest{
			Messages: []Message{{Role: RoleUser, Content: "markdown"}},
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if got := fault.KindOf(err); got != fault.Quota {
			t.Errorf("KindOf(err) = %v, want %v", got, fault.Quota)
		}
		// QUOTA is retried exactly once before surfacing.
		if calls.Load() != 2 {
			t.Errorf("calls = %d, want 2", calls.Load())
		}
	})
}
