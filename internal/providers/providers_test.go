package providers

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackzampolin/billfold/internal/fault"
)

func TestMockClient(t *testing.T) {
	t.Run("generate object", func(t *testing.T) {
		c := NewMockClient()
		c.ResponseText = "hello world"

		result, err := c.GenerateObject(context.Background(), &ChatRequest{
			Model: "test-model",
			Messages: []Message{
				{Role: RoleUser, Content: "test"},
			},
		})

		if err != nil {
			t.Fatalf("GenerateObject() error = %v", err)
		}
		if !result.Success {
			t.Errorf("Success = false, want true")
		}
		if result.Content != "hello world" {
			t.Errorf("Content = %q, want %q", result.Content, "hello world")
		}
		if c.RequestCount() != 1 {
			t.Errorf("RequestCount = %d, want 1", c.RequestCount())
		}
	})

	t.Run("structured output", func(t *testing.T) {
		c := NewMockClient()
		c.ResponseJSON = json.RawMessage(`{"key": "value"}`)

		result, err := c.GenerateObject(context.Background(), &ChatRequest{
			Messages: []Message{{Role: RoleUser, Content: "test"}},
			ResponseFormat: &ResponseFormat{
				Type: "json_schema",
			},
		})

		if err != nil {
			t.Fatalf("GenerateObject() error = %v", err)
		}
		if result.ParsedJSON == nil {
			t.Error("expected ParsedJSON")
		}
	})

	t.Run("queued responses consumed in order", func(t *testing.T) {
		c := NewMockClient()
		c.Responses = []json.RawMessage{
			json.RawMessage(`{"invoice_type":"utility"}`),
			json.RawMessage(`{"vendor_name":"Acme Water"}`),
		}

		first, err := c.GenerateObject(context.Background(), &ChatRequest{
			Messages:       []Message{{Role: RoleUser, Content: "classify"}},
			ResponseFormat: &ResponseFormat{Type: "json_schema"},
		})
		if err != nil {
			t.Fatalf("first GenerateObject() error = %v", err)
		}
		second, err := c.GenerateObject(context.Background(), &ChatRequest{
			Messages:       []Message{{Role: RoleUser, Content: "extract"}},
			ResponseFormat: &ResponseFormat{Type: "json_schema"},
		})
		if err != nil {
			t.Fatalf("second GenerateObject() error = %v", err)
		}

		if string(first.ParsedJSON) != `{"invoice_type":"utility"}` {
			t.Errorf("first = %s", first.ParsedJSON)
		}
		if string(second.ParsedJSON) != `{"vendor_name":"Acme Water"}` {
			t.Errorf("second = %s", second.ParsedJSON)
		}
	})

	t.Run("failure", func(t *testing.T) {
		c := NewMockClient()
		c.ShouldFail = true

		result, err := c.GenerateObject(context.Background(), &ChatRequest{})
		if err == nil {
			t.Error("expected error, got nil")
		}
		if result.Success {
			t.Error("expected Success = false")
		}
	})

	t.Run("fail after N", func(t *testing.T) {
		c := NewMockClient()
		c.FailAfter = 2

		// First two should succeed
		_, err := c.GenerateObject(context.Background(), &ChatRequest{})
		if err != nil {
			t.Fatalf("first request should succeed: %v", err)
		}
		_, err = c.GenerateObject(context.Background(), &ChatRequest{})
		if err != nil {
			t.Fatalf("second request should succeed: %v", err)
		}

		// Third should fail
		_, err = c.GenerateObject(context.Background(), &ChatRequest{})
		if err == nil {
			t.Error("third request should fail")
		}
	})

	t.Run("respects cancellation", func(t *testing.T) {
		c := NewMockClient()
		c.Latency = 5 * time.Second

		ctx, cancel := context.WithCancel(context.Background())
		cancel() // Cancel immediately

		_, err := c.GenerateObject(ctx, &ChatRequest{})
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestMockOCRProvider(t *testing.T) {
	t.Run("extract", func(t *testing.T) {
		p := NewMockOCRProvider()
		p.ResponseMarkdown = "extracted text"

		result, err := p.Extract(context.Background(), "https://docs.example.com/invoice.pdf")

		if err != nil {
			t.Fatalf("Extract() error = %v", err)
		}
		if result.Markdown != "extracted text" {
			t.Errorf("Markdown = %q", result.Markdown)
		}
		if result.Pages == nil || *result.Pages != 1 {
			t.Errorf("Pages = %v, want 1", result.Pages)
		}
	})

	t.Run("url error spares data references", func(t *testing.T) {
		p := NewMockOCRProvider()
		p.URLError = fault.New(fault.Validation, fault.StageOCR, "could not determine document type")

		if _, err := p.Extract(context.Background(), "https://docs.example.com/invoice.pdf"); err == nil {
			t.Error("expected error for URL reference")
		}
		if _, err := p.Extract(context.Background(), PDFDataURL([]byte("pdf"))); err != nil {
			t.Errorf("data reference should succeed: %v", err)
		}

		refs := p.Refs()
		if len(refs) != 2 {
			t.Fatalf("Refs() length = %d, want 2", len(refs))
		}
		if !IsDataURL(refs[1]) {
			t.Error("second ref should be a data reference")
		}
	})
}

func TestRateLimiter(t *testing.T) {
	t.Run("allows initial requests", func(t *testing.T) {
		limiter := NewRateLimiter(10)

		// Should allow 5 requests quickly
		start := time.Now()
		for i := 0; i < 5; i++ {
			if err := limiter.Wait(context.Background()); err != nil {
				t.Fatalf("request %d failed: %v", i, err)
			}
		}
		elapsed := time.Since(start)

		// Should complete quickly since we have burst capacity
		if elapsed > time.Second {
			t.Errorf("took too long: %v", elapsed)
		}
	})

	t.Run("try consume", func(t *testing.T) {
		limiter := NewRateLimiter(1)

		// Should succeed initially
		if !limiter.TryConsume() {
			t.Error("first TryConsume should succeed")
		}
		// Bucket is drained now
		if limiter.TryConsume() {
			t.Error("second TryConsume should fail")
		}
	})

	t.Run("status", func(t *testing.T) {
		limiter := NewRateLimiter(60.0)

		status := limiter.Status()

		if status.RPS != 60.0 {
			t.Errorf("RPS = %f, want 60.0", status.RPS)
		}
		if status.TokensAvailable <= 0 {
			t.Error("expected positive tokens available")
		}
	})

	t.Run("record 429", func(t *testing.T) {
		limiter := NewRateLimiter(60)

		limiter.Record429(time.Second)

		status := limiter.Status()
		if status.Last429Time.IsZero() {
			t.Error("Last429Time should be set")
		}
	})

	t.Run("respects cancellation", func(t *testing.T) {
		// Create limiter with very low rate
		limiter := NewRateLimiter(1)

		// Consume the one allowed token
		limiter.Wait(context.Background())

		// Cancel context immediately
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := limiter.Wait(ctx)
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("concurrent requests", func(t *testing.T) {
		limiter := NewRateLimiter(100)

		var wg sync.WaitGroup
		var errors atomic.Int32

		// Fire 10 concurrent requests
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := limiter.Wait(context.Background()); err != nil {
					errors.Add(1)
				}
			}()
		}

		wg.Wait()

		if errors.Load() > 0 {
			t.Errorf("had %d errors", errors.Load())
		}

		status := limiter.Status()
		if status.TotalConsumed != 10 {
			t.Errorf("TotalConsumed = %d, want 10", status.TotalConsumed)
		}
	})
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("5"); got != 5*time.Second {
		t.Errorf("parseRetryAfter(5) = %v, want 5s", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("parseRetryAfter(empty) = %v, want 0", got)
	}
	if got := parseRetryAfter("garbage"); got != 0 {
		t.Errorf("parseRetryAfter(garbage) = %v, want 0", got)
	}
}
