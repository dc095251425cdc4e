package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const MockClientName = "mock"

// MockClient is an LLMClient for testing.
type MockClient struct {
	// Configurable behavior
	Latency      time.Duration
	ShouldFail   bool
	FailWith     error // Error to return when failing (nil = generic)
	FailAfter    int   // Fail after N requests (0 = never)
	ResponseText string
	ResponseJSON json.RawMessage

	// Responses are consumed in order, one per request, before falling
	// back to ResponseJSON. Useful for classify-then-extract flows.
	Responses []json.RawMessage

	// Rate limiting
	RPS float64

	// State
	mu           sync.Mutex
	requestCount atomic.Int64
}

// NewMockClient creates a new mock client with sensible defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		Latency:      time.Millisecond,
		ResponseText: "mock response",
		RPS:          100,
	}
}

// Name returns the client identifier.
func (c *MockClient) Name() string {
	return MockClientName
}

// RequestsPerSecond returns the rate limit.
func (c *MockClient) RequestsPerSecond() float64 {
	return c.RPS
}

// GenerateObject returns the configured mock response.
func (c *MockClient) GenerateObject(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()
	count := c.requestCount.Add(1)

	result := &ChatResult{
		RequestID: fmt.Sprintf("mock-%d", count),
		Provider:  MockClientName,
		ModelUsed: req.Model,
		Attempts:  1,
	}

	fail := func(err error) (*ChatResult, error) {
		result.Success = false
		result.ErrorMessage = err.Error()
		result.ExecutionTime = time.Since(start)
		return result, err
	}

	if c.ShouldFail {
		if c.FailWith != nil {
			return fail(c.FailWith)
		}
		return fail(fmt.Errorf("mock client configured to fail"))
	}
	if c.FailAfter > 0 && int(count) > c.FailAfter {
		if c.FailWith != nil {
			return fail(c.FailWith)
		}
		return fail(fmt.Errorf("mock client failed after %d requests", c.FailAfter))
	}

	// Simulate latency
	select {
	case <-time.After(c.Latency):
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	content := c.ResponseText
	payload := c.nextResponse()
	if len(payload) > 0 {
		content = string(payload)
	}

	result.Success = true
	result.Content = content
	result.ExecutionTime = time.Since(start)

	// Simulate token counting
	promptTokens := 0
	for _, m := range req.Messages {
		promptTokens += len(m.Content) / 4 // Rough estimate
	}
	completionTokens := len(content) / 4

	result.PromptTokens = promptTokens
	result.CompletionTokens = completionTokens
	result.TotalTokens = promptTokens + completionTokens
	result.CostUSD = 0.001 // Mock cost

	if req.ResponseFormat != nil && len(payload) > 0 {
		result.ParsedJSON = payload
	}

	return result, nil
}

func (c *MockClient) nextResponse() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Responses) > 0 {
		next := c.Responses[0]
		c.Responses = c.Responses[1:]
		return next
	}
	return c.ResponseJSON
}

// RequestCount returns the number of requests made.
func (c *MockClient) RequestCount() int64 {
	return c.requestCount.Load()
}

// Reset resets the request counter.
func (c *MockClient) Reset() {
	c.requestCount.Store(0)
}

// Verify interface
var _ LLMClient = (*MockClient)(nil)

// MockOCRProvider is an OCRProvider for testing.
type MockOCRProvider struct {
	ProviderName     string
	Latency          time.Duration
	ShouldFail       bool
	FailWith         error // Error to return when failing (nil = generic)
	FailAfter        int
	URLError         error // Returned for URL refs only; data refs succeed
	ResponseMarkdown string
	PagesCount       int
	RPS              float64

	mu           sync.Mutex
	refs         []string
	requestCount atomic.Int64
}

// NewMockOCRProvider creates a new mock OCR provider.
func NewMockOCRProvider() *MockOCRProvider {
	return &MockOCRProvider{
		ProviderName:     "mock-ocr",
		Latency:          time.Millisecond,
		ResponseMarkdown: "# Invoice\n\nmock OCR text",
		PagesCount:       1,
		RPS:              10.0,
	}
}

// Name returns the provider identifier.
func (p *MockOCRProvider) Name() string {
	return p.ProviderName
}

// RequestsPerSecond returns the rate limit.
func (p *MockOCRProvider) RequestsPerSecond() float64 {
	return p.RPS
}

// Extract returns the configured mock markdown.
func (p *MockOCRProvider) Extract(ctx context.Context, pdfRef string) (*OCRResult, error) {
	start := time.Now()
	count := p.requestCount.Add(1)

	p.mu.Lock()
	p.refs = append(p.refs, pdfRef)
	p.mu.Unlock()

	result := &OCRResult{
		Provider: p.ProviderName,
		Attempts: 1,
	}

	fail := func(err error) (*OCRResult, error) {
		result.DurationMS = int(time.Since(start).Milliseconds())
		return result, err
	}

	if p.ShouldFail {
		if p.FailWith != nil {
			return fail(p.FailWith)
		}
		return fail(fmt.Errorf("mock OCR provider configured to fail"))
	}
	if p.FailAfter > 0 && int(count) > p.FailAfter {
		if p.FailWith != nil {
			return fail(p.FailWith)
		}
		return fail(fmt.Errorf("mock OCR provider failed after %d requests", p.FailAfter))
	}
	if p.URLError != nil && !IsDataURL(pdfRef) {
		return fail(p.URLError)
	}

	// Simulate latency
	select {
	case <-time.After(p.Latency):
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	pages := p.PagesCount
	result.Markdown = p.ResponseMarkdown
	result.Pages = &pages
	result.DurationMS = int(time.Since(start).Milliseconds())
	result.CostUSD = 0.001

	return result, nil
}

// Refs returns every PDF reference this provider has seen, in call order.
func (p *MockOCRProvider) Refs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.refs))
	copy(out, p.refs)
	return out
}

// RequestCount returns the number of requests made.
func (p *MockOCRProvider) RequestCount() int64 {
	return p.requestCount.Load()
}

// Reset resets the request counter.
func (p *MockOCRProvider) Reset() {
	p.requestCount.Store(0)
	p.mu.Lock()
	p.refs = nil
	p.mu.Unlock()
}

// Verify interface
var _ OCRProvider = (*MockOCRProvider)(nil)
