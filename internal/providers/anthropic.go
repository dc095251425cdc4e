package providers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/jackzampolin/billfold/internal/fault"
)

const (
	AnthropicName         = "anthropic"
	AnthropicDefaultModel = "claude-sonnet-4-20250514"

	// USD per 1M tokens for the Sonnet family.
	anthropicInputCostPer1M  = 3.00
	anthropicOutputCostPer1M = 15.00
)

// AnthropicConfig holds configuration for the Anthropic structured-output client.
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	RateLimit   float64       // Requests per second
	Timeout     time.Duration // Per-attempt HTTP timeout
	HTTPClient  *http.Client  // Optional (tests)
	Logger      *slog.Logger
}

// AnthropicClient implements LLMClient using the official Anthropic SDK.
// The Messages API has no json_schema response format, so the schema is
// embedded in the system prompt and the output validated locally, with a
// bounded repair loop on violations.
type AnthropicClient struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	rateLimit   float64
	limiter     *RateLimiter
	client      anthropic.Client
	logger      *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.Model == "" {
		cfg.Model = AnthropicDefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5.0
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		apiKey:      cfg.APIKey,
		baseURL:     cfg.BaseURL,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		rateLimit:   cfg.RateLimit,
		limiter:     NewRateLimiter(cfg.RateLimit),
		client:      anthropic.NewClient(opts...),
		logger:      cfg.Logger,
	}
}

// Name returns the provider identifier.
func (c *AnthropicClient) Name() string {
	return AnthropicName
}

// RequestsPerSecond returns the configured rate limit.
func (c *AnthropicClient) RequestsPerSecond() float64 {
	return c.rateLimit
}

// Model returns the configured default model.
func (c *AnthropicClient) Model() string {
	return c.model
}

// GenerateObject sends a structured generation request, validating the
// returned JSON locally against the requested schema.
func (c *AnthropicClient) GenerateObject(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	result := &ChatResult{
		RequestID: requestID,
		Provider:  AnthropicName,
		Attempts:  1,
	}

	var systemParts []string
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			systemParts = append(systemParts, m.Content)
			continue
		}
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
	}

	var spec *structuredSpec
	if req.ResponseFormat != nil && len(req.ResponseFormat.JSONSchema) > 0 {
		var err error
		spec, err = extractStructuredSpec(req.ResponseFormat.JSONSchema)
		if err != nil {
			err = fault.Wrap(fault.Validation, fault.StageLLM, err, "invalid response format")
			return failChatResult(result, start, err), err
		}
		systemParts = append(systemParts,
			"Respond with a single raw JSON object that strictly conforms to this JSON Schema. No markdown fences, no commentary.\n\nSchema:\n"+string(spec.Schema))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if temperature > 0 {
		params.Temperature = anthropic.Float(temperature)
	}
	if len(systemParts) > 0 {
		params.System = []anthropic.TextBlockParam{
			{Text: strings.Join(systemParts, "\n\n")},
		}
	}

	content, attempts, err := c.invoke(ctx, &params, result)
	result.Attempts = attempts
	if err != nil {
		return failChatResult(result, start, err), err
	}
	result.Content = content
	result.ModelUsed = model

	if req.ResponseFormat != nil {
		parsed, vErr := parseAndValidate(req.ResponseFormat, content)
		for repair := 0; vErr != nil && spec != nil && repair < maxStructuredRepairAttempts; repair++ {
			params.Messages = append(params.Messages,
				anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)),
				anthropic.NewUserMessage(anthropic.NewTextBlock(structuredRepairPrompt(spec.Schema, content, vErr))),
			)
			content, attempts, err = c.invoke(ctx, &params, result)
			result.Attempts += attempts
			if err != nil {
				return failChatResult(result, start, err), err
			}
			result.Content = content
			parsed, vErr = parseAndValidate(req.ResponseFormat, content)
		}
		if vErr != nil {
			return failChatResult(result, start, vErr), vErr
		}
		result.ParsedJSON = parsed
	}

	result.Success = true
	result.ExecutionTime = time.Since(start)
	return result, nil
}

// invoke performs one Messages API round-trip under the shared retry
// schedule and accumulates usage into result.
func (c *AnthropicClient) invoke(ctx context.Context, params *anthropic.MessageNewParams, result *ChatResult) (string, int, error) {
	var msg *anthropic.Message
	attempts, err := Retry(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fault.WithStage(fault.StageLLM, err)
		}
		m, callErr := c.client.Messages.New(ctx, *params)
		if callErr != nil {
			return c.classify(callErr)
		}
		msg = m
		return nil
	})
	if err != nil {
		return "", attempts, err
	}

	result.PromptTokens += int(msg.Usage.InputTokens)
	result.CompletionTokens += int(msg.Usage.OutputTokens)
	result.TotalTokens = result.PromptTokens + result.CompletionTokens
	result.CostUSD += float64(msg.Usage.InputTokens)*anthropicInputCostPer1M/1e6 +
		float64(msg.Usage.OutputTokens)*anthropicOutputCostPer1M/1e6

	var sb strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(variant.Text)
		}
	}
	return sb.String(), attempts, nil
}

// classify maps SDK errors to the shared taxonomy.
func (c *AnthropicClient) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			retryAfter := time.Duration(0)
			if apiErr.Response != nil {
				retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
			}
			c.limiter.Record429(retryAfter)
		}
		kind := fault.ClassifyHTTP(apiErr.StatusCode, apiErr.Error())
		return fault.Wrap(kind, fault.StageLLM, err, "anthropic chat error (status %d)", apiErr.StatusCode)
	}
	return fault.Wrap(fault.ClassifyTransport(err), fault.StageLLM, err, "anthropic request failed")
}

// Verify interface
var _ LLMClient = (*AnthropicClient)(nil)
