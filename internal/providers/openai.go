package providers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/jackzampolin/billfold/internal/fault"
)

const (
	OpenAIName         = "openai"
	OpenAIDefaultModel = "gpt-4o-2024-08-06"

	// USD per 1M tokens for the gpt-4o family; chat completions report
	// usage but not billing.
	openAIInputCostPer1M  = 2.50
	openAIOutputCostPer1M = 10.00
)

// OpenAIConfig holds configuration for the OpenAI structured-output client.
type OpenAIConfig struct {
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

// OpenAIClient implements LLMClient using the official OpenAI SDK with
// native json_schema response formats.
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	rateLimit   float64
	limiter     *RateLimiter
	client      openai.Client
	logger      *slog.Logger
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = OpenAIDefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 8.0
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

	// Retries are driven by the shared schedule, not the SDK.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		apiKey:      cfg.APIKey,
		baseURL:     cfg.BaseURL,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		rateLimit:   cfg.RateLimit,
		limiter:     NewRateLimiter(cfg.RateLimit),
		client:      openai.NewClient(opts...),
		logger:      cfg.Logger,
	}
}

// Name returns the provider identifier.
func (c *OpenAIClient) Name() string {
	return OpenAIName
}

// RequestsPerSecond returns the configured rate limit.
func (c *OpenAIClient) RequestsPerSecond() float64 {
	return c.rateLimit
}

// Model returns the configured default model.
func (c *OpenAIClient) Model() string {
	return c.model
}

// GenerateObject sends a structured generation request and validates the
// response against the requested schema.
func (c *OpenAIClient) GenerateObject(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
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
		Provider:  OpenAIName,
		Attempts:  1,
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)),
	}
	if temperature > 0 {
		params.Temperature = openai.Float(temperature)
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	if req.ResponseFormat != nil && len(req.ResponseFormat.JSONSchema) > 0 {
		spec, err := extractStructuredSpec(req.ResponseFormat.JSONSchema)
		if err != nil {
			err = fault.Wrap(fault.Validation, fault.StageLLM, err, "invalid response format")
			return failChatResult(result, start, err), err
		}
		var schemaDoc any
		if err := json.Unmarshal(spec.Schema, &schemaDoc); err != nil {
			err = fault.Wrap(fault.Validation, fault.StageLLM, err, "invalid response schema")
			return failChatResult(result, start, err), err
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   spec.Name,
					Strict: openai.Bool(spec.Strict),
					Schema: schemaDoc,
				},
			},
		}
	}

	var resp *openai.ChatCompletion
	attempts, err := Retry(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fault.WithStage(fault.StageLLM, err)
		}
		r, callErr := c.client.Chat.Completions.New(ctx, params)
		if callErr != nil {
			return c.classify(callErr)
		}
		resp = r
		return nil
	})
	result.Attempts = attempts
	if err != nil {
		return failChatResult(result, start, err), err
	}

	if len(resp.Choices) == 0 {
		err := fault.New(fault.Transient, fault.StageLLM, "no choices in response")
		return failChatResult(result, start, err), err
	}

	content := resp.Choices[0].Message.Content
	result.Content = content
	result.ModelUsed = resp.Model
	result.PromptTokens = int(resp.Usage.PromptTokens)
	result.CompletionTokens = int(resp.Usage.CompletionTokens)
	result.TotalTokens = int(resp.Usage.TotalTokens)
	result.CostUSD = float64(resp.Usage.PromptTokens)*openAIInputCostPer1M/1e6 +
		float64(resp.Usage.CompletionTokens)*openAIOutputCostPer1M/1e6

	if req.ResponseFormat != nil {
		parsed, vErr := parseAndValidate(req.ResponseFormat, content)
		if vErr != nil {
			return failChatResult(result, start, vErr), vErr
		}
		result.ParsedJSON = parsed
	}

	result.Success = true
	result.ExecutionTime = time.Since(start)
	return result, nil
}

// classify maps SDK errors to the shared taxonomy.
func (c *OpenAIClient) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			retryAfter := time.Duration(0)
			if apiErr.Response != nil {
				retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
			}
			c.limiter.Record429(retryAfter)
		}
		kind := fault.ClassifyHTTP(apiErr.StatusCode, apiErr.Message)
		return fault.Wrap(kind, fault.StageLLM, err, "openai chat error (status %d)", apiErr.StatusCode)
	}
	return fault.Wrap(fault.ClassifyTransport(err), fault.StageLLM, err, "openai request failed")
}

func failChatResult(result *ChatResult, start time.Time, err error) *ChatResult {
	result.Success = false
	result.ErrorMessage = fault.PersistableMessage(err)
	result.ExecutionTime = time.Since(start)
	return result
}

// Verify interface
var _ LLMClient = (*OpenAIClient)(nil)
