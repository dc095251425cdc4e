package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackzampolin/billfold/internal/fault"
)

const (
	MistralOCRName    = "mistral-ocr"
	MistralOCRBaseURL = "https://api.mistral.ai/v1"
	MistralOCRModel   = "mistral-ocr-latest"

	// Mistral OCR pricing: $1/1000 pages.
	MistralOCRCostPerPage = 0.001
)

// MistralOCRConfig holds configuration for the Mistral OCR client.
type MistralOCRConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Timeout   time.Duration // Per-attempt HTTP timeout
	RateLimit float64       // Requests per second (default: 6.0)
	Logger    *slog.Logger
}

// MistralOCRClient implements OCRProvider using the Mistral OCR API.
// It accepts https URLs and inline data references through the same
// document_url request form.
type MistralOCRClient struct {
	apiKey    string
	baseURL   string
	model     string
	rateLimit float64
	limiter   *RateLimiter
	client    *http.Client
	logger    *slog.Logger
}

// NewMistralOCRClient creates a new Mistral OCR client.
func NewMistralOCRClient(cfg MistralOCRConfig) *MistralOCRClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = MistralOCRBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = MistralOCRModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 6.0 // Mistral OCR default rate limit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &MistralOCRClient{
		apiKey:    cfg.APIKey,
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		rateLimit: cfg.RateLimit,
		limiter:   NewRateLimiter(cfg.RateLimit),
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: cfg.Logger,
	}
}

// Name returns the provider identifier.
func (c *MistralOCRClient) Name() string {
	return MistralOCRName
}

// RequestsPerSecond returns the rate limit for Mistral OCR.
func (c *MistralOCRClient) RequestsPerSecond() float64 {
	return c.rateLimit
}

// Extract runs OCR over a PDF reference and returns the concatenated
// page markdown. Transient failures retry under the shared backoff
// schedule; everything else surfaces classified on the first attempt.
func (c *MistralOCRClient) Extract(ctx context.Context, pdfRef string) (*OCRResult, error) {
	start := time.Now()

	reqBody := mistralOCRRequest{
		Model: c.model,
		Document: mistralDocument{
			Type:        "document_url",
			DocumentURL: pdfRef,
		},
	}

	var bytesIn int
	if IsDataURL(pdfRef) {
		bytesIn = len(pdfRef) - len(PDFDataURLPrefix)
	}

	var resp *mistralOCRResponse
	attempt := 0
	attempts, err := Retry(ctx, func() error {
		attempt++
		attemptStart := time.Now()

		if err := c.limiter.Wait(ctx); err != nil {
			return fault.WithStage(fault.StageOCR, err)
		}

		r, reqErr := c.doRequest(ctx, "/ocr", reqBody)
		durationMS := time.Since(attemptStart).Milliseconds()
		if reqErr != nil {
			c.logger.Warn("ocr attempt failed",
				"provider", MistralOCRName,
				"attempt", attempt,
				"duration_ms", durationMS,
				"bytes_in", bytesIn,
				"decision", "error",
				"error", fault.PersistableMessage(reqErr))
			return reqErr
		}

		c.logger.Info("ocr attempt succeeded",
			"provider", MistralOCRName,
			"attempt", attempt,
			"duration_ms", durationMS,
			"bytes_in", bytesIn,
			"pages", len(r.Pages),
			"decision", "ok")
		resp = r
		return nil
	})
	if err != nil {
		return &OCRResult{
			Provider:   MistralOCRName,
			DurationMS: int(time.Since(start).Milliseconds()),
			Attempts:   attempts,
		}, err
	}

	if len(resp.Pages) == 0 {
		err := fault.New(fault.Validation, fault.StageOCR, "no pages in OCR response")
		return &OCRResult{
			Provider:   MistralOCRName,
			DurationMS: int(time.Since(start).Milliseconds()),
			Attempts:   attempts,
		}, err
	}

	parts := make([]string, 0, len(resp.Pages))
	for _, page := range resp.Pages {
		parts = append(parts, page.Markdown)
	}

	pages := len(resp.Pages)
	if resp.UsageInfo != nil && resp.UsageInfo.PagesProcessed > 0 {
		pages = resp.UsageInfo.PagesProcessed
	}

	return &OCRResult{
		Markdown:   strings.Join(parts, "\n\n"),
		Pages:      &pages,
		DurationMS: int(time.Since(start).Milliseconds()),
		Provider:   MistralOCRName,
		CostUSD:    float64(pages) * MistralOCRCostPerPage,
		Attempts:   attempts,
	}, nil
}

// doRequest makes a single HTTP request to the Mistral API and classifies
// failures into the shared taxonomy.
func (c *MistralOCRClient) doRequest(ctx context.Context, path string, body any) (*mistralOCRResponse, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, fault.StageOCR, err, "failed to marshal OCR request")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fault.Wrap(fault.Validation, fault.StageOCR, err, "failed to create OCR request")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.ClassifyTransport(err), fault.StageOCR, err, "OCR request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, fault.StageOCR, err, "failed to read OCR response")
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		var errResp mistralErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		kind := fault.ClassifyHTTP(resp.StatusCode, msg)
		if resp.StatusCode == http.StatusTooManyRequests {
			c.limiter.Record429(parseRetryAfter(resp.Header.Get("Retry-After")))
		}
		return nil, fault.New(kind, fault.StageOCR, "mistral ocr error (status %d): %s",
			resp.StatusCode, truncateSample(msg))
	}

	var ocrResp mistralOCRResponse
	if err := json.Unmarshal(respBody, &ocrResp); err != nil {
		return nil, fault.Wrap(fault.Transient, fault.StageOCR, err, "failed to unmarshal OCR response")
	}

	return &ocrResp, nil
}

// Mistral OCR API types

type mistralOCRRequest struct {
	Model    string          `json:"model"`
	Document mistralDocument `json:"document"`
	Pages    []int           `json:"pages,omitempty"`
}

type mistralDocument struct {
	Type        string `json:"type"` // "document_url"
	DocumentURL string `json:"document_url,omitempty"`
}

type mistralOCRResponse struct {
	Model     string            `json:"model"`
	Pages     []mistralOCRPage  `json:"pages"`
	UsageInfo *mistralUsageInfo `json:"usage_info,omitempty"`
}

type mistralOCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type mistralUsageInfo struct {
	PagesProcessed int `json:"pages_processed"`
	DocSizeBytes   int `json:"doc_size_bytes,omitempty"`
}

type mistralErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Verify interface
var _ OCRProvider = (*MistralOCRClient)(nil)
