// Package ocr turns a job's PDF reference into markdown. It wraps an OCR
// provider with URL pre-flight checks, the URL-to-bytes fallback, and the
// stored-text size cap.
package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/jackzampolin/billfold/internal/fault"
	"github.com/jackzampolin/billfold/internal/providers"
)

const (
	// DefaultTextMaxBytes caps stored OCR markdown at 1 MiB.
	DefaultTextMaxBytes = 1 << 20

	// DefaultRetrievalMaxBytes is the default retrieval truncation, 256 KiB.
	DefaultRetrievalMaxBytes = 256 << 10

	// DefaultMaxPDFBytes caps a downloaded PDF at 15 MiB.
	DefaultMaxPDFBytes int64 = 15 << 20

	// downloadTimeout bounds the whole byte-fetch fallback, retries included.
	downloadTimeout = 45 * time.Second

	// decisionURLRejected is the log marker emitted when a URL form is
	// rejected by the provider and the service falls back to inline bytes.
	decisionURLRejected = "mistral_url_rejected_retrying_base64"
)

// Config holds OCR service settings.
type Config struct {
	Provider     providers.OCRProvider
	AllowedHosts []string
	TextMaxBytes int
	MaxPDFBytes  int64
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Service runs OCR for one PDF reference at a time. Safe for concurrent use.
type Service struct {
	provider     providers.OCRProvider
	allowedHosts []string
	textMaxBytes int
	maxPDFBytes  int64
	client       *http.Client
	logger       *slog.Logger
}

// NewService creates an OCR service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	textMax := cfg.TextMaxBytes
	if textMax <= 0 {
		textMax = DefaultTextMaxBytes
	}
	pdfMax := cfg.MaxPDFBytes
	if pdfMax <= 0 {
		pdfMax = DefaultMaxPDFBytes
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: downloadTimeout}
	}
	return &Service{
		provider:     cfg.Provider,
		allowedHosts: cfg.AllowedHosts,
		textMaxBytes: textMax,
		maxPDFBytes:  pdfMax,
		client:       client,
		logger:       logger,
	}
}

// ValidateURL checks that a PDF URL is https and that its host appears in the
// allow-list. The list must be non-empty; an empty list rejects everything.
func ValidateURL(raw string, allowedHosts []string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fault.New(fault.Validation, fault.StageOCR, "pdf_url is not a valid URL")
	}
	if u.Scheme != "https" {
		return fault.New(fault.Validation, fault.StageOCR, "pdf_url scheme must be https")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fault.New(fault.Validation, fault.StageOCR, "pdf_url has no host")
	}
	for _, allowed := range allowedHosts {
		if host == strings.ToLower(allowed) {
			return nil
		}
	}
	return fault.New(fault.Validation, fault.StageOCR, "pdf host %q is not allow-listed", host)
}

// Process runs OCR against the job's PDF URL. On a provider rejection that
// says the document type could not be determined from the URL, the service
// downloads the bytes itself and re-invokes the provider with an inline data
// reference exactly once. The returned markdown is capped at the stored-text
// limit.
func (s *Service) Process(ctx context.Context, jobID, pdfURL string) (*providers.OCRResult, error) {
	if err := ValidateURL(pdfURL, s.allowedHosts); err != nil {
		return nil, err
	}
	log := s.logger.With("job_id", jobID, "provider", s.provider.Name())

	result, err := s.provider.Extract(ctx, pdfURL)
	if err != nil {
		if !fault.IsUnknownDoctype(err) {
			return nil, err
		}

		log.Info("ocr rejected url form, falling back to inline bytes",
			"decision", decisionURLRejected,
			"url", fault.SafeURL(pdfURL))

		data, pages, err := s.download(ctx, pdfURL, log)
		if err != nil {
			return nil, err
		}
		log.Info("pdf downloaded for fallback",
			"bytes_in", len(data),
			"pages", pages,
			"url", fault.SafeURL(pdfURL))

		result, err = s.provider.Extract(ctx, providers.PDFDataURL(data))
		if err != nil {
			return nil, err
		}
	}

	s.capMarkdown(result, log)
	return result, nil
}

// download fetches the PDF bytes with the shared retry schedule under one
// wall-clock budget, then checks the payload really is a PDF.
func (s *Service) download(ctx context.Context, pdfURL string, log *slog.Logger) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	var (
		data    []byte
		attempt int
	)
	_, err := providers.Retry(ctx, func() error {
		attempt++
		start := time.Now()
		b, err := s.fetchOnce(ctx, pdfURL)
		if err != nil {
			log.Warn("pdf download attempt failed",
				"attempt", attempt,
				"duration_ms", time.Since(start).Milliseconds(),
				"url", fault.SafeURL(pdfURL),
				"error", fault.PersistableMessage(err))
			return err
		}
		data = b
		return nil
	})
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return nil, 0, err
		}
		return nil, 0, fault.Wrap(fault.KindOf(err), fault.StageOCR, err, "pdf download failed")
	}

	pages, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return nil, 0, fault.Wrap(fault.Validation, fault.StageOCR, err, "downloaded file is not a valid pdf")
	}
	return data, pages, nil
}

func (s *Service) fetchOnce(ctx context.Context, pdfURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pdfURL, nil)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, fault.StageOCR, err, "build pdf download request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.ClassifyTransport(err), fault.StageOCR, err, "pdf download failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.ClassifyHTTP(resp.StatusCode, ""), fault.StageOCR,
			"pdf download failed (status %d)", resp.StatusCode)
	}
	if resp.ContentLength > s.maxPDFBytes {
		return nil, fault.New(fault.Validation, fault.StageOCR, "pdf exceeds %d bytes", s.maxPDFBytes)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxPDFBytes+1))
	if err != nil {
		return nil, fault.Wrap(fault.ClassifyTransport(err), fault.StageOCR, err, "read pdf body")
	}
	if int64(len(data)) > s.maxPDFBytes {
		return nil, fault.New(fault.Validation, fault.StageOCR, "pdf exceeds %d bytes", s.maxPDFBytes)
	}
	if len(data) == 0 {
		return nil, fault.New(fault.Validation, fault.StageOCR, "pdf download returned an empty body")
	}
	return data, nil
}

// capMarkdown clamps stored markdown to the configured limit, appending a
// marker so truncation is evident in the stored text.
func (s *Service) capMarkdown(result *providers.OCRResult, log *slog.Logger) {
	if len(result.Markdown) <= s.textMaxBytes {
		return
	}
	original := len(result.Markdown)
	result.Markdown = Clip(result.Markdown, s.textMaxBytes) +
		fmt.Sprintf("\n\n[ocr output truncated at %d bytes]", s.textMaxBytes)
	log.Warn("ocr markdown truncated",
		"original_bytes", original,
		"stored_bytes", len(result.Markdown))
}

// Clip cuts s to at most max bytes, backing off to a UTF-8 rune boundary.
func Clip(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
