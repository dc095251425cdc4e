package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jackzampolin/billfold/internal/fault"
	"github.com/jackzampolin/billfold/internal/providers"
)

// minimalPDF builds a one-page PDF with a correct xref table.
func minimalPDF() []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")

	objects := []string{
		"1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n",
		"2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n",
		"3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>\nendobj\n",
	}
	offsets := make([]int, 0, len(objects))
	for _, obj := range objects {
		offsets = append(offsets, buf.Len())
		buf.WriteString(obj)
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

// pdfServer serves body over TLS and counts requests.
func pdfServer(t *testing.T, body []byte) (*httptest.Server, string, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(body)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	return srv, u.Hostname(), &hits
}

func TestValidateURL(t *testing.T) {
	allowed := []string{"pdfs.example.com"}

	tests := []struct {
		name    string
		url     string
		hosts   []string
		wantErr bool
	}{
		{"allow-listed https", "https://pdfs.example.com/inv.pdf", allowed, false},
		{"host match is case-insensitive", "https://PDFS.Example.com/inv.pdf", allowed, false},
		{"http scheme", "http://pdfs.example.com/inv.pdf", allowed, true},
		{"missing host", "https:///inv.pdf", allowed, true},
		{"unknown host", "https://evil.example.com/inv.pdf", allowed, true},
		{"empty allow-list rejects everything", "https://pdfs.example.com/inv.pdf", nil, true},
		{"not a url", "://nope", allowed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url, tt.hosts)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ValidateURL(%q) = nil, want error", tt.url)
				}
				if got := fault.KindOf(err); got != fault.Validation {
					t.Fatalf("ValidateURL(%q) kind = %v, want %v", tt.url, got, fault.Validation)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateURL(%q) error = %v", tt.url, err)
			}
		})
	}
}

func TestProcessURLAccepted(t *testing.T) {
	mock := providers.NewMockOCRProvider()
	svc := NewService(Config{
		Provider:     mock,
		AllowedHosts: []string{"pdfs.example.com"},
		Logger:       slog.Default(),
	})

	res, err := svc.Process(context.Background(), "job-1", "https://pdfs.example.com/inv.pdf")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Markdown != mock.ResponseMarkdown {
		t.Errorf("Process() markdown = %q, want %q", res.Markdown, mock.ResponseMarkdown)
	}
	refs := mock.Refs()
	if len(refs) != 1 || refs[0] != "https://pdfs.example.com/inv.pdf" {
		t.Errorf("provider refs = %v, want the submitted URL only", refs)
	}
}

func TestProcessPreflightRejects(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"http scheme", "http://pdfs.example.com/inv.pdf"},
		{"unlisted host", "https://evil.example.com/inv.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := providers.NewMockOCRProvider()
			svc := NewService(Config{
				Provider:     mock,
				AllowedHosts: []string{"pdfs.example.com"},
				Logger:       slog.Default(),
			})

			_, err := svc.Process(context.Background(), "job-1", tt.url)
			if err == nil {
				t.Fatal("Process() = nil, want validation error")
			}
			if got := fault.KindOf(err); got != fault.Validation {
				t.Errorf("Process() kind = %v, want %v", got, fault.Validation)
			}
			if mock.RequestCount() != 0 {
				t.Errorf("provider called %d times before pre-flight, want 0", mock.RequestCount())
			}
		})
	}
}

func TestProcessFallbackToInlineBytes(t *testing.T) {
	pdf := minimalPDF()
	srv, host, hits := pdfServer(t, pdf)

	mock := providers.NewMockOCRProvider()
	mock.URLError = fault.New(fault.UnknownDoctype, fault.StageOCR,
		"could not determine document type from url")

	var logs bytes.Buffer
	svc := NewService(Config{
		Provider:     mock,
		AllowedHosts: []string{host},
		HTTPClient:   srv.Client(),
		Logger:       slog.New(slog.NewTextHandler(&logs, nil)),
	})

	res, err := svc.Process(context.Background(), "job-1", srv.URL+"/invoice.pdf")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Markdown != mock.ResponseMarkdown {
		t.Errorf("Process() markdown = %q, want %q", res.Markdown, mock.ResponseMarkdown)
	}

	refs := mock.Refs()
	if len(refs) != 2 {
		t.Fatalf("provider saw %d refs, want 2 (url then data)", len(refs))
	}
	if !strings.HasPrefix(refs[1], providers.PDFDataURLPrefix) {
		t.Fatalf("second ref = %q, want a %s data reference", refs[1][:min(40, len(refs[1]))], providers.PDFDataURLPrefix)
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(refs[1], providers.PDFDataURLPrefix))
	if err != nil {
		t.Fatalf("decode data reference: %v", err)
	}
	if !bytes.Equal(payload, pdf) {
		t.Errorf("data reference carries %d bytes, want the %d downloaded bytes", len(payload), len(pdf))
	}

	if got := hits.Load(); got != 1 {
		t.Errorf("download server hit %d times, want 1", got)
	}
	if !strings.Contains(logs.String(), "mistral_url_rejected_retrying_base64") {
		t.Error("fallback decision marker missing from logs")
	}
}

func TestProcessFallbackOversizePDF(t *testing.T) {
	srv, host, _ := pdfServer(t, bytes.Repeat([]byte("%PDF junk "), 50))

	mock := providers.NewMockOCRProvider()
	mock.URLError = fault.New(fault.UnknownDoctype, fault.StageOCR,
		"could not determine document type from url")

	svc := NewService(Config{
		Provider:     mock,
		AllowedHosts: []string{host},
		MaxPDFBytes:  64,
		HTTPClient:   srv.Client(),
		Logger:       slog.Default(),
	})

	_, err := svc.Process(context.Background(), "job-1", srv.URL+"/invoice.pdf")
	if err == nil {
		t.Fatal("Process() = nil, want validation error for oversize download")
	}
	if got := fault.KindOf(err); got != fault.Validation {
		t.Errorf("Process() kind = %v, want %v", got, fault.Validation)
	}
	if got := mock.Refs(); len(got) != 1 {
		t.Errorf("provider saw %d refs, want 1 (no re-invoke after oversize)", len(got))
	}
}

func TestProcessFallbackRejectsNonPDF(t *testing.T) {
	srv, host, _ := pdfServer(t, []byte("<html>not a pdf</html>"))

	mock := providers.NewMockOCRProvider()
	mock.URLError = fault.New(fault.UnknownDoctype, fault.StageOCR,
		"could not determine document type from url")

	svc := NewService(Config{
		Provider:     mock,
		AllowedHosts: []string{host},
		HTTPClient:   srv.Client(),
		Logger:       slog.Default(),
	})

	_, err := svc.Process(context.Background(), "job-1", srv.URL+"/invoice.pdf")
	if err == nil {
		t.Fatal("Process() = nil, want validation error for non-pdf body")
	}
	if got := fault.KindOf(err); got != fault.Validation {
		t.Errorf("Process() kind = %v, want %v", got, fault.Validation)
	}
	if got := mock.Refs(); len(got) != 1 {
		t.Errorf("provider saw %d refs, want 1", len(got))
	}
}

func TestProcessFallbackDownloadFailure(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)

	mock := providers.NewMockOCRProvider()
	mock.URLError = fault.New(fault.UnknownDoctype, fault.StageOCR,
		"could not determine document type from url")

	svc := NewService(Config{
		Provider:     mock,
		AllowedHosts: []string{u.Hostname()},
		HTTPClient:   srv.Client(),
		Logger:       slog.Default(),
	})

	_, err := svc.Process(context.Background(), "job-1", srv.URL+"/invoice.pdf")
	if err == nil {
		t.Fatal("Process() = nil, want error for 404 download")
	}
	if got := fault.KindOf(err); got != fault.Validation {
		t.Errorf("Process() kind = %v, want %v", got, fault.Validation)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("404 fetched %d times, want 1 (not retryable)", got)
	}
}

func TestProcessProviderErrorPassthrough(t *testing.T) {
	mock := providers.NewMockOCRProvider()
	mock.URLError = fault.New(fault.Auth, fault.StageOCR, "invalid api key")

	svc := NewService(Config{
		Provider:     mock,
		AllowedHosts: []string{"pdfs.example.com"},
		Logger:       slog.Default(),
	})

	_, err := svc.Process(context.Background(), "job-1", "https://pdfs.example.com/inv.pdf")
	if err == nil {
		t.Fatal("Process() = nil, want auth error")
	}
	if got := fault.KindOf(err); got != fault.Auth {
		t.Errorf("Process() kind = %v, want %v", got, fault.Auth)
	}
	if got := mock.Refs(); len(got) != 1 {
		t.Errorf("provider saw %d refs, want 1 (auth does not fall back)", len(got))
	}
}

func TestProcessTruncatesStoredMarkdown(t *testing.T) {
	mock := providers.NewMockOCRProvider()
	mock.ResponseMarkdown = strings.Repeat("a", 200)

	svc := NewService(Config{
		Provider:     mock,
		AllowedHosts: []string{"pdfs.example.com"},
		TextMaxBytes: 64,
		Logger:       slog.Default(),
	})

	res, err := svc.Process(context.Background(), "job-1", "https://pdfs.example.com/inv.pdf")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !strings.HasPrefix(res.Markdown, strings.Repeat("a", 64)) {
		t.Error("truncated markdown should keep the first 64 bytes")
	}
	if !strings.Contains(res.Markdown, "truncated at 64 bytes") {
		t.Errorf("markdown = %q, want truncation marker", res.Markdown)
	}
	if strings.Contains(res.Markdown, strings.Repeat("a", 65)) {
		t.Error("markdown kept more than the configured cap")
	}
}

func TestClip(t *testing.T) {
	tests := []struct {
		name string
		s    string
		max  int
		want string
	}{
		{"under limit unchanged", "hello", 10, "hello"},
		{"exactly at limit", "hello", 5, "hello"},
		{"ascii cut", "hello world", 5, "hello"},
		{"backs off mid-rune", "héllo", 2, "h"},
		{"zero max", "hello", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clip(tt.s, tt.max); got != tt.want {
				t.Errorf("Clip(%q, %d) = %q, want %q", tt.s, tt.max, got, tt.want)
			}
		})
	}
}
