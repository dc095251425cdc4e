package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := New(Quota, StageLLM, "rate limited")
	wrapped := fmt.Errorf("calling provider: %w", base)

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"direct", base, Quota},
		{"wrapped", wrapped, Quota},
		{"deadline", context.DeadlineExceeded, Timeout},
		{"canceled", context.Canceled, Transient},
		{"plain", errors.New("boom"), Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   Kind
	}{
		{401, "", Auth},
		{403, "", Auth},
		{429, "", Quota},
		{408, "", Timeout},
		{500, "", Transient},
		{503, "", Transient},
		{400, "bad request", Validation},
		{422, "An error happened: Could not determine document type from URL", UnknownDoctype},
		{404, "", Validation},
	}
	for _, tt := range tests {
		if got := ClassifyHTTP(tt.status, tt.body); got != tt.want {
			t.Errorf("ClassifyHTTP(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestWithStage(t *testing.T) {
	err := WithStage(StageLLM, New(Auth, "", "key rejected"))
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("WithStage() did not return *Error")
	}
	if fe.Stage != StageLLM {
		t.Fatalf("stage = %v, want %v", fe.Stage, StageLLM)
	}
	if fe.Kind != Auth {
		t.Fatalf("kind = %v, want %v", fe.Kind, Auth)
	}

	// An already-tagged error keeps its original stage.
	tagged := WithStage(StageComplete, New(Timeout, StageOCR, "budget exhausted"))
	errors.As(tagged, &fe)
	if fe.Stage != StageOCR {
		t.Fatalf("stage = %v, want %v", fe.Stage, StageOCR)
	}

	// Untyped errors get classified Unknown under the given stage.
	plain := WithStage(StageOCR, errors.New("boom"))
	errors.As(plain, &fe)
	if fe.Kind != Unknown || fe.Stage != StageOCR {
		t.Fatalf("got kind=%v stage=%v, want Unknown/OCR", fe.Kind, fe.Stage)
	}
}

func TestErrorString(t *testing.T) {
	err := New(Auth, StageLLM, "credentials rejected")
	if got, want := err.Error(), "LLM: credentials rejected"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}

	untagged := New(Conflict, "", "job already terminal")
	if got, want := untagged.Error(), "job already terminal"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		mustNot string
	}{
		{
			"query string",
			"GET https://api.example.com/inv/1?sig=s3cret&token=abc failed",
			"s3cret",
		},
		{
			"bearer token",
			"request rejected: Bearer sk-live-123456 expired",
			"sk-live-123456",
		},
		{
			"authorization header",
			"headers: Authorization: Basic dXNlcjpwYXNz rejected",
			"dXNlcjpwYXNz",
		},
		{
			"api key",
			`config api_key: "mistral-key-999" invalid`,
			"mistral-key-999",
		},
		{
			"pdf payload",
			"document data:application/pdf;base64,JVBERi0xLjQK rejected",
			"JVBERi0xLjQK",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Redact(tt.in)
			if strings.Contains(got, tt.mustNot) {
				t.Fatalf("Redact(%q) = %q, still contains %q", tt.in, got, tt.mustNot)
			}
		})
	}
}

func TestRedactKeepsURLPath(t *testing.T) {
	got := Redact("fetching https://api.example.com/inv/1?sig=abc")
	if !strings.Contains(got, "https://api.example.com/inv/1") {
		t.Fatalf("Redact() removed the URL path: %q", got)
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("a", MaxMessageBytes+100)
	got := Truncate(long, MaxMessageBytes)
	if len(got) > MaxMessageBytes {
		t.Fatalf("Truncate() length = %d, want <= %d", len(got), MaxMessageBytes)
	}
	if !strings.HasSuffix(got, "...[truncated]") {
		t.Fatalf("Truncate() missing marker: %q", got[len(got)-30:])
	}

	short := "fine"
	if Truncate(short, MaxMessageBytes) != short {
		t.Fatalf("Truncate() modified a short string")
	}
}

func TestTruncateRuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 100)
	got := Truncate(s, 51)
	tail := got[:len(got)-len("...[truncated]")]
	for i := 0; i < len(tail); {
		r := tail[i]
		if r&0x80 == 0 {
			i++
			continue
		}
		if r&0xE0 == 0xC0 {
			if i+1 >= len(tail) {
				t.Fatalf("Truncate() split a rune at %d", i)
			}
			i += 2
			continue
		}
		t.Fatalf("unexpected byte %x at %d", r, i)
	}
}

func TestPersistableMessage(t *testing.T) {
	err := New(Auth, StageLLM, "chat failed: 401: Bearer sk-secret rejected")
	got := PersistableMessage(err)
	if !strings.HasPrefix(got, "LLM: ") {
		t.Fatalf("PersistableMessage() = %q, want LLM prefix", got)
	}
	if strings.Contains(got, "sk-secret") {
		t.Fatalf("PersistableMessage() leaked a credential: %q", got)
	}
}

func TestSafeURL(t *testing.T) {
	got := SafeURL("https://user:pw@api.example.com/inv/1?sig=abc#frag")
	if got != "https://api.example.com/inv/1" {
		t.Fatalf("SafeURL() = %q", got)
	}
}
