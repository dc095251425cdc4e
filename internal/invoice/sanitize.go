package invoice

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Sanitize applies the deterministic post-checks to a validated payload:
//
//   - out-of-enum reason codes downgrade to missing with low confidence
//   - a due date preceding the invoice date nulls both dates with a
//     synthesized conflict annotation
//   - evidence and reasoning notes are stripped from high-confidence
//     populated fields
//
// It returns a note per adjustment for logging.
func Sanitize(e *Extraction) []string {
	var notes []string

	for _, f := range e.Fields() {
		if f.Normalize() {
			notes = append(notes, "reason_code outside enum downgraded to missing")
		}
	}

	if note := reconcileDates(e.Payload()); note != "" {
		notes = append(notes, note)
	}

	for _, f := range e.Fields() {
		f.StripNotes()
	}

	return notes
}

// reconcileDates nulls both dates when the due date precedes the invoice
// date. Unparseable dates are left for the reader to judge.
func reconcileDates(b *Base) string {
	if b == nil || b.InvoiceDate.Value == nil || b.InvoiceDueDate.Value == nil {
		return ""
	}
	invoiceDate, err := time.Parse(dateLayout, *b.InvoiceDate.Value)
	if err != nil {
		return ""
	}
	dueDate, err := time.Parse(dateLayout, *b.InvoiceDueDate.Value)
	if err != nil {
		return ""
	}
	if !dueDate.Before(invoiceDate) {
		return ""
	}

	evidence := fmt.Sprintf("due date %s precedes invoice date %s",
		*b.InvoiceDueDate.Value, *b.InvoiceDate.Value)

	for _, f := range []*StringField{&b.InvoiceDate, &b.InvoiceDueDate} {
		f.Value = nil
		f.Confidence = ConfidenceLow
		f.ReasonCode = ReasonConflict
		f.EvidenceSnippet = Ptr(evidence)
		f.Reasoning = Ptr("date ordering conflict, both dates cleared")
	}
	return evidence
}
