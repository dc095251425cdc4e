package invoice

import (
	"encoding/json"
	"fmt"
)

// Extraction is the sum of the four payload variants, discriminated by the
// invoice_type key. Exactly one variant is non-nil. It marshals to the active
// variant's object, so the stored extracted_data is a single flat record.
type Extraction struct {
	General   *Base
	Insurance *Insurance
	Utility   *Utility
	Tax       *Tax
}

// Type returns the discriminator of the active variant.
func (e *Extraction) Type() Type {
	switch {
	case e.Insurance != nil:
		return TypeInsurance
	case e.Utility != nil:
		return TypeUtility
	case e.Tax != nil:
		return TypeTax
	default:
		return TypeGeneral
	}
}

// Payload returns the shared base of the active variant.
func (e *Extraction) Payload() *Base {
	switch {
	case e.Insurance != nil:
		return &e.Insurance.Base
	case e.Utility != nil:
		return &e.Utility.Base
	case e.Tax != nil:
		return &e.Tax.Base
	default:
		return e.General
	}
}

// Fields returns every ReasonedField of the active variant.
func (e *Extraction) Fields() []Field {
	switch {
	case e.Insurance != nil:
		return e.Insurance.Fields()
	case e.Utility != nil:
		return e.Utility.Fields()
	case e.Tax != nil:
		return e.Tax.Fields()
	case e.General != nil:
		return e.General.Fields()
	default:
		return nil
	}
}

func (e *Extraction) MarshalJSON() ([]byte, error) {
	switch {
	case e.Insurance != nil:
		return json.Marshal(e.Insurance)
	case e.Utility != nil:
		return json.Marshal(e.Utility)
	case e.Tax != nil:
		return json.Marshal(e.Tax)
	case e.General != nil:
		return json.Marshal(e.General)
	default:
		return nil, fmt.Errorf("extraction has no active variant")
	}
}

func (e *Extraction) UnmarshalJSON(data []byte) error {
	var disc struct {
		InvoiceType string `json:"invoice_type"`
	}
	if err := json.Unmarshal(data, &disc); err != nil {
		return fmt.Errorf("reading invoice_type discriminator: %w", err)
	}
	t, ok := ParseType(disc.InvoiceType)
	if !ok {
		return fmt.Errorf("unknown invoice_type %q", disc.InvoiceType)
	}

	*e = Extraction{}
	switch t {
	case TypeInsurance:
		var v Insurance
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		e.Insurance = &v
	case TypeUtility:
		var v Utility
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		e.Utility = &v
	case TypeTax:
		var v Tax
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		e.Tax = &v
	default:
		var v Base
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		e.General = &v
	}
	return nil
}

// ParseExtraction decodes a stored or model-produced payload into the typed
// union.
func ParseExtraction(data []byte) (*Extraction, error) {
	var e Extraction
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
