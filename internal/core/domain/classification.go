package domain

import (
	"errors"
	"fmt"
	"strings"
)

type DocumentType string

const (
	TypeLetter    DocumentType = "letter"
	TypeInvoice   DocumentType = "invoice"
	TypeTaxes     DocumentType = "taxes"
	TypeStatement DocumentType = "statement"
	TypeForm      DocumentType = "form"
	TypeReceipt   DocumentType = "receipt"
	TypeReport    DocumentType = "report"
	TypeOther     DocumentType = "other"
)

func DocumentTypes() []DocumentType {
	return []DocumentType{
		TypeLetter, TypeInvoice, TypeTaxes, TypeStatement,
		TypeForm, TypeReceipt, TypeReport, TypeOther,
	}
}

// PaymentInfo fields are all optional; a letter without payment details
// carries a nil PaymentInfo, never a zero-valued one.
type PaymentInfo struct {
	IBAN    string   `json:"iban,omitempty" yaml:"iban,omitempty"`
	Amount  *float64 `json:"amount,omitempty" yaml:"amount,omitempty"`
	DueDate string   `json:"due_date,omitempty" yaml:"due_date,omitempty"`
}

// ClassificationResult is the structured record produced at most once per
// session. Immutable once committed.
type ClassificationResult struct {
	Sender         string       `json:"sender" yaml:"sender"`
	Date           string       `json:"date" yaml:"date"`
	Subject        string       `json:"subject" yaml:"subject"`
	DocumentType   DocumentType `json:"document_type" yaml:"document_type"`
	ContentSummary string       `json:"content_summary" yaml:"content_summary"`
	Payment        *PaymentInfo `json:"payment,omitempty" yaml:"payment,omitempty"`
	SuspectedQR    bool         `json:"suspected_qr" yaml:"suspected_qr"`
	Confidence     float64      `json:"confidence" yaml:"confidence"`
}

// Validate checks the field schema before a result is accepted. Presence of
// optional payment sub-fields is not enforced; type and enum membership are.
func (c *ClassificationResult) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Sender) == "" {
		problems = append(problems, "sender is required")
	}
	if strings.TrimSpace(c.Subject) == "" {
		problems = append(problems, "subject is required")
	}
	if !validDocumentType(c.DocumentType) {
		problems = append(problems, fmt.Sprintf("unknown document_type %q", c.DocumentType))
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		problems = append(problems, fmt.Sprintf("confidence %v outside [0,1]", c.Confidence))
	}
	if len(problems) > 0 {
		return WrapError(ErrSchemaValidation, "validate classification", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

func validDocumentType(t DocumentType) bool {
	for _, known := range DocumentTypes() {
		if t == known {
			return true
		}
	}
	return false
}
