package invoiceflow

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"
)

// LineItem is one billed line on an invoice.
type LineItem struct {
	Description string  `json:"desc" yaml:"desc"`
	Quantity    float64 `json:"qty" yaml:"qty"`
	UnitPrice   float64 `json:"unit_price" yaml:"unit_price"`
	Total       float64 `json:"total" yaml:"total"`
}

// Invoice is the payload a run is started with.
type Invoice struct {
	InvoiceID   string     `json:"invoice_id" yaml:"invoice_id"`
	VendorName  string     `json:"vendor_name" yaml:"vendor_name"`
	VendorTaxID string     `json:"vendor_tax_id,omitempty" yaml:"vendor_tax_id"`
	InvoiceDate string     `json:"invoice_date,omitempty" yaml:"invoice_date"`
	DueDate     string     `json:"due_date,omitempty" yaml:"due_date"`
	Amount      float64    `json:"amount" yaml:"amount"`
	Currency    string     `json:"currency" yaml:"currency"`
	LineItems   []LineItem `json:"line_items" yaml:"line_items"`
	Attachments []string   `json:"attachments,omitempty" yaml:"attachments"`
}

const dateLayout = "2006-01-02"

// Validate checks the payload before a run is created.
func (inv *Invoice) Validate() error {
	if strings.TrimSpace(inv.InvoiceID) == "" {
		return NewValidationError("invoice_id", "is required")
	}
	if strings.TrimSpace(inv.VendorName) == "" {
		return NewValidationError("vendor_name", "is required")
	}
	if math.IsNaN(inv.Amount) || math.IsInf(inv.Amount, 0) {
		return NewValidationError("amount", "must be a finite number")
	}
	if inv.Amount < 0 {
		return NewValidationError("amount", fmt.Sprintf("must not be negative (got %v)", inv.Amount))
	}
	if len(inv.Currency) != 3 {
		return NewValidationError("currency", fmt.Sprintf("must be a three letter code (got %q)", inv.Currency))
	}
	if inv.LineItems == nil {
		return NewValidationError("line_items", "is required")
	}
	for i, item := range inv.LineItems {
		if item.Quantity < 0 || item.UnitPrice < 0 || item.Total < 0 {
			return NewValidationError(fmt.Sprintf("line_items[%d]", i), "must not contain negative values")
		}
	}
	for _, d := range []struct{ field, value string }{
		{"invoice_date", inv.InvoiceDate},
		{"due_date", inv.DueDate},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.Parse(dateLayout, d.value); err != nil {
			return NewValidationError(d.field, fmt.Sprintf("must be YYYY-MM-DD (got %q)", d.value))
		}
	}
	return nil
}

// Clone returns a deep copy of the invoice.
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	out := *inv
	out.LineItems = cloneSlice(inv.LineItems)
	out.Attachments = cloneSlice(inv.Attachments)
	return &out
}

// ReadInvoice decodes a JSON invoice payload. Unknown fields are rejected.
func ReadInvoice(r io.Reader) (Invoice, error) {
	var inv Invoice
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&inv); err != nil {
		return Invoice{}, &ValidationError{Field: "payload", Message: err.Error(), Wrapped: err}
	}
	if inv.Currency == "" {
		inv.Currency = "USD"
	}
	return inv, nil
}

// LoadInvoiceFile reads a JSON invoice payload from disk.
func LoadInvoiceFile(path string) (Invoice, error) {
	f, err := os.Open(path)
	if err != nil {
		return Invoice{}, err
	}
	defer f.Close()
	return ReadInvoice(f)
}
