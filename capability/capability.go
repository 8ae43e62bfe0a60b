package capability

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strings"

	"github.com/deepnoodle-ai/invoiceflow"
)

// ErrUnavailable marks a provider outage. Stage handlers let it propagate so
// the engine retries the stage.
var ErrUnavailable = errors.New("provider unavailable")

// Extraction is what OCR returns for an invoice.
type Extraction struct {
	Text       string                 `json:"text"`
	LineItems  []invoiceflow.LineItem `json:"line_items"`
	PONumbers  []string               `json:"po_numbers"`
	Confidence float64                `json:"confidence"`
}

// POQuery selects purchase orders. When PONumbers is empty all open orders
// for the vendor are returned.
type POQuery struct {
	Vendor    string
	PONumbers []string
}

// PostingRequest asks the ERP to book a reconciled invoice. Requests that
// repeat an IdempotencyKey must return the transaction booked the first time.
type PostingRequest struct {
	IdempotencyKey string
	InvoiceID      string
	Amount         float64
	Currency       string
	Entries        []invoiceflow.AccountingEntry
}

// PaymentRequest asks the ERP to schedule payment of a posted invoice.
type PaymentRequest struct {
	InvoiceID     string
	TransactionID string
	Amount        float64
	Currency      string
	DueDate       string
}

// ScheduledPayment is the ERP's answer to a PaymentRequest.
type ScheduledPayment struct {
	ID          string
	PaymentDate string
}

// Message is an outbound notification.
type Message struct {
	To      string
	Subject string
	Body    string
}

type OCR interface {
	Extract(ctx context.Context, provider string, invoice invoiceflow.Invoice) (*Extraction, error)
}

type Enricher interface {
	Enrich(ctx context.Context, provider, vendorName, taxID string) (*invoiceflow.VendorProfile, error)
}

type ERP interface {
	FetchPurchaseOrders(ctx context.Context, provider string, q POQuery) ([]invoiceflow.PurchaseOrder, error)
	FetchGoodsReceipts(ctx context.Context, provider string, poIDs []string) ([]invoiceflow.GoodsReceipt, error)
	FetchHistory(ctx context.Context, provider, vendor string) ([]invoiceflow.HistoricalInvoice, error)
	PostInvoice(ctx context.Context, provider string, req PostingRequest) (string, error)
	SchedulePayment(ctx context.Context, provider string, req PaymentRequest) (*ScheduledPayment, error)
}

type Notifier interface {
	Send(ctx context.Context, provider string, msg Message) (string, error)
}

type DocumentStore interface {
	Put(ctx context.Context, provider, key string, data []byte) (string, error)
}

// Suite bundles one implementation of every capability with the table that
// picks providers for them.
type Suite struct {
	Providers ProviderTable
	OCR       OCR
	Enricher  Enricher
	ERP       ERP
	Notifier  Notifier
	Documents DocumentStore
}

// Validate reports missing capabilities.
func (s *Suite) Validate() error {
	var missing []string
	if s.OCR == nil {
		missing = append(missing, "ocr")
	}
	if s.Enricher == nil {
		missing = append(missing, "enrichment")
	}
	if s.ERP == nil {
		missing = append(missing, "erp")
	}
	if s.Notifier == nil {
		missing = append(missing, "email")
	}
	if s.Documents == nil {
		missing = append(missing, "storage")
	}
	if len(missing) > 0 {
		return errors.New("capability suite is missing: " + strings.Join(missing, ", "))
	}
	return nil
}

var legalSuffixes = []string{"incorporated", "corporation", "company", "limited", "inc", "corp", "co", "llc", "ltd", "gmbh", "plc"}

var nonAlnum = regexp.MustCompile(`[^a-z0-9 ]+`)

// NormalizeVendorName lowercases a vendor name, strips punctuation and drops
// a trailing legal-form suffix so that "Acme Corp." and "ACME corporation"
// compare equal.
func NormalizeVendorName(name string) string {
	n := nonAlnum.ReplaceAllString(strings.ToLower(name), " ")
	fields := strings.Fields(n)
	if len(fields) > 1 && slices.Contains(legalSuffixes, fields[len(fields)-1]) {
		fields = fields[:len(fields)-1]
	}
	return strings.Join(fields, " ")
}

var poPattern = regexp.MustCompile(`(?i)\bPO[-\s#]?(\d+(?:-\d+)*)\b`)

// DetectPONumbers returns the distinct purchase order references found in
// text, normalized to PO-<digits>, in order of first appearance.
func DetectPONumbers(texts ...string) []string {
	seen := map[string]bool{}
	var out []string
	for _, text := range texts {
		for _, m := range poPattern.FindAllStringSubmatch(text, -1) {
			ref := "PO-" + m[1]
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		}
	}
	return out
}
