// Package capability defines the external collaborators stage handlers call
// (OCR, vendor enrichment, ERP, email, document storage) and the static table
// that picks a provider for each of them.
package capability

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Kind names a capability.
type Kind string

const (
	KindOCR        Kind = "ocr"
	KindEnrichment Kind = "enrichment"
	KindERP        Kind = "erp"
	KindDatabase   Kind = "db"
	KindEmail      Kind = "email"
	KindStorage    Kind = "storage"
)

// Pools lists the providers known for each capability.
var Pools = map[Kind][]string{
	KindOCR:        {"google_vision", "tesseract", "aws_textract"},
	KindEnrichment: {"clearbit", "people_data_labs", "vendor_db"},
	KindERP:        {"sap_sandbox", "netsuite", "mock_erp"},
	KindDatabase:   {"postgres", "sqlite", "dynamodb", "redis"},
	KindEmail:      {"sendgrid", "ses", "smtp"},
	KindStorage:    {"s3", "gcs", "local_fs"},
}

// DefaultSelections is the provider used for each capability unless
// configuration says otherwise.
var DefaultSelections = map[Kind]string{
	KindOCR:        "google_vision",
	KindEnrichment: "clearbit",
	KindERP:        "mock_erp",
	KindDatabase:   "sqlite",
	KindEmail:      "sendgrid",
	KindStorage:    "local_fs",
}

// ProviderTable is an immutable capability to provider lookup. It is built
// once from configuration and handed to whatever needs it.
type ProviderTable struct {
	selections map[Kind]string
}

// DefaultProviderTable returns a table holding DefaultSelections.
func DefaultProviderTable() ProviderTable {
	return ProviderTable{selections: maps.Clone(DefaultSelections)}
}

// NewProviderTable overlays overrides, keyed by capability name, on the
// default selections. Unknown capabilities and providers are rejected.
func NewProviderTable(overrides map[string]string) (ProviderTable, error) {
	t := DefaultProviderTable()
	for name, provider := range overrides {
		kind := Kind(strings.ToLower(strings.TrimSpace(name)))
		pool, ok := Pools[kind]
		if !ok {
			return ProviderTable{}, fmt.Errorf("unknown capability %q", name)
		}
		if !slices.Contains(pool, provider) {
			return ProviderTable{}, fmt.Errorf("unknown %s provider %q (expected one of %s)",
				kind, provider, strings.Join(pool, ", "))
		}
		t.selections[kind] = provider
	}
	return t, nil
}

// Provider returns the provider selected for kind.
func (t ProviderTable) Provider(kind Kind) string {
	if p, ok := t.selections[kind]; ok {
		return p
	}
	return DefaultSelections[kind]
}

// Selections returns a copy of the full table.
func (t ProviderTable) Selections() map[Kind]string {
	out := maps.Clone(DefaultSelections)
	maps.Copy(out, t.selections)
	return out
}
