package capability

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/invoiceflow"
)

// MockOCR builds an extraction from the invoice payload itself.
type MockOCR struct{}

func (MockOCR) Extract(ctx context.Context, provider string, inv invoiceflow.Invoice) (*Extraction, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INVOICE %s\nVendor: %s\n", inv.InvoiceID, inv.VendorName)
	texts := []string{}
	for _, item := range inv.LineItems {
		fmt.Fprintf(&sb, "%s x%g @ %.2f = %.2f\n", item.Description, item.Quantity, item.UnitPrice, item.Total)
		texts = append(texts, item.Description)
	}
	fmt.Fprintf(&sb, "Total: %.2f %s\n", inv.Amount, inv.Currency)
	for _, a := range inv.Attachments {
		texts = append(texts, filepath.Base(a))
	}
	return &Extraction{
		Text:       sb.String(),
		LineItems:  slices.Clone(inv.LineItems),
		PONumbers:  DetectPONumbers(texts...),
		Confidence: 0.98,
	}, nil
}

// MockEnricher returns a profile derived from the vendor name.
type MockEnricher struct{}

func (MockEnricher) Enrich(ctx context.Context, provider, vendorName, taxID string) (*invoiceflow.VendorProfile, error) {
	normalized := NormalizeVendorName(vendorName)
	score := 600 + float64(len(normalized)%10)*25
	return &invoiceflow.VendorProfile{
		Name:           vendorName,
		NormalizedName: normalized,
		TaxID:          taxID,
		Industry:       "Professional Services",
		CreditScore:    score,
		Provider:       provider,
	}, nil
}

// MockERP serves purchase orders from an in-memory catalogue keyed by
// normalized vendor name, and hands out sequential transaction ids.
type MockERP struct {
	mutex    sync.Mutex
	orders   map[string][]invoiceflow.PurchaseOrder
	receipts map[string][]invoiceflow.GoodsReceipt
	history  map[string][]invoiceflow.HistoricalInvoice
	posted   map[string]PostingRequest
	keys     map[string]string
	seq      int
}

// NewMockERP returns an ERP seeded with the given purchase orders.
func NewMockERP(orders ...invoiceflow.PurchaseOrder) *MockERP {
	erp := &MockERP{
		orders:   map[string][]invoiceflow.PurchaseOrder{},
		receipts: map[string][]invoiceflow.GoodsReceipt{},
		history:  map[string][]invoiceflow.HistoricalInvoice{},
		posted:   map[string]PostingRequest{},
		keys:     map[string]string{},
	}
	for _, po := range orders {
		erp.AddPurchaseOrder(po)
	}
	return erp
}

// AddPurchaseOrder adds an order to the catalogue along with a full goods
// receipt for it.
func (m *MockERP) AddPurchaseOrder(po invoiceflow.PurchaseOrder) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if po.Status == "" {
		po.Status = "APPROVED"
	}
	if po.Currency == "" {
		po.Currency = "USD"
	}
	key := NormalizeVendorName(po.Vendor)
	m.orders[key] = append(m.orders[key], po)
	var qty float64
	for _, item := range po.LineItems {
		qty += item.Quantity
	}
	m.receipts[po.ID] = append(m.receipts[po.ID], invoiceflow.GoodsReceipt{
		ID:       "GRN-" + strings.TrimPrefix(po.ID, "PO-"),
		POID:     po.ID,
		Quantity: qty,
	})
}

// AddHistory records a past invoice for a vendor.
func (m *MockERP) AddHistory(vendor string, inv invoiceflow.HistoricalInvoice) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	key := NormalizeVendorName(vendor)
	m.history[key] = append(m.history[key], inv)
}

func (m *MockERP) FetchPurchaseOrders(ctx context.Context, provider string, q POQuery) ([]invoiceflow.PurchaseOrder, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var out []invoiceflow.PurchaseOrder
	for _, po := range m.orders[NormalizeVendorName(q.Vendor)] {
		if len(q.PONumbers) > 0 && !slices.Contains(q.PONumbers, po.ID) {
			continue
		}
		po.LineItems = slices.Clone(po.LineItems)
		out = append(out, po)
	}
	return out, nil
}

func (m *MockERP) FetchGoodsReceipts(ctx context.Context, provider string, poIDs []string) ([]invoiceflow.GoodsReceipt, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var out []invoiceflow.GoodsReceipt
	for _, id := range poIDs {
		out = append(out, m.receipts[id]...)
	}
	return out, nil
}

func (m *MockERP) FetchHistory(ctx context.Context, provider, vendor string) ([]invoiceflow.HistoricalInvoice, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return slices.Clone(m.history[NormalizeVendorName(vendor)]), nil
}

func (m *MockERP) PostInvoice(ctx context.Context, provider string, req PostingRequest) (string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if id, ok := m.keys[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return id, nil
	}
	m.seq++
	id := fmt.Sprintf("TXN-%06d", m.seq)
	m.posted[id] = req
	if req.IdempotencyKey != "" {
		m.keys[req.IdempotencyKey] = id
	}
	return id, nil
}

func (m *MockERP) SchedulePayment(ctx context.Context, provider string, req PaymentRequest) (*ScheduledPayment, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.posted[req.TransactionID]; !ok {
		return nil, fmt.Errorf("transaction %s has not been posted", req.TransactionID)
	}
	m.seq++
	date := req.DueDate
	if date == "" {
		date = time.Now().UTC().AddDate(0, 0, 30).Format("2006-01-02")
	}
	return &ScheduledPayment{ID: fmt.Sprintf("PAY-%06d", m.seq), PaymentDate: date}, nil
}

// Posted returns the posting requests received so far, keyed by transaction.
func (m *MockERP) Posted() map[string]PostingRequest {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make(map[string]PostingRequest, len(m.posted))
	for k, v := range m.posted {
		out[k] = v
	}
	return out
}

// MockNotifier records messages instead of sending them.
type MockNotifier struct {
	mutex sync.Mutex
	sent  []Message
}

func (n *MockNotifier) Send(ctx context.Context, provider string, msg Message) (string, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.sent = append(n.sent, msg)
	return fmt.Sprintf("%s-msg-%d", provider, len(n.sent)), nil
}

// Sent returns every message recorded so far.
func (n *MockNotifier) Sent() []Message {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return slices.Clone(n.sent)
}

// MemoryDocumentStore keeps raw documents in memory.
type MemoryDocumentStore struct {
	mutex sync.Mutex
	docs  map[string][]byte
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: map[string][]byte{}}
}

func (s *MemoryDocumentStore) Put(ctx context.Context, provider, key string, data []byte) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.docs[key] = slices.Clone(data)
	return provider + "://" + key, nil
}

// Get returns a stored document.
func (s *MemoryDocumentStore) Get(key string) ([]byte, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	data, ok := s.docs[key]
	return slices.Clone(data), ok
}

// NewMockSuite wires the mock providers behind the given table.
func NewMockSuite(table ProviderTable, erp *MockERP) *Suite {
	if erp == nil {
		erp = NewMockERP()
	}
	return &Suite{
		Providers: table,
		OCR:       MockOCR{},
		Enricher:  MockEnricher{},
		ERP:       erp,
		Notifier:  &MockNotifier{},
		Documents: NewMemoryDocumentStore(),
	}
}

// DemoCatalogue is a small set of purchase orders for local runs.
func DemoCatalogue() []invoiceflow.PurchaseOrder {
	return []invoiceflow.PurchaseOrder{
		{
			ID:          "PO-2024-1001",
			Vendor:      "Acme Corporation",
			Total:       15000,
			CreatedDate: "2024-01-02",
			LineItems:   []invoiceflow.LineItem{{Description: "Consulting Services", Quantity: 10, UnitPrice: 1500, Total: 15000}},
		},
		{
			ID:          "PO-2024-1002",
			Vendor:      "Globex Inc",
			Total:       4200,
			CreatedDate: "2024-01-09",
			LineItems:   []invoiceflow.LineItem{{Description: "Hardware", Quantity: 6, UnitPrice: 700, Total: 4200}},
		},
	}
}
