package invoiceflow

import (
	"time"

	"github.com/deepnoodle-ai/invoiceflow/match"
)

// ParsedInvoice is the structured view of the invoice produced by UNDERSTAND.
type ParsedInvoice struct {
	Text              string     `json:"text"`
	LineItems         []LineItem `json:"line_items"`
	DetectedPONumbers []string   `json:"detected_po_numbers"`
	Currency          string     `json:"currency"`
	InvoiceDate       string     `json:"invoice_date,omitempty"`
	DueDate           string     `json:"due_date,omitempty"`
	Amount            float64    `json:"amount"`
	OCRProvider       string     `json:"ocr_provider"`
}

// VendorProfile is the enriched vendor record.
type VendorProfile struct {
	Name           string  `json:"name"`
	NormalizedName string  `json:"normalized_name"`
	TaxID          string  `json:"tax_id,omitempty"`
	Industry       string  `json:"industry,omitempty"`
	CreditScore    float64 `json:"credit_score,omitempty"`
	Provider       string  `json:"provider"`
}

// Preparation holds the vendor normalization and validation output.
type Preparation struct {
	Vendor      VendorProfile `json:"vendor"`
	RiskFlags   []string      `json:"risk_flags"`
	MissingInfo []string      `json:"missing_info"`
}

// PurchaseOrder is a committed order fetched from the ERP.
type PurchaseOrder struct {
	ID          string     `json:"po_id"`
	Vendor      string     `json:"vendor"`
	Total       float64    `json:"amount"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	CreatedDate string     `json:"created_date,omitempty"`
	LineItems   []LineItem `json:"line_items,omitempty"`
}

// GoodsReceipt records delivery against a purchase order.
type GoodsReceipt struct {
	ID         string  `json:"grn_id"`
	POID       string  `json:"po_id"`
	Quantity   float64 `json:"quantity"`
	ReceivedOn string  `json:"received_on,omitempty"`
}

// HistoricalInvoice is a previously processed invoice from the same vendor.
type HistoricalInvoice struct {
	InvoiceID string  `json:"invoice_id"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
}

// Retrieval is the ERP context fetched by RETRIEVE.
type Retrieval struct {
	PurchaseOrders []PurchaseOrder     `json:"purchase_orders"`
	GoodsReceipts  []GoodsReceipt      `json:"goods_receipts"`
	History        []HistoricalInvoice `json:"history"`
	Provider       string              `json:"provider"`
}

// Candidates converts the fetched purchase orders into match candidates.
func (r *Retrieval) Candidates() []match.Candidate {
	if r == nil {
		return nil
	}
	out := make([]match.Candidate, 0, len(r.PurchaseOrders))
	for _, po := range r.PurchaseOrders {
		out = append(out, match.Candidate{ID: po.ID, Total: po.Total})
	}
	return out
}

// HumanDecision is the reviewer's resolution merged into state on resume.
type HumanDecision struct {
	CheckpointID string    `json:"checkpoint_id"`
	Decision     Decision  `json:"decision"`
	ReviewerID   string    `json:"reviewer_id"`
	Notes        string    `json:"notes,omitempty"`
	DecidedAt    time.Time `json:"decided_at"`
}

// EntryType is the side of an accounting entry.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// AccountingEntry is one journal line produced by RECONCILE.
type AccountingEntry struct {
	Type        EntryType `json:"type"`
	Account     string    `json:"account"`
	AccountName string    `json:"account_name"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Reference   string    `json:"reference"`
}

// Reconciliation is the RECONCILE output.
type Reconciliation struct {
	Entries []AccountingEntry `json:"entries"`
	Report  string            `json:"report"`
	POID    string            `json:"po_id,omitempty"`
}

// ApprovalStatus is the outcome of the approval policy.
type ApprovalStatus string

const (
	ApprovalAutoApproved ApprovalStatus = "AUTO_APPROVED"
	ApprovalEscalated    ApprovalStatus = "ESCALATED"
)

// Approval is the APPROVE output.
type Approval struct {
	Status   ApprovalStatus `json:"status"`
	Approver string         `json:"approver"`
	Policy   string         `json:"policy"`
	Reason   string         `json:"reason,omitempty"`
}

// Posting is the POSTING output.
type Posting struct {
	TransactionID      string    `json:"transaction_id"`
	ScheduledPaymentID string    `json:"scheduled_payment_id"`
	PaymentDate        string    `json:"payment_date,omitempty"`
	Provider           string    `json:"provider"`
	PostedAt           time.Time `json:"posted_at"`
}

// Notification records one outbound message sent by NOTIFY.
type Notification struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	MessageID string `json:"message_id"`
	Provider  string `json:"provider"`
}

// FinalPayload is the summary COMPLETE writes at the end of every run.
type FinalPayload struct {
	InvoiceID     string        `json:"invoice_id"`
	Vendor        string        `json:"vendor"`
	Amount        float64       `json:"amount"`
	Currency      string        `json:"currency"`
	Outcome       string        `json:"outcome"`
	MatchScore    float64       `json:"match_score"`
	MatchVerdict  match.Verdict `json:"match_verdict,omitempty"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Approval      string        `json:"approval,omitempty"`
	ReviewedBy    string        `json:"reviewed_by,omitempty"`
	CompletedAt   time.Time     `json:"completed_at"`
}

// State is the data accumulated by a run. Each stage fills in its own
// fields. Extra carries provider specific data that has no typed home.
type State struct {
	Invoice        *Invoice        `json:"invoice,omitempty"`
	RawID          string          `json:"raw_id,omitempty"`
	IngestedAt     time.Time       `json:"ingested_at,omitzero"`
	Parsed         *ParsedInvoice  `json:"parsed,omitempty"`
	Prepared       *Preparation    `json:"prepared,omitempty"`
	Retrieved      *Retrieval      `json:"retrieved,omitempty"`
	Match          *match.Evidence `json:"match,omitempty"`
	Decision       *HumanDecision  `json:"decision,omitempty"`
	Reconciliation *Reconciliation `json:"reconciliation,omitempty"`
	Approval       *Approval       `json:"approval,omitempty"`
	Posting        *Posting        `json:"posting,omitempty"`
	Notifications  []Notification  `json:"notifications,omitempty"`
	Final          *FinalPayload   `json:"final,omitempty"`
	Extra          map[string]any  `json:"extra,omitempty"`
}

// Merge copies every field set in patch onto s. Fields absent from the patch
// are left alone; nothing is ever removed.
func (s *State) Merge(patch State) {
	p := patch.Clone()
	if p.Invoice != nil {
		s.Invoice = p.Invoice
	}
	if p.RawID != "" {
		s.RawID = p.RawID
	}
	if !p.IngestedAt.IsZero() {
		s.IngestedAt = p.IngestedAt
	}
	if p.Parsed != nil {
		s.Parsed = p.Parsed
	}
	if p.Prepared != nil {
		s.Prepared = p.Prepared
	}
	if p.Retrieved != nil {
		s.Retrieved = p.Retrieved
	}
	if p.Match != nil {
		s.Match = p.Match
	}
	if p.Decision != nil {
		s.Decision = p.Decision
	}
	if p.Reconciliation != nil {
		s.Reconciliation = p.Reconciliation
	}
	if p.Approval != nil {
		s.Approval = p.Approval
	}
	if p.Posting != nil {
		s.Posting = p.Posting
	}
	if p.Notifications != nil {
		s.Notifications = p.Notifications
	}
	if p.Final != nil {
		s.Final = p.Final
	}
	if len(p.Extra) > 0 {
		if s.Extra == nil {
			s.Extra = make(map[string]any, len(p.Extra))
		}
		for k, v := range p.Extra {
			s.Extra[k] = v
		}
	}
}

// Clone returns a deep copy that shares no memory with s.
func (s State) Clone() State {
	out := s
	out.Invoice = s.Invoice.Clone()
	if s.Parsed != nil {
		p := *s.Parsed
		p.LineItems = cloneSlice(p.LineItems)
		p.DetectedPONumbers = cloneSlice(p.DetectedPONumbers)
		out.Parsed = &p
	}
	if s.Prepared != nil {
		p := *s.Prepared
		p.RiskFlags = cloneSlice(p.RiskFlags)
		p.MissingInfo = cloneSlice(p.MissingInfo)
		out.Prepared = &p
	}
	if s.Retrieved != nil {
		r := *s.Retrieved
		r.PurchaseOrders = make([]PurchaseOrder, len(s.Retrieved.PurchaseOrders))
		for i, po := range s.Retrieved.PurchaseOrders {
			po.LineItems = cloneSlice(po.LineItems)
			r.PurchaseOrders[i] = po
		}
		if s.Retrieved.PurchaseOrders == nil {
			r.PurchaseOrders = nil
		}
		r.GoodsReceipts = cloneSlice(r.GoodsReceipts)
		r.History = cloneSlice(r.History)
		out.Retrieved = &r
	}
	out.Match = clonePtr(s.Match)
	out.Decision = clonePtr(s.Decision)
	if s.Reconciliation != nil {
		r := *s.Reconciliation
		r.Entries = cloneSlice(r.Entries)
		out.Reconciliation = &r
	}
	out.Approval = clonePtr(s.Approval)
	out.Posting = clonePtr(s.Posting)
	out.Notifications = cloneSlice(s.Notifications)
	out.Final = clonePtr(s.Final)
	if s.Extra != nil {
		out.Extra = copyMap(s.Extra)
	}
	return out
}

// MatchScore returns the recorded score, or zero before MATCH_TWO_WAY ran.
func (s *State) MatchScore() float64 {
	if s.Match == nil {
		return 0
	}
	return s.Match.Score
}

// Amount returns the invoice amount, or zero before INTAKE ran.
func (s *State) Amount() float64 {
	if s.Invoice == nil {
		return 0
	}
	return s.Invoice.Amount
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return cloneSlice(t)
	default:
		return v
	}
}
