package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/deepnoodle-ai/invoiceflow"
	"github.com/deepnoodle-ai/invoiceflow/capability"
	"github.com/deepnoodle-ai/invoiceflow/match"
	"github.com/deepnoodle-ai/invoiceflow/script"
)

// Risk flags raised by PREPARE.
const (
	RiskHighValue         = "high_value"
	RiskMissingTaxID      = "missing_tax_id"
	RiskDueBeforeIssue    = "due_before_invoice_date"
	RiskLineItemMismatch  = "line_item_total_mismatch"
	RiskNoPurchaseOrderID = "no_po_reference"
)

// Intake stores the raw invoice document and stamps the ingestion time.
func (h *Handlers) Intake(ctx context.Context, in *invoiceflow.StageInput) (invoiceflow.State, error) {
	inv, err := requireInvoice(in)
	if err != nil {
		return invoiceflow.State{}, err
	}
	raw, err := json.Marshal(inv)
	if err != nil {
		return invoiceflow.State{}, invoiceflow.Permanent(fmt.Errorf("failed to encode invoice: %w", err))
	}
	key := fmt.Sprintf("raw/%s/%s.json", in.RunID, inv.InvoiceID)
	rawID, err := h.suite.Documents.Put(ctx, h.provider(capability.KindStorage), key, raw)
	if err != nil {
		return invoiceflow.State{}, fmt.Errorf("failed to store raw invoice: %w", err)
	}
	in.Logger.Debug("stored raw invoice", "raw_id", rawID, "bytes", len(raw))
	return invoiceflow.State{RawID: rawID, IngestedAt: h.now()}, nil
}

// Understand runs OCR over the invoice and records the structured result.
func (h *Handlers) Understand(ctx context.Context, in *invoiceflow.StageInput) (invoiceflow.State, error) {
	inv, err := requireInvoice(in)
	if err != nil {
		return invoiceflow.State{}, err
	}
	provider := h.provider(capability.KindOCR)
	ext, err := h.suite.OCR.Extract(ctx, provider, *inv)
	if err != nil {
		return invoiceflow.State{}, fmt.Errorf("ocr extraction failed: %w", err)
	}
	items := ext.LineItems
	if len(items) == 0 {
		items = inv.LineItems
	}
	parsed := &invoiceflow.ParsedInvoice{
		Text:              ext.Text,
		LineItems:         items,
		DetectedPONumbers: ext.PONumbers,
		Currency:          inv.Currency,
		InvoiceDate:       inv.InvoiceDate,
		DueDate:           inv.DueDate,
		Amount:            inv.Amount,
		OCRProvider:       provider,
	}
	in.Logger.Info("invoice parsed", "provider", provider, "po_refs", len(ext.PONumbers))
	return invoiceflow.State{
		Parsed: parsed,
		Extra:  map[string]any{"ocr_confidence": ext.Confidence},
	}, nil
}

// Prepare enriches the vendor and flags risks and missing information.
func (h *Handlers) Prepare(ctx context.Context, in *invoiceflow.StageInput) (invoiceflow.State, error) {
	inv, err := requireInvoice(in)
	if err != nil {
		return invoiceflow.State{}, err
	}
	provider := h.provider(capability.KindEnrichment)
	profile, err := h.suite.Enricher.Enrich(ctx, provider, inv.VendorName, inv.VendorTaxID)
	if err != nil {
		return invoiceflow.State{}, fmt.Errorf("vendor enrichment failed: %w", err)
	}
	if profile.NormalizedName == "" {
		profile.NormalizedName = capability.NormalizeVendorName(inv.VendorName)
	}
	prep := &invoiceflow.Preparation{
		Vendor:      *profile,
		RiskFlags:   []string{},
		MissingInfo: []string{},
	}

	if h.approval.AutoApproveLimit > 0 && inv.Amount > h.approval.AutoApproveLimit {
		prep.RiskFlags = append(prep.RiskFlags, RiskHighValue)
	}
	if inv.VendorTaxID == "" {
		prep.RiskFlags = append(prep.RiskFlags, RiskMissingTaxID)
		prep.MissingInfo = append(prep.MissingInfo, "vendor_tax_id")
	}
	if inv.InvoiceDate == "" {
		prep.MissingInfo = append(prep.MissingInfo, "invoice_date")
	}
	if inv.DueDate == "" {
		prep.MissingInfo = append(prep.MissingInfo, "due_date")
	}
	if inv.InvoiceDate != "" && inv.DueDate != "" && inv.DueDate < inv.InvoiceDate {
		prep.RiskFlags = append(prep.RiskFlags, RiskDueBeforeIssue)
	}
	if len(inv.LineItems) > 0 {
		var sum float64
		for _, item := range inv.LineItems {
			sum += item.Total
		}
		if math.Abs(sum-inv.Amount) > 0.01 {
			prep.RiskFlags = append(prep.RiskFlags, RiskLineItemMismatch)
		}
	}
	if in.State.Parsed != nil && len(in.State.Parsed.DetectedPONumbers) == 0 {
		prep.RiskFlags = append(prep.RiskFlags, RiskNoPurchaseOrderID)
	}
	in.Logger.Info("invoice prepared",
		"vendor", prep.Vendor.NormalizedName,
		"risk_flags", strings.Join(prep.RiskFlags, ","))
	return invoiceflow.State{Prepared: prep}, nil
}

// Retrieve fetches purchase orders, goods receipts and vendor history. When
// the invoice names purchase orders that the ERP does not know, all of the
// vendor's orders are considered instead.
func (h *Handlers) Retrieve(ctx context.Context, in *invoiceflow.StageInput) (invoiceflow.State, error) {
	inv, err := requireInvoice(in)
	if err != nil {
		return invoiceflow.State{}, err
	}
	provider := h.provider(capability.KindERP)
	vendor := inv.VendorName
	if in.State.Prepared != nil && in.State.Prepared.Vendor.Name != "" {
		vendor = in.State.Prepared.Vendor.Name
	}
	q := capability.POQuery{Vendor: vendor}
	if in.State.Parsed != nil {
		q.PONumbers = in.State.Parsed.DetectedPONumbers
	}
	orders, err := h.suite.ERP.FetchPurchaseOrders(ctx, provider, q)
	if err != nil {
		return invoiceflow.State{}, fmt.Errorf("failed to fetch purchase orders: %w", err)
	}
	if len(orders) == 0 && len(q.PONumbers) > 0 {
		in.Logger.Warn("referenced purchase orders not found, widening to vendor", "po_refs", q.PONumbers)
		orders, err = h.suite.ERP.FetchPurchaseOrders(ctx, provider, capability.POQuery{Vendor: vendor})
		if err != nil {
			return invoiceflow.State{}, fmt.Errorf("failed to fetch purchase orders: %w", err)
		}
	}

	// Orders in another currency can never match this invoice.
	eligible := make([]invoiceflow.PurchaseOrder, 0, len(orders))
	for _, po := range orders {
		if po.Currency != "" && !strings.EqualFold(po.Currency, inv.Currency) {
			continue
		}
		eligible = append(eligible, po)
	}

	ids := make([]string, len(eligible))
	for i, po := range eligible {
		ids[i] = po.ID
	}
	var receipts []invoiceflow.GoodsReceipt
	if len(ids) > 0 {
		receipts, err = h.suite.ERP.FetchGoodsReceipts(ctx, provider, ids)
		if err != nil {
			return invoiceflow.State{}, fmt.Errorf("failed to fetch goods receipts: %w", err)
		}
	}
	history, err := h.suite.ERP.FetchHistory(ctx, provider, vendor)
	if err != nil {
		return invoiceflow.State{}, fmt.Errorf("failed to fetch vendor history: %w", err)
	}
	in.Logger.Info("erp context retrieved",
		"purchase_orders", len(eligible),
		"goods_receipts", len(receipts),
		"history", len(history))
	return invoiceflow.State{Retrieved: &invoiceflow.Retrieval{
		PurchaseOrders: eligible,
		GoodsReceipts:  receipts,
		History:        history,
		Provider:       provider,
	}}, nil
}

// MatchTwoWay scores the invoice against the retrieved purchase orders.
func (h *Handlers) MatchTwoWay(ctx context.Context, in *invoiceflow.StageInput) (invoiceflow.State, error) {
	inv, err := requireInvoice(in)
	if err != nil {
		return invoiceflow.State{}, err
	}
	ev := match.Score(inv.Amount, in.State.Retrieved.Candidates(), h.match)
	in.Logger.Info("two-way match scored",
		"po_id", ev.POID,
		"score", ev.Score,
		"verdict", ev.Verdict)
	return invoiceflow.State{Match: &ev}, nil
}

// Reconcile books the invoice against accounts payable.
func (h *Handlers) Reconcile(ctx context.Context, in *invoiceflow.StageInput) (invoiceflow.State, error) {
	inv, err := requireInvoice(in)
	if err != nil {
		return invoiceflow.State{}, err
	}
	rec := &invoiceflow.Reconciliation{
		Entries: []invoiceflow.AccountingEntry{
			{
				Type:        invoiceflow.EntryDebit,
				Account:     AccountPayable,
				AccountName: "Accounts Payable",
				Amount:      inv.Amount,
				Currency:    inv.Currency,
				Reference:   inv.InvoiceID,
			},
			{
				Type:        invoiceflow.EntryCredit,
				Account:     AccountExpenses,
				AccountName: "Expenses",
				Amount:      inv.Amount,
				Currency:    inv.Currency,
				Reference:   inv.InvoiceID,
			},
		},
	}
	ev := in.State.Match
	switch {
	case ev != nil && ev.POID != "":
		rec.POID = ev.POID
		rec.Report = fmt.Sprintf("Invoice %s reconciled against %s: invoice %.2f, PO %.2f, variance %.2f (%.2f%%)",
			inv.InvoiceID, ev.POID, inv.Amount, ev.POTotal, ev.Difference, ev.DiffPct)
	default:
		rec.Report = fmt.Sprintf("Invoice %s reconciled without a purchase order", inv.InvoiceID)
	}
	if d := in.State.Decision; d != nil && d.Decision == invoiceflow.DecisionAccept {
		rec.Report += fmt.Sprintf("; accepted by reviewer %s", d.ReviewerID)
	}
	return invoiceflow.State{Reconciliation: rec}, nil
}

// Approve applies the approval policy. A configured policy script decides
// when present; otherwise amounts up to the auto-approve limit are approved.
func (h *Handlers) Approve(ctx context.Context, in *invoiceflow.StageInput) (invoiceflow.State, error) {
	inv, err := requireInvoice(in)
	if err != nil {
		return invoiceflow.State{}, err
	}
	approved := inv.Amount <= h.approval.AutoApproveLimit
	policy := "amount_limit"
	reason := fmt.Sprintf("amount %.2f is within the %.2f limit", inv.Amount, h.approval.AutoApproveLimit)
	if !approved {
		reason = fmt.Sprintf("amount %.2f exceeds the %.2f limit", inv.Amount, h.approval.AutoApproveLimit)
	}
	if h.policy != nil {
		g, err := globals(in.State)
		if err != nil {
			return invoiceflow.State{}, invoiceflow.Permanent(err)
		}
		v, err := h.policy.Evaluate(ctx, g)
		if err != nil {
			return invoiceflow.State{}, invoiceflow.Permanent(fmt.Errorf("approval policy: %w", err))
		}
		approved = v.IsTruthy()
		policy = "script"
		reason = fmt.Sprintf("policy evaluated to %s", v.String())
	}
	out := &invoiceflow.Approval{Policy: policy, Reason: reason}
	if approved {
		out.Status = invoiceflow.ApprovalAutoApproved
		out.Approver = SystemApprover
	} else {
		out.Status = invoiceflow.ApprovalEscalated
		out.Approver = h.approval.EscalateTo
	}
	in.Logger.Info("approval decided", "status", out.Status, "approver", out.Approver, "policy", policy)
	return invoiceflow.State{Approval: out}, nil
}

// Posting books the invoice in the ERP and schedules its payment.
func (h *Handlers) Posting(ctx context.Context, in *invoiceflow.StageInput) (invoiceflow.State, error) {
	inv, err := requireInvoice(in)
	if err != nil {
		return invoiceflow.State{}, err
	}
	provider := h.provider(capability.KindERP)
	// A retried stage re-posts with the same key and gets the first
	// transaction back.
	req := capability.PostingRequest{
		IdempotencyKey: PostingKey(in.RunID, inv.InvoiceID),
		InvoiceID:      inv.InvoiceID,
		Amount:         inv.Amount,
		Currency:       inv.Currency,
	}
	if in.State.Reconciliation != nil {
		req.Entries = in.State.Reconciliation.Entries
	}
	txn, err := h.suite.ERP.PostInvoice(ctx, provider, req)
	if err != nil {
		return invoiceflow.State{}, fmt.Errorf("failed to post invoice: %w", err)
	}
	payment, err := h.suite.ERP.SchedulePayment(ctx, provider, capability.PaymentRequest{
		InvoiceID:     inv.InvoiceID,
		TransactionID: txn,
		Amount:        inv.Amount,
		Currency:      inv.Currency,
		DueDate:       inv.DueDate,
	})
	if err != nil {
		return invoiceflow.State{}, fmt.Errorf("failed to schedule payment: %w", err)
	}
	in.Logger.Info("invoice posted", "transaction_id", txn, "payment_id", payment.ID)
	return invoiceflow.State{Posting: &invoiceflow.Posting{
		TransactionID:      txn,
		ScheduledPaymentID: payment.ID,
		PaymentDate:        payment.PaymentDate,
		Provider:           provider,
		PostedAt:           h.now(),
	}}, nil
}

// PostingKey is the idempotency key POSTING sends to the ERP.
func PostingKey(runID, invoiceID string) string {
	return runID + ":" + invoiceID
}

// Notify emails the vendor and the finance team.
func (h *Handlers) Notify(ctx context.Context, in *invoiceflow.StageInput) (invoiceflow.State, error) {
	inv, err := requireInvoice(in)
	if err != nil {
		return invoiceflow.State{}, err
	}
	g, err := globals(in.State)
	if err != nil {
		return invoiceflow.State{}, invoiceflow.Permanent(err)
	}
	provider := h.provider(capability.KindEmail)
	vendorAddr := "billing@" + strings.ReplaceAll(capability.NormalizeVendorName(inv.VendorName), " ", "-") + ".example.com"

	var sent []invoiceflow.Notification
	for _, n := range []struct {
		to            string
		subject, body *script.Template
	}{
		{vendorAddr, h.templates.vendorSubject, h.templates.vendorBody},
		{h.financeEmail, h.templates.financeSubject, h.templates.financeBody},
	} {
		subject, err := n.subject.Render(ctx, g)
		if err != nil {
			return invoiceflow.State{}, invoiceflow.Permanent(fmt.Errorf("failed to render subject: %w", err))
		}
		body, err := n.body.Render(ctx, g)
		if err != nil {
			return invoiceflow.State{}, invoiceflow.Permanent(fmt.Errorf("failed to render body: %w", err))
		}
		id, err := h.suite.Notifier.Send(ctx, provider, capability.Message{To: n.to, Subject: subject, Body: body})
		if err != nil {
			return invoiceflow.State{}, fmt.Errorf("failed to notify %s: %w", n.to, err)
		}
		sent = append(sent, invoiceflow.Notification{
			Recipient: n.to,
			Subject:   subject,
			Body:      body,
			MessageID: id,
			Provider:  provider,
		})
	}
	in.Logger.Info("notifications sent", "count", len(sent))
	return invoiceflow.State{Notifications: sent}, nil
}

// Final outcomes recorded by COMPLETE.
const (
	OutcomePosted        = "POSTED"
	OutcomeManualHandoff = "MANUAL_HANDOFF"
	OutcomeNotPosted     = "NOT_POSTED"
)

// Complete writes the final payload summarizing the run.
func (h *Handlers) Complete(ctx context.Context, in *invoiceflow.StageInput) (invoiceflow.State, error) {
	inv, err := requireInvoice(in)
	if err != nil {
		return invoiceflow.State{}, err
	}
	s := in.State
	final := &invoiceflow.FinalPayload{
		InvoiceID:   inv.InvoiceID,
		Vendor:      inv.VendorName,
		Amount:      inv.Amount,
		Currency:    inv.Currency,
		MatchScore:  s.MatchScore(),
		CompletedAt: h.now(),
	}
	if s.Match != nil {
		final.MatchVerdict = s.Match.Verdict
	}
	if s.Approval != nil {
		final.Approval = string(s.Approval.Status)
	}
	if s.Decision != nil {
		final.ReviewedBy = s.Decision.ReviewerID
	}
	switch {
	case s.Decision != nil && s.Decision.Decision == invoiceflow.DecisionReject:
		final.Outcome = OutcomeManualHandoff
	case s.Posting != nil:
		final.Outcome = OutcomePosted
		final.TransactionID = s.Posting.TransactionID
	default:
		final.Outcome = OutcomeNotPosted
	}
	return invoiceflow.State{Final: final}, nil
}
