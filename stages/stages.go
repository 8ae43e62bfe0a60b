// Package stages implements the invoice pipeline's stage handlers on top of
// the capability suite.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/invoiceflow"
	"github.com/deepnoodle-ai/invoiceflow/capability"
	"github.com/deepnoodle-ai/invoiceflow/match"
	"github.com/deepnoodle-ai/invoiceflow/script"
)

// Account codes used for the journal entries written by RECONCILE.
const (
	AccountPayable  = "2100"
	AccountExpenses = "5000"

	SystemApprover = "SYSTEM"
)

// Templates are the notification texts rendered by NOTIFY. Each may embed
// ${expression} placeholders over the invoice globals.
type Templates struct {
	VendorSubject  string
	VendorBody     string
	FinanceSubject string
	FinanceBody    string
}

// DefaultTemplates returns the stock notification texts.
func DefaultTemplates() Templates {
	return Templates{
		VendorSubject:  "Invoice ${invoice.invoice_id} has been processed",
		VendorBody:     "Your invoice ${invoice.invoice_id} for ${amount} ${currency} was posted as ${posting.transaction_id}. Payment is scheduled for ${posting.payment_date}.",
		FinanceSubject: "Invoice ${invoice.invoice_id} posted (${approval.status})",
		FinanceBody:    "Vendor ${vendor} billed ${amount} ${currency}. Match score ${match.score}, approver ${approval.approver}.",
	}
}

// Options configures the stage handlers. An unset Match uses
// match.DefaultOptions; a partially set one is validated as given.
type Options struct {
	Suite        *capability.Suite
	Match        match.Options
	Approval     invoiceflow.ApprovalConfig
	Compiler     script.Compiler
	Templates    *Templates
	FinanceEmail string
	Now          func() time.Time
}

// Handlers holds the compiled state shared by every stage.
type Handlers struct {
	suite        *capability.Suite
	match        match.Options
	approval     invoiceflow.ApprovalConfig
	policy       script.Script
	templates    compiledTemplates
	financeEmail string
	now          func() time.Time
}

type compiledTemplates struct {
	vendorSubject, vendorBody, financeSubject, financeBody *script.Template
}

// New validates options and compiles the approval policy and templates.
func New(opts Options) (*Handlers, error) {
	if opts.Suite == nil {
		return nil, fmt.Errorf("capability suite is required")
	}
	if err := opts.Suite.Validate(); err != nil {
		return nil, err
	}
	if opts.Match == (match.Options{}) {
		opts.Match = match.DefaultOptions()
	}
	if err := opts.Match.Validate(); err != nil {
		return nil, err
	}
	if opts.Compiler == nil {
		opts.Compiler = script.NewRisorEngine(script.DefaultGlobals())
	}
	if opts.Templates == nil {
		t := DefaultTemplates()
		opts.Templates = &t
	}
	if opts.FinanceEmail == "" {
		opts.FinanceEmail = "finance@invoiceflow.local"
	}
	if opts.Approval.EscalateTo == "" {
		opts.Approval.EscalateTo = invoiceflow.DefaultConfig().Approval.EscalateTo
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx := context.Background()
	h := &Handlers{
		suite:        opts.Suite,
		match:        opts.Match,
		approval:     opts.Approval,
		financeEmail: opts.FinanceEmail,
		now:          func() time.Time { return opts.Now().UTC() },
	}
	if opts.Approval.Policy != "" {
		policy, err := opts.Compiler.Compile(ctx, opts.Approval.Policy)
		if err != nil {
			return nil, fmt.Errorf("invalid approval policy: %w", err)
		}
		h.policy = policy
	}
	for _, t := range []struct {
		dst **script.Template
		src string
	}{
		{&h.templates.vendorSubject, opts.Templates.VendorSubject},
		{&h.templates.vendorBody, opts.Templates.VendorBody},
		{&h.templates.financeSubject, opts.Templates.FinanceSubject},
		{&h.templates.financeBody, opts.Templates.FinanceBody},
	} {
		tmpl, err := script.NewTemplate(ctx, opts.Compiler, t.src)
		if err != nil {
			return nil, err
		}
		*t.dst = tmpl
	}
	return h, nil
}

// Map returns the handler for every handler-backed stage.
func (h *Handlers) Map() map[invoiceflow.StageID]invoiceflow.Handler {
	return map[invoiceflow.StageID]invoiceflow.Handler{
		invoiceflow.StageIntake:      invoiceflow.HandlerFunc(h.Intake),
		invoiceflow.StageUnderstand:  invoiceflow.HandlerFunc(h.Understand),
		invoiceflow.StagePrepare:     invoiceflow.HandlerFunc(h.Prepare),
		invoiceflow.StageRetrieve:    invoiceflow.HandlerFunc(h.Retrieve),
		invoiceflow.StageMatchTwoWay: invoiceflow.HandlerFunc(h.MatchTwoWay),
		invoiceflow.StageReconcile:   invoiceflow.HandlerFunc(h.Reconcile),
		invoiceflow.StageApprove:     invoiceflow.HandlerFunc(h.Approve),
		invoiceflow.StagePosting:     invoiceflow.HandlerFunc(h.Posting),
		invoiceflow.StageNotify:      invoiceflow.HandlerFunc(h.Notify),
		invoiceflow.StageComplete:    invoiceflow.HandlerFunc(h.Complete),
	}
}

// NewRegistry builds a registry with the standard handlers.
func NewRegistry(opts Options) (*invoiceflow.Registry, error) {
	h, err := New(opts)
	if err != nil {
		return nil, err
	}
	return invoiceflow.NewRegistry(h.Map())
}

func (h *Handlers) provider(kind capability.Kind) string {
	return h.suite.Providers.Provider(kind)
}

func requireInvoice(in *invoiceflow.StageInput) (*invoiceflow.Invoice, error) {
	if in.State.Invoice == nil {
		return nil, invoiceflow.Permanent(fmt.Errorf("stage %s: run state has no invoice", in.Stage))
	}
	return in.State.Invoice, nil
}

// globals exposes run state to scripts as plain maps, lists and numbers.
func globals(state invoiceflow.State) (map[string]any, error) {
	// Absent sections are left to the compiler's nil placeholders.
	g := map[string]any{
		"amount":     state.Amount(),
		"currency":   "",
		"vendor":     "",
		"risk_flags": []any{},
	}
	if state.Invoice != nil {
		g["currency"] = state.Invoice.Currency
		g["vendor"] = state.Invoice.VendorName
	}
	if state.Prepared != nil {
		g["vendor"] = state.Prepared.Vendor.Name
		flags := make([]any, len(state.Prepared.RiskFlags))
		for i, f := range state.Prepared.RiskFlags {
			flags[i] = f
		}
		g["risk_flags"] = flags
	}
	for name, v := range map[string]any{
		"invoice":  state.Invoice,
		"match":    state.Match,
		"approval": state.Approval,
		"posting":  state.Posting,
		"decision": state.Decision,
	} {
		m, err := asMap(v)
		if err != nil {
			return nil, fmt.Errorf("failed to expose %s to scripts: %w", name, err)
		}
		if m != nil {
			g[name] = m
		}
	}
	return g, nil
}

func asMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
