package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/deepnoodle-ai/invoiceflow"
	"github.com/deepnoodle-ai/invoiceflow/capability"
	"github.com/deepnoodle-ai/invoiceflow/match"
	"github.com/deepnoodle-ai/invoiceflow/script"
	"github.com/stretchr/testify/require"
)

type harness struct {
	engine   *invoiceflow.Engine
	store    *invoiceflow.MemoryStore
	audit    *invoiceflow.MemoryAuditSink
	erp      *capability.MockERP
	notifier *capability.MockNotifier
	suite    *capability.Suite
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	erp := capability.NewMockERP(capability.DemoCatalogue()...)
	suite := capability.NewMockSuite(capability.DefaultProviderTable(), erp)
	opts := Options{
		Suite:    suite,
		Match:    match.DefaultOptions(),
		Approval: invoiceflow.DefaultConfig().Approval,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	registry, err := NewRegistry(opts)
	require.NoError(t, err)

	store := invoiceflow.NewMemoryStore()
	audit := invoiceflow.NewMemoryAuditSink()
	engine, err := invoiceflow.NewEngine(invoiceflow.EngineOptions{
		Registry:      registry,
		Store:         store,
		Audit:         audit,
		Retry:         invoiceflow.RetryPolicy{MaxAttempts: 3},
		ReviewBaseURL: "http://localhost:3000",
	})
	require.NoError(t, err)
	return &harness{
		engine:   engine,
		store:    store,
		audit:    audit,
		erp:      erp,
		notifier: suite.Notifier.(*capability.MockNotifier),
		suite:    suite,
	}
}

func acmeInvoice() invoiceflow.Invoice {
	return invoiceflow.Invoice{
		InvoiceID:   "INV-1001",
		VendorName:  "Acme Corporation",
		VendorTaxID: "12-3456789",
		InvoiceDate: "2024-01-15",
		DueDate:     "2024-02-14",
		Amount:      15000,
		Currency:    "USD",
		LineItems: []invoiceflow.LineItem{
			{Description: "Consulting Services per PO-2024-1001", Quantity: 10, UnitPrice: 1500, Total: 15000},
		},
	}
}

func unknownVendorInvoice() invoiceflow.Invoice {
	return invoiceflow.Invoice{
		InvoiceID:   "INV-2002",
		VendorName:  "Unknown Vendor LLC",
		InvoiceDate: "2024-01-20",
		Amount:      75000,
		Currency:    "USD",
		LineItems: []invoiceflow.LineItem{
			{Description: "Equipment", Quantity: 1, UnitPrice: 75000, Total: 75000},
		},
	}
}

func eventTypes(events []*invoiceflow.AuditEvent) []invoiceflow.EventType {
	out := make([]invoiceflow.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func completedStages(events []*invoiceflow.AuditEvent) []invoiceflow.StageID {
	var out []invoiceflow.StageID
	for _, e := range events {
		if e.Type == invoiceflow.EventStageCompleted {
			out = append(out, e.Stage)
		}
	}
	return out
}

func TestMatchedInvoiceCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	out, err := h.engine.Start(ctx, acmeInvoice())
	require.NoError(t, err)
	require.Equal(t, invoiceflow.RunStatusCompleted, out.Status)
	require.Equal(t, invoiceflow.StageComplete, out.CurrentStage)
	require.Empty(t, out.CheckpointID)

	run, err := h.engine.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	require.Equal(t, 0, run.RetryCount)
	require.False(t, run.CompletedAt.IsZero())

	s := run.State
	require.Equal(t, "local_fs://raw/"+run.ID+"/INV-1001.json", s.RawID)
	require.Equal(t, []string{"PO-2024-1001"}, s.Parsed.DetectedPONumbers)
	require.Equal(t, "google_vision", s.Parsed.OCRProvider)
	require.Equal(t, "clearbit", s.Prepared.Vendor.Provider)
	require.Contains(t, s.Prepared.RiskFlags, RiskHighValue)
	require.Len(t, s.Retrieved.PurchaseOrders, 1)
	require.Equal(t, match.VerdictMatched, s.Match.Verdict)
	require.Equal(t, 1.0, s.Match.Score)
	require.Equal(t, "PO-2024-1001", s.Reconciliation.POID)
	require.Len(t, s.Reconciliation.Entries, 2)
	require.Equal(t, invoiceflow.ApprovalEscalated, s.Approval.Status)
	require.Equal(t, "finance_manager", s.Approval.Approver)
	require.Equal(t, "TXN-000001", s.Posting.TransactionID)
	require.Equal(t, "PAY-000002", s.Posting.ScheduledPaymentID)
	require.Equal(t, "2024-02-14", s.Posting.PaymentDate)
	require.Len(t, s.Notifications, 2)
	require.Equal(t, OutcomePosted, s.Final.Outcome)
	require.Equal(t, "TXN-000001", s.Final.TransactionID)

	pending, err := h.engine.ListPendingCheckpoints(ctx, 0, 0)
	require.NoError(t, err)
	require.Empty(t, pending)

	history, err := h.engine.History(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, []invoiceflow.StageID{
		invoiceflow.StageIntake,
		invoiceflow.StageUnderstand,
		invoiceflow.StagePrepare,
		invoiceflow.StageRetrieve,
		invoiceflow.StageMatchTwoWay,
		invoiceflow.StageReconcile,
		invoiceflow.StageApprove,
		invoiceflow.StagePosting,
		invoiceflow.StageNotify,
		invoiceflow.StageComplete,
	}, completedStages(history))
	types := eventTypes(history)
	require.Equal(t, invoiceflow.EventWorkflowStarted, types[0])
	require.Equal(t, invoiceflow.EventWorkflowCompleted, types[len(types)-1])
	require.NotContains(t, types, invoiceflow.EventCheckpointCreated)
}

func TestNotificationsAreRendered(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Start(context.Background(), acmeInvoice())
	require.NoError(t, err)

	sent := h.notifier.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, "billing@acme.example.com", sent[0].To)
	require.Equal(t, "Invoice INV-1001 has been processed", sent[0].Subject)
	require.Equal(t, "Your invoice INV-1001 for 15000 USD was posted as TXN-000001. Payment is scheduled for 2024-02-14.", sent[0].Body)
	require.Equal(t, "finance@invoiceflow.local", sent[1].To)
	require.Equal(t, "Invoice INV-1001 posted (ESCALATED)", sent[1].Subject)
	require.Equal(t, "Vendor Acme Corporation billed 15000 USD. Match score 1, approver finance_manager.", sent[1].Body)
}

func TestUnmatchedInvoicePauses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	out, err := h.engine.Start(ctx, unknownVendorInvoice())
	require.NoError(t, err)
	require.Equal(t, invoiceflow.RunStatusPaused, out.Status)
	require.Equal(t, invoiceflow.StageCheckpointHITL, out.CurrentStage)
	require.NotEmpty(t, out.CheckpointID)

	cp, err := h.engine.GetCheckpoint(ctx, out.CheckpointID)
	require.NoError(t, err)
	require.Equal(t, out.RunID, cp.RunID)
	require.Equal(t, "Two-way match failed. Score: 0.00 (threshold: 0.90)", cp.Reason)
	require.Equal(t, "http://localhost:3000/review/"+cp.ID, cp.ReviewURL)
	require.False(t, cp.Resolved)
	require.Equal(t, match.VerdictFailed, cp.State.Match.Verdict)
	require.Nil(t, cp.State.Reconciliation)
	require.Nil(t, cp.State.Posting)

	pending, err := h.engine.ListPendingCheckpoints(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Empty(t, h.erp.Posted())
	require.Empty(t, h.notifier.Sent())

	history, err := h.engine.History(ctx, out.RunID)
	require.NoError(t, err)
	types := eventTypes(history)
	require.Contains(t, types, invoiceflow.EventBranchDecision)
	require.Equal(t, invoiceflow.EventCheckpointCreated, types[len(types)-1])
}

func TestAcceptResumesAtReconcile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	paused, err := h.engine.Start(ctx, unknownVendorInvoice())
	require.NoError(t, err)

	out, err := h.engine.Resume(ctx, paused.CheckpointID, invoiceflow.Resolution{
		Decision:   invoiceflow.DecisionAccept,
		ReviewerID: "reviewer-7",
		Notes:      "verified with vendor by phone",
	})
	require.NoError(t, err)
	require.Equal(t, paused.RunID, out.RunID)
	require.Equal(t, invoiceflow.RunStatusCompleted, out.Status)

	run, err := h.engine.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	s := run.State
	require.Equal(t, invoiceflow.DecisionAccept, s.Decision.Decision)
	require.Equal(t, "reviewer-7", s.Decision.ReviewerID)
	require.Contains(t, s.Reconciliation.Report, "without a purchase order")
	require.Contains(t, s.Reconciliation.Report, "accepted by reviewer reviewer-7")
	require.NotNil(t, s.Posting)
	require.Equal(t, OutcomePosted, s.Final.Outcome)
	require.Equal(t, "reviewer-7", s.Final.ReviewedBy)

	cp, err := h.engine.GetCheckpoint(ctx, paused.CheckpointID)
	require.NoError(t, err)
	require.True(t, cp.Resolved)
	require.Equal(t, invoiceflow.DecisionAccept, cp.Decision)

	history, err := h.engine.History(ctx, out.RunID)
	require.NoError(t, err)
	stages := completedStages(history)
	require.Equal(t, []invoiceflow.StageID{
		invoiceflow.StageReconcile,
		invoiceflow.StageApprove,
		invoiceflow.StagePosting,
		invoiceflow.StageNotify,
		invoiceflow.StageComplete,
	}, stages[len(stages)-5:])

	var decision *invoiceflow.AuditEvent
	for _, e := range history {
		if e.Type == invoiceflow.EventHumanDecision {
			decision = e
		}
	}
	require.NotNil(t, decision)
	require.Equal(t, invoiceflow.ActorHuman, decision.ActorType)
	require.Equal(t, "reviewer-7", decision.ActorID)
}

func TestRejectHandsOffWithoutPosting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	paused, err := h.engine.Start(ctx, unknownVendorInvoice())
	require.NoError(t, err)

	out, err := h.engine.Resume(ctx, paused.CheckpointID, invoiceflow.Resolution{
		Decision:   invoiceflow.DecisionReject,
		ReviewerID: "reviewer-7",
	})
	require.NoError(t, err)
	require.Equal(t, invoiceflow.RunStatusManualHandoff, out.Status)
	require.Equal(t, invoiceflow.StageComplete, out.CurrentStage)

	run, err := h.engine.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	require.Nil(t, run.State.Reconciliation)
	require.Nil(t, run.State.Posting)
	require.Equal(t, OutcomeManualHandoff, run.State.Final.Outcome)
	require.Empty(t, h.erp.Posted())
	require.Empty(t, h.notifier.Sent())
}

func TestCheckpointResolvesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	paused, err := h.engine.Start(ctx, unknownVendorInvoice())
	require.NoError(t, err)
	res := invoiceflow.Resolution{Decision: invoiceflow.DecisionAccept, ReviewerID: "r1"}

	_, err = h.engine.Resume(ctx, paused.CheckpointID, res)
	require.NoError(t, err)
	_, err = h.engine.Resume(ctx, paused.CheckpointID, res)
	require.ErrorIs(t, err, invoiceflow.ErrCheckpointAlreadyResolved)

	require.Len(t, h.erp.Posted(), 1)
}

func TestConcurrentResolveHasOneWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	paused, err := h.engine.Start(ctx, unknownVendorInvoice())
	require.NoError(t, err)

	const reviewers = 8
	var (
		wg       sync.WaitGroup
		mutex    sync.Mutex
		wins     int
		rejected int
	)
	for i := 0; i < reviewers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Resume(ctx, paused.CheckpointID, invoiceflow.Resolution{
				Decision:   invoiceflow.DecisionAccept,
				ReviewerID: fmt.Sprintf("reviewer-%d", i),
			})
			mutex.Lock()
			defer mutex.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, invoiceflow.ErrCheckpointAlreadyResolved) {
				rejected++
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, reviewers-1, rejected)
	require.Len(t, h.erp.Posted(), 1)
}

func TestResumeUnknownCheckpoint(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Resume(context.Background(), "cp_missing", invoiceflow.Resolution{
		Decision:   invoiceflow.DecisionAccept,
		ReviewerID: "r1",
	})
	require.ErrorIs(t, err, invoiceflow.ErrCheckpointNotFound)
}

func TestInvalidInvoiceCreatesNoRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	inv := acmeInvoice()
	inv.Amount = -1

	_, err := h.engine.Start(ctx, inv)
	var verr *invoiceflow.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "amount", verr.Field)

	runs, err := h.engine.ListRuns(ctx, invoiceflow.ListOptions{})
	require.NoError(t, err)
	require.Empty(t, runs)
}

// flakyERP fails purchase order lookups a fixed number of times.
type flakyERP struct {
	*capability.MockERP
	mutex    sync.Mutex
	failures int
	calls    int
}

func (f *flakyERP) FetchPurchaseOrders(ctx context.Context, provider string, q capability.POQuery) ([]invoiceflow.PurchaseOrder, error) {
	f.mutex.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mutex.Unlock()
	if fail {
		return nil, fmt.Errorf("%s: %w", provider, capability.ErrUnavailable)
	}
	return f.MockERP.FetchPurchaseOrders(ctx, provider, q)
}

func TestTransientFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	erp := &flakyERP{MockERP: capability.NewMockERP(capability.DemoCatalogue()...), failures: 2}
	h := newHarness(t, func(o *Options) { o.Suite.ERP = erp })

	out, err := h.engine.Start(ctx, acmeInvoice())
	require.NoError(t, err)
	require.Equal(t, invoiceflow.RunStatusCompleted, out.Status)

	run, err := h.engine.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	require.Equal(t, 2, run.RetryCount)

	history, err := h.engine.History(ctx, out.RunID)
	require.NoError(t, err)
	var retries int
	for _, e := range history {
		if e.Type == invoiceflow.EventStageRetry {
			require.Equal(t, invoiceflow.StageRetrieve, e.Stage)
			retries++
		}
	}
	require.Equal(t, 2, retries)
}

func TestExhaustedRetriesFailRun(t *testing.T) {
	ctx := context.Background()
	erp := &flakyERP{MockERP: capability.NewMockERP(), failures: 100}
	h := newHarness(t, func(o *Options) { o.Suite.ERP = erp })

	out, err := h.engine.Start(ctx, acmeInvoice())
	var stageErr *invoiceflow.StageError
	require.ErrorAs(t, err, &stageErr)
	require.True(t, stageErr.Fatal())
	require.Equal(t, invoiceflow.StageRetrieve, stageErr.Stage)
	require.Equal(t, 3, stageErr.Attempts)
	require.ErrorIs(t, err, capability.ErrUnavailable)

	require.Equal(t, invoiceflow.RunStatusFailed, out.Status)
	run, err := h.engine.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	require.Equal(t, invoiceflow.RunStatusFailed, run.Status)
	require.Equal(t, 2, run.RetryCount)
	require.Contains(t, run.Error, "provider unavailable")
	require.Equal(t, 3, erp.calls)
}

// flakyPayments fails payment scheduling a fixed number of times.
type flakyPayments struct {
	*capability.MockERP
	mutex    sync.Mutex
	failures int
	keys     []string
}

func (f *flakyPayments) PostInvoice(ctx context.Context, provider string, req capability.PostingRequest) (string, error) {
	f.mutex.Lock()
	f.keys = append(f.keys, req.IdempotencyKey)
	f.mutex.Unlock()
	return f.MockERP.PostInvoice(ctx, provider, req)
}

func (f *flakyPayments) SchedulePayment(ctx context.Context, provider string, req capability.PaymentRequest) (*capability.ScheduledPayment, error) {
	f.mutex.Lock()
	fail := f.failures > 0
	f.failures--
	f.mutex.Unlock()
	if fail {
		return nil, fmt.Errorf("%s: %w", provider, capability.ErrUnavailable)
	}
	return f.MockERP.SchedulePayment(ctx, provider, req)
}

func TestRetriedPostingBooksOneTransaction(t *testing.T) {
	ctx := context.Background()
	erp := &flakyPayments{MockERP: capability.NewMockERP(capability.DemoCatalogue()...), failures: 1}
	h := newHarness(t, func(o *Options) { o.Suite.ERP = erp })

	out, err := h.engine.Start(ctx, acmeInvoice())
	require.NoError(t, err)
	require.Equal(t, invoiceflow.RunStatusCompleted, out.Status)

	posted := erp.Posted()
	require.Len(t, posted, 1)
	run, err := h.engine.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	require.Contains(t, posted, run.State.Posting.TransactionID)
	require.Equal(t, 1, run.RetryCount)

	key := PostingKey(out.RunID, "INV-1001")
	require.Equal(t, []string{key, key}, erp.keys)
}

type brokenOCR struct{ calls int }

func (b *brokenOCR) Extract(ctx context.Context, provider string, inv invoiceflow.Invoice) (*capability.Extraction, error) {
	b.calls++
	return nil, invoiceflow.Permanent(errors.New("unsupported document format"))
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	ocr := &brokenOCR{}
	h := newHarness(t, func(o *Options) { o.Suite.OCR = ocr })

	out, err := h.engine.Start(ctx, acmeInvoice())
	var stageErr *invoiceflow.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, invoiceflow.StageUnderstand, stageErr.Stage)
	require.Equal(t, 1, stageErr.Attempts)
	require.Equal(t, 1, ocr.calls)
	require.Equal(t, invoiceflow.RunStatusFailed, out.Status)
}

func TestApprovalWithinLimitIsAutomatic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	inv := invoiceflow.Invoice{
		InvoiceID:   "INV-3003",
		VendorName:  "Globex Inc",
		VendorTaxID: "98-7654321",
		Amount:      4200,
		Currency:    "USD",
		LineItems:   []invoiceflow.LineItem{{Description: "Hardware", Quantity: 6, UnitPrice: 700, Total: 4200}},
	}

	out, err := h.engine.Start(ctx, inv)
	require.NoError(t, err)
	require.Equal(t, invoiceflow.RunStatusCompleted, out.Status)

	run, err := h.engine.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	require.Equal(t, invoiceflow.ApprovalAutoApproved, run.State.Approval.Status)
	require.Equal(t, SystemApprover, run.State.Approval.Approver)
	require.Equal(t, "amount_limit", run.State.Approval.Policy)
}

func TestApprovalPolicyScript(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) {
		o.Approval.Policy = `amount <= 20000 && match.verdict == "MATCHED"`
	})

	out, err := h.engine.Start(ctx, acmeInvoice())
	require.NoError(t, err)
	run, err := h.engine.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	require.Equal(t, invoiceflow.ApprovalAutoApproved, run.State.Approval.Status)
	require.Equal(t, SystemApprover, run.State.Approval.Approver)
	require.Equal(t, "script", run.State.Approval.Policy)
	require.Equal(t, "policy evaluated to true", run.State.Approval.Reason)
}

func TestApprovalPolicyExpr(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) {
		o.Compiler = script.NewExprEngine(nil)
		o.Approval.Policy = `amount <= 20000 and match.verdict == "MATCHED"`
	})

	out, err := h.engine.Start(ctx, acmeInvoice())
	require.NoError(t, err)
	require.Equal(t, invoiceflow.RunStatusCompleted, out.Status)
	run, err := h.engine.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	require.Equal(t, "script", run.State.Approval.Policy)
	require.NotEmpty(t, run.State.Notifications)
	require.Contains(t, run.State.Notifications[0].Subject, "INV-1001")
}

func TestInvalidApprovalPolicy(t *testing.T) {
	suite := capability.NewMockSuite(capability.DefaultProviderTable(), nil)
	_, err := NewRegistry(Options{
		Suite:    suite,
		Approval: invoiceflow.ApprovalConfig{Policy: "amount <="},
	})
	require.ErrorContains(t, err, "invalid approval policy")

	_, err = NewRegistry(Options{})
	require.ErrorContains(t, err, "capability suite is required")
}

func stageInput(stage invoiceflow.StageID, state invoiceflow.State) *invoiceflow.StageInput {
	return &invoiceflow.StageInput{
		RunID:   "run_test",
		Stage:   stage,
		Attempt: 1,
		State:   state,
		Logger:  slog.New(slog.DiscardHandler),
	}
}

func TestPrepareFlags(t *testing.T) {
	suite := capability.NewMockSuite(capability.DefaultProviderTable(), nil)
	h, err := New(Options{Suite: suite, Approval: invoiceflow.ApprovalConfig{AutoApproveLimit: 10000}})
	require.NoError(t, err)

	inv := invoiceflow.Invoice{
		InvoiceID:   "INV-1",
		VendorName:  "Initech Ltd",
		InvoiceDate: "2024-03-10",
		DueDate:     "2024-03-01",
		Amount:      12000,
		Currency:    "USD",
		LineItems:   []invoiceflow.LineItem{{Description: "Licenses", Quantity: 1, UnitPrice: 11000, Total: 11000}},
	}
	patch, err := h.Prepare(context.Background(), stageInput(invoiceflow.StagePrepare, invoiceflow.State{
		Invoice: &inv,
		Parsed:  &invoiceflow.ParsedInvoice{},
	}))
	require.NoError(t, err)
	require.Equal(t, "initech", patch.Prepared.Vendor.NormalizedName)
	require.Equal(t, []string{
		RiskHighValue,
		RiskMissingTaxID,
		RiskDueBeforeIssue,
		RiskLineItemMismatch,
		RiskNoPurchaseOrderID,
	}, patch.Prepared.RiskFlags)
	require.Equal(t, []string{"vendor_tax_id"}, patch.Prepared.MissingInfo)
}

func TestRetrieveWidensAndFiltersCurrency(t *testing.T) {
	erp := capability.NewMockERP(
		invoiceflow.PurchaseOrder{ID: "PO-1", Vendor: "Acme", Total: 100},
		invoiceflow.PurchaseOrder{ID: "PO-2", Vendor: "Acme", Total: 100, Currency: "EUR"},
	)
	suite := capability.NewMockSuite(capability.DefaultProviderTable(), erp)
	h, err := New(Options{Suite: suite})
	require.NoError(t, err)

	inv := invoiceflow.Invoice{InvoiceID: "INV-1", VendorName: "ACME Inc.", Amount: 100, Currency: "USD", LineItems: []invoiceflow.LineItem{}}
	patch, err := h.Retrieve(context.Background(), stageInput(invoiceflow.StageRetrieve, invoiceflow.State{
		Invoice: &inv,
		Parsed:  &invoiceflow.ParsedInvoice{DetectedPONumbers: []string{"PO-404"}},
	}))
	require.NoError(t, err)
	require.Len(t, patch.Retrieved.PurchaseOrders, 1)
	require.Equal(t, "PO-1", patch.Retrieved.PurchaseOrders[0].ID)
	require.Equal(t, "mock_erp", patch.Retrieved.Provider)
	require.Len(t, patch.Retrieved.GoodsReceipts, 1)
}

func TestMatchStageUsesConfiguredThreshold(t *testing.T) {
	suite := capability.NewMockSuite(capability.DefaultProviderTable(), nil)
	h, err := New(Options{Suite: suite, Match: match.Options{TolerancePct: 5, Threshold: 0.99}})
	require.NoError(t, err)

	inv := invoiceflow.Invoice{InvoiceID: "INV-1", VendorName: "Acme", Amount: 1030, Currency: "USD", LineItems: []invoiceflow.LineItem{}}
	patch, err := h.MatchTwoWay(context.Background(), stageInput(invoiceflow.StageMatchTwoWay, invoiceflow.State{
		Invoice:   &inv,
		Retrieved: &invoiceflow.Retrieval{PurchaseOrders: []invoiceflow.PurchaseOrder{{ID: "PO-1", Total: 1000}}},
	}))
	require.NoError(t, err)
	require.Equal(t, "PO-1", patch.Match.POID)
	require.InDelta(t, 0.94, patch.Match.Score, 1e-9)
	require.Equal(t, match.VerdictFailed, patch.Match.Verdict)
}

func TestMatchOptionsValidated(t *testing.T) {
	suite := capability.NewMockSuite(capability.DefaultProviderTable(), nil)
	h, err := New(Options{Suite: suite})
	require.NoError(t, err)
	require.NotNil(t, h)

	_, err = New(Options{Suite: suite, Match: match.Options{TolerancePct: 5}})
	require.ErrorContains(t, err, "threshold must be within (0, 1]")

	_, err = New(Options{Suite: suite, Match: match.Options{Threshold: 0.9}})
	require.ErrorContains(t, err, "exact_only")
}

func TestReconcileEntries(t *testing.T) {
	suite := capability.NewMockSuite(capability.DefaultProviderTable(), nil)
	h, err := New(Options{Suite: suite})
	require.NoError(t, err)

	inv := acmeInvoice()
	ev := match.Score(inv.Amount, []match.Candidate{{ID: "PO-2024-1001", Total: 15000}}, match.DefaultOptions())
	patch, err := h.Reconcile(context.Background(), stageInput(invoiceflow.StageReconcile, invoiceflow.State{
		Invoice: &inv,
		Match:   &ev,
	}))
	require.NoError(t, err)
	rec := patch.Reconciliation
	require.Equal(t, []invoiceflow.AccountingEntry{
		{Type: invoiceflow.EntryDebit, Account: AccountPayable, AccountName: "Accounts Payable", Amount: 15000, Currency: "USD", Reference: "INV-1001"},
		{Type: invoiceflow.EntryCredit, Account: AccountExpenses, AccountName: "Expenses", Amount: 15000, Currency: "USD", Reference: "INV-1001"},
	}, rec.Entries)
	require.Equal(t, "Invoice INV-1001 reconciled against PO-2024-1001: invoice 15000.00, PO 15000.00, variance 0.00 (0.00%)", rec.Report)
}

func TestStagesRequireInvoice(t *testing.T) {
	suite := capability.NewMockSuite(capability.DefaultProviderTable(), nil)
	h, err := New(Options{Suite: suite})
	require.NoError(t, err)
	for stage, handler := range h.Map() {
		_, err := handler.Handle(context.Background(), stageInput(stage, invoiceflow.State{}))
		require.Error(t, err, stage)
		require.Equal(t, invoiceflow.StageErrorFatal, invoiceflow.ClassifyStageError(err), stage)
	}
}
