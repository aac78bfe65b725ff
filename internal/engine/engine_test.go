package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/resilience"
)

type stubValidator struct {
	fn func(rec *domain.InvoiceRecord) (*domain.ValidationOutcome, error)
}

func (s *stubValidator) Validate(ctx context.Context, rec *domain.InvoiceRecord) (*domain.ValidationOutcome, error) {
	return s.fn(rec)
}

type stubEnricher struct {
	calls atomic.Int32
	fn    func(rec *domain.InvoiceRecord) (*domain.EnrichmentResult, error)
}

func (s *stubEnricher) Enrich(ctx context.Context, rec *domain.InvoiceRecord) (*domain.EnrichmentResult, error) {
	s.calls.Add(1)
	if s.fn != nil {
		return s.fn(rec)
	}
	return &domain.EnrichmentResult{Summary: "ok"}, nil
}

type memRepo struct {
	mu       sync.Mutex
	invoices []*domain.ProcessedInvoice
	saveErr  error
}

func (m *memRepo) SaveRule(ctx context.Context, rule *domain.PricingRule) error { return nil }
func (m *memRepo) GetRule(ctx context.Context, vendorCode, serviceName string) (*domain.PricingRule, error) {
	return nil, errors.New("not implemented")
}
func (m *memRepo) ListRules(ctx context.Context) ([]*domain.PricingRule, error) { return nil, nil }
func (m *memRepo) DeleteRule(ctx context.Context, vendorCode, serviceName string) error {
	return nil
}
func (m *memRepo) SaveInvoice(ctx context.Context, inv *domain.ProcessedInvoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.invoices = append(m.invoices, inv)
	return nil
}
func (m *memRepo) GetInvoice(ctx context.Context, id string) (*domain.ProcessedInvoice, error) {
	return nil, errors.New("not implemented")
}
func (m *memRepo) ListInvoicesByBatch(ctx context.Context, batchID string) ([]*domain.ProcessedInvoice, error) {
	return nil, nil
}
func (m *memRepo) Ping(ctx context.Context) error { return nil }
func (m *memRepo) Close() error                   { return nil }

func (m *memRepo) saved() []*domain.ProcessedInvoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.ProcessedInvoice(nil), m.invoices...)
}

type stubNotifier struct {
	mu      sync.Mutex
	results []*domain.ProcessingResult
}

func (s *stubNotifier) Notify(ctx context.Context, result *domain.ProcessingResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

func (s *stubNotifier) notified() []*domain.ProcessingResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.ProcessingResult(nil), s.results...)
}

func fastPolicy(name string, fallback domain.FallbackMode) domain.CallPolicy {
	return domain.CallPolicy{
		Name:                  name,
		MaxAttempts:           3,
		InitialBackoff:        time.Millisecond,
		BackoffMultiplier:     1.5,
		AttemptTimeout:        100 * time.Millisecond,
		WindowSize:            10,
		MinimumCalls:          100, // keep circuits closed during unit tests
		FailureRateThreshold:  0.5,
		SlowCallRateThreshold: 0.5,
		SlowCallThreshold:     time.Minute,
		OpenDuration:          30 * time.Millisecond,
		Fallback:              fallback,
	}
}

func fastRegistry(lookupFallback, enrichFallback domain.FallbackMode) *resilience.Registry {
	return resilience.NewRegistry(domain.ResilienceConfig{
		RuleLookup: fastPolicy(domain.DepRuleLookup, lookupFallback),
		Enrichment: fastPolicy(domain.DepEnrichment, enrichFallback),
		Broadcast:  fastPolicy(domain.DepBroadcast, domain.FailClosed),
	})
}

func validAlways(rec *domain.InvoiceRecord) (*domain.ValidationOutcome, error) {
	return &domain.ValidationOutcome{Valid: true, Reason: "amount validation passed"}, nil
}

func testBatch(records ...*domain.InvoiceRecord) *domain.ParsedBatch {
	return &domain.ParsedBatch{
		BatchID:  "batch-001",
		Filename: "invoices.csv",
		Source:   "upload",
		Records:  records,
		RowsSeen: len(records),
	}
}

func rec(invoiceNumber, amount string) *domain.InvoiceRecord {
	return &domain.InvoiceRecord{
		InvoiceNumber: invoiceNumber,
		Vendor:        "Acme Corp",
		VendorCode:    "ACME",
		Service:       "cleaning",
		Date:          time.Date(2025, 3, 25, 0, 0, 0, 0, time.UTC),
		Amount:        decimal.RequireFromString(amount),
	}
}

type engineParts struct {
	engine   *Engine
	enricher *stubEnricher
	repo     *memRepo
	notifier *stubNotifier
}

func newTestEngine(validator *stubValidator, enricher *stubEnricher, registry *resilience.Registry) engineParts {
	repo := &memRepo{}
	notifier := &stubNotifier{}
	eng := New(validator, enricher, repo, notifier, registry, domain.PipelineConfig{Workers: 2})
	return engineParts{engine: eng, enricher: enricher, repo: repo, notifier: notifier}
}

func TestProcessEmptyBatch(t *testing.T) {
	parts := newTestEngine(
		&stubValidator{fn: validAlways},
		&stubEnricher{},
		fastRegistry(domain.FailOpen, domain.FailOpen),
	)

	summary, err := parts.engine.Process(context.Background(), testBatch())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if !summary.FileRejected {
		t.Error("expected FileRejected for empty batch")
	}
	if len(summary.Results) != 1 || summary.Results[0].Status != domain.StatusFileRejected {
		t.Errorf("expected single FILE_REJECTED result, got %+v", summary.Results)
	}
	if parts.enricher.calls.Load() != 0 {
		t.Error("empty batch must not reach enrichment")
	}
}

func TestProcessAcceptedFlow(t *testing.T) {
	parts := newTestEngine(
		&stubValidator{fn: validAlways},
		&stubEnricher{fn: func(rec *domain.InvoiceRecord) (*domain.EnrichmentResult, error) {
			return &domain.EnrichmentResult{Summary: "Cleaning invoice from Acme Corp"}, nil
		}},
		fastRegistry(domain.FailOpen, domain.FailOpen),
	)

	summary, err := parts.engine.Process(context.Background(), testBatch(rec("INV-001", "150.00")))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if summary.Accepted != 1 {
		t.Fatalf("expected 1 accepted, got %d", summary.Accepted)
	}

	result := summary.Results[0]
	if result.Status != domain.StatusAccepted {
		t.Errorf("expected ACCEPTED, got %s", result.Status)
	}
	if result.Enrichment == nil || result.Enrichment.Summary == "" {
		t.Error("expected enrichment result to be attached")
	}

	saved := parts.repo.saved()
	if len(saved) != 1 {
		t.Fatalf("expected 1 persisted invoice, got %d", len(saved))
	}
	if saved[0].Status != domain.StatusAccepted {
		t.Errorf("expected persisted status ACCEPTED, got %s", saved[0].Status)
	}
	if !saved[0].Amount.Equal(decimal.RequireFromString("150.00")) {
		t.Errorf("unexpected persisted amount: %s", saved[0].Amount)
	}

	if len(parts.notifier.notified()) != 1 {
		t.Error("expected 1 notification")
	}
}

func TestProcessRejectedSkipsEnrichment(t *testing.T) {
	parts := newTestEngine(
		&stubValidator{fn: func(rec *domain.InvoiceRecord) (*domain.ValidationOutcome, error) {
			return &domain.ValidationOutcome{Valid: false, Reason: "amount 150.00 does not match fixed price 100.00"}, nil
		}},
		&stubEnricher{},
		fastRegistry(domain.FailOpen, domain.FailOpen),
	)

	summary, err := parts.engine.Process(context.Background(), testBatch(rec("INV-001", "150.00")))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if summary.Rejected != 1 {
		t.Fatalf("expected 1 rejected, got %d", summary.Rejected)
	}
	if parts.enricher.calls.Load() != 0 {
		t.Error("rejected record must not be enriched")
	}

	saved := parts.repo.saved()
	if len(saved) != 1 || saved[0].RejectionReason == "" {
		t.Error("expected rejection reason persisted")
	}
}

func TestProcessDuplicateFlag(t *testing.T) {
	parts := newTestEngine(
		&stubValidator{fn: validAlways},
		&stubEnricher{fn: func(rec *domain.InvoiceRecord) (*domain.EnrichmentResult, error) {
			return &domain.EnrichmentResult{Duplicate: true, Summary: "Duplicate of INV-000"}, nil
		}},
		fastRegistry(domain.FailOpen, domain.FailOpen),
	)

	summary, err := parts.engine.Process(context.Background(), testBatch(rec("INV-001", "150.00")))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	// A duplicate is still accepted; routing distinguishes it downstream.
	if summary.Accepted != 1 {
		t.Fatalf("expected duplicate to count as accepted, got %+v", summary)
	}
	saved := parts.repo.saved()
	if len(saved) != 1 || !saved[0].Duplicate {
		t.Error("expected duplicate flag persisted")
	}
}

func TestRuleLookupFallbacks(t *testing.T) {
	lookupDown := &stubValidator{fn: func(rec *domain.InvoiceRecord) (*domain.ValidationOutcome, error) {
		return nil, errors.New("connection refused")
	}}

	t.Run("FailOpenApprovesDegraded", func(t *testing.T) {
		parts := newTestEngine(lookupDown, &stubEnricher{}, fastRegistry(domain.FailOpen, domain.FailOpen))

		summary, err := parts.engine.Process(context.Background(), testBatch(rec("INV-001", "150.00")))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}

		if summary.Accepted != 1 {
			t.Fatalf("expected degraded approval, got %+v", summary)
		}
		result := summary.Results[0]
		if result.Outcome == nil || !result.Outcome.Degraded {
			t.Error("expected degraded outcome")
		}
		if result.Outcome.Reason != "auto-approved, dependency unavailable" {
			t.Errorf("unexpected reason: %s", result.Outcome.Reason)
		}
		if parts.enricher.calls.Load() == 0 {
			t.Error("degraded approval should still be enriched")
		}
	})

	t.Run("FailClosedRejects", func(t *testing.T) {
		parts := newTestEngine(lookupDown, &stubEnricher{}, fastRegistry(domain.FailClosed, domain.FailOpen))

		summary, err := parts.engine.Process(context.Background(), testBatch(rec("INV-001", "150.00")))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}

		if summary.Rejected != 1 {
			t.Fatalf("expected fail-closed rejection, got %+v", summary)
		}
		if summary.Results[0].Outcome.Reason != "rule lookup unavailable" {
			t.Errorf("unexpected reason: %s", summary.Results[0].Outcome.Reason)
		}
		if parts.enricher.calls.Load() != 0 {
			t.Error("fail-closed rejection must not be enriched")
		}
	})
}

func TestEnrichmentFallbacks(t *testing.T) {
	enrichDown := func() *stubEnricher {
		return &stubEnricher{fn: func(rec *domain.InvoiceRecord) (*domain.EnrichmentResult, error) {
			return nil, errors.New("service unavailable")
		}}
	}

	t.Run("FailOpenContinuesDegraded", func(t *testing.T) {
		parts := newTestEngine(&stubValidator{fn: validAlways}, enrichDown(), fastRegistry(domain.FailOpen, domain.FailOpen))

		summary, err := parts.engine.Process(context.Background(), testBatch(rec("INV-001", "150.00")))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}

		if summary.Accepted != 1 {
			t.Fatalf("expected degraded acceptance, got %+v", summary)
		}
		enrichment := summary.Results[0].Enrichment
		if enrichment == nil || !enrichment.Degraded {
			t.Error("expected degraded enrichment result")
		}
	})

	t.Run("FailClosedProducesError", func(t *testing.T) {
		parts := newTestEngine(&stubValidator{fn: validAlways}, enrichDown(), fastRegistry(domain.FailOpen, domain.FailClosed))

		summary, err := parts.engine.Process(context.Background(), testBatch(rec("INV-001", "150.00")))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}

		if summary.Errored != 1 {
			t.Fatalf("expected error result, got %+v", summary)
		}
		if summary.Results[0].Fault == "" {
			t.Error("expected fault description on error result")
		}
	})
}

func TestPanicIsolation(t *testing.T) {
	validator := &stubValidator{fn: func(r *domain.InvoiceRecord) (*domain.ValidationOutcome, error) {
		if r.InvoiceNumber == "INV-BOOM" {
			panic("corrupted record state")
		}
		return &domain.ValidationOutcome{Valid: true, Reason: "amount validation passed"}, nil
	}}

	parts := newTestEngine(validator, &stubEnricher{}, fastRegistry(domain.FailOpen, domain.FailOpen))

	batch := testBatch(
		rec("INV-001", "150.00"),
		rec("INV-BOOM", "999.00"),
		rec("INV-002", "150.00"),
	)

	summary, err := parts.engine.Process(context.Background(), batch)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if summary.Accepted != 2 {
		t.Errorf("expected siblings of a panicking record to succeed, got %d accepted", summary.Accepted)
	}
	if summary.Errored != 1 {
		t.Errorf("expected 1 error result, got %d", summary.Errored)
	}

	var errResult *domain.ProcessingResult
	for _, r := range summary.Results {
		if r.Status == domain.StatusError {
			errResult = r
		}
	}
	if errResult == nil || errResult.Record.InvoiceNumber != "INV-BOOM" {
		t.Fatal("expected error result for the panicking record")
	}
	if errResult.Fault == "" {
		t.Error("expected panic detail in fault")
	}
}

func TestPersistenceFaultIsNotFatal(t *testing.T) {
	repo := &memRepo{saveErr: errors.New("disk full")}
	notifier := &stubNotifier{}
	eng := New(&stubValidator{fn: validAlways}, &stubEnricher{}, repo, notifier,
		fastRegistry(domain.FailOpen, domain.FailOpen), domain.PipelineConfig{Workers: 2})

	summary, err := eng.Process(context.Background(), testBatch(rec("INV-001", "150.00")))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if summary.Accepted != 1 {
		t.Errorf("expected result despite persistence fault, got %+v", summary)
	}
	if len(notifier.notified()) != 1 {
		t.Error("notification should still happen when persistence fails")
	}
}
