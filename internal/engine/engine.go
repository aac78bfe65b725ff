// Package engine orchestrates invoice batch processing: validation,
// enrichment, persistence and outcome notification.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/resilience"
)

// degradedApprovalReason tags approvals granted because a dependency was
// unavailable and its policy fails open.
const degradedApprovalReason = "auto-approved, dependency unavailable"

// Validator checks one record against its pricing rule.
type Validator interface {
	Validate(ctx context.Context, rec *domain.InvoiceRecord) (*domain.ValidationOutcome, error)
}

// Notifier delivers a processing result to its outcome topic.
type Notifier interface {
	Notify(ctx context.Context, result *domain.ProcessingResult) error
}

// Engine runs parsed batches through the pipeline. Records within a batch
// are independent: they process concurrently under a bounded worker count,
// and a fault in one record never affects its siblings.
type Engine struct {
	validator Validator
	enricher  domain.Enricher
	repo      domain.Repository
	notifier  Notifier
	registry  *resilience.Registry
	workers   int
}

// New creates a pipeline engine.
func New(validator Validator, enricher domain.Enricher, repo domain.Repository, notifier Notifier, registry *resilience.Registry, cfg domain.PipelineConfig) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Engine{
		validator: validator,
		enricher:  enricher,
		repo:      repo,
		notifier:  notifier,
		registry:  registry,
		workers:   workers,
	}
}

// Process runs every record of the batch to a terminal result and returns
// the batch summary. A batch with no parseable rows short-circuits to a
// single FILE_REJECTED result.
func (e *Engine) Process(ctx context.Context, batch *domain.ParsedBatch) (*domain.BatchSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slog.Info("processing batch",
		"batch_id", batch.BatchID,
		"filename", batch.Filename,
		"records", len(batch.Records),
		"rows_rejected", batch.RowsRejected,
	)

	if len(batch.Records) == 0 {
		result := domain.FileRejectedResult("no parseable invoice rows", batch)
		slog.Warn("batch rejected",
			"batch_id", batch.BatchID,
			"filename", batch.Filename,
			"rows_seen", batch.RowsSeen,
		)
		return domain.Summarize(batch, []*domain.ProcessingResult{result}), nil
	}

	results := make([]*domain.ProcessingResult, len(batch.Records))
	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup

	for i, rec := range batch.Records {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, rec *domain.InvoiceRecord) {
			defer wg.Done()
			defer func() { <-sem }()

			result := e.processRecord(ctx, rec, batch)
			e.persist(ctx, result)
			if err := e.notifier.Notify(ctx, result); err != nil {
				slog.Error("notification failed",
					"batch_id", batch.BatchID,
					"invoice_number", rec.InvoiceNumber,
					"error", err,
				)
			}
			results[i] = result
		}(i, rec)
	}
	wg.Wait()

	summary := domain.Summarize(batch, results)
	slog.Info("batch processed",
		"batch_id", batch.BatchID,
		"accepted", summary.Accepted,
		"rejected", summary.Rejected,
		"errored", summary.Errored,
	)
	return summary, nil
}

// processRecord takes one record to a terminal result. A panic anywhere in
// the record's processing is converted to an Error result so sibling
// records keep going.
func (e *Engine) processRecord(ctx context.Context, rec *domain.InvoiceRecord, batch *domain.ParsedBatch) (result *domain.ProcessingResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("record processing panicked",
				"batch_id", batch.BatchID,
				"invoice_number", rec.InvoiceNumber,
				"panic", r,
			)
			result = domain.ErrorResult(rec, fmt.Sprintf("panic: %v", r), batch)
		}
	}()

	outcome := e.validate(ctx, rec)
	if !outcome.Valid {
		return domain.RuleRejectedResult(rec, outcome, batch)
	}

	// Enrichment is skipped for rejected records; only validated records
	// reach this point.
	enrichment, err := e.enrich(ctx, rec)
	if err != nil {
		return domain.ErrorResult(rec, fmt.Sprintf("enrichment unavailable: %v", err), batch)
	}

	return domain.AcceptedResult(rec, outcome, enrichment, batch)
}

// validate runs the rule check under the rule-lookup resilience policy.
// Business rejections come back as outcomes; only backing-store faults
// trigger the fallback.
func (e *Engine) validate(ctx context.Context, rec *domain.InvoiceRecord) *domain.ValidationOutcome {
	var outcome *domain.ValidationOutcome
	err := e.registry.Execute(ctx, domain.DepRuleLookup, func(ctx context.Context) error {
		var err error
		outcome, err = e.validator.Validate(ctx, rec)
		return err
	})
	if err == nil {
		return outcome
	}

	if e.registry.Policy(domain.DepRuleLookup).Fallback == domain.FailOpen {
		slog.Warn("rule lookup degraded, approving in degraded mode",
			"invoice_number", rec.InvoiceNumber,
			"vendor_code", rec.VendorCode,
			"error", err,
		)
		return &domain.ValidationOutcome{
			Valid:    true,
			Reason:   degradedApprovalReason,
			Degraded: true,
		}
	}

	slog.Warn("rule lookup unavailable, rejecting",
		"invoice_number", rec.InvoiceNumber,
		"vendor_code", rec.VendorCode,
		"error", err,
	)
	return &domain.ValidationOutcome{
		Valid:  false,
		Reason: "rule lookup unavailable",
	}
}

// enrich runs enrichment under its resilience policy. Fail-open substitutes
// a degraded result; fail-closed surfaces the error to the caller.
func (e *Engine) enrich(ctx context.Context, rec *domain.InvoiceRecord) (*domain.EnrichmentResult, error) {
	var enrichment *domain.EnrichmentResult
	err := e.registry.Execute(ctx, domain.DepEnrichment, func(ctx context.Context) error {
		var err error
		enrichment, err = e.enricher.Enrich(ctx, rec)
		return err
	})
	if err == nil {
		return enrichment, nil
	}

	if e.registry.Policy(domain.DepEnrichment).Fallback == domain.FailOpen {
		slog.Warn("enrichment degraded, continuing without it",
			"invoice_number", rec.InvoiceNumber,
			"error", err,
		)
		return &domain.EnrichmentResult{
			Summary:  degradedApprovalReason,
			Degraded: true,
		}, nil
	}

	return nil, err
}

// persist writes the durable invoice row. Persistence faults are logged,
// not fatal: the result still flows to notification.
func (e *Engine) persist(ctx context.Context, result *domain.ProcessingResult) {
	rec := result.Record
	if rec == nil {
		return
	}

	inv := &domain.ProcessedInvoice{
		ID:            uuid.New().String(),
		InvoiceNumber: rec.InvoiceNumber,
		Vendor:        rec.Vendor,
		VendorCode:    rec.VendorCode,
		Service:       rec.Service,
		InvoiceDate:   rec.Date,
		Amount:        rec.Amount,
		Status:        result.Status,
		BatchID:       result.BatchID,
		Source:        result.Source,
		Note:          rec.Note,
		CreatedAt:     time.Now().UTC(),
		ProcessedAt:   result.ProcessedAt,
	}

	if result.Outcome != nil && !result.Outcome.Valid {
		inv.RejectionReason = result.Outcome.Reason
	}
	if result.Status == domain.StatusError {
		inv.RejectionReason = result.Fault
	}
	if result.Enrichment != nil {
		inv.Duplicate = result.Enrichment.Duplicate
	}

	if err := e.repo.SaveInvoice(ctx, inv); err != nil {
		slog.Error("failed to persist invoice",
			"invoice_number", rec.InvoiceNumber,
			"batch_id", result.BatchID,
			"error", err,
		)
	}
}
