// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceRecord is a single parsed invoice row. Immutable after parsing.
type InvoiceRecord struct {
	InvoiceNumber string          `json:"invoiceNumber"`
	Vendor        string          `json:"vendor"`
	VendorCode    string          `json:"vendorCode"`
	Service       string          `json:"service"`
	Date          time.Time       `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	Note          string          `json:"note,omitempty"`
}

// ParsedBatch groups the records extracted from one uploaded file.
type ParsedBatch struct {
	BatchID      string           `json:"batchId"`
	Filename     string           `json:"filename"`
	Source       string           `json:"source"`
	Records      []*InvoiceRecord `json:"records"`
	RowsSeen     int              `json:"rowsSeen"`
	RowsRejected int              `json:"rowsRejected"`
}

// ResultStatus tags the terminal state of a processed record.
type ResultStatus string

const (
	// StatusAccepted means the record passed validation and was enriched.
	StatusAccepted ResultStatus = "ACCEPTED"

	// StatusRuleRejected means the pricing rule check failed.
	StatusRuleRejected ResultStatus = "RULE_REJECTED"

	// StatusError means an unexpected fault occurred while processing the record.
	StatusError ResultStatus = "ERROR"

	// StatusFileRejected means the whole batch produced no parseable rows.
	StatusFileRejected ResultStatus = "FILE_REJECTED"
)

// ProcessingResult is the terminal outcome for one record, or for a whole
// batch in the FILE_REJECTED case. Exactly the fields matching Status are
// populated; a result is never re-entered into the pipeline.
type ProcessingResult struct {
	Status      ResultStatus       `json:"status"`
	Record      *InvoiceRecord     `json:"record,omitempty"`
	Enrichment  *EnrichmentResult  `json:"enrichment,omitempty"`
	Outcome     *ValidationOutcome `json:"outcome,omitempty"`
	Fault       string             `json:"fault,omitempty"`
	BatchID     string             `json:"batchId"`
	Filename    string             `json:"filename"`
	Source      string             `json:"source"`
	ProcessedAt time.Time          `json:"processedAt"`
}

// AcceptedResult builds the outcome for a validated and enriched record.
func AcceptedResult(rec *InvoiceRecord, outcome *ValidationOutcome, enrichment *EnrichmentResult, batch *ParsedBatch) *ProcessingResult {
	return &ProcessingResult{
		Status:      StatusAccepted,
		Record:      rec,
		Outcome:     outcome,
		Enrichment:  enrichment,
		BatchID:     batch.BatchID,
		Filename:    batch.Filename,
		Source:      batch.Source,
		ProcessedAt: time.Now().UTC(),
	}
}

// RuleRejectedResult builds the outcome for a record that failed rule validation.
func RuleRejectedResult(rec *InvoiceRecord, outcome *ValidationOutcome, batch *ParsedBatch) *ProcessingResult {
	return &ProcessingResult{
		Status:      StatusRuleRejected,
		Record:      rec,
		Outcome:     outcome,
		BatchID:     batch.BatchID,
		Filename:    batch.Filename,
		Source:      batch.Source,
		ProcessedAt: time.Now().UTC(),
	}
}

// ErrorResult builds the outcome for a record that hit an unexpected fault.
func ErrorResult(rec *InvoiceRecord, fault string, batch *ParsedBatch) *ProcessingResult {
	return &ProcessingResult{
		Status:      StatusError,
		Record:      rec,
		Fault:       fault,
		BatchID:     batch.BatchID,
		Filename:    batch.Filename,
		Source:      batch.Source,
		ProcessedAt: time.Now().UTC(),
	}
}

// FileRejectedResult builds the single outcome for a batch with no parseable rows.
func FileRejectedResult(fault string, batch *ParsedBatch) *ProcessingResult {
	return &ProcessingResult{
		Status:      StatusFileRejected,
		Fault:       fault,
		BatchID:     batch.BatchID,
		Filename:    batch.Filename,
		Source:      batch.Source,
		ProcessedAt: time.Now().UTC(),
	}
}

// BatchSummary is the API response for a submitted batch.
type BatchSummary struct {
	BatchID      string              `json:"batchId"`
	Filename     string              `json:"filename"`
	Source       string              `json:"source"`
	RowsSeen     int                 `json:"rowsSeen"`
	RowsRejected int                 `json:"rowsRejected"`
	Accepted     int                 `json:"accepted"`
	Rejected     int                 `json:"rejected"`
	Errored      int                 `json:"errored"`
	FileRejected bool                `json:"fileRejected"`
	Results      []*ProcessingResult `json:"results"`
}

// Summarize tallies per-record results into a batch summary.
func Summarize(batch *ParsedBatch, results []*ProcessingResult) *BatchSummary {
	summary := &BatchSummary{
		BatchID:      batch.BatchID,
		Filename:     batch.Filename,
		Source:       batch.Source,
		RowsSeen:     batch.RowsSeen,
		RowsRejected: batch.RowsRejected,
		Results:      results,
	}
	for _, r := range results {
		switch r.Status {
		case StatusAccepted:
			summary.Accepted++
		case StatusRuleRejected:
			summary.Rejected++
		case StatusError:
			summary.Errored++
		case StatusFileRejected:
			summary.FileRejected = true
		}
	}
	return summary
}

// ProcessedInvoice is the durable row written for every processed record.
type ProcessedInvoice struct {
	ID              string          `json:"id"`
	InvoiceNumber   string          `json:"invoiceNumber"`
	Vendor          string          `json:"vendor"`
	VendorCode      string          `json:"vendorCode"`
	Service         string          `json:"service"`
	InvoiceDate     time.Time       `json:"invoiceDate"`
	Amount          decimal.Decimal `json:"amount"`
	Status          ResultStatus    `json:"status"`
	Duplicate       bool            `json:"duplicate"`
	RejectionReason string          `json:"rejectionReason,omitempty"`
	BatchID         string          `json:"batchId"`
	Source          string          `json:"source"`
	Note            string          `json:"note,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	ProcessedAt     time.Time       `json:"processedAt"`
}
