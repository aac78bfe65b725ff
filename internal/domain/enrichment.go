package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Enricher is the external enrichment service consumed after a record
// passes rule validation. The response is opaque apart from the duplicate
// flag and summary, which the notification router inspects.
type Enricher interface {
	Enrich(ctx context.Context, rec *InvoiceRecord) (*EnrichmentResult, error)
}

// EnrichmentResult is the enrichment service's response for one invoice.
type EnrichmentResult struct {
	Duplicate bool            `json:"duplicate"`
	Summary   string          `json:"summary,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`

	// Degraded marks a synthetic result produced by the fail-open fallback
	// when the enrichment dependency was unavailable.
	Degraded bool `json:"degraded,omitempty"`
}

// EnrichmentConfig holds configuration for the enrichment client.
type EnrichmentConfig struct {
	BaseURL string
	Path    string
	Timeout time.Duration
}
