// Package enrich calls the external enrichment service that performs
// duplicate detection and summary generation for accepted invoices.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const maxResponseBytes = 1 << 20

// Client is an HTTP enrichment client. It makes a single attempt per call;
// retries and circuit breaking are applied by the caller's resilience
// wrapper, so a fault here surfaces as a plain error.
type Client struct {
	url    string
	client *http.Client
}

// New creates an enrichment client from configuration.
func New(cfg domain.EnrichmentConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	path := cfg.Path
	if path == "" {
		path = "/process-invoice"
	}

	return &Client{
		url:    strings.TrimRight(cfg.BaseURL, "/") + path,
		client: &http.Client{Timeout: timeout},
	}
}

type enrichRequest struct {
	InvoiceNumber string `json:"invoice_number"`
	Vendor        string `json:"vendor"`
	VendorCode    string `json:"vendor_code"`
	Service       string `json:"service"`
	Date          string `json:"date"`
	Amount        string `json:"amount"`
	Note          string `json:"note,omitempty"`
}

type enrichResponse struct {
	Duplicate bool   `json:"duplicate"`
	Summary   string `json:"summary"`
}

// Enrich submits the invoice record and returns duplicate detection and
// summary results.
func (c *Client) Enrich(ctx context.Context, rec *domain.InvoiceRecord) (*domain.EnrichmentResult, error) {
	payload, err := json.Marshal(enrichRequest{
		InvoiceNumber: rec.InvoiceNumber,
		Vendor:        rec.Vendor,
		VendorCode:    rec.VendorCode,
		Service:       rec.Service,
		Date:          rec.Date.Format("2006-01-02"),
		Amount:        rec.Amount.String(),
		Note:          rec.Note,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode enrichment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build enrichment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrichment request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read enrichment response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("enrichment service returned status %d", resp.StatusCode)
	}

	var out enrichResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode enrichment response: %w", err)
	}

	return &domain.EnrichmentResult{
		Duplicate: out.Duplicate,
		Summary:   out.Summary,
		Raw:       data,
	}, nil
}
