package enrich

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testRecord() *domain.InvoiceRecord {
	return &domain.InvoiceRecord{
		InvoiceNumber: "INV-2025-001",
		Vendor:        "Acme Corp",
		VendorCode:    "ACME",
		Service:       "cleaning",
		Date:          time.Date(2025, 3, 25, 0, 0, 0, 0, time.UTC),
		Amount:        decimal.RequireFromString("150.00"),
		Note:          "monthly",
	}
}

func newTestClient(url string) *Client {
	return New(domain.EnrichmentConfig{
		BaseURL: url,
		Path:    "/process-invoice",
		Timeout: 2 * time.Second,
	})
}

func TestEnrich(t *testing.T) {
	t.Run("SendsRecordAndDecodesResult", func(t *testing.T) {
		var received map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("expected POST, got %s", r.Method)
			}
			if r.URL.Path != "/process-invoice" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
				t.Errorf("failed to decode request: %v", err)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"duplicate": false,
				"summary":   "Monthly cleaning invoice from Acme Corp",
			})
		}))
		defer server.Close()

		result, err := newTestClient(server.URL).Enrich(context.Background(), testRecord())
		if err != nil {
			t.Fatalf("Enrich failed: %v", err)
		}

		if result.Duplicate {
			t.Error("expected duplicate=false")
		}
		if result.Summary != "Monthly cleaning invoice from Acme Corp" {
			t.Errorf("unexpected summary: %s", result.Summary)
		}
		if len(result.Raw) == 0 {
			t.Error("expected raw response to be retained")
		}

		if received["invoice_number"] != "INV-2025-001" {
			t.Errorf("unexpected invoice_number: %v", received["invoice_number"])
		}
		if received["amount"] != "150.00" {
			t.Errorf("expected amount as decimal string, got %v", received["amount"])
		}
		if received["date"] != "2025-03-25" {
			t.Errorf("unexpected date: %v", received["date"])
		}
	})

	t.Run("ReportsDuplicate", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"duplicate": true,
				"summary":   "Duplicate of INV-2025-001",
			})
		}))
		defer server.Close()

		result, err := newTestClient(server.URL).Enrich(context.Background(), testRecord())
		if err != nil {
			t.Fatalf("Enrich failed: %v", err)
		}
		if !result.Duplicate {
			t.Error("expected duplicate=true")
		}
	})

	t.Run("ServerErrorIsError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer server.Close()

		_, err := newTestClient(server.URL).Enrich(context.Background(), testRecord())
		if err == nil {
			t.Fatal("expected error for 500 response")
		}
	})

	t.Run("MalformedBodyIsError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		defer server.Close()

		_, err := newTestClient(server.URL).Enrich(context.Background(), testRecord())
		if err == nil {
			t.Fatal("expected error for malformed response body")
		}
	})

	t.Run("RespectsContextCancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Drain the body so the server detects the client disconnect
			// and cancels the request context; otherwise Close deadlocks.
			_, _ = io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := newTestClient(server.URL).Enrich(ctx, testRecord())
		if err == nil {
			t.Fatal("expected error when context expires")
		}
	})
}
