package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/resilience"
)

// fakeBus records publishes and can be told to fail specific topics.
type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	failTopic string
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string][][]byte)}
}

func (f *fakeBus) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if topic == f.failTopic {
		return errors.New("broker unavailable")
	}
	f.published[topic] = append(f.published[topic], payload)
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBus) Ping(ctx context.Context) error { return nil }
func (f *fakeBus) Close() error                   { return nil }

func (f *fakeBus) messages(topic string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[topic]
}

func testRegistry() *resilience.Registry {
	policy := domain.CallPolicy{
		MaxAttempts:           3,
		InitialBackoff:        time.Millisecond,
		BackoffMultiplier:     2.0,
		AttemptTimeout:        100 * time.Millisecond,
		WindowSize:            10,
		MinimumCalls:          5,
		FailureRateThreshold:  0.5,
		SlowCallRateThreshold: 0.5,
		SlowCallThreshold:     time.Minute,
		OpenDuration:          30 * time.Millisecond,
	}

	cfg := domain.DefaultResilienceConfig()
	policy.Name = domain.DepBroadcast
	policy.Fallback = domain.FailClosed
	cfg.Broadcast = policy
	return resilience.NewRegistry(cfg)
}

func testBatch() *domain.ParsedBatch {
	return &domain.ParsedBatch{
		BatchID:  "batch-001",
		Filename: "invoices.csv",
		Source:   "upload",
	}
}

func testRecord() *domain.InvoiceRecord {
	return &domain.InvoiceRecord{
		InvoiceNumber: "INV-2025-001",
		Vendor:        "Acme Corp",
		VendorCode:    "ACME",
		Service:       "cleaning",
		Date:          time.Date(2025, 3, 25, 0, 0, 0, 0, time.UTC),
		Amount:        decimal.RequireFromString("150.00"),
	}
}

func decodeNotification(t *testing.T, payload []byte) *Notification {
	t.Helper()
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		t.Fatalf("failed to decode notification: %v", err)
	}
	return &n
}

func TestNotifyRouting(t *testing.T) {
	ctx := context.Background()

	t.Run("AcceptedRoutesToAcceptedTopic", func(t *testing.T) {
		bus := newFakeBus()
		router := NewRouter(bus, testRegistry())

		result := domain.AcceptedResult(testRecord(),
			&domain.ValidationOutcome{Valid: true, Reason: "amount validation passed"},
			&domain.EnrichmentResult{Summary: "Monthly cleaning invoice"},
			testBatch(),
		)

		if err := router.Notify(ctx, result); err != nil {
			t.Fatalf("Notify failed: %v", err)
		}

		msgs := bus.messages(domain.TopicInvoiceAccepted)
		if len(msgs) != 1 {
			t.Fatalf("expected 1 accepted notification, got %d", len(msgs))
		}

		n := decodeNotification(t, msgs[0])
		if n.InvoiceNumber != "INV-2025-001" {
			t.Errorf("unexpected invoice number: %s", n.InvoiceNumber)
		}
		if n.Summary != "Monthly cleaning invoice" {
			t.Errorf("unexpected summary: %s", n.Summary)
		}
		if n.BatchID != "batch-001" {
			t.Errorf("unexpected batch id: %s", n.BatchID)
		}
	})

	t.Run("DuplicateRoutesToDuplicateTopic", func(t *testing.T) {
		bus := newFakeBus()
		router := NewRouter(bus, testRegistry())

		result := domain.AcceptedResult(testRecord(),
			&domain.ValidationOutcome{Valid: true, Reason: "amount validation passed"},
			&domain.EnrichmentResult{Duplicate: true, Summary: "Duplicate of INV-2025-001"},
			testBatch(),
		)

		if err := router.Notify(ctx, result); err != nil {
			t.Fatalf("Notify failed: %v", err)
		}

		if len(bus.messages(domain.TopicInvoiceDuplicate)) != 1 {
			t.Error("expected notification on duplicate topic")
		}
		if len(bus.messages(domain.TopicInvoiceAccepted)) != 0 {
			t.Error("duplicate must not also appear on accepted topic")
		}
	})

	t.Run("RejectedCarriesExpectedAmount", func(t *testing.T) {
		bus := newFakeBus()
		router := NewRouter(bus, testRegistry())

		expected := decimal.RequireFromString("200.00")
		rule := &domain.PricingRule{PricingType: domain.PricingRange}
		result := domain.RuleRejectedResult(testRecord(),
			&domain.ValidationOutcome{
				Valid:          false,
				Reason:         "amount 150.00 outside allowed range [250.00, 200.00]",
				Rule:           rule,
				ExpectedAmount: &expected,
			},
			testBatch(),
		)

		if err := router.Notify(ctx, result); err != nil {
			t.Fatalf("Notify failed: %v", err)
		}

		msgs := bus.messages(domain.TopicInvoiceRejected)
		if len(msgs) != 1 {
			t.Fatalf("expected 1 rejected notification, got %d", len(msgs))
		}

		n := decodeNotification(t, msgs[0])
		if n.ExpectedAmount != "200.00" {
			t.Errorf("expected expected_amount 200.00, got %s", n.ExpectedAmount)
		}
		if n.PricingType != "RANGE" {
			t.Errorf("expected pricing_type RANGE, got %s", n.PricingType)
		}
		if n.Reason == "" {
			t.Error("expected rejection reason to be carried")
		}
	})

	t.Run("ErrorResultsAreNotBroadcast", func(t *testing.T) {
		bus := newFakeBus()
		router := NewRouter(bus, testRegistry())

		result := domain.ErrorResult(testRecord(), "panic: bad state", testBatch())

		if err := router.Notify(ctx, result); err != nil {
			t.Fatalf("Notify failed: %v", err)
		}

		for _, topic := range []string{
			domain.TopicInvoiceAccepted,
			domain.TopicInvoiceDuplicate,
			domain.TopicInvoiceRejected,
			domain.TopicDeliveryFailed,
		} {
			if len(bus.messages(topic)) != 0 {
				t.Errorf("error result must not publish to %s", topic)
			}
		}
	})

	t.Run("DegradedFlagPropagates", func(t *testing.T) {
		bus := newFakeBus()
		router := NewRouter(bus, testRegistry())

		result := domain.AcceptedResult(testRecord(),
			&domain.ValidationOutcome{Valid: true, Reason: "auto-approved, dependency unavailable", Degraded: true},
			&domain.EnrichmentResult{Summary: "auto-approved, dependency unavailable", Degraded: true},
			testBatch(),
		)

		if err := router.Notify(ctx, result); err != nil {
			t.Fatalf("Notify failed: %v", err)
		}

		n := decodeNotification(t, bus.messages(domain.TopicInvoiceAccepted)[0])
		if !n.Degraded {
			t.Error("expected degraded flag on notification")
		}
	})
}

func TestNotifyDeliveryFailure(t *testing.T) {
	ctx := context.Background()

	bus := newFakeBus()
	bus.failTopic = domain.TopicInvoiceAccepted
	router := NewRouter(bus, testRegistry())

	result := domain.AcceptedResult(testRecord(),
		&domain.ValidationOutcome{Valid: true, Reason: "amount validation passed"},
		&domain.EnrichmentResult{Summary: "ok"},
		testBatch(),
	)

	err := router.Notify(ctx, result)
	if err == nil {
		t.Fatal("expected error when delivery fails")
	}

	msgs := bus.messages(domain.TopicDeliveryFailed)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 delivery failure, got %d", len(msgs))
	}

	var failure struct {
		Topic        string          `json:"topic"`
		Notification json.RawMessage `json:"notification"`
		Error        string          `json:"error"`
	}
	if err := json.Unmarshal(msgs[0], &failure); err != nil {
		t.Fatalf("failed to decode delivery failure: %v", err)
	}

	if failure.Topic != domain.TopicInvoiceAccepted {
		t.Errorf("unexpected failed topic: %s", failure.Topic)
	}
	if failure.Error == "" {
		t.Error("expected failure cause to be recorded")
	}

	// The original notification travels unwrapped inside the failure event.
	n := decodeNotification(t, failure.Notification)
	if n.InvoiceNumber != "INV-2025-001" {
		t.Errorf("expected original notification preserved, got invoice %s", n.InvoiceNumber)
	}
}
