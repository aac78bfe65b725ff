// Package notify routes processing results to outcome notification topics.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/resilience"
)

// Router classifies processing results onto notification topics and
// delivers them through the broadcast resilience wrapper. Broadcast is
// fail-closed: when delivery exhausts its retries or the circuit is open,
// the original notification is rerouted to the delivery-failed channel
// instead of being dropped.
type Router struct {
	bus      domain.EventBus
	registry *resilience.Registry
}

// NewRouter creates a notification router.
func NewRouter(bus domain.EventBus, registry *resilience.Registry) *Router {
	return &Router{bus: bus, registry: registry}
}

// Notification is the outcome payload published for a processed invoice.
type Notification struct {
	InvoiceNumber  string    `json:"invoice_number"`
	Vendor         string    `json:"vendor"`
	VendorCode     string    `json:"vendor_code"`
	Service        string    `json:"service"`
	Date           string    `json:"date"`
	Amount         string    `json:"amount"`
	ExpectedAmount string    `json:"expected_amount,omitempty"`
	PricingType    string    `json:"pricing_type,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	Degraded       bool      `json:"degraded,omitempty"`
	BatchID        string    `json:"batch_id"`
	Source         string    `json:"source,omitempty"`
	ProcessedAt    time.Time `json:"processed_at"`
}

// deliveryFailure wraps an undeliverable notification with the fault that
// prevented delivery.
type deliveryFailure struct {
	Topic        string          `json:"topic"`
	Notification json.RawMessage `json:"notification"`
	Error        string          `json:"error"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Notify publishes the result to its outcome topic. Error results are
// logged and persisted upstream but never broadcast.
func (r *Router) Notify(ctx context.Context, result *domain.ProcessingResult) error {
	topic := topicFor(result)
	if topic == "" {
		return nil
	}

	payload, err := json.Marshal(buildNotification(result))
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	err = r.registry.Execute(ctx, domain.DepBroadcast, func(ctx context.Context) error {
		return r.bus.Publish(ctx, topic, payload)
	})
	if err != nil {
		r.routeDeliveryFailure(ctx, topic, payload, err)
		return fmt.Errorf("notification delivery to %s failed: %w", topic, err)
	}

	return nil
}

// routeDeliveryFailure publishes the undelivered notification to the
// delivery-failed channel. This publish is a single unwrapped attempt; if
// it also fails the failure is logged and the notification is lost.
func (r *Router) routeDeliveryFailure(ctx context.Context, topic string, payload []byte, cause error) {
	failure, err := json.Marshal(deliveryFailure{
		Topic:        topic,
		Notification: payload,
		Error:        cause.Error(),
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		slog.Error("failed to encode delivery failure", "topic", topic, "error", err)
		return
	}

	if err := r.bus.Publish(ctx, domain.TopicDeliveryFailed, failure); err != nil {
		slog.Error("failed to publish delivery failure",
			"topic", topic,
			"cause", cause,
			"error", err,
		)
	}
}

func topicFor(result *domain.ProcessingResult) string {
	switch result.Status {
	case domain.StatusAccepted:
		if result.Enrichment != nil && result.Enrichment.Duplicate {
			return domain.TopicInvoiceDuplicate
		}
		return domain.TopicInvoiceAccepted
	case domain.StatusRuleRejected:
		return domain.TopicInvoiceRejected
	default:
		return ""
	}
}

func buildNotification(result *domain.ProcessingResult) *Notification {
	n := &Notification{
		BatchID:     result.BatchID,
		Source:      result.Source,
		ProcessedAt: result.ProcessedAt,
	}

	if rec := result.Record; rec != nil {
		n.InvoiceNumber = rec.InvoiceNumber
		n.Vendor = rec.Vendor
		n.VendorCode = rec.VendorCode
		n.Service = rec.Service
		n.Date = rec.Date.Format("2006-01-02")
		n.Amount = rec.Amount.String()
	}

	if outcome := result.Outcome; outcome != nil {
		n.Reason = outcome.Reason
		n.Degraded = outcome.Degraded
		if outcome.ExpectedAmount != nil {
			n.ExpectedAmount = outcome.ExpectedAmount.String()
		}
		if outcome.Rule != nil {
			n.PricingType = string(outcome.Rule.PricingType)
		}
	}

	if enrichment := result.Enrichment; enrichment != nil {
		n.Summary = enrichment.Summary
		if enrichment.Degraded {
			n.Degraded = true
		}
	}

	return n
}
