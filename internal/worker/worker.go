// Package worker provides async batch ingestion from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/parser"
)

// Processor runs a parsed batch through the pipeline.
type Processor interface {
	Process(ctx context.Context, batch *domain.ParsedBatch) (*domain.BatchSummary, error)
}

// Worker consumes batch-received events and feeds them to the pipeline.
// It is the asynchronous ingestion path; the HTTP API is the synchronous one.
type Worker struct {
	bus       domain.EventBus
	processor Processor

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async ingestion worker.
func NewWorker(bus domain.EventBus, processor Processor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		processor: processor,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the batch-received topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicBatchReceived, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicBatchReceived, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("ingestion worker started",
		"topic", domain.TopicBatchReceived,
	)
	return nil
}

// Stop cancels the worker's subscriptions.
func (w *Worker) Stop() {
	w.cancel()
	for _, sub := range w.subscriptions {
		_ = sub.Unsubscribe()
	}
	w.subscriptions = nil
	slog.Info("ingestion worker stopped")
}

// BatchMessage is the payload published to the batch-received topic.
type BatchMessage struct {
	BatchID  string `json:"batchId"`
	Filename string `json:"filename"`
	Source   string `json:"source"`

	// Content is the raw CSV text of the uploaded file.
	Content string `json:"content"`
}

// handleMessage parses one batch message and runs it through the pipeline.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var batchMsg BatchMessage
	if err := json.Unmarshal(msg.Payload, &batchMsg); err != nil {
		slog.Error("failed to parse batch message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if batchMsg.BatchID == "" {
		batchMsg.BatchID = uuid.New().String()
	}
	if batchMsg.Source == "" {
		batchMsg.Source = "event"
	}

	// Unreadable content still flows through the pipeline so the batch is
	// reported as file-rejected rather than silently dropped.
	parsed, err := parser.ParseCSV(strings.NewReader(batchMsg.Content))
	if err != nil {
		slog.Warn("unreadable batch content",
			"batch_id", batchMsg.BatchID,
			"filename", batchMsg.Filename,
			"error", err,
		)
		parsed = &parser.Result{}
	}

	batch := &domain.ParsedBatch{
		BatchID:      batchMsg.BatchID,
		Filename:     batchMsg.Filename,
		Source:       batchMsg.Source,
		Records:      parsed.Records,
		RowsSeen:     parsed.RowsSeen,
		RowsRejected: parsed.RowsRejected,
	}

	summary, err := w.processor.Process(ctx, batch)
	if err != nil {
		slog.Error("batch processing failed",
			"batch_id", batch.BatchID,
			"error", err,
		)
		return err
	}

	slog.Info("batch processed from event",
		"batch_id", batch.BatchID,
		"accepted", summary.Accepted,
		"rejected", summary.Rejected,
		"errored", summary.Errored,
		"file_rejected", summary.FileRejected,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
