package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/parser"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/resilience"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// maxUploadBytes bounds a single batch upload.
const maxUploadBytes = 10 << 20

// Processor runs a parsed batch through the pipeline. Satisfied by
// engine.Engine; tests substitute stubs.
type Processor interface {
	Process(ctx context.Context, batch *domain.ParsedBatch) (*domain.BatchSummary, error)
}

// Handler handles HTTP requests.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	store     *rules.Store
	processor Processor
	registry  *resilience.Registry
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, store *rules.Store, processor Processor, registry *resilience.Registry, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		store:     store,
		processor: processor,
		registry:  registry,
		version:   version,
	}
}

// BatchRequest is the JSON body for batch submission. The content field
// carries the raw CSV text; async selects event-driven processing.
type BatchRequest struct {
	Filename string `json:"filename"`
	Source   string `json:"source"`
	Content  string `json:"content"`
	Async    bool   `json:"async"`
}

// SubmitBatch handles POST /invoices. The body is either a JSON BatchRequest
// or raw CSV (Content-Type text/csv, filename and async taken from query
// parameters). Synchronous submissions return the full batch summary; async
// ones publish a batch-received event and return 202 immediately.
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	req, err := h.readBatchRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "content is required",
		})
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	batchID := uuid.New().String()

	if req.Async {
		payload, err := json.Marshal(worker.BatchMessage{
			BatchID:  batchID,
			Filename: req.Filename,
			Source:   req.Source,
			Content:  req.Content,
		})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to encode batch message",
			})
			return
		}
		if err := h.bus.Publish(r.Context(), domain.TopicBatchReceived, payload); err != nil {
			slog.Error("failed to publish batch", "batch_id", batchID, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "failed to enqueue batch",
			})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"batchId": batchID,
			"status":  "accepted",
		})
		return
	}

	// Unreadable input is a batch outcome, not a transport error: an empty
	// parse result makes the pipeline report the batch as file-rejected.
	parsed, err := parser.ParseCSV(strings.NewReader(req.Content))
	if err != nil {
		slog.Warn("unreadable batch content",
			"batch_id", batchID,
			"filename", req.Filename,
			"error", err,
		)
		parsed = &parser.Result{}
	}

	batch := &domain.ParsedBatch{
		BatchID:      batchID,
		Filename:     req.Filename,
		Source:       req.Source,
		Records:      parsed.Records,
		RowsSeen:     parsed.RowsSeen,
		RowsRejected: parsed.RowsRejected,
	}

	summary, err := h.processor.Process(r.Context(), batch)
	if err != nil {
		slog.Error("batch processing failed", "batch_id", batchID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "batch processing failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// readBatchRequest decodes the submission body. Raw CSV bodies take filename,
// source and async from query parameters; multipart uploads carry the CSV in
// the "file" field.
func (h *Handler) readBatchRequest(r *http.Request) (*BatchRequest, error) {
	contentType := r.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, errors.New("invalid multipart body")
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, errors.New("multipart body requires a 'file' field")
		}
		defer file.Close()

		content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
		if err != nil {
			return nil, errors.New("failed to read uploaded file")
		}
		return &BatchRequest{
			Filename: header.Filename,
			Source:   r.FormValue("source"),
			Content:  string(content),
			Async:    r.FormValue("async") == "true",
		}, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		return nil, errors.New("failed to read request body")
	}

	if strings.HasPrefix(contentType, "text/csv") || strings.HasPrefix(contentType, "text/plain") {
		return &BatchRequest{
			Filename: r.URL.Query().Get("filename"),
			Source:   r.URL.Query().Get("source"),
			Content:  string(body),
			Async:    r.URL.Query().Get("async") == "true",
		}, nil
	}

	var req BatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.New("invalid request body")
	}
	return &req, nil
}

// GetInvoice handles GET /invoices/{id}.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	inv, err := h.repo.GetInvoice(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "invoice not found",
		})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to retrieve invoice",
		})
		return
	}

	writeJSON(w, http.StatusOK, inv)
}

// ListBatchInvoices handles GET /batches/{id}.
func (h *Handler) ListBatchInvoices(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	invoices, err := h.repo.ListInvoicesByBatch(r.Context(), batchID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list invoices",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batchId":  batchID,
		"count":    len(invoices),
		"invoices": invoices,
	})
}

// ListRules handles GET /rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ruleList, err := h.store.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list rules",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(ruleList),
		"rules": ruleList,
	})
}

// GetRule handles GET /rules/{vendorCode}/{service}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	vendorCode := chi.URLParam(r, "vendorCode")
	service := chi.URLParam(r, "service")

	rule, err := h.store.Get(r.Context(), vendorCode, service)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to retrieve rule",
		})
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// CreateRule handles POST /rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := decodeRule(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.store.Save(r.Context(), rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusCreated, rule)
}

// UpdateRule handles PUT /rules/{vendorCode}/{service}. The rule key always
// comes from the path, not the body.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := decodeRule(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}
	rule.VendorCode = chi.URLParam(r, "vendorCode")
	rule.ServiceName = chi.URLParam(r, "service")

	if err := h.store.Save(r.Context(), rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// DeleteRule handles DELETE /rules/{vendorCode}/{service}.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	vendorCode := chi.URLParam(r, "vendorCode")
	service := chi.URLParam(r, "service")

	err := h.store.Delete(r.Context(), vendorCode, service)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to delete rule",
		})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Circuits handles GET /circuits, exposing per-dependency breaker state.
func (h *Handler) Circuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"circuits": h.registry.Snapshots(),
	})
}

// Health handles GET /health. Reports degraded with 503 when any backing
// component fails its ping.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := map[string]string{
		"repository": "ok",
		"cache":      "ok",
		"eventBus":   "ok",
	}
	healthy := true

	if err := h.repo.Ping(ctx); err != nil {
		components["repository"] = err.Error()
		healthy = false
	}
	if err := h.cache.Ping(ctx); err != nil {
		components["cache"] = err.Error()
		healthy = false
	}
	if err := h.bus.Ping(ctx); err != nil {
		components["eventBus"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}

	writeJSON(w, status, map[string]interface{}{
		"status":     state,
		"version":    h.version,
		"components": components,
	})
}

// Ready handles GET /ready.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// decodeRule parses a rule body. Active defaults to true when the field is
// absent so a minimal create payload produces a live rule.
func decodeRule(r *http.Request) (*domain.PricingRule, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		return nil, errors.New("failed to read request body")
	}

	var rule domain.PricingRule
	if err := json.Unmarshal(body, &rule); err != nil {
		return nil, errors.New("invalid request body")
	}

	var probe struct {
		Active *bool `json:"active"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && probe.Active == nil {
		rule.Active = true
	}

	return &rule, nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
