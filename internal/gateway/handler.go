package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openberl/dispatch/internal/audit"
	"github.com/openberl/dispatch/internal/auth"
	"github.com/openberl/dispatch/internal/envelope"
	"github.com/openberl/dispatch/internal/httputil"
	"github.com/openberl/dispatch/internal/pipeline"
	"github.com/openberl/dispatch/internal/quota"
	"github.com/openberl/dispatch/internal/router"
	"github.com/openberl/dispatch/internal/telemetry"
)

// Dispatcher routes one request to an adapter.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *envelope.Request) (*envelope.Response, error)
}

// Handler holds dependencies for the dispatch HTTP handlers.
type Handler struct {
	dispatcher Dispatcher
	registry   func() *router.Registry
	pipelines  func() map[string]*pipeline.Pipeline
	collector  *telemetry.Collector
	metrics    *telemetry.Metrics
	audit      *audit.Store
	spend      *quota.SpendTracker
	health     *router.HealthTracker
}

func NewHandler(
	dispatcher Dispatcher,
	registry func() *router.Registry,
	pipelines func() map[string]*pipeline.Pipeline,
	collector *telemetry.Collector,
	metrics *telemetry.Metrics,
	auditStore *audit.Store,
	spend *quota.SpendTracker,
	health *router.HealthTracker,
) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		registry:   registry,
		pipelines:  pipelines,
		collector:  collector,
		metrics:    metrics,
		audit:      auditStore,
		spend:      spend,
		health:     health,
	}
}

// dispatchRequest is the wire form of POST /v1/dispatch.
type dispatchRequest struct {
	TaskCategory   string                `json:"task_category"`
	Payload        string                `json:"payload"`
	Context        []envelope.Message    `json:"context,omitempty"`
	Metadata       envelope.Metadata     `json:"metadata,omitempty"`
	RoutingHints   envelope.RoutingHints `json:"routing_hints,omitempty"`
	Priority       int                   `json:"priority,omitempty"`
	TimeoutSeconds int                   `json:"timeout_seconds,omitempty"`
}

// Dispatch handles POST /v1/dispatch
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	var body dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	defer r.Body.Close()

	if !authInfo.AllowsCategory(body.TaskCategory) {
		httputil.WriteAuthError(w, reqID, "API key does not allow category "+body.TaskCategory)
		return
	}

	opts := []envelope.Option{
		envelope.WithRequestID(reqID),
		envelope.WithContext(body.Context),
		envelope.WithMetadata(body.Metadata),
		envelope.WithRoutingHints(&body.RoutingHints),
	}
	if body.Priority > 0 {
		opts = append(opts, envelope.WithPriority(body.Priority))
	}
	if body.TimeoutSeconds > 0 {
		opts = append(opts, envelope.WithTimeout(time.Duration(body.TimeoutSeconds)*time.Second))
	}

	req, err := envelope.NewRequest(envelope.TaskCategory(body.TaskCategory), body.Payload, opts...)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}

	resp, err := h.dispatcher.Dispatch(r.Context(), req)
	if h.collector != nil {
		h.collector.Observe(req, resp, "", err)
	}
	if err != nil {
		h.writeDispatchError(w, reqID, err)
		return
	}

	if h.spend != nil && resp.CostEstimate > 0 {
		h.spend.RecordSpend(r.Context(), authInfo.OwnerID, quota.CentsFromUSD(resp.CostEstimate))
	}

	slog.Info("dispatch completed",
		"request_id", reqID,
		"category", req.TaskCategory,
		"adapter", resp.AdapterName,
		"cache_hit", resp.CacheHit,
		"cost_usd", resp.CostEstimate,
		"duration_ms", time.Since(receivedAt).Milliseconds(),
		"owner_id", authInfo.OwnerID,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, reqID string, err error) {
	var verr *envelope.ValidationError
	var rerr *router.RoutingError
	var derr *router.DispatchError
	switch {
	case errors.As(err, &verr):
		httputil.WriteBadRequestError(w, reqID, verr.Error())
	case errors.As(err, &rerr):
		httputil.WriteNotFoundError(w, reqID, rerr.Error())
	case errors.As(err, &derr):
		httputil.WriteServiceUnavailableError(w, reqID, derr.Error())
	case errors.Is(err, context.DeadlineExceeded):
		httputil.WriteError(w, reqID, http.StatusGatewayTimeout, "timeout_error", "deadline_exceeded", err.Error())
	default:
		httputil.WriteInternalError(w, reqID, err.Error())
	}
}

// executeRequest is the wire form of POST /v1/pipelines/{name}/execute.
type executeRequest struct {
	Input string `json:"input"`
	Mode  string `json:"mode,omitempty"`
}

// ExecutePipeline handles POST /v1/pipelines/{name}/execute
func (h *Handler) ExecutePipeline(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	name := chi.URLParam(r, "name")
	p, ok := h.pipelines()[name]
	if !ok {
		httputil.WriteNotFoundError(w, reqID, "Unknown pipeline: "+name)
		return
	}

	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	defer r.Body.Close()
	if body.Input == "" {
		httputil.WriteBadRequestError(w, reqID, "input is required")
		return
	}

	mode := pipeline.ExecutionMode(body.Mode)
	res, err := p.Execute(r.Context(), body.Input, mode)
	if err != nil && res == nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}

	if h.metrics != nil {
		h.metrics.RecordPipelineRun(name, string(res.Status))
	}
	h.audit.RecordRun(res)
	if h.spend != nil && res.TotalCostUSD > 0 {
		h.spend.RecordSpend(r.Context(), authInfo.OwnerID, quota.CentsFromUSD(res.TotalCostUSD))
	}

	status := http.StatusOK
	if res.Status == pipeline.StatusFailed {
		status = http.StatusBadGateway
	}

	slog.Info("pipeline run finished",
		"request_id", reqID,
		"pipeline", name,
		"run_id", res.RunID,
		"status", res.Status,
		"steps", len(res.Steps),
		"total_cost_usd", res.TotalCostUSD,
		"owner_id", authInfo.OwnerID,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res)
}

// ListPipelines handles GET /v1/pipelines
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	type pipelineObject struct {
		Name  string `json:"name"`
		Steps int    `json:"steps"`
	}
	list := make([]pipelineObject, 0)
	for name, p := range h.pipelines() {
		list = append(list, pipelineObject{Name: name, Steps: p.Len()})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"pipelines": list})
}

// Categories handles GET /v1/categories
func (h *Handler) Categories(w http.ResponseWriter, r *http.Request) {
	reg := h.registry()
	type categoryObject struct {
		Category string   `json:"category"`
		Adapters []string `json:"adapters"`
	}
	list := make([]categoryObject, 0)
	for _, cat := range reg.Categories() {
		var names []string
		for _, inv := range reg.Candidates(cat) {
			names = append(names, inv.Name())
		}
		list = append(list, categoryObject{Category: string(cat), Adapters: names})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"categories": list})
}

// Stats handles GET /v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]telemetry.AdapterSnapshot{}
	if h.collector != nil {
		snapshot = h.collector.Snapshot()
	}
	body := map[string]any{"adapters": snapshot}
	if h.health != nil {
		body["health"] = h.health.States()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}
