package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/openberl/dispatch/internal/adapter"
	"github.com/openberl/dispatch/internal/auth"
	"github.com/openberl/dispatch/internal/envelope"
	"github.com/openberl/dispatch/internal/pipeline"
	"github.com/openberl/dispatch/internal/router"
	"github.com/openberl/dispatch/internal/telemetry"
)

type fakeDispatcher struct {
	resp *envelope.Response
	err  error
	seen *envelope.Request
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	d.seen = req
	if d.err != nil {
		return nil, d.err
	}
	resp := *d.resp
	resp.RequestID = req.RequestID
	resp.TaskCategory = req.TaskCategory
	return &resp, nil
}

func testRegistry() func() *router.Registry {
	reg := router.NewRegistry()
	return func() *router.Registry { return reg }
}

func newTestHandler(d Dispatcher, pipelines map[string]*pipeline.Pipeline) *Handler {
	if pipelines == nil {
		pipelines = map[string]*pipeline.Pipeline{}
	}
	return NewHandler(
		d,
		testRegistry(),
		func() map[string]*pipeline.Pipeline { return pipelines },
		telemetry.NewCollector(nil),
		nil,
		nil,
		nil,
		nil,
	)
}

func authedRequest(method, target, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	info := &auth.AuthInfo{KeyID: "key-1", OwnerID: "owner-1"}
	return r.WithContext(auth.ContextWithAuth(r.Context(), info))
}

func TestDispatch_Success(t *testing.T) {
	d := &fakeDispatcher{resp: &envelope.Response{
		Result:       "generated",
		AdapterName:  "modelA",
		CostEstimate: 0.01,
	}}
	h := newTestHandler(d, nil)

	req := authedRequest(http.MethodPost, "/v1/dispatch",
		`{"task_category": "code_generation", "payload": "write a parser", "priority": 2}`)
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-ID", "req-1")

	h.Dispatch(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp envelope.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Result != "generated" {
		t.Errorf("unexpected result %q", resp.Result)
	}
	if resp.RequestID != "req-1" {
		t.Errorf("request ID should come from the middleware header, got %q", resp.RequestID)
	}

	if d.seen.TaskCategory != envelope.CodeGeneration {
		t.Errorf("category not propagated: %s", d.seen.TaskCategory)
	}
	if d.seen.Priority != 2 {
		t.Errorf("priority not propagated: %d", d.seen.Priority)
	}
}

func TestDispatch_RoutingHintsPropagate(t *testing.T) {
	d := &fakeDispatcher{resp: &envelope.Response{Result: "ok", AdapterName: "modelB"}}
	h := newTestHandler(d, nil)

	req := authedRequest(http.MethodPost, "/v1/dispatch",
		`{"task_category": "analysis", "payload": "x",
		  "routing_hints": {"preferred_adapters": ["modelB"], "allow_fallback": true}}`)
	rec := httptest.NewRecorder()

	h.Dispatch(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	hints := d.seen.RoutingHints
	if hints == nil {
		t.Fatal("routing hints not propagated")
	}
	if len(hints.PreferredAdapters) != 1 || hints.PreferredAdapters[0] != "modelB" {
		t.Errorf("preferred adapters not propagated: %v", hints.PreferredAdapters)
	}
	if !hints.AllowFallback {
		t.Error("allow_fallback not propagated")
	}
}

func TestDispatch_RequiresAuth(t *testing.T) {
	h := newTestHandler(&fakeDispatcher{resp: &envelope.Response{}}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/dispatch",
		strings.NewReader(`{"task_category": "analysis", "payload": "x"}`))
	rec := httptest.NewRecorder()

	h.Dispatch(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestDispatch_CategoryNotAllowedForKey(t *testing.T) {
	h := newTestHandler(&fakeDispatcher{resp: &envelope.Response{}}, nil)

	r := httptest.NewRequest(http.MethodPost, "/v1/dispatch",
		strings.NewReader(`{"task_category": "code_deployment", "payload": "x"}`))
	info := &auth.AuthInfo{KeyID: "key-1", OwnerID: "owner-1", AllowedCategories: []string{"analysis"}}
	r = r.WithContext(auth.ContextWithAuth(r.Context(), info))
	rec := httptest.NewRecorder()

	h.Dispatch(rec, r)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestDispatch_ValidationErrorIs400(t *testing.T) {
	h := newTestHandler(&fakeDispatcher{resp: &envelope.Response{}}, nil)

	req := authedRequest(http.MethodPost, "/v1/dispatch", `{"task_category": "analysis"}`)
	rec := httptest.NewRecorder()

	h.Dispatch(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty payload, got %d", rec.Code)
	}
}

func TestDispatch_RoutingErrorIs404(t *testing.T) {
	d := &fakeDispatcher{err: &router.RoutingError{Category: "image_generation", Reason: "no adapter registered for category"}}
	h := newTestHandler(d, nil)

	req := authedRequest(http.MethodPost, "/v1/dispatch",
		`{"task_category": "image_generation", "payload": "a cat"}`)
	rec := httptest.NewRecorder()

	h.Dispatch(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestDispatch_ExhaustedAdaptersIs503(t *testing.T) {
	d := &fakeDispatcher{err: &router.DispatchError{
		Category: "analysis",
		Attempts: []error{&adapter.ProviderError{Adapter: "modelA", Status: 503, Message: "down", Transient: true}},
	}}
	h := newTestHandler(d, nil)

	req := authedRequest(http.MethodPost, "/v1/dispatch", `{"task_category": "analysis", "payload": "x"}`)
	rec := httptest.NewRecorder()

	h.Dispatch(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func pipelineRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/pipelines/{name}/execute", h.ExecutePipeline)
	return r
}

func TestExecutePipeline_Success(t *testing.T) {
	d := &fakeDispatcher{resp: &envelope.Response{
		Result:       "step output",
		AdapterName:  "modelA",
		CostEstimate: 0.02,
	}}
	p := pipeline.New("review", d, nil)
	if err := p.AddStep("analyze", envelope.Analysis); err != nil {
		t.Fatalf("add step: %v", err)
	}
	h := newTestHandler(d, map[string]*pipeline.Pipeline{"review": p})

	req := authedRequest(http.MethodPost, "/v1/pipelines/review/execute", `{"input": "some code"}`)
	rec := httptest.NewRecorder()
	pipelineRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var res pipeline.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Status != pipeline.StatusCompleted {
		t.Errorf("expected completed, got %s", res.Status)
	}
	if res.Final != "step output" {
		t.Errorf("unexpected final result %q", res.Final)
	}
}

func TestExecutePipeline_UnknownPipelineIs404(t *testing.T) {
	h := newTestHandler(&fakeDispatcher{resp: &envelope.Response{}}, nil)

	req := authedRequest(http.MethodPost, "/v1/pipelines/missing/execute", `{"input": "x"}`)
	rec := httptest.NewRecorder()
	pipelineRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestExecutePipeline_FailedRunIs502WithTrace(t *testing.T) {
	d := &fakeDispatcher{err: &adapter.ProviderError{Adapter: "modelA", Status: 500, Message: "boom"}}
	p := pipeline.New("review", d, nil)
	p.AddStep("analyze", envelope.Analysis)
	h := newTestHandler(d, map[string]*pipeline.Pipeline{"review": p})

	req := authedRequest(http.MethodPost, "/v1/pipelines/review/execute", `{"input": "x"}`)
	rec := httptest.NewRecorder()
	pipelineRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}

	var res pipeline.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Status != pipeline.StatusFailed {
		t.Errorf("expected failed, got %s", res.Status)
	}
	if res.FailedStep != "analyze" {
		t.Errorf("expected failed step analyze, got %q", res.FailedStep)
	}
}

func TestStats(t *testing.T) {
	d := &fakeDispatcher{resp: &envelope.Response{Result: "r", AdapterName: "modelA"}}
	h := newTestHandler(d, nil)

	// Run one dispatch so the snapshot has content.
	req := authedRequest(http.MethodPost, "/v1/dispatch", `{"task_category": "analysis", "payload": "x"}`)
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-ID", "req-1")
	h.Dispatch(rec, req)

	statsRec := httptest.NewRecorder()
	h.Stats(statsRec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))

	if statsRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", statsRec.Code)
	}
	var body struct {
		Adapters map[string]telemetry.AdapterSnapshot `json:"adapters"`
	}
	if err := json.Unmarshal(statsRec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if body.Adapters["modelA"].Requests != 1 {
		t.Errorf("expected 1 request for modelA, got %+v", body.Adapters)
	}
}
