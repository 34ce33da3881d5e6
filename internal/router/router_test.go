package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openberl/dispatch/internal/adapter"
	"github.com/openberl/dispatch/internal/envelope"
)

type fakeInvoker struct {
	name  string
	caps  []envelope.TaskCategory
	calls int
	exec  func(ctx context.Context, req *envelope.Request) (*envelope.Response, error)
}

func (f *fakeInvoker) Name() string                          { return f.name }
func (f *fakeInvoker) Capabilities() []envelope.TaskCategory { return f.caps }

func (f *fakeInvoker) Execute(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	f.calls++
	if f.exec != nil {
		return f.exec(ctx, req)
	}
	return &envelope.Response{
		TaskCategory: req.TaskCategory,
		Result:       "from " + f.name,
		RequestID:    req.RequestID,
		AdapterName:  f.name,
	}, nil
}

func newRouterRequest(t *testing.T, category envelope.TaskCategory, opts ...envelope.Option) *envelope.Request {
	t.Helper()
	req, err := envelope.NewRequest(category, "payload", opts...)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func TestRegistry_PreservesRegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeInvoker{name: "modelA", caps: []envelope.TaskCategory{envelope.CodeGeneration}})
	reg.Register(&fakeInvoker{name: "modelB", caps: []envelope.TaskCategory{envelope.CodeGeneration}})

	got := reg.Candidates(envelope.CodeGeneration)
	if len(got) != 2 || got[0].Name() != "modelA" || got[1].Name() != "modelB" {
		t.Fatalf("unexpected candidate order: %v", names(got))
	}
}

func TestRegistry_ReRegisterReplacesInPlace(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeInvoker{name: "modelA", caps: []envelope.TaskCategory{envelope.CodeGeneration}})
	reg.Register(&fakeInvoker{name: "modelB", caps: []envelope.TaskCategory{envelope.CodeGeneration}})

	replacement := &fakeInvoker{name: "modelA", caps: []envelope.TaskCategory{envelope.CodeGeneration}}
	reg.Register(replacement)

	got := reg.Candidates(envelope.CodeGeneration)
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0] != Invoker(replacement) {
		t.Error("replacement should occupy the original position")
	}
	if got[1].Name() != "modelB" {
		t.Errorf("second candidate disturbed: %s", got[1].Name())
	}
}

func TestRegistry_CandidatesIsACopy(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeInvoker{name: "modelA", caps: []envelope.TaskCategory{envelope.Analysis}})

	got := reg.Candidates(envelope.Analysis)
	got[0] = &fakeInvoker{name: "mutated"}

	if reg.Candidates(envelope.Analysis)[0].Name() != "modelA" {
		t.Error("mutating a candidates slice must not affect the registry")
	}
}

func TestRegistry_ReplaceAllSwapsEntries(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeInvoker{name: "modelA", caps: []envelope.TaskCategory{envelope.CodeGeneration}})

	rebuilt := NewRegistry()
	rebuilt.Register(&fakeInvoker{name: "modelB", caps: []envelope.TaskCategory{envelope.Analysis}})
	reg.ReplaceAll(rebuilt)

	if _, ok := reg.Get("modelA"); ok {
		t.Error("replaced adapter should be gone")
	}
	if _, ok := reg.Get("modelB"); !ok {
		t.Error("rebuilt adapter should be visible through the original handle")
	}
	if got := reg.Candidates(envelope.CodeGeneration); got != nil {
		t.Errorf("old category should be empty, got %v", names(got))
	}
	if got := reg.Candidates(envelope.Analysis); len(got) != 1 {
		t.Errorf("expected 1 candidate for the new category, got %d", len(got))
	}
}

func TestRouter_RoutesByCapability(t *testing.T) {
	// modelA serves code, modelB serves text and analysis. A text request
	// must land on modelB even though modelA registered first.
	modelA := &fakeInvoker{name: "modelA", caps: []envelope.TaskCategory{envelope.CodeGeneration}}
	modelB := &fakeInvoker{name: "modelB", caps: []envelope.TaskCategory{envelope.TextGeneration, envelope.Analysis}}

	reg := NewRegistry()
	reg.Register(modelA)
	reg.Register(modelB)
	rt := NewRouter(reg, nil, nil)

	resp, err := rt.Dispatch(context.Background(), newRouterRequest(t, envelope.TextGeneration))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.AdapterName != "modelB" {
		t.Errorf("expected modelB, got %s", resp.AdapterName)
	}
	if modelA.calls != 0 {
		t.Error("modelA must not be invoked for a category it does not serve")
	}
}

func TestRouter_UnknownCategoryIsRoutingError(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeInvoker{name: "modelA", caps: []envelope.TaskCategory{envelope.CodeGeneration}})
	rt := NewRouter(reg, nil, nil)

	_, err := rt.Dispatch(context.Background(), newRouterRequest(t, envelope.ImageGeneration))
	var rerr *RoutingError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RoutingError, got %v", err)
	}
	if rerr.Category != envelope.ImageGeneration {
		t.Errorf("error should name the category, got %s", rerr.Category)
	}
}

func TestRouter_InvalidRequestAborts(t *testing.T) {
	modelA := &fakeInvoker{name: "modelA", caps: []envelope.TaskCategory{envelope.Analysis}}
	reg := NewRegistry()
	reg.Register(modelA)
	rt := NewRouter(reg, nil, nil)

	_, err := rt.Dispatch(context.Background(), &envelope.Request{TaskCategory: envelope.Analysis})
	var verr *envelope.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if modelA.calls != 0 {
		t.Error("invalid requests must not reach adapters")
	}
}

func TestRouter_FailsOverInRegistrationOrder(t *testing.T) {
	modelA := &fakeInvoker{
		name: "modelA",
		caps: []envelope.TaskCategory{envelope.Analysis},
		exec: func(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
			return nil, &adapter.ProviderError{Adapter: "modelA", Status: 503, Message: "down", Transient: true}
		},
	}
	modelB := &fakeInvoker{name: "modelB", caps: []envelope.TaskCategory{envelope.Analysis}}

	reg := NewRegistry()
	reg.Register(modelA)
	reg.Register(modelB)
	rt := NewRouter(reg, nil, nil)

	resp, err := rt.Dispatch(context.Background(), newRouterRequest(t, envelope.Analysis))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.AdapterName != "modelB" {
		t.Errorf("expected failover to modelB, got %s", resp.AdapterName)
	}
	if modelA.calls != 1 {
		t.Errorf("expected modelA tried once, got %d", modelA.calls)
	}
}

func TestRouter_AllCandidatesFailingAggregates(t *testing.T) {
	fail := func(name string) func(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
		return func(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
			return nil, &adapter.ProviderError{Adapter: name, Status: 500, Message: "boom", Transient: true}
		}
	}
	reg := NewRegistry()
	reg.Register(&fakeInvoker{name: "modelA", caps: []envelope.TaskCategory{envelope.Analysis}, exec: fail("modelA")})
	reg.Register(&fakeInvoker{name: "modelB", caps: []envelope.TaskCategory{envelope.Analysis}, exec: fail("modelB")})
	rt := NewRouter(reg, nil, nil)

	_, err := rt.Dispatch(context.Background(), newRouterRequest(t, envelope.Analysis))
	var derr *DispatchError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DispatchError, got %v", err)
	}
	if len(derr.Attempts) != 2 {
		t.Errorf("expected 2 attempt errors, got %d", len(derr.Attempts))
	}
	var pe *adapter.ProviderError
	if !errors.As(err, &pe) {
		t.Error("aggregate should unwrap to the underlying provider errors")
	}
}

func TestRouter_DispatchWithoutHints(t *testing.T) {
	modelA := &fakeInvoker{name: "modelA", caps: []envelope.TaskCategory{envelope.Analysis}}
	reg := NewRegistry()
	reg.Register(modelA)
	rt := NewRouter(reg, nil, nil)

	req := newRouterRequest(t, envelope.Analysis)
	if req.RoutingHints != nil {
		t.Fatal("request should carry no hints by default")
	}
	resp, err := rt.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.AdapterName != "modelA" {
		t.Errorf("expected modelA, got %s", resp.AdapterName)
	}
}

func TestRouter_PreferredAdapterHint(t *testing.T) {
	modelA := &fakeInvoker{name: "modelA", caps: []envelope.TaskCategory{envelope.Analysis}}
	modelB := &fakeInvoker{name: "modelB", caps: []envelope.TaskCategory{envelope.Analysis}}
	reg := NewRegistry()
	reg.Register(modelA)
	reg.Register(modelB)
	rt := NewRouter(reg, nil, nil)

	req := newRouterRequest(t, envelope.Analysis,
		envelope.WithRoutingHints(&envelope.RoutingHints{PreferredAdapters: []string{"modelB"}}))
	resp, err := rt.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.AdapterName != "modelB" {
		t.Errorf("hint should pick modelB, got %s", resp.AdapterName)
	}
	if modelA.calls != 0 {
		t.Error("non-preferred adapter should not be tried when preferred succeeds")
	}
}

func TestRouter_HintWithoutFallbackIsStrict(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeInvoker{name: "modelA", caps: []envelope.TaskCategory{envelope.Analysis}})
	rt := NewRouter(reg, nil, nil)

	req := newRouterRequest(t, envelope.Analysis,
		envelope.WithRoutingHints(&envelope.RoutingHints{PreferredAdapters: []string{"missing"}}))
	_, err := rt.Dispatch(context.Background(), req)
	var rerr *RoutingError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RoutingError, got %v", err)
	}
}

func TestRouter_HintWithFallbackWidens(t *testing.T) {
	modelA := &fakeInvoker{name: "modelA", caps: []envelope.TaskCategory{envelope.Analysis}}
	reg := NewRegistry()
	reg.Register(modelA)
	rt := NewRouter(reg, nil, nil)

	req := newRouterRequest(t, envelope.Analysis,
		envelope.WithRoutingHints(&envelope.RoutingHints{PreferredAdapters: []string{"missing"}, AllowFallback: true}))
	resp, err := rt.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.AdapterName != "modelA" {
		t.Errorf("fallback should reach modelA, got %s", resp.AdapterName)
	}
}

func TestRouter_SkipsTrippedAdapter(t *testing.T) {
	modelA := &fakeInvoker{name: "modelA", caps: []envelope.TaskCategory{envelope.Analysis}}
	modelB := &fakeInvoker{name: "modelB", caps: []envelope.TaskCategory{envelope.Analysis}}
	reg := NewRegistry()
	reg.Register(modelA)
	reg.Register(modelB)

	health := NewHealthTracker(1, time.Minute)
	health.RecordFailure("modelA")

	rt := NewRouter(reg, health, nil)
	resp, err := rt.Dispatch(context.Background(), newRouterRequest(t, envelope.Analysis))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.AdapterName != "modelB" {
		t.Errorf("tripped adapter should divert to modelB, got %s", resp.AdapterName)
	}
	if modelA.calls != 0 {
		t.Error("tripped adapter must not be invoked")
	}
}

func names(list []Invoker) []string {
	out := make([]string, len(list))
	for i, inv := range list {
		out[i] = inv.Name()
	}
	return out
}
