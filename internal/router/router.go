package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openberl/dispatch/internal/envelope"
)

// RoutingError reports that no adapter could serve a request before any
// provider call was attempted.
type RoutingError struct {
	Category envelope.TaskCategory
	Reason   string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing %q: %s", e.Category, e.Reason)
}

// DispatchError aggregates the per-adapter failures of an exhausted
// failover walk.
type DispatchError struct {
	Category envelope.TaskCategory
	Attempts []error
}

func (e *DispatchError) Error() string {
	msgs := make([]string, len(e.Attempts))
	for i, err := range e.Attempts {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("dispatch %q: all %d adapters failed: %s",
		e.Category, len(e.Attempts), strings.Join(msgs, "; "))
}

func (e *DispatchError) Unwrap() []error { return e.Attempts }

// Router selects an adapter for each request and fails over across the
// remaining candidates when a call fails.
type Router struct {
	registry *Registry
	health   *HealthTracker
	logger   *slog.Logger
}

// NewRouter builds a router over the registry. health may be nil, in which
// case every registered adapter counts as available.
func NewRouter(registry *Registry, health *HealthTracker, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: registry, health: health, logger: logger}
}

// Registry exposes the underlying registry for registration and inspection.
func (rt *Router) Registry() *Registry { return rt.registry }

// Dispatch validates the request, picks candidates for its category, and
// invokes them in preference order until one succeeds. Validation failures
// and fatal provider errors abort immediately; transient failures move on
// to the next candidate.
func (rt *Router) Dispatch(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	candidates, err := rt.candidatesFor(req)
	if err != nil {
		return nil, err
	}

	var attempts []error
	for _, inv := range candidates {
		if rt.health != nil && !rt.health.IsAvailable(inv.Name()) {
			rt.logger.Debug("skipping unavailable adapter",
				"adapter", inv.Name(), "category", req.TaskCategory)
			attempts = append(attempts, fmt.Errorf("%s: adapter unavailable", inv.Name()))
			continue
		}

		resp, err := inv.Execute(ctx, req)
		if err == nil {
			if rt.health != nil {
				rt.health.RecordSuccess(inv.Name())
			}
			return resp, nil
		}

		if rt.health != nil {
			rt.health.RecordFailure(inv.Name())
		}

		var verr *envelope.ValidationError
		if errors.As(err, &verr) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}

		rt.logger.Warn("adapter failed, trying next candidate",
			"adapter", inv.Name(),
			"category", req.TaskCategory,
			"request_id", req.RequestID,
			"error", err)
		attempts = append(attempts, fmt.Errorf("%s: %w", inv.Name(), err))
	}

	return nil, &DispatchError{Category: req.TaskCategory, Attempts: attempts}
}

// candidatesFor applies the request's routing hints to the registry's
// preference order.
func (rt *Router) candidatesFor(req *envelope.Request) ([]Invoker, error) {
	all := rt.registry.Candidates(req.TaskCategory)
	if len(all) == 0 {
		return nil, &RoutingError{
			Category: req.TaskCategory,
			Reason:   "no adapter registered for category",
		}
	}

	hints := req.RoutingHints
	if hints == nil || len(hints.PreferredAdapters) == 0 {
		return all, nil
	}

	byName := make(map[string]Invoker, len(all))
	for _, inv := range all {
		byName[inv.Name()] = inv
	}

	// Preferred adapters first, in the order the caller listed them.
	var ordered []Invoker
	seen := make(map[string]bool)
	for _, name := range hints.PreferredAdapters {
		if inv, ok := byName[name]; ok && !seen[name] {
			ordered = append(ordered, inv)
			seen[name] = true
		}
	}

	if len(ordered) == 0 && !hints.AllowFallback {
		return nil, &RoutingError{
			Category: req.TaskCategory,
			Reason:   fmt.Sprintf("preferred adapters %v not registered for category", hints.PreferredAdapters),
		}
	}

	if hints.AllowFallback {
		for _, inv := range all {
			if !seen[inv.Name()] {
				ordered = append(ordered, inv)
			}
		}
	}
	return ordered, nil
}
