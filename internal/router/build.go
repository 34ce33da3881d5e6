package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/openberl/dispatch/internal/adapter"
	"github.com/openberl/dispatch/internal/config"
	"github.com/openberl/dispatch/internal/resilience"
)

// BuildOptions carries the shared pieces every built adapter is wired to.
type BuildOptions struct {
	Resilience config.ResilienceConfig
	Cache      resilience.Store
	Observer   resilience.Observer
	Logger     *slog.Logger
}

// BuildFromConfig constructs one wrapped adapter per config entry and
// registers them in declaration order. Unknown adapter types get the
// OpenAI-compatible wire format.
func BuildFromConfig(cfg *config.AdaptersConfig, opts BuildOptions) *Registry {
	registry := NewRegistry()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	policy := resilience.RetryPolicy{
		MaxRetries:    opts.Resilience.MaxRetries,
		BaseDelay:     opts.Resilience.BaseDelay,
		BackoffFactor: opts.Resilience.BackoffFactor,
	}
	if policy.MaxRetries <= 0 {
		policy = resilience.DefaultRetryPolicy()
	}

	for _, ac := range cfg.Adapters {
		client := &http.Client{
			// The resilience wrapper owns per-attempt deadlines, so the
			// client itself carries none.
			Transport: &http.Transport{
				MaxIdleConns:        ac.MaxConcurrent,
				MaxIdleConnsPerHost: ac.MaxConcurrent,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		}

		var inner adapter.Adapter
		switch ac.Type {
		case "anthropic":
			inner = adapter.NewAnthropicAdapter(ac, client)
		case "openai":
			inner = adapter.NewOpenAIAdapter(ac, client)
		default:
			opts.Logger.Warn("unknown adapter type, assuming openai-compatible",
				"adapter", ac.Name, "type", ac.Type)
			inner = adapter.NewOpenAIAdapter(ac, client)
		}

		wrapperOpts := []resilience.WrapperOption{
			resilience.WithRetryPolicy(policy),
			resilience.WithLogger(opts.Logger),
		}
		if opts.Cache != nil {
			wrapperOpts = append(wrapperOpts, resilience.WithCache(opts.Cache))
		}
		if opts.Observer != nil {
			wrapperOpts = append(wrapperOpts, resilience.WithObserver(opts.Observer))
		}
		timeout := ac.Timeout
		if timeout <= 0 {
			timeout = opts.Resilience.DefaultTimeout
		}
		if timeout > 0 {
			wrapperOpts = append(wrapperOpts, resilience.WithDefaultTimeout(timeout))
		}

		registry.Register(resilience.NewWrapper(inner, wrapperOpts...))
	}
	return registry
}
