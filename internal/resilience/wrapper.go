package resilience

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/openberl/dispatch/internal/adapter"
	"github.com/openberl/dispatch/internal/envelope"
)

// RetryPolicy controls how many times a transient failure is attempted and
// how long to wait between attempts. MaxRetries counts total attempts, so a
// value of 3 means one initial call plus two retries.
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     100 * time.Millisecond,
		BackoffFactor: 2,
	}
}

// delayBefore returns the backoff applied before attempt n (1-based). The
// first attempt runs immediately.
func (p RetryPolicy) delayBefore(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt-2)))
}

// Observer receives resilience events. Implementations must be safe for
// concurrent use.
type Observer interface {
	RecordCacheHit(adapterName string)
	RecordRetry(adapterName string)
}

// Wrapper decorates an adapter with caching, retry, and timeout handling.
// It satisfies the adapter contract itself, so routing code never needs to
// distinguish wrapped from bare adapters.
type Wrapper struct {
	inner    adapter.Adapter
	cache    Store
	policy   RetryPolicy
	timeout  time.Duration
	observer Observer
	logger   *slog.Logger

	inflight keyedLocks
}

// WrapperOption customizes a Wrapper.
type WrapperOption func(*Wrapper)

// WithCache enables response caching through the given store.
func WithCache(store Store) WrapperOption {
	return func(w *Wrapper) { w.cache = store }
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) WrapperOption {
	return func(w *Wrapper) { w.policy = p }
}

// WithDefaultTimeout bounds each attempt when the request carries no
// timeout of its own.
func WithDefaultTimeout(d time.Duration) WrapperOption {
	return func(w *Wrapper) { w.timeout = d }
}

// WithObserver registers a metrics sink for cache hits and retries.
func WithObserver(o Observer) WrapperOption {
	return func(w *Wrapper) { w.observer = o }
}

// WithLogger sets the wrapper's logger.
func WithLogger(l *slog.Logger) WrapperOption {
	return func(w *Wrapper) { w.logger = l }
}

func NewWrapper(inner adapter.Adapter, opts ...WrapperOption) *Wrapper {
	w := &Wrapper{
		inner:  inner,
		policy: DefaultRetryPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Wrapper) Name() string                          { return w.inner.Name() }
func (w *Wrapper) Capabilities() []envelope.TaskCategory { return w.inner.Capabilities() }
func (w *Wrapper) Unwrap() adapter.Adapter               { return w.inner }

func (w *Wrapper) TranslateRequest(ctx context.Context, req *envelope.Request) (*http.Request, error) {
	return w.inner.TranslateRequest(ctx, req)
}

func (w *Wrapper) TranslateResponse(resp *http.Response, orig *envelope.Request) (*envelope.Response, error) {
	return w.inner.TranslateResponse(resp, orig)
}

// Execute runs the wrapped adapter with cache lookup, per-attempt timeout,
// and exponential backoff on transient failures. Identical concurrent
// requests share a single provider call.
func (w *Wrapper) Execute(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	if w.cache == nil {
		return w.executeWithRetry(ctx, req)
	}

	key := CacheKey(w.inner.Name(), req)
	if resp, ok := w.cache.Get(ctx, key); ok {
		return w.cachedCopy(resp, req), nil
	}

	// Hold the per-key lock across the provider call so concurrent
	// identical requests wait and then hit the cache.
	unlock := w.inflight.lock(key)
	defer unlock()

	if resp, ok := w.cache.Get(ctx, key); ok {
		return w.cachedCopy(resp, req), nil
	}

	resp, err := w.executeWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}
	w.cache.Set(ctx, key, resp)
	return resp, nil
}

func (w *Wrapper) executeWithRetry(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	maxAttempts := w.policy.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if delay := w.policy.delayBefore(attempt); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := w.executeOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !adapter.IsTransient(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, lastErr
		}
		if attempt < maxAttempts {
			if w.observer != nil {
				w.observer.RecordRetry(w.inner.Name())
			}
			w.logger.Warn("retrying transient failure",
				"adapter", w.inner.Name(),
				"request_id", req.RequestID,
				"attempt", attempt,
				"error", err)
		}
	}
	return nil, lastErr
}

func (w *Wrapper) executeOnce(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = w.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return w.inner.Execute(ctx, req)
}

// cachedCopy rebinds a cached response to the current request. Latency is
// zeroed because no provider call happened.
func (w *Wrapper) cachedCopy(resp *envelope.Response, req *envelope.Request) *envelope.Response {
	out := *resp
	out.RequestID = req.RequestID
	out.CacheHit = true
	out.Latency = 0
	if resp.Usage != nil {
		usage := *resp.Usage
		out.Usage = &usage
	}
	if w.observer != nil {
		w.observer.RecordCacheHit(w.inner.Name())
	}
	return &out
}

// keyedLocks serializes callers per cache key. Lock entries are reference
// counted and removed once the last holder releases.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
