package envelope

import (
	"time"

	"github.com/google/uuid"
)

// TaskCategory identifies a kind of work an adapter can perform. Categories
// are opaque, case-sensitive identifiers; no normalization is applied.
type TaskCategory string

// Well-known task categories. Adapters may declare any category; these are
// the ones shipped adapters use.
const (
	CodeGeneration   TaskCategory = "code_generation"
	CodeOptimization TaskCategory = "code_optimization"
	CodeDeployment   TaskCategory = "code_deployment"
	TextGeneration   TaskCategory = "text_generation"
	ImageGeneration  TaskCategory = "image_generation"
	Analysis         TaskCategory = "analysis"
)

const (
	// DefaultTimeout bounds a single adapter attempt when the caller does
	// not set one.
	DefaultTimeout = 300 * time.Second

	// DefaultPriority is the mid-range priority assigned to new requests.
	DefaultPriority = 5
)

// Message is a single conversational context entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Metadata carries the recognized tuning options plus a pass-through bag for
// provider-specific extras. The typed fields participate in cache keying;
// CostLimitUSD does not, since it never reaches the provider.
type Metadata struct {
	MaxTokens    int               `json:"max_tokens,omitempty"`
	Temperature  *float64          `json:"temperature,omitempty"`
	CostLimitUSD *float64          `json:"cost_limit_usd,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// RoutingHints let the caller steer adapter selection.
type RoutingHints struct {
	PreferredAdapters []string `json:"preferred_adapters,omitempty"`
	AllowFallback     bool     `json:"allow_fallback"`
}

// Request is the canonical request envelope exchanged between callers, the
// router, and adapters. Adapters must treat it as read-only.
type Request struct {
	TaskCategory TaskCategory  `json:"task_category"`
	Payload      string        `json:"payload"`
	Context      []Message     `json:"context,omitempty"`
	Metadata     Metadata      `json:"metadata"`
	RoutingHints *RoutingHints `json:"routing_hints,omitempty"`
	RequestID    string        `json:"request_id"`
	Priority     int           `json:"priority"`
	Timeout      time.Duration `json:"-"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Option mutates a Request during construction.
type Option func(*Request)

func WithContext(msgs []Message) Option {
	return func(r *Request) { r.Context = msgs }
}

func WithMetadata(md Metadata) Option {
	return func(r *Request) { r.Metadata = md }
}

func WithRoutingHints(h *RoutingHints) Option {
	return func(r *Request) { r.RoutingHints = h }
}

func WithPriority(p int) Option {
	return func(r *Request) { r.Priority = p }
}

func WithTimeout(d time.Duration) Option {
	return func(r *Request) { r.Timeout = d }
}

// WithRequestID overrides the generated request ID. Callers that supply
// their own IDs are responsible for keeping them unique.
func WithRequestID(id string) Option {
	return func(r *Request) { r.RequestID = id }
}

// NewRequest builds and validates a request envelope. A random request ID is
// generated when none is supplied, so envelopes stay unique even when many
// are created in the same instant.
func NewRequest(category TaskCategory, payload string, opts ...Option) (*Request, error) {
	r := &Request{
		TaskCategory: category,
		Payload:      payload,
		Priority:     DefaultPriority,
		Timeout:      DefaultTimeout,
		CreatedAt:    time.Now(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks the envelope invariants. It returns a *ValidationError
// describing the first violated field.
func (r *Request) Validate() error {
	if r.TaskCategory == "" {
		return &ValidationError{Field: "task_category", Reason: "must not be empty"}
	}
	if r.Payload == "" {
		return &ValidationError{Field: "payload", Reason: "must not be empty"}
	}
	for i, m := range r.Context {
		if m.Role == "" {
			return &ValidationError{Field: fieldAt("context", i, "role"), Reason: "must not be empty"}
		}
		if m.Content == "" {
			return &ValidationError{Field: fieldAt("context", i, "content"), Reason: "must not be empty"}
		}
	}
	return nil
}

// Clone returns a deep copy, so a caller can hand a request to multiple
// adapters without shared mutable state.
func (r *Request) Clone() *Request {
	cp := *r
	if r.Context != nil {
		cp.Context = make([]Message, len(r.Context))
		copy(cp.Context, r.Context)
	}
	if r.Metadata.Extra != nil {
		cp.Metadata.Extra = make(map[string]string, len(r.Metadata.Extra))
		for k, v := range r.Metadata.Extra {
			cp.Metadata.Extra[k] = v
		}
	}
	if r.RoutingHints != nil {
		hints := *r.RoutingHints
		hints.PreferredAdapters = append([]string(nil), r.RoutingHints.PreferredAdapters...)
		cp.RoutingHints = &hints
	}
	return &cp
}

// Usage reports token consumption as the provider accounted it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the canonical response envelope. A failed response carries an
// Error and an empty Result; the two are mutually exclusive.
type Response struct {
	TaskCategory TaskCategory  `json:"task_category"`
	Result       string        `json:"result,omitempty"`
	RequestID    string        `json:"request_id"`
	AdapterName  string        `json:"adapter_name,omitempty"`
	Latency      time.Duration `json:"latency"`
	CostEstimate float64       `json:"cost_estimate,omitempty"`
	CacheHit     bool          `json:"cache_hit"`
	Usage        *Usage        `json:"usage,omitempty"`
	Error        *ErrorDetail  `json:"error,omitempty"`
}

// Failed reports whether the response carries an error instead of a result.
func (r *Response) Failed() bool { return r.Error != nil }
