package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openberl/dispatch/internal/adapter"
	"github.com/openberl/dispatch/internal/envelope"
	"github.com/openberl/dispatch/internal/router"
)

// ExecutionMode selects how a pipeline walks its steps. Steps chain output
// to input, so parallel execution is accepted but runs the same sequential
// walk until independent step graphs exist.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// RunStatus is the terminal state of a pipeline run.
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Dispatcher routes a single request to an adapter. The router satisfies
// this; tests substitute fakes.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *envelope.Request) (*envelope.Response, error)
}

// ChainingError reports a run that halted partway. Result on the
// accompanying Result value still carries the partial trace.
type ChainingError struct {
	Pipeline string
	Step     string
	Err      error
}

func (e *ChainingError) Error() string {
	return fmt.Sprintf("pipeline %q halted at step %q: %v", e.Pipeline, e.Step, e.Err)
}

func (e *ChainingError) Unwrap() error { return e.Err }

type step struct {
	name     string
	category envelope.TaskCategory
	options  []envelope.Option
}

// StepOption adjusts the request built for one step.
type StepOption func(*stepConfig)

type stepConfig struct {
	maxTokens int
	priority  int
	timeout   time.Duration
	extra     map[string]string
}

// WithMaxTokens caps the step's completion length.
func WithMaxTokens(n int) StepOption {
	return func(c *stepConfig) { c.maxTokens = n }
}

// WithPriority overrides the default request priority for the step.
func WithPriority(p int) StepOption {
	return func(c *stepConfig) { c.priority = p }
}

// WithTimeout bounds each provider attempt made for the step.
func WithTimeout(d time.Duration) StepOption {
	return func(c *stepConfig) { c.timeout = d }
}

// WithExtra passes provider-specific parameters through the step's request
// metadata.
func WithExtra(extra map[string]string) StepOption {
	return func(c *stepConfig) { c.extra = extra }
}

// Pipeline chains dispatch calls, feeding each step's result into the next
// step's payload. Build it fully before executing; AddStep is not safe to
// call concurrently with Execute.
type Pipeline struct {
	name       string
	dispatcher Dispatcher
	steps      []step
	logger     *slog.Logger
}

func New(name string, dispatcher Dispatcher, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{name: name, dispatcher: dispatcher, logger: logger}
}

// Name returns the pipeline's name.
func (p *Pipeline) Name() string { return p.name }

// Len returns the number of registered steps.
func (p *Pipeline) Len() int { return len(p.steps) }

// AddStep appends a step. Step names identify entries in the run trace, so
// duplicates are rejected.
func (p *Pipeline) AddStep(name string, category envelope.TaskCategory, opts ...StepOption) error {
	if name == "" {
		return fmt.Errorf("pipeline %q: step name must not be empty", p.name)
	}
	if category == "" {
		return fmt.Errorf("pipeline %q: step %q: category must not be empty", p.name, name)
	}
	for _, s := range p.steps {
		if s.name == name {
			return fmt.Errorf("pipeline %q: duplicate step name %q", p.name, name)
		}
	}

	var cfg stepConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var reqOpts []envelope.Option
	if cfg.maxTokens > 0 || cfg.extra != nil {
		reqOpts = append(reqOpts, envelope.WithMetadata(envelope.Metadata{
			MaxTokens: cfg.maxTokens,
			Extra:     cfg.extra,
		}))
	}
	if cfg.priority > 0 {
		reqOpts = append(reqOpts, envelope.WithPriority(cfg.priority))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, envelope.WithTimeout(cfg.timeout))
	}

	p.steps = append(p.steps, step{name: name, category: category, options: reqOpts})
	return nil
}

// StepTrace records one executed step.
type StepTrace struct {
	Name        string                `json:"name"`
	Category    envelope.TaskCategory `json:"task_category"`
	RequestID   string                `json:"request_id"`
	AdapterName string                `json:"adapter_name,omitempty"`
	Result      string                `json:"result,omitempty"`
	CostUSD     float64               `json:"cost_usd"`
	Latency     time.Duration         `json:"latency"`
	CacheHit    bool                  `json:"cache_hit"`
	Error       *envelope.ErrorDetail `json:"error,omitempty"`
}

// Result is the outcome of one pipeline run.
type Result struct {
	RunID        string        `json:"run_id"`
	Pipeline     string        `json:"pipeline"`
	Status       RunStatus     `json:"status"`
	Steps        []StepTrace   `json:"steps"`
	FailedStep   string        `json:"failed_step,omitempty"`
	TotalCostUSD float64       `json:"total_cost_usd"`
	Final        string        `json:"final_result,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// Execute runs the pipeline over the initial input. On failure it returns
// the partial Result alongside a ChainingError so callers keep the trace of
// what did run.
func (p *Pipeline) Execute(ctx context.Context, initialInput string, mode ExecutionMode) (*Result, error) {
	if len(p.steps) == 0 {
		return nil, fmt.Errorf("pipeline %q has no steps", p.name)
	}
	switch mode {
	case "", ModeSequential, ModeParallel:
	default:
		return nil, fmt.Errorf("pipeline %q: unknown execution mode %q", p.name, mode)
	}

	res := &Result{
		RunID:     uuid.NewString(),
		Pipeline:  p.name,
		Status:    StatusCompleted,
		Steps:     make([]StepTrace, 0, len(p.steps)),
		StartedAt: time.Now(),
	}

	input := initialInput
	for i, s := range p.steps {
		hasNext := i < len(p.steps)-1
		trace, output, err := p.runStep(ctx, s, input, res.RunID, hasNext)
		res.Steps = append(res.Steps, trace)
		res.TotalCostUSD += trace.CostUSD
		if err != nil {
			res.Status = StatusFailed
			res.FailedStep = s.name
			res.Duration = time.Since(res.StartedAt)
			return res, &ChainingError{Pipeline: p.name, Step: s.name, Err: err}
		}
		input = output
	}

	res.Final = input
	res.Duration = time.Since(res.StartedAt)
	p.logger.Info("pipeline run completed",
		"pipeline", p.name,
		"run_id", res.RunID,
		"steps", len(res.Steps),
		"total_cost_usd", res.TotalCostUSD,
		"duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// errKindFor maps a dispatch failure onto the serializable error taxonomy.
func errKindFor(err error) string {
	var verr *envelope.ValidationError
	var rerr *router.RoutingError
	switch {
	case errors.As(err, &verr):
		return envelope.ErrKindValidation
	case errors.As(err, &rerr):
		return envelope.ErrKindRouting
	case errors.Is(err, context.DeadlineExceeded):
		return envelope.ErrKindTimeout
	case adapter.IsTransient(err):
		return envelope.ErrKindProviderTransient
	default:
		return envelope.ErrKindProviderFatal
	}
}

func (p *Pipeline) runStep(ctx context.Context, s step, input, runID string, hasNext bool) (StepTrace, string, error) {
	trace := StepTrace{Name: s.name, Category: s.category}

	req, err := envelope.NewRequest(s.category, input, s.options...)
	if err != nil {
		trace.Error = &envelope.ErrorDetail{Kind: envelope.ErrKindChaining, Message: err.Error()}
		return trace, "", err
	}
	trace.RequestID = req.RequestID

	p.logger.Debug("executing pipeline step",
		"pipeline", p.name,
		"run_id", runID,
		"step", s.name,
		"category", s.category,
		"request_id", req.RequestID)

	resp, err := p.dispatcher.Dispatch(ctx, req)
	if err != nil {
		trace.Error = &envelope.ErrorDetail{Kind: errKindFor(err), Message: err.Error()}
		return trace, "", err
	}

	trace.AdapterName = resp.AdapterName
	trace.Result = resp.Result
	trace.CostUSD = resp.CostEstimate
	trace.Latency = resp.Latency
	trace.CacheHit = resp.CacheHit

	// An empty result only matters when a later step needs it as input.
	if resp.Result == "" && hasNext {
		err := fmt.Errorf("step %q produced an empty result, nothing to chain", s.name)
		trace.Error = &envelope.ErrorDetail{Kind: envelope.ErrKindChaining, Message: err.Error()}
		return trace, "", err
	}
	return trace, resp.Result, nil
}
