package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openberl/dispatch/internal/envelope"
)

// Adapter translates between the canonical envelope format and one backend
// provider's native API. Capabilities must be idempotent and side-effect
// free; the router re-queries it freely. Execute is the only side-effecting
// method and must never mutate the request envelope it receives.
type Adapter interface {
	Name() string
	Capabilities() []envelope.TaskCategory
	TranslateRequest(ctx context.Context, req *envelope.Request) (*http.Request, error)
	TranslateResponse(resp *http.Response, orig *envelope.Request) (*envelope.Response, error)
	Execute(ctx context.Context, req *envelope.Request) (*envelope.Response, error)
}

// ProviderError reports a failed provider call. Transient errors (rate
// limits, server errors, network blips, timeouts) may be retried; fatal ones
// (auth failures, malformed requests or responses) must not be.
type ProviderError struct {
	Adapter   string
	Status    int
	Message   string
	Transient bool
	Cause     error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: provider returned status %d: %s", e.Adapter, e.Status, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Adapter, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Adapter, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// IsTransient reports whether an error is worth retrying. A bare context
// deadline counts as transient: the attempt timed out, the next may not.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Detail converts an error into the envelope's serializable descriptor.
func Detail(err error) *envelope.ErrorDetail {
	var verr *envelope.ValidationError
	if errors.As(err, &verr) {
		return &envelope.ErrorDetail{Kind: envelope.ErrKindValidation, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &envelope.ErrorDetail{Kind: envelope.ErrKindTimeout, Message: err.Error()}
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		kind := envelope.ErrKindProviderFatal
		if pe.Transient {
			kind = envelope.ErrKindProviderTransient
		}
		return &envelope.ErrorDetail{Kind: kind, Message: err.Error()}
	}
	return &envelope.ErrorDetail{Kind: envelope.ErrKindProviderFatal, Message: err.Error()}
}

// statusError classifies a non-2xx provider status. 429 and 5xx are
// transient, everything else is fatal.
func statusError(adapterName string, status int, body []byte) *ProviderError {
	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &ProviderError{
		Adapter:   adapterName,
		Status:    status,
		Message:   msg,
		Transient: status == http.StatusTooManyRequests || status >= 500,
	}
}

// networkError wraps a transport-level failure. Context cancellation keeps
// its identity so callers can distinguish timeouts from provider faults.
func networkError(adapterName string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return &ProviderError{
		Adapter:   adapterName,
		Message:   "provider request failed",
		Transient: true,
		Cause:     err,
	}
}
