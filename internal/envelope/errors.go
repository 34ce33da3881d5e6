package envelope

import "fmt"

// Error kinds carried in a Response's ErrorDetail. They mirror the error
// taxonomy used across the router, resilience wrapper, and pipeline engine.
const (
	ErrKindValidation        = "validation"
	ErrKindRouting           = "routing"
	ErrKindProviderTransient = "provider_transient"
	ErrKindProviderFatal     = "provider_fatal"
	ErrKindTimeout           = "timeout"
	ErrKindChaining          = "chaining"
)

// ValidationError reports a malformed envelope. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid envelope: %s %s", e.Field, e.Reason)
}

// ErrorDetail is the serializable error descriptor carried by a failed
// Response.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (d *ErrorDetail) String() string {
	return d.Kind + ": " + d.Message
}

func fieldAt(field string, i int, sub string) string {
	return fmt.Sprintf("%s[%d].%s", field, i, sub)
}
