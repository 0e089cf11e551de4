package services

// Typed errors so handlers can map service failures to HTTP status codes
// without string matching.

type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string { return "Validation error" }

type ConflictError struct{ Message string }

func (e *ConflictError) Error() string { return e.Message }

type NotFoundError struct{ Message string }

func (e *NotFoundError) Error() string { return e.Message }

type UnauthorizedError struct{ Message string }

func (e *UnauthorizedError) Error() string { return e.Message }

// UpstreamError wraps a failure of the inference or persistence gateway.
// Partial results are preserved by the caller; this only describes the cause.
type UpstreamError struct{ Message string }

func (e *UpstreamError) Error() string { return e.Message }
