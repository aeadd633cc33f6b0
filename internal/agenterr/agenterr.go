// Package agenterr defines the typed error taxonomy the reply loop branches
// on: some kinds are recovered locally (ContextLengthExceeded), some are
// retried by the caller, and the rest are surfaced to the user verbatim.
package agenterr

import "fmt"

// Kind identifies one of the error categories the runtime distinguishes.
type Kind string

const (
	KindNotFound              Kind = "not_found"
	KindInvalidParams         Kind = "invalid_params"
	KindContextLengthExceeded Kind = "context_length_exceeded"
	KindAuthentication        Kind = "authentication"
	KindRateLimit             Kind = "rate_limit"
	KindRequestFailed         Kind = "request_failed"
	KindExecutionError        Kind = "execution_error"
	KindExtensionLoadFailed   Kind = "extension_load_failed"
	KindPermissionDenied      Kind = "permission_denied"
)

// Error is a typed, wrapped error carrying one Kind plus optional structured
// fields (retry-after, resource identifiers) needed by callers that branch on
// the kind rather than string-matching a message.
type Error struct {
	Kind       Kind
	Resource   string  // for NotFound: "session"|"tool"|"prompt" id
	RetryAfter float64 // seconds, for RateLimit; 0 if unknown
	Err        error
}

func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Resource, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, agenterr.ContextLengthExceededKind) work against a
// bare Kind sentinel without needing the caller to build a full Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func NotFound(resource string, err error) *Error {
	return &Error{Kind: KindNotFound, Resource: resource, Err: err}
}

func InvalidParams(msg string) *Error {
	return &Error{Kind: KindInvalidParams, Err: fmt.Errorf("%s", msg)}
}

func ContextLengthExceeded(msg string) *Error {
	return &Error{Kind: KindContextLengthExceeded, Err: fmt.Errorf("%s", msg)}
}

func Authentication(msg string) *Error {
	return &Error{Kind: KindAuthentication, Err: fmt.Errorf("%s", msg)}
}

func RateLimit(msg string, retryAfter float64) *Error {
	return &Error{Kind: KindRateLimit, RetryAfter: retryAfter, Err: fmt.Errorf("%s", msg)}
}

func RequestFailed(msg string) *Error {
	return &Error{Kind: KindRequestFailed, Err: fmt.Errorf("%s", msg)}
}

func ExecutionError(msg string) *Error {
	return &Error{Kind: KindExecutionError, Err: fmt.Errorf("%s", msg)}
}

func ExtensionLoadFailed(name, msg string) *Error {
	return &Error{Kind: KindExtensionLoadFailed, Resource: name, Err: fmt.Errorf("%s", msg)}
}

func PermissionDenied(toolName string) *Error {
	return &Error{Kind: KindPermissionDenied, Resource: toolName, Err: fmt.Errorf("permission denied")}
}

// Recoverable reports whether the reply loop can recover from this error
// internally (only ContextLengthExceeded, via compaction) without surfacing
// it to the user as a terminal failure.
func (e *Error) Recoverable() bool {
	return e.Kind == KindContextLengthExceeded
}

// sentinels for errors.Is comparisons against a bare kind.
var (
	ContextLengthExceededKind = &Error{Kind: KindContextLengthExceeded}
	AuthenticationKind        = &Error{Kind: KindAuthentication}
	RateLimitKind             = &Error{Kind: KindRateLimit}
)
