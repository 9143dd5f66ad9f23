// Package classify maps raw adapter/subprocess failures into the
// ClassifiedError taxonomy, following the same error-mapping idiom used
// elsewhere in this repo, generalized from HTTP status/body pairs to
// JSON-RPC's {code, message, data} triple.
package classify

import "regexp"

// Code is the classifier's error taxonomy.
type Code string

const (
	CodeAuthError            Code = "auth_error"
	CodeCLIMissing           Code = "cli_missing"
	CodeWorkspaceMissing     Code = "workspace_missing"
	CodeFSPermission         Code = "fs_permission"
	CodeInternalCLIFailure   Code = "internal_cli_failure"
	CodeCancelled            Code = "cancelled"
	CodeUnknown              Code = "unknown"
	CodeTimeout              Code = "timeout"
	CodeSessionNotFound      Code = "session_not_found"
	CodeWorkspaceError       Code = "workspace_error"
	CodeAuthenticationFailed Code = "authentication_failed"
	CodeInvalidRequest       Code = "invalid_request"
	CodeInvalidParams        Code = "invalid_params"
	CodeMethodNotFound       Code = "method_not_found"
	CodeOperationCancelled   Code = "operation_cancelled"
	CodeInternalError        Code = "internal_error"
)

// Error is the normalized result of classification. Original is kept for
// logs only and must never be serialized to
// a caller-facing payload.
type Error struct {
	Code        Code
	Message     string
	IsRetryable bool
	Meta        map[string]string
	Original    error
}

func (e *Error) Error() string { return e.Message }

// Unwrap exposes the original error for errors.Is/As chains internal to the
// process; it is intentionally not part of any wire-serialized struct.
func (e *Error) Unwrap() error { return e.Original }

// New builds a classified error directly, bypassing rule matching — used
// for errors the caller already knows the code for (e.g. cancellation).
func New(code Code, message string, retryable bool) *Error {
	return &Error{Code: code, Message: message, IsRetryable: retryable}
}

// rule is one entry of the ordered (regex, code, retryable) list. Patterns
// are matched case-insensitively against "message\nstderr".
type rule struct {
	pattern   *regexp.Regexp
	code      Code
	retryable bool
}

// rules is intentionally ordered: first match wins.
// All codes are non-retryable by default here; retrying a classified
// failure is a decision for the operational caller, not this classifier.
var rules = []rule{
	{regexp.MustCompile(`(?i)api key|authentication`), CodeAuthError, false},
	{regexp.MustCompile(`(?i)not found.*claude|claude.*not found`), CodeCLIMissing, false},
	{regexp.MustCompile(`(?i)not a git repository`), CodeWorkspaceMissing, false},
	{regexp.MustCompile(`(?i)permission denied|eacces`), CodeFSPermission, false},
	{regexp.MustCompile(`(?i)referenceerror|typeerror|syntaxerror|\n\s*at \S+ \(`), CodeInternalCLIFailure, false},
	{regexp.MustCompile(`(?i)cancelled|canceled`), CodeCancelled, false},
}

// Classify maps message+stderr to a ClassifiedError via the ordered rule
// list, falling back to {unknown, non-retryable}.
func Classify(message, stderr string) *Error {
	haystack := message + "\n" + stderr
	for _, r := range rules {
		if r.pattern.MatchString(haystack) {
			return &Error{Code: r.code, Message: message, IsRetryable: r.retryable}
		}
	}
	return &Error{Code: CodeUnknown, Message: message, IsRetryable: false}
}

// FromError classifies a Go error's message (and, if it implements
// stderrer, its captured stderr).
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*Error); ok {
		return ce
	}
	var stderr string
	if se, ok := err.(interface{ Stderr() string }); ok {
		stderr = se.Stderr()
	}
	ce := Classify(err.Error(), stderr)
	ce.Original = err
	return ce
}

// Retryable-by-default overrides: auth_error and cli_missing MUST remain
// non-retryable regardless of any future rule change.
func init() {
	for i := range rules {
		if rules[i].code == CodeAuthError || rules[i].code == CodeCLIMissing {
			rules[i].retryable = false
		}
	}
}
