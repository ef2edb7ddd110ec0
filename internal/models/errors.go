package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the request pipeline.
var (
	// ErrPermissionDenied means an explicit deny rule matched. Terminal,
	// never retried.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrQueueFull means the ingestion queue rejected the item.
	ErrQueueFull = errors.New("ingestion queue full")
	// ErrSigningQueueFull means the batch client has too many distinct
	// outstanding keys.
	ErrSigningQueueFull = errors.New("signing queue full")
	// ErrConnectivity means the signing service was unreachable after a
	// bounded reconnect attempt.
	ErrConnectivity = errors.New("signing service unreachable")
	// ErrSignTimeout means a single service call exceeded its deadline.
	ErrSignTimeout = errors.New("signing call timed out")
	// ErrNotFound means the service responded but omitted a requested key.
	ErrNotFound = errors.New("key not found in service response")
	// ErrStorageCorrupt means the persisted permission data could not be
	// read. The permission engine degrades to prompting, never to allowing.
	ErrStorageCorrupt = errors.New("permission storage corrupt")
)

// ParseErrorCode tags the reason a transport payload was rejected.
type ParseErrorCode string

const (
	ParseUnsupportedScheme ParseErrorCode = "unsupported_scheme"
	ParseMissingType       ParseErrorCode = "missing_type"
	ParseUnsupportedType   ParseErrorCode = "unsupported_type"
	ParseInvalidJSON       ParseErrorCode = "invalid_json"
	ParseMissingParam      ParseErrorCode = "missing_param"
	ParseInvalidPubkey     ParseErrorCode = "invalid_pubkey"
)

// ParseError is a malformed or unsupported inbound payload. It is resolved
// locally and converted into an immediate rejection response; it never
// crosses the pipeline boundary as a panic.
type ParseError struct {
	Code   ParseErrorCode
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("parse error: %s", e.Code)
	}
	return fmt.Sprintf("parse error: %s: %s", e.Code, e.Detail)
}

// NewParseError builds a tagged ParseError.
func NewParseError(code ParseErrorCode, format string, args ...any) *ParseError {
	return &ParseError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// IsParseError reports whether err is a ParseError and returns it.
func IsParseError(err error) (*ParseError, bool) {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
