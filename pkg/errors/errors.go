// Package errors provides the error taxonomy of the ingestion engine.
//
// Structural failures abort one file, record failures skip one host, finding or
// row, conflicts reject one vulnerability update, and invalid input is a caller
// bug that is rejected immediately.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Base Error Types
// =============================================================================

// Error is the base error type for all engine errors.
type Error struct {
	// Kind indicates the category of error
	Kind Kind

	// Op is the operation being performed (e.g., "nessus.Parse")
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying error
	Err error
}

// Kind represents the kind/category of error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindParse
	KindRecord
	KindConflict
	KindNotFound
	KindStorage
	KindTimeout
	KindUnavailable
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindParse:
		return "parse"
	case KindRecord:
		return "record"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindStorage:
		return "storage"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Message != "" && e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Op, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target.
// A target with only a Kind matches every error of that kind; a target that
// also carries a Message must match it as well.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// =============================================================================
// Record Errors
// =============================================================================

// RecordError describes one rejected host, finding or row. Record errors never
// abort a parse; they are collected next to the successfully parsed records.
type RecordError struct {
	// Source is the input format ("nessus", "tabular").
	Source string `json:"source"`

	// Index is the 1-based host, finding or line number in the input.
	Index int `json:"index"`

	// Host is the host the record belonged to, when known.
	Host string `json:"host,omitempty"`

	// Reason is a human-readable description.
	Reason string `json:"reason"`
}

// Error implements the error interface.
func (e *RecordError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("%s record %d (host %s): %s", e.Source, e.Index, e.Host, e.Reason)
	}
	return fmt.Sprintf("%s record %d: %s", e.Source, e.Index, e.Reason)
}

// Is makes every RecordError match ErrRecord.
func (e *RecordError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindRecord && t.Message == ""
}

// Summary collects record errors for one input file.
type Summary struct {
	Errors []*RecordError `json:"errors,omitempty"`
}

// Add records a record error.
func (s *Summary) Add(source string, index int, host, reason string) {
	s.Errors = append(s.Errors, &RecordError{
		Source: source,
		Index:  index,
		Host:   host,
		Reason: reason,
	})
}

// Count returns the number of recorded errors.
func (s *Summary) Count() int {
	return len(s.Errors)
}

// Err joins the recorded errors, or returns nil when there are none.
func (s *Summary) Err() error {
	if len(s.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(s.Errors))
	for i, e := range s.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// String renders a one-line summary.
func (s *Summary) String() string {
	if len(s.Errors) == 0 {
		return "no record errors"
	}
	reasons := make([]string, 0, len(s.Errors))
	for _, e := range s.Errors {
		reasons = append(reasons, e.Error())
	}
	return fmt.Sprintf("%d record errors: %s", len(s.Errors), strings.Join(reasons, "; "))
}

// =============================================================================
// Constructors
// =============================================================================

// E constructs an Error from the given arguments.
// Arguments can be: Kind, string (Op or Message), error.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Message = a
			}
		case error:
			e.Err = a
		}
	}
	if e.Kind == KindUnknown && e.Err != nil {
		e.Kind = GetKind(e.Err)
	}
	return e
}

// New creates a new simple error.
func New(message string) error {
	return &Error{Message: message}
}

// Wrap wraps an error with additional context. The kind of the wrapped error
// is preserved.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: GetKind(err), Op: op, Err: err}
}

// WrapWithMessage wraps an error with a message.
func WrapWithMessage(err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: GetKind(err), Message: message, Err: err}
}

// =============================================================================
// Error Checkers
// =============================================================================

// GetKind returns the first known Kind found in the error chain, or KindUnknown.
func GetKind(err error) Kind {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}
		if e.Kind != KindUnknown {
			return e.Kind
		}
		err = e.Err
	}
	var re *RecordError
	if errors.As(err, &re) {
		return KindRecord
	}
	return KindUnknown
}

// IsParseError checks if the error is a structural parse failure.
func IsParseError(err error) bool {
	return GetKind(err) == KindParse
}

// IsConflictError checks if the error is a normalization conflict.
func IsConflictError(err error) bool {
	return GetKind(err) == KindConflict
}

// IsInvalidInput checks if the error is a caller error.
func IsInvalidInput(err error) bool {
	return GetKind(err) == KindInvalidInput
}

// IsNotFoundError checks if the error is a not found error.
func IsNotFoundError(err error) bool {
	return GetKind(err) == KindNotFound
}

// IsRetryable checks if the error is retryable. Only storage contention,
// timeouts and temporarily unavailable resources are; parse, record and
// conflict errors repeat on every attempt.
func IsRetryable(err error) bool {
	switch GetKind(err) {
	case KindStorage, KindTimeout, KindUnavailable:
		return true
	default:
		return false
	}
}

// =============================================================================
// Common Errors
// =============================================================================

var (
	// ErrRecord matches every record-level error.
	ErrRecord = &Error{Kind: KindRecord}

	// ErrOutOfOrder is returned when an import timestamp is older than the
	// last sighting already stored for a vulnerability.
	ErrOutOfOrder = &Error{Kind: KindConflict, Message: "import timestamp older than last seen"}

	// ErrInvalidPage is returned for a page number outside [1, totalPages].
	ErrInvalidPage = &Error{Kind: KindInvalidInput, Message: "page out of range"}

	// ErrInvalidPageSize is returned for a non-positive page size.
	ErrInvalidPageSize = &Error{Kind: KindInvalidInput, Message: "page size must be positive"}

	// ErrInvalidConfig is returned for invalid configuration.
	ErrInvalidConfig = &Error{Kind: KindInvalidInput, Message: "invalid configuration"}

	// ErrUnknownFormat is returned when no parser accepts a payload.
	ErrUnknownFormat = &Error{Kind: KindParse, Message: "unrecognized scan format"}
)
