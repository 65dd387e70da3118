// Package errors provides structured error types for PancakeDB.
// Every error carries a category, a code, a message and a retryable flag so
// callers can branch on the kind of failure without string matching.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by engine component.
type ErrorCategory string

const (
	ErrCategorySchema     ErrorCategory = "SCHEMA"
	ErrCategoryWrite      ErrorCategory = "WRITE"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryFlush      ErrorCategory = "FLUSH"
	ErrCategoryCompaction ErrorCategory = "COMPACTION"
	ErrCategoryQuery      ErrorCategory = "QUERY"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes.
const (
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodeInvalidSchema    = "INVALID_SCHEMA"
	CodeInvalidPartition = "INVALID_PARTITION"
	CodeInvalidRow       = "INVALID_ROW"
	CodeDurability       = "DURABILITY_FAILED"
	CodeBufferFull       = "BUFFER_FULL"
	CodeCorruptBlock     = "CORRUPT_BLOCK"
	CodeNotFound         = "NOT_FOUND"
	CodeIOFailed         = "IO_FAILED"
	CodeRetriesExhausted = "RETRIES_EXHAUSTED"
	CodeClosed           = "CLOSED"
	CodeUnexpected       = "UNEXPECTED"
)

// Error is the structured error type used throughout the engine.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on code alone when the target is a sentinel (empty category),
// and on category plus code otherwise.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Category == "" {
		return e.Code == t.Code
	}
	return e.Category == t.Category && e.Code == t.Code
}

// Sentinels for errors.Is. They match any category carrying the code.
var (
	ErrAlreadyExists    = &Error{Code: CodeAlreadyExists, Message: "already exists"}
	ErrInvalidSchema    = &Error{Code: CodeInvalidSchema, Message: "invalid schema"}
	ErrInvalidPartition = &Error{Code: CodeInvalidPartition, Message: "invalid partition"}
	ErrInvalidRow       = &Error{Code: CodeInvalidRow, Message: "invalid row"}
	ErrDurability       = &Error{Code: CodeDurability, Message: "durability failed"}
	ErrBufferFull       = &Error{Code: CodeBufferFull, Message: "buffer full"}
	ErrCorruptBlock     = &Error{Code: CodeCorruptBlock, Message: "corrupt block"}
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "not found"}
	ErrIOFailed         = &Error{Code: CodeIOFailed, Message: "io failed"}
	ErrRetriesExhausted = &Error{Code: CodeRetriesExhausted, Message: "retries exhausted"}
	ErrClosed           = &Error{Code: CodeClosed, Message: "closed"}
)

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Newf is New with a formatted message.
func Newf(category ErrorCategory, code, format string, args ...interface{}) *Error {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case code == CodeIOFailed:
		return true
	case category == ErrCategoryWrite && (code == CodeBufferFull || code == CodeDurability):
		return true
	case category == ErrCategoryFlush && code == CodeRetriesExhausted:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewSchemaError(code, message string) *Error {
	return New(ErrCategorySchema, code, message)
}

func NewWriteError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryWrite, code, message, cause)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewFlushError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryFlush, code, message, cause)
}

func NewCompactionError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryCompaction, code, message, cause)
}

func NewQueryError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryQuery, code, message, cause)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// CorruptBlock reports a checksum, framing or decoding failure.
func CorruptBlock(format string, args ...interface{}) *Error {
	return Newf(ErrCategoryStorage, CodeCorruptBlock, format, args...)
}

// NotFound reports a missing table, partition, segment or object.
func NotFound(category ErrorCategory, format string, args ...interface{}) *Error {
	return Newf(category, CodeNotFound, format, args...)
}
