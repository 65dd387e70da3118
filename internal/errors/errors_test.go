package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := New(ErrCategorySchema, CodeAlreadyExists, "table t exists")
	expected := "[SCHEMA:ALREADY_EXISTS] table t exists"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(ErrCategoryWrite, CodeDurability, "wal append failed", cause)
	expected := "[WRITE:DURABILITY_FAILED] wal append failed: disk full"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryStorage, CodeIOFailed, "put failed", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestError_Is(t *testing.T) {
	err1 := New(ErrCategorySchema, CodeInvalidSchema, "first")
	err2 := New(ErrCategorySchema, CodeInvalidSchema, "second")
	err3 := New(ErrCategorySchema, CodeAlreadyExists, "different code")
	err4 := New(ErrCategoryWrite, CodeInvalidSchema, "different category")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
	if errors.Is(err1, err4) {
		t.Error("errors with different categories should not match via Is")
	}
}

func TestError_IsSentinel(t *testing.T) {
	err := fmt.Errorf("catalog: %w", NotFound(ErrCategorySchema, "table %q not found", "events"))
	if !errors.Is(err, ErrNotFound) {
		t.Error("sentinel should match any category with the same code")
	}
	if errors.Is(err, ErrAlreadyExists) {
		t.Error("sentinel with a different code should not match")
	}

	corrupt := CorruptBlock("checksum mismatch")
	if !errors.Is(corrupt, ErrCorruptBlock) {
		t.Error("CorruptBlock should match ErrCorruptBlock")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeIOFailed, true},
		{ErrCategoryStorage, CodeCorruptBlock, false},
		{ErrCategoryStorage, CodeNotFound, false},
		{ErrCategoryWrite, CodeBufferFull, true},
		{ErrCategoryWrite, CodeDurability, true},
		{ErrCategoryWrite, CodeInvalidRow, false},
		{ErrCategorySchema, CodeInvalidSchema, false},
		{ErrCategoryFlush, CodeRetriesExhausted, true},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(ErrCategoryQuery, CodeNotFound, "no such table"))
	if GetCategory(err) != ErrCategoryQuery {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryQuery)
	}
	if GetCode(err) != CodeNotFound {
		t.Errorf("got %q, want %q", GetCode(err), CodeNotFound)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" || GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("plain errors should return empty category and code")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryWrite, CodeInvalidRow, "unknown column")
	detailed := err.WithDetails(map[string]interface{}{"column": "amount"})

	if detailed.Details["column"] != "amount" {
		t.Error("WithDetails should set details")
	}
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	if e := NewSchemaError(CodeInvalidSchema, "bad"); e.Category != ErrCategorySchema {
		t.Error("NewSchemaError mismatch")
	}
	if e := NewWriteError(CodeBufferFull, "full", nil); e.Category != ErrCategoryWrite || e.Code != CodeBufferFull {
		t.Error("NewWriteError mismatch")
	}
	if e := NewStorageError(CodeIOFailed, "s3 down", cause); e.Category != ErrCategoryStorage || !errors.Is(e, cause) {
		t.Error("NewStorageError mismatch")
	}
	if e := NewFlushError(CodeRetriesExhausted, "degraded", cause); e.Category != ErrCategoryFlush {
		t.Error("NewFlushError mismatch")
	}
	if e := NewCompactionError(CodeIOFailed, "merge failed", cause); e.Category != ErrCategoryCompaction {
		t.Error("NewCompactionError mismatch")
	}
	if e := NewQueryError(CodeNotFound, "missing", nil); e.Category != ErrCategoryQuery {
		t.Error("NewQueryError mismatch")
	}
	if e := NewInternalError("unexpected", cause); e.Category != ErrCategoryInternal || e.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}
