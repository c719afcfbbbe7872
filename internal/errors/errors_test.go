package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestPerchError_Error(t *testing.T) {
	err := New(ErrCategoryStore, CodeInsertFailed, "insert failed")
	expected := "[STORE:INSERT_FAILED] insert failed"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestPerchError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("database is locked")
	err := Wrap(ErrCategoryStore, CodeStoreBusy, "write blocked", cause)
	expected := "[STORE:STORE_BUSY] write blocked: database is locked"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestPerchError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryCollector, CodeCollectFailed, "collect failed", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestPerchError_Is(t *testing.T) {
	err1 := New(ErrCategoryValidation, CodeUnknownTable, "first")
	err2 := New(ErrCategoryValidation, CodeUnknownTable, "second")
	err3 := New(ErrCategoryValidation, CodeArityMismatch, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStore, CodeStoreBusy, true},
		{ErrCategoryStore, CodeInsertFailed, true},
		{ErrCategoryStore, CodeOpenFailed, false},
		{ErrCategoryCollector, CodeCollectFailed, true},
		{ErrCategoryCollector, CodeSetupFailed, false},
		{ErrCategoryValidation, CodeUnknownTable, false},
		{ErrCategoryParse, CodeTranscriptRead, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategory(t *testing.T) {
	err := New(ErrCategoryParse, CodeTranscriptRead, "bad transcript")
	if GetCategory(err) != ErrCategoryParse {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryParse)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-PerchError should return empty category")
	}
}

func TestGetCode(t *testing.T) {
	err := New(ErrCategoryStore, CodeStoreClosed, "store not open")
	if GetCode(err) != CodeStoreClosed {
		t.Errorf("got %q, want %q", GetCode(err), CodeStoreClosed)
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-PerchError should return empty code")
	}
}

func TestWithDetails(t *testing.T) {
	base := New(ErrCategoryValidation, CodeUnknownTable, "unknown table")
	detailed := base.WithDetails(map[string]interface{}{"table": "nope"})
	if base.Details != nil {
		t.Error("WithDetails must not mutate the original error")
	}
	if detailed.Details["table"] != "nope" {
		t.Error("details not attached")
	}
}
