package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestAPIError_ImplementsErrorAndUnwrapsWithAs(t *testing.T) {
	wrapped := fmt.Errorf("予約に失敗しました: %w", NewConflictError())

	var apiErr *APIError
	if !errors.As(wrapped, &apiErr) {
		t.Fatal("errors.As should find *APIError")
	}
	if apiErr.Code != ErrCodeConflict {
		t.Errorf("Code = %s, want %s", apiErr.Code, ErrCodeConflict)
	}
	if apiErr.Error() != "[CONFLICT] Organizer is not available at this time" {
		t.Errorf("Error() = %q", apiErr.Error())
	}
}

func TestConstructors_SetCodeAndCategory(t *testing.T) {
	tests := []struct {
		err      *APIError
		code     string
		category string
	}{
		{NewValidationError("Email not valid"), ErrCodeValidation, "validation"},
		{NewUnauthorizedError(), ErrCodeUnauthorized, "auth"},
		{NewConflictError(), ErrCodeConflict, "booking"},
		{NewMeetingNotFoundError("42"), ErrCodeMeetingNotFound, "booking"},
		{NewRemoteAuthError(), ErrCodeRemoteAuth, "remote"},
		{NewRemoteServiceError(), ErrCodeRemoteService, "remote"},
		{NewPersistenceError(), ErrCodePersistence, "system"},
		{NewOrphanedError(), ErrCodeOrphaned, "system"},
		{NewInconsistentError(), ErrCodeInconsistent, "system"},
	}
	for _, tt := range tests {
		if tt.err.Code != tt.code {
			t.Errorf("Code = %s, want %s", tt.err.Code, tt.code)
		}
		if tt.err.Category != tt.category {
			t.Errorf("%s Category = %s, want %s", tt.code, tt.err.Category, tt.category)
		}
		if tt.err.Message == "" || tt.err.Action == "" {
			t.Errorf("%s should have message and action", tt.code)
		}
	}
}
