package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/coursemeet/internal/model"
)

// TestWriteErrorResponse_WritesUnifiedFormat は統一エラーフォーマットでレスポンスが書き込まれることを検証する。
func TestWriteErrorResponse_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("Email not valid"))

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}

	if body.Status != StatusNotCompleted {
		t.Errorf("status = %q, want %q", body.Status, StatusNotCompleted)
	}
	if body.Reason != "Email not valid" {
		t.Errorf("reason = %q, want %q", body.Reason, "Email not valid")
	}
	if !body.Error {
		t.Error("error should be true")
	}
	if body.MeetingLink != nil {
		t.Errorf("meetingLink = %q, want null", *body.MeetingLink)
	}
	if body.Code != model.ErrCodeValidation {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeValidation)
	}
	if body.Category != "validation" {
		t.Errorf("category = %q, want %q", body.Category, "validation")
	}
}

func TestHTTPStatus_MapsErrorCodes(t *testing.T) {
	tests := []struct {
		name       string
		err        *model.APIError
		wantStatus int
		wantBody   string
	}{
		{"Validation", model.NewValidationError("x"), http.StatusBadRequest, StatusNotCompleted},
		{"Conflict", model.NewConflictError(), http.StatusBadRequest, StatusNotCompleted},
		{"Unauthorized", model.NewUnauthorizedError(), http.StatusUnauthorized, StatusNotCompleted},
		{"NotFound", model.NewMeetingNotFoundError("1"), http.StatusNotFound, StatusNotCompleted},
		{"RemoteAuth", model.NewRemoteAuthError(), http.StatusInternalServerError, StatusNotCompleted},
		{"RemoteService", model.NewRemoteServiceError(), http.StatusInternalServerError, StatusNotCompleted},
		{"Persistence", model.NewPersistenceError(), http.StatusInternalServerError, StatusNotCompleted},
		{"Orphaned", model.NewOrphanedError(), http.StatusInternalServerError, StatusOrphaned},
		{"Inconsistent", model.NewInconsistentError(), http.StatusInternalServerError, StatusInconsistent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteAPIError(w, tt.err)

			resp := w.Result()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}

			var body ErrorResponseBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if body.Status != tt.wantBody {
				t.Errorf("body status = %q, want %q", body.Status, tt.wantBody)
			}
			if body.Code != tt.err.Code {
				t.Errorf("code = %q, want %q", body.Code, tt.err.Code)
			}
		})
	}
}

// TestInternalServerError_ReturnsSystemError は内部エラーが統一フォーマットで返ることを検証する。
func TestInternalServerError_ReturnsSystemError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteInternalServerError(w)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want %q", body.Code, "INTERNAL_ERROR")
	}
	if body.Category != "system" {
		t.Errorf("category = %q, want %q", body.Category, "system")
	}
}

// TestErrorResponseBody_AllFieldsPresent は全フィールドがJSONレスポンスに含まれることを検証する。
func TestErrorResponseBody_AllFieldsPresent(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "CODE",
		Message:  "MSG",
		Category: "CAT",
	})

	var raw map[string]interface{}
	if err := json.NewDecoder(w.Result().Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	for _, field := range []string{"status", "reason", "error", "meetingLink", "code", "category"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
	if raw["meetingLink"] != nil {
		t.Errorf("meetingLink = %v, want null", raw["meetingLink"])
	}
}
