package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/coursemeet/internal/model"
)

// 失敗時のstatusフィールドの値。
const (
	StatusNotCompleted = "not completed"
	StatusOrphaned     = "orphaned"
	StatusInconsistent = "inconsistent"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 既存クライアントとの互換のため status / reason / error / meetingLink を含む。
type ErrorResponseBody struct {
	Status      string  `json:"status"`
	Reason      string  `json:"reason"`
	Error       bool    `json:"error"`
	MeetingLink *string `json:"meetingLink"`
	Code        string  `json:"code"`
	Category    string  `json:"category"`
	Action      string  `json:"action,omitempty"`
}

// HTTPStatus はエラーコードに対応するHTTPステータスを返す。
func HTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation, model.ErrCodeConflict:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeMeetingNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// responseStatus はエラーコードに対応するstatusフィールドの値を返す。
func responseStatus(apiErr *model.APIError) string {
	switch apiErr.Code {
	case model.ErrCodeOrphaned:
		return StatusOrphaned
	case model.ErrCodeInconsistent:
		return StatusInconsistent
	default:
		return StatusNotCompleted
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Status:   responseStatus(apiErr),
		Reason:   apiErr.Message,
		Error:    true,
		Code:     apiErr.Code,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteAPIError はエラーコードから決まるHTTPステータスでエラーレスポンスを書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, HTTPStatus(apiErr), apiErr)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "Internal error",
		Category: "system",
		Action:   "Try again later.",
	})
}
