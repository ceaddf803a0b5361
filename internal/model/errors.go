// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ（reasonとしてそのままクライアントに表示される）
	Category string // カテゴリ: auth, validation, booking, remote, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeMeetingNotFound = "MEETING_NOT_FOUND"
	ErrCodeRemoteAuth      = "REMOTE_AUTH_ERROR"
	ErrCodeRemoteService   = "REMOTE_SERVICE_ERROR"
	ErrCodePersistence     = "PERSISTENCE_ERROR"
	ErrCodeOrphaned        = "ORPHANED"
	ErrCodeInconsistent    = "INCONSISTENT"
)

// NewValidationError は入力値検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  reason,
		Category: "validation",
		Action:   "Check the request fields and try again.",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Unauthorized",
		Category: "auth",
		Action:   "Sign in and try again.",
	}
}

// NewConflictError は予約枠の重複エラーを生成する。
func NewConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  "Organizer is not available at this time",
		Category: "booking",
		Action:   "Pick another time slot.",
	}
}

// NewMeetingNotFoundError は会議が見つからない（または編集権限がない）場合のエラーを生成する。
func NewMeetingNotFoundError(meetingID string) *APIError {
	return &APIError{
		Code:     ErrCodeMeetingNotFound,
		Message:  fmt.Sprintf("Meeting not found: %s", meetingID),
		Category: "booking",
		Action:   "Reload your meetings and try again.",
	}
}

// NewRemoteAuthError は会議サービスへの認証失敗エラーを生成する。
func NewRemoteAuthError() *APIError {
	return &APIError{
		Code:     ErrCodeRemoteAuth,
		Message:  "Conferencing service authentication failed",
		Category: "remote",
		Action:   "Try again later.",
	}
}

// NewRemoteServiceError は会議サービスの呼び出し失敗エラーを生成する。
func NewRemoteServiceError() *APIError {
	return &APIError{
		Code:     ErrCodeRemoteService,
		Message:  "Conferencing service error",
		Category: "remote",
		Action:   "Try again later.",
	}
}

// NewPersistenceError はローカルストアの書き込み・読み取り失敗エラーを生成する。
func NewPersistenceError() *APIError {
	return &APIError{
		Code:     ErrCodePersistence,
		Message:  "Database error",
		Category: "system",
		Action:   "Try again later.",
	}
}

// NewOrphanedError はリモートで会議が作成されたがローカル記録に失敗したことを表す。
// 予約台帳上は orphaned として残り、リコンサイルジョブが後始末する。
func NewOrphanedError() *APIError {
	return &APIError{
		Code:     ErrCodeOrphaned,
		Message:  "Meeting was created but could not be saved",
		Category: "system",
		Action:   "The meeting will be cleaned up automatically. Please book again later.",
	}
}

// NewInconsistentError はリモート操作成功後にローカル反映が失敗したことを表す。
func NewInconsistentError() *APIError {
	return &APIError{
		Code:     ErrCodeInconsistent,
		Message:  "Meeting was changed remotely but the local record could not be updated",
		Category: "system",
		Action:   "Reload your meetings; the record will be repaired automatically.",
	}
}
