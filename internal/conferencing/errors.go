package conferencing

import "fmt"

// AuthError は会議サービス用の認証情報を生成・取得できなかったことを表す。
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("会議サービスの認証に失敗しました: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RemoteServiceError は会議サービス呼び出しの失敗を表す。
// StatusCode はHTTPレスポンスを受け取れた場合のみ設定される（タイムアウト等では0）。
type RemoteServiceError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *RemoteServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("会議サービスの%s呼び出しがステータス %d を返しました: %v", e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("会議サービスの%s呼び出しに失敗しました: %v", e.Operation, e.Err)
}

func (e *RemoteServiceError) Unwrap() error { return e.Err }
