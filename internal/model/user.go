package model

import "time"

// Caller は外部認証プロバイダが発行したアクセストークンから得られた呼び出し元。
// このサービスはユーザーテーブルを持たず、トークンのクレームのみを信頼する。
type Caller struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
}
