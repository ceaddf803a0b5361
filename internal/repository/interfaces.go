// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/coursemeet/internal/model"
)

// ErrSlotTaken は主催者の同じ時間枠が既に確保されている場合に返される。
var ErrSlotTaken = errors.New("organizer slot already taken")

// MeetingRepository は予約済み会議（参加者ごとの行）の永続化インターフェース。
// ローカルのスケジュールの正本として扱う。
type MeetingRepository interface {
	// ListByParticipant は email が主催者または参加者である会議を開始時刻順に返す。
	// 該当がない場合は空スライスを返す（エラーではない）。
	ListByParticipant(ctx context.Context, email string) ([]model.Meeting, error)

	// FindByMeetingID は指定会議IDの全参加者行を返す。見つからない場合は空スライスを返す。
	FindByMeetingID(ctx context.Context, meetingID string) ([]model.MeetingRow, error)

	// Insert は同一 meeting_id を共有する参加者行をまとめて追加する。
	// 一意制約違反やストア到達不能の場合はエラーを返し、1行も書き込まない。
	Insert(ctx context.Context, rows []model.MeetingRow) error

	// DeleteByMeetingID は指定会議IDの全行を削除する。該当行がなくてもエラーにしない。
	DeleteByMeetingID(ctx context.Context, meetingID string) error

	// UpdateByMeetingID は指定会議IDの全行の開始・終了時刻、タイトル、説明を更新する。
	UpdateByMeetingID(ctx context.Context, meetingID string, update model.MeetingUpdate) error
}

// BookingRepository は予約台帳の永続化インターフェース。
// リモート作成とローカル記録の間の中間状態（pending/orphaned/inconsistent）を記録する。
type BookingRepository interface {
	// Reserve は主催者単位のアドバイザリロック下で区間の重複を再検査し、
	// pending 状態の予約を追加する。重複する場合は ErrSlotTaken を返す。
	Reserve(ctx context.Context, booking *model.Booking) error

	// ReserveUpdate は Reserve と同じロック下で、会議自身を除いて変更先の区間の重複を検査し、
	// 予約の時刻を変更先に移す。重複する場合は ErrSlotTaken を返す。
	ReserveUpdate(ctx context.Context, remoteMeetingID, organizerEmail string, start, end time.Time) error

	// RestoreSlot は ReserveUpdate で移した予約の時刻を元に戻す。
	RestoreSlot(ctx context.Context, remoteMeetingID string, start, end time.Time) error

	// Activate は参加者行の追加と予約の active 化を同一トランザクションで行う。
	Activate(ctx context.Context, bookingID, remoteMeetingID, hostStartURL string, rows []model.MeetingRow) error

	// MarkStatus は予約の状態、最後の操作、エラー内容を更新する。
	MarkStatus(ctx context.Context, bookingID string, status model.BookingStatus, op model.BookingOperation, lastErr string) error

	// MarkRemoteOrphan はリモート会議IDを記録した上で予約を orphaned にする。
	MarkRemoteOrphan(ctx context.Context, bookingID, remoteMeetingID, lastErr string) error

	// FindByRemoteMeetingID はリモート会議IDで予約を検索する。見つからない場合はnilを返す。
	FindByRemoteMeetingID(ctx context.Context, remoteMeetingID string) (*model.Booking, error)

	// ApplyUpdate は参加者行と予約の内容を同一トランザクションで更新する。
	ApplyUpdate(ctx context.Context, remoteMeetingID string, update model.MeetingUpdate) error

	// Cancel は参加者行の削除と予約の cancelled 化を同一トランザクションで行う。
	Cancel(ctx context.Context, remoteMeetingID string) error

	// ListForReconciliation はリコンサイル対象の予約を返す。
	// pendingBefore より前に作成された pending と、orphaned / inconsistent が対象。
	ListForReconciliation(ctx context.Context, pendingBefore time.Time, limit int) ([]*model.Booking, error)
}

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
