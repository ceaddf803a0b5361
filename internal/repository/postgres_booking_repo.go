package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/coursemeet/internal/model"
)

// pgUniqueViolation はPostgreSQLの一意制約違反エラーコード。
const pgUniqueViolation = "23505"

// slotClaimingStatuses は主催者の時間枠を占有する予約状態。
var slotClaimingStatuses = []string{
	string(model.BookingStatusPending),
	string(model.BookingStatusActive),
	string(model.BookingStatusOrphaned),
	string(model.BookingStatusInconsistent),
}

// PostgresBookingRepo はPostgreSQLを使用した予約台帳リポジトリ。
type PostgresBookingRepo struct {
	db *sql.DB
}

// NewPostgresBookingRepo はPostgresBookingRepoを生成する。
func NewPostgresBookingRepo(db *sql.DB) *PostgresBookingRepo {
	return &PostgresBookingRepo{db: db}
}

const bookingColumns = `id, organizer_email, COALESCE(remote_meeting_id, ''), start_time, end_time,
	title, description, host_start_url, status, last_operation, last_error, created_at, updated_at`

// Reserve は主催者単位のアドバイザリロックを取得し、区間の重複を再検査してから
// pending 状態の予約を追加する。
// 同一主催者への同時予約はロックで直列化されるため、重複検査と追加の間に割り込みは発生しない。
func (r *PostgresBookingRepo) Reserve(ctx context.Context, b *model.Booking) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = model.BookingStatusPending
	}
	if b.LastOperation == "" {
		b.LastOperation = model.BookingOpCreate
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if err := lockOrganizer(ctx, tx, b.OrganizerEmail); err != nil {
		return err
	}
	if err := checkSlot(ctx, tx, b.OrganizerEmail, b.StartTime, b.EndTime, ""); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bookings (id, organizer_email, start_time, end_time, title, description,
		     host_start_url, status, last_operation, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, '', $7, $8, '', NOW(), NOW())`,
		b.ID, b.OrganizerEmail, b.StartTime.UTC(), b.EndTime.UTC(), b.Title, b.Description,
		string(b.Status), string(b.LastOperation),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlotTaken
		}
		return fmt.Errorf("予約の追加に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// ReserveUpdate は会議の変更先の枠を台帳上で確保する。
// Reserve と同じアドバイザリロック下で、会議自身を除いた重複を検査してから
// 予約の開始・終了時刻を変更先に移す。元の枠は参加者行が引き続き占有する。
// 重複する場合は ErrSlotTaken を返す。台帳に予約がない会議は検査のみ行う。
func (r *PostgresBookingRepo) ReserveUpdate(ctx context.Context, remoteMeetingID, organizerEmail string, start, end time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if err := lockOrganizer(ctx, tx, organizerEmail); err != nil {
		return err
	}
	if err := checkSlot(ctx, tx, organizerEmail, start, end, remoteMeetingID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE bookings SET start_time = $2, end_time = $3, updated_at = NOW()
		 WHERE remote_meeting_id = $1 AND status = ANY($4)`,
		remoteMeetingID, start.UTC(), end.UTC(), pq.Array(slotClaimingStatuses),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlotTaken
		}
		return fmt.Errorf("変更先の枠の確保に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// RestoreSlot は ReserveUpdate で移した予約の時刻を元に戻す。
func (r *PostgresBookingRepo) RestoreSlot(ctx context.Context, remoteMeetingID string, start, end time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE bookings SET start_time = $2, end_time = $3, updated_at = NOW()
		 WHERE remote_meeting_id = $1 AND status = ANY($4)`,
		remoteMeetingID, start.UTC(), end.UTC(), pq.Array(slotClaimingStatuses),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlotTaken
		}
		return fmt.Errorf("予約時刻の復元に失敗しました: %w", err)
	}
	return nil
}

// lockOrganizer はトランザクション終了まで主催者単位のアドバイザリロックを保持する。
func lockOrganizer(ctx context.Context, tx *sql.Tx, organizerEmail string) error {
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`,
		organizerEmail,
	); err != nil {
		return fmt.Errorf("主催者ロックの取得に失敗しました: %w", err)
	}
	return nil
}

// checkSlot は [start, end) が主催者の枠を占有する予約または予定と重なる場合に ErrSlotTaken を返す。
// excludeMeetingID が空でなければ、その会議の予約と参加者行は検査から除く。
func checkSlot(ctx context.Context, tx *sql.Tx, organizerEmail string, start, end time.Time, excludeMeetingID string) error {
	var taken bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM bookings
		     WHERE organizer_email = $1 AND status = ANY($4)
		       AND start_time < $3 AND end_time > $2
		       AND (remote_meeting_id IS NULL OR remote_meeting_id <> $5)
		 ) OR EXISTS (
		     SELECT 1 FROM scheduled_meetings
		     WHERE user_email = $1 AND start_time < $3 AND end_time > $2
		       AND meeting_id <> $5
		 )`,
		organizerEmail, start.UTC(), end.UTC(), pq.Array(slotClaimingStatuses), excludeMeetingID,
	).Scan(&taken)
	if err != nil {
		return fmt.Errorf("時間枠の重複検査に失敗しました: %w", err)
	}
	if taken {
		return ErrSlotTaken
	}
	return nil
}

// Activate は参加者行の追加と予約の active 化を同一トランザクションで行う。
func (r *PostgresBookingRepo) Activate(ctx context.Context, bookingID, remoteMeetingID, hostStartURL string, rows []model.MeetingRow) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if err := insertMeetingRows(ctx, tx, rows); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE bookings
		 SET remote_meeting_id = $2, host_start_url = $3, status = $4, last_error = '', updated_at = NOW()
		 WHERE id = $1`,
		bookingID, remoteMeetingID, hostStartURL, string(model.BookingStatusActive),
	)
	if err != nil {
		return fmt.Errorf("予約の有効化に失敗しました: %w", err)
	}
	if err := expectAffected(result, bookingID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// MarkStatus は予約の状態を更新する。
func (r *PostgresBookingRepo) MarkStatus(ctx context.Context, bookingID string, status model.BookingStatus, op model.BookingOperation, lastErr string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE bookings SET status = $2, last_operation = $3, last_error = $4, updated_at = NOW()
		 WHERE id = $1`,
		bookingID, string(status), string(op), lastErr,
	)
	if err != nil {
		return fmt.Errorf("予約状態の更新に失敗しました: %w", err)
	}
	return expectAffected(result, bookingID)
}

// MarkRemoteOrphan はリモート会議IDを記録した上で予約を orphaned にする。
// Activate が失敗した後の後始末で使う。
func (r *PostgresBookingRepo) MarkRemoteOrphan(ctx context.Context, bookingID, remoteMeetingID, lastErr string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE bookings SET remote_meeting_id = $2, status = $3, last_error = $4, updated_at = NOW()
		 WHERE id = $1`,
		bookingID, remoteMeetingID, string(model.BookingStatusOrphaned), lastErr,
	)
	if err != nil {
		return fmt.Errorf("予約の孤立状態の記録に失敗しました: %w", err)
	}
	return expectAffected(result, bookingID)
}

// FindByRemoteMeetingID はリモート会議IDで予約を検索する。見つからない場合はnilを返す。
func (r *PostgresBookingRepo) FindByRemoteMeetingID(ctx context.Context, remoteMeetingID string) (*model.Booking, error) {
	b, err := scanBooking(r.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings
		 WHERE remote_meeting_id = $1
		 ORDER BY created_at DESC LIMIT 1`,
		remoteMeetingID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("予約の取得に失敗しました: %w", err)
	}
	return b, nil
}

// ApplyUpdate は参加者行と予約の内容を同一トランザクションで更新する。
func (r *PostgresBookingRepo) ApplyUpdate(ctx context.Context, remoteMeetingID string, update model.MeetingUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if err := updateMeetingRows(ctx, tx, remoteMeetingID, update); err != nil {
		if isUniqueViolation(err) {
			return ErrSlotTaken
		}
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE bookings
		 SET start_time = $2, end_time = $3, title = $4, description = $5,
		     status = $6, last_operation = $7, last_error = '', updated_at = NOW()
		 WHERE remote_meeting_id = $1`,
		remoteMeetingID, update.StartTime.UTC(), update.EndTime.UTC(), update.Title, update.Description,
		string(model.BookingStatusActive), string(model.BookingOpUpdate),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlotTaken
		}
		return fmt.Errorf("予約内容の更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// Cancel は参加者行の削除と予約の cancelled 化を同一トランザクションで行う。
// 台帳に予約がない（台帳導入前の会議など）場合も参加者行は削除する。
func (r *PostgresBookingRepo) Cancel(ctx context.Context, remoteMeetingID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if err := deleteMeetingRows(ctx, tx, remoteMeetingID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE bookings SET status = $2, last_operation = $3, last_error = '', updated_at = NOW()
		 WHERE remote_meeting_id = $1`,
		remoteMeetingID, string(model.BookingStatusCancelled), string(model.BookingOpCancel),
	)
	if err != nil {
		return fmt.Errorf("予約の取消記録に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// ListForReconciliation はリコンサイル対象の予約を更新日時の古い順に返す。
func (r *PostgresBookingRepo) ListForReconciliation(ctx context.Context, pendingBefore time.Time, limit int) ([]*model.Booking, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings
		 WHERE (status = $1 AND created_at < $2) OR status = ANY($3)
		 ORDER BY updated_at ASC
		 LIMIT $4`,
		string(model.BookingStatusPending), pendingBefore,
		pq.Array([]string{string(model.BookingStatusOrphaned), string(model.BookingStatusInconsistent)}),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("リコンサイル対象の予約の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var bookings []*model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("予約行の読み取りに失敗しました: %w", err)
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("予約一覧の走査に失敗しました: %w", err)
	}
	return bookings, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(s rowScanner) (*model.Booking, error) {
	b := &model.Booking{}
	var status, op string
	if err := s.Scan(
		&b.ID, &b.OrganizerEmail, &b.RemoteMeetingID, &b.StartTime, &b.EndTime,
		&b.Title, &b.Description, &b.HostStartURL, &status, &op, &b.LastError,
		&b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	b.Status = model.BookingStatus(status)
	b.LastOperation = model.BookingOperation(op)
	b.StartTime = b.StartTime.UTC()
	b.EndTime = b.EndTime.UTC()
	return b, nil
}

func expectAffected(result sql.Result, bookingID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("予約が見つかりません: %s", bookingID)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation
}

// compile-time interface check
var _ BookingRepository = (*PostgresBookingRepo)(nil)
