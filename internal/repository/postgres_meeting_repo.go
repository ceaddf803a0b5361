package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/coursemeet/internal/model"
)

// PostgresMeetingRepo はPostgreSQLを使用した会議リポジトリ。
type PostgresMeetingRepo struct {
	db *sql.DB
}

// NewPostgresMeetingRepo はPostgresMeetingRepoを生成する。
func NewPostgresMeetingRepo(db *sql.DB) *PostgresMeetingRepo {
	return &PostgresMeetingRepo{db: db}
}

const meetingRowColumns = `meeting_id, user_email, organizer_email, join_link, start_time, end_time,
	meeting_title, meeting_description, allowed_to_edit, created_at`

// ListByParticipant は email が主催者または参加者である会議を開始時刻順に返す。
func (r *PostgresMeetingRepo) ListByParticipant(ctx context.Context, email string) ([]model.Meeting, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+meetingRowColumns+`
		 FROM scheduled_meetings
		 WHERE meeting_id IN (
		     SELECT meeting_id FROM scheduled_meetings
		     WHERE user_email = $1 OR organizer_email = $1
		 )
		 ORDER BY start_time ASC, meeting_id ASC, user_email ASC`,
		email,
	)
	if err != nil {
		return nil, fmt.Errorf("参加者の会議一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	meetingRows, err := scanMeetingRows(rows)
	if err != nil {
		return nil, err
	}
	return model.GroupRows(meetingRows, email), nil
}

// FindByMeetingID は指定会議IDの全参加者行を返す。
func (r *PostgresMeetingRepo) FindByMeetingID(ctx context.Context, meetingID string) ([]model.MeetingRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+meetingRowColumns+`
		 FROM scheduled_meetings WHERE meeting_id = $1
		 ORDER BY user_email ASC`,
		meetingID,
	)
	if err != nil {
		return nil, fmt.Errorf("会議の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanMeetingRows(rows)
}

// Insert は参加者行を同一トランザクションで追加する。
func (r *PostgresMeetingRepo) Insert(ctx context.Context, rows []model.MeetingRow) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if err := insertMeetingRows(ctx, tx, rows); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// DeleteByMeetingID は指定会議IDの全行を削除する。該当行がなくてもエラーにしない。
func (r *PostgresMeetingRepo) DeleteByMeetingID(ctx context.Context, meetingID string) error {
	return deleteMeetingRows(ctx, r.db, meetingID)
}

// UpdateByMeetingID は指定会議IDの全行を更新する。
func (r *PostgresMeetingRepo) UpdateByMeetingID(ctx context.Context, meetingID string, update model.MeetingUpdate) error {
	return updateMeetingRows(ctx, r.db, meetingID, update)
}

func insertMeetingRows(ctx context.Context, exec Executor, rows []model.MeetingRow) error {
	for _, row := range rows {
		_, err := exec.ExecContext(ctx,
			`INSERT INTO scheduled_meetings (`+meetingRowColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			row.MeetingID, row.UserEmail, row.OrganizerEmail, row.JoinLink,
			row.StartTime.UTC(), row.EndTime.UTC(), row.Title, row.Description,
			row.AllowedToEdit, row.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("会議行の追加に失敗しました (meeting_id=%s, user_email=%s): %w", row.MeetingID, row.UserEmail, err)
		}
	}
	return nil
}

func deleteMeetingRows(ctx context.Context, exec Executor, meetingID string) error {
	_, err := exec.ExecContext(ctx,
		`DELETE FROM scheduled_meetings WHERE meeting_id = $1`,
		meetingID,
	)
	if err != nil {
		return fmt.Errorf("会議行の削除に失敗しました: %w", err)
	}
	return nil
}

func updateMeetingRows(ctx context.Context, exec Executor, meetingID string, update model.MeetingUpdate) error {
	_, err := exec.ExecContext(ctx,
		`UPDATE scheduled_meetings
		 SET start_time = $2, end_time = $3, meeting_title = $4, meeting_description = $5
		 WHERE meeting_id = $1`,
		meetingID, update.StartTime.UTC(), update.EndTime.UTC(), update.Title, update.Description,
	)
	if err != nil {
		return fmt.Errorf("会議行の更新に失敗しました: %w", err)
	}
	return nil
}

func scanMeetingRows(rows *sql.Rows) ([]model.MeetingRow, error) {
	result := make([]model.MeetingRow, 0)
	for rows.Next() {
		var row model.MeetingRow
		if err := rows.Scan(
			&row.MeetingID, &row.UserEmail, &row.OrganizerEmail, &row.JoinLink,
			&row.StartTime, &row.EndTime, &row.Title, &row.Description,
			&row.AllowedToEdit, &row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("会議行の読み取りに失敗しました: %w", err)
		}
		row.StartTime = row.StartTime.UTC()
		row.EndTime = row.EndTime.UTC()
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("会議行の走査に失敗しました: %w", err)
	}
	return result, nil
}

// compile-time interface check
var _ MeetingRepository = (*PostgresMeetingRepo)(nil)
