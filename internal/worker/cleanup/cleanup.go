// Package cleanup は予約台帳の終端状態レコードを定期削除するジョブを提供する。
//
// rejected と cancelled の予約は枠を占有せず、リコンサイル対象にもならない。
// 保持期間（デフォルト90日）を過ぎたものを日次バッチで削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/coursemeet/internal/model"
)

// DefaultRetentionDays は終端状態の予約を保持する日数のデフォルト値。
const DefaultRetentionDays = 90

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// LedgerPurgeJob は保持期間を超過した終端状態の予約を削除するジョブ。
// 冪等であり、削除対象がなくてもエラーにしない。
type LedgerPurgeJob struct {
	db            Executor
	logger        *slog.Logger
	retentionDays int
	now           func() time.Time
}

// NewLedgerPurgeJob は新しいLedgerPurgeJobを生成する。
// retentionDaysが0以下の場合はDefaultRetentionDaysを使う。
func NewLedgerPurgeJob(db Executor, logger *slog.Logger, retentionDays int) *LedgerPurgeJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &LedgerPurgeJob{
		db:            db,
		logger:        logger,
		retentionDays: retentionDays,
		now:           time.Now,
	}
}

// RetentionDays は適用される保持日数を返す。
func (j *LedgerPurgeJob) RetentionDays() int {
	return j.retentionDays
}

// Run は updated_at が保持期間より古い rejected / cancelled の予約を削除し、削除件数を返す。
func (j *LedgerPurgeJob) Run(ctx context.Context) (int64, error) {
	start := j.now()
	cutoff := start.AddDate(0, 0, -j.retentionDays)

	const query = `DELETE FROM bookings WHERE status IN ($1, $2) AND updated_at < $3`
	result, err := j.db.ExecContext(ctx, query,
		string(model.BookingStatusRejected), string(model.BookingStatusCancelled), cutoff)
	if err != nil {
		j.logger.Error("予約台帳のクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.retentionDays),
		)
		return 0, fmt.Errorf("予約台帳のクリーンアップに失敗しました: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}

	j.logger.Info("予約台帳のクリーンアップが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.retentionDays),
		slog.Time("cutoff", cutoff),
	)
	return deleted, nil
}

// Start は起動直後に1回実行し、以後 interval ごとに実行する。
// コンテキストがキャンセルされるまで継続する。
func (j *LedgerPurgeJob) Start(ctx context.Context, interval time.Duration) {
	if _, err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Warn("ledger purge failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.logger.Warn("ledger purge failed", slog.String("error", err.Error()))
			}
		}
	}
}
