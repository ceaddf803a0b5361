// Package reconcile は会議サービスとローカル記録の食い違いを後始末するジョブを提供する。
// 予約台帳に残った pending / orphaned / inconsistent の予約を定期的に走査し、
// 冪等な操作で rejected / cancelled / active のいずれかに収束させる。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/coursemeet/internal/conferencing"
	"github.com/hitoshi/coursemeet/internal/metrics"
	"github.com/hitoshi/coursemeet/internal/model"
	"github.com/hitoshi/coursemeet/internal/repository"
)

// リコンサイルの操作種別。メトリクスのラベルに使う。
const (
	ActionRejectStale  = "reject_stale_pending"
	ActionDeleteOrphan = "delete_orphan"
	ActionRepairCancel = "repair_cancel"
	ActionRepairUpdate = "repair_update"
	ActionRevertUpdate = "revert_update"
)

// Remote はリコンサイルが利用する会議サービスの操作。
type Remote interface {
	DeleteMeeting(ctx context.Context, token conferencing.Token, remoteMeetingID string) error
	GetMeeting(ctx context.Context, token conferencing.Token, remoteMeetingID string) (*conferencing.RemoteMeeting, error)
	UpdateMeeting(ctx context.Context, token conferencing.Token, remoteMeetingID string, req conferencing.UpdateMeetingRequest) error
}

// Config はリコンサイルジョブの設定パラメータ。
type Config struct {
	// Interval はジョブの実行間隔（デフォルト: 5分）。
	Interval time.Duration
	// PendingTTL はこの時間を超えて pending のままの予約を放棄されたものとみなす（デフォルト: 15分）。
	PendingTTL time.Duration
	// BatchSize は1サイクルで処理する予約の上限（デフォルト: 50）。
	BatchSize int
}

// DefaultConfig はデフォルトのジョブ設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:   5 * time.Minute,
		PendingTTL: 15 * time.Minute,
		BatchSize:  50,
	}
}

// Job はリコンサイルジョブ。
type Job struct {
	bookings repository.BookingRepository
	auth     conferencing.Authenticator
	remote   Remote
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
	config   Config
	now      func() time.Time
}

// NewJob はJobの新しいインスタンスを生成する。mcがnilの場合はメトリクスを記録しない。
func NewJob(
	bookings repository.BookingRepository,
	auth conferencing.Authenticator,
	remote Remote,
	logger *slog.Logger,
	mc metrics.MetricsCollector,
	config Config,
) *Job {
	if mc == nil {
		mc = metrics.Nop{}
	}
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.PendingTTL <= 0 {
		config.PendingTTL = defaults.PendingTTL
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	return &Job{
		bookings: bookings,
		auth:     auth,
		remote:   remote,
		logger:   logger,
		metrics:  mc,
		config:   config,
		now:      time.Now,
	}
}

// Start はジョブをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Info("リコンサイルジョブを開始しました",
		slog.Duration("interval", j.config.Interval),
		slog.Duration("pending_ttl", j.config.PendingTTL),
		slog.Int("batch_size", j.config.BatchSize),
	)

	// 起動直後に1回実行
	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Error("リコンサイルサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("リコンサイルジョブを停止しました")
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Error("リコンサイルサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Summary は1サイクルの処理結果。
type Summary struct {
	Scanned  int
	Resolved int
	Failed   int
}

// RunOnce は1回のリコンサイルサイクルを実行する。
// 個々の予約の失敗はログとメトリクスに記録して次の予約に進み、
// 次のサイクルで再試行される。
func (j *Job) RunOnce(ctx context.Context) (Summary, error) {
	start := j.now()

	bookings, err := j.bookings.ListForReconciliation(ctx, start.Add(-j.config.PendingTTL), j.config.BatchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("リコンサイル対象の取得に失敗しました: %w", err)
	}

	var sum Summary
	if len(bookings) == 0 {
		return sum, nil
	}

	var token conferencing.Token
	for _, b := range bookings {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Scanned++

		// 会議サービスを呼ぶ必要がある場合のみ認証する
		if token == "" && needsRemote(b) {
			token, err = j.auth.Authenticate(ctx)
			if err != nil {
				j.logger.Error("会議サービスの認証に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}

		if err := j.reconcile(ctx, token, b); err != nil {
			sum.Failed++
			j.logger.Warn("予約のリコンサイルに失敗しました",
				slog.String("booking_id", b.ID),
				slog.String("status", string(b.Status)),
				slog.String("remote_meeting_id", b.RemoteMeetingID),
				slog.String("error", err.Error()),
			)
			continue
		}
		sum.Resolved++
	}

	j.logger.Info("リコンサイルサイクルが完了しました",
		slog.Int("scanned", sum.Scanned),
		slog.Int("resolved", sum.Resolved),
		slog.Int("failed", sum.Failed),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return sum, nil
}

func needsRemote(b *model.Booking) bool {
	switch b.Status {
	case model.BookingStatusOrphaned:
		return true
	case model.BookingStatusInconsistent:
		return b.LastOperation == model.BookingOpUpdate
	default:
		return false
	}
}

var errNoToken = errors.New("conferencing token unavailable")

func (j *Job) reconcile(ctx context.Context, token conferencing.Token, b *model.Booking) error {
	switch b.Status {
	case model.BookingStatusPending:
		return j.rejectStale(ctx, b)
	case model.BookingStatusOrphaned:
		return j.deleteOrphan(ctx, token, b)
	case model.BookingStatusInconsistent:
		if b.LastOperation == model.BookingOpCancel {
			return j.repairCancel(ctx, b)
		}
		return j.repairUpdate(ctx, token, b)
	default:
		return fmt.Errorf("unexpected status %q", b.Status)
	}
}

// rejectStale は作成途中で放棄された pending の予約を rejected にして枠を解放する。
func (j *Job) rejectStale(ctx context.Context, b *model.Booking) error {
	if err := j.bookings.MarkStatus(ctx, b.ID, model.BookingStatusRejected, model.BookingOpCreate, "stale pending booking"); err != nil {
		j.metrics.RecordReconcileResult(ActionRejectStale, metrics.ResultPersistence)
		return err
	}
	j.logger.Info("放棄された予約を解放しました",
		slog.String("booking_id", b.ID),
		slog.String("organizer_email", b.OrganizerEmail),
		slog.Time("start_time", b.StartTime),
	)
	j.metrics.RecordReconcileResult(ActionRejectStale, metrics.ResultSuccess)
	return nil
}

// deleteOrphan はローカルに記録できなかったリモート会議を削除し、予約を rejected にする。
func (j *Job) deleteOrphan(ctx context.Context, token conferencing.Token, b *model.Booking) error {
	if token == "" {
		j.metrics.RecordReconcileResult(ActionDeleteOrphan, metrics.ResultRemoteError)
		return errNoToken
	}
	if b.RemoteMeetingID != "" {
		if err := j.remote.DeleteMeeting(ctx, token, b.RemoteMeetingID); err != nil {
			j.metrics.RecordReconcileResult(ActionDeleteOrphan, metrics.ResultRemoteError)
			return err
		}
	}
	if err := j.bookings.MarkStatus(ctx, b.ID, model.BookingStatusRejected, model.BookingOpCancel, "orphan removed"); err != nil {
		j.metrics.RecordReconcileResult(ActionDeleteOrphan, metrics.ResultPersistence)
		return err
	}
	j.logger.Info("孤立した会議を削除しました",
		slog.String("booking_id", b.ID),
		slog.String("remote_meeting_id", b.RemoteMeetingID),
	)
	j.metrics.RecordReconcileResult(ActionDeleteOrphan, metrics.ResultSuccess)
	return nil
}

// repairCancel はリモートで削除済みの会議のローカル行を削除する。
func (j *Job) repairCancel(ctx context.Context, b *model.Booking) error {
	if err := j.bookings.Cancel(ctx, b.RemoteMeetingID); err != nil {
		j.metrics.RecordReconcileResult(ActionRepairCancel, metrics.ResultPersistence)
		return err
	}
	j.logger.Info("取消の不整合を修復しました",
		slog.String("booking_id", b.ID),
		slog.String("remote_meeting_id", b.RemoteMeetingID),
	)
	j.metrics.RecordReconcileResult(ActionRepairCancel, metrics.ResultSuccess)
	return nil
}

// repairUpdate はリモートの会議内容をローカルに反映する。
// リモートで会議が見つからない場合は取消として扱う。
// リモートの時刻が他の予約の枠と重なる場合は、台帳が確保している枠にリモートを戻す。
func (j *Job) repairUpdate(ctx context.Context, token conferencing.Token, b *model.Booking) error {
	if token == "" {
		j.metrics.RecordReconcileResult(ActionRepairUpdate, metrics.ResultRemoteError)
		return errNoToken
	}

	remote, err := j.remote.GetMeeting(ctx, token, b.RemoteMeetingID)
	if conferencing.IsNotFound(err) {
		return j.repairCancel(ctx, b)
	}
	if err != nil {
		j.metrics.RecordReconcileResult(ActionRepairUpdate, metrics.ResultRemoteError)
		return err
	}

	update := model.MeetingUpdate{
		StartTime:   remote.StartTime.UTC(),
		EndTime:     remote.StartTime.UTC().Add(model.MeetingDuration),
		Title:       remote.Title,
		Description: remote.Description,
	}
	err = j.bookings.ApplyUpdate(ctx, b.RemoteMeetingID, update)
	if errors.Is(err, repository.ErrSlotTaken) {
		j.metrics.RecordReconcileResult(ActionRepairUpdate, metrics.ResultConflict)
		return j.revertUpdate(ctx, token, b, update)
	}
	if err != nil {
		j.metrics.RecordReconcileResult(ActionRepairUpdate, metrics.ResultPersistence)
		return err
	}
	j.logger.Info("変更の不整合を修復しました",
		slog.String("booking_id", b.ID),
		slog.String("remote_meeting_id", b.RemoteMeetingID),
		slog.Time("start_time", update.StartTime),
	)
	j.metrics.RecordReconcileResult(ActionRepairUpdate, metrics.ResultSuccess)
	return nil
}

// revertUpdate はリモートの会議を台帳に記録された枠に戻してからローカルに反映する。
// タイトルと説明はリモートの内容を残す。
func (j *Job) revertUpdate(ctx context.Context, token conferencing.Token, b *model.Booking, remote model.MeetingUpdate) error {
	update := model.MeetingUpdate{
		StartTime:   b.StartTime.UTC(),
		EndTime:     b.StartTime.UTC().Add(model.MeetingDuration),
		Title:       remote.Title,
		Description: remote.Description,
	}
	if err := j.remote.UpdateMeeting(ctx, token, b.RemoteMeetingID, conferencing.UpdateMeetingRequest{
		StartTime:   update.StartTime,
		Title:       update.Title,
		Description: update.Description,
	}); err != nil {
		j.metrics.RecordReconcileResult(ActionRevertUpdate, metrics.ResultRemoteError)
		return fmt.Errorf("会議サービスの時刻の差し戻しに失敗しました: %w", err)
	}
	if err := j.bookings.ApplyUpdate(ctx, b.RemoteMeetingID, update); err != nil {
		result := metrics.ResultPersistence
		if errors.Is(err, repository.ErrSlotTaken) {
			result = metrics.ResultConflict
		}
		j.metrics.RecordReconcileResult(ActionRevertUpdate, result)
		return err
	}
	j.logger.Warn("他の予約と重なるリモートの変更を差し戻しました",
		slog.String("booking_id", b.ID),
		slog.String("remote_meeting_id", b.RemoteMeetingID),
		slog.Time("remote_start_time", remote.StartTime),
		slog.Time("start_time", update.StartTime),
	)
	j.metrics.RecordReconcileResult(ActionRevertUpdate, metrics.ResultSuccess)
	return nil
}
