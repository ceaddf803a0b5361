// Package booking は会議の予約・変更・取消のドメインロジックを提供する。
//
// 作成フローは予約台帳に pending の枠を確保してから会議サービスを呼び出し、
// 成功後に参加者行の記録と台帳の active 化を1トランザクションで行う。
// リモート成功後のローカル失敗は orphaned / inconsistent として台帳に残し、
// 呼び出し元には専用のエラーで返す。
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/coursemeet/internal/availability"
	"github.com/hitoshi/coursemeet/internal/conferencing"
	"github.com/hitoshi/coursemeet/internal/metrics"
	"github.com/hitoshi/coursemeet/internal/model"
	"github.com/hitoshi/coursemeet/internal/repository"
	"github.com/hitoshi/coursemeet/internal/security"
)

// メトリクスに記録する操作名。
const (
	opCreate = "create"
	opUpdate = "update"
	opCancel = "cancel"
)

// Conferencing は予約処理が利用する会議サービスの操作。
type Conferencing interface {
	CreateMeeting(ctx context.Context, token conferencing.Token, req conferencing.CreateMeetingRequest) (*conferencing.CreatedMeeting, error)
	UpdateMeeting(ctx context.Context, token conferencing.Token, remoteMeetingID string, req conferencing.UpdateMeetingRequest) error
	DeleteMeeting(ctx context.Context, token conferencing.Token, remoteMeetingID string) error
}

// CreateResult は予約成功時の結果。
type CreateResult struct {
	MeetingID string
	JoinLink  string
	StartTime time.Time
	EndTime   time.Time
}

// SlotAvailability は1時間枠の空き状況。
type SlotAvailability struct {
	Start     time.Time
	Available bool
}

// Service は予約のサービス層。
type Service struct {
	meetings         repository.MeetingRepository
	bookings         repository.BookingRepository
	auth             conferencing.Authenticator
	conf             Conferencing
	sanitizer        security.TextSanitizer
	validate         *validator.Validate
	logger           *slog.Logger
	metrics          metrics.MetricsCollector
	alternativeHosts []string
	now              func() time.Time
}

// Option はServiceの任意設定。
type Option func(*Service)

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(mc metrics.MetricsCollector) Option {
	return func(s *Service) { s.metrics = mc }
}

// WithAlternativeHosts は作成する会議の代替ホストを設定する。
func WithAlternativeHosts(hosts []string) Option {
	return func(s *Service) { s.alternativeHosts = hosts }
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	meetings repository.MeetingRepository,
	bookings repository.BookingRepository,
	auth conferencing.Authenticator,
	conf Conferencing,
	sanitizer security.TextSanitizer,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		meetings:  meetings,
		bookings:  bookings,
		auth:      auth,
		conf:      conf,
		sanitizer: sanitizer,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
		metrics:   metrics.Nop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create は会議を予約し、参加リンクを返す。
func (s *Service) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	in.Title = s.sanitizer.Sanitize(in.Title)
	in.Description = s.sanitizer.Sanitize(in.Description)
	in.OrganizerEmail = normalizeEmail(in.OrganizerEmail)
	in.AttendeeEmails = normalizeEmails(in.AttendeeEmails)

	if err := s.validate.Struct(in); err != nil {
		s.metrics.RecordBookingOutcome(opCreate, metrics.ResultValidation)
		return nil, validationError(err)
	}
	start, err := ParseStartTime(in.StartTime)
	if err != nil {
		s.metrics.RecordBookingOutcome(opCreate, metrics.ResultValidation)
		return nil, err
	}

	token, err := s.authenticate(ctx, opCreate)
	if err != nil {
		return nil, err
	}

	schedule, err := s.meetings.ListByParticipant(ctx, in.OrganizerEmail)
	if err != nil {
		return nil, s.persistenceFailure(opCreate, "主催者の予定の取得に失敗しました", err)
	}
	if !availability.IsSlotFree(schedule, start) {
		s.metrics.RecordBookingOutcome(opCreate, metrics.ResultConflict)
		return nil, model.NewConflictError()
	}

	end := start.Add(model.MeetingDuration)
	b := &model.Booking{
		OrganizerEmail: in.OrganizerEmail,
		StartTime:      start,
		EndTime:        end,
		Title:          in.Title,
		Description:    in.Description,
	}
	if err := s.bookings.Reserve(ctx, b); err != nil {
		if errors.Is(err, repository.ErrSlotTaken) {
			s.metrics.RecordBookingOutcome(opCreate, metrics.ResultConflict)
			return nil, model.NewConflictError()
		}
		return nil, s.persistenceFailure(opCreate, "予約枠の確保に失敗しました", err)
	}

	// 会議サービスを呼び出した後は、呼び出し元が切断しても最後まで処理する
	ctx = context.WithoutCancel(ctx)

	created, err := s.conf.CreateMeeting(ctx, token, conferencing.CreateMeetingRequest{
		OrganizerEmail:   in.OrganizerEmail,
		AttendeeEmails:   in.AttendeeEmails,
		Title:            in.Title,
		Description:      in.Description,
		StartTime:        start,
		AlternativeHosts: s.alternativeHosts,
	})
	if err != nil {
		s.logger.Error("会議サービスでの会議作成に失敗しました",
			slog.String("booking_id", b.ID),
			slog.String("organizer_email", in.OrganizerEmail),
			slog.String("error", err.Error()),
		)
		if markErr := s.bookings.MarkStatus(ctx, b.ID, model.BookingStatusRejected, model.BookingOpCreate, err.Error()); markErr != nil {
			s.logger.Error("予約の却下記録に失敗しました",
				slog.String("booking_id", b.ID),
				slog.String("error", markErr.Error()),
			)
		}
		s.metrics.RecordBookingOutcome(opCreate, metrics.ResultRemoteError)
		return nil, model.NewRemoteServiceError()
	}

	meeting := model.Meeting{
		MeetingID:      created.RemoteMeetingID,
		OrganizerEmail: in.OrganizerEmail,
		AttendeeEmails: in.AttendeeEmails,
		Title:          in.Title,
		Description:    in.Description,
		StartTime:      start,
		EndTime:        end,
		JoinLink:       created.JoinLink,
	}
	rows := model.ExpandRows(meeting, s.now().UTC())

	if err := s.bookings.Activate(ctx, b.ID, created.RemoteMeetingID, created.HostStartURL, rows); err != nil {
		s.logger.Error("会議は作成されたがローカルへの記録に失敗しました",
			slog.String("booking_id", b.ID),
			slog.String("meeting_id", created.RemoteMeetingID),
			slog.String("error", err.Error()),
		)
		if markErr := s.bookings.MarkRemoteOrphan(ctx, b.ID, created.RemoteMeetingID, err.Error()); markErr != nil {
			s.logger.Error("予約の孤立状態の記録に失敗しました",
				slog.String("booking_id", b.ID),
				slog.String("meeting_id", created.RemoteMeetingID),
				slog.String("error", markErr.Error()),
			)
		}
		s.metrics.RecordBookingOutcome(opCreate, metrics.ResultOrphaned)
		return nil, model.NewOrphanedError()
	}

	s.logger.Info("会議を予約しました",
		slog.String("meeting_id", created.RemoteMeetingID),
		slog.String("organizer_email", in.OrganizerEmail),
		slog.Int("rows", len(rows)),
	)
	s.metrics.RecordBookingOutcome(opCreate, metrics.ResultSuccess)

	return &CreateResult{
		MeetingID: created.RemoteMeetingID,
		JoinLink:  created.JoinLink,
		StartTime: start,
		EndTime:   end,
	}, nil
}

// Cancel は会議を会議サービスとローカルの両方から削除する。
// 呼び出し元は編集権限を持つ参加者でなければならない。
func (s *Service) Cancel(ctx context.Context, caller model.Caller, meetingID string) error {
	if meetingID == "" {
		s.metrics.RecordBookingOutcome(opCancel, metrics.ResultValidation)
		return model.NewValidationError(reasonMeetingID)
	}
	if _, err := s.authorize(ctx, opCancel, caller, meetingID); err != nil {
		return err
	}

	token, err := s.authenticate(ctx, opCancel)
	if err != nil {
		return err
	}

	ctx = context.WithoutCancel(ctx)

	if err := s.conf.DeleteMeeting(ctx, token, meetingID); err != nil {
		s.logger.Error("会議サービスでの会議削除に失敗しました",
			slog.String("meeting_id", meetingID),
			slog.String("error", err.Error()),
		)
		s.metrics.RecordBookingOutcome(opCancel, metrics.ResultRemoteError)
		return model.NewRemoteServiceError()
	}

	if err := s.bookings.Cancel(ctx, meetingID); err != nil {
		s.markInconsistent(ctx, meetingID, model.BookingOpCancel, err)
		s.metrics.RecordBookingOutcome(opCancel, metrics.ResultInconsistent)
		return model.NewInconsistentError()
	}

	s.logger.Info("会議を取り消しました",
		slog.String("meeting_id", meetingID),
		slog.String("user_email", caller.Email),
	)
	s.metrics.RecordBookingOutcome(opCancel, metrics.ResultSuccess)
	return nil
}

// Update は会議の開始時刻・タイトル・説明を変更する。
// 変更後の時刻が主催者の他の会議や作成途中の予約と重なる場合は ConflictError を返し、
// 会議サービスは呼び出さない。
func (s *Service) Update(ctx context.Context, caller model.Caller, in UpdateInput) error {
	in.Title = s.sanitizer.Sanitize(in.Title)
	in.Description = s.sanitizer.Sanitize(in.Description)

	if err := s.validate.Struct(in); err != nil {
		s.metrics.RecordBookingOutcome(opUpdate, metrics.ResultValidation)
		return validationError(err)
	}
	start, err := ParseStartTime(in.StartTime)
	if err != nil {
		s.metrics.RecordBookingOutcome(opUpdate, metrics.ResultValidation)
		return err
	}

	rows, err := s.authorize(ctx, opUpdate, caller, in.MeetingID)
	if err != nil {
		return err
	}

	organizer := rows[0].OrganizerEmail
	schedule, err := s.meetings.ListByParticipant(ctx, organizer)
	if err != nil {
		return s.persistenceFailure(opUpdate, "主催者の予定の取得に失敗しました", err)
	}
	if !availability.IsSlotFree(availability.Without(schedule, in.MeetingID), start) {
		s.metrics.RecordBookingOutcome(opUpdate, metrics.ResultConflict)
		return model.NewConflictError()
	}

	token, err := s.authenticate(ctx, opUpdate)
	if err != nil {
		return err
	}

	update := model.MeetingUpdate{
		StartTime:   start,
		EndTime:     start.Add(model.MeetingDuration),
		Title:       in.Title,
		Description: in.Description,
	}
	if err := s.bookings.ReserveUpdate(ctx, in.MeetingID, organizer, update.StartTime, update.EndTime); err != nil {
		if errors.Is(err, repository.ErrSlotTaken) {
			s.metrics.RecordBookingOutcome(opUpdate, metrics.ResultConflict)
			return model.NewConflictError()
		}
		return s.persistenceFailure(opUpdate, "変更先の枠の確保に失敗しました", err)
	}

	ctx = context.WithoutCancel(ctx)

	if err := s.conf.UpdateMeeting(ctx, token, in.MeetingID, conferencing.UpdateMeetingRequest{
		StartTime:   update.StartTime,
		Title:       update.Title,
		Description: update.Description,
	}); err != nil {
		s.logger.Error("会議サービスでの会議変更に失敗しました",
			slog.String("meeting_id", in.MeetingID),
			slog.String("error", err.Error()),
		)
		// 台帳の枠が戻らない場合はリコンサイルでリモートの状態に合わせる
		if restoreErr := s.bookings.RestoreSlot(ctx, in.MeetingID, rows[0].StartTime, rows[0].EndTime); restoreErr != nil {
			s.markInconsistent(ctx, in.MeetingID, model.BookingOpUpdate, restoreErr)
		}
		s.metrics.RecordBookingOutcome(opUpdate, metrics.ResultRemoteError)
		return model.NewRemoteServiceError()
	}

	if err := s.bookings.ApplyUpdate(ctx, in.MeetingID, update); err != nil {
		s.markInconsistent(ctx, in.MeetingID, model.BookingOpUpdate, err)
		s.metrics.RecordBookingOutcome(opUpdate, metrics.ResultInconsistent)
		return model.NewInconsistentError()
	}

	s.logger.Info("会議を変更しました",
		slog.String("meeting_id", in.MeetingID),
		slog.String("user_email", caller.Email),
	)
	s.metrics.RecordBookingOutcome(opUpdate, metrics.ResultSuccess)
	return nil
}

// ListMeetings は email が主催者または参加者である会議を返す。
// 呼び出し元が参加していない会議の参加リンクは返さない。
func (s *Service) ListMeetings(ctx context.Context, caller model.Caller, email string) ([]model.Meeting, error) {
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}

	meetings, err := s.meetings.ListByParticipant(ctx, normalizeEmail(email))
	if err != nil {
		s.logger.Error("会議一覧の取得に失敗しました", slog.String("error", err.Error()))
		return nil, model.NewPersistenceError()
	}

	callerEmail := normalizeEmail(caller.Email)
	for i := range meetings {
		if !meetings[i].HasParticipant(callerEmail) {
			meetings[i].JoinLink = ""
			meetings[i].Editable = false
		}
	}
	return meetings, nil
}

// DayAvailability は主催者（と任意の参加者）の予定から day の24枠の空き状況を返す。
// 枠は day.Location() の暦日で構成される。
func (s *Service) DayAvailability(ctx context.Context, organizerEmail, participantEmail string, day time.Time) ([]SlotAvailability, error) {
	if err := ValidateEmail(organizerEmail); err != nil {
		return nil, err
	}

	organizerSchedule, err := s.meetings.ListByParticipant(ctx, normalizeEmail(organizerEmail))
	if err != nil {
		s.logger.Error("主催者の予定の取得に失敗しました", slog.String("error", err.Error()))
		return nil, model.NewPersistenceError()
	}

	var participantSchedule []model.Meeting
	if participantEmail != "" {
		participantSchedule, err = s.meetings.ListByParticipant(ctx, normalizeEmail(participantEmail))
		if err != nil {
			s.logger.Error("参加者の予定の取得に失敗しました", slog.String("error", err.Error()))
			return nil, model.NewPersistenceError()
		}
	}

	grid := availability.BuildDayGrid(day, organizerSchedule, participantSchedule)
	slots := availability.Slots(day)
	result := make([]SlotAvailability, len(slots))
	for i, start := range slots {
		result[i] = SlotAvailability{Start: start, Available: grid[i]}
	}
	return result, nil
}

// ParseDay は YYYY-MM-DD 形式の日付と IANA タイムゾーン名から暦日の0時を返す。
// tz が空の場合はUTCとする。
func ParseDay(date, tz string) (time.Time, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, model.NewValidationError(reasonTimezone)
		}
		loc = l
	}
	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return time.Time{}, model.NewValidationError(reasonDate)
	}
	return day, nil
}

// authorize は呼び出し元が会議の編集権限を持つ参加者であることを確認し、会議の全行を返す。
// 会議が存在しない場合と権限がない場合は区別せず NotFound を返す。
func (s *Service) authorize(ctx context.Context, op string, caller model.Caller, meetingID string) ([]model.MeetingRow, error) {
	email := normalizeEmail(caller.Email)
	if email == "" {
		return nil, model.NewUnauthorizedError()
	}

	rows, err := s.meetings.FindByMeetingID(ctx, meetingID)
	if err != nil {
		return nil, s.persistenceFailure(op, "会議の取得に失敗しました", err)
	}
	for _, r := range rows {
		if r.UserEmail == email && r.AllowedToEdit {
			return rows, nil
		}
	}
	s.metrics.RecordBookingOutcome(op, metrics.ResultNotFound)
	return nil, model.NewMeetingNotFoundError(meetingID)
}

func (s *Service) authenticate(ctx context.Context, op string) (conferencing.Token, error) {
	token, err := s.auth.Authenticate(ctx)
	if err != nil {
		s.logger.Error("会議サービスの認証に失敗しました",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		s.metrics.RecordBookingOutcome(op, metrics.ResultRemoteError)
		return "", model.NewRemoteAuthError()
	}
	return token, nil
}

func (s *Service) persistenceFailure(op, msg string, err error) error {
	s.logger.Error(msg,
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	s.metrics.RecordBookingOutcome(op, metrics.ResultPersistence)
	return model.NewPersistenceError()
}

// markInconsistent はリモート操作後にローカル反映が失敗した予約を inconsistent として記録する。
// 台帳に予約がない場合はログのみ残す。
func (s *Service) markInconsistent(ctx context.Context, meetingID string, op model.BookingOperation, cause error) {
	s.logger.Error("会議サービスへの反映後にローカルの更新に失敗しました",
		slog.String("meeting_id", meetingID),
		slog.String("operation", string(op)),
		slog.String("error", cause.Error()),
	)

	b, err := s.bookings.FindByRemoteMeetingID(ctx, meetingID)
	if err != nil || b == nil {
		s.logger.Error("不整合状態を台帳に記録できませんでした",
			slog.String("meeting_id", meetingID),
			slog.Any("error", err),
		)
		return
	}
	if err := s.bookings.MarkStatus(ctx, b.ID, model.BookingStatusInconsistent, op, fmt.Sprintf("%s: %v", op, cause)); err != nil {
		s.logger.Error("不整合状態の記録に失敗しました",
			slog.String("booking_id", b.ID),
			slog.String("error", err.Error()),
		)
	}
}
