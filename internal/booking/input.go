package booking

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/coursemeet/internal/model"
)

// CreateInput は会議予約の入力。
// タイトルと説明はHTML除去後の文字数で検証する。
type CreateInput struct {
	AttendeeEmails []string `validate:"min=1,dive,required,email,max=320"`
	StartTime      string   `validate:"required"`
	Title          string   `validate:"min=3,max=300"`
	Description    string   `validate:"min=5"`
	OrganizerEmail string   `validate:"min=10,max=320"`
}

// UpdateInput は会議変更の入力。
type UpdateInput struct {
	MeetingID   string `validate:"required"`
	StartTime   string `validate:"required"`
	Title       string `validate:"min=3,max=300"`
	Description string `validate:"min=5"`
}

// メールアドレスの文字数の範囲。上限は scheduled_meetings.user_email の列幅。
const (
	minEmailLength = 10
	maxEmailLength = 320
)

// 検証エラー時に利用者へ返す理由。
const (
	reasonAttendees   = "Attendee emails must be valid addresses of at most 320 characters"
	reasonEmail       = "Email not valid"
	reasonTitle       = "Meeting title must be between 3 and 300 characters"
	reasonDescription = "Meeting description must be at least 5 characters"
	reasonStartTime   = "Start time must be an ISO 8601 timestamp"
	reasonMeetingID   = "meeting_id is required"
	reasonDate        = "Date must be in YYYY-MM-DD format"
	reasonTimezone    = "Unknown time zone"
)

var fieldReasons = map[string]string{
	"AttendeeEmails": reasonAttendees,
	"StartTime":      reasonStartTime,
	"Title":          reasonTitle,
	"Description":    reasonDescription,
	"OrganizerEmail": reasonEmail,
	"MeetingID":      reasonMeetingID,
}

// startTimeLayouts は受け付ける開始時刻の書式。
// RFC3339のほか、PostgreSQLのtimestamptz出力形式（例: 2023-03-16 22:21:48.819102+00）を受け付ける。
var startTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
}

// ParseStartTime は開始時刻文字列をUTCの時刻に変換する。
func ParseStartTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range startTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, model.NewValidationError(reasonStartTime)
}

// ValidateEmail は会議一覧・空き枠の照会に使うメールアドレスの長さを検証する。
// 長さは CreateInput.OrganizerEmail と同じく文字数で数える。
func ValidateEmail(email string) error {
	if n := utf8.RuneCountInString(normalizeEmail(email)); n < minEmailLength || n > maxEmailLength {
		return model.NewValidationError(reasonEmail)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeEmails(emails []string) []string {
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		if n := normalizeEmail(e); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// validationError は validator のエラーを利用者向けの ValidationError に変換する。
// 最初に失敗したフィールドの理由を返す。
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		field := verrs[0].StructNamespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		if j := strings.IndexByte(field, '['); j >= 0 {
			field = field[:j]
		}
		if reason, ok := fieldReasons[field]; ok {
			return model.NewValidationError(reason)
		}
	}
	return model.NewValidationError("Invalid request")
}
