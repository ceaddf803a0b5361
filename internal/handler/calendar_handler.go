package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/emersion/go-ical"

	"github.com/hitoshi/coursemeet/internal/middleware"
	"github.com/hitoshi/coursemeet/internal/model"
)

const calendarProductID = "-//coursemeet//EN"

// CalendarHandler は会議一覧をiCalendar形式で提供するHTTPハンドラー。
type CalendarHandler struct {
	service MeetingServiceInterface
	logger  *slog.Logger
	now     func() time.Time
}

// NewCalendarHandler はCalendarHandlerを生成する。
func NewCalendarHandler(service MeetingServiceInterface, logger *slog.Logger) *CalendarHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CalendarHandler{service: service, logger: logger, now: time.Now}
}

// Export は email が参加する会議をVEVENTとして書き出す。
// GET /meetings/calendar.ics?email=
func (h *CalendarHandler) Export(w http.ResponseWriter, r *http.Request) {
	caller, err := middleware.CallerFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return
	}

	email := r.URL.Query().Get("email")
	if email == "" {
		email = caller.Email
	}

	meetings, err := h.service.ListMeetings(r.Context(), caller, email)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			middleware.WriteAPIError(w, apiErr)
			return
		}
		h.logger.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	cal := BuildCalendar(meetings, h.now())

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="meetings.ics"`)
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		h.logger.Error("iCalendarの書き出しに失敗しました", slog.String("error", err.Error()))
	}
}

// BuildCalendar は会議一覧からVCALENDARを組み立てる。
func BuildCalendar(meetings []model.Meeting, stamp time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, calendarProductID)
	for _, m := range meetings {
		cal.Children = append(cal.Children, toVEvent(m, stamp))
	}
	return cal
}

func toVEvent(m model.Meeting, stamp time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, m.MeetingID+"@coursemeet")
	ve.Props.SetText(ical.PropSummary, m.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, m.StartTime.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, m.EndTime.UTC())

	if m.Description != "" {
		ve.Props.SetText(ical.PropDescription, m.Description)
	}
	if m.JoinLink != "" {
		ve.Props.SetText(ical.PropLocation, m.JoinLink)
	}
	if m.OrganizerEmail != "" {
		ve.Props.Add(calAddress(ical.PropOrganizer, m.OrganizerEmail))
	}
	for _, attendee := range m.AttendeeEmails {
		if attendee == m.OrganizerEmail {
			continue
		}
		ve.Props.Add(calAddress(ical.PropAttendee, attendee))
	}
	return ve
}

// calAddress は mailto: URI を値に持つ CAL-ADDRESS 型のプロパティを返す。
// CAL-ADDRESS は ORGANIZER / ATTENDEE の既定の型のため VALUE パラメータは付かない。
func calAddress(name, email string) *ical.Prop {
	p := ical.NewProp(name)
	p.SetValueType(ical.ValueCalendarAddress)
	p.Value = fmt.Sprintf("mailto:%s", email)
	return p
}
