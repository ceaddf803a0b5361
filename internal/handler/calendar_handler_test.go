package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"

	"github.com/hitoshi/coursemeet/internal/model"
)

func sampleMeetings() []model.Meeting {
	start := time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC)
	return []model.Meeting{
		{
			MeetingID:      "85746065432",
			OrganizerEmail: "instr@x.com",
			AttendeeEmails: []string{"a@x.com", "instr@x.com"},
			Title:          "Intro",
			Description:    "First chat",
			StartTime:      start,
			EndTime:        start.Add(time.Hour),
			JoinLink:       "https://conf.example/j/85746065432",
		},
	}
}

func TestBuildCalendar_EncodesEvents(t *testing.T) {
	stamp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cal := BuildCalendar(sampleMeetings(), stamp)

	events := cal.Events()
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	ev := events[0]

	if uid, _ := ev.Props.Text(ical.PropUID); uid != "85746065432@coursemeet" {
		t.Errorf("UID = %q", uid)
	}
	if summary, _ := ev.Props.Text(ical.PropSummary); summary != "Intro" {
		t.Errorf("SUMMARY = %q", summary)
	}
	start, err := ev.DateTimeStart(time.UTC)
	if err != nil || !start.Equal(time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC)) {
		t.Errorf("DTSTART = %v, %v", start, err)
	}
	end, err := ev.DateTimeEnd(time.UTC)
	if err != nil || !end.Equal(time.Date(2024, 1, 10, 16, 0, 0, 0, time.UTC)) {
		t.Errorf("DTEND = %v, %v", end, err)
	}
	if loc, _ := ev.Props.Text(ical.PropLocation); loc != "https://conf.example/j/85746065432" {
		t.Errorf("LOCATION = %q", loc)
	}
	// 主催者は ATTENDEE に含めない
	if n := len(ev.Props.Values(ical.PropAttendee)); n != 1 {
		t.Errorf("ATTENDEE count = %d, want 1", n)
	}
}

func TestBuildCalendar_ParticipantsAreCalendarAddresses(t *testing.T) {
	cal := BuildCalendar(sampleMeetings(), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ev := cal.Events()[0]

	organizer := ev.Props.Get(ical.PropOrganizer)
	if organizer == nil || organizer.Value != "mailto:instr@x.com" {
		t.Fatalf("ORGANIZER = %+v", organizer)
	}
	attendee := ev.Props.Get(ical.PropAttendee)
	if attendee == nil || attendee.Value != "mailto:a@x.com" {
		t.Fatalf("ATTENDEE = %+v", attendee)
	}
	for _, p := range []*ical.Prop{organizer, attendee} {
		if vt := p.ValueType(); vt != ical.ValueCalendarAddress {
			t.Errorf("%s value type = %s, want CAL-ADDRESS", p.Name, vt)
		}
		if v := p.Params.Get(ical.ParamValue); v != "" {
			t.Errorf("%s VALUE param = %q, want none", p.Name, v)
		}
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		t.Fatalf("Encode がエラーを返した: %v", err)
	}
	ics := buf.String()
	for _, want := range []string{"ORGANIZER:mailto:instr@x.com\r\n", "ATTENDEE:mailto:a@x.com\r\n"} {
		if !strings.Contains(ics, want) {
			t.Errorf("ics does not contain %q:\n%s", want, ics)
		}
	}
	if strings.Contains(ics, "VALUE=TEXT") {
		t.Errorf("ics should not contain VALUE=TEXT:\n%s", ics)
	}
}

func TestCalendarExport_WritesICS(t *testing.T) {
	svc := &mockMeetingService{
		listMeetingsFn: func(ctx context.Context, caller model.Caller, email string) ([]model.Meeting, error) {
			return sampleMeetings(), nil
		},
	}
	h := NewCalendarHandler(svc, nil)

	w := httptest.NewRecorder()
	h.Export(w, withCaller(httptest.NewRequest(http.MethodGet, "/meetings/calendar.ics?email=a@x.com", nil)))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/calendar; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}

	cal, err := ical.NewDecoder(resp.Body).Decode()
	if err != nil {
		t.Fatalf("failed to decode calendar: %v", err)
	}
	if len(cal.Events()) != 1 {
		t.Errorf("len(events) = %d, want 1", len(cal.Events()))
	}
}

func TestCalendarExport_ServiceError(t *testing.T) {
	svc := &mockMeetingService{
		listMeetingsFn: func(ctx context.Context, caller model.Caller, email string) ([]model.Meeting, error) {
			return nil, model.NewValidationError("Email not valid")
		},
	}
	h := NewCalendarHandler(svc, nil)

	w := httptest.NewRecorder()
	h.Export(w, withCaller(httptest.NewRequest(http.MethodGet, "/meetings/calendar.ics?email=short", nil)))

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}
