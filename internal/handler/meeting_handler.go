package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/coursemeet/internal/booking"
	"github.com/hitoshi/coursemeet/internal/middleware"
	"github.com/hitoshi/coursemeet/internal/model"
)

// 成功時のstatusフィールドの値。
const (
	statusCompleted = "completed"
	statusDeleted   = "deleted"
)

// MeetingServiceInterface は会議ハンドラーが必要とするサービスインターフェース。
type MeetingServiceInterface interface {
	Create(ctx context.Context, in booking.CreateInput) (*booking.CreateResult, error)
	Cancel(ctx context.Context, caller model.Caller, meetingID string) error
	Update(ctx context.Context, caller model.Caller, in booking.UpdateInput) error
	ListMeetings(ctx context.Context, caller model.Caller, email string) ([]model.Meeting, error)
	DayAvailability(ctx context.Context, organizerEmail, participantEmail string, day time.Time) ([]booking.SlotAvailability, error)
}

// MeetingHandler は会議予約のHTTPハンドラー。
type MeetingHandler struct {
	service MeetingServiceInterface
	logger  *slog.Logger
}

// NewMeetingHandler はMeetingHandlerを生成する。
func NewMeetingHandler(service MeetingServiceInterface, logger *slog.Logger) *MeetingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeetingHandler{service: service, logger: logger}
}

// createMeetingRequest は会議予約リクエストのボディ。
type createMeetingRequest struct {
	AttendeeEmails     []string `json:"attendee_emails"`
	StartTime          string   `json:"start_time"`
	MeetingTitle       string   `json:"meeting_title"`
	MeetingDescription string   `json:"meeting_description"`
	AdminEmail         string   `json:"adminEmail"`
}

// updateMeetingRequest は会議変更リクエストのボディ。
type updateMeetingRequest struct {
	StartTime          string `json:"start_time"`
	MeetingTitle       string `json:"meeting_title"`
	MeetingDescription string `json:"meeting_description"`
}

// successResponse は成功時のレスポンス。
// 既存クライアントとの互換のため error と meetingLink は常に含める。
type successResponse struct {
	Status      string     `json:"status"`
	Error       bool       `json:"error"`
	MeetingLink *string    `json:"meetingLink"`
	MeetingID   string     `json:"meeting_id,omitempty"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
}

// listMeetingsResponse は会議一覧のレスポンス。
type listMeetingsResponse struct {
	successResponse
	MeetingsData []meetingResponse `json:"meetingsData"`
}

// meetingResponse は会議一覧の1件。
type meetingResponse struct {
	MeetingID          string    `json:"meeting_id"`
	OrganizerEmail     string    `json:"organizer_email"`
	AttendeeEmails     []string  `json:"attendee_emails"`
	MeetingTitle       string    `json:"meeting_title"`
	MeetingDescription string    `json:"meeting_description"`
	StartTime          time.Time `json:"start_time"`
	EndTime            time.Time `json:"end_time"`
	JoinLink           *string   `json:"join_link"`
	AllowedToEdit      bool      `json:"allowed_to_edit"`
}

// availabilityResponse は空き状況のレスポンス。
type availabilityResponse struct {
	Status string         `json:"status"`
	Date   string         `json:"date"`
	Slots  []slotResponse `json:"slots"`
}

type slotResponse struct {
	Start     time.Time `json:"start"`
	Available bool      `json:"available"`
}

// ListMeetings は email が参加する会議の一覧を返す。
// GET /meetings?email=
func (h *MeetingHandler) ListMeetings(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	email := r.URL.Query().Get("email")
	if email == "" {
		email = caller.Email
	}

	meetings, err := h.service.ListMeetings(r.Context(), caller, email)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	data := make([]meetingResponse, len(meetings))
	for i, m := range meetings {
		data[i] = toMeetingResponse(m)
	}

	writeJSON(w, http.StatusOK, listMeetingsResponse{
		successResponse: successResponse{Status: statusCompleted},
		MeetingsData:    data,
	})
}

// CreateMeeting は会議を予約する。
// POST /meetings
func (h *MeetingHandler) CreateMeeting(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.caller(w, r); !ok {
		return
	}

	var req createMeetingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteAPIError(w, model.NewValidationError("Request body must be valid JSON"))
		return
	}

	result, err := h.service.Create(r.Context(), booking.CreateInput{
		AttendeeEmails: req.AttendeeEmails,
		StartTime:      req.StartTime,
		Title:          req.MeetingTitle,
		Description:    req.MeetingDescription,
		OrganizerEmail: req.AdminEmail,
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	link := result.JoinLink
	writeJSON(w, http.StatusOK, successResponse{
		Status:      statusCompleted,
		MeetingLink: &link,
		MeetingID:   result.MeetingID,
		StartTime:   &result.StartTime,
		EndTime:     &result.EndTime,
	})
}

// DeleteMeeting は会議を取り消す。
// DELETE /meetings?meeting_id=
func (h *MeetingHandler) DeleteMeeting(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	if err := h.service.Cancel(r.Context(), caller, r.URL.Query().Get("meeting_id")); err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Status: statusDeleted})
}

// UpdateMeeting は会議の開始時刻・タイトル・説明を変更する。
// PATCH /meetings?meeting_id=
func (h *MeetingHandler) UpdateMeeting(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req updateMeetingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteAPIError(w, model.NewValidationError("Request body must be valid JSON"))
		return
	}

	err := h.service.Update(r.Context(), caller, booking.UpdateInput{
		MeetingID:   r.URL.Query().Get("meeting_id"),
		StartTime:   req.StartTime,
		Title:       req.MeetingTitle,
		Description: req.MeetingDescription,
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Status: statusCompleted})
}

// Availability は主催者の1日分（24枠）の空き状況を返す。
// 呼び出し元自身の予定も考慮する。
// GET /meetings/availability?organizer_email=&date=&tz=
func (h *MeetingHandler) Availability(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	day, err := booking.ParseDay(q.Get("date"), q.Get("tz"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	slots, err := h.service.DayAvailability(r.Context(), q.Get("organizer_email"), caller.Email, day)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	resp := availabilityResponse{
		Status: statusCompleted,
		Date:   day.Format("2006-01-02"),
		Slots:  make([]slotResponse, len(slots)),
	}
	for i, s := range slots {
		resp.Slots[i] = slotResponse{Start: s.Start, Available: s.Available}
	}
	writeJSON(w, http.StatusOK, resp)
}

// caller はコンテキストから呼び出し元を取り出す。取り出せない場合は401を書き込む。
func (h *MeetingHandler) caller(w http.ResponseWriter, r *http.Request) (model.Caller, bool) {
	caller, err := middleware.CallerFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return model.Caller{}, false
	}
	return caller, true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPレスポンスに変換する。
func (h *MeetingHandler) handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteAPIError(w, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	h.logger.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

func toMeetingResponse(m model.Meeting) meetingResponse {
	resp := meetingResponse{
		MeetingID:          m.MeetingID,
		OrganizerEmail:     m.OrganizerEmail,
		AttendeeEmails:     m.AttendeeEmails,
		MeetingTitle:       m.Title,
		MeetingDescription: m.Description,
		StartTime:          m.StartTime,
		EndTime:            m.EndTime,
		AllowedToEdit:      m.Editable,
	}
	if m.JoinLink != "" {
		link := m.JoinLink
		resp.JoinLink = &link
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
