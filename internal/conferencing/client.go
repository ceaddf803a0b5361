// Package conferencing は外部ビデオ会議サービス（Zoom互換REST API）との連携を提供する。
// 認証トークンの発行と会議の作成・変更・削除・取得を含み、ローカル状態は一切変更しない。
package conferencing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/coursemeet/internal/metrics"
	"github.com/hitoshi/coursemeet/internal/model"
)

const (
	// DefaultTimeout は会議サービス呼び出しのデフォルトタイムアウト。
	DefaultTimeout = 10 * time.Second

	// scheduledMeetingType は日時指定会議を表す会議種別。
	scheduledMeetingType = 2
	// maxErrorBodySize はエラーレスポンスから読み取る最大バイト数。
	maxErrorBodySize = 4096
	userAgent        = "coursemeet/1.0"
)

// CreateMeetingRequest は会議作成の入力。
type CreateMeetingRequest struct {
	OrganizerEmail   string
	AttendeeEmails   []string
	Title            string
	Description      string
	StartTime        time.Time
	AlternativeHosts []string
}

// CreatedMeeting は会議作成の結果。
type CreatedMeeting struct {
	RemoteMeetingID string
	JoinLink        string
	HostStartURL    string
}

// UpdateMeetingRequest は会議変更の入力。
type UpdateMeetingRequest struct {
	StartTime   time.Time
	Title       string
	Description string
}

// RemoteMeeting は会議サービス上の会議。
type RemoteMeeting struct {
	RemoteMeetingID string
	Title           string
	Description     string
	StartTime       time.Time
	JoinLink        string
	Status          string
}

type invitee struct {
	Email string `json:"email"`
}

type meetingSettings struct {
	AlternativeHosts             string    `json:"alternative_hosts,omitempty"`
	ContactEmail                 string    `json:"contact_email,omitempty"`
	ContactName                  string    `json:"contact_name,omitempty"`
	EmailNotification            bool      `json:"email_notification"`
	EncryptionType               string    `json:"encryption_type"`
	HostVideo                    *bool     `json:"host_video,omitempty"`
	JoinBeforeHost               *bool     `json:"join_before_host,omitempty"`
	MeetingInvitees              []invitee `json:"meeting_invitees,omitempty"`
	RegistrantsConfirmationEmail *bool     `json:"registrants_confirmation_email,omitempty"`
	WaitingRoom                  *bool     `json:"waiting_room,omitempty"`
}

type meetingPayload struct {
	Agenda    string          `json:"agenda"`
	Topic     string          `json:"topic"`
	Type      int             `json:"type"`
	StartTime string          `json:"start_time"`
	Duration  int             `json:"duration,omitempty"`
	Timezone  string          `json:"timezone"`
	Settings  meetingSettings `json:"settings"`
}

type meetingResponse struct {
	ID        json.Number `json:"id"`
	Agenda    string      `json:"agenda"`
	Topic     string      `json:"topic"`
	StartTime string      `json:"start_time"`
	JoinURL   string      `json:"join_url"`
	StartURL  string      `json:"start_url"`
	Status    string      `json:"status"`
}

// Client は会議サービスAPIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	baseURL    string
}

// NewHTTPClient はタイムアウト付きのhttp.Clientを生成する。timeoutが0以下の場合はDefaultTimeoutを使う。
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// NewClient はClientの新しいインスタンスを生成する。
// mc がnilの場合はメトリクスを記録しない。
func NewClient(httpClient *http.Client, baseURL string, logger *slog.Logger, mc metrics.MetricsCollector) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultTimeout)
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    mc,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// CreateMeeting は日時指定の60分会議を作成し、会議IDと参加リンクを返す。
func (c *Client) CreateMeeting(ctx context.Context, token Token, req CreateMeetingRequest) (*CreatedMeeting, error) {
	invitees := make([]invitee, 0, len(req.AttendeeEmails))
	for _, e := range req.AttendeeEmails {
		invitees = append(invitees, invitee{Email: e})
	}

	payload := meetingPayload{
		Agenda:    req.Title,
		Topic:     req.Description,
		Type:      scheduledMeetingType,
		StartTime: req.StartTime.UTC().Format(time.RFC3339),
		Duration:  int(model.MeetingDuration / time.Minute),
		Timezone:  "UTC",
		Settings: meetingSettings{
			AlternativeHosts:             strings.Join(req.AlternativeHosts, ";"),
			ContactEmail:                 req.OrganizerEmail,
			ContactName:                  contactName(req.OrganizerEmail),
			EmailNotification:            true,
			EncryptionType:               "enhanced_encryption",
			HostVideo:                    boolPtr(true),
			JoinBeforeHost:               boolPtr(false),
			MeetingInvitees:              invitees,
			RegistrantsConfirmationEmail: boolPtr(true),
			WaitingRoom:                  boolPtr(false),
		},
	}

	var resp meetingResponse
	if err := c.do(ctx, "create", http.MethodPost, "/users/me/meetings", token, payload, &resp); err != nil {
		return nil, err
	}
	if resp.ID.String() == "" {
		return nil, &RemoteServiceError{Operation: "create", Err: errors.New("レスポンスに会議IDが含まれていません")}
	}

	return &CreatedMeeting{
		RemoteMeetingID: resp.ID.String(),
		JoinLink:        resp.JoinURL,
		HostStartURL:    resp.StartURL,
	}, nil
}

// UpdateMeeting は会議の開始時刻・タイトル・説明を変更する。
func (c *Client) UpdateMeeting(ctx context.Context, token Token, remoteMeetingID string, req UpdateMeetingRequest) error {
	payload := meetingPayload{
		Agenda:    req.Title,
		Topic:     req.Description,
		Type:      scheduledMeetingType,
		StartTime: req.StartTime.UTC().Format(time.RFC3339),
		Duration:  int(model.MeetingDuration / time.Minute),
		Timezone:  "UTC",
		Settings: meetingSettings{
			EmailNotification: true,
			EncryptionType:    "enhanced_encryption",
		},
	}
	return c.do(ctx, "update", http.MethodPatch, meetingPath(remoteMeetingID), token, payload, nil)
}

// DeleteMeeting は会議を削除する。会議が既に存在しない（404）場合も成功として扱う。
func (c *Client) DeleteMeeting(ctx context.Context, token Token, remoteMeetingID string) error {
	err := c.do(ctx, "delete", http.MethodDelete, meetingPath(remoteMeetingID), token, nil, nil)
	var rse *RemoteServiceError
	if errors.As(err, &rse) && rse.StatusCode == http.StatusNotFound {
		c.logger.Info("削除対象の会議は既に存在しません",
			slog.String("meeting_id", remoteMeetingID),
		)
		return nil
	}
	return err
}

// GetMeeting は会議を取得する。存在しない場合は StatusCode 404 の RemoteServiceError を返す。
func (c *Client) GetMeeting(ctx context.Context, token Token, remoteMeetingID string) (*RemoteMeeting, error) {
	var resp meetingResponse
	if err := c.do(ctx, "get", http.MethodGet, meetingPath(remoteMeetingID), token, nil, &resp); err != nil {
		return nil, err
	}

	m := &RemoteMeeting{
		RemoteMeetingID: resp.ID.String(),
		Title:           resp.Agenda,
		Description:     resp.Topic,
		JoinLink:        resp.JoinURL,
		Status:          resp.Status,
	}
	if resp.StartTime != "" {
		if t, err := time.Parse(time.RFC3339, resp.StartTime); err == nil {
			m.StartTime = t.UTC()
		}
	}
	return m, nil
}

// IsNotFound は err が会議サービスの404応答を表すかを返す。
func IsNotFound(err error) bool {
	var rse *RemoteServiceError
	return errors.As(err, &rse) && rse.StatusCode == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, op, method, path string, token Token, body, out any) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordRemoteCall(op, time.Since(start), err)
	}()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &RemoteServiceError{Operation: op, Err: fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err)}
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &RemoteServiceError{Operation: op, Err: fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+string(token))
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("会議サービスの呼び出しに失敗しました",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		return &RemoteServiceError{Operation: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if resp.StatusCode != http.StatusNotFound {
			c.logger.Error("会議サービスがエラーステータスを返しました",
				slog.String("operation", op),
				slog.Int("http_status", resp.StatusCode),
				slog.String("body", string(detail)),
			)
		}
		return &RemoteServiceError{
			Operation:  op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", http.StatusText(resp.StatusCode)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RemoteServiceError{Operation: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)}
	}
	return nil
}

func meetingPath(remoteMeetingID string) string {
	return "/meetings/" + url.PathEscape(remoteMeetingID)
}

func contactName(email string) string {
	name, _, _ := strings.Cut(email, "@")
	return name
}

func boolPtr(b bool) *bool { return &b }
