package booking

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/coursemeet/internal/conferencing"
	"github.com/hitoshi/coursemeet/internal/model"
	"github.com/hitoshi/coursemeet/internal/repository"
	"github.com/hitoshi/coursemeet/internal/security"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// memStore は MeetingRepository と BookingRepository を1つのミューテックスで直列化するインメモリ実装。
// Reserve はPostgreSQLのアドバイザリロックと同様に、重複検査と追加を不可分に行う。
type memStore struct {
	mu       sync.Mutex
	rows     []model.MeetingRow
	bookings map[string]*model.Booking

	listErr        error
	activateErr    error
	cancelErr      error
	applyUpdateErr error
	restoreErr     error
}

func newMemStore() *memStore {
	return &memStore{bookings: make(map[string]*model.Booking)}
}

func (m *memStore) ListByParticipant(ctx context.Context, email string) ([]model.Meeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	ids := make(map[string]bool)
	for _, r := range m.rows {
		if r.UserEmail == email || r.OrganizerEmail == email {
			ids[r.MeetingID] = true
		}
	}
	var matched []model.MeetingRow
	for _, r := range m.rows {
		if ids[r.MeetingID] {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].StartTime.Before(matched[j].StartTime) })
	return model.GroupRows(matched, email), nil
}

func (m *memStore) FindByMeetingID(ctx context.Context, meetingID string) ([]model.MeetingRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.MeetingRow
	for _, r := range m.rows {
		if r.MeetingID == meetingID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) Insert(ctx context.Context, rows []model.MeetingRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	return nil
}

func (m *memStore) DeleteByMeetingID(ctx context.Context, meetingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteRowsLocked(meetingID)
	return nil
}

func (m *memStore) UpdateByMeetingID(ctx context.Context, meetingID string, u model.MeetingUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateRowsLocked(meetingID, u)
	return nil
}

func (m *memStore) Reserve(ctx context.Context, b *model.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.bookings {
		if existing.OrganizerEmail == b.OrganizerEmail && existing.Status.ClaimsSlot() &&
			existing.StartTime.Before(b.EndTime) && b.StartTime.Before(existing.EndTime) {
			return repository.ErrSlotTaken
		}
	}
	for _, r := range m.rows {
		if r.UserEmail == b.OrganizerEmail && r.StartTime.Before(b.EndTime) && b.StartTime.Before(r.EndTime) {
			return repository.ErrSlotTaken
		}
	}
	b.ID = fmt.Sprintf("booking-%d", len(m.bookings)+1)
	b.Status = model.BookingStatusPending
	b.LastOperation = model.BookingOpCreate
	copied := *b
	m.bookings[b.ID] = &copied
	return nil
}

func (m *memStore) ReserveUpdate(ctx context.Context, remoteID, organizer string, start, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.bookings {
		if existing.RemoteMeetingID != remoteID && existing.OrganizerEmail == organizer &&
			existing.Status.ClaimsSlot() && existing.StartTime.Before(end) && start.Before(existing.EndTime) {
			return repository.ErrSlotTaken
		}
	}
	for _, r := range m.rows {
		if r.MeetingID != remoteID && r.UserEmail == organizer && r.StartTime.Before(end) && start.Before(r.EndTime) {
			return repository.ErrSlotTaken
		}
	}
	for _, b := range m.bookings {
		if b.RemoteMeetingID == remoteID && b.Status.ClaimsSlot() {
			b.StartTime, b.EndTime = start, end
		}
	}
	return nil
}

func (m *memStore) RestoreSlot(ctx context.Context, remoteID string, start, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restoreErr != nil {
		return m.restoreErr
	}
	for _, b := range m.bookings {
		if b.RemoteMeetingID == remoteID && b.Status.ClaimsSlot() {
			b.StartTime, b.EndTime = start, end
		}
	}
	return nil
}

// reservePending は作成途中（pending）の予約を台帳に追加する。
func (m *memStore) reservePending(t *testing.T, organizer string, start time.Time) *model.Booking {
	t.Helper()
	b := &model.Booking{OrganizerEmail: organizer, StartTime: start, EndTime: start.Add(model.MeetingDuration)}
	if err := m.Reserve(context.Background(), b); err != nil {
		t.Fatalf("Reserve がエラーを返した: %v", err)
	}
	return b
}

// markBooking は台帳上の予約の状態を書き換える。
func (m *memStore) markBooking(bookingID string, status model.BookingStatus, remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bookings[bookingID]
	b.Status = status
	b.RemoteMeetingID = remoteID
}

func (m *memStore) Activate(ctx context.Context, bookingID, remoteID, hostStartURL string, rows []model.MeetingRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activateErr != nil {
		return m.activateErr
	}
	b, ok := m.bookings[bookingID]
	if !ok {
		return errors.New("booking not found")
	}
	m.rows = append(m.rows, rows...)
	b.RemoteMeetingID = remoteID
	b.HostStartURL = hostStartURL
	b.Status = model.BookingStatusActive
	return nil
}

func (m *memStore) MarkStatus(ctx context.Context, bookingID string, status model.BookingStatus, op model.BookingOperation, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return errors.New("booking not found")
	}
	b.Status = status
	b.LastOperation = op
	b.LastError = lastErr
	return nil
}

func (m *memStore) MarkRemoteOrphan(ctx context.Context, bookingID, remoteID, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return errors.New("booking not found")
	}
	b.RemoteMeetingID = remoteID
	b.Status = model.BookingStatusOrphaned
	b.LastError = lastErr
	return nil
}

func (m *memStore) FindByRemoteMeetingID(ctx context.Context, remoteID string) (*model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bookings {
		if b.RemoteMeetingID == remoteID {
			copied := *b
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memStore) ApplyUpdate(ctx context.Context, remoteID string, u model.MeetingUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyUpdateErr != nil {
		return m.applyUpdateErr
	}
	m.updateRowsLocked(remoteID, u)
	for _, b := range m.bookings {
		if b.RemoteMeetingID == remoteID {
			b.StartTime, b.EndTime, b.Title, b.Description = u.StartTime, u.EndTime, u.Title, u.Description
			b.LastOperation = model.BookingOpUpdate
		}
	}
	return nil
}

func (m *memStore) Cancel(ctx context.Context, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.deleteRowsLocked(remoteID)
	for _, b := range m.bookings {
		if b.RemoteMeetingID == remoteID {
			b.Status = model.BookingStatusCancelled
			b.LastOperation = model.BookingOpCancel
		}
	}
	return nil
}

func (m *memStore) ListForReconciliation(ctx context.Context, pendingBefore time.Time, limit int) ([]*model.Booking, error) {
	return nil, nil
}

func (m *memStore) deleteRowsLocked(meetingID string) {
	kept := m.rows[:0]
	for _, r := range m.rows {
		if r.MeetingID != meetingID {
			kept = append(kept, r)
		}
	}
	m.rows = kept
}

func (m *memStore) updateRowsLocked(meetingID string, u model.MeetingUpdate) {
	for i := range m.rows {
		if m.rows[i].MeetingID == meetingID {
			m.rows[i].StartTime = u.StartTime
			m.rows[i].EndTime = u.EndTime
			m.rows[i].Title = u.Title
			m.rows[i].Description = u.Description
		}
	}
}

func (m *memStore) rowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memStore) rowsFor(meetingID string) []model.MeetingRow {
	rows, _ := m.FindByMeetingID(context.Background(), meetingID)
	return rows
}

func (m *memStore) bookingByRemoteID(t *testing.T, remoteID string) *model.Booking {
	t.Helper()
	b, _ := m.FindByRemoteMeetingID(context.Background(), remoteID)
	if b == nil {
		t.Fatalf("booking for %s not found", remoteID)
	}
	return b
}

func (m *memStore) onlyBooking(t *testing.T) *model.Booking {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.bookings) != 1 {
		t.Fatalf("len(bookings) = %d, want 1", len(m.bookings))
	}
	for _, b := range m.bookings {
		copied := *b
		return &copied
	}
	return nil
}

// seedMeeting は有効な会議を行と台帳の両方に追加する。
func (m *memStore) seedMeeting(meeting model.Meeting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, model.ExpandRows(meeting, time.Now())...)
	id := fmt.Sprintf("booking-%d", len(m.bookings)+1)
	m.bookings[id] = &model.Booking{
		ID:              id,
		OrganizerEmail:  meeting.OrganizerEmail,
		RemoteMeetingID: meeting.MeetingID,
		StartTime:       meeting.StartTime,
		EndTime:         meeting.EndTime,
		Status:          model.BookingStatusActive,
		LastOperation:   model.BookingOpCreate,
	}
}

// mockConferencing は Conferencing のモック。
type mockConferencing struct {
	mu          sync.Mutex
	createCalls int
	updateCalls int
	deleteCalls int
	createFn    func(req conferencing.CreateMeetingRequest) (*conferencing.CreatedMeeting, error)
	updateFn    func(id string, req conferencing.UpdateMeetingRequest) error
	deleteFn    func(id string) error
}

func (m *mockConferencing) CreateMeeting(ctx context.Context, token conferencing.Token, req conferencing.CreateMeetingRequest) (*conferencing.CreatedMeeting, error) {
	m.mu.Lock()
	m.createCalls++
	n := m.createCalls
	m.mu.Unlock()
	if m.createFn != nil {
		return m.createFn(req)
	}
	id := fmt.Sprintf("9000%d", n)
	return &conferencing.CreatedMeeting{
		RemoteMeetingID: id,
		JoinLink:        "https://conf.example/j/" + id,
		HostStartURL:    "https://conf.example/s/" + id,
	}, nil
}

func (m *mockConferencing) UpdateMeeting(ctx context.Context, token conferencing.Token, id string, req conferencing.UpdateMeetingRequest) error {
	m.mu.Lock()
	m.updateCalls++
	m.mu.Unlock()
	if m.updateFn != nil {
		return m.updateFn(id, req)
	}
	return nil
}

func (m *mockConferencing) DeleteMeeting(ctx context.Context, token conferencing.Token, id string) error {
	m.mu.Lock()
	m.deleteCalls++
	m.mu.Unlock()
	if m.deleteFn != nil {
		return m.deleteFn(id)
	}
	return nil
}

func (m *mockConferencing) calls() (create, update, del int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls, m.updateCalls, m.deleteCalls
}

// mockAuthenticator は conferencing.Authenticator のモック。
type mockAuthenticator struct {
	err error
}

func (m *mockAuthenticator) Authenticate(ctx context.Context) (conferencing.Token, error) {
	if m.err != nil {
		return "", m.err
	}
	return "test-token", nil
}

type testEnv struct {
	svc   *Service
	store *memStore
	conf  *mockConferencing
	auth  *mockAuthenticator
	logs  *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemStore()
	conf := &mockConferencing{}
	auth := &mockAuthenticator{}
	var buf bytes.Buffer
	svc := NewService(store, store, auth, conf, security.NewTextSanitizer(), newTestLogger(&buf))
	return &testEnv{svc: svc, store: store, conf: conf, auth: auth, logs: &buf}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *model.APIError with code %s", err, code)
	}
	if apiErr.Code != code {
		t.Fatalf("code = %s, want %s (message: %s)", apiErr.Code, code, apiErr.Message)
	}
}
