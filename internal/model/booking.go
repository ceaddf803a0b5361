package model

import "time"

// BookingStatus は予約台帳上の状態を表す。
type BookingStatus string

const (
	// BookingStatusPending はローカルで枠を確保し、リモート作成を待っている状態。
	BookingStatusPending BookingStatus = "pending"
	// BookingStatusActive はリモートとローカルの両方に存在する状態。
	BookingStatusActive BookingStatus = "active"
	// BookingStatusRejected はリモート作成に失敗した、またはリコンサイルで破棄された状態。
	BookingStatusRejected BookingStatus = "rejected"
	// BookingStatusOrphaned はリモートには存在するがローカル行の書き込みに失敗した状態。
	BookingStatusOrphaned BookingStatus = "orphaned"
	// BookingStatusCancelled はリモートとローカルの両方から削除された状態。
	BookingStatusCancelled BookingStatus = "cancelled"
	// BookingStatusInconsistent はリモート操作後のローカル反映に失敗した状態。
	BookingStatusInconsistent BookingStatus = "inconsistent"
)

// ClaimsSlot はこの状態の予約が主催者の時間枠を占有するかを返す。
func (s BookingStatus) ClaimsSlot() bool {
	switch s {
	case BookingStatusPending, BookingStatusActive, BookingStatusOrphaned, BookingStatusInconsistent:
		return true
	default:
		return false
	}
}

// BookingOperation は予約台帳に最後に記録された操作。
type BookingOperation string

const (
	BookingOpCreate BookingOperation = "create"
	BookingOpUpdate BookingOperation = "update"
	BookingOpCancel BookingOperation = "cancel"
)

// Booking はリモート作成とローカル記録をまたぐ予約処理の台帳エントリ。
// 1会議につき1行で、参加者行（MeetingRow）とは別に管理する。
type Booking struct {
	ID              string
	OrganizerEmail  string
	RemoteMeetingID string // リモート作成前は空
	StartTime       time.Time
	EndTime         time.Time
	Title           string
	Description     string
	HostStartURL    string
	Status          BookingStatus
	LastOperation   BookingOperation
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
