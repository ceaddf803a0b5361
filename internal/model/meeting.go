package model

import "time"

// MeetingDuration は1件の会議の固定長。
const MeetingDuration = 60 * time.Minute

// Meeting は予約済みの1対1会議を表す集約。
// 永続化層では参加者ごとに1行（MeetingRow）に展開される。
type Meeting struct {
	MeetingID      string
	OrganizerEmail string
	AttendeeEmails []string
	Title          string
	Description    string
	StartTime      time.Time
	EndTime        time.Time
	JoinLink       string
	Editable       bool
}

// Overlaps は [start, end) 区間が会議区間と重なるかを返す。
func (m Meeting) Overlaps(start, end time.Time) bool {
	return start.Before(m.EndTime) && m.StartTime.Before(end)
}

// HasParticipant は email が主催者または参加者に含まれるかを返す。
func (m Meeting) HasParticipant(email string) bool {
	if m.OrganizerEmail == email {
		return true
	}
	for _, a := range m.AttendeeEmails {
		if a == email {
			return true
		}
	}
	return false
}

// MeetingRow は scheduled_meetings テーブルの1行。
// 同じ MeetingID を持つ行が参加者の数だけ存在する。
type MeetingRow struct {
	MeetingID      string
	UserEmail      string
	OrganizerEmail string
	JoinLink       string
	StartTime      time.Time
	EndTime        time.Time
	Title          string
	Description    string
	AllowedToEdit  bool
	CreatedAt      time.Time
}

// MeetingUpdate は会議の変更可能フィールド。
type MeetingUpdate struct {
	StartTime   time.Time
	EndTime     time.Time
	Title       string
	Description string
}

// ExpandRows は会議を参加者ごとの行に展開する。
// 主催者は常に1行含まれ、重複するメールアドレスは1行にまとめられる。
func ExpandRows(m Meeting, createdAt time.Time) []MeetingRow {
	emails := make([]string, 0, len(m.AttendeeEmails)+1)
	seen := make(map[string]bool, len(m.AttendeeEmails)+1)
	for _, e := range append(append([]string{}, m.AttendeeEmails...), m.OrganizerEmail) {
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		emails = append(emails, e)
	}

	rows := make([]MeetingRow, len(emails))
	for i, e := range emails {
		rows[i] = MeetingRow{
			MeetingID:      m.MeetingID,
			UserEmail:      e,
			OrganizerEmail: m.OrganizerEmail,
			JoinLink:       m.JoinLink,
			StartTime:      m.StartTime.UTC(),
			EndTime:        m.EndTime.UTC(),
			Title:          m.Title,
			Description:    m.Description,
			AllowedToEdit:  true,
			CreatedAt:      createdAt,
		}
	}
	return rows
}

// GroupRows はフラットな行を MeetingID 単位の集約に戻す。
// 結果は最初に現れた行の順序を保つ。editableFor が空でない場合、
// そのメールアドレスの行の AllowedToEdit を Editable に反映する。
func GroupRows(rows []MeetingRow, editableFor string) []Meeting {
	index := make(map[string]int)
	meetings := make([]Meeting, 0)
	for _, r := range rows {
		i, ok := index[r.MeetingID]
		if !ok {
			meetings = append(meetings, Meeting{
				MeetingID:      r.MeetingID,
				OrganizerEmail: r.OrganizerEmail,
				Title:          r.Title,
				Description:    r.Description,
				StartTime:      r.StartTime,
				EndTime:        r.EndTime,
				JoinLink:       r.JoinLink,
			})
			i = len(meetings) - 1
			index[r.MeetingID] = i
		}
		meetings[i].AttendeeEmails = append(meetings[i].AttendeeEmails, r.UserEmail)
		if editableFor != "" && r.UserEmail == editableFor {
			meetings[i].Editable = r.AllowedToEdit
		}
	}
	return meetings
}
