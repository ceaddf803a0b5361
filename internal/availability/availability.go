// Package availability は主催者と参加者の予定から1日の空き枠を計算する。
// 計算は純粋関数のみで構成し、永続化や外部呼び出しは行わない。
package availability

import (
	"time"

	"github.com/hitoshi/coursemeet/internal/model"
)

// SlotsPerDay は1日の枠数。枠は1時間単位で固定。
const SlotsPerDay = 24

// Slots は day の暦日（day.Location() 基準）の0時から1時間ずつ進めた24枠の開始時刻を返す。
// 夏時間の切り替え日でも枠は重複せず、常に1時間間隔の24件になる。
func Slots(day time.Time) []time.Time {
	y, m, d := day.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	slots := make([]time.Time, SlotsPerDay)
	for h := range slots {
		slots[h] = midnight.Add(time.Duration(h) * time.Hour)
	}
	return slots
}

// BuildDayGrid は day の各時間枠が空いているかを返す。true が空き。
// いずれかの予定に、枠の開始時刻を [start, end) に含む会議があればその枠は埋まっている。
// 結果は常に24件で、入力が空なら全て true になる。
func BuildDayGrid(day time.Time, a, b []model.Meeting) []bool {
	slots := Slots(day)
	grid := make([]bool, len(slots))
	for i, slot := range slots {
		grid[i] = !occupied(slot, a) && !occupied(slot, b)
	}
	return grid
}

func occupied(instant time.Time, schedule []model.Meeting) bool {
	for _, m := range schedule {
		if !instant.Before(m.StartTime) && instant.Before(m.EndTime) {
			return true
		}
	}
	return false
}

// IsSlotFree は proposedStart から始まる60分の枠が予定と衝突しないかを返す。
// 開始時刻の一致はミリ秒精度の数値で比較し、加えて区間の重なりも衝突とみなす。
func IsSlotFree(schedule []model.Meeting, proposedStart time.Time) bool {
	proposedEnd := proposedStart.Add(model.MeetingDuration)
	startMillis := proposedStart.UnixMilli()
	for _, m := range schedule {
		if m.StartTime.UnixMilli() == startMillis {
			return false
		}
		if m.Overlaps(proposedStart, proposedEnd) {
			return false
		}
	}
	return true
}

// Without は meetingID の会議を除いた予定を返す。会議の変更時に自身との衝突を除外するために使う。
func Without(schedule []model.Meeting, meetingID string) []model.Meeting {
	out := make([]model.Meeting, 0, len(schedule))
	for _, m := range schedule {
		if m.MeetingID != meetingID {
			out = append(out, m)
		}
	}
	return out
}
