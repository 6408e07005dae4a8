package repository

import (
	"time"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/types"
)

var weekdays = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// DailyStats summarizes one day's records against the registered user count.
// A user counts as present once regardless of how many records they have.
func DailyStats(totalUsers int, day []model.AttendanceView) types.Stats {
	present := make(map[model.Identity]struct{})
	late := make(map[model.Identity]struct{})
	for _, r := range day {
		present[r.Identity] = struct{}{}
		if r.Status == model.StatusLate {
			late[r.Identity] = struct{}{}
		}
	}

	st := types.Stats{
		TotalUsers:   totalUsers,
		PresentToday: len(present),
		LateToday:    len(late),
		AbsentToday:  totalUsers - len(present),
	}
	if st.AbsentToday < 0 {
		st.AbsentToday = 0
	}
	if totalUsers > 0 {
		st.AttendanceRate = float64(st.PresentToday) / float64(totalUsers) * 100
	}
	return st
}

// WeeklyWindow is the lookback of Weekly.
const WeeklyWindow = 7 * 24 * time.Hour

// Weekly buckets records from the last seven days by weekday, Sun..Sat.
// Records are bucketed in now's location.
func Weekly(records []model.AttendanceView, now time.Time) []types.WeeklyDay {
	out := make([]types.WeeklyDay, 7)
	for i := range out {
		out[i].Day = weekdays[i]
	}
	since := now.Add(-WeeklyWindow)
	for _, r := range records {
		if r.MarkedAt.Before(since) || r.MarkedAt.After(now) {
			continue
		}
		d := &out[int(r.MarkedAt.In(now.Location()).Weekday())]
		switch r.Status {
		case model.StatusPresent:
			d.Present++
		case model.StatusLate:
			d.Late++
		case model.StatusAbsent:
			d.Absent++
		}
	}
	return out
}
