package permits

import (
	"sort"
	"time"
)

const (
	// PendingWindowDays is the inclusive horizon of the pending-upload view.
	PendingWindowDays = 7
	// UrgentWithinDays marks permits departing this soon as urgent.
	UrgentWithinDays = 2
)

// PendingUpload is one row of the prioritised pending-upload view.
type PendingUpload struct {
	Permit             Permit `json:"permit"`
	DaysUntilDeparture int    `json:"days_until_departure"`
	Urgent             bool   `json:"urgent"`
}

// DaysUntilDeparture counts whole calendar days from today, taken in now's
// location, to the departure date. The time of day never matters.
func DaysUntilDeparture(departure, now time.Time) int {
	today := calendarDay(now)
	due := calendarDay(departure)
	return int(due.Sub(today).Hours() / 24)
}

// IsUrgent reports whether a permit departing in days is urgent.
func IsUrgent(days int) bool {
	return days <= UrgentWithinDays
}

// Classify places a permit in the pending-upload view. The second return is
// false when the permit is uploaded or departs outside [0, PendingWindowDays].
func Classify(p Permit, now time.Time) (PendingUpload, bool) {
	if p.Status == StatusUploaded {
		return PendingUpload{}, false
	}
	days := DaysUntilDeparture(p.DepartureDate, now)
	if days < 0 || days > PendingWindowDays {
		return PendingUpload{}, false
	}
	return PendingUpload{Permit: p, DaysUntilDeparture: days, Urgent: IsUrgent(days)}, true
}

// PendingUploads filters and orders permits soonest departure first.
func PendingUploads(permits []Permit, now time.Time) []PendingUpload {
	out := make([]PendingUpload, 0, len(permits))
	for _, p := range permits {
		if row, ok := Classify(p, now); ok {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DaysUntilDeparture != out[j].DaysUntilDeparture {
			return out[i].DaysUntilDeparture < out[j].DaysUntilDeparture
		}
		return out[i].Permit.Code < out[j].Permit.Code
	})
	return out
}

// calendarDay drops the clock and zone, keeping the date as seen in t's own
// location. Comparing two such values in UTC is immune to DST shifts.
func calendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
