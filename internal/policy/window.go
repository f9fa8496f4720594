// internal/policy/window.go
package policy

import (
	"fmt"
	"time"

	appErrors "github.com/dripline/outreach-backend/internal/errors"
)

// WindowPolicy is the per-account daily quota and time-of-day constraint
// governing eligibility to send, in a named timezone.
type WindowPolicy struct {
	Timezone   string
	Start      ClockTime // inclusive
	End        ClockTime // exclusive
	DailyQuota int
}

// ClockTime is a time of day as seconds since local midnight.
type ClockTime int

// ParseClockTime parses "HH:mm" or "HH:mm:ss" (24-hour). Anything else is
// rejected before it can reach the scheduler.
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		t, err = time.Parse("15:04", s)
	}
	if err != nil {
		return 0, appErrors.NewValidation("sendWindow", fmt.Sprintf("%q is not HH:mm[:ss]", s))
	}
	return ClockTime(t.Hour()*3600 + t.Minute()*60 + t.Second()), nil
}

// String renders the canonical HH:mm:ss form.
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", int(c)/3600, int(c)%3600/60, int(c)%60)
}

// FromCampaign builds a WindowPolicy from the persisted HH:mm:ss
// window fields.
func FromCampaign(timezone, start, end string, quota int) (WindowPolicy, error) {
	s, err := ParseClockTime(start)
	if err != nil {
		return WindowPolicy{}, err
	}
	e, err := ParseClockTime(end)
	if err != nil {
		return WindowPolicy{}, err
	}
	if e <= s {
		return WindowPolicy{}, appErrors.NewValidation("sendWindow", "end must be after start")
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return WindowPolicy{}, appErrors.NewValidation("timezone", fmt.Sprintf("unknown timezone %q", timezone))
	}
	return WindowPolicy{Timezone: timezone, Start: s, End: e, DailyQuota: quota}, nil
}

// NextEligible computes the next instant an account may send given the
// number of sends already completed for the current local day. Pure and
// re-entrant; it never mutates counters. Those move only when the
// reconciler records a successful send.
func NextEligible(now time.Time, p WindowPolicy, sentToday int) (time.Time, error) {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	start := midnight.Add(time.Duration(p.Start) * time.Second)
	end := midnight.Add(time.Duration(p.End) * time.Second)

	if p.DailyQuota > 0 && sentToday >= p.DailyQuota {
		return start.AddDate(0, 0, 1), nil
	}
	if local.Before(start) {
		return start, nil
	}
	if local.Before(end) {
		return now, nil
	}
	return start.AddDate(0, 0, 1), nil
}

// MaySendNow reports whether a send may be attempted immediately.
func MaySendNow(now time.Time, p WindowPolicy, sentToday int) (bool, error) {
	next, err := NextEligible(now, p, sentToday)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}

// LocalDay returns the account's current local day in YYYY-MM-DD form, the
// key used for the per-day send counters.
func LocalDay(now time.Time, timezone string) string {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return now.In(loc).Format("2006-01-02")
}
