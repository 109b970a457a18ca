// Package period derives report aggregation windows from a frequency and a cursor.
package period

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
)

var ErrInvalidFrequency = errors.New("invalid_frequency")

type Frequency string

const (
	FrequencyDaily   Frequency = "DAILY"
	FrequencyWeekly  Frequency = "WEEKLY"
	FrequencyMonthly Frequency = "MONTHLY"
)

// DefaultFrequency is assigned to new users.
const DefaultFrequency = FrequencyMonthly

func ParseFrequency(raw string) (Frequency, error) {
	switch Frequency(strings.ToUpper(strings.TrimSpace(raw))) {
	case FrequencyDaily:
		return FrequencyDaily, nil
	case FrequencyWeekly:
		return FrequencyWeekly, nil
	case FrequencyMonthly:
		return FrequencyMonthly, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFrequency, raw)
	}
}

func (f Frequency) Valid() bool {
	_, err := ParseFrequency(string(f))
	return err == nil
}

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

func (w Window) String() string {
	return "[" + w.Start.Format(time.RFC3339) + ", " + w.End.Format(time.RFC3339) + ")"
}

// Normalize returns t in UTC at microsecond precision, which is what the
// storage layer round-trips.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Schedule is a frequency pinned to an anchor. MONTHLY windows keep the
// anchor's day of month and clamp to the last day of shorter months, so a
// user anchored on the 31st is reported on Jan 31, Feb 29, Mar 31 and so on.
type Schedule struct {
	Frequency Frequency
	Anchor    time.Time
}

// Advance returns the end of the window starting at start.
func (s Schedule) Advance(start time.Time) (time.Time, error) {
	start = Normalize(start)
	switch s.Frequency {
	case FrequencyDaily:
		return start.AddDate(0, 0, 1), nil
	case FrequencyWeekly:
		return start.AddDate(0, 0, 7), nil
	case FrequencyMonthly:
		return addMonths(start, 1, monthDay(start, Normalize(s.Anchor))), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidFrequency, s.Frequency)
	}
}

// Next returns the window that starts at cursor.
func (s Schedule) Next(cursor time.Time) (Window, error) {
	end, err := s.Advance(cursor)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: Normalize(cursor), End: end}, nil
}

// NextDue reports when the window starting at cursor closes.
func (s Schedule) NextDue(cursor time.Time) (time.Time, error) {
	return s.Advance(cursor)
}

// IsDue reports whether at least one window starting at cursor has closed by asOf.
func (s Schedule) IsDue(cursor, asOf time.Time) bool {
	due, err := s.NextDue(cursor)
	if err != nil {
		return false
	}
	return !due.After(Normalize(asOf))
}

// DueWindows yields every closed window from cursor up to asOf in
// chronological order. Each window starts where the previous one ended.
func (s Schedule) DueWindows(cursor, asOf time.Time) iter.Seq[Window] {
	asOf = Normalize(asOf)
	return func(yield func(Window) bool) {
		start := Normalize(cursor)
		for {
			w, err := s.Next(start)
			if err != nil || w.End.After(asOf) {
				return
			}
			if !yield(w) {
				return
			}
			start = w.End
		}
	}
}

// Advance returns the end of the window of the given frequency starting at
// start, with start as its own anchor.
func Advance(start time.Time, freq Frequency) (time.Time, error) {
	return Schedule{Frequency: freq, Anchor: start}.Advance(start)
}

// Next returns the window that starts at cursor.
func Next(cursor time.Time, freq Frequency) (Window, error) {
	return Schedule{Frequency: freq, Anchor: cursor}.Next(cursor)
}

// NextDue reports when the window starting at cursor closes.
func NextDue(cursor time.Time, freq Frequency) (time.Time, error) {
	return Schedule{Frequency: freq, Anchor: cursor}.NextDue(cursor)
}

// IsDue reports whether at least one window starting at cursor has closed by asOf.
func IsDue(cursor time.Time, freq Frequency, asOf time.Time) bool {
	return Schedule{Frequency: freq, Anchor: cursor}.IsDue(cursor, asOf)
}

// DueWindows is Schedule.DueWindows with cursor as the anchor.
func DueWindows(cursor time.Time, freq Frequency, asOf time.Time) iter.Seq[Window] {
	return Schedule{Frequency: freq, Anchor: cursor}.DueWindows(cursor, asOf)
}

// Previous returns the window of the same frequency ending where w starts.
// For MONTHLY it inverts Schedule.Advance: a start clamped to a month end
// recovers the reporting day from w.End.
func Previous(w Window, freq Frequency) (Window, error) {
	start, end := Normalize(w.Start), Normalize(w.End)
	var prev time.Time
	switch freq {
	case FrequencyDaily:
		prev = start.AddDate(0, 0, -1)
	case FrequencyWeekly:
		prev = start.AddDate(0, 0, -7)
	case FrequencyMonthly:
		prev = addMonths(start, -1, monthDay(start, end))
	default:
		return Window{}, fmt.Errorf("%w: %q", ErrInvalidFrequency, freq)
	}
	return Window{Start: prev, End: start}, nil
}

// monthDay is the reporting day for a monthly boundary at t. A boundary on
// the last day of its month may be a clamped later day, which hint carries.
func monthDay(t, hint time.Time) int {
	day := t.Day()
	if day == daysIn(t.Year(), t.Month()) && hint.Day() > day {
		return hint.Day()
	}
	return day
}

// addMonths moves t by months, landing on day or the month's last day,
// keeping the time of day.
func addMonths(t time.Time, months, day int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(months), 1,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return first.AddDate(0, 0, day-1)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
