package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Day-granularity calendar date (transactions and weeks are dated by day)
// =============================================================================

const DateLayout = "2006-01-02"

type Date struct {
	Time time.Time
}

// NewDate builds a UTC date at midnight.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day. The day is taken in t's own location.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, &ValidationError{Field: "date", Message: fmt.Sprintf("invalid date %q (use YYYY-MM-DD)", s)}
	}
	return DateOf(t), nil
}

// MustParseDate is for tests and fixtures.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) Before(o Date) bool        { return d.Time.Before(o.Time) }
func (d Date) After(o Date) bool         { return d.Time.After(o.Time) }
func (d Date) Equal(o Date) bool         { return d.Time.Equal(o.Time) }
func (d Date) BeforeOrEqual(o Date) bool { return !d.After(o) }
func (d Date) AfterOrEqual(o Date) bool  { return !d.Before(o) }

func (d Date) AddDays(n int) Date    { return Date{Time: d.Time.AddDate(0, 0, n)} }
func (d Date) Weekday() time.Weekday { return d.Time.Weekday() }
func (d Date) IsZero() bool          { return d.Time.IsZero() }
func (d Date) String() string        { return d.Time.Format(DateLayout) }
func (d Date) Ptr() *Date            { return &d }

// DaysBetween counts whole days from a to b (negative when b is before a).
func DaysBetween(a, b Date) int {
	return int(b.Time.Sub(a.Time).Hours() / 24)
}

// =============================================================================
// WEEK - Monday-start ISO week, identified by its Sunday
// =============================================================================

const DaysPerWeek = 7

// Week spans [Start, End] inclusive, Start a Monday and End the following Sunday.
type Week struct {
	Start Date
	End   Date
}

// WeekOf returns the Monday..Sunday week that contains d.
func WeekOf(d Date) Week {
	// time.Weekday: Sunday=0 .. Saturday=6; shift so Monday=0.
	offset := (int(d.Weekday()) + 6) % 7
	start := d.AddDays(-offset)
	return Week{Start: start, End: start.AddDays(DaysPerWeek - 1)}
}

// WeekEnding returns the week whose Sunday is on or after d.
func WeekEnding(d Date) Week { return WeekOf(d) }

func (w Week) Contains(d Date) bool {
	return d.AfterOrEqual(w.Start) && d.BeforeOrEqual(w.End)
}

func (w Week) Days() []Date {
	days := make([]Date, 0, DaysPerWeek)
	for i := 0; i < DaysPerWeek; i++ {
		days = append(days, w.Start.AddDays(i))
	}
	return days
}

func (w Week) Next() Week     { return Week{Start: w.Start.AddDays(7), End: w.End.AddDays(7)} }
func (w Week) Previous() Week { return Week{Start: w.Start.AddDays(-7), End: w.End.AddDays(-7)} }

func (w Week) String() string {
	return "[" + w.Start.String() + ", " + w.End.String() + "]"
}

// WeeksBetween returns every week touching [from, to], oldest first.
func WeeksBetween(from, to Date) []Week {
	if to.Before(from) {
		return nil
	}
	var weeks []Week
	last := WeekOf(to)
	for w := WeekOf(from); !w.Start.After(last.Start); w = w.Next() {
		weeks = append(weeks, w)
	}
	return weeks
}

// LastCompletedWeek is the most recent week whose Sunday is strictly before today.
func LastCompletedWeek(today Date) Week {
	return WeekOf(today).Previous()
}
