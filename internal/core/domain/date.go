package domain

import (
	"fmt"
	"time"
)

// DateLayout is the textual form of a Date.
const DateLayout = "2006-01-02"

// Date is a civil calendar day counted from 1970-01-01 UTC.
// It is the only unit of time tracked by the index.
type Date int32

// NoDate marks an unset date, e.g. the watermark of an anchor that has
// never been ingested. It is the zero value and sorts before every
// real date; the epoch day itself is not representable.
const NoDate Date = 0

const secondsPerDay = 24 * 60 * 60

// DateOf returns the UTC calendar day containing t.
func DateOf(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return NewDate(y, m, d)
}

// NewDate returns the Date for the given calendar day.
func NewDate(year int, month time.Month, day int) Date {
	return Date(time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Unix() / secondsPerDay)
}

// Today returns the current UTC day.
func Today() Date {
	return DateOf(time.Now())
}

// ParseDate parses a date in YYYY-MM-DD form. The epoch day is
// rejected since it is indistinguishable from NoDate.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return NoDate, fmt.Errorf("parse date %q: %w", s, err)
	}
	d := DateOf(t)
	if d == NoDate {
		return NoDate, fmt.Errorf("parse date %q: epoch day is reserved", s)
	}
	return d, nil
}

// MustParseDate is ParseDate for constants and tests.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time {
	return time.Unix(int64(d)*secondsPerDay, 0).UTC()
}

// IsSet reports whether d is a real date.
func (d Date) IsSet() bool {
	return d != NoDate
}

// Next returns the following day.
func (d Date) Next() Date { return d + 1 }

// Prev returns the preceding day.
func (d Date) Prev() Date { return d - 1 }

// AddDays returns d shifted by n days.
func (d Date) AddDays(n int) Date { return d + Date(n) }

// Sub returns the number of days between d and o.
func (d Date) Sub(o Date) int { return int(d) - int(o) }

// String formats the date as YYYY-MM-DD, or "-" for NoDate.
func (d Date) String() string {
	if d == NoDate {
		return "-"
	}
	return d.Time().Format(DateLayout)
}

// MarshalText implements encoding.TextMarshaler.
func (d Date) MarshalText() ([]byte, error) {
	if d == NoDate {
		return []byte{}, nil
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = NoDate
		return nil
	}
	v, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
