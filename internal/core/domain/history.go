package domain

import "fmt"

// Interval is one contiguous validity episode.
//
// A closed interval covers [Start, End]. An open interval has no
// recorded end: it covers Start through the watermark of its anchor,
// which is advanced by merging rather than by touching the interval.
type Interval struct {
	Start Date
	End   Date
	Open  bool
}

// EndAt returns the effective last day of the interval given the
// anchor watermark.
func (iv Interval) EndAt(watermark Date) Date {
	if iv.Open {
		return watermark
	}
	return iv.End
}

// Contains reports whether d falls inside the interval.
func (iv Interval) Contains(d, watermark Date) bool {
	return d >= iv.Start && d <= iv.EndAt(watermark)
}

// Days returns the number of days covered.
func (iv Interval) Days(watermark Date) int {
	return iv.EndAt(watermark).Sub(iv.Start) + 1
}

func (iv Interval) String() string {
	if iv.Open {
		return fmt.Sprintf("[%s, -]", iv.Start)
	}
	return fmt.Sprintf("[%s, %s]", iv.Start, iv.End)
}

// History is the ordered interval list of one RoaKey.
//
// Intervals are strictly increasing, pairwise non-overlapping and
// non-adjacent; only the last one may be open.
type History struct {
	Intervals []Interval
}

// Current reports whether the authorization was present at the latest
// ingested date of its anchor.
func (h *History) Current() bool {
	if h == nil || len(h.Intervals) == 0 {
		return false
	}
	return h.Intervals[len(h.Intervals)-1].Open
}

// Last returns the most recent interval.
func (h *History) Last() (Interval, bool) {
	if h == nil || len(h.Intervals) == 0 {
		return Interval{}, false
	}
	return h.Intervals[len(h.Intervals)-1], true
}

// ActiveOn reports whether the authorization was present on day d.
func (h *History) ActiveOn(d, watermark Date) bool {
	if h == nil {
		return false
	}
	// Intervals are sorted; scan from the end where lookups cluster.
	for i := len(h.Intervals) - 1; i >= 0; i-- {
		iv := h.Intervals[i]
		if d >= iv.Start {
			return d <= iv.EndAt(watermark)
		}
	}
	return false
}

// Clone returns a deep copy with room for one more interval.
func (h *History) Clone() *History {
	if h == nil {
		return &History{}
	}
	iv := make([]Interval, len(h.Intervals), len(h.Intervals)+1)
	copy(iv, h.Intervals)
	return &History{Intervals: iv}
}

// Equal compares two histories interval by interval.
func (h *History) Equal(o *History) bool {
	if h == nil || o == nil {
		return h == o
	}
	if len(h.Intervals) != len(o.Intervals) {
		return false
	}
	for i := range h.Intervals {
		if h.Intervals[i] != o.Intervals[i] {
			return false
		}
	}
	return true
}

// Validate checks the ordering invariants.
func (h *History) Validate() error {
	if h == nil {
		return nil
	}
	for i, iv := range h.Intervals {
		if iv.Open {
			if i != len(h.Intervals)-1 {
				return fmt.Errorf("interval %d: open interval is not last", i)
			}
		} else if iv.End < iv.Start {
			return fmt.Errorf("interval %d: end %s before start %s", i, iv.End, iv.Start)
		}
		if i > 0 {
			prev := h.Intervals[i-1]
			if iv.Start <= prev.End.Next() {
				return fmt.Errorf("interval %d: %s overlaps or touches %s", i, iv, prev)
			}
		}
	}
	return nil
}

// AnchorState is the ingestion bookkeeping of one trust anchor.
type AnchorState struct {
	Name string `json:"name"`
	// Watermark is the last date merged, or NoDate.
	Watermark Date `json:"watermark"`
}

// HasWatermark reports whether anything was ingested for the anchor.
func (a AnchorState) HasWatermark() bool {
	return a.Watermark.IsSet()
}
