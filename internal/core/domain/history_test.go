package domain

import "testing"

func TestHistory_Current(t *testing.T) {
	var nilHist *History
	if nilHist.Current() {
		t.Error("nil history is current")
	}
	h := &History{Intervals: []Interval{{Start: 1, End: 2}}}
	if h.Current() {
		t.Error("closed history is current")
	}
	h.Intervals = append(h.Intervals, Interval{Start: 4, Open: true})
	if !h.Current() {
		t.Error("open history is not current")
	}
}

func TestHistory_ActiveOn(t *testing.T) {
	h := &History{Intervals: []Interval{
		{Start: 1, End: 2},
		{Start: 4, Open: true},
	}}
	watermark := Date(6)
	tests := []struct {
		d    Date
		want bool
	}{
		{0, false}, {1, true}, {2, true}, {3, false},
		{4, true}, {6, true}, {7, false},
	}
	for _, tt := range tests {
		if got := h.ActiveOn(tt.d, watermark); got != tt.want {
			t.Errorf("ActiveOn(%d) = %v, want %v", tt.d, got, tt.want)
		}
	}
}

func TestHistory_Validate(t *testing.T) {
	tests := []struct {
		name    string
		iv      []Interval
		wantErr bool
	}{
		{"empty", nil, false},
		{"single open", []Interval{{Start: 1, Open: true}}, false},
		{"closed then open", []Interval{{Start: 1, End: 2}, {Start: 4, Open: true}}, false},
		{"adjacent", []Interval{{Start: 1, End: 2}, {Start: 3, End: 5}}, true},
		{"overlap", []Interval{{Start: 1, End: 4}, {Start: 3, End: 5}}, true},
		{"open not last", []Interval{{Start: 1, Open: true}, {Start: 5, End: 6}}, true},
		{"end before start", []Interval{{Start: 5, End: 4}}, true},
		{"decreasing", []Interval{{Start: 8, End: 9}, {Start: 1, End: 2}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&History{Intervals: tt.iv}).Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHistory_CloneIsIndependent(t *testing.T) {
	h := &History{Intervals: []Interval{{Start: 1, Open: true}}}
	c := h.Clone()
	c.Intervals[0].Open = false
	c.Intervals[0].End = 3
	if !h.Intervals[0].Open {
		t.Error("Clone shares backing array")
	}
	if h.Equal(c) {
		t.Error("Equal() = true after divergence")
	}
}

func TestInterval_EndAt(t *testing.T) {
	open := Interval{Start: 3, Open: true}
	if got := open.EndAt(9); got != 9 {
		t.Errorf("open EndAt = %d, want 9", got)
	}
	if got := open.Days(9); got != 7 {
		t.Errorf("open Days = %d, want 7", got)
	}
	closed := Interval{Start: 3, End: 4}
	if got := closed.EndAt(9); got != 4 {
		t.Errorf("closed EndAt = %d, want 4", got)
	}
}
