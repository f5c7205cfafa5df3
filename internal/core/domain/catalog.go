package domain

import "time"

// FileStatus is the outcome of processing one dump file.
type FileStatus string

const (
	// FileMerged means the dump was parsed and merged.
	FileMerged FileStatus = "merged"
	// FileSubstituted means the fetch failed and the date was merged as
	// an empty dump.
	FileSubstituted FileStatus = "substituted"
	// FileSkipped means the fetch failed and the date was left out.
	FileSkipped FileStatus = "skipped"
)

// FileRecord describes the processing of one dated dump.
type FileRecord struct {
	TAL         string     `json:"tal"`
	Date        Date       `json:"date"`
	URL         string     `json:"url,omitempty"`
	Status      FileStatus `json:"status"`
	Rows        int        `json:"rows"`
	Dropped     int        `json:"dropped"`
	Roas        int        `json:"roas"`
	Error       string     `json:"error,omitempty"`
	CycleID     string     `json:"cycle_id"`
	ProcessedAt time.Time  `json:"processed_at"`
}
