package model

import "time"

// RunStatus tracks a pipeline run through its stages.
type RunStatus string

const (
	RunStatusIdle          RunStatus = "idle"
	RunStatusPreValidating RunStatus = "prevalidating"
	RunStatusVerifying     RunStatus = "verifying"
	RunStatusReconciling   RunStatus = "reconciling"
	RunStatusUpserting     RunStatus = "upserting"
	RunStatusCompleted     RunStatus = "completed"
	RunStatusPaused        RunStatus = "paused"
	RunStatusFailed        RunStatus = "failed"
)

// Terminal reports whether the run can no longer progress. Paused is not
// terminal: a later invocation with the same run ID resumes verification.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run is one ingestion attempt over a batch file. Enough state is persisted
// to resume a rate-limit pause in a later window: the resume index and the
// window reset hint.
type Run struct {
	ID          string      `json:"id"`
	FileName    string      `json:"file_name"`
	Status      RunStatus   `json:"status"`
	Summary     *RunSummary `json:"summary,omitempty"`
	ResumeIndex int         `json:"resume_index"`
	ResetTime   *time.Time  `json:"reset_time,omitempty"`
	FailReason  string      `json:"fail_reason,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// RunSummary is the exit contract of a run. Row-level problems are counted
// and listed here rather than failing the batch.
type RunSummary struct {
	Total       int      `json:"total"`
	Imported    int      `json:"imported"`
	Skipped     int      `json:"skipped"`
	Invalid     int      `json:"invalid"`
	Duplicates  int      `json:"duplicates"`
	Existing    int      `json:"existing"`
	New         int      `json:"new"`
	Paused      bool     `json:"paused,omitempty"`
	ResumeIndex int      `json:"resume_index,omitempty"`
	Errors      []string `json:"errors,omitempty"`
}
