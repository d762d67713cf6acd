// Package session defines core types shared across subsystems.
package session

import "time"

// Status represents the lifecycle state of a scrape session.
type Status string

// Session status values persisted in the session store.
const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Failure reasons recorded on a failed session.
const (
	FailureTimeout = "timeout"
)

// PreviewLimit caps the preview item set and per-item image list.
const PreviewLimit = 3

// Session represents the metadata persisted for one scrape request.
type Session struct {
	ID                  string           `json:"id"`
	Status              Status           `json:"status"`
	URL                 string           `json:"url"`
	ExternalJobID       string           `json:"external_job_id,omitempty"`
	ExternalResultSetID string           `json:"external_result_set_id,omitempty"`
	TotalItems          int              `json:"total_items"`
	PreviewItems        []NormalizedItem `json:"preview_items,omitempty"`
	HasData             bool             `json:"has_data"`
	FailureReason       string           `json:"failure_reason,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// NormalizedItem is the stable output shape for one scraped record,
// regardless of the raw source shape. Every field is always populated;
// missing source data degrades to sentinel values, never to absent fields.
type NormalizedItem struct {
	Title    string   `json:"title"`
	Price    string   `json:"price"`
	Desc     string   `json:"desc"`
	Image    string   `json:"image"`
	Images   []string `json:"images"`
	Location string   `json:"location"`
	URL      string   `json:"url"`
	PostedAt string   `json:"postedAt"`
}

// BackupArtifact is the durable snapshot of a session's full result set,
// written at most once per session. Its existence is the authoritative
// "already processed" marker for the reconciler.
type BackupArtifact struct {
	SessionID           string           `json:"session_id"`
	ExternalResultSetID string           `json:"external_result_set_id"`
	Timestamp           time.Time        `json:"timestamp"`
	TotalItems          int              `json:"total_items"`
	PreviewItems        []NormalizedItem `json:"preview_items"`
	AllItems            []NormalizedItem `json:"all_items"`
	ContentHash         string           `json:"content_hash,omitempty"`
}

// JobHandle identifies an accepted job in the external execution service.
type JobHandle struct {
	JobID       string `json:"job_id"`
	ResultSetID string `json:"result_set_id"`
}

// JobStatus is one status observation from the external execution service.
type JobStatus struct {
	Status         string        `json:"status"`
	ElapsedRuntime time.Duration `json:"elapsed_runtime"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
}

// StartOptions carries per-job knobs forwarded to the execution service.
type StartOptions struct {
	MaxItems int               `json:"max_items,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// External status vocabulary. Anything outside the success and failure
// classes means the job is still running.
var (
	successStatuses = map[string]struct{}{
		"SUCCEEDED": {},
		"FINISHED":  {},
	}
	failureStatuses = map[string]struct{}{
		"FAILED":    {},
		"TIMED-OUT": {},
		"TIMED_OUT": {},
		"TIMEDOUT":  {},
		"ABORTED":   {},
	}
)

// IsSuccessStatus reports whether the external status signals completion
// with results available.
func IsSuccessStatus(status string) bool {
	_, ok := successStatuses[normalizeStatus(status)]
	return ok
}

// IsFailureStatus reports whether the external status signals a terminal
// failure of the underlying job.
func IsFailureStatus(status string) bool {
	_, ok := failureStatuses[normalizeStatus(status)]
	return ok
}

func normalizeStatus(status string) string {
	out := make([]byte, 0, len(status))
	for i := 0; i < len(status); i++ {
		c := status[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c == ' ' {
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
