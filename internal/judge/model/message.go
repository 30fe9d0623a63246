package model

import judgeerr "fuzoj/pkg/errors"

// SubmissionMessage is the queue payload that starts a judge run. It is
// published once per submission and is consumed exactly once logically,
// though the transport may redeliver it on the wire (at-least-once).
type SubmissionMessage struct {
	TaskID       string `json:"task_id"`
	SubmissionID int64  `json:"submission_id"`
	Code         string `json:"code"`
	Language     string `json:"language"`

	// Carried only for the status surface so operators can correlate a run
	// with a contest; ignored by the judging pipeline itself.
	ContestID string `json:"contest_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}

// Validate reports the first structural problem with the message, if any.
func (m *SubmissionMessage) Validate() error {
	if m.TaskID == "" {
		return requiredField("task_id")
	}
	if m.SubmissionID <= 0 {
		return requiredField("submission_id")
	}
	if m.Language == "" {
		return requiredField("language")
	}
	return nil
}

func requiredField(field string) error {
	return judgeerr.ValidationError(field, "required")
}

// StatusEvent describes a submission row's current status fields. The
// status endpoint in internal/judge/httpapi does not use it; it serializes
// its own submissionStatusView.
type StatusEvent struct {
	SubmissionID int64  `json:"submission_id"`
	Status       string `json:"status"`
	Score        int64  `json:"score"`
	TimeMs       int64  `json:"time_ms"`
	MemoryKB     int64  `json:"memory_kb"`
	UpdatedAt    string `json:"updated_at"`
}
