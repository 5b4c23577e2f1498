package jobs

import (
	"time"

	"github.com/cuemby/cyberrange/pkg/types"
)

// Status is the polling view of a job shared by deployment and artifact
// jobs, so clients can render one progress widget for both
type Status struct {
	ID               string             `json:"id"`
	Kind             types.JobKind      `json:"kind"`
	Target           string             `json:"target"`
	State            types.JobState     `json:"state"`
	Unit             types.ProgressUnit `json:"unit"`
	ProgressPercent  *float64           `json:"progress_percent"`
	BytesTransferred int64              `json:"bytes_transferred"`
	BytesTotal       *int64             `json:"bytes_total"`
	Message          string             `json:"message,omitempty"`
	Error            *string            `json:"error"`
	CreatedAt        time.Time          `json:"created_at"`
	FinishedAt       *time.Time         `json:"finished_at,omitempty"`
}

// StatusOf builds the polling view of a job. Percent and total stay null
// while the total is unknown.
func StatusOf(job *types.Job) Status {
	st := Status{
		ID:               job.ID,
		Kind:             job.Kind,
		Target:           job.Target.String(),
		State:            job.State,
		Unit:             job.Progress.Unit,
		BytesTransferred: job.Progress.Current,
		Message:          job.Message,
		CreatedAt:        job.CreatedAt,
	}
	if pct, ok := job.Progress.Percent(); ok {
		st.ProgressPercent = &pct
		total := job.Progress.Total
		st.BytesTotal = &total
	}
	if job.Error != "" {
		msg := job.Error
		st.Error = &msg
	}
	if !job.FinishedAt.IsZero() {
		t := job.FinishedAt
		st.FinishedAt = &t
	}
	return st
}
