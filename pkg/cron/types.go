package cron

import (
	"context"
	"time"
)

// Job statuses recorded after each run.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// JobFunc is the work performed by a job. ctx is cancelled when the
// scheduler stops.
type JobFunc func(ctx context.Context) error

// Job is a named task run on a cron schedule.
type Job struct {
	Name string
	// Schedule is a 5-field cron expression or a descriptor such as "@every 1m".
	Schedule string
	Run      JobFunc
}

// JobState tracks runtime state of a job
type JobState struct {
	LastRunAt         time.Time     `json:"last_run_at,omitempty"`
	LastStatus        string        `json:"last_status,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	LastDuration      time.Duration `json:"last_duration,omitempty"`
	ConsecutiveErrors int           `json:"consecutive_errors,omitempty"`
	Runs              int64         `json:"runs"`
}

// JobInfo is a snapshot of a scheduled job.
type JobInfo struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	NextRunAt time.Time `json:"next_run_at,omitempty"`
	State     JobState  `json:"state"`
}
