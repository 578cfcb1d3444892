package build

import (
	"fmt"
	"math"
	"time"
)

// MaxFieldLen bounds the identifying string fields so that every supported
// database can index them.
const MaxFieldLen = 255

// Status is the outcome reported for one pipeline run.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusFailure    Status = "failure"
	StatusCancelled  Status = "cancelled"
	StatusInProgress Status = "in_progress"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancelled, StatusInProgress:
		return true
	}
	return false
}

// Terminal reports whether s is a final outcome. in_progress is the only
// non-terminal status; completion arrives as a separate record.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancelled
}

// Record is one reported outcome of a pipeline run.
type Record struct {
	ID              int64      `json:"id"`
	Provider        string     `json:"provider"`
	Pipeline        string     `json:"pipeline"`
	Repo            string     `json:"repo"`
	Branch          string     `json:"branch"`
	Status          Status     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationSeconds *float64   `json:"duration_seconds"`
	URL             string     `json:"url,omitempty"`
	Logs            string     `json:"logs,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Validate checks required fields and timestamp ordering. It returns the
// first problem found as a *ValidationError.
func (r *Record) Validate() error {
	switch {
	case r.Provider == "":
		return Invalid("provider", "is required")
	case r.Pipeline == "":
		return Invalid("pipeline", "is required")
	case r.Repo == "":
		return Invalid("repo", "is required")
	case r.Branch == "":
		return Invalid("branch", "is required")
	case r.Status == "":
		return Invalid("status", "is required")
	case !r.Status.Valid():
		return Invalid("status", "must be one of success, failure, cancelled, in_progress")
	case r.StartedAt.IsZero():
		return Invalid("started_at", "is required")
	}
	for field, v := range map[string]string{
		"provider": r.Provider,
		"pipeline": r.Pipeline,
		"repo":     r.Repo,
		"branch":   r.Branch,
	} {
		if len(v) > MaxFieldLen {
			return Invalid(field, fmt.Sprintf("must be at most %d bytes", MaxFieldLen))
		}
	}
	if r.CompletedAt != nil && r.CompletedAt.Before(r.StartedAt) {
		return Invalid("completed_at", "must not be earlier than started_at")
	}
	if d := r.DurationSeconds; d != nil && (*d < 0 || math.IsNaN(*d) || math.IsInf(*d, 0)) {
		return Invalid("duration_seconds", "must be a non-negative number")
	}
	return nil
}

// Normalize converts timestamps to UTC and derives DurationSeconds from the
// timestamps when it was not reported. A reported duration is kept as-is even
// when it disagrees with the timestamp delta.
func (r *Record) Normalize() {
	r.StartedAt = r.StartedAt.UTC()
	if r.CompletedAt != nil {
		c := r.CompletedAt.UTC()
		r.CompletedAt = &c
	}
	if r.DurationSeconds == nil && r.CompletedAt != nil && !r.StartedAt.IsZero() {
		d := r.CompletedAt.Sub(r.StartedAt).Seconds()
		r.DurationSeconds = &d
	}
}
