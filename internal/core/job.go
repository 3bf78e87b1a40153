package core

import "time"

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobRetrying  JobStatus = "retrying"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

type JobStatus string

// Job is one monthly report delivery for one user.
type Job struct {
	ID           int64
	UserID       int64
	Period       Period
	Status       JobStatus
	AttemptCount int
	MaxAttempts  int
	RunAt        time.Time // earliest next attempt
	LeaseUntil   time.Time // zero unless running
	DispatchedAt time.Time // zero until a message was published
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// CanTransition encodes the job lifecycle:
//
//	queued -> running -> succeeded
//	running -> retrying -> running
//	running -> failed
//
// running -> running is a re-claim once the previous holder's lease
// expired.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobQueued, JobRetrying:
		return to == JobRunning
	case JobRunning:
		return to == JobRunning || to == JobRetrying || to == JobSucceeded || to == JobFailed
	default:
		return false
	}
}

func (s JobStatus) String() string {
	return string(s)
}
