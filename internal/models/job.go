package models

import (
	"fmt"
	"time"
)

// JobStatus enumerates the ETL job lifecycle states.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// CanTransition reports whether the status may move forward to next.
// Transitions are monotone: PENDING → RUNNING → {COMPLETED, FAILED} and the
// terminal states admit nothing.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobRunning || next == JobFailed
	case JobRunning:
		return next == JobCompleted || next == JobFailed
	default:
		return false
	}
}

// ETLJob is one processing attempt over a batch of raw entries.
type ETLJob struct {
	ID               int64
	Name             string
	Status           JobStatus
	SourcePath       string
	SourceType       string
	RecordsProcessed int64
	RecordsLoaded    int64
	ErrorsCount      int64
	ErrorMessage     string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
}

// Transition advances the job status, enforcing forward-only movement.
func (j *ETLJob) Transition(next JobStatus) error {
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("etl job %q: illegal transition %s -> %s", j.Name, j.Status, next)
	}
	j.Status = next
	return nil
}

// DurationSeconds returns the wall-clock runtime, zero while incomplete.
func (j *ETLJob) DurationSeconds() float64 {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt).Seconds()
}

// AnalysisResult aggregates batch statistics for one scenario of a job run.
type AnalysisResult struct {
	ScenarioID            string
	AnalysisDate          time.Time
	TotalLogs             int64
	TotalErrors           int64
	TotalWarnings         int64
	UniqueProblems        int64
	UniqueAnomalies       int64
	TimeRangeStart        time.Time
	TimeRangeEnd          time.Time
	ResultJSON            string
	ModelUsed             string
	ProcessingDurationSec float64
}
