package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobType represents the type of job
type JobType string

const (
	// JobTypeBulkTagFilter runs one tag filter
	JobTypeBulkTagFilter JobType = "bulk_tag_filter"
	// JobTypeDailySweep promotes eligible filters and runs them all
	JobTypeDailySweep JobType = "daily_sweep"
)

// Job represents a job in the queue
type Job struct {
	ID        uuid.UUID  `json:"id"`
	Type      JobType    `json:"type"`
	FilterID  *int64     `json:"filter_id,omitempty"`  // Set for bulk_tag_filter jobs
	NotBefore *time.Time `json:"not_before,omitempty"` // Earliest time to process job (nil = immediate)
	NotAfter  *time.Time `json:"not_after,omitempty"`  // Latest time to process job (nil = no expiration)
	// TraceContext continues the requesting trace in the worker
	TraceContext map[string]string `json:"trace_context,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
}

// NewJob creates a new job
func NewJob(jobType JobType, filterID *int64) *Job {
	return &Job{
		ID:         uuid.New(),
		Type:       jobType,
		FilterID:   filterID,
		CreatedAt:  time.Now(),
		RetryCount: 0,
		MaxRetries: 3,
	}
}

// NewBulkTagJob creates a job that runs a single filter
func NewBulkTagJob(filterID int64) *Job {
	return NewJob(JobTypeBulkTagFilter, &filterID)
}

// NewSweepJob creates a daily sweep job, optionally delayed until notBefore
func NewSweepJob(notBefore *time.Time) *Job {
	job := NewJob(JobTypeDailySweep, nil)
	job.NotBefore = notBefore
	return job
}

// Validate checks the job carries what its type needs
func (j *Job) Validate() error {
	switch j.Type {
	case JobTypeBulkTagFilter:
		if j.FilterID == nil || *j.FilterID <= 0 {
			return errors.New("bulk_tag_filter job requires a filter id")
		}
	case JobTypeDailySweep:
	default:
		return fmt.Errorf("unknown job type: %s", j.Type)
	}
	return nil
}

// ShouldProcess checks if the job should be processed now
func (j *Job) ShouldProcess() bool {
	now := time.Now()

	if j.NotBefore != nil && now.Before(*j.NotBefore) {
		return false
	}

	if j.NotAfter != nil && now.After(*j.NotAfter) {
		return false
	}

	return true
}

// IsExpired checks if the job has expired
func (j *Job) IsExpired() bool {
	if j.NotAfter == nil {
		return false
	}

	return time.Now().After(*j.NotAfter)
}

// CanRetry checks if the job can be retried
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// IncrementRetry increments the retry count
func (j *Job) IncrementRetry() {
	j.RetryCount++
}
