package docqa

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is an asynchronous document question. The uploaded document lives at
// DocumentPath until the worker has processed it.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	DocumentName string `gorm:"size:255;not null"`
	DocumentPath string `gorm:"size:1024;not null"`
	Question     string `gorm:"type:text;not null"`

	IdempotencyKey *string `gorm:"type:varchar(128);uniqueIndex:uniq_docqa_idempo" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	Answer *string `gorm:"type:text"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "docqa_jobs" }
