package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeAllocationSweep        JobType = "allocation_sweep"
	JobTypeSubscriptionAllocation JobType = "subscription_allocation"
	JobTypeLedgerArchive          JobType = "ledger_archive"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// AllocationSweepJobPayload contains the payload for sweep jobs that scan
// tranche subscriptions and enqueue per-subscription allocation jobs
type AllocationSweepJobPayload struct {
	PeriodKey string `json:"period_key"` // YYYY-MM; empty = current period at processing time
}

// ToMap converts the payload to a map for storage
func (p AllocationSweepJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"period_key": p.PeriodKey,
	}
}

// FromMap creates a payload from a map
func AllocationSweepJobPayloadFromMap(data map[string]interface{}) (*AllocationSweepJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload AllocationSweepJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// SubscriptionAllocationJobPayload contains the payload for allocating one
// subscription's monthly tranche
type SubscriptionAllocationJobPayload struct {
	SubscriptionID uint   `json:"subscription_id"`
	PeriodKey      string `json:"period_key"`
}

// ToMap converts the payload to a map for storage
func (p SubscriptionAllocationJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"subscription_id": p.SubscriptionID,
		"period_key":      p.PeriodKey,
	}
}

// FromMap creates a payload from a map
func SubscriptionAllocationJobPayloadFromMap(data map[string]interface{}) (*SubscriptionAllocationJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload SubscriptionAllocationJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// LedgerArchiveJobPayload contains the payload for archiving one month of
// ledger transactions to object storage
type LedgerArchiveJobPayload struct {
	Month string `json:"month"` // YYYY-MM
}

// ToMap converts the payload to a map for storage
func (p LedgerArchiveJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"month": p.Month,
	}
}

// FromMap creates a payload from a map
func LedgerArchiveJobPayloadFromMap(data map[string]interface{}) (*LedgerArchiveJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload LedgerArchiveJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
