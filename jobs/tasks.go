package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "treasury:idempotency_cleanup"
	// TaskRequisitionDigest summarises requisitions awaiting action.
	TaskRequisitionDigest = "treasury:requisition_digest"
)

// IdempotencyCleanupPayload bounds how long keys are retained.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retentionHours"`
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}

// RequisitionDigestPayload carries digest parameters.
type RequisitionDigestPayload struct {
	// StaleAfterHours flags requisitions waiting longer than this.
	StaleAfterHours int `json:"staleAfterHours"`
}

// NewRequisitionDigestTask constructs the digest task.
func NewRequisitionDigestTask(payload RequisitionDigestPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRequisitionDigest, data), nil
}
