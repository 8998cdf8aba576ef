package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault carries maintenance work such as retraining and sweeps.
	QueueDefault = "default"
	// QueueAnalysis carries per-transaction categorization.
	QueueAnalysis = "analysis"

	// TaskAnalyzeTransaction categorizes and scores a single transaction.
	TaskAnalyzeTransaction = "analysis:transaction"
	// TaskRetrainCheck consumes pending corrections once the threshold is crossed.
	TaskRetrainCheck = "analysis:retrain_check"
	// TaskSweepStale resubmits transactions stuck in pending or processing.
	TaskSweepStale = "analysis:sweep_stale"

	// retrainUniqueWindow collapses bursts of corrections into one check.
	retrainUniqueWindow = time.Minute
)

// ErrInvalidPayload marks a task payload that can never succeed.
var ErrInvalidPayload = errors.New("jobs: invalid payload")

// Job is a queue-agnostic description of background work.
type Job struct {
	Type    string
	Payload []byte
	Queue   string
	// Unique deduplicates identical jobs for the window when positive.
	Unique   time.Duration
	MaxRetry int
	Timeout  time.Duration
}

// Ack confirms a job was accepted by the queue.
type Ack struct {
	ID        string
	Queue     string
	Duplicate bool
}

// Enqueuer submits jobs. Delivery is at least once and unordered.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) (Ack, error)
}

// Options renders the asynq options of a job.
func (j Job) Options() []asynq.Option {
	opts := make([]asynq.Option, 0, 4)
	queue := j.Queue
	if queue == "" {
		queue = QueueDefault
	}
	opts = append(opts, asynq.Queue(queue))
	if j.Unique > 0 {
		opts = append(opts, asynq.Unique(j.Unique))
	}
	if j.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(j.MaxRetry))
	}
	if j.Timeout > 0 {
		opts = append(opts, asynq.Timeout(j.Timeout))
	}
	return opts
}

// Task builds the asynq task for the job, used for cron registrations.
func (j Job) Task() *asynq.Task {
	return asynq.NewTask(j.Type, j.Payload, j.Options()...)
}

// AnalyzeTransactionPayload identifies the transaction to categorize.
type AnalyzeTransactionPayload struct {
	TransactionID uuid.UUID `json:"transaction_id"`
}

// NewAnalyzeTransactionJob builds the categorization job for id.
func NewAnalyzeTransactionJob(id uuid.UUID) (Job, error) {
	if id == uuid.Nil {
		return Job{}, fmt.Errorf("%w: transaction id required", ErrInvalidPayload)
	}
	body, err := json.Marshal(AnalyzeTransactionPayload{TransactionID: id})
	if err != nil {
		return Job{}, err
	}
	return Job{Type: TaskAnalyzeTransaction, Payload: body, Queue: QueueAnalysis}, nil
}

// DecodeAnalyzeTransaction parses and validates a categorization payload.
func DecodeAnalyzeTransaction(raw []byte) (AnalyzeTransactionPayload, error) {
	var payload AnalyzeTransactionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.TransactionID == uuid.Nil {
		return payload, fmt.Errorf("%w: transaction id required", ErrInvalidPayload)
	}
	return payload, nil
}

// RetrainCheckPayload records what triggered the check.
type RetrainCheckPayload struct {
	Trigger string `json:"trigger"`
}

// NewRetrainCheckJob builds a retrain check. Checks triggered by corrections
// are deduplicated for a short window.
func NewRetrainCheckJob(trigger string) (Job, error) {
	if trigger == "" {
		trigger = "cron"
	}
	body, err := json.Marshal(RetrainCheckPayload{Trigger: trigger})
	if err != nil {
		return Job{}, err
	}
	job := Job{Type: TaskRetrainCheck, Payload: body, Queue: QueueDefault, MaxRetry: 3}
	if trigger != "cron" {
		job.Unique = retrainUniqueWindow
	}
	return job, nil
}

// SweepStalePayload bounds a sweep run.
type SweepStalePayload struct {
	Limit int `json:"limit,omitempty"`
}

// NewSweepStaleJob builds a stale transaction sweep.
func NewSweepStaleJob(limit int) (Job, error) {
	body, err := json.Marshal(SweepStalePayload{Limit: limit})
	if err != nil {
		return Job{}, err
	}
	return Job{Type: TaskSweepStale, Payload: body, Queue: QueueDefault, MaxRetry: 1}, nil
}
