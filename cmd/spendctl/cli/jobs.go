package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hibiken/asynq"

	"github.com/spendlens/spendlens/jobs"
)

// JobsCLI wraps manual management helpers for the analysis queues.
type JobsCLI struct {
	queue     jobs.Enqueuer
	client    *jobs.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) *JobsCLI {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client := jobs.NewClient(opts, jobs.Policy{})
	return &JobsCLI{queue: client, client: client, inspector: asynq.NewInspector(opts)}
}

// NewJobsCLIWithQueue builds a CLI that enqueues into queue and cannot inspect.
func NewJobsCLIWithQueue(queue jobs.Enqueuer) *JobsCLI {
	return &JobsCLI{queue: queue}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a maintenance job by name: "retrain" or "sweep".
func (c *JobsCLI) Trigger(ctx context.Context, name string, limit int) (jobs.Ack, error) {
	if c == nil || c.queue == nil {
		return jobs.Ack{}, errors.New("jobs cli: queue not configured")
	}
	var job jobs.Job
	var err error
	switch name {
	case "retrain", jobs.TaskRetrainCheck:
		job, err = jobs.NewRetrainCheckJob("manual")
	case "sweep", jobs.TaskSweepStale:
		job, err = jobs.NewSweepStaleJob(limit)
	default:
		return jobs.Ack{}, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	if err != nil {
		return jobs.Ack{}, err
	}
	return c.queue.Enqueue(ctx, job)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueues reports metrics for the analysis and default queues.
func (c *JobsCLI) InspectQueues(ctx context.Context) ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	out := make([]QueueStats, 0, 2)
	for _, name := range []string{jobs.QueueAnalysis, jobs.QueueDefault} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stats := QueueStats{Queue: name}
		info, err := c.inspector.GetQueueInfo(name)
		if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, err
		}
		if info != nil {
			stats.Pending = info.Pending
			stats.Active = info.Active
			stats.Scheduled = info.Scheduled
			stats.Retry = info.Retry
			stats.Archived = info.Archived
		}
		out = append(out, stats)
	}
	return out, nil
}

// TriggerOptions defines the flags of the retrain and sweep commands.
type TriggerOptions struct {
	Job        string
	Limit      int
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// TriggerCommand enqueues a maintenance job and prints the acknowledgement.
func (c *JobsCLI) TriggerCommand(ctx context.Context, opts TriggerOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	ack, err := c.Trigger(ctx, opts.Job, opts.Limit)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "%s: %v\n", opts.Job, err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(ack); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "%s: encode json: %v\n", opts.Job, err)
			return 1
		}
		return 0
	}
	if ack.Duplicate {
		_, _ = fmt.Fprintf(opts.Stdout, "%s already queued on %s\n", opts.Job, ack.Queue)
		return 0
	}
	_, _ = fmt.Fprintf(opts.Stdout, "%s enqueued on %s (task %s)\n", opts.Job, ack.Queue, ack.ID)
	return 0
}

// QueueCommand prints queue statistics.
func (c *JobsCLI) QueueCommand(ctx context.Context, jsonOutput bool, stdout, stderr io.Writer) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	stats, err := c.InspectQueues(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "queue: %v\n", err)
		return 1
	}
	if jsonOutput {
		if err := json.NewEncoder(stdout).Encode(stats); err != nil {
			_, _ = fmt.Fprintf(stderr, "queue: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	for _, s := range stats {
		_, _ = fmt.Fprintf(stdout, "%-10s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
	}
	return 0
}
