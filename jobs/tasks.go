// Package jobs wires background housekeeping and delayed sync retries onto
// Asynq.
package jobs

import (
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskQueueHousekeeping purges aged queue entries and clears synced ones.
	TaskQueueHousekeeping = "queue:housekeeping"
	// TaskSyncRedrain triggers one sync engine drain pass.
	TaskSyncRedrain = "sync:redrain"
)

// NewQueueHousekeepingTask constructs the housekeeping task.
func NewQueueHousekeepingTask() *asynq.Task {
	return asynq.NewTask(TaskQueueHousekeeping, nil)
}

// NewSyncRedrainTask constructs the re-drain task.
func NewSyncRedrainTask() *asynq.Task {
	return asynq.NewTask(TaskSyncRedrain, nil)
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// ScheduleRedrain enqueues a delayed re-drain of the local sale queue.
func (c *Client) ScheduleRedrain(delay time.Duration) error {
	_, err := c.client.Enqueue(NewSyncRedrainTask(), asynq.Queue(QueueDefault), asynq.ProcessIn(delay))
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
