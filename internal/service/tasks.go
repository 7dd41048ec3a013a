package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskTypeBuild = "build:process"
	QueueBuilds   = "builds"
)

const taskRetention = 24 * time.Hour

type buildTaskPayload struct {
	BuildID string `json:"buildId"`
}

// NewBuildTask wraps a build id in an asynq task
func NewBuildTask(buildID string) (*asynq.Task, error) {
	data, err := json.Marshal(buildTaskPayload{BuildID: buildID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeBuild, data), nil
}

// ParseBuildTask returns the build id carried by a task payload
func ParseBuildTask(payload []byte) (string, error) {
	var p buildTaskPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("decode build task: %w", err)
	}
	if p.BuildID == "" {
		return "", errors.New("build task has no build id")
	}
	return p.BuildID, nil
}

// TaskOptions are the enqueue options of a build task. Builds are never
// retried by the queue; retries are explicit and charged.
func TaskOptions(timeout time.Duration) []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(QueueBuilds),
		asynq.MaxRetry(0),
		asynq.Retention(taskRetention),
	}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout))
	}
	return opts
}
