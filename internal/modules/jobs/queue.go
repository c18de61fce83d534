package jobs

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Task types
const (
	TypeRender       = "render:process"
	TypeCleanupFiles = "files:cleanup"
)

// RedisConnOpt builds asynq connection options from a redis:// URL or a host:port.
func RedisConnOpt(url string) (asynq.RedisConnOpt, error) {
	if strings.Contains(url, "://") {
		return asynq.ParseRedisURI(url)
	}
	return asynq.RedisClientOpt{Addr: url}, nil
}

// QueueClient handles job queue operations
type QueueClient struct {
	client *asynq.Client
	logger *zap.Logger
}

// NewQueueClient creates a new queue client
func NewQueueClient(redisOpt asynq.RedisConnOpt, logger *zap.Logger) *QueueClient {
	return &QueueClient{
		client: asynq.NewClient(redisOpt),
		logger: logger,
	}
}

// Close closes the queue client
func (q *QueueClient) Close() error {
	return q.client.Close()
}

// RenderPayload contains render task data
type RenderPayload struct {
	RunSpec
	Preview bool `json:"preview"`
}

// CleanupPayload contains file cleanup task data
type CleanupPayload struct {
	Zone   string `json:"zone"`
	MaxAge int64  `json:"max_age_seconds"`
}

// NewRenderTask builds the task for payload. Renders are never retried: a failed ffmpeg
// run is reported to the caller, not repeated behind their back.
func NewRenderTask(payload RenderPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	queue := "default"
	if payload.Preview {
		queue = "critical"
	}
	return asynq.NewTask(TypeRender, data,
		asynq.MaxRetry(0),
		asynq.Timeout(2*time.Hour),
		asynq.Queue(queue),
		asynq.TaskID(payload.ID),
	), nil
}

// EnqueueRender queues a render task
func (q *QueueClient) EnqueueRender(payload RenderPayload) (*asynq.TaskInfo, error) {
	task, err := NewRenderTask(payload)
	if err != nil {
		return nil, err
	}

	info, err := q.client.Enqueue(task)
	if err != nil {
		q.logger.Error("Failed to enqueue render task", zap.Error(err))
		return nil, err
	}

	q.logger.Info("Render task enqueued",
		zap.String("task_id", info.ID),
		zap.String("job_id", payload.ID),
		zap.String("queue", info.Queue),
	)

	return info, nil
}

// NewCleanupScheduler registers periodic cleanup of old uploads and renders.
func NewCleanupScheduler(redisOpt asynq.RedisConnOpt, logger *zap.Logger) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(redisOpt, nil)

	schedule := []struct {
		spec    string
		payload CleanupPayload
	}{
		{"@hourly", CleanupPayload{Zone: "upload", MaxAge: int64((24 * time.Hour).Seconds())}},
		{"@daily", CleanupPayload{Zone: "output", MaxAge: int64((7 * 24 * time.Hour).Seconds())}},
	}

	for _, s := range schedule {
		data, err := json.Marshal(s.payload)
		if err != nil {
			return nil, err
		}
		if _, err := scheduler.Register(s.spec, asynq.NewTask(TypeCleanupFiles, data, asynq.MaxRetry(1), asynq.Queue("low"))); err != nil {
			return nil, err
		}
		logger.Debug("Scheduled cleanup", zap.String("zone", s.payload.Zone), zap.String("spec", s.spec))
	}

	return scheduler, nil
}
