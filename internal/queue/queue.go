package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	ScanTasksQueue      = "quill:tasks:scan"
	ScanTasksProcessing = "quill:tasks:processing"
	WorkerHeartbeatKey  = "quill:workers:heartbeat"
	WorkerActiveKey     = "quill:workers:active"
	TaskStatusPrefix    = "quill:task:status:"

	TaskTypeScanAsset = "scan_asset"

	statusTTL = 24 * time.Hour
)

// Task states reported through GetStatus.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

// Queue is a Redis-backed task queue. Pending tasks sit in a sorted set
// keyed by enqueue time; dequeued tasks move to a processing set until they
// complete.
type Queue struct {
	client *redis.Client
}

func New(cfg Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Task is one unit of background work: run every snapshotted rule against
// one scan asset.
type Task struct {
	ID          uuid.UUID `json:"id"`
	Type        string    `json:"type"`
	ScanAssetID uuid.UUID `json:"scan_asset_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskStatus is the observable state of a task.
type TaskStatus struct {
	TaskID      uuid.UUID  `json:"task_id"`
	State       string     `json:"state"`
	Error       string     `json:"error,omitempty"`
	Traceback   string     `json:"traceback,omitempty"`
	WorkerID    string     `json:"worker_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Enqueue adds a task and returns its id.
func (q *Queue) Enqueue(ctx context.Context, task *Task) (uuid.UUID, error) {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Type == "" {
		task.Type = TaskTypeScanAsset
	}
	task.CreatedAt = time.Now()

	data, err := json.Marshal(task)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling task: %w", err)
	}

	if err := q.client.ZAdd(ctx, ScanTasksQueue, redis.Z{
		Score:  float64(task.CreatedAt.Unix()),
		Member: string(data),
	}).Err(); err != nil {
		return uuid.Nil, fmt.Errorf("enqueueing task: %w", err)
	}

	_ = q.setStatus(ctx, &TaskStatus{TaskID: task.ID, State: TaskPending})
	return task.ID, nil
}

// Dequeue pops the oldest pending task, or (nil, nil) when the queue is
// empty. Cancelled tasks are consumed and skipped.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Task, error) {
	for {
		results, err := q.client.ZPopMin(ctx, ScanTasksQueue, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("dequeuing task: %w", err)
		}
		if len(results) == 0 {
			return nil, nil
		}

		var task Task
		if err := json.Unmarshal([]byte(results[0].Member.(string)), &task); err != nil {
			return nil, fmt.Errorf("unmarshaling task: %w", err)
		}

		status, _ := q.GetStatus(ctx, task.ID)
		if status != nil && status.State == TaskCancelled {
			continue
		}

		if err := q.client.SAdd(ctx, ScanTasksProcessing, results[0].Member).Err(); err != nil {
			q.client.ZAdd(ctx, ScanTasksQueue, results[0])
			return nil, fmt.Errorf("marking task as processing: %w", err)
		}

		now := time.Now()
		_ = q.setStatus(ctx, &TaskStatus{
			TaskID:    task.ID,
			State:     TaskRunning,
			WorkerID:  workerID,
			StartedAt: &now,
		})
		return &task, nil
	}
}

// Complete moves a task out of the processing set and records its terminal
// state. errMsg and traceback are recorded for failures.
func (q *Queue) Complete(ctx context.Context, task *Task, success bool, errMsg, traceback string) error {
	data, _ := json.Marshal(task)
	q.client.SRem(ctx, ScanTasksProcessing, string(data))

	state := TaskCompleted
	if !success {
		state = TaskFailed
	}

	now := time.Now()
	status, _ := q.GetStatus(ctx, task.ID)
	if status == nil {
		status = &TaskStatus{TaskID: task.ID}
	}
	status.State = state
	status.Error = errMsg
	status.Traceback = traceback
	status.CompletedAt = &now
	return q.setStatus(ctx, status)
}

// Cancel marks a pending task cancelled. Returns false when the task has
// already been picked up; cancellation then falls to the runner's
// between-rule checkpoint.
func (q *Queue) Cancel(ctx context.Context, taskID uuid.UUID) (bool, error) {
	status, err := q.GetStatus(ctx, taskID)
	if err != nil {
		return false, err
	}
	if status == nil || status.State != TaskPending {
		return false, nil
	}
	status.State = TaskCancelled
	if err := q.setStatus(ctx, status); err != nil {
		return false, err
	}
	return true, nil
}

func (q *Queue) setStatus(ctx context.Context, status *TaskStatus) error {
	status.UpdatedAt = time.Now()
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	key := TaskStatusPrefix + status.TaskID.String()
	if err := q.client.Set(ctx, key, string(data), statusTTL).Err(); err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	return nil
}

func (q *Queue) GetStatus(ctx context.Context, taskID uuid.UUID) (*TaskStatus, error) {
	key := TaskStatusPrefix + taskID.String()
	data, err := q.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting status: %w", err)
	}

	var status TaskStatus
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return nil, fmt.Errorf("unmarshaling status: %w", err)
	}
	return &status, nil
}

func (q *Queue) GetQueueStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	pending, _ := q.client.ZCard(ctx, ScanTasksQueue).Result()
	processing, _ := q.client.SCard(ctx, ScanTasksProcessing).Result()

	stats["pending"] = pending
	stats["processing"] = processing

	return stats, nil
}

// WorkerHeartbeat records a liveness timestamp and the worker's current
// active job count.
func (q *Queue) WorkerHeartbeat(ctx context.Context, workerID string, activeJobs int) error {
	if err := q.client.HSet(ctx, WorkerHeartbeatKey, workerID, time.Now().Unix()).Err(); err != nil {
		return err
	}
	return q.client.HSet(ctx, WorkerActiveKey, workerID, activeJobs).Err()
}

// WorkerHeartbeats returns the last-seen time and active job count per
// worker.
type WorkerHeartbeats struct {
	LastSeen   time.Time
	ActiveJobs int
}

func (q *Queue) GetWorkerHeartbeats(ctx context.Context) (map[string]WorkerHeartbeats, error) {
	seen, err := q.client.HGetAll(ctx, WorkerHeartbeatKey).Result()
	if err != nil {
		return nil, fmt.Errorf("getting worker heartbeats: %w", err)
	}
	active, err := q.client.HGetAll(ctx, WorkerActiveKey).Result()
	if err != nil {
		return nil, fmt.Errorf("getting worker activity: %w", err)
	}

	workers := make(map[string]WorkerHeartbeats, len(seen))
	for workerID, lastSeen := range seen {
		var ts int64
		_, _ = fmt.Sscanf(lastSeen, "%d", &ts)
		var jobs int
		_, _ = fmt.Sscanf(active[workerID], "%d", &jobs)
		workers[workerID] = WorkerHeartbeats{
			LastSeen:   time.Unix(ts, 0),
			ActiveJobs: jobs,
		}
	}
	return workers, nil
}
