package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskHandler executes the work behind a dequeued task.
type TaskHandler interface {
	Run(ctx context.Context, scanAssetID uuid.UUID) error
}

// FailureCallback is invoked when a task's handler returns an error, after
// the task has been marked failed in the queue.
type FailureCallback func(ctx context.Context, task *Task, errMsg, traceback string)

// Worker consumes scan asset tasks and reports heartbeats.
type Worker struct {
	id      string
	queue   *Queue
	handler TaskHandler

	onFailure FailureCallback

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	activeJobs int
	running    bool
	mu         sync.Mutex
}

type WorkerConfig struct {
	Queue   *Queue
	Handler TaskHandler
}

func NewWorker(cfg WorkerConfig) *Worker {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	return &Worker{
		id:      workerID,
		queue:   cfg.Queue,
		handler: cfg.Handler,
	}
}

func (w *Worker) ID() string {
	return w.id
}

// OnFailure registers the callback invoked for failed tasks.
func (w *Worker) OnFailure(cb FailureCallback) {
	w.onFailure = cb
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	log.Printf("[%s] Worker starting", w.id)

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.wg.Add(1)
	go w.processLoop()

	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	log.Printf("[%s] Worker stopping", w.id)
	w.cancel()
	w.wg.Wait()
	log.Printf("[%s] Worker stopped", w.id)
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	w.queue.WorkerHeartbeat(w.ctx, w.id, 0)
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			active := w.activeJobs
			w.mu.Unlock()
			w.queue.WorkerHeartbeat(w.ctx, w.id, active)
		}
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			task, err := w.queue.Dequeue(w.ctx, w.id)
			if err != nil {
				log.Printf("[%s] Error dequeuing task: %v", w.id, err)
				time.Sleep(5 * time.Second)
				continue
			}

			if task == nil {
				time.Sleep(1 * time.Second)
				continue
			}

			log.Printf("[%s] Processing task %s (scan asset: %s)", w.id, task.ID, task.ScanAssetID)
			w.processTask(task)
		}
	}
}

func (w *Worker) processTask(task *Task) {
	w.mu.Lock()
	w.activeJobs++
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.activeJobs--
		w.mu.Unlock()
	}()

	err := w.runHandler(task)
	if err != nil {
		log.Printf("[%s] Task %s failed: %v", w.id, task.ID, err)
		traceback := string(debug.Stack())
		w.queue.Complete(w.ctx, task, false, err.Error(), traceback)
		if w.onFailure != nil {
			w.onFailure(w.ctx, task, err.Error(), traceback)
		}
		return
	}

	log.Printf("[%s] Task %s completed", w.id, task.ID)
	w.queue.Complete(w.ctx, task, true, "", "")
}

// runHandler contains handler panics so a bad task cannot take the worker
// down.
func (w *Worker) runHandler(task *Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task handler panic: %v", rec)
		}
	}()
	return w.handler.Run(w.ctx, task.ScanAssetID)
}
