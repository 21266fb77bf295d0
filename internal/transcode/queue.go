package transcode

import (
	"context"
	"errors"
	"sync"

	"vodforge/internal/models"
)

// ErrQueueClosed is returned by Dequeue once the queue is closed and fully
// drained.
var ErrQueueClosed = errors.New("transcode queue closed")

// Task is one unit of transcoding work flowing through the queue. It carries
// everything a worker needs so brokered deployments can run workers without a
// shared address space.
type Task struct {
	JobID      string `json:"jobId"`
	VideoID    string `json:"videoId"`
	Resolution string `json:"resolution"`
	InputPath  string `json:"inputPath"`
}

// NewTask derives the queue message for a job record.
func NewTask(job models.TranscodingJob) Task {
	return Task{
		JobID:      job.ID,
		VideoID:    job.VideoID,
		Resolution: job.Resolution,
		InputPath:  job.InputPath,
	}
}

// Queue hands tasks to workers in priority order, FIFO within one priority
// class. Dequeue blocks until a task arrives, ctx ends, or the queue closes.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
	Depth(ctx context.Context) (int, error)
	Close() error
}

// MemoryQueue is the in-process queue used when no broker is configured.
type MemoryQueue struct {
	mu     sync.Mutex
	levels [lowestPriority + 1][]Task
	closed bool

	notify chan struct{}
	done   chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, task Task) error {
	priority := PriorityFor(task.Resolution)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.levels[priority] = append(q.levels[priority], task)
	q.mu.Unlock()
	q.nudge()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		q.mu.Lock()
		task, ok := q.pop()
		pending := q.pending()
		closed := q.closed
		q.mu.Unlock()

		if ok {
			if pending > 0 {
				// Another worker may be parked on an already-consumed
				// wakeup; pass it on.
				q.nudge()
			}
			return task, nil
		}
		if closed {
			return Task{}, ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-q.done:
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) Depth(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending(), nil
}

// Close stops intake; queued tasks are still handed out until the queue is
// drained.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
	return nil
}

// pop removes the oldest task from the highest-priority non-empty class.
// Callers must hold the lock.
func (q *MemoryQueue) pop() (Task, bool) {
	for priority := 1; priority <= lowestPriority; priority++ {
		level := q.levels[priority]
		if len(level) == 0 {
			continue
		}
		task := level[0]
		q.levels[priority] = level[1:]
		return task, true
	}
	return Task{}, false
}

func (q *MemoryQueue) pending() int {
	total := 0
	for priority := 1; priority <= lowestPriority; priority++ {
		total += len(q.levels[priority])
	}
	return total
}

func (q *MemoryQueue) nudge() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
