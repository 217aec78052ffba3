package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TaskID identifies one ingestion task.
type TaskID uuid.UUID

func NewTaskID() TaskID {
	return TaskID(uuid.Must(uuid.NewV7()))
}

func ParseTaskID(value string) (TaskID, error) {
	parsed, err := uuid.Parse(value)
	if err != nil {
		return TaskID{}, err
	}
	return TaskID(parsed), nil
}

func (id TaskID) String() string {
	return uuid.UUID(id).String()
}

// TaskStatus is the task lifecycle state. Transitions are monotonic
// except that cancelled may follow any non-terminal state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is one ingestion run. Progress counters are atomics so status
// reads never contend with workers.
type Task struct {
	ID        TaskID
	Roots     []string
	Recursive bool
	Watch     bool
	CreatedAt time.Time

	total     atomic.Int64
	processed atomic.Int64
	written   atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64

	mu       sync.Mutex
	status   TaskStatus
	lastErr  string
	doneAt   time.Time
	cancel   context.CancelFunc
}

// Snapshot is a consistent view of task progress for the RPC surface.
type Snapshot struct {
	ID        TaskID
	Roots     []string
	Recursive bool
	Watch     bool
	Status    TaskStatus
	Total     int64
	Processed int64
	Written   int64
	Skipped   int64
	Failed    int64
	LastError string
	CreatedAt time.Time
	DoneAt    time.Time
}

func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	status, lastErr, doneAt := t.status, t.lastErr, t.doneAt
	t.mu.Unlock()
	return Snapshot{
		ID:        t.ID,
		Roots:     t.Roots,
		Recursive: t.Recursive,
		Watch:     t.Watch,
		Status:    status,
		Total:     t.total.Load(),
		Processed: t.processed.Load(),
		Written:   t.written.Load(),
		Skipped:   t.skipped.Load(),
		Failed:    t.failed.Load(),
		LastError: lastErr,
		CreatedAt: t.CreatedAt,
		DoneAt:    doneAt,
	}
}

// transition moves the task to next if allowed, reporting whether the
// move happened.
func (t *Task) transition(next TaskStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.terminal() {
		return false
	}
	switch next {
	case TaskRunning:
		if t.status != TaskPending {
			return false
		}
	case TaskCancelled, TaskCompleted, TaskFailed:
		// any non-terminal state
	default:
		return false
	}
	t.status = next
	if next.terminal() {
		t.doneAt = time.Now()
	}
	return true
}

func (t *Task) recordError(err error) {
	t.mu.Lock()
	t.lastErr = err.Error()
	t.mu.Unlock()
}

func (t *Task) cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == TaskCancelled
}
