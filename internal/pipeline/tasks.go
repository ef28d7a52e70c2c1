package pipeline

import (
	"context"
	"sync"

	"github.com/banshee-data/locus/internal/config"
	"github.com/banshee-data/locus/internal/monitoring"
)

// TaskManager runs background work (deliveries, flushes) off the caller's
// goroutine. Each task gets its own context bounded by task_timeout. At most
// max_tasks are tracked; starting one more cancels the oldest instead of
// refusing the new one.
type TaskManager struct {
	cfg config.Source

	mu     sync.Mutex
	nextID uint64
	tasks  map[uint64]context.CancelFunc
	wg     sync.WaitGroup
}

// NewTaskManager returns an idle manager.
func NewTaskManager(cfg config.Source) *TaskManager {
	return &TaskManager{cfg: cfg, tasks: make(map[uint64]context.CancelFunc)}
}

// Go starts fn and returns its task ID. fn must honour ctx.
func (m *TaskManager) Go(name string, fn func(ctx context.Context)) uint64 {
	cfg := m.cfg.Current()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.GetTaskTimeout())

	m.mu.Lock()
	for max := cfg.GetMaxTasks(); len(m.tasks) >= max && len(m.tasks) > 0; {
		m.cancelOldestLocked()
	}
	m.nextID++
	id := m.nextID
	m.tasks[id] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.finish(id)
		fn(ctx)
	}()
	monitoring.Debugf("task %d (%s) started", id, name)
	return id
}

func (m *TaskManager) cancelOldestLocked() {
	var oldest uint64
	for id := range m.tasks {
		if oldest == 0 || id < oldest {
			oldest = id
		}
	}
	monitoring.Warnf("task limit reached, cancelling task %d", oldest)
	m.tasks[oldest]()
	delete(m.tasks, oldest)
}

func (m *TaskManager) finish(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.tasks[id]; ok {
		cancel()
		delete(m.tasks, id)
	}
}

// Running returns the number of tracked tasks.
func (m *TaskManager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Release cancels every tracked task. The manager stays usable.
func (m *TaskManager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.tasks {
		cancel()
		delete(m.tasks, id)
	}
}

// Wait blocks until every started task has returned.
func (m *TaskManager) Wait() {
	m.wg.Wait()
}
