package engine

import (
	"os"
	"strconv"
	"sync"
	"time"
)

const defaultMaxParallelSubdiagrams = 10

// subdiagramTask tracks one submitted nested execution (grounded on
// parallel_executor.py's SubDiagramTask dataclass).
type subdiagramTask struct {
	nodeID     string
	diagramName string
	fn         func() (Envelope, error)

	startedAt  time.Time
	finishedAt time.Time
	result     Envelope
	err        error
	done       chan struct{}
}

// SubdiagramManager bounds how many nested sub-diagram executions may run
// concurrently (spec.md §4.9, C9). Submissions beyond max_parallel queue
// FIFO and start as in-flight slots free up.
type SubdiagramManager struct {
	maxParallel int
	sem         chan struct{}

	mu               sync.Mutex
	pending          []*subdiagramTask
	executing        map[string]*subdiagramTask
	completed        []*subdiagramTask
	failed           []*subdiagramTask
	queueWarningLogged bool

	onQueueWarning func(queued int)
}

// NewSubdiagramManager returns a manager capped at maxParallel concurrent
// sub-diagram executions. maxParallel <= 0 falls back to
// DIPEO_MAX_PARALLEL_SUBDIAGRAMS, then to 10.
func NewSubdiagramManager(maxParallel int) *SubdiagramManager {
	if maxParallel <= 0 {
		maxParallel = maxParallelFromEnv()
	}
	return &SubdiagramManager{
		maxParallel: maxParallel,
		sem:         make(chan struct{}, maxParallel),
		executing:   map[string]*subdiagramTask{},
	}
}

func maxParallelFromEnv() int {
	if v := os.Getenv("DIPEO_MAX_PARALLEL_SUBDIAGRAMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultMaxParallelSubdiagrams
}

// Submit registers fn as a sub-diagram execution for nodeID/diagramName. If
// fewer than max_parallel tasks are in flight it starts immediately;
// otherwise it queues FIFO and starts once a running slot frees up.
func (m *SubdiagramManager) Submit(nodeID, diagramName string, fn func() (Envelope, error)) {
	task := &subdiagramTask{
		nodeID:      nodeID,
		diagramName: diagramName,
		fn:          fn,
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	select {
	case m.sem <- struct{}{}:
		m.executing[nodeID] = task
		m.mu.Unlock()
		go m.run(task)
		return
	default:
	}

	m.pending = append(m.pending, task)
	queued := len(m.pending)
	if queued > 0 && !m.queueWarningLogged {
		m.queueWarningLogged = true
		warn := m.onQueueWarning
		m.mu.Unlock()
		if warn != nil {
			warn(queued)
		}
		return
	}
	m.mu.Unlock()
}

func (m *SubdiagramManager) run(task *subdiagramTask) {
	task.startedAt = time.Now()
	task.result, task.err = task.fn()
	task.finishedAt = time.Now()
	close(task.done)

	m.mu.Lock()
	delete(m.executing, task.nodeID)
	if task.err != nil {
		m.failed = append(m.failed, task)
	} else {
		m.completed = append(m.completed, task)
	}

	var next *subdiagramTask
	if len(m.pending) > 0 {
		next = m.pending[0]
		m.pending = m.pending[1:]
		m.executing[next.nodeID] = next
	} else {
		<-m.sem
	}
	m.mu.Unlock()

	if next != nil {
		go m.run(next)
	}
}

// WaitFor blocks until nodeID's task (in-flight, completed, or failed)
// finishes, returning its result envelope. A task whose function returned
// an error is converted to an error envelope carrying meta.execution_status =
// "failed" rather than propagating the Go error, matching
// parallel_executor.py's wait_for_task. A panic inside a task's function is
// not recovered.
func (m *SubdiagramManager) WaitFor(nodeID string) Envelope {
	task := m.findTask(nodeID)
	if task == nil {
		return NewEnvelopeFactory().Error("no sub-diagram task submitted for "+nodeID, "SubdiagramError")
	}
	<-task.done
	if task.err != nil {
		return NewEnvelopeFactory().Error(task.err.Error(), "SubdiagramError",
			WithExtraMeta(map[string]any{"execution_status": "failed"}))
	}
	return task.result
}

func (m *SubdiagramManager) findTask(nodeID string) *subdiagramTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.executing[nodeID]; ok {
		return t
	}
	for _, t := range m.completed {
		if t.nodeID == nodeID {
			return t
		}
	}
	for _, t := range m.failed {
		if t.nodeID == nodeID {
			return t
		}
	}
	for _, t := range m.pending {
		if t.nodeID == nodeID {
			return t
		}
	}
	return nil
}

// WaitAll blocks until the pending queue and in-flight set are both empty.
func (m *SubdiagramManager) WaitAll() {
	for {
		m.mu.Lock()
		inflight := make([]*subdiagramTask, 0, len(m.executing))
		for _, t := range m.executing {
			inflight = append(inflight, t)
		}
		pendingEmpty := len(m.pending) == 0
		m.mu.Unlock()

		if pendingEmpty && len(inflight) == 0 {
			return
		}
		for _, t := range inflight {
			<-t.done
		}
		if pendingEmpty {
			time.Sleep(time.Millisecond)
		}
	}
}

// ExecutionSummaryTiming reports avg/max/min duration across completed and
// failed tasks, in seconds.
type ExecutionSummaryTiming struct {
	AvgSeconds float64
	MaxSeconds float64
	MinSeconds float64
}

// SubdiagramSummary mirrors parallel_executor.py's get_execution_summary
// shape.
type SubdiagramSummary struct {
	TotalTasks  int
	Completed   int
	Failed      int
	MaxParallel int
	QueueUsed   bool
	Errors      []string
	Timing      *ExecutionSummaryTiming
}

// GetExecutionSummary returns totals, any collected errors, and simple
// timing stats across every task this manager has ever run.
func (m *SubdiagramManager) GetExecutionSummary() SubdiagramSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := SubdiagramSummary{
		Completed:   len(m.completed),
		Failed:      len(m.failed),
		MaxParallel: m.maxParallel,
		QueueUsed:   m.queueWarningLogged,
	}
	summary.TotalTasks = summary.Completed + summary.Failed

	for _, t := range m.failed {
		summary.Errors = append(summary.Errors, t.err.Error())
	}

	all := append(append([]*subdiagramTask{}, m.completed...), m.failed...)
	if len(all) > 0 {
		var sum, max, min float64
		min = all[0].finishedAt.Sub(all[0].startedAt).Seconds()
		for _, t := range all {
			d := t.finishedAt.Sub(t.startedAt).Seconds()
			sum += d
			if d > max {
				max = d
			}
			if d < min {
				min = d
			}
		}
		summary.Timing = &ExecutionSummaryTiming{
			AvgSeconds: sum / float64(len(all)),
			MaxSeconds: max,
			MinSeconds: min,
		}
	}

	return summary
}
