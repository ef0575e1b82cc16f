// Package queue provides the in-process priority queue and worker pool that
// execute team_agent_loop jobs.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrJobExists is returned when a job with the same ID is already queued.
	ErrJobExists = errors.New("job already exists in queue")
)

// AgentLoopJob is one unit of agent work: run an agent loop for a step.
type AgentLoopJob struct {
	ID                 string            `json:"id"`
	TeamAgentID        string            `json:"team_agent_id"`
	DeploymentID       string            `json:"deployment_id"`
	WorkspaceID        string            `json:"workspace_id"`
	SpaceID            string            `json:"space_id"`
	Role               string            `json:"role"`
	SystemPrompt       string            `json:"system_prompt,omitempty"`
	Capabilities       []string          `json:"capabilities,omitempty"`
	StepID             string            `json:"step_id"`
	StepContext        map[string]string `json:"step_context,omitempty"` // name, task
	TargetTaskID       string            `json:"target_task_id,omitempty"`
	TargetExperimentID string            `json:"target_experiment_id,omitempty"`
	Priority           int               `json:"priority"`
}

type queuedJob struct {
	job      *AgentLoopJob
	queuedAt time.Time
	index    int
}

type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].queuedAt.Before(h[j].queuedAt)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	item := x.(*queuedJob)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// JobQueue is a bounded priority queue of agent loop jobs.
type JobQueue struct {
	mu      sync.RWMutex
	heap    jobHeap
	jobMap  map[string]*queuedJob
	maxSize int
	notify  chan struct{}
}

// NewJobQueue creates a queue; maxSize <= 0 means unbounded.
func NewJobQueue(maxSize int) *JobQueue {
	q := &JobQueue{
		heap:    make(jobHeap, 0),
		jobMap:  make(map[string]*queuedJob),
		maxSize: maxSize,
		notify:  make(chan struct{}, 1),
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a job. Duplicate IDs are rejected so redispatch races stay
// idempotent at the queue boundary.
func (q *JobQueue) Enqueue(job *AgentLoopJob) error {
	q.mu.Lock()
	if _, exists := q.jobMap[job.ID]; exists {
		q.mu.Unlock()
		return ErrJobExists
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		q.mu.Unlock()
		return ErrQueueFull
	}
	item := &queuedJob{job: job, queuedAt: time.Now()}
	heap.Push(&q.heap, item)
	q.jobMap[job.ID] = item
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes and returns the highest priority job, nil when empty.
func (q *JobQueue) Dequeue() *AgentLoopJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	item := heap.Pop(&q.heap).(*queuedJob)
	delete(q.jobMap, item.job.ID)
	return item.job
}

// Remove drops a queued job by ID.
func (q *JobQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, exists := q.jobMap[jobID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, item.index)
	delete(q.jobMap, jobID)
	return true
}

// Len returns the number of queued jobs.
func (q *JobQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}
