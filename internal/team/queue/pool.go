package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
)

// JobHandler executes one agent loop job.
type JobHandler func(ctx context.Context, job *AgentLoopJob) error

// WorkerPool consumes jobs off the queue with a fixed number of workers.
type WorkerPool struct {
	queue    *JobQueue
	handler  JobHandler
	workers  int
	log      *logger.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewWorkerPool creates a pool; workers <= 0 defaults to 4.
func NewWorkerPool(q *JobQueue, workers int, handler JobHandler, log *logger.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	return &WorkerPool{
		queue:   q,
		handler: handler,
		workers: workers,
		log:     log.WithFields(zap.String("component", "agent-loop-pool")),
		stopCh:  make(chan struct{}),
	}
}

// Start spawns the worker goroutines. Safe to call once.
func (p *WorkerPool) Start(ctx context.Context) {
	if p.started {
		p.log.Warn("worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true
	p.log.Info("starting worker pool", zap.Int("workers", p.workers))

	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.run(ctx, workerID)
	}
}

// Stop signals workers to exit and waits for in-flight jobs to finish.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *WorkerPool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()
	// The poll ticker backstops lost notifications.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-p.queue.notify:
		case <-ticker.C:
		}

		for {
			job := p.queue.Dequeue()
			if job == nil {
				break
			}
			p.execute(ctx, workerID, job)
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

func (p *WorkerPool) execute(ctx context.Context, workerID string, job *AgentLoopJob) {
	log := p.log.WithFields(
		zap.String("worker_id", workerID),
		zap.String("job_id", job.ID),
		zap.String("deployment_id", job.DeploymentID),
		zap.String("agent_id", job.TeamAgentID),
		zap.String("step_id", job.StepID))
	log.Debug("executing agent loop job")

	if err := p.handler(ctx, job); err != nil {
		log.WithError(err).Warn("agent loop job failed")
		return
	}
	log.Debug("agent loop job finished")
}
