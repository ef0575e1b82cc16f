package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdeck/crewdeck/internal/common/logger"
)

func TestJobQueuePriorityOrder(t *testing.T) {
	q := NewJobQueue(0)
	require.NoError(t, q.Enqueue(&AgentLoopJob{ID: "low", Priority: 1}))
	require.NoError(t, q.Enqueue(&AgentLoopJob{ID: "high", Priority: 10}))
	require.NoError(t, q.Enqueue(&AgentLoopJob{ID: "mid", Priority: 5}))

	assert.Equal(t, "high", q.Dequeue().ID)
	assert.Equal(t, "mid", q.Dequeue().ID)
	assert.Equal(t, "low", q.Dequeue().ID)
	assert.Nil(t, q.Dequeue())
}

func TestJobQueueFIFOWithinPriority(t *testing.T) {
	q := NewJobQueue(0)
	require.NoError(t, q.Enqueue(&AgentLoopJob{ID: "first"}))
	time.Sleep(time.Millisecond)
	require.NoError(t, q.Enqueue(&AgentLoopJob{ID: "second"}))

	assert.Equal(t, "first", q.Dequeue().ID)
	assert.Equal(t, "second", q.Dequeue().ID)
}

func TestJobQueueRejectsDuplicatesAndOverflow(t *testing.T) {
	q := NewJobQueue(2)
	require.NoError(t, q.Enqueue(&AgentLoopJob{ID: "a"}))
	assert.ErrorIs(t, q.Enqueue(&AgentLoopJob{ID: "a"}), ErrJobExists)
	require.NoError(t, q.Enqueue(&AgentLoopJob{ID: "b"}))
	assert.ErrorIs(t, q.Enqueue(&AgentLoopJob{ID: "c"}), ErrQueueFull)

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	assert.Equal(t, 1, q.Len())
}

func TestWorkerPoolProcessesJobs(t *testing.T) {
	q := NewJobQueue(0)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[string]bool)
	done := make(chan struct{}, 3)
	pool := NewWorkerPool(q, 2, func(_ context.Context, job *AgentLoopJob) error {
		mu.Lock()
		seen[job.ID] = true
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	for _, id := range []string{"j1", "j2", "j3"} {
		require.NoError(t, q.Enqueue(&AgentLoopJob{ID: id}))
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 3)
}
