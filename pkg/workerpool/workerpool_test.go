package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andrej220/logfleet/pkg/lg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllJobs(t *testing.T) {
	p := NewPool[int]("test", 3, 10, lg.Discard)

	var sum atomic.Int64
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		p.Submit(Job[int]{
			Payload: i,
			Ctx:     context.Background(),
			Fn: func(_ context.Context, n int) error {
				sum.Add(int64(n))
				return nil
			},
			CleanupFunc: wg.Done,
		})
	}
	wg.Wait()
	p.Stop()

	assert.Equal(t, int64(210), sum.Load())
	assert.Equal(t, int32(0), p.ActiveWorkers())
}

func TestSubmitRunsOnCallerWhenQueueFull(t *testing.T) {
	p := NewPool[string]("test", 1, 1, lg.Discard)
	defer p.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	p.Submit(Job[string]{
		Payload: "blocker",
		Fn: func(context.Context, string) error {
			close(started)
			<-release
			return nil
		},
	})
	<-started

	// fills the single queue slot
	p.Submit(Job[string]{Payload: "queued", Fn: func(context.Context, string) error { return nil }})

	ran := false
	p.Submit(Job[string]{
		Payload: "overflow",
		Fn: func(context.Context, string) error {
			ran = true
			return nil
		},
	})

	assert.True(t, ran, "overflow job must run before Submit returns")
	assert.Equal(t, int64(1), p.CallerRuns())
	close(release)
}

func TestSubmitAfterStopRunsOnCaller(t *testing.T) {
	p := NewPool[int]("test", 2, 2, lg.Discard)
	p.Stop()
	p.Stop()

	ran := false
	p.Submit(Job[int]{Payload: 1, Fn: func(context.Context, int) error {
		ran = true
		return nil
	}})
	assert.True(t, ran)
	assert.Equal(t, int64(1), p.CallerRuns())
}

func TestPanicIsRecoveredAndCleanupRuns(t *testing.T) {
	p := NewPool[int]("test", 1, 1, lg.Discard)
	defer p.Stop()

	done := make(chan struct{})
	p.Submit(Job[int]{
		Payload:     1,
		Fn:          func(context.Context, int) error { panic("boom") },
		CleanupFunc: func() { close(done) },
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup not called")
	}

	// worker survives the panic
	next := make(chan struct{})
	p.Submit(Job[int]{Payload: 2, Fn: func(context.Context, int) error {
		close(next)
		return errors.New("logged, not retried")
	}})
	select {
	case <-next:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestStopDrainsQueue(t *testing.T) {
	p := NewPool[int]("test", 1, 5, lg.Discard)
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		p.Submit(Job[int]{Payload: i, Fn: func(context.Context, int) error {
			time.Sleep(time.Millisecond)
			n.Add(1)
			return nil
		}})
	}
	p.Stop()
	require.Equal(t, int32(5), n.Load())
}
