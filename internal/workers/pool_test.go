package workers_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/workers"
	"go.uber.org/zap"
)

func TestRunAllCollectsResultsInOrder(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), &workers.PoolConfig{Name: "test", NumWorkers: 3, QueueSize: 2})
	pool.Start()
	defer pool.Stop()

	boom := errors.New("boom")
	var ran atomic.Int32
	tasks := make([]workers.Task, 10)
	for i := range tasks {
		i := i
		tasks[i] = workers.TaskFunc(func(ctx context.Context) error {
			ran.Add(1)
			if i == 4 {
				return boom
			}
			if i == 7 {
				panic("bad input")
			}
			return nil
		})
	}

	errs := pool.RunAll(context.Background(), tasks)
	if ran.Load() != 10 {
		t.Fatalf("Expected 10 tasks to run, got %d", ran.Load())
	}
	for i, err := range errs {
		switch i {
		case 4:
			if !errors.Is(err, boom) {
				t.Errorf("Expected boom at 4, got %v", err)
			}
		case 7:
			var pe *workers.PanicError
			if !errors.As(err, &pe) {
				t.Errorf("Expected PanicError at 7, got %v", err)
			}
		default:
			if err != nil {
				t.Errorf("Expected nil at %d, got %v", i, err)
			}
		}
	}

	stats := pool.Stats()
	if stats.TasksFailed != 2 || stats.PanicRecovered != 1 {
		t.Errorf("Expected 2 failed and 1 panic, got %+v", stats)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), nil)
	pool.Start()
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if pool.IsRunning() {
		t.Error("Expected pool stopped")
	}
	err := pool.Submit(context.Background(), workers.TaskFunc(func(context.Context) error { return nil }))
	if !errors.Is(err, workers.ErrPoolStopped) {
		t.Errorf("Expected ErrPoolStopped, got %v", err)
	}
}

func TestRunAllOnStoppedPoolRunsInline(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), nil)
	errs := pool.RunAll(context.Background(), []workers.Task{
		workers.TaskFunc(func(context.Context) error { return nil }),
	})
	if len(errs) != 1 || errs[0] != nil {
		t.Errorf("Expected inline success, got %v", errs)
	}
}

func TestRunAllCompletesWhileStopping(t *testing.T) {
	for i := 0; i < 50; i++ {
		pool := workers.NewPool(zap.NewNop(), &workers.PoolConfig{Name: "race", NumWorkers: 2, QueueSize: 4})
		pool.Start()

		tasks := make([]workers.Task, 20)
		for j := range tasks {
			tasks[j] = workers.TaskFunc(func(context.Context) error { return nil })
		}

		done := make(chan []error, 1)
		go func() {
			done <- pool.RunAll(context.Background(), tasks)
		}()
		if err := pool.Stop(); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}

		select {
		case errs := <-done:
			if len(errs) != len(tasks) {
				t.Fatalf("Expected %d results, got %d", len(tasks), len(errs))
			}
			for j, err := range errs {
				if err != nil && !errors.Is(err, workers.ErrPoolStopped) {
					t.Errorf("Expected nil or ErrPoolStopped at %d, got %v", j, err)
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("RunAll did not return after Stop (iteration %d)", i)
		}
	}
}
