package eventloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func startLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	loop := New(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop, cancel
}

func TestLoopExecutesStepsInOrder(t *testing.T) {
	loop, _ := startLoop(t)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		value := i
		if !loop.Post(func() {
			mu.Lock()
			order = append(order, value)
			mu.Unlock()
		}) {
			t.Fatalf("post %d rejected", i)
		}
	}
	if err := loop.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("do failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("expected 5 steps, got %d", len(order))
	}
	for i, value := range order {
		if value != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestLoopSurvivesPanickingStep(t *testing.T) {
	loop, _ := startLoop(t)

	loop.Post(func() { panic("boom") })
	ran := false
	if err := loop.Do(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("do failed: %v", err)
	}
	if !ran {
		t.Fatalf("expected step after panic to run")
	}
}

func TestLoopRejectsPostsAfterStop(t *testing.T) {
	loop := New(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	cancel()

	select {
	case <-loop.Done():
	case <-time.After(time.Second):
		t.Fatalf("loop did not stop")
	}

	if loop.Post(func() {}) {
		t.Fatalf("expected post after stop to be rejected")
	}
	if err := loop.Do(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestInlineRunsImmediately(t *testing.T) {
	ran := false
	if !(Inline{}).Post(func() { ran = true }) {
		t.Fatalf("expected inline post to succeed")
	}
	if !ran {
		t.Fatalf("expected inline step to run")
	}
}
