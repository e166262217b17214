package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueue_RunsTasks(t *testing.T) {
	q := NewQueue(Config{Size: 16, Workers: 2})

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		q.Go("count", func(context.Context) error {
			defer wg.Done()
			ran.Add(1)
			return nil
		})
	}
	wg.Wait()
	q.Close()

	if ran.Load() != 10 {
		t.Fatalf("expected 10 tasks to run, got %d", ran.Load())
	}
}

func TestQueue_ErrorsAreSwallowed(t *testing.T) {
	q := NewQueue(Config{Size: 4, Workers: 1})
	done := make(chan struct{})
	q.Go("fails", func(context.Context) error {
		defer close(done)
		return errors.New("boom")
	})
	<-done
	q.Close()
}

func TestQueue_PanicDoesNotKillWorker(t *testing.T) {
	q := NewQueue(Config{Size: 4, Workers: 1})
	q.Go("panics", func(context.Context) error { panic("boom") })

	done := make(chan struct{})
	q.Go("after", func(context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	q.Close()
}

func TestQueue_DropsWhenFull(t *testing.T) {
	var droppedNames []string
	var mu sync.Mutex
	q := NewQueue(Config{Size: 1, Workers: 1, OnDrop: func(name string) {
		mu.Lock()
		droppedNames = append(droppedNames, name)
		mu.Unlock()
	}})

	release := make(chan struct{})
	started := make(chan struct{})
	q.Go("blocker", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	q.Go("queued", func(context.Context) error { return nil })
	q.Go("overflow", func(context.Context) error { return nil })

	close(release)
	q.Close()

	if q.Dropped() != 1 {
		t.Fatalf("expected 1 dropped task, got %d", q.Dropped())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(droppedNames) != 1 || droppedNames[0] != "overflow" {
		t.Fatalf("expected overflow to be dropped, got %v", droppedNames)
	}
}

func TestQueue_GoAfterCloseDrops(t *testing.T) {
	q := NewQueue(Config{Size: 4, Workers: 1})
	q.Close()
	q.Go("late", func(context.Context) error {
		t.Error("task should not run after close")
		return nil
	})
	if q.Dropped() != 1 {
		t.Fatalf("expected 1 dropped task, got %d", q.Dropped())
	}
	q.Close() // idempotent
}

func TestInline_RecordsNames(t *testing.T) {
	s := &Inline{}
	s.Go("a", func(context.Context) error { return nil })
	s.Go("b", func(context.Context) error { return errors.New("ignored") })

	names := s.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected names: %v", names)
	}
}
