package stream

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBroadcastFanOut(t *testing.T) {
	t.Parallel()
	b := New[int](4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s1 := b.Subscribe(ctx)
	s2 := b.Subscribe(ctx)
	b.Publish(7)

	for i, ch := range []<-chan int{s1, s2} {
		select {
		case v := <-ch:
			if v != 7 {
				t.Fatalf("subscriber %d got %d", i, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcastDropsOldest(t *testing.T) {
	t.Parallel()
	b := New[int](3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := b.Subscribe(ctx)

	dropped := 0
	for i := 1; i <= 5; i++ {
		dropped += b.Publish(i)
	}
	if dropped != 2 {
		t.Fatalf("dropped=%d want 2", dropped)
	}
	for _, want := range []int{3, 4, 5} {
		if got := <-ch; got != want {
			t.Fatalf("got %d want %d", got, want)
		}
	}
}

func TestBroadcastUnsubscribeOnCancel(t *testing.T) {
	t.Parallel()
	b := New[string](1)
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	if n := b.Subscribers(); n != 0 {
		t.Fatalf("subscribers=%d", n)
	}
	// Publishing with no subscribers must not panic or block.
	b.Publish("late")
}

func TestBroadcastConcurrentPublish(t *testing.T) {
	t.Parallel()
	b := New[int](8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := b.Subscribe(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(j)
			}
		}()
	}
	wg.Wait()
	if len(ch) != 8 {
		t.Fatalf("buffer len=%d want 8", len(ch))
	}
}

func TestQueueRunsInOrder(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	defer q.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		q.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		})
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("position %d ran task %d", i, v)
		}
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	q.Close()
	select {
	case <-q.Done():
	case <-time.After(time.Second):
		t.Fatal("queue goroutine did not exit")
	}
	if q.Submit(func() {}) {
		t.Fatal("Submit after Close should fail")
	}
}

func TestQueueSubmitFromTask(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	defer q.Close()
	done := make(chan struct{})
	q.Submit(func() {
		q.Submit(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested submit did not run")
	}
}

func TestBoundedQueueDropsOldestOffered(t *testing.T) {
	t.Parallel()
	q := NewBoundedQueue(3)
	defer q.Close()

	gate := make(chan struct{})
	q.Submit(func() { <-gate })

	var mu sync.Mutex
	var got []string
	record := func(s string) func() {
		return func() {
			mu.Lock()
			got = append(got, s)
			mu.Unlock()
		}
	}
	q.Offer(record("f1"))
	q.Submit(record("link-up"))
	q.Offer(record("f2"))
	q.Offer(record("f3"))
	q.Offer(record("f4"))
	q.Submit(record("link-down"))
	q.Offer(record("f5"))
	done := make(chan struct{})
	q.Submit(func() { close(done) })

	close(gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}

	want := []string{"link-up", "f3", "f4", "link-down", "f5"}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("ran %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ran %v, want %v", got, want)
		}
	}
	if d := q.Dropped(); d != 2 {
		t.Fatalf("dropped=%d, want 2", d)
	}
}
