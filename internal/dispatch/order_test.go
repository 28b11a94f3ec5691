package dispatch

import (
	"context"
	"testing"
	"time"
)

// TestOrderedQueuePreservesSubmissionOrder covers spec.md §4.5: even
// when the first submitted item finishes its work after later ones,
// the handler must see results strictly in submission order.
func TestOrderedQueuePreservesSubmissionOrder(t *testing.T) {
	q := newOrderedQueue[int](8)

	// item 0 takes the longest, item 2 the shortest.
	delays := []time.Duration{30 * time.Millisecond, 15 * time.Millisecond, 0}
	for i, d := range delays {
		i, d := i, d
		q.submit(func() int {
			time.Sleep(d)
			return i
		})
	}

	var got []int
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		count := 0
		q.run(ctx, func(v int) {
			got = append(got, v)
			count++
			if count == len(delays) {
				cancel()
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ordered queue to drain")
	}

	want := []int{0, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestOrderedQueueStopsOnContextCancel(t *testing.T) {
	q := newOrderedQueue[int](8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		q.run(ctx, func(int) {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not return after context cancellation")
	}
}
