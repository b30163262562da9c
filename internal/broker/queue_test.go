package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func msg(body string) Message { return Message{Body: []byte(body)} }

func TestQueueFIFO(t *testing.T) {
	t.Parallel()
	q := NewQueue("q", 0, true)
	for _, b := range []string{"a", "b", "c"} {
		if err := q.Enqueue(msg(b)); err != nil {
			t.Fatalf("Enqueue(%s): %v", b, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		m, err := q.TryDequeue()
		if err != nil {
			t.Fatalf("TryDequeue: %v", err)
		}
		if string(m.Body) != want {
			t.Fatalf("got %q, want %q", m.Body, want)
		}
	}
	if _, err := q.TryDequeue(); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("TryDequeue on empty = %v, want ErrQueueEmpty", err)
	}
}

func TestQueueCapacityDropsNewest(t *testing.T) {
	t.Parallel()
	q := NewQueue("q", 2, true)
	_ = q.Enqueue(msg("1"))
	_ = q.Enqueue(msg("2"))
	if err := q.Enqueue(msg("3")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue over capacity = %v, want ErrQueueFull", err)
	}
	st := q.Stats()
	if st.Depth != 2 || st.Dropped != 1 || st.Enqueued != 2 {
		t.Fatalf("stats = %+v", st)
	}
	m, _ := q.TryDequeue()
	if string(m.Body) != "1" {
		t.Fatalf("head = %q, want 1 (newest must be dropped)", m.Body)
	}
}

func TestQueueCloseWakesBlockedDequeue(t *testing.T) {
	t.Parallel()
	q := NewQueue("q", 0, true)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	// Give the consumer a moment to block.
	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("Dequeue after Close = %v, want ErrQueueClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Dequeue was not woken by Close")
	}

	if err := q.Enqueue(msg("late")); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Enqueue after Close = %v, want ErrQueueClosed", err)
	}
	q.Close()
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()
	q := NewQueue("q", 0, true)
	got := make(chan string, 1)
	go func() {
		m, err := q.Dequeue(context.Background())
		if err != nil {
			got <- "err:" + err.Error()
			return
		}
		got <- string(m.Body)
	}()
	time.Sleep(10 * time.Millisecond)
	_ = q.Enqueue(msg("hello"))

	select {
	case s := <-got:
		if s != "hello" {
			t.Fatalf("got %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Enqueue")
	}
}

func TestQueueDequeueContextCancel(t *testing.T) {
	t.Parallel()
	q := NewQueue("q", 0, true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dequeue = %v, want deadline exceeded", err)
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	t.Parallel()
	q := NewQueue("q", 0, true)
	const producers, per = 8, 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				_ = q.Enqueue(msg("x"))
			}
		}()
	}
	wg.Wait()

	n := 0
	for {
		if _, err := q.TryDequeue(); err != nil {
			break
		}
		n++
	}
	if n != producers*per {
		t.Fatalf("drained %d, want %d", n, producers*per)
	}
}

func TestQueueCompactsAfterManyPops(t *testing.T) {
	t.Parallel()
	q := NewQueue("q", 0, true)
	for i := 0; i < 300; i++ {
		_ = q.Enqueue(Message{Seq: uint64(i)})
	}
	for i := 0; i < 300; i++ {
		m, err := q.TryDequeue()
		if err != nil {
			t.Fatalf("TryDequeue %d: %v", i, err)
		}
		if m.Seq != uint64(i) {
			t.Fatalf("seq = %d, want %d", m.Seq, i)
		}
		if i == 150 {
			_ = q.Enqueue(Message{Seq: 1000})
		}
	}
	m, err := q.TryDequeue()
	if err != nil || m.Seq != 1000 {
		t.Fatalf("tail = %+v, %v", m, err)
	}
}
