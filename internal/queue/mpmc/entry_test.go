package mpmc

import (
	"context"
	"errors"
	"meqserver/internal/global"
	"sync"
	"testing"
	"time"
)

func TestPushPopOrder(t *testing.T) {
	intPtr := func(v int) *int { return &v }

	tests := []struct {
		name     string
		capacity uint64
		ops      []struct {
			push *int
			want *int
		}
	}{
		{
			name:     "FIFO",
			capacity: 4,
			ops: []struct {
				push *int
				want *int
			}{
				{push: intPtr(1)}, {push: intPtr(2)}, {push: intPtr(3)},
				{want: intPtr(1)}, {want: intPtr(2)}, {want: intPtr(3)},
			},
		},
		{
			name:     "Wraparound",
			capacity: 2,
			ops: []struct {
				push *int
				want *int
			}{
				{push: intPtr(1)}, {push: intPtr(2)}, {want: intPtr(1)},
				{push: intPtr(3)}, {want: intPtr(2)}, {want: intPtr(3)},
				{push: intPtr(4)}, {want: intPtr(4)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := New[int]([]string{global.NSTest}, tt.capacity, 2, global.DefaultMaxQueueSize)
			if err != nil {
				t.Fatalf("expected no error creating queue, got '%v'", err)
			}
			for i, op := range tt.ops {
				if op.push != nil {
					if !q.Push(*op.push) {
						t.Fatalf("op %d: push(%d) failed", i, *op.push)
					}
					continue
				}
				got, ok := q.Pop(context.Background())
				if !ok {
					t.Fatalf("op %d: pop failed", i)
				}
				if got != *op.want {
					t.Fatalf("op %d: want %d, got %d", i, *op.want, got)
				}
			}
		})
	}
}

func TestNewInvalidCapacity(t *testing.T) {
	for _, capacity := range []uint64{0, 1, 3, 12} {
		_, err := New[int]([]string{global.NSTest}, capacity, 2, global.DefaultMaxQueueSize)
		if err == nil {
			t.Fatalf("capacity %d: expected error", capacity)
		}
	}
}

func TestPushFull(t *testing.T) {
	q, err := New[int]([]string{global.NSTest}, 2, 2, global.DefaultMaxQueueSize)
	if err != nil {
		t.Fatal(err)
	}
	q.Push(1)
	q.Push(2)
	if q.Push(3) {
		t.Fatalf("push into full queue succeeded")
	}
	if _, ok := q.Pop(context.Background()); !ok {
		t.Fatalf("pop failed")
	}
	if !q.Push(3) {
		t.Fatalf("push after pop failed")
	}
	if q.Len() != 2 {
		t.Fatalf("expected depth 2, got %d", q.Len())
	}
}

func TestPopHonoursContext(t *testing.T) {
	q, err := New[int]([]string{global.NSTest}, 4, 2, global.DefaultMaxQueueSize)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := q.Pop(ctx); ok {
		t.Fatalf("pop on empty queue returned a value")
	}
}

func TestCloseDrainsThenStops(t *testing.T) {
	q, err := New[string]([]string{global.NSTest}, 4, 2, global.DefaultMaxQueueSize)
	if err != nil {
		t.Fatal(err)
	}
	q.Push("a")
	q.Push("b")
	q.Close()

	if q.Push("c") {
		t.Fatalf("push after close succeeded")
	}
	err = q.PushBlocking(context.Background(), "c", 1)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	var got []string
	for {
		v, ok := q.Pop(context.Background())
		if !ok {
			break
		}
		got = append(got, v)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected drain result %v", got)
	}
}

func TestCloseWakesParkedConsumer(t *testing.T) {
	q, err := New[int]([]string{global.NSTest}, 4, 2, global.DefaultMaxQueueSize)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan bool)
	go func() {
		_, ok := q.Pop(context.Background())
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("pop on closed empty queue returned a value")
		}
	case <-time.After(time.Second):
		t.Fatalf("consumer not woken by close")
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	const producers, consumers, perProducer = 4, 4, 2000

	q, err := New[int]([]string{global.NSTest}, 64, 2, global.DefaultMaxQueueSize)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var seen sync.Map
	var consumersDone sync.WaitGroup
	for c := 0; c < consumers; c++ {
		consumersDone.Add(1)
		go func() {
			defer consumersDone.Done()
			for {
				v, ok := q.Pop(ctx)
				if !ok {
					return
				}
				if _, dup := seen.LoadOrStore(v, true); dup {
					t.Errorf("value %d popped twice", v)
				}
			}
		}()
	}

	var producersDone sync.WaitGroup
	for p := 0; p < producers; p++ {
		producersDone.Add(1)
		go func(base int) {
			defer producersDone.Done()
			for i := 0; i < perProducer; i++ {
				if err := q.PushBlocking(ctx, base+i, 8); err != nil {
					t.Errorf("push failed: %v", err)
					return
				}
			}
		}(p * perProducer)
	}
	producersDone.Wait()
	q.Close()
	consumersDone.Wait()

	count := 0
	seen.Range(func(_, _ any) bool { count++; return true })
	if count != producers*perProducer {
		t.Fatalf("expected %d values, got %d", producers*perProducer, count)
	}
}
