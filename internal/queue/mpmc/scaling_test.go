package mpmc

import (
	"context"
	"meqserver/internal/global"
	"sync"
	"testing"
	"time"
)

func TestTrend(t *testing.T) {
	tests := []struct {
		name     string
		values   []uint64
		capacity int
		wantUp   bool
		wantDown bool
	}{
		{"consistent growth above high water", []uint64{40, 50, 60, 75}, 100, true, false},
		{"growth broken by a dip", []uint64{40, 50, 49, 75}, 100, false, false},
		{"growth below high water", []uint64{10, 20, 30, 40}, 100, false, false},
		{"consistent shrink below low water", []uint64{20, 18, 10, 5}, 100, false, true},
		{"shrink broken by a bump", []uint64{20, 18, 19, 10}, 100, false, false},
		{"shrink above low water", []uint64{80, 60, 50, 40}, 100, false, false},
		{"too few samples", []uint64{90, 95}, 100, false, false},
		{"flat", []uint64{80, 80, 80, 80}, 100, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up, down := Trend(tt.values, tt.capacity)
			if up != tt.wantUp || down != tt.wantDown {
				t.Fatalf("got up=%v down=%v, want up=%v down=%v", up, down, tt.wantUp, tt.wantDown)
			}
		})
	}
}

func TestPowersOfTwo(t *testing.T) {
	tests := []struct{ in, next, prev int }{
		{1, 1, 0},
		{2, 2, 1},
		{3, 4, 2},
		{64, 64, 32},
		{65, 128, 64},
	}
	for _, tt := range tests {
		if got := nextPowerOfTwo(tt.in); got != tt.next {
			t.Errorf("nextPowerOfTwo(%d)=%d, want %d", tt.in, got, tt.next)
		}
		if got := prevPowerOfTwo(tt.in); got != tt.prev {
			t.Errorf("prevPowerOfTwo(%d)=%d, want %d", tt.in, got, tt.prev)
		}
	}
}

func TestScaleUpKeepsOrder(t *testing.T) {
	q, err := New[int]([]string{global.NSTest}, 4, 2, 64)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		q.Push(i)
	}
	if !q.ScaleCapacity(context.Background()) {
		t.Fatalf("expected full queue to grow")
	}
	if q.Capacity() != 8 {
		t.Fatalf("expected capacity 8, got %d", q.Capacity())
	}
	for i := 4; i < 8; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d into grown queue failed", i)
		}
	}
	for want := 0; want < 8; want++ {
		got, ok := q.Pop(context.Background())
		if !ok || got != want {
			t.Fatalf("want %d, got %d (ok=%v)", want, got, ok)
		}
	}
}

func TestScaleDownWhenIdle(t *testing.T) {
	q, err := New[int]([]string{global.NSTest}, 256, 16, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if !q.ScaleCapacity(context.Background()) {
		t.Fatalf("expected idle queue to shrink")
	}
	if q.Capacity() != 128 {
		t.Fatalf("expected capacity 128, got %d", q.Capacity())
	}

	small, err := New[int]([]string{global.NSTest}, 16, 16, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if small.ScaleCapacity(context.Background()) {
		t.Fatalf("queue at minimum capacity must not shrink")
	}
}

func TestResizeUnderLoad(t *testing.T) {
	const items = 3000
	q, err := New[int]([]string{global.NSTest}, 8, 2, 1024)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	received := make([]bool, items)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			v, ok := q.Pop(ctx)
			if !ok {
				return
			}
			received[v] = true
		}
	}()

	for i := 0; i < items; i++ {
		if err := q.PushBlocking(ctx, i, 8); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
		if i%500 == 0 {
			q.resize(uint64(16 << (i / 1000)))
		}
	}
	q.Close()
	wg.Wait()

	for i, ok := range received {
		if !ok {
			t.Fatalf("item %d lost across resize", i)
		}
	}
}

func TestScaleUpOnSteadyGrowth(t *testing.T) {
	q, err := New[int]([]string{global.NSTest}, 16, 2, 64)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		q.Push(i)
	}
	// Each sample is below the full threshold; only the rising trend triggers growth
	for i := 0; i < 3; i++ {
		if q.ScaleCapacity(context.Background()) {
			t.Fatalf("grew after %d samples", i+1)
		}
		q.Push(10 + i)
	}
	if !q.ScaleCapacity(context.Background()) {
		t.Fatalf("expected steadily filling queue to grow")
	}
	if q.Capacity() != 32 {
		t.Fatalf("expected capacity 32, got %d", q.Capacity())
	}
}
