package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMapKeepsOrder(t *testing.T) {
	wp := New(Config{WorkerCount: 4, GlobalBuffer: 2})
	defer wp.Close()

	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}
	results := Map(context.Background(), wp, items, func(_ context.Context, n int) (int, error) {
		if n%10 == 0 {
			time.Sleep(time.Millisecond)
		}
		return n * n, nil
	})
	if len(results) != len(items) {
		t.Fatalf("got %d results, want %d", len(results), len(items))
	}
	for i, r := range results {
		if r.Err != nil || r.Value != i*i {
			t.Fatalf("result %d = %+v", i, r)
		}
	}
}

func TestConcurrencyBound(t *testing.T) {
	wp := New(Config{WorkerCount: 3})
	defer wp.Close()

	var running, peak int32
	room := NewRoom[struct{}](wp)
	for i := 0; i < 30; i++ {
		err := room.Submit(context.Background(), func(context.Context) (struct{}, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return struct{}{}, nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	room.Collect()
	if p := atomic.LoadInt32(&peak); p > 3 {
		t.Fatalf("peak concurrency %d exceeds 3 workers", p)
	}
}

func TestErrorsStayPerJob(t *testing.T) {
	wp := New(Config{WorkerCount: 2})
	defer wp.Close()

	boom := errors.New("boom")
	results := Map(context.Background(), wp, []int{1, 2, 3}, func(_ context.Context, n int) (int, error) {
		if n == 2 {
			return 0, boom
		}
		return n, nil
	})
	if !errors.Is(results[1].Err, boom) || results[0].Err != nil || results[2].Value != 3 {
		t.Fatalf("results = %+v", results)
	}
}

func TestCancelledContextSkipsJobs(t *testing.T) {
	wp := New(Config{WorkerCount: 1})
	defer wp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran int32
	results := Map(ctx, wp, []int{1, 2}, func(context.Context, int) (int, error) {
		atomic.AddInt32(&ran, 1)
		return 0, nil
	})
	for _, r := range results {
		if !errors.Is(r.Err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", r.Err)
		}
	}
	if ran != 0 {
		t.Fatalf("%d jobs ran after cancel", ran)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	wp := New(Config{WorkerCount: 1})
	wp.Close()
	wp.Close()

	room := NewRoom[int](wp)
	if err := room.Submit(context.Background(), func(context.Context) (int, error) { return 1, nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	results := room.Collect()
	if len(results) != 1 || !errors.Is(results[0].Err, ErrClosed) {
		t.Fatalf("results = %+v", results)
	}
}
