package dispatch

import (
	"sync"
	"testing"
)

func TestNew_RejectsEmpty(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("New(0) expected error")
	}
}

func TestRoundRobin_Cycles(t *testing.T) {
	rr, err := New(3)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	want := []int{0, 1, 2, 0, 1, 2, 0}
	for i, w := range want {
		if got := rr.Next(); got != w {
			t.Errorf("call %d: Next() = %d, want %d", i, got, w)
		}
	}
}

func TestRoundRobin_SingleCredential(t *testing.T) {
	rr, _ := New(1)
	for i := 0; i < 5; i++ {
		if got := rr.Next(); got != 0 {
			t.Fatalf("Next() = %d, want 0", got)
		}
	}
}

func TestRoundRobin_ConcurrentCallersSplitEvenly(t *testing.T) {
	rr, _ := New(4)

	const perWorker = 1000
	counts := make([]int, 4)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int, 4)
			for i := 0; i < perWorker; i++ {
				local[rr.Next()]++
			}
			mu.Lock()
			for i, c := range local {
				counts[i] += c
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	for i, c := range counts {
		if c != 8*perWorker/4 {
			t.Errorf("index %d served %d calls, want %d", i, c, 8*perWorker/4)
		}
	}
}
