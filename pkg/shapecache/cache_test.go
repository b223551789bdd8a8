package shapecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGetOrComputeBuildsOnce(t *testing.T) {
	c := New[int]()
	var calls atomic.Int32
	build := func(context.Context) (int, error) {
		calls.Add(1)
		return 42, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrCompute(context.Background(), "sig", build)
		if err != nil || v != 42 {
			t.Fatalf("GetOrCompute = %d, %v", v, err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("build called %d times, want 1", calls.Load())
	}
	st := c.Stats()
	if st.Hits != 2 || st.Misses != 1 || st.Builds != 1 || st.Entries != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestConcurrentMissesShareBuild(t *testing.T) {
	c := New[int]()
	var calls atomic.Int32
	release := make(chan struct{})
	build := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 7, nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "same", build)
			if err != nil {
				t.Error(err)
			}
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("build called %d times, want 1", calls.Load())
	}
	for i, v := range results {
		if v != 7 {
			t.Errorf("result[%d] = %d", i, v)
		}
	}
}

func TestErrorsAreNotCached(t *testing.T) {
	c := New[int]()
	boom := errors.New("boom")
	fail := true
	build := func(context.Context) (int, error) {
		if fail {
			return 0, boom
		}
		return 1, nil
	}

	if _, err := c.GetOrCompute(context.Background(), "s", build); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if c.Len() != 0 {
		t.Fatal("failed build was cached")
	}
	fail = false
	v, err := c.GetOrCompute(context.Background(), "s", build)
	if err != nil || v != 1 {
		t.Fatalf("retry = %d, %v", v, err)
	}
	if c.Stats().Errors != 1 {
		t.Errorf("errors = %d, want 1", c.Stats().Errors)
	}
}

func TestMaxEntriesEvicts(t *testing.T) {
	c := New[string](WithMaxEntries(2))
	ctx := context.Background()
	for _, s := range []Signature{"a", "b", "c"} {
		s := s
		if _, err := c.GetOrCompute(ctx, s, func(context.Context) (string, error) { return string(s), nil }); err != nil {
			t.Fatal(err)
		}
	}
	if c.Len() != 2 {
		t.Errorf("len = %d, want 2", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Error("least recently used entry should be evicted")
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("evictions = %d, want 1", c.Stats().Evictions)
	}
}

func TestUnboundedByDefault(t *testing.T) {
	c := New[int]()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		sig := Signature(rune('a' + i%26)) + Signature(rune('A'+i/26))
		if _, err := c.GetOrCompute(ctx, sig, func(context.Context) (int, error) { return i, nil }); err != nil {
			t.Fatal(err)
		}
	}
	if c.Len() != 100 {
		t.Errorf("len = %d, want 100", c.Len())
	}
}

func TestContextCancelWhileWaiting(t *testing.T) {
	c := New[int]()
	release := make(chan struct{})
	defer close(release)
	go c.GetOrCompute(context.Background(), "slow", func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	waiter := func(context.Context) (int, error) {
		<-release
		return 2, nil
	}
	if _, err := c.GetOrCompute(ctx, "slow", waiter); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New[int](WithMetrics(reg, "solids"))
	ctx := context.Background()
	build := func(context.Context) (int, error) { return 1, nil }
	_, _ = c.GetOrCompute(ctx, "x", build)
	_, _ = c.GetOrCompute(ctx, "x", build)

	if got := testutil.ToFloat64(c.metrics.hits); got != 1 {
		t.Errorf("hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.metrics.misses); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n != 4 {
		t.Errorf("registered metrics = %d, %v", n, err)
	}

	// A second cache with the same name reuses the collectors.
	c2 := New[int](WithMetrics(reg, "solids"))
	_, _ = c2.GetOrCompute(ctx, "x", build)
	if got := testutil.ToFloat64(c.metrics.misses); got != 2 {
		t.Errorf("shared misses = %v, want 2", got)
	}
}
