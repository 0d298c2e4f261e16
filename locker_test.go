package que

import (
	"context"
	"testing"
	"time"
)

func TestConfigWithDefaultsFillsZeroValues(t *testing.T) {
	cfg, err := Config{}.withDefaults()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkerCount != 6 {
		t.Errorf("want default WorkerCount=6, got %d", cfg.WorkerCount)
	}
	if len(cfg.WorkerPriorities) != 6 {
		t.Fatalf("want 6 priorities, got %d", len(cfg.WorkerPriorities))
	}
	wantCeilings := []int16{10, 30, 50}
	for i, want := range wantCeilings {
		if cfg.WorkerPriorities[i] == nil || *cfg.WorkerPriorities[i] != want {
			t.Errorf("priority[%d]: want %d, got %v", i, want, cfg.WorkerPriorities[i])
		}
	}
	for i := 3; i < 6; i++ {
		if cfg.WorkerPriorities[i] != nil {
			t.Errorf("priority[%d]: want nil (unlimited), got %v", i, *cfg.WorkerPriorities[i])
		}
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("want default PollInterval=5s, got %s", cfg.PollInterval)
	}
	if cfg.WaitPeriod != 50*time.Millisecond {
		t.Errorf("want default WaitPeriod=50ms, got %s", cfg.WaitPeriod)
	}
	if cfg.MinimumBufferSize != 2 || cfg.MaximumBufferSize != 8 {
		t.Errorf("want default buffer sizes 2/8, got %d/%d", cfg.MinimumBufferSize, cfg.MaximumBufferSize)
	}
	if len(cfg.Queues) != 1 || cfg.Queues[0].Name != "" {
		t.Errorf("want a single default queue named \"\", got %+v", cfg.Queues)
	}
}

func TestConfigWithDefaultsTruncatesWorkerPriorities(t *testing.T) {
	ten, twenty, thirty, forty := int16(10), int16(20), int16(30), int16(40)
	cfg, err := Config{
		WorkerCount:      2,
		WorkerPriorities: []*int16{&ten, &twenty, &thirty, &forty},
	}.withDefaults()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.WorkerPriorities) != 2 {
		t.Fatalf("want truncated to 2, got %d", len(cfg.WorkerPriorities))
	}
	if *cfg.WorkerPriorities[0] != 10 || *cfg.WorkerPriorities[1] != 20 {
		t.Errorf("want [10,20], got [%d,%d]", *cfg.WorkerPriorities[0], *cfg.WorkerPriorities[1])
	}
}

func TestConfigWithDefaultsPadsWorkerPriorities(t *testing.T) {
	ten := int16(10)
	cfg, err := Config{
		WorkerCount:      3,
		WorkerPriorities: []*int16{&ten},
	}.withDefaults()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.WorkerPriorities) != 3 {
		t.Fatalf("want padded to 3, got %d", len(cfg.WorkerPriorities))
	}
	if cfg.WorkerPriorities[1] != nil || cfg.WorkerPriorities[2] != nil {
		t.Errorf("want padding slots nil, got %+v", cfg.WorkerPriorities[1:])
	}
}

func TestConfigRejectsTooShortPollInterval(t *testing.T) {
	_, err := Config{PollInterval: time.Millisecond}.withDefaults()
	if err == nil {
		t.Fatal("want an error for a poll interval below the 10ms floor")
	}
}

func TestConfigRejectsMaxBelowMin(t *testing.T) {
	_, err := Config{MinimumBufferSize: 5, MaximumBufferSize: 3}.withDefaults()
	if err == nil {
		t.Fatal("want an error when maximum_buffer_size < minimum_buffer_size")
	}
}

func TestConfigRejectsTooShortQueuePollInterval(t *testing.T) {
	_, err := Config{
		Queues: []QueueConfig{{Name: "low", PollInterval: time.Microsecond}},
	}.withDefaults()
	if err == nil {
		t.Fatal("want an error for a per-queue poll interval below the 10ms floor")
	}
}

func newTestLocker(t testing.TB, cfg Config) (*Locker, *Pool) {
	c := openTestClient(t)
	t.Cleanup(func() { truncateAndClose(c.pool) })

	pool := NewPool(c.pool)
	locker, err := NewLocker(pool, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return locker, pool
}

// TestLockerRoundTrip is testable property 7 (spec.md §8): a job inserted
// with (priority, run_at, args) is locked, dispatched to exactly one
// worker, and absent from the table on success.
func TestLockerRoundTrip(t *testing.T) {
	ran := make(chan string, 1)
	wm := WorkMap{
		"MyJob": func(_ context.Context, j *JobRecord) error {
			ran <- j.JobClass
			return nil
		},
	}

	locker, pool := newTestLocker(t, Config{
		WorkerCount:       1,
		WorkerPriorities:  []*int16{nil},
		WorkMap:           wm,
		WaitPeriod:        10 * time.Millisecond,
		MinimumBufferSize: 1,
		MaximumBufferSize: 4,
	})

	c := NewClient(pool.Raw())
	if err := c.Enqueue(&Job{Type: "MyJob"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := locker.Start(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case class := <-ran:
		if class != "MyJob" {
			t.Errorf("want MyJob to run, got %q", class)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("want job to run within 5s")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := locker.StopNow(stopCtx); err != nil {
		t.Fatal(err)
	}

	j, err := findOneJob(pool.Raw())
	if err != nil {
		t.Fatal(err)
	}
	if j != nil {
		t.Errorf("want job deleted after successful run, found %+v", j)
	}
}

// TestLockerStopNowIsIdempotent is testable property 6 (spec.md §8).
func TestLockerStopNowIsIdempotent(t *testing.T) {
	locker, _ := newTestLocker(t, Config{
		WorkerCount:      1,
		WorkerPriorities: []*int16{nil},
		WaitPeriod:       10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := locker.Start(ctx); err != nil {
		t.Fatal(err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := locker.StopNow(stopCtx); err != nil {
		t.Fatal(err)
	}
	if err := locker.StopNow(stopCtx); err != nil {
		t.Fatal(err)
	}
	if locker.State() != "stopped" {
		t.Errorf("want state=stopped, got %q", locker.State())
	}
}

// TestLockerPriorityOrdering is scenario S1 (spec.md §8): a single worker
// with no ceiling should see jobs delivered lowest-priority-number-first.
func TestLockerPriorityOrdering(t *testing.T) {
	var order []int16
	orderDone := make(chan struct{})
	wm := WorkMap{
		"MyJob": func(_ context.Context, j *JobRecord) error {
			order = append(order, j.Priority)
			if len(order) == 3 {
				close(orderDone)
			}
			return nil
		},
	}

	locker, pool := newTestLocker(t, Config{
		WorkerCount:       1,
		WorkerPriorities:  []*int16{nil},
		WorkMap:           wm,
		WaitPeriod:        10 * time.Millisecond,
		MinimumBufferSize: 1,
		MaximumBufferSize: 8,
	})

	c := NewClient(pool.Raw())
	for _, p := range []int16{50, 10, 30} {
		if err := c.Enqueue(&Job{Type: "MyJob", Priority: p}); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := locker.Start(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case <-orderDone:
	case <-time.After(5 * time.Second):
		t.Fatal("want all 3 jobs to run within 5s")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := locker.StopNow(stopCtx); err != nil {
		t.Fatal(err)
	}

	want := []int16{10, 30, 50}
	if len(order) != len(want) {
		t.Fatalf("want 3 jobs run, got %d", len(order))
	}
	for i, p := range want {
		if order[i] != p {
			t.Errorf("position %d: want priority %d, got %d", i, p, order[i])
		}
	}
}
