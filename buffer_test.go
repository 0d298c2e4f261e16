package que

import (
	"testing"
	"time"
)

func h(priority int16, jobID int64) Handle {
	return Handle{Priority: priority, RunAt: time.Now(), JobID: jobID}
}

func TestJobBufferPushSortsByPriority(t *testing.T) {
	b := NewJobBuffer()
	b.Push([]Handle{h(50, 1), h(10, 2), h(30, 3)})

	got := b.ToA()
	want := []int64{2, 3, 1}
	if len(got) != len(want) {
		t.Fatalf("want %d handles, got %d", len(want), len(got))
	}
	for i, jobID := range want {
		if got[i].JobID != jobID {
			t.Errorf("position %d: want job_id=%d, got %d", i, jobID, got[i].JobID)
		}
	}
}

func TestJobBufferPopRespectsCeiling(t *testing.T) {
	b := NewJobBuffer()
	b.Push([]Handle{h(10, 1), h(50, 2)})

	ceiling := int16(20)
	got, ok := b.Pop(&ceiling)
	if !ok {
		t.Fatal("want a job within ceiling")
	}
	if got.JobID != 1 {
		t.Errorf("want job_id=1, got %d", got.JobID)
	}
	if b.Size() != 1 {
		t.Errorf("want 1 remaining, got %d", b.Size())
	}
}

func TestJobBufferPopBlocksUntilEligible(t *testing.T) {
	b := NewJobBuffer()
	done := make(chan Handle, 1)

	ceiling := int16(5)
	go func() {
		got, ok := b.Pop(&ceiling)
		if !ok {
			return
		}
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("want Pop to still be blocked with nothing eligible")
	default:
	}

	b.Push([]Handle{h(5, 42)})

	select {
	case got := <-done:
		if got.JobID != 42 {
			t.Errorf("want job_id=42, got %d", got.JobID)
		}
	case <-time.After(time.Second):
		t.Fatal("want Pop to unblock after a matching push")
	}
}

func TestJobBufferStopWakesBlockedPop(t *testing.T) {
	b := NewJobBuffer()
	done := make(chan bool, 1)

	go func() {
		_, ok := b.Pop(nil)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	b.Stop()

	select {
	case ok := <-done:
		if ok {
			t.Errorf("want ok=false once the buffer is stopped and empty")
		}
	case <-time.After(time.Second):
		t.Fatal("want Pop to return after Stop")
	}
}

func TestJobBufferStopDrainsBeforeExit(t *testing.T) {
	b := NewJobBuffer()
	b.Push([]Handle{h(10, 1)})
	b.Stop()

	got, ok := b.Pop(nil)
	if !ok {
		t.Fatal("want remaining handle to still be poppable after Stop")
	}
	if got.JobID != 1 {
		t.Errorf("want job_id=1, got %d", got.JobID)
	}

	if _, ok := b.Pop(nil); ok {
		t.Errorf("want ok=false once drained and stopped")
	}
}

func TestJobBufferClear(t *testing.T) {
	b := NewJobBuffer()
	b.Push([]Handle{h(10, 1), h(20, 2)})

	removed := b.Clear()
	if len(removed) != 2 {
		t.Fatalf("want 2 removed handles, got %d", len(removed))
	}
	if b.Size() != 0 {
		t.Errorf("want empty buffer after Clear, got size=%d", b.Size())
	}
}
