package que

import "testing"

func TestResultQueueFIFO(t *testing.T) {
	r := NewResultQueue()
	r.Push(h(10, 1))
	r.Push(h(10, 2))

	first, ok := r.TryPop()
	if !ok || first.JobID != 1 {
		t.Fatalf("want job_id=1 first, got %+v ok=%v", first, ok)
	}
	second, ok := r.TryPop()
	if !ok || second.JobID != 2 {
		t.Fatalf("want job_id=2 second, got %+v ok=%v", second, ok)
	}
	if _, ok := r.TryPop(); ok {
		t.Errorf("want ok=false once drained")
	}
}

func TestResultQueueToADoesNotRemove(t *testing.T) {
	r := NewResultQueue()
	r.Push(h(10, 1))

	snapshot := r.ToA()
	if len(snapshot) != 1 {
		t.Fatalf("want 1 handle in snapshot, got %d", len(snapshot))
	}
	if r.Size() != 1 {
		t.Errorf("want ToA to leave the queue untouched, size=%d", r.Size())
	}
}

func TestResultQueueSize(t *testing.T) {
	r := NewResultQueue()
	if r.Size() != 0 {
		t.Errorf("want empty queue to start at size 0")
	}
	r.Push(h(10, 1))
	r.Push(h(10, 2))
	if r.Size() != 2 {
		t.Errorf("want size=2, got %d", r.Size())
	}
}
