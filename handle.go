package que

import "time"

// Handle is the triple (priority, run_at, job_id) that uniquely identifies a
// job row and is sufficient to re-fetch, update, destroy, or unlock it. It is
// comparable and totally ordered by the same lexicographic rule the SQL
// layer uses: priority ascending, then run_at ascending, then job_id
// ascending. Lower priority values run earlier.
type Handle struct {
	Priority int16
	RunAt    time.Time
	JobID    int64
}

// Less reports whether h sorts strictly before other under the canonical
// (priority, run_at, job_id) ordering.
func (h Handle) Less(other Handle) bool {
	if h.Priority != other.Priority {
		return h.Priority < other.Priority
	}
	if !h.RunAt.Equal(other.RunAt) {
		return h.RunAt.Before(other.RunAt)
	}
	return h.JobID < other.JobID
}

// idSet is the recomputed-on-demand registry of job_ids currently somewhere
// in the pipeline (buffer, result queue, or in flight at a worker). Per
// spec.md §5 it is rebuilt at poll time rather than kept as a separate
// synchronized structure, except where a caller needs to track an
// individual worker's in-flight handle, for which idSet is also convenient
// as a small mutable set.
type idSet map[int64]struct{}

func newIDSet(ids ...int64) idSet {
	s := make(idSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s idSet) slice() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}
