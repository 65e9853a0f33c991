package distributor

// WorkerStats counts the lines credited to each worker.
// Every credit is persisted before Credit returns, so a crash right after a
// response is sent never under-counts.
type WorkerStats struct {
	value *DurableValue[WorkerCounts]
}

// NewWorkerStats returns WorkerStats backed by value.
func NewWorkerStats(value *DurableValue[WorkerCounts]) *WorkerStats {
	return &WorkerStats{value: value}
}

// Credit increments the count of worker by one, persists all counts and
// returns the new count. On failure the count is unchanged.
func (s *WorkerStats) Credit(worker string) (int64, error) {
	counts := s.value.Get().Clone()
	counts[worker]++
	if err := s.value.Set(counts); err != nil {
		return s.Count(worker), err
	}
	return counts[worker], nil
}

// CanCredit reports whether a Credit of worker would fit the size limit of
// the stored counts. It does not change anything.
func (s *WorkerStats) CanCredit(worker string) error {
	counts := s.value.Get().Clone()
	counts[worker]++
	return s.value.Fits(counts)
}

// Count returns the count of worker, 0 for unknown workers.
func (s *WorkerStats) Count(worker string) int64 {
	return s.value.Get()[worker]
}

// Snapshot returns a copy of all counts.
func (s *WorkerStats) Snapshot() WorkerCounts {
	return s.value.Get().Clone()
}

// Total returns the sum of all counts.
func (s *WorkerStats) Total() int64 {
	var total int64
	for _, n := range s.value.Get() {
		total += n
	}
	return total
}
