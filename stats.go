package ratewise

import "sync"

// Stats is an immutable snapshot of client counters. AvgRetries is derived:
// total retries over total logical requests.
type Stats struct {
	TotalRequests       uint64
	Successful          uint64
	Failed              uint64
	TotalRetries        uint64
	AvgRetries          float64
	CircuitBreakerTrips uint64
}

// StatsTracker accumulates per-client counters. Counters only move forward;
// Reset is the single, explicit way to zero them.
type StatsTracker struct {
	mu            sync.Mutex
	totalRequests uint64
	successful    uint64
	failed        uint64
	totalRetries  uint64
	breakerTrips  uint64
}

// NewStatsTracker creates a zeroed tracker.
func NewStatsTracker() *StatsTracker {
	return &StatsTracker{}
}

func (s *StatsTracker) recordSuccess(retries int) {
	s.mu.Lock()
	s.totalRequests++
	s.successful++
	s.totalRetries += uint64(retries)
	s.mu.Unlock()
}

func (s *StatsTracker) recordFailure(retries int) {
	s.mu.Lock()
	s.totalRequests++
	s.failed++
	s.totalRetries += uint64(retries)
	s.mu.Unlock()
}

func (s *StatsTracker) recordBreakerTrip() {
	s.mu.Lock()
	s.breakerTrips++
	s.mu.Unlock()
}

// Snapshot returns the current counters.
func (s *StatsTracker) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Stats{
		TotalRequests:       s.totalRequests,
		Successful:          s.successful,
		Failed:              s.failed,
		TotalRetries:        s.totalRetries,
		CircuitBreakerTrips: s.breakerTrips,
	}
	if snap.TotalRequests > 0 {
		snap.AvgRetries = float64(snap.TotalRetries) / float64(snap.TotalRequests)
	}
	return snap
}

// Reset zeroes every counter.
func (s *StatsTracker) Reset() {
	s.mu.Lock()
	s.totalRequests = 0
	s.successful = 0
	s.failed = 0
	s.totalRetries = 0
	s.breakerTrips = 0
	s.mu.Unlock()
}
