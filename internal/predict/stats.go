package predict

import "sync"

// Stats holds streaming anomaly→problem co-occurrence counts. It is shared
// across scenario partitions and safe for concurrent use; confidence is
// count(anomaly→problem)/count(anomaly→*).
type Stats struct {
	mu     sync.RWMutex
	counts map[int64]map[int64]int64
	totals map[int64]int64
}

// NewStats returns an empty co-occurrence table.
func NewStats() *Stats {
	return &Stats{
		counts: make(map[int64]map[int64]int64),
		totals: make(map[int64]int64),
	}
}

// Record adds one observed co-occurrence with weight one.
func (s *Stats) Record(anomalyID, problemID int64) {
	s.Add(anomalyID, problemID, 1)
}

// Add adds a weighted co-occurrence; used to hydrate from persisted history.
func (s *Stats) Add(anomalyID, problemID, n int64) {
	if anomalyID <= 0 || problemID <= 0 || n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byProblem, ok := s.counts[anomalyID]
	if !ok {
		byProblem = make(map[int64]int64)
		s.counts[anomalyID] = byProblem
	}
	byProblem[problemID] += n
	s.totals[anomalyID] += n
}

// Confidence returns the fraction of the anomaly's co-occurrences that
// involved the given problem; zero when the anomaly is unseen.
func (s *Stats) Confidence(anomalyID, problemID int64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := s.totals[anomalyID]
	if total == 0 {
		return 0
	}
	return float64(s.counts[anomalyID][problemID]) / float64(total)
}

// BestProblem returns the problem most often preceded by the anomaly and its
// confidence. Equal counts resolve to the lowest problem id.
func (s *Stats) BestProblem(anomalyID int64) (int64, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := s.totals[anomalyID]
	if total == 0 {
		return 0, 0
	}
	var bestID int64
	var bestCount int64
	for problemID, count := range s.counts[anomalyID] {
		if count > bestCount || (count == bestCount && (bestID == 0 || problemID < bestID)) {
			bestID = problemID
			bestCount = count
		}
	}
	return bestID, float64(bestCount) / float64(total)
}

// Support returns count(anomaly→*).
func (s *Stats) Support(anomalyID int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals[anomalyID]
}
