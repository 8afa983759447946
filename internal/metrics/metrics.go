package metrics

import (
	"sync"
)

// Metrics tracks pipeline counters
type Metrics struct {
	mu sync.RWMutex

	submittedJobs   int64
	completedJobs   int64
	failedJobs      int64
	cancelledJobs   int64
	pagesProcessed  int64
	pagesUnreadable int64
	cacheHits       int64
	cacheMisses     int64
	cacheEvictions  int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncrementSubmittedJobs increments the submitted jobs counter
func (m *Metrics) IncrementSubmittedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submittedJobs++
}

// IncrementCompletedJobs increments the completed jobs counter
func (m *Metrics) IncrementCompletedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completedJobs++
}

// IncrementFailedJobs increments the failed jobs counter
func (m *Metrics) IncrementFailedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedJobs++
}

// IncrementCancelledJobs increments the cancelled jobs counter
func (m *Metrics) IncrementCancelledJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelledJobs++
}

// AddPagesProcessed adds n to the processed pages counter
func (m *Metrics) AddPagesProcessed(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pagesProcessed += int64(n)
}

// IncrementPagesUnreadable increments the unreadable pages counter
func (m *Metrics) IncrementPagesUnreadable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pagesUnreadable++
}

// IncrementCacheHits increments the analysis cache hit counter
func (m *Metrics) IncrementCacheHits() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits++
}

// IncrementCacheMisses increments the analysis cache miss counter
func (m *Metrics) IncrementCacheMisses() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheMisses++
}

// AddCacheEvictions adds n to the cache eviction counter
func (m *Metrics) AddCacheEvictions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheEvictions += int64(n)
}

// GetSnapshot returns a snapshot of all metrics
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"submitted_jobs":   m.submittedJobs,
		"completed_jobs":   m.completedJobs,
		"failed_jobs":      m.failedJobs,
		"cancelled_jobs":   m.cancelledJobs,
		"pages_processed":  m.pagesProcessed,
		"pages_unreadable": m.pagesUnreadable,
		"cache_hits":       m.cacheHits,
		"cache_misses":     m.cacheMisses,
		"cache_evictions":  m.cacheEvictions,
	}
}
