package metrics

import (
	"sync"
)

// Metrics tracks system metrics
type Metrics struct {
	mu sync.RWMutex

	submittedJobs   int64
	finishedJobs    int64
	failedJobs      int64
	stalledJobs     int64
	sweptArtifacts  int64
	sweptJobRecords int64
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

// IncrementFinishedJobs increments the finished jobs counter
func (m *Metrics) IncrementFinishedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishedJobs++
}

// IncrementFailedJobs increments the failed jobs counter
func (m *Metrics) IncrementFailedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedJobs++
}

// IncrementStalledJobs increments the watchdog-failed jobs counter
func (m *Metrics) IncrementStalledJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stalledJobs++
}

// AddSweptArtifacts adds to the swept artifacts counter
func (m *Metrics) AddSweptArtifacts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweptArtifacts += int64(n)
}

// AddSweptJobRecords adds to the swept job records counter
func (m *Metrics) AddSweptJobRecords(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweptJobRecords += int64(n)
}

// GetSnapshot returns a snapshot of all metrics
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"submitted_jobs":    m.submittedJobs,
		"finished_jobs":     m.finishedJobs,
		"failed_jobs":       m.failedJobs,
		"stalled_jobs":      m.stalledJobs,
		"swept_artifacts":   m.sweptArtifacts,
		"swept_job_records": m.sweptJobRecords,
	}
}
