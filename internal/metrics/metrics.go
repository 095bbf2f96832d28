package metrics

import (
	"sync"
)

// Metrics tracks queue activity seen by this process
type Metrics struct {
	mu sync.RWMutex

	enqueuedJobs    int64
	startedJobs     int64
	completedJobs   int64
	failedJobs      int64
	retriedJobs     int64
	orphanedJobs    int64
	cancelledJobs   int64
	permafailedJobs int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) add(counter *int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*counter++
}

// IncrementEnqueuedJobs counts a job inserted in pending state
func (m *Metrics) IncrementEnqueuedJobs() { m.add(&m.enqueuedJobs) }

// IncrementStartedJobs counts a job claimed by a worker
func (m *Metrics) IncrementStartedJobs() { m.add(&m.startedJobs) }

// IncrementCompletedJobs counts a job reported complete
func (m *Metrics) IncrementCompletedJobs() { m.add(&m.completedJobs) }

// IncrementFailedJobs counts a job reported failed
func (m *Metrics) IncrementFailedJobs() { m.add(&m.failedJobs) }

// IncrementRetriedJobs counts a retry successor inserted
func (m *Metrics) IncrementRetriedJobs() { m.add(&m.retriedJobs) }

// IncrementOrphanedJobs counts a running job reaped after its timeout
func (m *Metrics) IncrementOrphanedJobs() { m.add(&m.orphanedJobs) }

// IncrementCancelledJobs counts a pending job cancelled through its batch
func (m *Metrics) IncrementCancelledJobs() { m.add(&m.cancelledJobs) }

// IncrementPermafailedJobs counts a failed job that will not be retried
func (m *Metrics) IncrementPermafailedJobs() { m.add(&m.permafailedJobs) }

// GetSnapshot returns a snapshot of all metrics
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"enqueued_jobs":    m.enqueuedJobs,
		"started_jobs":     m.startedJobs,
		"completed_jobs":   m.completedJobs,
		"failed_jobs":      m.failedJobs,
		"retried_jobs":     m.retriedJobs,
		"orphaned_jobs":    m.orphanedJobs,
		"cancelled_jobs":   m.cancelledJobs,
		"permafailed_jobs": m.permafailedJobs,
	}
}
