package crudkit

import (
	"sync"
	"sync/atomic"
	"time"
)

// TransactionMetrics provides transaction performance and failure statistics.
type TransactionMetrics struct {
	TotalTransactions      int64         `json:"total_transactions"`
	SuccessfulTransactions int64         `json:"successful_transactions"`
	FailedTransactions     int64         `json:"failed_transactions"`
	ReusedTransactions     int64         `json:"reused_transactions"`
	IsolationConflicts     int64         `json:"isolation_conflicts"`
	AverageDuration        time.Duration `json:"average_duration"`
	MaxDuration            time.Duration `json:"max_duration"`
	MinDuration            time.Duration `json:"min_duration"`
	LastReset              time.Time     `json:"last_reset"`
}

// FailureRate returns failed over total transactions, or 0 when none ran.
func (m TransactionMetrics) FailureRate() float64 {
	if m.TotalTransactions == 0 {
		return 0
	}
	return float64(m.FailedTransactions) / float64(m.TotalTransactions)
}

type transactionMonitor struct {
	totalCount    atomic.Int64
	successCount  atomic.Int64
	failureCount  atomic.Int64
	reuseCount    atomic.Int64
	conflictCount atomic.Int64
	totalDuration atomic.Int64 // nanoseconds
	maxDuration   atomic.Int64 // nanoseconds
	minDuration   atomic.Int64 // nanoseconds, zero until the first record

	mu        sync.RWMutex
	lastReset time.Time
}

func newTransactionMonitor() *transactionMonitor {
	return &transactionMonitor{lastReset: time.Now()}
}

func (tm *transactionMonitor) recordTransaction(duration time.Duration, success bool) {
	tm.totalCount.Add(1)
	tm.totalDuration.Add(int64(duration))
	if success {
		tm.successCount.Add(1)
	} else {
		tm.failureCount.Add(1)
	}

	ns := int64(duration)
	for {
		current := tm.maxDuration.Load()
		if ns <= current || tm.maxDuration.CompareAndSwap(current, ns) {
			break
		}
	}
	for {
		current := tm.minDuration.Load()
		if (current != 0 && ns >= current) || tm.minDuration.CompareAndSwap(current, ns) {
			break
		}
	}
}

func (tm *transactionMonitor) recordReuse() {
	tm.reuseCount.Add(1)
}

func (tm *transactionMonitor) recordConflict() {
	tm.conflictCount.Add(1)
}

func (tm *transactionMonitor) getMetrics() TransactionMetrics {
	tm.mu.RLock()
	lastReset := tm.lastReset
	tm.mu.RUnlock()

	total := tm.totalCount.Load()
	var avg time.Duration
	if total > 0 {
		avg = time.Duration(tm.totalDuration.Load() / total)
	}
	return TransactionMetrics{
		TotalTransactions:      total,
		SuccessfulTransactions: tm.successCount.Load(),
		FailedTransactions:     tm.failureCount.Load(),
		ReusedTransactions:     tm.reuseCount.Load(),
		IsolationConflicts:     tm.conflictCount.Load(),
		AverageDuration:        avg,
		MaxDuration:            time.Duration(tm.maxDuration.Load()),
		MinDuration:            time.Duration(tm.minDuration.Load()),
		LastReset:              lastReset,
	}
}

func (tm *transactionMonitor) isHealthy(threshold float64) bool {
	return tm.getMetrics().FailureRate() <= threshold
}

func (tm *transactionMonitor) reset() {
	tm.totalCount.Store(0)
	tm.successCount.Store(0)
	tm.failureCount.Store(0)
	tm.reuseCount.Store(0)
	tm.conflictCount.Store(0)
	tm.totalDuration.Store(0)
	tm.maxDuration.Store(0)
	tm.minDuration.Store(0)

	tm.mu.Lock()
	tm.lastReset = time.Now()
	tm.mu.Unlock()
}
