package pmart

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives one call per tree operation. Implementations
// must be safe for concurrent use; see pkg metrics for a Prometheus
// collector.
type MetricsCollector interface {
	RecordFind(duration time.Duration, found bool, err error)
	RecordInsert(duration time.Duration, err error)
	RecordUpdate(duration time.Duration, found bool, err error)
	RecordRemove(duration time.Duration, found bool, err error)
	RecordScan(duration time.Duration, entries int, err error)
	RecordRecovery(report RecoveryReport, err error)
}

// NoopMetricsCollector discards everything.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordFind(time.Duration, bool, error)   {}
func (NoopMetricsCollector) RecordInsert(time.Duration, error)       {}
func (NoopMetricsCollector) RecordUpdate(time.Duration, bool, error) {}
func (NoopMetricsCollector) RecordRemove(time.Duration, bool, error) {}
func (NoopMetricsCollector) RecordScan(time.Duration, int, error)    {}
func (NoopMetricsCollector) RecordRecovery(RecoveryReport, error)    {}

// BasicMetricsCollector keeps in-memory counters.
type BasicMetricsCollector struct {
	finds   atomic.Int64
	hits    atomic.Int64
	inserts atomic.Int64
	updates atomic.Int64
	removes atomic.Int64
	scans   atomic.Int64
	scanned atomic.Int64
	errors  atomic.Int64

	findNanos   atomic.Int64
	insertNanos atomic.Int64
	removeNanos atomic.Int64

	recoveries    atomic.Int64
	recoveryNanos atomic.Int64
}

func (b *BasicMetricsCollector) fail(err error) {
	if err != nil {
		b.errors.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordFind(d time.Duration, found bool, err error) {
	b.finds.Add(1)
	if found {
		b.hits.Add(1)
	}
	b.findNanos.Add(int64(d))
	b.fail(err)
}

func (b *BasicMetricsCollector) RecordInsert(d time.Duration, err error) {
	b.inserts.Add(1)
	b.insertNanos.Add(int64(d))
	b.fail(err)
}

func (b *BasicMetricsCollector) RecordUpdate(d time.Duration, _ bool, err error) {
	b.updates.Add(1)
	b.insertNanos.Add(int64(d))
	b.fail(err)
}

func (b *BasicMetricsCollector) RecordRemove(d time.Duration, _ bool, err error) {
	b.removes.Add(1)
	b.removeNanos.Add(int64(d))
	b.fail(err)
}

func (b *BasicMetricsCollector) RecordScan(_ time.Duration, entries int, err error) {
	b.scans.Add(1)
	b.scanned.Add(int64(entries))
	b.fail(err)
}

func (b *BasicMetricsCollector) RecordRecovery(report RecoveryReport, err error) {
	b.recoveries.Add(1)
	b.recoveryNanos.Add(int64(report.Duration))
	b.fail(err)
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector.
type BasicMetricsStats struct {
	Finds   int64
	Hits    int64
	Inserts int64
	Updates int64
	Removes int64
	Scans   int64
	Scanned int64
	Errors  int64

	AvgFind   time.Duration
	AvgInsert time.Duration
	AvgRemove time.Duration

	Recoveries   int64
	RecoveryTime time.Duration
}

func avg(total, n int64) time.Duration {
	if n == 0 {
		return 0
	}
	return time.Duration(total / n)
}

// GetStats returns the current counters.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	finds := b.finds.Load()
	writes := b.inserts.Load() + b.updates.Load()
	removes := b.removes.Load()
	return BasicMetricsStats{
		Finds:        finds,
		Hits:         b.hits.Load(),
		Inserts:      b.inserts.Load(),
		Updates:      b.updates.Load(),
		Removes:      removes,
		Scans:        b.scans.Load(),
		Scanned:      b.scanned.Load(),
		Errors:       b.errors.Load(),
		AvgFind:      avg(b.findNanos.Load(), finds),
		AvgInsert:    avg(b.insertNanos.Load(), writes),
		AvgRemove:    avg(b.removeNanos.Load(), removes),
		Recoveries:   b.recoveries.Load(),
		RecoveryTime: time.Duration(b.recoveryNanos.Load()),
	}
}
