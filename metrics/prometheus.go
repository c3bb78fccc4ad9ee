// Package metrics provides a Prometheus implementation of pmart.MetricsCollector.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexhholmes/pmart"
)

// Prometheus records tree operations into client_golang collectors.
type Prometheus struct {
	opLatency *prometheus.HistogramVec
	conflicts prometheus.Counter
	scanned   prometheus.Counter

	recoveryDuration prometheus.Gauge
	recoveryFailures prometheus.Counter
	recoveredNodes   *prometheus.GaugeVec
	recoveryRepairs  *prometheus.GaugeVec
}

var _ pmart.MetricsCollector = (*Prometheus)(nil)

// NewPrometheus creates the collectors and registers them with reg. A nil
// reg selects prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pmart_operation_latency_seconds",
			Help:    "Latency of tree operations",
			Buckets: prometheus.ExponentialBuckets(100e-9, 4, 12),
		}, []string{"op", "status"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmart_conflicts_total",
			Help: "Operations that ran out of optimistic restarts",
		}),
		scanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmart_scanned_entries_total",
			Help: "Entries returned by scans",
		}),
		recoveryDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pmart_recovery_duration_seconds",
			Help: "Duration of the last recovery pass",
		}),
		recoveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmart_recovery_failures_total",
			Help: "Recovery passes that failed",
		}),
		recoveredNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pmart_recovery_nodes",
			Help: "Nodes reached by the last recovery pass",
		}, []string{"kind"}),
		recoveryRepairs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pmart_recovery_repairs",
			Help: "Repairs made by the last recovery pass",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		p.opLatency, p.conflicts, p.scanned,
		p.recoveryDuration, p.recoveryFailures, p.recoveredNodes, p.recoveryRepairs,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func status(found bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case found:
		return "hit"
	default:
		return "miss"
	}
}

func (p *Prometheus) observe(op, status string, d time.Duration, err error) {
	p.opLatency.WithLabelValues(op, status).Observe(d.Seconds())
	if errors.Is(err, pmart.ErrConflict) {
		p.conflicts.Inc()
	}
}

func (p *Prometheus) RecordFind(d time.Duration, found bool, err error) {
	p.observe("find", status(found, err), d, err)
}

func (p *Prometheus) RecordInsert(d time.Duration, err error) {
	s := "success"
	if err != nil {
		s = "error"
	}
	p.observe("insert", s, d, err)
}

func (p *Prometheus) RecordUpdate(d time.Duration, found bool, err error) {
	p.observe("update", status(found, err), d, err)
}

func (p *Prometheus) RecordRemove(d time.Duration, found bool, err error) {
	p.observe("remove", status(found, err), d, err)
}

func (p *Prometheus) RecordScan(d time.Duration, entries int, err error) {
	p.observe("scan", status(entries > 0, err), d, err)
	p.scanned.Add(float64(entries))
}

func (p *Prometheus) RecordRecovery(r pmart.RecoveryReport, err error) {
	if err != nil {
		p.recoveryFailures.Inc()
		return
	}
	p.recoveryDuration.Set(r.Duration.Seconds())
	p.recoveredNodes.WithLabelValues("inner").Set(float64(r.Inner))
	p.recoveredNodes.WithLabelValues("leaf").Set(float64(r.Leaves))
	p.recoveryRepairs.WithLabelValues("locks_reset").Set(float64(r.LocksReset))
	p.recoveryRepairs.WithLabelValues("recounted").Set(float64(r.Recounted))
	p.recoveryRepairs.WithLabelValues("committed").Set(float64(r.Committed))
	p.recoveryRepairs.WithLabelValues("rolled_back").Set(float64(r.RolledBack))
	p.recoveryRepairs.WithLabelValues("reclaimed").Set(float64(r.Reclaimed))
}
