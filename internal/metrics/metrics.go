// Package metrics exports unlocker pass statistics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tos-network/block-unlocker/internal/unlocker"
)

const namespace = "block_unlocker"

// Collector records pass outcomes as Prometheus metrics
type Collector struct {
	passes       *prometheus.CounterVec
	blocks       *prometheus.CounterVec
	credited     prometheus.Counter
	workersPaid  prometheus.Counter
	pending      prometheus.Gauge
	lastPass     prometheus.Gauge
	passDuration prometheus.Histogram
}

// NewCollector creates the unlocker metrics for coin and registers them on reg
func NewCollector(reg prometheus.Registerer, coin string) (*Collector, error) {
	labels := prometheus.Labels{"coin": coin}

	c := &Collector{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "passes_total",
			Help:        "Reconciliation passes run, by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "blocks_settled_total",
			Help:        "Candidate blocks archived, by status.",
			ConstLabels: labels,
		}, []string{"status"}),
		credited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "credited_amount_total",
			Help:        "Sum of all balance credits in atomic units.",
			ConstLabels: labels,
		}),
		workersPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "balance_credits_total",
			Help:        "Number of balance credits written.",
			ConstLabels: labels,
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pending_blocks",
			Help:        "Candidates left unsettled by the last pass.",
			ConstLabels: labels,
		}),
		lastPass: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_pass_timestamp_seconds",
			Help:        "Start time of the last pass.",
			ConstLabels: labels,
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "pass_duration_seconds",
			Help:        "Time spent in a reconciliation pass.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	for _, col := range []prometheus.Collector{
		c.passes, c.blocks, c.credited, c.workersPaid, c.pending, c.lastPass, c.passDuration,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// ObservePass implements unlocker.Observer
func (c *Collector) ObservePass(result *unlocker.PassResult, err error, elapsed time.Duration) {
	c.passDuration.Observe(elapsed.Seconds())

	if err != nil {
		c.passes.WithLabelValues("error").Inc()
	} else {
		c.passes.WithLabelValues("ok").Inc()
	}

	if result == nil {
		return
	}

	c.lastPass.Set(float64(result.StartedAt.Unix()))
	c.pending.Set(float64(result.Pending))
	c.blocks.WithLabelValues("orphaned").Add(float64(len(result.Orphaned)))
	c.blocks.WithLabelValues("matured").Add(float64(len(result.Matured)))

	// Entries are only known to be credited when the pass finished
	if err == nil {
		var total int64
		for _, amount := range result.Payments {
			total += amount
		}
		c.credited.Add(float64(total))
		c.workersPaid.Add(float64(result.WorkersPaid))
	}
}
