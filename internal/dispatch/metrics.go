package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_pool_backends",
		Help: "Number of backend records in the pool, shadows included.",
	})

	busyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_busy_backends",
		Help: "Number of backends currently held by a generation claim.",
	})

	acquireWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_acquire_wait_seconds",
		Help:    "Time spent waiting for a matching backend, queueing included.",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 15, 60, 300},
	})

	acquireTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_acquire_timeouts_total",
		Help: "Total acquisitions that gave up because all backends stayed occupied.",
	})

	stalledBackends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_stalled_backends_total",
		Help: "Total backends force-released by the inactivity watchdog.",
	})

	initResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_backend_init_total",
		Help: "Backend initialization outcomes after retry.",
	}, []string{"result"})
)
