package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "api_sessions_issued_total",
		Help: "Caller sessions issued via /api/session/new.",
	})

	generateRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_generate_requests_total",
		Help: "Generate requests served, by transport.",
	}, []string{"transport"})

	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "api_ws_connections",
		Help: "Open generate-ws connections.",
	})
)
