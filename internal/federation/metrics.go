package federation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsEstablished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "federation_sessions_total",
		Help: "Total peer sessions established, recoveries included.",
	})

	sessionRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "federation_session_recoveries_total",
		Help: "Total transparent re-sessions after an invalid_session_id.",
	})

	probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "federation_probes_total",
		Help: "Peer monitor activity by kind.",
	}, []string{"kind"})

	shadowRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "federation_shadow_records",
		Help: "Current shadow record count per peer.",
	}, []string{"peer"})
)
